package core

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// EvaluationContext is an immutable snapshot of application state. The zero
// value is an empty context whose lookups all resolve to their defaults.
//
// Every With* method returns a new context; the receiver is never modified.
type EvaluationContext struct {
	currentTime time.Time
	launchTime  time.Time
	userData    map[string]any
	counters    map[string]int64
	events      map[string]time.Time
	flags       map[string]bool
	segments    map[string]struct{}
}

// Option configures an [EvaluationContext] during construction.
type Option func(*EvaluationContext)

// NewContext builds a context from the given options. CurrentTime defaults to
// time.Now() and LaunchTime defaults to CurrentTime when not supplied.
func NewContext(opts ...Option) EvaluationContext {
	var c EvaluationContext
	for _, opt := range opts {
		opt(&c)
	}
	if c.currentTime.IsZero() {
		c.currentTime = time.Now()
	}
	if c.launchTime.IsZero() {
		c.launchTime = c.currentTime
	}
	return c
}

// At sets the current time of the context.
func At(t time.Time) Option {
	return func(c *EvaluationContext) { c.currentTime = t }
}

// LaunchedAt sets the launch time of the context.
func LaunchedAt(t time.Time) Option {
	return func(c *EvaluationContext) { c.launchTime = t }
}

// WithUserData copies data into the context's keyed values.
func WithUserData(data map[string]any) Option {
	return func(c *EvaluationContext) {
		c.userData = mergeInto(c.userData, data)
	}
}

// WithCounters copies counters into the context.
func WithCounters(counters map[string]int64) Option {
	return func(c *EvaluationContext) {
		c.counters = mergeInto(c.counters, counters)
	}
}

// WithEvents copies event timestamps into the context.
func WithEvents(events map[string]time.Time) Option {
	return func(c *EvaluationContext) {
		c.events = mergeInto(c.events, events)
	}
}

// WithFlags copies boolean flags into the context.
func WithFlags(flags map[string]bool) Option {
	return func(c *EvaluationContext) {
		c.flags = mergeInto(c.flags, flags)
	}
}

// WithSegments adds segment memberships to the context.
func WithSegments(segments ...string) Option {
	return func(c *EvaluationContext) {
		if len(segments) == 0 {
			return
		}
		if c.segments == nil {
			c.segments = make(map[string]struct{}, len(segments))
		}
		for _, s := range segments {
			c.segments[s] = struct{}{}
		}
	}
}

func mergeInto[V any](dst map[string]V, src map[string]V) map[string]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]V, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

// CurrentTime is the instant the snapshot was taken.
func (c EvaluationContext) CurrentTime() time.Time { return c.currentTime }

// LaunchTime is the instant the application launched.
func (c EvaluationContext) LaunchTime() time.Time { return c.launchTime }

// Elapsed returns CurrentTime - LaunchTime.
func (c EvaluationContext) Elapsed() time.Duration {
	return c.currentTime.Sub(c.launchTime)
}

// Value returns the raw user data value stored under key.
func (c EvaluationContext) Value(key string) (any, bool) {
	v, ok := c.userData[key]
	return v, ok
}

// Number returns the user data value under key coerced to float64. Values of
// any Go numeric kind and json.Number are accepted.
func (c EvaluationContext) Number(key string) (float64, bool) {
	v, ok := c.userData[key]
	if !ok {
		return 0, false
	}
	return ToFloat64(v)
}

// String returns the user data value under key when it is a string.
func (c EvaluationContext) String(key string) (string, bool) {
	s, ok := c.userData[key].(string)
	return s, ok
}

// Counter returns the counter under key, or 0 when absent.
func (c EvaluationContext) Counter(key string) int64 {
	return c.counters[key]
}

// Flag returns the flag under key, or false when absent.
func (c EvaluationContext) Flag(key string) bool {
	return c.flags[key]
}

// Event returns the last occurrence of the named event.
func (c EvaluationContext) Event(key string) (time.Time, bool) {
	t, ok := c.events[key]
	return t, ok
}

// TimeSinceEvent returns how long ago the named event last occurred relative
// to CurrentTime.
func (c EvaluationContext) TimeSinceEvent(key string) (time.Duration, bool) {
	t, ok := c.events[key]
	if !ok {
		return 0, false
	}
	return c.currentTime.Sub(t), true
}

// InSegment reports whether the context carries the given segment.
func (c EvaluationContext) InSegment(segment string) bool {
	_, ok := c.segments[segment]
	return ok
}

// SegmentList returns the segments in sorted order.
func (c EvaluationContext) SegmentList() []string {
	out := make([]string, 0, len(c.segments))
	for s := range c.segments {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// UserData returns a copy of the keyed values.
func (c EvaluationContext) UserData() map[string]any { return maps.Clone(c.userData) }

// Counters returns a copy of the counters.
func (c EvaluationContext) Counters() map[string]int64 { return maps.Clone(c.counters) }

// Events returns a copy of the event timestamps.
func (c EvaluationContext) Events() map[string]time.Time { return maps.Clone(c.events) }

// Flags returns a copy of the flags.
func (c EvaluationContext) Flags() map[string]bool { return maps.Clone(c.flags) }

// clone returns a deep copy of the map fields so the result can be modified
// without affecting c.
func (c EvaluationContext) clone() EvaluationContext {
	return EvaluationContext{
		currentTime: c.currentTime,
		launchTime:  c.launchTime,
		userData:    maps.Clone(c.userData),
		counters:    maps.Clone(c.counters),
		events:      maps.Clone(c.events),
		flags:       maps.Clone(c.flags),
		segments:    maps.Clone(c.segments),
	}
}

// With returns a copy of c with the given options applied.
func (c EvaluationContext) With(opts ...Option) EvaluationContext {
	next := c.clone()
	for _, opt := range opts {
		opt(&next)
	}
	return next
}

// WithValue returns a copy of c with key set to value in user data.
func (c EvaluationContext) WithValue(key string, value any) EvaluationContext {
	return c.With(WithUserData(map[string]any{key: value}))
}

// WithCounter returns a copy of c with the counter set.
func (c EvaluationContext) WithCounter(key string, value int64) EvaluationContext {
	return c.With(WithCounters(map[string]int64{key: value}))
}

// WithFlag returns a copy of c with the flag set.
func (c EvaluationContext) WithFlag(key string, value bool) EvaluationContext {
	return c.With(WithFlags(map[string]bool{key: value}))
}

// WithEvent returns a copy of c recording the event at t.
func (c EvaluationContext) WithEvent(key string, t time.Time) EvaluationContext {
	return c.With(WithEvents(map[string]time.Time{key: t}))
}

// WithSegment returns a copy of c with the segment added.
func (c EvaluationContext) WithSegment(segment string) EvaluationContext {
	return c.With(WithSegments(segment))
}

// WithCurrentTime returns a copy of c taken at t.
func (c EvaluationContext) WithCurrentTime(t time.Time) EvaluationContext {
	return c.With(At(t))
}

type contextJSON struct {
	CurrentTime time.Time            `json:"current_time,omitzero"`
	LaunchTime  time.Time            `json:"launch_time,omitzero"`
	UserData    map[string]any       `json:"user_data,omitempty"`
	Counters    map[string]int64     `json:"counters,omitempty"`
	Events      map[string]time.Time `json:"events,omitempty"`
	Flags       map[string]bool      `json:"flags,omitempty"`
	Segments    []string             `json:"segments,omitempty"`
}

// MarshalJSON encodes the context in its wire form.
func (c EvaluationContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(contextJSON{
		CurrentTime: c.currentTime,
		LaunchTime:  c.launchTime,
		UserData:    c.userData,
		Counters:    c.counters,
		Events:      c.events,
		Flags:       c.flags,
		Segments:    c.SegmentList(),
	})
}

// UnmarshalJSON decodes the wire form. Missing timestamps are left zero so the
// caller can decide how to fill them; see [EvaluationContext.Normalize].
func (c *EvaluationContext) UnmarshalJSON(data []byte) error {
	var wire contextJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	next := EvaluationContext{
		currentTime: wire.CurrentTime,
		launchTime:  wire.LaunchTime,
	}
	WithUserData(wire.UserData)(&next)
	WithCounters(wire.Counters)(&next)
	WithEvents(wire.Events)(&next)
	WithFlags(wire.Flags)(&next)
	WithSegments(wire.Segments...)(&next)

	*c = next
	return nil
}

// Normalize fills zero timestamps: CurrentTime from now, LaunchTime from
// CurrentTime.
func (c EvaluationContext) Normalize(now time.Time) EvaluationContext {
	if !c.currentTime.IsZero() && !c.launchTime.IsZero() {
		return c
	}
	next := c.clone()
	if next.currentTime.IsZero() {
		next.currentTime = now
	}
	if next.launchTime.IsZero() {
		next.launchTime = next.currentTime
	}
	return next
}
