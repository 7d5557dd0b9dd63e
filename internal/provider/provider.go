// Package provider holds the context sources the service composes: the
// request payload, per-subject state in Redis, and process runtime facts.
package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/matt-riley/decidez/internal/core"
)

// Request serves the context supplied by a caller.
type Request struct {
	context core.EvaluationContext
}

// NewRequest wraps an already decoded context.
func NewRequest(c core.EvaluationContext) Request {
	return Request{context: c}
}

// DecodeRequest decodes the wire form of a context. A missing current_time is
// filled from now and a missing launch_time from launched. Composition takes
// timestamps from the last context only, so the request must carry both.
func DecodeRequest(data []byte, now, launched time.Time) (Request, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Request{context: core.NewContext(core.At(now), core.LaunchedAt(launched))}, nil
	}

	var c core.EvaluationContext
	if err := json.Unmarshal(data, &c); err != nil {
		return Request{}, fmt.Errorf("decode context: %w", err)
	}
	return Request{context: FillTimes(c, now, launched)}, nil
}

// FillTimes sets zero timestamps of c from now and launched. A zero launched
// falls back to the current time.
func FillTimes(c core.EvaluationContext, now, launched time.Time) core.EvaluationContext {
	var opts []core.Option
	if c.CurrentTime().IsZero() {
		opts = append(opts, core.At(now))
	}
	if c.LaunchTime().IsZero() && !launched.IsZero() {
		opts = append(opts, core.LaunchedAt(launched))
	}
	if len(opts) > 0 {
		c = c.With(opts...)
	}
	return c.Normalize(now)
}

func (r Request) CurrentContext() core.EvaluationContext { return r.context }

// Runtime describes the running process: its launch time, host and build.
type Runtime struct {
	launched time.Time
	hostname string
	segments []string
	now      func() time.Time
}

// RuntimeOption configures a [Runtime].
type RuntimeOption func(*Runtime)

// WithRuntimeClock overrides time.Now.
func WithRuntimeClock(now func() time.Time) RuntimeOption {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRuntimeSegments adds fixed segments, such as the deployment region.
func WithRuntimeSegments(segments ...string) RuntimeOption {
	return func(r *Runtime) { r.segments = append(r.segments, segments...) }
}

// NewRuntime records launched as the process launch time.
func NewRuntime(launched time.Time, opts ...RuntimeOption) *Runtime {
	r := &Runtime{launched: launched, now: time.Now}
	if host, err := os.Hostname(); err == nil {
		r.hostname = host
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CurrentContext exposes hostname and go_version as user data and the host as
// a "host:<name>" segment.
func (r *Runtime) CurrentContext() core.EvaluationContext {
	data := map[string]any{"go_version": runtime.Version()}
	segments := append([]string(nil), r.segments...)
	if r.hostname != "" {
		data["hostname"] = r.hostname
		segments = append(segments, "host:"+r.hostname)
	}
	return core.NewContext(
		core.At(r.now()),
		core.LaunchedAt(r.launched),
		core.WithUserData(data),
		core.WithSegments(segments...),
	)
}
