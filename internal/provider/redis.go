package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matt-riley/decidez/internal/core"
)

const (
	DefaultRedisPrefix  = "decidez"
	defaultRedisTimeout = 250 * time.Millisecond
)

// RedisStore reads and writes per-subject context state. For subject s under
// prefix p the state lives in:
//
//	p:s:counters  hash of integers
//	p:s:flags     hash of booleans ("1", "true", ...)
//	p:s:data      hash of JSON-encoded values
//	p:s:events    hash of RFC 3339 timestamps
//	p:s:segments  set
type RedisStore struct {
	client  redis.Cmdable
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// RedisOption configures a [RedisStore].
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisTimeout bounds the synchronous read path.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRedisLogger sets the logger for degraded reads.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisStore wraps client.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:  client,
		prefix:  DefaultRedisPrefix,
		timeout: defaultRedisTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(subject, kind string) string {
	return s.prefix + ":" + subject + ":" + kind
}

// Subject returns the provider for one subject.
func (s *RedisStore) Subject(subject string) *Redis {
	return &Redis{store: s, subject: subject}
}

// Load fetches the subject's state in one pipeline. Undecodable fields are
// skipped. The returned context carries no timestamps of its own.
func (s *RedisStore) Load(ctx context.Context, subject string) (core.EvaluationContext, error) {
	var (
		counters *redis.MapStringStringCmd
		flags    *redis.MapStringStringCmd
		data     *redis.MapStringStringCmd
		events   *redis.MapStringStringCmd
		segments *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		counters = pipe.HGetAll(ctx, s.key(subject, "counters"))
		flags = pipe.HGetAll(ctx, s.key(subject, "flags"))
		data = pipe.HGetAll(ctx, s.key(subject, "data"))
		events = pipe.HGetAll(ctx, s.key(subject, "events"))
		segments = pipe.SMembers(ctx, s.key(subject, "segments"))
		return nil
	})
	if err != nil {
		return core.EvaluationContext{}, fmt.Errorf("load subject %q: %w", subject, err)
	}

	return core.EvaluationContext{}.With(
		core.WithCounters(decodeCounters(counters.Val())),
		core.WithFlags(decodeFlags(flags.Val())),
		core.WithUserData(decodeData(data.Val())),
		core.WithEvents(decodeEvents(events.Val())),
		core.WithSegments(segments.Val()...),
	), nil
}

// Save writes every field of c for subject. Existing fields not present in c
// are kept.
func (s *RedisStore) Save(ctx context.Context, subject string, c core.EvaluationContext) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if counters := c.Counters(); len(counters) > 0 {
			values := make(map[string]any, len(counters))
			for k, v := range counters {
				values[k] = v
			}
			pipe.HSet(ctx, s.key(subject, "counters"), values)
		}
		if flags := c.Flags(); len(flags) > 0 {
			values := make(map[string]any, len(flags))
			for k, v := range flags {
				values[k] = strconv.FormatBool(v)
			}
			pipe.HSet(ctx, s.key(subject, "flags"), values)
		}
		if data := c.UserData(); len(data) > 0 {
			values := make(map[string]any, len(data))
			for k, v := range data {
				encoded, err := json.Marshal(v)
				if err != nil {
					return fmt.Errorf("encode %q: %w", k, err)
				}
				values[k] = string(encoded)
			}
			pipe.HSet(ctx, s.key(subject, "data"), values)
		}
		if events := c.Events(); len(events) > 0 {
			values := make(map[string]any, len(events))
			for k, v := range events {
				values[k] = v.UTC().Format(time.RFC3339Nano)
			}
			pipe.HSet(ctx, s.key(subject, "events"), values)
		}
		if segments := c.SegmentList(); len(segments) > 0 {
			members := make([]any, len(segments))
			for i, seg := range segments {
				members[i] = seg
			}
			pipe.SAdd(ctx, s.key(subject, "segments"), members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save subject %q: %w", subject, err)
	}
	return nil
}

// IncrementCounter adds delta to a counter and returns the new value.
func (s *RedisStore) IncrementCounter(ctx context.Context, subject, counter string, delta int64) (int64, error) {
	v, err := s.client.HIncrBy(ctx, s.key(subject, "counters"), counter, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("increment %q for %q: %w", counter, subject, err)
	}
	return v, nil
}

// RecordEvent stores the latest occurrence of event.
func (s *RedisStore) RecordEvent(ctx context.Context, subject, event string, at time.Time) error {
	if err := s.client.HSet(ctx, s.key(subject, "events"), event, at.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("record %q for %q: %w", event, subject, err)
	}
	return nil
}

// Redis is the context provider for one subject. The async path reports
// errors; the sync path treats unavailable state as an empty context.
type Redis struct {
	store   *RedisStore
	subject string
}

// SubjectName returns the subject this provider reads.
func (r *Redis) SubjectName() string { return r.subject }

func (r *Redis) CurrentContextAsync(ctx context.Context) (core.EvaluationContext, error) {
	return r.store.Load(ctx, r.subject)
}

func (r *Redis) CurrentContext() core.EvaluationContext {
	ctx, cancel := context.WithTimeout(context.Background(), r.store.timeout)
	defer cancel()

	c, err := r.store.Load(ctx, r.subject)
	if err != nil {
		r.store.logger.Warn("subject state unavailable", "subject", r.subject, "error", err)
		return core.EvaluationContext{}
	}
	return c
}

func decodeCounters(raw map[string]string) map[string]int64 {
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out
}

func decodeFlags(raw map[string]string) map[string]bool {
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		out[k] = b
	}
	return out
}

// decodeData keeps values that are not valid JSON as plain strings.
func decodeData(raw map[string]string) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			out[k] = v
			continue
		}
		out[k] = decoded
	}
	return out
}

// decodeEvents accepts RFC 3339 timestamps or integer Unix seconds.
func decodeEvents(raw map[string]string) map[string]time.Time {
	out := make(map[string]time.Time, len(raw))
	for k, v := range raw {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			out[k] = t
			continue
		}
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = time.Unix(secs, 0).UTC()
		}
	}
	return out
}
