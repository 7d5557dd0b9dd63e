// Package decidez provides client interfaces and wire types for the decidez
// decision service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import decidezhttp "github.com/matt-riley/decidez/clients/go/http"
//	import decidezgrpc "github.com/matt-riley/decidez/clients/go/grpc"
package decidez

import (
	"context"
	"encoding/json"
	"time"
)

// DecisionManager covers CRUD operations on stored decisions. Only the HTTP
// client implements it.
type DecisionManager interface {
	CreateDecision(ctx context.Context, d Decision) (Decision, error)
	GetDecision(ctx context.Context, key string) (Decision, error)
	ListDecisions(ctx context.Context) ([]Decision, error)
	UpdateDecision(ctx context.Context, d Decision) (Decision, error)
	DeleteDecision(ctx context.Context, key string) error
}

// Decider evaluates decisions and feeds historical series.
type Decider interface {
	Decide(ctx context.Context, req DecideRequest) (DecideResult, error)
	DecideBatch(ctx context.Context, req BatchRequest) ([]DecideResult, error)
	RecordSample(ctx context.Context, s Sample) (Sample, error)
}

// Streamer delivers decision change events. The returned channel is closed
// when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan DecisionEvent, error)
}

// Decision is a stored decision. Document holds the definition as JSON.
type Decision struct {
	Key         string          `json:"key"`
	Description string          `json:"description"`
	Enabled     bool            `json:"enabled"`
	Document    json.RawMessage `json:"document"`
	CreatedAt   time.Time       `json:"created_at,omitzero"`
	UpdatedAt   time.Time       `json:"updated_at,omitzero"`
}

// Context is the wire form of an evaluation context. Zero timestamps are
// filled by the server.
type Context struct {
	CurrentTime time.Time            `json:"current_time,omitzero"`
	LaunchTime  time.Time            `json:"launch_time,omitzero"`
	UserData    map[string]any       `json:"user_data,omitempty"`
	Counters    map[string]int64     `json:"counters,omitempty"`
	Events      map[string]time.Time `json:"events,omitempty"`
	Flags       map[string]bool      `json:"flags,omitempty"`
	Segments    []string             `json:"segments,omitempty"`
}

// DecideRequest evaluates one decision. Subject selects stored per-subject
// state; Default is returned when the decision yields nothing.
type DecideRequest struct {
	Key     string  `json:"key"`
	Subject string  `json:"subject,omitempty"`
	Context Context `json:"context"`
	Default any     `json:"default,omitempty"`
}

// BatchRequest evaluates several decisions against one context.
type BatchRequest struct {
	Keys     []string       `json:"keys"`
	Subject  string         `json:"subject,omitempty"`
	Context  Context        `json:"context"`
	Defaults map[string]any `json:"defaults,omitempty"`
}

// DecideResult is the outcome of one decision.
type DecideResult struct {
	Key      string `json:"key"`
	Value    any    `json:"value"`
	Matched  bool   `json:"matched"`
	Reason   string `json:"reason"`
	Strategy string `json:"strategy,omitempty"`
	Cached   bool   `json:"cached,omitempty"`
}

// Sample is one observation of a historical series.
type Sample struct {
	ID         int64     `json:"id,omitempty"`
	Series     string    `json:"series"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at,omitzero"`
}

// DecisionEvent is a change notification.
type DecisionEvent struct {
	Type     string // "update" | "delete" | "error"
	Key      string
	Decision *Decision // nil on error
	EventID  int64
}
