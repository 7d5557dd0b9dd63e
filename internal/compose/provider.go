// Package compose merges context snapshots from several providers into one
// [core.EvaluationContext] under a deterministic precedence policy.
package compose

import (
	"context"

	"github.com/matt-riley/decidez/internal/core"
)

// Provider supplies a context snapshot. Implementations may be expensive; the
// cost is opaque to the caller.
type Provider interface {
	CurrentContext() core.EvaluationContext
}

// AsyncProvider is implemented by providers whose snapshot requires I/O. Each
// call must be independently cancellable through ctx.
type AsyncProvider interface {
	Provider
	CurrentContextAsync(ctx context.Context) (core.EvaluationContext, error)
}

// Notifier is implemented by providers that can signal that their context may
// have changed. Signals carry no payload.
type Notifier interface {
	Changes() <-chan struct{}
}

// ProviderFunc adapts a function to [Provider].
type ProviderFunc func() core.EvaluationContext

// CurrentContext calls f().
func (f ProviderFunc) CurrentContext() core.EvaluationContext { return f() }

// Static always returns the same snapshot.
type Static struct {
	Context core.EvaluationContext
}

// CurrentContext returns s.Context.
func (s Static) CurrentContext() core.EvaluationContext { return s.Context }

// Fetch returns p's snapshot, using the async path when p supports it.
func Fetch(ctx context.Context, p Provider) (core.EvaluationContext, error) {
	if async, ok := p.(AsyncProvider); ok {
		return async.CurrentContextAsync(ctx)
	}
	if err := ctx.Err(); err != nil {
		return core.EvaluationContext{}, err
	}
	return p.CurrentContext(), nil
}
