package compose

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/decidez/internal/core"
)

// Composer re-fetches every provider on each call and merges the snapshots in
// provider order. A Composer is itself a Provider and a [Notifier], so
// composers nest without losing change signals.
type Composer struct {
	providers []Provider
	strategy  MergeStrategy

	changesOnce sync.Once
	changes     <-chan struct{}
}

// New builds a composer. It panics when no providers are given or one is nil.
func New(strategy MergeStrategy, providers ...Provider) *Composer {
	if len(providers) == 0 {
		panic("compose: composer requires at least one provider")
	}
	for _, p := range providers {
		if p == nil {
			panic("compose: nil provider")
		}
	}
	return &Composer{
		providers: append([]Provider(nil), providers...),
		strategy:  strategy,
	}
}

// Strategy returns the merge strategy.
func (c *Composer) Strategy() MergeStrategy { return c.strategy }

// CurrentContext fetches each provider synchronously and merges the results.
func (c *Composer) CurrentContext() core.EvaluationContext {
	contexts := make([]core.EvaluationContext, len(c.providers))
	for i, p := range c.providers {
		contexts[i] = p.CurrentContext()
	}
	return Merge(c.strategy, contexts...)
}

// CurrentContextAsync fetches every provider concurrently. The first error
// cancels the remaining fetches and is returned; the merge order is the
// provider order regardless of completion order.
func (c *Composer) CurrentContextAsync(ctx context.Context) (core.EvaluationContext, error) {
	contexts := make([]core.EvaluationContext, len(c.providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range c.providers {
		g.Go(func() error {
			fetched, err := Fetch(gctx, p)
			if err != nil {
				return fmt.Errorf("fetch provider %d: %w", i, err)
			}
			contexts[i] = fetched
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return core.EvaluationContext{}, err
	}

	return Merge(c.strategy, contexts...), nil
}

// Changes is the [Notifier] form of [Composer.Subscribe]. Every call returns
// the same channel, which closes once every source channel has closed.
func (c *Composer) Changes() <-chan struct{} {
	c.changesOnce.Do(func() {
		c.changes = c.Subscribe(context.Background())
	})
	return c.changes
}

// Subscribe fans in the change signals of every provider that implements
// [Notifier]. Signals are coalesced; the returned channel closes when ctx is
// done or every source channel has closed.
func (c *Composer) Subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)

	var sources []<-chan struct{}
	for _, p := range c.providers {
		if n, ok := p.(Notifier); ok {
			sources = append(sources, n.Changes())
		}
	}
	if len(sources) == 0 {
		close(out)
		return out
	}

	done := make(chan struct{}, len(sources))
	for _, source := range sources {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-source:
					if !ok {
						return
					}
					select {
					case out <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	go func() {
		for range sources {
			<-done
		}
		close(out)
	}()

	return out
}
