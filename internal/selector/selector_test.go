package selector

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/decidez/internal/core"
	"github.com/matt-riley/decidez/internal/decision"
)

type ctx = core.EvaluationContext

func panicking() core.Specification[ctx] {
	return core.SpecFunc[ctx](func(ctx) bool { panic("unselected branch evaluated") })
}

func always(result bool) Predicate {
	return func() bool { return result }
}

func TestConditionalEvaluatesOnlyChosenBranch(t *testing.T) {
	s := New(core.False[ctx](),
		Branch[ctx]{When: always(true), Spec: core.True[ctx]()},
		Branch[ctx]{When: always(true), Spec: panicking()},
	)

	assert.NotPanics(t, func() {
		assert.True(t, s.IsSatisfiedBy(core.NewContext()))
	})
}

func TestConditionalStopsAtFirstTruePredicate(t *testing.T) {
	var checked atomic.Int64
	counting := func(result bool) Predicate {
		return func() bool {
			checked.Add(1)
			return result
		}
	}

	s := New(core.False[ctx](),
		Branch[ctx]{When: counting(false), Spec: panicking()},
		Branch[ctx]{When: counting(true), Spec: core.FlagEnabled("beta")},
		Branch[ctx]{When: counting(true), Spec: panicking()},
	)

	assert.True(t, s.IsSatisfiedBy(core.NewContext(core.WithFlags(map[string]bool{"beta": true}))))
	assert.Equal(t, int64(2), checked.Load())
}

func TestConditionalFallback(t *testing.T) {
	s := New(core.InSegment("eu"),
		Branch[ctx]{When: always(false), Spec: panicking()},
	)

	assert.True(t, s.IsSatisfiedBy(core.NewContext(core.WithSegments("eu"))))
	assert.False(t, s.IsSatisfiedBy(core.NewContext()))

	onlyFallback := New(core.True[ctx]())
	assert.True(t, onlyFallback.IsSatisfiedBy(core.NewContext()))
}

func TestConditionalFollowsRuntimeState(t *testing.T) {
	var offline atomic.Bool
	s := New(core.FlagEnabled("online-banner"),
		Branch[ctx]{When: offline.Load, Spec: core.FlagEnabled("offline-banner")},
	)
	c := core.NewContext(core.WithFlags(map[string]bool{"online-banner": true}))

	assert.True(t, s.IsSatisfiedBy(c))
	offline.Store(true)
	assert.False(t, s.IsSatisfiedBy(c))
}

func TestConditionalConstructionChecks(t *testing.T) {
	assert.Panics(t, func() { New[ctx](nil) })
	assert.Panics(t, func() { New(core.True[ctx](), Branch[ctx]{Spec: core.True[ctx]()}) })
	assert.Panics(t, func() { New(core.True[ctx](), Branch[ctx]{When: always(true)}) })
}

func TestConditionalDecision(t *testing.T) {
	var lowPower atomic.Bool
	full := decision.NewFirstMatch(decision.When(core.FlagEnabled("hd"), "4k"))
	reduced := decision.Func[ctx, string](func(ctx) (string, bool) { return "480p", true })
	exploding := decision.Func[ctx, string](func(ctx) (string, bool) { panic("unselected decision evaluated") })

	d := NewDecision[ctx, string](full,
		DecisionBranch[ctx, string]{When: lowPower.Load, Spec: reduced},
		DecisionBranch[ctx, string]{When: lowPower.Load, Spec: exploding},
	)
	c := core.NewContext(core.WithFlags(map[string]bool{"hd": true}))

	got, ok := d.Decide(c)
	require.True(t, ok)
	assert.Equal(t, "4k", got)

	lowPower.Store(true)
	got, ok = d.Decide(c)
	require.True(t, ok)
	assert.Equal(t, "480p", got)

	assert.Panics(t, func() { NewDecision[ctx, string](nil) })
}
