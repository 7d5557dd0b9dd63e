package decision

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/decidez/internal/core"
)

type ctx = core.EvaluationContext

func constant(satisfied bool) core.Specification[ctx] {
	if satisfied {
		return core.True[ctx]()
	}
	return core.False[ctx]()
}

func TestFirstMatchDeclarationOrderWins(t *testing.T) {
	fm := NewFirstMatch(
		When(core.CounterAtLeast("launches", 10), "power-user"),
		When(core.CounterAtLeast("launches", 1), "returning"),
		When[ctx](core.True[ctx](), "anyone"),
	)

	tests := []struct {
		name     string
		launches int64
		want     string
		index    int
	}{
		{name: "most specific first", launches: 12, want: "power-user", index: 0},
		{name: "middle rule", launches: 3, want: "returning", index: 1},
		{name: "catch all", launches: 0, want: "anyone", index: 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := core.NewContext(core.WithCounters(map[string]int64{"launches": test.launches}))
			got, index, ok := fm.Explain(c)
			require.True(t, ok)
			assert.Equal(t, test.want, got)
			assert.Equal(t, test.index, index)
		})
	}
}

func TestFirstMatchEarlierEntryBeatsMoreSpecificLaterEntry(t *testing.T) {
	fm := NewFirstMatch(
		When(core.FlagEnabled("beta"), "generic"),
		When(core.And(core.FlagEnabled("beta"), core.InSegment("vip")), "specific"),
	)
	c := core.NewContext(core.WithFlags(map[string]bool{"beta": true}), core.WithSegments("vip"))

	got, ok := fm.Decide(c)
	require.True(t, ok)
	assert.Equal(t, "generic", got)
}

func TestFirstMatchNoMatch(t *testing.T) {
	fm := NewFirstMatch(When(core.FlagEnabled("beta"), 1))

	_, ok := fm.Decide(core.NewContext())
	assert.False(t, ok)
}

func TestFirstMatchFallback(t *testing.T) {
	fm := NewFirstMatchWithFallback(0, When(core.FlagEnabled("beta"), 1))

	got, index, ok := fm.Explain(core.NewContext())
	require.True(t, ok)
	assert.Equal(t, 0, got)
	assert.Equal(t, FallbackIndex, index)

	onlyFallback := NewFirstMatchWithFallback[ctx]("default")
	result, ok := onlyFallback.Decide(core.NewContext())
	require.True(t, ok)
	assert.Equal(t, "default", result)
}

func TestFirstMatchConstructionRejectsEmpty(t *testing.T) {
	assert.Panics(t, func() { NewFirstMatch[ctx, string]() })
	assert.Panics(t, func() { NewFirstMatch(Rule[ctx, string]{Result: "x"}) })
	assert.Panics(t, func() { NewFirstMatchBuilder[ctx, string]().Build() })
}

func TestFirstMatchBuilderEquivalence(t *testing.T) {
	built := NewFirstMatchBuilder[ctx, string]().
		When(core.FlagEnabled("a"), "a").
		When(core.FlagEnabled("b"), "b").
		Otherwise("none").
		Build()
	direct := NewFirstMatchWithFallback("none",
		When(core.FlagEnabled("a"), "a"),
		When(core.FlagEnabled("b"), "b"),
	)

	for _, flags := range []map[string]bool{{}, {"a": true}, {"b": true}, {"a": true, "b": true}} {
		c := core.NewContext(core.WithFlags(flags))
		want, wantOK := direct.Decide(c)
		got, gotOK := built.Decide(c)
		assert.Equal(t, wantOK, gotOK)
		assert.Equal(t, want, got, "flags %v", flags)
	}
	assert.Equal(t, 2, built.Len())
}

func TestFirstMatchOrderInvarianceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("first satisfied rule decides regardless of later rules", prop.ForAll(
		func(satisfied []bool) bool {
			if len(satisfied) == 0 {
				return true
			}
			rules := make([]Rule[ctx, int], len(satisfied))
			for i, s := range satisfied {
				rules[i] = When(constant(s), i)
			}
			got, ok := NewFirstMatch(rules...).Decide(core.NewContext())

			for i, s := range satisfied {
				if s {
					return ok && got == i
				}
			}
			return !ok
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestEraseAndMap(t *testing.T) {
	fm := NewFirstMatch(When(core.FlagEnabled("beta"), 2))
	doubled := Map[ctx](fm, func(n int) int { return n * 2 })

	decisions := []Any[ctx, int]{
		Erase[ctx, int](fm),
		Erase(doubled),
		Erase[ctx, int](Func[ctx, int](func(ctx) (int, bool) { return 7, true })),
	}
	c := core.NewContext(core.WithFlags(map[string]bool{"beta": true}))

	var got []int
	for _, d := range decisions {
		result, ok := d.Decide(c)
		require.True(t, ok)
		got = append(got, result)
	}
	assert.Equal(t, []int{2, 4, 7}, got)

	assert.Equal(t, -1, OrElse[ctx, int](fm, core.NewContext(), -1))

	_, ok := Any[ctx, int]{}.Decide(c)
	assert.False(t, ok)
}
