package compose

import (
	"maps"
	"time"

	"github.com/matt-riley/decidez/internal/core"
)

type strategyKind int

const (
	preferLast strategyKind = iota
	preferFirst
	custom
)

// MergeStrategy decides which provider wins when keys collide. Segments are
// always unioned by the built-in strategies.
type MergeStrategy struct {
	kind  strategyKind
	merge func([]core.EvaluationContext) core.EvaluationContext
}

// PreferLast lets later providers overwrite earlier ones. It is the zero value.
func PreferLast() MergeStrategy { return MergeStrategy{kind: preferLast} }

// PreferFirst keeps values from the earliest provider that set them.
func PreferFirst() MergeStrategy { return MergeStrategy{kind: preferFirst} }

// Custom delegates merging entirely to fn, which receives every fetched
// context in provider order.
func Custom(fn func([]core.EvaluationContext) core.EvaluationContext) MergeStrategy {
	if fn == nil {
		panic("compose: nil custom merge")
	}
	return MergeStrategy{kind: custom, merge: fn}
}

func (s MergeStrategy) String() string {
	switch s.kind {
	case preferFirst:
		return "prefer_first"
	case custom:
		return "custom"
	default:
		return "prefer_last"
	}
}

// Merge combines contexts under strategy. Merging zero contexts yields the
// empty context.
func Merge(strategy MergeStrategy, contexts ...core.EvaluationContext) core.EvaluationContext {
	if strategy.kind == custom {
		return strategy.merge(contexts)
	}
	if len(contexts) == 0 {
		return core.EvaluationContext{}
	}

	ordered := contexts
	if strategy.kind == preferFirst {
		// Applying in reverse with overwrite semantics gives the earliest
		// provider the final word.
		ordered = make([]core.EvaluationContext, len(contexts))
		for i, c := range contexts {
			ordered[len(contexts)-1-i] = c
		}
	}

	userData := map[string]any{}
	counters := map[string]int64{}
	events := map[string]time.Time{}
	flags := map[string]bool{}
	var segments []string

	winner := ordered[len(ordered)-1]
	for _, c := range ordered {
		maps.Copy(userData, c.UserData())
		maps.Copy(counters, c.Counters())
		maps.Copy(events, c.Events())
		maps.Copy(flags, c.Flags())
		segments = append(segments, c.SegmentList()...)
	}

	return core.NewContext(
		core.At(winner.CurrentTime()),
		core.LaunchedAt(winner.LaunchTime()),
		core.WithUserData(userData),
		core.WithCounters(counters),
		core.WithEvents(events),
		core.WithFlags(flags),
		core.WithSegments(segments...),
	)
}
