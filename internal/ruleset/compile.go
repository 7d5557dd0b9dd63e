package ruleset

import (
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"time"

	"github.com/matt-riley/decidez/internal/core"
	"github.com/matt-riley/decidez/internal/decision"
	"github.com/matt-riley/decidez/internal/selector"
)

// Result is the decision type shared by every compiled definition. Boolean
// definitions yield bool, historical definitions yield float64, first_match and
// weighted definitions yield the configured rule result as decoded.
type Result = any

// Compiled is a validated definition ready for evaluation. It is immutable and
// safe for concurrent use.
type Compiled struct {
	def       Definition
	cacheable bool
	condition core.Spec
	static    decision.Spec[core.EvaluationContext, Result]
	history   *decision.HistoricalConfig[core.EvaluationContext]
	outside   selector.Predicate
}

// CompileOption configures [Compile].
type CompileOption func(*compileConfig)

type compileConfig struct {
	draw func() float64
	now  func() time.Time
}

// WithDraw replaces the uniform [0, 1) source used by weighted selection and
// adaptive thresholds. draw must be safe for concurrent use.
func WithDraw(draw func() float64) CompileOption {
	return func(cfg *compileConfig) {
		if draw != nil {
			cfg.draw = draw
		}
	}
}

// WithClock replaces time.Now for schedule windows.
func WithClock(now func() time.Time) CompileOption {
	return func(cfg *compileConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Compile validates def and builds its decision.
func Compile(def Definition, opts ...CompileOption) (*Compiled, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	cfg := compileConfig{draw: rand.Float64, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	st := &compileState{cfg: cfg, key: def.Key}
	compiled := &Compiled{def: def}

	var err error
	switch def.Strategy {
	case StrategyBoolean:
		err = compileBoolean(compiled, st)
	case StrategyFirstMatch:
		err = compileFirstMatch(compiled, st)
	case StrategyWeighted:
		err = compileWeighted(compiled, st)
	case StrategyHistorical:
		err = compileHistorical(compiled, st)
	default:
		err = st.errorf("strategy", "unknown strategy %q", def.Strategy)
	}
	if err != nil {
		return nil, err
	}
	if err := applySchedule(compiled, st); err != nil {
		return nil, err
	}

	compiled.cacheable = def.Strategy == StrategyBoolean && def.CacheTTL > 0 && !st.adaptive
	return compiled, nil
}

// CompileDocument compiles every definition in doc. Keys must be unique.
func CompileDocument(doc Document, opts ...CompileOption) ([]*Compiled, error) {
	seen := make(map[string]struct{}, len(doc.Decisions))
	out := make([]*Compiled, 0, len(doc.Decisions))
	for _, def := range doc.Decisions {
		if _, ok := seen[def.Key]; ok {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidDefinition, def.Key)
		}
		seen[def.Key] = struct{}{}

		compiled, err := Compile(def, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	return out, nil
}

// Key returns the decision key.
func (c *Compiled) Key() string { return c.def.Key }

// Strategy returns the decision strategy.
func (c *Compiled) Strategy() Strategy { return c.def.Strategy }

// Definition returns the source definition.
func (c *Compiled) Definition() Definition { return c.def }

// CacheTTL returns the configured result lifetime.
func (c *Compiled) CacheTTL() time.Duration { return c.def.CacheTTL.Std() }

// Cacheable reports whether results may be memoized: boolean decisions with a
// positive cache_ttl whose conditions contain no adaptive thresholds.
func (c *Compiled) Cacheable() bool { return c.cacheable }

// Condition returns the condition of a boolean decision, or nil.
func (c *Compiled) Condition() core.Spec { return c.condition }

// Series returns the sample series and window a historical decision reads.
func (c *Compiled) Series() (string, decision.Window, bool) {
	if c.history == nil {
		return "", decision.Window{}, false
	}
	return c.def.Historical.Series, c.history.Window, true
}

// Decision returns the runnable decision. data backs historical decisions and
// is ignored by every other strategy; a nil provider yields no samples.
func (c *Compiled) Decision(data decision.DataProvider) decision.Spec[core.EvaluationContext, Result] {
	if c.history == nil {
		return c.static
	}

	cfg := *c.history
	if data == nil {
		data = emptySamples
	}
	cfg.Provider = data
	historical := decision.NewHistorical(cfg)
	return c.scheduled(withFallback(c.def, decision.Map[core.EvaluationContext, float64, Result](historical, func(v float64) Result { return v })))
}

// Active reports whether the schedule window, if any, currently applies.
func (c *Compiled) Active() bool {
	return c.outside == nil || !c.outside()
}

// Decide runs the decision without historical data.
func (c *Compiled) Decide(context core.EvaluationContext) (Result, bool) {
	return c.Decision(nil).Decide(context)
}

var emptySamples = decision.DataProviderFunc(func(decision.Window) iter.Seq2[time.Time, float64] {
	return func(func(time.Time, float64) bool) {}
})

type compileState struct {
	cfg      compileConfig
	key      string
	adaptive bool
}

func (st *compileState) errorf(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s: %s", ErrInvalidDefinition, st.key, path, fmt.Sprintf(format, args...))
}

func compileBoolean(c *Compiled, st *compileState) error {
	if c.def.Condition == nil {
		return st.errorf("condition", "boolean decisions require a condition")
	}
	if len(c.def.Rules) > 0 {
		return st.errorf("rules", "boolean decisions do not take rules")
	}

	condition, err := compileCondition(c.def.Condition, "condition", st)
	if err != nil {
		return err
	}
	c.condition = condition
	c.static = decision.Func[core.EvaluationContext, Result](func(context core.EvaluationContext) (Result, bool) {
		return condition.IsSatisfiedBy(context), true
	})
	return nil
}

func compileFirstMatch(c *Compiled, st *compileState) error {
	if len(c.def.Rules) == 0 {
		return st.errorf("rules", "first_match decisions require at least one rule")
	}

	rules := make([]decision.Rule[core.EvaluationContext, Result], 0, len(c.def.Rules))
	for i, rule := range c.def.Rules {
		spec, err := compileRuleCondition(rule.Condition, fmt.Sprintf("rules[%d].condition", i), st)
		if err != nil {
			return err
		}
		rules = append(rules, decision.When(spec, rule.Result))
	}

	if c.def.Fallback != nil {
		c.static = decision.NewFirstMatchWithFallback(c.def.Fallback, rules...)
	} else {
		c.static = decision.NewFirstMatch(rules...)
	}
	return nil
}

func compileWeighted(c *Compiled, st *compileState) error {
	if len(c.def.Rules) == 0 {
		return st.errorf("rules", "weighted decisions require at least one rule")
	}

	candidates := make([]decision.Candidate[core.EvaluationContext, Result], 0, len(c.def.Rules))
	for i, rule := range c.def.Rules {
		if rule.Weight == nil {
			return st.errorf(fmt.Sprintf("rules[%d].weight", i), "weighted rules require a weight")
		}
		if w := *rule.Weight; w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return st.errorf(fmt.Sprintf("rules[%d].weight", i), "weight must be finite and non-negative, got %v", w)
		}
		spec, err := compileRuleCondition(rule.Condition, fmt.Sprintf("rules[%d].condition", i), st)
		if err != nil {
			return err
		}
		candidates = append(candidates, decision.Candidate[core.EvaluationContext, Result]{
			Spec:   spec,
			Weight: *rule.Weight,
			Result: rule.Result,
		})
	}

	weighted := decision.NewWeighted(candidates, decision.WithDraw(st.cfg.draw))
	c.static = withFallback(c.def, weighted)
	return nil
}

func compileHistorical(c *Compiled, st *compileState) error {
	h := c.def.Historical
	if h == nil {
		return st.errorf("historical", "historical decisions require a historical block")
	}

	var window decision.Window
	switch h.Window {
	case "last_n":
		if h.Count < 1 {
			return st.errorf("historical.count", "last_n windows require count >= 1")
		}
		window = decision.LastN(h.Count)
	case "time_range":
		if h.Range <= 0 {
			return st.errorf("historical.range", "time_range windows require a positive range")
		}
		window = decision.TimeRange(h.Range.Std())
	default:
		window = decision.AllSamples()
	}

	aggregation := decision.Median()
	if h.Aggregation == "percentile" {
		aggregation = decision.Percentile(h.Percentile)
	}

	minimum := h.MinimumDataPoints
	if minimum < 1 {
		minimum = 1
	}

	c.history = &decision.HistoricalConfig[core.EvaluationContext]{
		Window:            window,
		Aggregation:       aggregation,
		MinimumDataPoints: minimum,
		Now:               core.EvaluationContext.CurrentTime,
	}
	return nil
}

// withFallback substitutes the definition's fallback when spec yields no
// result.
func withFallback(def Definition, spec decision.Spec[core.EvaluationContext, Result]) decision.Spec[core.EvaluationContext, Result] {
	if def.Fallback == nil {
		return spec
	}
	fallback := def.Fallback
	return decision.Func[core.EvaluationContext, Result](func(context core.EvaluationContext) (Result, bool) {
		return decision.OrElse(spec, context, fallback), true
	})
}

// applySchedule routes evaluation outside the schedule window to an inactive
// branch. The boolean condition is wrapped too, so memoized evaluations see
// the same answer.
func applySchedule(c *Compiled, st *compileState) error {
	s := c.def.Schedule
	if s == nil || (s.From == nil && s.Until == nil) {
		return nil
	}
	if s.From != nil && s.Until != nil && !s.Until.After(*s.From) {
		return st.errorf("schedule.until", "until must be after from")
	}

	from, until, now := s.From, s.Until, st.cfg.now
	c.outside = func() bool {
		t := now()
		return (from != nil && t.Before(*from)) || (until != nil && !t.Before(*until))
	}

	if c.condition != nil {
		c.condition = selector.New(c.condition, selector.Branch[core.EvaluationContext]{
			When: c.outside,
			Spec: core.False[core.EvaluationContext](),
		})
	}
	if c.static != nil {
		c.static = c.scheduled(c.static)
	}
	return nil
}

func (c *Compiled) scheduled(spec decision.Spec[core.EvaluationContext, Result]) decision.Spec[core.EvaluationContext, Result] {
	if c.outside == nil {
		return spec
	}
	return selector.NewDecision(spec, selector.DecisionBranch[core.EvaluationContext, Result]{
		When: c.outside,
		Spec: c.inactive(),
	})
}

func (c *Compiled) inactive() decision.Spec[core.EvaluationContext, Result] {
	var (
		result  Result
		matched bool
	)
	switch {
	case c.def.Strategy == StrategyBoolean:
		result, matched = false, true
	case c.def.Fallback != nil:
		result, matched = c.def.Fallback, true
	}
	return decision.Func[core.EvaluationContext, Result](func(core.EvaluationContext) (Result, bool) {
		return result, matched
	})
}

func compileRuleCondition(cond *Condition, path string, st *compileState) (core.Spec, error) {
	if cond == nil {
		return core.True[core.EvaluationContext](), nil
	}
	return compileCondition(cond, path, st)
}

func compileCondition(cond *Condition, path string, st *compileState) (core.Spec, error) {
	if n := cond.fieldsSet(); n != 1 {
		return nil, st.errorf(path, "exactly one condition kind must be set, found %d", n)
	}

	switch {
	case len(cond.All) > 0:
		specs, err := compileConditions(cond.All, path+".all", st)
		if err != nil {
			return nil, err
		}
		return core.All(specs...), nil
	case len(cond.Any) > 0:
		specs, err := compileConditions(cond.Any, path+".any", st)
		if err != nil {
			return nil, err
		}
		return core.AnyOf(specs...), nil
	case cond.Not != nil:
		inner, err := compileCondition(cond.Not, path+".not", st)
		if err != nil {
			return nil, err
		}
		return core.Not(inner), nil
	case cond.Flag != "":
		return core.FlagEnabled(cond.Flag), nil
	case cond.Segment != "":
		return core.InSegment(cond.Segment), nil
	case cond.Counter != nil:
		return compileNumeric(cond.Counter, core.CounterOf(cond.Counter.Key), path+".counter", st)
	case cond.Number != nil:
		return compileNumeric(cond.Number, core.NumberOf(cond.Number.Key), path+".number", st)
	case cond.Attribute != nil:
		return compileAttribute(cond.Attribute, path+".attribute", st)
	case cond.EventWithin != nil:
		return core.EventWithin(cond.EventWithin.Key, cond.EventWithin.Within.Std()), nil
	case cond.ElapsedAtLeast != 0:
		if cond.ElapsedAtLeast < 0 {
			return nil, st.errorf(path+".elapsed_at_least", "duration must not be negative")
		}
		return core.ElapsedAtLeast(cond.ElapsedAtLeast.Std()), nil
	case cond.Version != nil:
		spec, err := core.VersionConstraint(cond.Version.Key, cond.Version.Constraint)
		if err != nil {
			return nil, st.errorf(path+".version", "%v", err)
		}
		return spec, nil
	default:
		expr, err := core.NewExpression(cond.Expression)
		if err != nil {
			return nil, st.errorf(path+".expression", "%v", err)
		}
		return expr, nil
	}
}

func compileConditions(conds []Condition, path string, st *compileState) ([]core.Specification[core.EvaluationContext], error) {
	specs := make([]core.Specification[core.EvaluationContext], 0, len(conds))
	for i := range conds {
		spec, err := compileCondition(&conds[i], fmt.Sprintf("%s[%d]", path, i), st)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func compileNumeric(n *NumericCondition, extract core.Extractor[core.EvaluationContext], path string, st *compileState) (core.Spec, error) {
	mode, ok := core.ParseMode(n.Op)
	if !ok {
		return nil, st.errorf(path+".op", "unknown comparison %q", n.Op)
	}

	if mode == core.InRange {
		if n.Value == nil || n.Max == nil {
			return nil, st.errorf(path, "between requires value and max")
		}
		if *n.Max < *n.Value {
			return nil, st.errorf(path, "max %v is below value %v", *n.Max, *n.Value)
		}
		return core.NewComparative(extract, core.Between(*n.Value, *n.Max)), nil
	}

	sources := 0
	for _, set := range []bool{n.Value != nil, n.ValueFrom != "", n.Adaptive != nil} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, st.errorf(path, "exactly one of value, value_from or adaptive must be set")
	}

	switch {
	case n.Value != nil:
		return core.NewComparative(extract, core.Compare(mode, *n.Value)), nil
	case n.ValueFrom != "":
		from := n.ValueFrom
		return core.NewThreshold(extract, mode, core.Custom(func(c core.EvaluationContext) (float64, bool) {
			return c.Number(from)
		})), nil
	default:
		lo, hi := n.Adaptive.Min, n.Adaptive.Max
		if hi < lo {
			return nil, st.errorf(path+".adaptive", "max %v is below min %v", hi, lo)
		}
		st.adaptive = true
		draw := st.cfg.draw
		return core.NewThreshold(extract, mode, core.Adaptive[core.EvaluationContext](func() float64 {
			return lo + draw()*(hi-lo)
		})), nil
	}
}

func compileAttribute(a *AttributeCondition, path string, st *compileState) (core.Spec, error) {
	switch {
	case a.Equals != nil && a.In != nil:
		return nil, st.errorf(path, "set either equals or in, not both")
	case a.Equals != nil:
		return core.AttributeEquals(a.Key, a.Equals), nil
	case a.In != nil:
		return core.AttributeIn(a.Key, a.In), nil
	default:
		return nil, st.errorf(path, "attribute conditions require equals or in")
	}
}

func (c *Condition) fieldsSet() int {
	set := []bool{
		len(c.All) > 0,
		len(c.Any) > 0,
		c.Not != nil,
		c.Flag != "",
		c.Segment != "",
		c.Counter != nil,
		c.Number != nil,
		c.Attribute != nil,
		c.EventWithin != nil,
		c.ElapsedAtLeast != 0,
		c.Version != nil,
		c.Expression != "",
	}
	n := 0
	for _, s := range set {
		if s {
			n++
		}
	}
	return n
}
