// Package ruleset turns declarative decision documents into compiled
// decisions. Documents are YAML or JSON; see [Document].
package ruleset

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDefinition is returned for documents that parse but fail
// validation or compilation.
var ErrInvalidDefinition = errors.New("invalid decision definition")

// Strategy selects how a definition's rules produce a result.
type Strategy string

const (
	StrategyBoolean    Strategy = "boolean"
	StrategyFirstMatch Strategy = "first_match"
	StrategyWeighted   Strategy = "weighted"
	StrategyHistorical Strategy = "historical"
)

// Document is the top-level rule file.
type Document struct {
	Decisions []Definition `json:"decisions" yaml:"decisions" validate:"omitempty,dive"`
}

// Definition describes a single decision.
type Definition struct {
	Key         string      `json:"key" yaml:"key" validate:"required,max=128,decision_key"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty" validate:"max=1024"`
	Strategy    Strategy    `json:"strategy" yaml:"strategy" validate:"required,oneof=boolean first_match weighted historical"`
	Condition   *Condition  `json:"condition,omitempty" yaml:"condition,omitempty"`
	Rules       []Rule      `json:"rules,omitempty" yaml:"rules,omitempty" validate:"omitempty,dive"`
	Fallback    any         `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	CacheTTL    Duration    `json:"cache_ttl,omitzero" yaml:"cache_ttl,omitempty"`
	Historical  *Historical `json:"historical,omitempty" yaml:"historical,omitempty"`
	Schedule    *Schedule   `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Schedule limits the wall-clock window [From, Until) in which a decision's
// rules apply. Either bound may be omitted. Outside the window boolean
// decisions yield false and every other strategy yields its fallback, or no
// result.
type Schedule struct {
	From  *time.Time `json:"from,omitempty" yaml:"from,omitempty"`
	Until *time.Time `json:"until,omitempty" yaml:"until,omitempty"`
}

// Rule is one entry of a first_match or weighted decision. A rule without a
// condition always matches.
type Rule struct {
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Weight    *float64   `json:"weight,omitempty" yaml:"weight,omitempty" validate:"omitnil,gte=0"`
	Result    any        `json:"result" yaml:"result"`
}

// Historical configures a historical decision over a named sample series.
type Historical struct {
	Series            string   `json:"series" yaml:"series" validate:"required,max=128"`
	Window            string   `json:"window" yaml:"window" validate:"required,oneof=last_n time_range all"`
	Count             int      `json:"count,omitempty" yaml:"count,omitempty" validate:"required_if=Window last_n,gte=0"`
	Range             Duration `json:"range,omitzero" yaml:"range,omitempty"`
	Aggregation       string   `json:"aggregation" yaml:"aggregation" validate:"required,oneof=median percentile"`
	Percentile        float64  `json:"percentile,omitempty" yaml:"percentile,omitempty" validate:"gte=0,lte=100"`
	MinimumDataPoints int      `json:"minimum_data_points,omitempty" yaml:"minimum_data_points,omitempty" validate:"gte=0"`
}

// Condition is a node of a condition tree. Exactly one field must be set.
type Condition struct {
	All            []Condition         `json:"all,omitempty" yaml:"all,omitempty" validate:"omitempty,dive"`
	Any            []Condition         `json:"any,omitempty" yaml:"any,omitempty" validate:"omitempty,dive"`
	Not            *Condition          `json:"not,omitempty" yaml:"not,omitempty"`
	Flag           string              `json:"flag,omitempty" yaml:"flag,omitempty"`
	Segment        string              `json:"segment,omitempty" yaml:"segment,omitempty"`
	Counter        *NumericCondition   `json:"counter,omitempty" yaml:"counter,omitempty"`
	Number         *NumericCondition   `json:"number,omitempty" yaml:"number,omitempty"`
	Attribute      *AttributeCondition `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	EventWithin    *EventCondition     `json:"event_within,omitempty" yaml:"event_within,omitempty"`
	ElapsedAtLeast Duration            `json:"elapsed_at_least,omitzero" yaml:"elapsed_at_least,omitempty"`
	Version        *VersionCondition   `json:"version,omitempty" yaml:"version,omitempty"`
	Expression     string              `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// NumericCondition compares a counter or numeric user data value. The
// threshold is one of Value (fixed), ValueFrom (read from user data at
// evaluation time) or Adaptive (drawn uniformly per evaluation). Between
// comparisons use Value and Max as inclusive bounds.
type NumericCondition struct {
	Key       string         `json:"key" yaml:"key" validate:"required"`
	Op        string         `json:"op" yaml:"op" validate:"required,oneof=greater_than greater_than_or_equal less_than less_than_or_equal equal not_equal between"`
	Value     *float64       `json:"value,omitempty" yaml:"value,omitempty"`
	Max       *float64       `json:"max,omitempty" yaml:"max,omitempty"`
	ValueFrom string         `json:"value_from,omitempty" yaml:"value_from,omitempty"`
	Adaptive  *AdaptiveRange `json:"adaptive,omitempty" yaml:"adaptive,omitempty"`
}

// AdaptiveRange bounds a threshold that is regenerated on every evaluation.
type AdaptiveRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max" validate:"gtefield=Min"`
}

// AttributeCondition matches a user data attribute against a value or a set.
type AttributeCondition struct {
	Key    string `json:"key" yaml:"key" validate:"required"`
	Equals any    `json:"equals,omitempty" yaml:"equals,omitempty"`
	In     []any  `json:"in,omitempty" yaml:"in,omitempty"`
}

// EventCondition matches events recorded no longer than Within ago.
type EventCondition struct {
	Key    string   `json:"key" yaml:"key" validate:"required"`
	Within Duration `json:"within" yaml:"within" validate:"gt=0"`
}

// VersionCondition matches a semantic version attribute against a constraint.
type VersionCondition struct {
	Key        string `json:"key" yaml:"key" validate:"required"`
	Constraint string `json:"constraint" yaml:"constraint" validate:"required"`
}

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText encodes d as a duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}
