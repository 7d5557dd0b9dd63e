// Package core holds the evaluation primitives: the immutable
// [EvaluationContext] snapshot, composable [Specification] predicates,
// comparative and threshold specifications, and the built-in predicates over
// counters, flags, events, segments, versions and CEL expressions.
//
// Nothing in this package returns an error on the evaluation path. Missing or
// mistyped data resolves to defaults and numeric specifications fail closed.
package core
