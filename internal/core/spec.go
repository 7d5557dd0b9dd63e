package core

// Specification is a pure predicate over a context of type C. Implementations
// must be safe for concurrent use and must not retain the context.
type Specification[C any] interface {
	IsSatisfiedBy(context C) bool
}

// SpecFunc adapts a plain function to [Specification].
type SpecFunc[C any] func(C) bool

// IsSatisfiedBy calls f(context).
func (f SpecFunc[C]) IsSatisfiedBy(context C) bool {
	return f(context)
}

// AnySpec is the type-erased carrier for any specification or closure over C,
// so heterogeneous rules can share one collection.
type AnySpec[C any] struct {
	eval func(C) bool
}

// Erase wraps spec in an [AnySpec]. Wrapping an AnySpec returns it unchanged.
func Erase[C any](spec Specification[C]) AnySpec[C] {
	if spec == nil {
		panic("core: nil specification")
	}
	if erased, ok := spec.(AnySpec[C]); ok {
		return erased
	}
	return AnySpec[C]{eval: spec.IsSatisfiedBy}
}

// EraseFunc wraps a closure in an [AnySpec].
func EraseFunc[C any](fn func(C) bool) AnySpec[C] {
	if fn == nil {
		panic("core: nil specification func")
	}
	return AnySpec[C]{eval: fn}
}

// IsSatisfiedBy evaluates the wrapped specification. The zero AnySpec is never
// satisfied.
func (s AnySpec[C]) IsSatisfiedBy(context C) bool {
	if s.eval == nil {
		return false
	}
	return s.eval(context)
}

// True returns a specification that is always satisfied.
func True[C any]() AnySpec[C] {
	return EraseFunc(func(C) bool { return true })
}

// False returns a specification that is never satisfied.
func False[C any]() AnySpec[C] {
	return EraseFunc(func(C) bool { return false })
}

type andSpec[C any] struct {
	specs []Specification[C]
}

// And is satisfied when every operand is satisfied. All operands are
// evaluated; callers must not rely on short-circuiting.
func And[C any](first, second Specification[C], rest ...Specification[C]) Specification[C] {
	return andSpec[C]{specs: operands(first, second, rest)}
}

func (s andSpec[C]) IsSatisfiedBy(context C) bool {
	result := true
	for _, spec := range s.specs {
		if !spec.IsSatisfiedBy(context) {
			result = false
		}
	}
	return result
}

type orSpec[C any] struct {
	specs []Specification[C]
}

// Or is satisfied when at least one operand is satisfied. All operands are
// evaluated.
func Or[C any](first, second Specification[C], rest ...Specification[C]) Specification[C] {
	return orSpec[C]{specs: operands(first, second, rest)}
}

func (s orSpec[C]) IsSatisfiedBy(context C) bool {
	result := false
	for _, spec := range s.specs {
		if spec.IsSatisfiedBy(context) {
			result = true
		}
	}
	return result
}

type notSpec[C any] struct {
	spec Specification[C]
}

// Not negates spec.
func Not[C any](spec Specification[C]) Specification[C] {
	if spec == nil {
		panic("core: nil specification")
	}
	return notSpec[C]{spec: spec}
}

func (s notSpec[C]) IsSatisfiedBy(context C) bool {
	return !s.spec.IsSatisfiedBy(context)
}

// All is the n-ary form of [And]. An empty list is satisfied.
func All[C any](specs ...Specification[C]) Specification[C] {
	checkOperands(specs)
	return andSpec[C]{specs: specs}
}

// AnyOf is the n-ary form of [Or]. An empty list is never satisfied.
func AnyOf[C any](specs ...Specification[C]) Specification[C] {
	checkOperands(specs)
	return orSpec[C]{specs: specs}
}

func operands[C any](first, second Specification[C], rest []Specification[C]) []Specification[C] {
	specs := make([]Specification[C], 0, 2+len(rest))
	specs = append(specs, first, second)
	specs = append(specs, rest...)
	checkOperands(specs)
	return specs
}

func checkOperands[C any](specs []Specification[C]) {
	for _, spec := range specs {
		if spec == nil {
			panic("core: nil specification operand")
		}
	}
}
