package memory

// Outcome carries the result of a best-effort stage. Value is always usable
// (possibly empty); Err records why the stage fell back, if it did.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Degraded reports whether the stage fell back to its empty value.
func (o Outcome[T]) Degraded() bool { return o.Err != nil }

// OK wraps a successful value.
func OK[T any](v T) Outcome[T] { return Outcome[T]{Value: v} }

// Fallback wraps the empty value of a stage that failed with err.
func Fallback[T any](v T, err error) Outcome[T] { return Outcome[T]{Value: v, Err: err} }
