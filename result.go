package reqflow

// Result is a two-variant sum type: a success value or a typed error.
// Accessing the wrong variant is a programming error and panics loudly
// rather than returning a zero value.
type Result[T any] struct {
	value T
	err   *APIError
}

// Success creates a successful Result.
func Success[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Failure creates a failed Result. A nil err panics: a failure without an
// error is not representable.
func Failure[T any](err *APIError) Result[T] {
	if err == nil {
		panic("reqflow: Failure called with nil error")
	}
	return Result[T]{err: err}
}

// IsSuccess reports whether the Result holds a value.
func (r Result[T]) IsSuccess() bool { return r.err == nil }

// IsFailure reports whether the Result holds an error.
func (r Result[T]) IsFailure() bool { return r.err != nil }

// Value returns the success value. It panics when called on a failure.
func (r Result[T]) Value() T {
	if r.err != nil {
		panic("reqflow: Value called on a failed Result: " + r.err.Error())
	}
	return r.value
}

// Err returns the error. It panics when called on a success.
func (r Result[T]) Err() *APIError {
	if r.err == nil {
		panic("reqflow: Err called on a successful Result")
	}
	return r.err
}

// Get returns both variants without panicking; exactly one is set.
func (r Result[T]) Get() (T, *APIError) {
	return r.value, r.err
}

// ValueOr returns the success value, or fallback on failure.
func (r Result[T]) ValueOr(fallback T) T {
	if r.err != nil {
		return fallback
	}
	return r.value
}
