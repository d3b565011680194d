package gateway

// Result is what every gateway operation returns. Expected failures
// (validation, network, non-success answers) land in Err with Success false;
// they are never panics.
type Result[T any] struct {
	Success bool
	Data    T
	Err     error
}

func ok[T any](v T) Result[T] {
	return Result[T]{Success: true, Data: v}
}

// Unwrap returns Data and Err as a plain Go pair.
func (r Result[T]) Unwrap() (T, error) {
	return r.Data, r.Err
}
