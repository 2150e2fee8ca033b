package resilience

import "reflect"

// Fallback invokes a method named by name on owner, by reflection, when primaryErr is
// non-nil — the "name-bound fallback" the spec calls for so a caller can wire e.g. an LLM
// proposal step to a heuristic method on the same service struct without a new interface per
// pairing. If the method doesn't exist, doesn't return (value, error), or itself errors, the
// original primaryErr is returned unchanged.
func Fallback[T any](owner any, name string, primaryErr error, args ...any) (T, error) {
	var zero T
	if primaryErr == nil {
		return zero, nil
	}

	method := reflect.ValueOf(owner).MethodByName(name)
	if !method.IsValid() {
		return zero, primaryErr
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = reflect.ValueOf(a)
	}

	out := method.Call(in)
	if len(out) != 2 {
		return zero, primaryErr
	}

	if errVal, ok := out[1].Interface().(error); ok && errVal != nil {
		return zero, primaryErr
	}

	result, ok := out[0].Interface().(T)
	if !ok {
		return zero, primaryErr
	}
	return result, nil
}
