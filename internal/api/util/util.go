package util

// ApplyConversion applies a converter function to each of the models
// provided, returning a slice of the converted values in the same order.
// A nil input produces an empty (non-nil) slice, so it encodes as a JSON array.
func ApplyConversion[T any, K any](models []T, converter func(T) K) []K {
	dtos := make([]K, 0, len(models))
	for _, v := range models {
		dtos = append(dtos, converter(v))
	}

	return dtos
}
