package util

// AppendUnique appends the values of add that are not already in dst,
// keeping first-seen order.
func AppendUnique[T comparable](dst []T, add ...T) []T {
	seen := make(map[T]struct{}, len(dst)+len(add))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range add {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}
