package util

// SameSet reports whether a and b hold the same elements with the same
// multiplicities, ignoring order.
func SameSet[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}

	counts := make(map[T]int, len(a))
	for _, x := range a {
		counts[x]++
	}

	for _, y := range b {
		if counts[y] == 0 {
			return false
		}
		counts[y]--
	}

	return true
}
