package ir

import "math"

// AddMinor returns a+b. ok is false when the sum does not fit in int64.
func AddMinor(a, b int64) (sum int64, ok bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, false
	}
	return s, true
}

// AbsMinor returns |n|. ok is false for math.MinInt64, whose magnitude has no
// int64 representation.
func AbsMinor(n int64) (int64, bool) {
	if n == math.MinInt64 {
		return 0, false
	}
	if n < 0 {
		return -n, true
	}
	return n, true
}
