package feed

// rollingMax computes, for each index i, the maximum of vals[i-w+1 .. i].
// Positions with fewer than w samples hold Missing. Monotonic-deque sweep,
// one pass over the input.
func rollingMax(vals []float64, w int) []float64 {
	return rollingExtreme(vals, w, func(a, b float64) bool { return a >= b })
}

// rollingMin is the mirror of rollingMax over the lows.
func rollingMin(vals []float64, w int) []float64 {
	return rollingExtreme(vals, w, func(a, b float64) bool { return a <= b })
}

func rollingExtreme(vals []float64, w int, beats func(a, b float64) bool) []float64 {
	n := len(vals)
	out := make([]float64, n)
	if w <= 0 {
		for i := range out {
			out[i] = Missing
		}
		return out
	}
	deque := make([]int, 0, w) // indices, front holds the current extreme
	for i := 0; i < n; i++ {
		for len(deque) > 0 && beats(vals[i], vals[deque[len(deque)-1]]) {
			deque = deque[:len(deque)-1]
		}
		deque = append(deque, i)
		if deque[0] <= i-w {
			deque = deque[1:]
		}
		if i < w-1 {
			out[i] = Missing
		} else {
			out[i] = vals[deque[0]]
		}
	}
	return out
}
