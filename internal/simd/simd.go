package simd

// DotProduct computes the dot product of two float64 vectors
func DotProduct(a, b []float64) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Widen copies a float32 row into a float64 buffer, zero-filling dst past len(src).
func Widen(dst []float64, src []float32) {
	n := len(src)
	if n > len(dst) {
		n = len(dst)
	}
	i := 0
	for ; i <= n-4; i += 4 {
		dst[i] = float64(src[i])
		dst[i+1] = float64(src[i+1])
		dst[i+2] = float64(src[i+2])
		dst[i+3] = float64(src[i+3])
	}
	for ; i < n; i++ {
		dst[i] = float64(src[i])
	}
	for ; i < len(dst); i++ {
		dst[i] = 0
	}
}

// Zero clears a float64 buffer
func Zero(dst []float64) {
	for i := range dst {
		dst[i] = 0
	}
}
