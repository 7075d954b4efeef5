package opm

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-opm/internal/device"
)

// Tensor is a strided host tensor of arbitrary rank. Values are stored as
// float32 and rounded to the tensor's dtype on construction.
type Tensor struct {
	shape   []int
	strides []int
	offset  int
	data    []float32
	dtype   device.DType
}

// New creates a row-major float32 tensor. data is copied; nil means zeros.
func New(shape []int, data []float32) (*Tensor, error) {
	return NewWithType(shape, device.Float32, data)
}

// NewWithType creates a row-major tensor of the given dtype.
func NewWithType(shape []int, dtype device.DType, data []float32) (*Tensor, error) {
	for i, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("invalid dimension at index %d: %d", i, d)
		}
	}
	n, ok := checkedElements(shape)
	if !ok {
		return nil, fmt.Errorf("shape %v overflows int", shape)
	}
	buf := make([]float32, n)
	if data != nil {
		if len(data) != n {
			return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
		}
		copy(buf, data)
		dtype.RoundSlice(buf)
	}
	return fromContiguous(cloneInts(shape), dtype, buf), nil
}

// MustNew is New that panics on error. Intended for tests and literals.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func fromContiguous(shape []int, dtype device.DType, data []float32) *Tensor {
	return &Tensor{
		shape:   shape,
		strides: computeStrides(shape),
		data:    data,
		dtype:   dtype,
	}
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int {
	return cloneInts(t.shape)
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

func (t *Tensor) DType() device.DType {
	return t.dtype
}

// NumElements returns the product of the dimensions.
func (t *Tensor) NumElements() int {
	return numElements(t.shape)
}

// At returns the element at the given multi-index.
func (t *Tensor) At(idx ...int) float32 {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("At: got %d indices for rank %d", len(idx), len(t.shape)))
	}
	off := t.offset
	for k, i := range idx {
		if i < 0 || i >= t.shape[k] {
			panic(fmt.Sprintf("At: index %d out of range for dimension %d of size %d", i, k, t.shape[k]))
		}
		off += i * t.strides[k]
	}
	return t.data[off]
}

// IsContiguous reports whether elements are laid out row-major with no gaps.
func (t *Tensor) IsContiguous() bool {
	expected := 1
	for k := len(t.shape) - 1; k >= 0; k-- {
		if t.shape[k] == 1 {
			continue
		}
		if t.strides[k] != expected {
			return false
		}
		expected *= t.shape[k]
	}
	return true
}

// Contiguous returns t itself if already row-major, else a row-major copy.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	return fromContiguous(cloneInts(t.shape), t.dtype, t.Values())
}

// Values returns the elements in logical row-major order. The slice is a copy.
func (t *Tensor) Values() []float32 {
	n := t.NumElements()
	out := make([]float32, n)
	if n == 0 {
		return out
	}
	if t.IsContiguous() {
		copy(out, t.data[t.offset:t.offset+n])
		return out
	}

	idx := make([]int, len(t.shape))
	for pos := 0; pos < n; pos++ {
		off := t.offset
		for k, i := range idx {
			off += i * t.strides[k]
		}
		out[pos] = t.data[off]

		// Advance the multi-index, last dimension fastest.
		for k := len(idx) - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < t.shape[k] {
				break
			}
			idx[k] = 0
		}
	}
	return out
}

// flat returns the contiguous backing window of t. t must be contiguous.
func (t *Tensor) flat() []float32 {
	return t.data[t.offset : t.offset+t.NumElements()]
}

// Reshape returns a view with a new shape. Non-contiguous tensors are copied first.
// One dimension may be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = cloneInts(shape)
	infer := -1
	known := 1
	for k, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = k
		case d < 0:
			return nil, fmt.Errorf("invalid reshape dimension %d at index %d", d, k)
		case d != 0 && known > math.MaxInt/d:
			return nil, fmt.Errorf("reshape to %v overflows int", shape)
		default:
			known *= d
		}
	}
	n := t.NumElements()
	if infer >= 0 {
		if known == 0 || n%known != 0 {
			return nil, fmt.Errorf("cannot infer dimension reshaping %v to %v", t.shape, shape)
		}
		shape[infer] = n / known
		known = n
	}
	if known != n {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", t.shape, n, shape)
	}

	c := t.Contiguous()
	return &Tensor{
		shape:   shape,
		strides: computeStrides(shape),
		offset:  c.offset,
		data:    c.data,
		dtype:   c.dtype,
	}, nil
}

// Transpose swaps the last two dimensions without copying.
func (t *Tensor) Transpose() *Tensor {
	if len(t.shape) < 2 {
		return t
	}
	shape := cloneInts(t.shape)
	strides := cloneInts(t.strides)
	r := len(shape)
	shape[r-1], shape[r-2] = shape[r-2], shape[r-1]
	strides[r-1], strides[r-2] = strides[r-2], strides[r-1]
	return &Tensor{
		shape:   shape,
		strides: strides,
		offset:  t.offset,
		data:    t.data,
		dtype:   t.dtype,
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %s)", t.shape, t.dtype)
}

// computeStrides calculates row-major strides for the shape.
func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	if len(shape) == 0 {
		return strides
	}
	strides[len(shape)-1] = 1
	for i := len(shape) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * shape[i+1]
	}
	return strides
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// checkedElements is numElements that reports false if the product overflows int.
// Any zero dimension makes the product zero.
func checkedElements(shape []int) (int, bool) {
	n := 1
	for _, d := range shape {
		if d == 0 {
			return 0, true
		}
	}
	for _, d := range shape {
		if n > math.MaxInt/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

func cloneInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}
