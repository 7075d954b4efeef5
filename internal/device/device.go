package device

import "fmt"

// Tensor represents a row-major matrix that can be resident on a backend.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// DType returns the element type values are rounded to on store.
	DType() DType

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice if it is contiguous in logical order (nil otherwise).
	Data() []float32

	// ToHost copies the data to a Go slice (float32) in logical row-major order.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice (float32) to the tensor.
	CopyFromFloat32(data []float32)

	// T returns the transpose view.
	T() Tensor
}

// KernelConfig holds the launch constants of the outer-product-mean kernel.
type KernelConfig struct {
	BlockI  int  // output tile rows
	BlockJ  int  // output tile cols
	GroupS  int  // reduction chunk length
	Batch   int  // number of independent (I, J) problems stacked along rows
	Average bool // divide by S before write-back
}

const (
	// DefaultGroupS is the reduction chunk length used when none is configured.
	DefaultGroupS = 32
	// DefaultBlock is the tile edge used when no tuner is configured.
	DefaultBlock = 32
)

// DefaultKernelConfig returns the untuned launch configuration.
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		BlockI:  DefaultBlock,
		BlockJ:  DefaultBlock,
		GroupS:  DefaultGroupS,
		Batch:   1,
		Average: true,
	}
}

// Validate checks the tile and chunk sizes are usable.
func (c KernelConfig) Validate() error {
	if c.BlockI <= 0 || c.BlockJ <= 0 {
		return fmt.Errorf("block sizes must be positive, got %dx%d", c.BlockI, c.BlockJ)
	}
	if c.GroupS <= 0 {
		return fmt.Errorf("group size must be positive, got %d", c.GroupS)
	}
	if c.Batch < 0 {
		return fmt.Errorf("batch must not be negative, got %d", c.Batch)
	}
	return nil
}

// CDiv is ceiling division for non-negative a and positive b.
func CDiv(a, b int) int {
	return (a + b - 1) / b
}

// Grid returns the number of (tile_i, tile_j) cells needed to cover an I x J output.
func Grid(i, j, blockI, blockJ int) (int, int) {
	return CDiv(i, blockI), CDiv(j, blockJ)
}

// Backend creates tensors and runs kernels on a device.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor
	NewTensorWithType(r, c int, dtype DType, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int, dtype DType) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// OuterProductMean writes out[b*I+i, j] = reduce_s a[b*I+i, s] * bm[b*J+j, s]
	// for every batch entry b. a is (Batch*I, S), bm is (Batch*J, S) and out is
	// (Batch*I, J). All three must be contiguous. Mismatched operands panic.
	OuterProductMean(out, a, bm Tensor, cfg KernelConfig)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}
