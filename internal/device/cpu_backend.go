package device

import (
	"runtime"
	"sync"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

type CPUBackend struct {
	pool    sync.Pool
	scratch sync.Pool
	workers int
}

func NewCPUBackend() *CPUBackend {
	return NewCPUBackendWithWorkers(numWorkers)
}

// NewCPUBackendWithWorkers bounds the number of tiles computed concurrently.
// Values below 1 fall back to runtime.NumCPU().
func NewCPUBackendWithWorkers(workers int) *CPUBackend {
	if workers < 1 {
		workers = numWorkers
	}
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
		scratch: sync.Pool{
			New: func() interface{} {
				return &tileScratch{}
			},
		},
		workers: workers,
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

// Workers returns the tile concurrency bound.
func (b *CPUBackend) Workers() int {
	return b.workers
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	return b.NewTensorWithType(r, c, Float32, data)
}

func (b *CPUBackend) NewTensorWithType(r, c int, dtype DType, data []float32) Tensor {
	t := &CPUTensor{backend: b, rows: r, cols: c, dtype: dtype, data: make([]float32, r*c)}
	if data != nil {
		t.CopyFromFloat32(data)
	}
	return t
}

func (b *CPUBackend) GetTensor(r, c int, dtype DType) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.dtype = dtype
	ct.trans = false
	if size := r * c; cap(ct.data) >= size {
		poolHits.WithLabelValues(b.Name()).Inc()
		ct.data = ct.data[:size]
		clear(ct.data)
	} else {
		poolMisses.WithLabelValues(b.Name()).Inc()
		ct.data = make([]float32, size)
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // Don't pool foreign tensors
	}

	ct.rows = 0
	ct.cols = 0
	ct.trans = false
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}
