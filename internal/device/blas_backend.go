package device

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var _ Backend = (*BLASBackend)(nil)

// blasImpl names the blas32 implementation in use.
var blasImpl = "gonum"

// BLASBackend computes the reduction as one Sgemm per batch entry (C = A * B^T).
// Tensor management is shared with the CPU backend. Accumulation happens in
// float32 inside the BLAS implementation, so results can differ from the tiled
// kernel in the last bits.
type BLASBackend struct {
	*CPUBackend
}

func NewBLASBackend() *BLASBackend {
	return &BLASBackend{CPUBackend: NewCPUBackend()}
}

func (b *BLASBackend) Name() string {
	return "BLAS"
}

// Impl reports which BLAS library executes the gemm ("gonum" or "netlib").
func (b *BLASBackend) Impl() string {
	return blasImpl
}

func (b *BLASBackend) OuterProductMean(out, a, bm Tensor, cfg KernelConfig) {
	p := prepareOPM(out, a, bm, cfg)
	start := time.Now()

	alpha := float32(1)
	if p.cfg.Average {
		alpha = 1 / float32(p.s)
	}

	log.Debug().
		Str("backend", b.Name()).
		Str("impl", blasImpl).
		Int("batch", p.batch).
		Int("i", p.i).
		Int("j", p.j).
		Int("s", p.s).
		Msg("Launching outer product mean gemm")

	for n := 0; n < p.batch; n++ {
		ga := blas32.General{
			Rows:   p.i,
			Cols:   p.s,
			Stride: p.s,
			Data:   p.a.data[n*p.i*p.s : (n+1)*p.i*p.s],
		}
		gb := blas32.General{
			Rows:   p.j,
			Cols:   p.s,
			Stride: p.s,
			Data:   p.b.data[n*p.j*p.s : (n+1)*p.j*p.s],
		}
		gc := blas32.General{
			Rows:   p.i,
			Cols:   p.j,
			Stride: p.j,
			Data:   p.out.data[n*p.i*p.j : (n+1)*p.i*p.j],
		}
		blas32.Gemm(blas.NoTrans, blas.Trans, alpha, ga, gb, 0, gc)
	}
	p.out.dtype.RoundSlice(p.out.data)

	kernelLaunches.WithLabelValues(b.Name()).Inc()
	kernelTiles.WithLabelValues(b.Name()).Add(float64(p.batch))
	kernelDuration.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
}

// NewBackend returns the backend registered under name ("cpu" or "blas").
func NewBackend(name string, workers int) (Backend, error) {
	switch name {
	case "", "cpu":
		return NewCPUBackendWithWorkers(workers), nil
	case "blas":
		log.Debug().Str("impl", blasImpl).Msg("Using BLAS backend")
		return &BLASBackend{CPUBackend: NewCPUBackendWithWorkers(workers)}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
