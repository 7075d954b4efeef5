package device

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-opm/internal/simd"
)

// tileScratch is the private working set of one tile: the accumulator and the
// widened chunk slices of A and B.
type tileScratch struct {
	acc  []float64
	aBuf []float64
	bBuf []float64
}

func (s *tileScratch) reset(blockI, blockJ, groupS int) {
	s.acc = grow(s.acc, blockI*blockJ)
	s.aBuf = grow(s.aBuf, blockI*groupS)
	s.bBuf = grow(s.bBuf, blockJ*groupS)
	simd.Zero(s.acc)
}

func grow(buf []float64, n int) []float64 {
	if cap(buf) < n {
		return make([]float64, n)
	}
	return buf[:n]
}

// tileFault is a panic recovered from one tile.
type tileFault struct {
	batch, ti, tj int
	value         any
}

func (f tileFault) Error() string {
	return fmt.Sprintf("tile (%d, %d, %d): %v", f.batch, f.ti, f.tj, f.value)
}

// opmProblem is a validated kernel launch.
type opmProblem struct {
	a, b, out *CPUTensor
	batch     int
	i, j, s   int
	cfg       KernelConfig
}

// prepareOPM checks operand shapes. Anything the adapter should have rejected is a fault.
func prepareOPM(out, a, bm Tensor, cfg KernelConfig) opmProblem {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := bm.(*CPUTensor)
	mo, ok3 := out.(*CPUTensor)
	if !ok1 || !ok2 || !ok3 {
		log.Panic().Msg("Mixed backend OuterProductMean not supported")
	}
	if ma.trans || mb.trans || mo.trans {
		log.Panic().Msg("OuterProductMean: operands must be contiguous")
	}
	if err := cfg.Validate(); err != nil {
		log.Panic().Err(err).Msg("OuterProductMean: invalid kernel config")
	}

	batch := cfg.Batch
	if batch == 0 {
		batch = 1
	}

	ar, as := ma.Dims()
	br, bs := mb.Dims()
	or, oc := mo.Dims()

	if as != bs {
		log.Panic().Int("a_cols", as).Int("b_cols", bs).Msg("OuterProductMean: reduction dimension mismatch")
	}
	if ar%batch != 0 || br%batch != 0 {
		log.Panic().Int("a_rows", ar).Int("b_rows", br).Int("batch", batch).
			Msg("OuterProductMean: rows not divisible by batch")
	}
	i, j := ar/batch, br/batch
	if or != ar || oc != j {
		log.Panic().Int("out_rows", or).Int("out_cols", oc).Int("want_rows", ar).Int("want_cols", j).
			Msg("OuterProductMean: result tensor dimension mismatch")
	}

	cfg.Batch = batch
	return opmProblem{a: ma, b: mb, out: mo, batch: batch, i: i, j: j, s: as, cfg: cfg}
}

// OuterProductMean runs the tiled reduction. Every (batch, tile_i, tile_j) cell
// is an independent task owning a disjoint region of out.
func (b *CPUBackend) OuterProductMean(out, a, bm Tensor, cfg KernelConfig) {
	p := prepareOPM(out, a, bm, cfg)
	start := time.Now()

	gi, gj := Grid(p.i, p.j, p.cfg.BlockI, p.cfg.BlockJ)
	perBatch := gi * gj
	tiles := p.batch * perBatch

	log.Debug().
		Str("backend", b.Name()).
		Int("batch", p.batch).
		Int("i", p.i).
		Int("j", p.j).
		Int("s", p.s).
		Int("grid_i", gi).
		Int("grid_j", gj).
		Msg("Launching outer product mean kernel")

	var g errgroup.Group
	g.SetLimit(b.workers)
	for t := 0; t < tiles; t++ {
		batch := t / perBatch
		rem := t % perBatch
		ti, tj := rem/gj, rem%gj
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = tileFault{batch: batch, ti: ti, tj: tj, value: r}
				}
			}()
			b.runTile(&p, batch, ti, tj)
			return nil
		})
	}
	// Tile panics are re-raised on the launching goroutine.
	if err := g.Wait(); err != nil {
		log.Panic().Err(err).Str("backend", b.Name()).Msg("OuterProductMean: tile fault")
	}

	kernelLaunches.WithLabelValues(b.Name()).Inc()
	kernelTiles.WithLabelValues(b.Name()).Add(float64(tiles))
	kernelDuration.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
}

func (b *CPUBackend) runTile(p *opmProblem, batch, ti, tj int) {
	sc := b.scratch.Get().(*tileScratch)
	defer b.scratch.Put(sc)

	blockI, blockJ, groupS := p.cfg.BlockI, p.cfg.BlockJ, p.cfg.GroupS
	sc.reset(blockI, blockJ, groupS)

	i0 := ti * blockI
	j0 := tj * blockJ
	// Rows past the edge of the problem are masked.
	nI := min(blockI, p.i-i0)
	nJ := min(blockJ, p.j-j0)

	rowA := batch*p.i + i0
	rowB := batch*p.j + j0
	s := p.s
	aData, bData := p.a.data, p.b.data

	for s0 := 0; s0 < s; s0 += groupS {
		nS := min(groupS, s-s0)

		for ii := 0; ii < blockI; ii++ {
			dst := sc.aBuf[ii*groupS : (ii+1)*groupS]
			if ii >= nI {
				simd.Zero(dst)
				continue
			}
			off := (rowA+ii)*s + s0
			simd.Widen(dst, aData[off:off+nS])
		}
		for jj := 0; jj < blockJ; jj++ {
			dst := sc.bBuf[jj*groupS : (jj+1)*groupS]
			if jj >= nJ {
				simd.Zero(dst)
				continue
			}
			off := (rowB+jj)*s + s0
			simd.Widen(dst, bData[off:off+nS])
		}

		for ii := 0; ii < nI; ii++ {
			aRow := sc.aBuf[ii*groupS : ii*groupS+nS]
			accRow := sc.acc[ii*blockJ : ii*blockJ+blockJ]
			for jj := 0; jj < nJ; jj++ {
				accRow[jj] += simd.DotProduct(aRow, sc.bBuf[jj*groupS:jj*groupS+nS])
			}
		}
	}

	// Divide by the full reduction length, not the chunk length.
	div := 1.0
	if p.cfg.Average {
		div = float64(s)
	}

	dtype := p.out.dtype
	outData := p.out.data
	for ii := 0; ii < nI; ii++ {
		base := (rowA+ii)*p.j + j0
		accRow := sc.acc[ii*blockJ:]
		for jj := 0; jj < nJ; jj++ {
			outData[base+jj] = dtype.Round(float32(accRow[jj] / div))
		}
	}
}
