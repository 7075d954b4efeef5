// Package tune picks tile sizes for the outer product mean kernel.
package tune

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-opm/internal/cache"
	"github.com/23skdu/longbow-opm/internal/device"
)

const (
	minBlock = 16
	maxBlock = 64
)

// Tuner chooses BlockI/BlockJ for a launch. GroupS, Batch and Average in base
// are preserved.
type Tuner interface {
	Tune(backend device.Backend, out, a, b device.Tensor, base device.KernelConfig) device.KernelConfig
}

// Heuristic derives tile sizes from the problem dimensions alone.
type Heuristic struct{}

func (Heuristic) Tune(_ device.Backend, _, a, b device.Tensor, base device.KernelConfig) device.KernelConfig {
	batch := max(base.Batch, 1)
	ar, _ := a.Dims()
	br, _ := b.Dims()
	base.BlockI = BlockFor(ar / batch)
	base.BlockJ = BlockFor(br / batch)
	return base
}

// BlockFor returns the next power of two >= n, clamped to [16, 64].
func BlockFor(n int) int {
	switch {
	case n <= minBlock:
		return minBlock
	case n >= maxBlock:
		return maxBlock
	}
	return 1 << bits.Len(uint(n-1))
}

// Candidates is the search space of the autotuner.
var Candidates = [][2]int{
	{16, 16},
	{32, 32},
	{64, 64},
	{32, 64},
	{64, 32},
}

// Autotuner times every candidate once per problem key on the real operands and
// memoizes the fastest.
type Autotuner struct {
	cache      cache.Cache[[2]int]
	candidates [][2]int
	reps       int
}

func NewAutotuner(c cache.Cache[[2]int]) *Autotuner {
	if c == nil {
		c = cache.NewMapCache[[2]int]()
	}
	return &Autotuner{cache: c, candidates: Candidates, reps: 1}
}

// Key identifies problems that share a tuning result.
func Key(backend device.Backend, a, b device.Tensor, base device.KernelConfig) string {
	ar, s := a.Dims()
	br, _ := b.Dims()
	return fmt.Sprintf("%s/%s/b%d/i%d/j%d/s%d/g%d", backend.Name(), a.DType(), max(base.Batch, 1), ar, br, s, base.GroupS)
}

func (t *Autotuner) Tune(backend device.Backend, out, a, b device.Tensor, base device.KernelConfig) device.KernelConfig {
	key := Key(backend, a, b, base)
	if best, ok := t.cache.Get(key); ok {
		cacheHits.Inc()
		base.BlockI, base.BlockJ = best[0], best[1]
		return base
	}
	cacheMisses.Inc()

	var best [2]int
	bestTime := time.Duration(-1)
	for _, cand := range t.candidates {
		cfg := base
		cfg.BlockI, cfg.BlockJ = cand[0], cand[1]

		start := time.Now()
		for r := 0; r < t.reps; r++ {
			backend.OuterProductMean(out, a, b, cfg)
		}
		backend.Synchronize()
		elapsed := time.Since(start)

		if bestTime < 0 || elapsed < bestTime {
			best, bestTime = cand, elapsed
		}
	}

	log.Debug().
		Str("key", key).
		Int("block_i", best[0]).
		Int("block_j", best[1]).
		Dur("elapsed", bestTime).
		Msg("Autotuned outer product mean tiles")

	t.cache.Put(key, best)
	base.BlockI, base.BlockJ = best[0], best[1]
	return base
}
