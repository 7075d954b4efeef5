// Package opm computes the outer product mean of two batched matrices:
// out[..., i, j] = mean_s a[..., i, s] * b[..., j, s].
//
// It validates and flattens the operands, launches the reduction kernel of a
// device.Backend and restores the batch shape of the result.
package opm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-opm/internal/device"
)

var tracer = otel.Tracer("longbow-opm")

// layout is the flattened view of a validated call.
type layout struct {
	prefix []int // batch dimensions shared by a and b
	batch  int   // product of prefix
	i, j   int
	s      int
}

// checkShapes validates the operands and derives the flattened problem.
func checkShapes(a, b *Tensor) (layout, error) {
	if a.Rank() != b.Rank() {
		return layout{}, fmt.Errorf("%w: rank %d vs %d", ErrShapeMismatch, a.Rank(), b.Rank())
	}
	if a.Rank() < 2 {
		return layout{}, fmt.Errorf("%w: operands must have rank >= 2, got %d", ErrShapeMismatch, a.Rank())
	}
	as, bs := a.shape, b.shape
	r := len(as)
	if as[r-1] != bs[r-1] {
		return layout{}, fmt.Errorf("%w: trailing dimension %d vs %d", ErrShapeMismatch, as[r-1], bs[r-1])
	}
	for k := 0; k < r-2; k++ {
		if as[k] != bs[k] {
			return layout{}, fmt.Errorf("%w: batch dimension %d is %d vs %d", ErrShapeMismatch, k, as[k], bs[k])
		}
	}
	if a.dtype != b.dtype {
		return layout{}, fmt.Errorf("%w: %s vs %s", ErrDTypeMismatch, a.dtype, b.dtype)
	}
	if a.NumElements() == 0 || b.NumElements() == 0 {
		return layout{}, fmt.Errorf("%w: shapes %v and %v", ErrEmptyTensor, as, bs)
	}

	prefix := cloneInts(as[:r-2])
	return layout{
		prefix: prefix,
		batch:  numElements(prefix),
		i:      as[r-2],
		j:      bs[r-2],
		s:      as[r-1],
	}, nil
}

// OuterProductMean computes, for every batch entry and every (i, j), the mean
// (or with WithAverage(false) the sum) over s of a[..., i, s] * b[..., j, s].
// a is (..., I, S), b is (..., J, S) and the result is (..., I, J) with a's dtype.
//
// Shape problems are reported as errors wrapping ErrShapeMismatch and friends.
// Faults inside the kernel panic.
func OuterProductMean(ctx context.Context, backend device.Backend, a, b *Tensor, opts ...Option) (*Tensor, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := tracer.Start(ctx, "OuterProductMean",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("backend", backend.Name())),
	)
	defer span.End()

	l, err := checkShapes(a, b)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("batch", l.batch),
		attribute.Int("i", l.i),
		attribute.Int("j", l.j),
		attribute.Int("s", l.s),
		attribute.Bool("average", o.average),
	)

	cfg := device.KernelConfig{
		BlockI:  o.blockI,
		BlockJ:  o.blockJ,
		GroupS:  o.groupS,
		Batch:   l.batch,
		Average: o.average,
	}
	pinned := o.blockI != 0 || o.blockJ != 0 || o.tuner == nil
	if pinned {
		if cfg.BlockI == 0 {
			cfg.BlockI = device.DefaultBlock
		}
		if cfg.BlockJ == 0 {
			cfg.BlockJ = device.DefaultBlock
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	} else if o.groupS <= 0 {
		return nil, fmt.Errorf("%w: group size must be positive, got %d", ErrInvalidConfig, o.groupS)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Flattening (..., I, S) -> (batch*I, S) is a free reshape once contiguous.
	ac, bc := a.Contiguous(), b.Contiguous()
	da := backend.NewTensorWithType(l.batch*l.i, l.s, a.dtype, ac.flat())
	db := backend.NewTensorWithType(l.batch*l.j, l.s, b.dtype, bc.flat())
	out := backend.GetTensor(l.batch*l.i, l.j, a.dtype)
	defer func() {
		backend.PutTensor(da)
		backend.PutTensor(db)
		backend.PutTensor(out)
	}()

	if !pinned {
		cfg = o.tuner.Tune(backend, out, da, db, cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	span.SetAttributes(
		attribute.Int("block_i", cfg.BlockI),
		attribute.Int("block_j", cfg.BlockJ),
		attribute.Int("group_s", cfg.GroupS),
	)

	backend.OuterProductMean(out, da, db, cfg)
	backend.Synchronize()

	shape := append(cloneInts(l.prefix), l.i, l.j)
	result := fromContiguous(shape, a.dtype, out.ToHost())

	log.Debug().
		Ints("a", a.shape).
		Ints("b", b.shape).
		Ints("out", shape).
		Int("block_i", cfg.BlockI).
		Int("block_j", cfg.BlockJ).
		Bool("average", cfg.Average).
		Msg("Computed outer product mean")

	return result, nil
}
