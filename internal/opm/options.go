package opm

import (
	"github.com/23skdu/longbow-opm/internal/device"
	"github.com/23skdu/longbow-opm/internal/tune"
)

type options struct {
	average bool
	blockI  int
	blockJ  int
	groupS  int
	tuner   tune.Tuner
}

func defaultOptions() options {
	return options{
		average: true,
		groupS:  device.DefaultGroupS,
		tuner:   tune.Heuristic{},
	}
}

// Option configures a single OuterProductMean call.
type Option func(*options)

// WithAverage selects the mean (true, the default) or the raw sum over S.
func WithAverage(average bool) Option {
	return func(o *options) {
		o.average = average
	}
}

// WithBlockSizes pins the output tile size and bypasses the tuner.
func WithBlockSizes(blockI, blockJ int) Option {
	return func(o *options) {
		o.blockI = blockI
		o.blockJ = blockJ
	}
}

// WithGroupS overrides the reduction chunk length (default 32).
func WithGroupS(groupS int) Option {
	return func(o *options) {
		o.groupS = groupS
	}
}

// WithTuner sets how tile sizes are chosen when none are pinned.
func WithTuner(t tune.Tuner) Option {
	return func(o *options) {
		o.tuner = t
	}
}
