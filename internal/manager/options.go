package manager

import (
	"math/big"
	"time"
)

type options struct {
	min0     *big.Int
	min1     *big.Int
	deadline time.Time
}

// Option adjusts a single committing operation.
type Option func(*options)

// WithMinimums overrides the computed minimum amounts. Zero minimums are
// accepted only when the manager allows them.
func WithMinimums(amount0, amount1 *big.Int) Option {
	return func(o *options) {
		o.min0 = amount0
		o.min1 = amount1
	}
}

// WithDeadline overrides the default deadline of the pool calls.
func WithDeadline(deadline time.Time) Option {
	return func(o *options) {
		o.deadline = deadline
	}
}

func collectOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
