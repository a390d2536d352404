// Package execution drives admitted orders to a terminal state: the
// matching worker consumes the bus, the retry scheduler paces missed
// attempts, and the reservation opener promotes parked orders at the bell.
package execution

import (
	"math/rand"
	"sync"
)

// Outcome tags the result of one fill attempt.
type Outcome int

const (
	OutcomeMissed Outcome = iota
	OutcomeFilled
	OutcomeForcedFilled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFilled:
		return "filled"
	case OutcomeForcedFilled:
		return "forced"
	default:
		return "missed"
	}
}

// FillDecider decides the outcome of an attempt given how many retries the
// order has already been through.
type FillDecider interface {
	Decide(retryCount int) Outcome
}

// RandomDecider simulates partial market liquidity: each attempt fills with
// a jittered probability, and an order that has exhausted its retries fills
// unconditionally.
type RandomDecider struct {
	maxRetries int
	floor      float64
	spread     float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomDecider builds the production decider. floor and spread bound
// the per-attempt fill probability in [floor, floor+spread).
func NewRandomDecider(maxRetries int, floor, spread float64, seed int64) *RandomDecider {
	return &RandomDecider{
		maxRetries: maxRetries,
		floor:      floor,
		spread:     spread,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Decide draws the attempt outcome. The draw order is fixed (roll first,
// then rate jitter) so seeded sequences are reproducible.
func (d *RandomDecider) Decide(retryCount int) Outcome {
	if retryCount >= d.maxRetries {
		return OutcomeForcedFilled
	}

	d.mu.Lock()
	roll := d.rng.Float64()
	rate := d.floor + d.rng.Float64()*d.spread
	d.mu.Unlock()

	if roll < rate {
		return OutcomeFilled
	}
	return OutcomeMissed
}
