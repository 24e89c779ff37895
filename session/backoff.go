package session

import (
	"crypto/rand"
	"math/big"
	"time"
)

// backoff tracks full-jittered exponential reconnection delays
// (spec.md §4.5, §9 "Backoff context"). It doubles the cap on every
// consecutive HandshakeError entry and resets on a successful
// Connected, using crypto/rand the same unbiased way
// pathselect.weightedRandom draws a random index: a uniform value in
// [0, cap) via big.Int, not the classic floating-point jitter formula.
type backoff struct {
	initial time.Duration
	max     time.Duration
	cap     time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, cap: initial}
}

// next returns a jittered delay in [0, cap) and doubles cap (capped at
// max) for the following call.
func (b *backoff) next() (time.Duration, error) {
	cap := b.cap
	if cap <= 0 {
		cap = b.initial
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(cap)))
	if err != nil {
		return 0, err
	}
	delay := time.Duration(n.Int64())

	next := b.cap * 2
	if next > b.max || next <= 0 {
		next = b.max
	}
	b.cap = next

	return delay, nil
}

// reset restores the initial cap, called on a successful Connected.
func (b *backoff) reset() {
	b.cap = b.initial
}
