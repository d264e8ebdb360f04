// Package packetid hands out outgoing packet identifiers.
package packetid

import (
	"math/rand/v2"
)

// Allocator generates ids in [1, 2^bits-1]. The first id is placed on the
// opposite side of the id space from the counter the device reported, so the
// ids we pick rarely collide with the ones the device assigns itself.
//
// An Allocator is not safe for concurrent use.
type Allocator struct {
	current uint64
	seeded  bool
	random  func() uint64
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithRandom replaces the seed source used when the device reports no counter.
func WithRandom(fn func() uint64) Option {
	return func(a *Allocator) {
		if fn != nil {
			a.random = fn
		}
	}
}

// New returns an unseeded allocator.
func New(opts ...Option) *Allocator {
	a := &Allocator{random: rand.Uint64}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Next returns the next id for a device using bits-wide packet ids whose
// last reported counter is deviceCurrent.
func (a *Allocator) Next(bits int, deviceCurrent uint32) uint32 {
	if bits <= 0 || bits > 32 {
		bits = 32
	}
	space := uint64(1)<<uint(bits) - 1

	if !a.seeded {
		seed := uint64(deviceCurrent)
		if seed == 0 {
			seed = a.random() & 0x7fffffffffffffff
		}
		a.current = seed + space/2
		a.seeded = true
	} else {
		a.current++
	}
	a.current &= 0xffffffff

	return uint32(a.current%space) + 1
}

// Reset forgets the seed; the next call re-seeds from the device counter.
func (a *Allocator) Reset() {
	a.current = 0
	a.seeded = false
}
