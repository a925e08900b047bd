// Package projector provides a seeded random projection that is a pure
// function of (seed, feature index, column index).
//
// No random matrix is ever materialized: every feature index owns an
// independent PCG stream keyed by the round seed, and column j of the
// projection is the j-th draw of that stream. Identical feature vectors
// therefore always project to identical sketch rows, and concurrent
// workers never share generator state.
package projector

import (
	"fmt"
	"math/rand/v2"
)

// Distribution selects the entry distribution of the projection matrix.
type Distribution int

const (
	// Gaussian draws entries from N(0, 1).
	Gaussian Distribution = iota
	// Rademacher draws entries uniformly from {-1, +1}.
	Rademacher
)

// String returns the configuration name of the distribution
func (d Distribution) String() string {
	switch d {
	case Gaussian:
		return "gaussian"
	case Rademacher:
		return "rademacher"
	default:
		return fmt.Sprintf("distribution(%d)", int(d))
	}
}

// ParseDistribution maps a configuration name to a Distribution
func ParseDistribution(name string) (Distribution, error) {
	switch name {
	case "", "gaussian":
		return Gaussian, nil
	case "rademacher":
		return Rademacher, nil
	default:
		return 0, fmt.Errorf("unknown projection distribution %q", name)
	}
}

// Projector maps (feature, column) pairs to pseudo-random scalars.
// It is immutable and safe for concurrent use.
type Projector struct {
	seed uint64
	dist Distribution
}

// Option configures a Projector
type Option func(*Projector)

// WithDistribution sets the entry distribution
func WithDistribution(dist Distribution) Option {
	return func(p *Projector) {
		p.dist = dist
	}
}

// New creates a projector for one round seed
func New(seed uint64, options ...Option) *Projector {
	p := &Projector{seed: seed, dist: Gaussian}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Seed returns the round seed the projector was built with
func (p *Projector) Seed() uint64 {
	return p.seed
}

// Distribution returns the entry distribution
func (p *Projector) Distribution() Distribution {
	return p.dist
}

// Fill writes the first len(dst) projection columns of feature into dst.
// The value written at dst[j] does not depend on len(dst).
func (p *Projector) Fill(feature uint64, dst []float64) {
	r := rand.New(p.stream(feature))
	switch p.dist {
	case Rademacher:
		for j := range dst {
			if r.Uint64()&1 == 0 {
				dst[j] = 1
			} else {
				dst[j] = -1
			}
		}
	default:
		for j := range dst {
			dst[j] = r.NormFloat64()
		}
	}
}

// Value returns the projection entry for (feature, col).
func (p *Projector) Value(feature uint64, col int) float64 {
	if col < 0 {
		panic(fmt.Sprintf("projector: negative column %d", col))
	}
	buf := make([]float64, col+1)
	p.Fill(feature, buf)
	return buf[col]
}

// stream returns the PCG source owned by one feature index
func (p *Projector) stream(feature uint64) *rand.PCG {
	hi := mix(p.seed)
	lo := mix(feature ^ (p.seed<<32 | p.seed>>32) ^ 0x632be59bd9b4e019)
	return rand.NewPCG(hi, lo)
}

// RoundSeed derives the seed of a round from a base seed and a round counter
func RoundSeed(base, round uint64) uint64 {
	return mix(base ^ mix(round))
}

// mix is the SplitMix64 finalizer
func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
