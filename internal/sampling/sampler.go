// Package sampling provides the random and low-discrepancy draws used by the
// particle filter: uniform, discrete and Gaussian samples from an owned
// generator, plus Halton sequences and small-prime generation.
package sampling

import (
	"math"
	"math/rand/v2"
	"os"
	"time"
)

// Sampler owns one pseudo-random generator. It is not safe for concurrent use;
// each filter instance holds its own.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler returns a Sampler seeded deterministically from seed.
func NewSampler(seed uint64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewEntropySampler returns a Sampler seeded once from the wall clock mixed
// with the process id, so restarts and filter resets do not replay the same
// sequence.
func NewEntropySampler() *Sampler {
	now := uint64(time.Now().UnixNano())
	return NewSampler(mix(now, uint64(os.Getpid()), now>>32))
}

// mix is Robert Jenkins' 96 bit mix function.
func mix(a, b, c uint64) uint64 {
	a -= b
	a -= c
	a ^= c >> 13
	b -= c
	b -= a
	b ^= a << 8
	c -= a
	c -= b
	c ^= b >> 13
	a -= b
	a -= c
	a ^= c >> 12
	b -= c
	b -= a
	b ^= a << 16
	c -= a
	c -= b
	c ^= b >> 5
	a -= b
	a -= c
	a ^= c >> 3
	b -= c
	b -= a
	b ^= a << 10
	c -= a
	c -= b
	c ^= b >> 15
	return c
}

// SampleUniform returns a uniform draw in [min, max).
func (s *Sampler) SampleUniform(min, max float64) float64 {
	return min + s.rng.Float64()*(max-min)
}

// SampleDiscrete returns a uniform draw over {0 .. k-1}. k must be positive.
func (s *Sampler) SampleDiscrete(k int) int {
	return s.rng.IntN(k)
}

// SampleGaussian draws from N(mu, sigma) with the Box–Muller transform.
func (s *Sampler) SampleGaussian(mu, sigma float64) float64 {
	// u1 in (0,1], redrawn while it would make log(u1) blow up
	u1 := s.unitOpenZero()
	for u1 <= epsilon {
		u1 = s.unitOpenZero()
	}
	u2 := s.unitOpenZero()

	return sigma*math.Sqrt(-2*math.Log(u1))*math.Cos(2*math.Pi*u2) + mu
}

// epsilon is the float64 machine epsilon.
var epsilon = math.Nextafter(1, 2) - 1

func (s *Sampler) unitOpenZero() float64 {
	return 1 - s.rng.Float64()
}
