package particle

import (
	"errors"
	"fmt"
	"math"

	"github.com/microstorm/bletrack/internal/monitoring"
	"github.com/microstorm/bletrack/internal/sampling"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrAllocation is returned when the filter buffers cannot hold the
	// requested particle count or the epoch's observations.
	ErrAllocation = errors.New("particle: buffer allocation failed")

	// ErrDegenerateWeights reports that every weight collapsed to zero and
	// the set was reset to uniform weights. It never escapes Step.
	ErrDegenerateWeights = errors.New("particle: degenerate weights")

	// ErrNoObservations is returned by Update and Step for an empty epoch.
	ErrNoObservations = errors.New("particle: no observations")
)

// maxParticles bounds the particle count accepted by NewFilter.
const maxParticles = 1 << 20

const twoPi = 2 * math.Pi

var logf = monitoring.Component("particle")

// Result is the outcome of one epoch.
type Result struct {
	Estimate   r2.Vec
	NEff       float64
	Resampled  bool
	Degenerate bool
}

// Filter is a particle filter over the area described by its Config.
type Filter struct {
	cfg      Config
	sampler  *sampling.Sampler
	diagonal float64

	poses   []pose
	weights []float64

	// Next generation, swapped in by Resample.
	nextPoses   []pose
	nextWeights []float64

	// Scratch reused every epoch.
	cumulative []float64
	dNode      []float64
	xs, ys     []float64

	degenerateResets int
}

// NewFilter allocates every buffer the filter needs and spreads Count
// particles over the area with a Halton sequence in bases 2 and 3.
func NewFilter(cfg Config, sampler *sampling.Sampler) (*Filter, error) {
	if cfg.Count <= 0 || cfg.Count > maxParticles {
		return nil, fmt.Errorf("%w: particle count %d outside 1..%d", ErrAllocation, cfg.Count, maxParticles)
	}
	if cfg.MaxAnchors <= 0 {
		return nil, fmt.Errorf("%w: anchor capacity %d", ErrAllocation, cfg.MaxAnchors)
	}
	if !(cfg.AreaX > 0) || !(cfg.AreaY > 0) {
		return nil, fmt.Errorf("particle: area must be positive, got %gx%g", cfg.AreaX, cfg.AreaY)
	}
	if !(cfg.MeasurementVariance > 0) {
		return nil, fmt.Errorf("particle: measurement variance must be positive, got %g", cfg.MeasurementVariance)
	}
	if sampler == nil {
		sampler = sampling.NewEntropySampler()
	}

	n := cfg.Count
	f := &Filter{
		cfg:         cfg,
		sampler:     sampler,
		diagonal:    math.Hypot(cfg.AreaX, cfg.AreaY),
		poses:       make([]pose, n),
		weights:     make([]float64, n),
		nextPoses:   make([]pose, n),
		nextWeights: make([]float64, n),
		cumulative:  make([]float64, n),
		dNode:       make([]float64, cfg.MaxAnchors),
		xs:          make([]float64, n),
		ys:          make([]float64, n),
	}
	if err := f.initialize(); err != nil {
		return nil, err
	}
	return f, nil
}

// initialize places the particles on a low-discrepancy grid. The first
// Halton sample is always the origin and is skipped.
func (f *Filter) initialize() error {
	n := len(f.poses)
	bases, err := sampling.SmallPrimes(2)
	if err != nil {
		return fmt.Errorf("choosing halton bases: %w", err)
	}
	hx, err := sampling.HaltonSequence(n+1, bases[0])
	if err != nil {
		return fmt.Errorf("halton x: %w", err)
	}
	hy, err := sampling.HaltonSequence(n+1, bases[1])
	if err != nil {
		return fmt.Errorf("halton y: %w", err)
	}

	w := 1 / float64(n)
	for i := range f.poses {
		f.poses[i] = pose{
			Position: r2.Vec{
				X: sampling.ScaleRange(hx[i+1], 0, 1, 0, f.cfg.AreaX),
				Y: sampling.ScaleRange(hy[i+1], 0, 1, 0, f.cfg.AreaY),
			},
			Heading: f.sampler.SampleUniform(0, twoPi),
			State:   Stationary,
		}
		f.weights[i] = w
	}
	return nil
}

// Len returns the particle count.
func (f *Filter) Len() int { return len(f.poses) }

// Config returns the filter configuration.
func (f *Filter) Config() Config { return f.cfg }

// DegenerateResets returns how many times the weights collapsed and were
// reset to uniform.
func (f *Filter) DegenerateResets() int { return f.degenerateResets }

// Particles appends a copy of every particle to dst and returns it.
func (f *Filter) Particles(dst []Particle) []Particle {
	for i, p := range f.poses {
		dst = append(dst, Particle{
			Position: p.Position,
			Heading:  p.Heading,
			State:    p.State,
			Weight:   f.weights[i],
		})
	}
	return dst
}

// Predict applies the motion model to every particle. Each particle
// independently draws Stationary (new uniform heading, no movement) or
// Moving (Gaussian heading drift and a non-negative Gaussian step along the
// current heading, clamped to the area).
func (f *Filter) Predict() {
	sigmaTheta := math.Sqrt(f.cfg.OrientationVariance)
	sigmaPos := math.Sqrt(f.cfg.PositionVariance)

	for i := range f.poses {
		p := &f.poses[i]
		state := MotionState(f.sampler.SampleDiscrete(2))
		dTheta := 0.0

		switch state {
		case Stationary:
			p.Heading = f.sampler.SampleUniform(0, twoPi)
		case Moving:
			dTheta = f.sampler.SampleGaussian(0, sigmaTheta)
			step := math.Abs(f.sampler.SampleGaussian(f.cfg.PositionMean, sigmaPos))
			p.Position.X = clamp(p.Position.X+step*math.Cos(p.Heading), 0, f.cfg.AreaX)
			p.Position.Y = clamp(p.Position.Y+step*math.Sin(p.Heading), 0, f.cfg.AreaY)
		}

		p.Heading = wrapAngle(p.Heading + dTheta)
		p.State = state
	}
}

// Update weights every particle by the likelihood of the observations and
// renormalizes. Particle distances are normalized by the area diagonal and
// anchor distances by the largest anchor distance of this epoch.
// It reports whether the weights collapsed and were reset.
func (f *Filter) Update(obs []Observation) (degenerate bool, err error) {
	if err := f.checkObservations(obs); err != nil {
		return false, err
	}

	maxNode := 0.0
	for _, o := range obs {
		maxNode = math.Max(maxNode, o.Distance)
	}
	dNode := f.dNode[:len(obs)]
	for j, o := range obs {
		if maxNode > 0 {
			dNode[j] = o.Distance / maxNode
		} else {
			dNode[j] = 0
		}
	}

	m := float64(len(obs))
	for i, p := range f.poses {
		diff := 0.0
		for j, o := range obs {
			dParticle := r2.Norm(r2.Sub(p.Position, o.Position)) / f.diagonal
			diff += math.Abs(dParticle - dNode[j])
		}
		f.weights[i] *= gain(diff/m, f.cfg.MeasurementVariance)
	}

	err = f.Normalize()
	if errors.Is(err, ErrDegenerateWeights) {
		return true, nil
	}
	return false, err
}

func (f *Filter) checkObservations(obs []Observation) error {
	if len(obs) == 0 {
		return ErrNoObservations
	}
	if len(obs) > len(f.dNode) {
		return fmt.Errorf("%w: %d observations exceed capacity %d", ErrAllocation, len(obs), len(f.dNode))
	}
	return nil
}

// gain is a zero-centered Gaussian likelihood of the normalized error.
func gain(meanAbsDiff, variance float64) float64 {
	r := meanAbsDiff / variance
	return math.Exp(-0.5 * r * r)
}

// Normalize scales the weights to sum to one. If they sum to zero or a
// non-finite value every weight is reset to 1/N and ErrDegenerateWeights
// is returned.
func (f *Filter) Normalize() error {
	sum := floats.Sum(f.weights)
	if sum > 0 && !math.IsInf(sum, 0) && !math.IsNaN(sum) {
		floats.Scale(1/sum, f.weights)
		return nil
	}

	uniform := 1 / float64(len(f.weights))
	for i := range f.weights {
		f.weights[i] = uniform
	}
	f.degenerateResets++
	logf("weights collapsed (sum=%g), reset %d particles to uniform", sum, len(f.weights))
	return ErrDegenerateWeights
}

// EffectiveSampleSize returns 1/Σw². It equals N for uniform weights.
func (f *Filter) EffectiveSampleSize() float64 {
	sq := floats.Dot(f.weights, f.weights)
	if sq == 0 {
		return 0
	}
	return 1 / sq
}

// NeedsResample reports whether n_eff fell below Count*RatioCoefficient.
func (f *Filter) NeedsResample() bool {
	return f.EffectiveSampleSize() < float64(len(f.weights))*f.cfg.RatioCoefficient
}

// Resample draws a new generation with stochastic universal sampling: one
// offset u in [0, 1/N) and N evenly spaced pointers walked against the
// cumulative weights in a single forward pass. Selected particles keep
// their weights and the new set is renormalized.
func (f *Filter) Resample() {
	n := len(f.poses)
	floats.CumSum(f.cumulative, f.weights)

	step := 1 / float64(n)
	u := f.sampler.SampleUniform(0, step)
	j := 0
	for k := 0; k < n; k++ {
		pointer := u + float64(k)*step
		for j < n-1 && f.cumulative[j] < pointer {
			j++
		}
		f.nextPoses[k] = f.poses[j]
		f.nextWeights[k] = f.weights[j]
	}

	f.poses, f.nextPoses = f.nextPoses, f.poses
	f.weights, f.nextWeights = f.nextWeights, f.weights
	if err := f.Normalize(); err != nil {
		logf("resample: %v", err)
	}
}

// Estimate returns the weighted mean particle position clamped to the area.
func (f *Filter) Estimate() r2.Vec {
	for i, p := range f.poses {
		f.xs[i] = p.Position.X
		f.ys[i] = p.Position.Y
	}
	return r2.Vec{
		X: clamp(stat.Mean(f.xs, f.weights), 0, f.cfg.AreaX),
		Y: clamp(stat.Mean(f.ys, f.weights), 0, f.cfg.AreaY),
	}
}

// Step runs one epoch: predict, update, the resample decision and the
// estimate. Observations are checked before any particle is touched, so a
// failed call leaves the filter unchanged.
func (f *Filter) Step(obs []Observation) (Result, error) {
	if err := f.checkObservations(obs); err != nil {
		return Result{}, err
	}

	f.Predict()
	degenerate, err := f.Update(obs)
	if err != nil {
		return Result{}, err
	}

	res := Result{NEff: f.EffectiveSampleSize(), Degenerate: degenerate}
	if res.NEff < float64(len(f.weights))*f.cfg.RatioCoefficient {
		f.Resample()
		res.Resampled = true
	}
	res.Estimate = f.Estimate()
	return res, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// wrapAngle maps a into [0, 2π).
func wrapAngle(a float64) float64 {
	a = math.Mod(a, twoPi)
	if a < 0 {
		a += twoPi
	}
	if a >= twoPi {
		a = 0
	}
	return a
}
