package particle

import (
	"math"
	"testing"

	"github.com/microstorm/bletrack/internal/monitoring"
	"github.com/microstorm/bletrack/internal/sampling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"
)

func testConfig(n int) Config {
	return Config{
		AreaX:               3,
		AreaY:               2,
		Count:               n,
		OrientationVariance: 0.1,
		PositionVariance:    0.0025,
		PositionMean:        0.05,
		MeasurementVariance: 0.5,
		RatioCoefficient:    0.95,
		MaxAnchors:          4,
	}
}

func newTestFilter(t *testing.T, n int, seed uint64) *Filter {
	t.Helper()
	f, err := NewFilter(testConfig(n), sampling.NewSampler(seed))
	require.NoError(t, err)
	return f
}

// cornerObservations reports the exact distances from target to the four
// corner anchors of a 3x2 area.
func cornerObservations(target r2.Vec) []Observation {
	anchors := []r2.Vec{{X: 0, Y: 0}, {X: 3, Y: 0}, {X: 0, Y: 2}, {X: 3, Y: 2}}
	obs := make([]Observation, len(anchors))
	for i, a := range anchors {
		obs[i] = Observation{AnchorID: i + 1, Position: a, Distance: r2.Norm(r2.Sub(target, a))}
	}
	return obs
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 500, cfg.Count)
	assert.Equal(t, 3.0, cfg.AreaX)
	assert.Equal(t, 2.0, cfg.AreaY)
	assert.Equal(t, 0.5, cfg.MeasurementVariance)
	assert.Equal(t, 4, cfg.MaxAnchors)
}

func TestNewFilter_Allocation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero particles", func(c *Config) { c.Count = 0 }},
		{"negative particles", func(c *Config) { c.Count = -5 }},
		{"too many particles", func(c *Config) { c.Count = maxParticles + 1 }},
		{"no anchor capacity", func(c *Config) { c.MaxAnchors = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(10)
			tt.mutate(&cfg)
			_, err := NewFilter(cfg, sampling.NewSampler(1))
			assert.ErrorIs(t, err, ErrAllocation)
		})
	}

	cfg := testConfig(10)
	cfg.AreaX = 0
	_, err := NewFilter(cfg, sampling.NewSampler(1))
	assert.Error(t, err)
}

func TestInitialize_HaltonCoverage(t *testing.T) {
	f := newTestFilter(t, 400, 1)
	ps := f.Particles(nil)
	require.Len(t, ps, 400)

	// Sample 0 of each Halton sequence is dropped, so particle 0 sits at
	// (1/2, 1/3) of the area.
	assert.InDelta(t, 1.5, ps[0].Position.X, 1e-12)
	assert.InDelta(t, 2.0/3.0, ps[0].Position.Y, 1e-12)

	var quadrants [4]int
	for _, p := range ps {
		assert.GreaterOrEqual(t, p.Position.X, 0.0)
		assert.Less(t, p.Position.X, 3.0)
		assert.GreaterOrEqual(t, p.Position.Y, 0.0)
		assert.Less(t, p.Position.Y, 2.0)
		assert.GreaterOrEqual(t, p.Heading, 0.0)
		assert.Less(t, p.Heading, 2*math.Pi)
		assert.Equal(t, Stationary, p.State)
		assert.InDelta(t, 1.0/400, p.Weight, 1e-15)

		q := 0
		if p.Position.X >= 1.5 {
			q++
		}
		if p.Position.Y >= 1 {
			q += 2
		}
		quadrants[q]++
	}
	for q, c := range quadrants {
		assert.InDelta(t, 100, c, 5, "quadrant %d", q)
	}
}

func TestInitialize_PositionsIndependentOfSeed(t *testing.T) {
	a := newTestFilter(t, 50, 1).Particles(nil)
	b := newTestFilter(t, 50, 2).Particles(nil)
	for i := range a {
		assert.Equal(t, a[i].Position, b[i].Position)
	}
}

func TestPredict_StaysInBounds(t *testing.T) {
	cfg := testConfig(300)
	cfg.PositionMean = 0.8 // large steps push particles into the walls
	cfg.PositionVariance = 0.2
	cfg.OrientationVariance = 3
	f, err := NewFilter(cfg, sampling.NewSampler(7))
	require.NoError(t, err)

	moving := 0
	for epoch := 0; epoch < 50; epoch++ {
		f.Predict()
		for _, p := range f.Particles(nil) {
			require.GreaterOrEqual(t, p.Position.X, 0.0)
			require.LessOrEqual(t, p.Position.X, 3.0)
			require.GreaterOrEqual(t, p.Position.Y, 0.0)
			require.LessOrEqual(t, p.Position.Y, 2.0)
			require.GreaterOrEqual(t, p.Heading, 0.0)
			require.Less(t, p.Heading, 2*math.Pi)
			if p.State == Moving {
				moving++
			}
		}
	}
	// The motion state is drawn uniformly from two branches.
	assert.InDelta(t, 0.5, float64(moving)/(50*300), 0.05)
}

func TestPredict_StationaryKeepsPosition(t *testing.T) {
	f := newTestFilter(t, 200, 3)
	before := f.Particles(nil)
	f.Predict()
	after := f.Particles(nil)
	for i := range after {
		if after[i].State == Stationary {
			assert.Equal(t, before[i].Position, after[i].Position)
		}
	}
}

func TestWrapAngle(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{math.Pi, math.Pi},
		{2 * math.Pi, 0},
		{-math.Pi / 2, 1.5 * math.Pi},
		{5 * math.Pi, math.Pi},
		{-1e-18, 0},
	}
	for _, tt := range tests {
		got := wrapAngle(tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, "wrapAngle(%v)", tt.in)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.Less(t, got, 2*math.Pi)
	}
}

func TestNormalize_SumsToOne(t *testing.T) {
	f := newTestFilter(t, 100, 4)
	for i := range f.weights {
		f.weights[i] = float64(i%7) + 0.5
	}
	require.NoError(t, f.Normalize())
	assert.InDelta(t, 1.0, floats.Sum(f.weights), 1e-5)
}

func TestNormalize_Idempotent(t *testing.T) {
	f := newTestFilter(t, 100, 5)
	_, err := f.Update(cornerObservations(r2.Vec{X: 0.7, Y: 1.4}))
	require.NoError(t, err)

	first := append([]float64(nil), f.weights...)
	require.NoError(t, f.Normalize())
	for i := range first {
		assert.InDelta(t, first[i], f.weights[i], 1e-12)
	}
}

func TestNormalize_DegenerateResetsToUniform(t *testing.T) {
	defer monitoring.Mute()()
	f := newTestFilter(t, 50, 6)
	for i := range f.weights {
		f.weights[i] = 0
	}
	err := f.Normalize()
	assert.ErrorIs(t, err, ErrDegenerateWeights)
	for _, w := range f.weights {
		assert.Equal(t, 1.0/50, w)
	}
	assert.Equal(t, 1, f.DegenerateResets())

	f.weights[3] = math.NaN()
	assert.ErrorIs(t, f.Normalize(), ErrDegenerateWeights)
	assert.False(t, math.IsNaN(floats.Sum(f.weights)))
}

func TestUpdate_DegenerateIsRecovered(t *testing.T) {
	defer monitoring.Mute()()
	f := newTestFilter(t, 20, 6)
	for i := range f.weights {
		f.weights[i] = 0
	}
	degenerate, err := f.Update(cornerObservations(r2.Vec{X: 1, Y: 1}))
	require.NoError(t, err)
	assert.True(t, degenerate)
	assert.InDelta(t, 1.0, floats.Sum(f.weights), 1e-9)
}

func TestUpdate_Errors(t *testing.T) {
	f := newTestFilter(t, 20, 8)
	_, err := f.Update(nil)
	assert.ErrorIs(t, err, ErrNoObservations)

	obs := cornerObservations(r2.Vec{X: 1, Y: 1})
	obs = append(obs, Observation{AnchorID: 5, Distance: 1})
	_, err = f.Update(obs)
	assert.ErrorIs(t, err, ErrAllocation)
}

func TestUpdate_ZeroDistancesDoNotProduceNaN(t *testing.T) {
	f := newTestFilter(t, 20, 9)
	obs := cornerObservations(r2.Vec{X: 1, Y: 1})
	for i := range obs {
		obs[i].Distance = 0
	}
	_, err := f.Update(obs)
	require.NoError(t, err)
	for _, w := range f.weights {
		assert.False(t, math.IsNaN(w))
	}
}

func TestGain(t *testing.T) {
	assert.Equal(t, 1.0, gain(0, 0.5))
	assert.InDelta(t, math.Exp(-0.5), gain(0.5, 0.5), 1e-12)
	assert.Less(t, gain(0.4, 0.5), gain(0.1, 0.5))
}

func TestEffectiveSampleSize_Uniform(t *testing.T) {
	f := newTestFilter(t, 400, 10)
	assert.InDelta(t, 400.0, f.EffectiveSampleSize(), 1e-6)

	for _, ratio := range []float64{0.1, 0.5, 0.95, 0.999} {
		f.cfg.RatioCoefficient = ratio
		assert.False(t, f.NeedsResample(), "ratio %v", ratio)
	}
}

func TestEffectiveSampleSize_Concentrated(t *testing.T) {
	f := newTestFilter(t, 100, 11)
	for i := range f.weights {
		f.weights[i] = 0
	}
	f.weights[17] = 1
	assert.InDelta(t, 1.0, f.EffectiveSampleSize(), 1e-12)
	assert.True(t, f.NeedsResample())
}

func TestResample_DegenerateWeightVector(t *testing.T) {
	f := newTestFilter(t, 200, 12)
	const dominant = 42
	eps := 1e-9
	for i := range f.weights {
		f.weights[i] = eps
	}
	f.weights[dominant] = 1 - eps*float64(len(f.weights)-1)
	want := f.poses[dominant].Position

	f.Resample()

	copies := 0
	for _, p := range f.Particles(nil) {
		if p.Position == want {
			copies++
		}
	}
	assert.GreaterOrEqual(t, copies, 199)
	assert.InDelta(t, 1.0, floats.Sum(f.weights), 1e-9)
}

func TestResample_PreservesCountAndSwapsBuffers(t *testing.T) {
	f := newTestFilter(t, 64, 13)
	oldPoses := &f.poses[0]
	f.Resample()
	assert.Equal(t, 64, f.Len())
	assert.NotSame(t, oldPoses, &f.poses[0])
	f.Resample()
	assert.Same(t, oldPoses, &f.poses[0], "buffers alternate between two allocations")
}

func TestResample_ProportionalToWeight(t *testing.T) {
	f := newTestFilter(t, 100, 14)
	for i := range f.weights {
		f.weights[i] = 0
	}
	f.weights[10] = 0.75
	f.weights[90] = 0.25
	a, b := f.poses[10].Position, f.poses[90].Position

	f.Resample()

	countA, countB := 0, 0
	for _, p := range f.poses {
		switch p.Position {
		case a:
			countA++
		case b:
			countB++
		}
	}
	// SUS places exactly floor or ceil of N*w copies.
	assert.InDelta(t, 75, countA, 1)
	assert.InDelta(t, 25, countB, 1)
	assert.Equal(t, 100, countA+countB)
}

func TestEstimate_WeightedMeanClamped(t *testing.T) {
	f := newTestFilter(t, 4, 15)
	f.poses[0].Position = r2.Vec{X: 0, Y: 0}
	f.poses[1].Position = r2.Vec{X: 3, Y: 0}
	f.poses[2].Position = r2.Vec{X: 0, Y: 2}
	f.poses[3].Position = r2.Vec{X: 3, Y: 2}
	copy(f.weights, []float64{0.25, 0.25, 0.25, 0.25})
	assert.Equal(t, r2.Vec{X: 1.5, Y: 1}, f.Estimate())

	copy(f.weights, []float64{0, 1, 0, 0})
	assert.Equal(t, r2.Vec{X: 3, Y: 0}, f.Estimate())
}

func TestStep_EndToEnd(t *testing.T) {
	f := newTestFilter(t, 400, 2024)
	target := r2.Vec{X: 1.5, Y: 1.0}

	res, err := f.Step(cornerObservations(target))
	require.NoError(t, err)

	assert.InDelta(t, 1.0, floats.Sum(f.weights), 1e-5)
	assert.Less(t, r2.Norm(r2.Sub(res.Estimate, target)), 0.3, "estimate %v", res.Estimate)
	assert.Greater(t, res.NEff, 0.0)
	assert.Equal(t, 400, f.Len())
	assert.False(t, res.Degenerate)
}

func TestStep_ManyEpochsStayValid(t *testing.T) {
	f := newTestFilter(t, 200, 99)
	obs := cornerObservations(r2.Vec{X: 2.2, Y: 0.6})
	for epoch := 0; epoch < 100; epoch++ {
		res, err := f.Step(obs)
		require.NoError(t, err)
		require.False(t, math.IsNaN(res.Estimate.X) || math.IsNaN(res.Estimate.Y))
		require.InDelta(t, 1.0, floats.Sum(f.weights), 1e-5)
		require.GreaterOrEqual(t, res.Estimate.X, 0.0)
		require.LessOrEqual(t, res.Estimate.X, 3.0)
		require.GreaterOrEqual(t, res.Estimate.Y, 0.0)
		require.LessOrEqual(t, res.Estimate.Y, 2.0)
	}
}

func TestStep_RejectsBeforeMutating(t *testing.T) {
	f := newTestFilter(t, 30, 16)
	before := f.Particles(nil)
	_, err := f.Step(nil)
	assert.ErrorIs(t, err, ErrNoObservations)
	assert.Equal(t, before, f.Particles(nil))
}

func TestStep_Deterministic(t *testing.T) {
	obs := cornerObservations(r2.Vec{X: 0.5, Y: 1.5})
	a := newTestFilter(t, 100, 77)
	b := newTestFilter(t, 100, 77)
	for i := 0; i < 10; i++ {
		ra, err := a.Step(obs)
		require.NoError(t, err)
		rb, err := b.Step(obs)
		require.NoError(t, err)
		assert.Equal(t, ra, rb)
	}
}
