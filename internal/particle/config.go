package particle

import (
	"github.com/microstorm/bletrack/internal/config"
)

// Config holds the filter constants. They are fixed for the lifetime of a
// Filter.
type Config struct {
	AreaX, AreaY float64 // area size in meters
	Count        int     // number of particles N

	OrientationVariance float64 // heading noise of a moving particle (rad²)
	PositionVariance    float64 // step length variance (m²)
	PositionMean        float64 // mean step length per epoch (m)

	MeasurementVariance float64 // width of the observation likelihood
	RatioCoefficient    float64 // resample when n_eff < Count*RatioCoefficient

	MaxAnchors int // capacity of the per-epoch distance scratch
}

// DefaultConfig returns the filter configuration loaded from the canonical
// tuning defaults file. Panics if the file cannot be found.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		AreaX:               cfg.GetAreaX(),
		AreaY:               cfg.GetAreaY(),
		Count:               cfg.GetParticleCount(),
		OrientationVariance: cfg.GetOrientationVariance(),
		PositionVariance:    cfg.GetPositionVariance(),
		PositionMean:        cfg.GetPositionMean(),
		MeasurementVariance: cfg.GetAPMeasurementVariance(),
		RatioCoefficient:    cfg.GetRatioCoefficient(),
		MaxAnchors:          config.MaxAnchors,
	}
}
