package rssi

import (
	"fmt"
	"time"

	"github.com/microstorm/bletrack/internal/config"
	"github.com/microstorm/bletrack/internal/timeutil"
)

// Config holds the constants of the smoothing chain.
type Config struct {
	InitialErrorVariance float64 // Kalman P at the first sample
	ProcessNoise         float64 // Kalman Q
	MeasurementNoise     float64 // Kalman R
	TxPowerOneMeter      float64 // dBm received at 1 m
	EnvironmentFactor    float64 // path-loss exponent n
}

// DefaultConfig returns the smoother configuration loaded from the
// canonical tuning defaults file. Panics if the file cannot be found.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		InitialErrorVariance: cfg.GetKalmanErrorVariance(),
		ProcessNoise:         cfg.GetKalmanProcessNoise(),
		MeasurementNoise:     cfg.GetKalmanMeasurementNoise(),
		TxPowerOneMeter:      cfg.GetTxPowerOneMeter(),
		EnvironmentFactor:    cfg.GetEnvironmentFactor(),
	}
}

// State is a copy of a smoother's internals after a sample.
type State struct {
	SmoothedRSSI  float64
	ErrorVariance float64
	RawDistance   float64 // path-loss distance before low-pass
	Distance      float64 // low-pass output
	Samples       int
}

// Smoother is the per-anchor chain Kalman -> path loss -> low-pass.
type Smoother struct {
	cfg     Config
	clock   timeutil.Clock
	kalman  *Kalman
	lowPass LowPass
	raw     float64
	samples int
}

// NewSmoother returns a smoother that timestamps samples with clock. A nil
// clock uses the wall clock.
func NewSmoother(cfg Config, clock timeutil.Clock) *Smoother {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Smoother{
		cfg:    cfg,
		clock:  clock,
		kalman: NewKalman(cfg.InitialErrorVariance, cfg.ProcessNoise, cfg.MeasurementNoise),
	}
}

// Update runs one raw RSSI sample through the chain, timestamped now.
func (s *Smoother) Update(rssi float64) (float64, error) {
	return s.UpdateAt(rssi, s.clock.Now())
}

// UpdateAt runs one raw RSSI sample observed at the given time through the
// chain and returns the smoothed distance in meters. ErrInvalidTimeDelta
// means the sample must not be used for this epoch.
func (s *Smoother) UpdateAt(rssi float64, at time.Time) (float64, error) {
	// a rejected sample must leave the Kalman state untouched
	if err := s.lowPass.Check(at); err != nil {
		return s.lowPass.Output(), fmt.Errorf("smoothing rssi %.1f: %w", rssi, err)
	}
	smoothed := s.kalman.Update(rssi)
	s.raw = Distance(smoothed, s.cfg.TxPowerOneMeter, s.cfg.EnvironmentFactor)
	s.samples++

	d, err := s.lowPass.Filter(s.raw, at)
	if err != nil {
		return d, fmt.Errorf("smoothing rssi %.1f: %w", rssi, err)
	}
	return d, nil
}

// State returns a copy of the current filter state.
func (s *Smoother) State() State {
	return State{
		SmoothedRSSI:  s.kalman.Estimate,
		ErrorVariance: s.kalman.ErrorVariance,
		RawDistance:   s.raw,
		Distance:      s.lowPass.Output(),
		Samples:       s.samples,
	}
}
