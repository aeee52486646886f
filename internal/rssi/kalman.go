package rssi

// Kalman is a scalar Kalman filter with a constant state model.
type Kalman struct {
	Estimate         float64 // smoothed value
	ErrorVariance    float64 // P
	ProcessNoise     float64 // Q
	MeasurementNoise float64 // R

	initialVariance float64
	initialized     bool
}

// NewKalman returns a filter that initializes itself from its first sample.
func NewKalman(initialVariance, processNoise, measurementNoise float64) *Kalman {
	return &Kalman{
		ErrorVariance:    initialVariance,
		ProcessNoise:     processNoise,
		MeasurementNoise: measurementNoise,
		initialVariance:  initialVariance,
	}
}

// Update folds one measurement into the filter and returns the new estimate.
// The first measurement only seeds the estimate.
func (k *Kalman) Update(m float64) float64 {
	if !k.initialized {
		k.Estimate = m
		k.ErrorVariance = k.initialVariance
		k.initialized = true
		return k.Estimate
	}

	predicted := k.ErrorVariance + k.ProcessNoise
	gain := predicted / (predicted + k.MeasurementNoise)
	k.Estimate += gain * (m - k.Estimate)
	k.ErrorVariance = (1 - gain) * predicted
	return k.Estimate
}

// Initialized reports whether the filter has seen a sample.
func (k *Kalman) Initialized() bool { return k.initialized }

// Reset forgets the current estimate; the next sample re-initializes the filter.
func (k *Kalman) Reset() {
	k.Estimate = 0
	k.ErrorVariance = k.initialVariance
	k.initialized = false
}
