package rssi

import (
	"errors"
	"time"
)

// ErrInvalidTimeDelta is returned when the clock has not advanced (or went
// backwards) since the previous sample. The sample is dropped.
var ErrInvalidTimeDelta = errors.New("rssi: non-positive time delta")

// LowPass is a first order low-pass filter whose smoothing factor adapts to
// the elapsed time and the size of the input: alpha = dt / (x + dt).
type LowPass struct {
	previous    float64
	last        time.Time
	initialized bool
}

// Filter feeds x observed at now through the filter.
func (l *LowPass) Filter(x float64, now time.Time) (float64, error) {
	if !l.initialized {
		l.previous = x
		l.last = now
		l.initialized = true
		return x, nil
	}

	if err := l.Check(now); err != nil {
		return l.previous, err
	}
	dt := now.Sub(l.last).Seconds()

	alpha := dt / (x + dt)
	l.previous += alpha * (x - l.previous)
	l.last = now
	return l.previous, nil
}

// Check returns ErrInvalidTimeDelta if a sample at now would be rejected.
// A timestamp before the previous sample rebases the filter on now so the
// next sample sees a sane delta.
func (l *LowPass) Check(now time.Time) error {
	if !l.initialized {
		return nil
	}
	dt := now.Sub(l.last)
	if dt > 0 {
		return nil
	}
	if dt < 0 {
		l.last = now
	}
	return ErrInvalidTimeDelta
}

// Output returns the last filtered value.
func (l *LowPass) Output() float64 { return l.previous }
