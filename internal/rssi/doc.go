// Package rssi turns raw received-signal-strength samples into smoothed
// distance estimates.
//
// Each anchor owns one Smoother, which cascades a scalar Kalman filter on the
// raw RSSI, a log-distance path-loss conversion to meters and an adaptive
// low-pass filter on the converted distance.
//
// A Smoother is not safe for concurrent use; callers serialize access per
// anchor.
package rssi
