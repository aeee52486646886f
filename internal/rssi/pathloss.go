package rssi

import "math"

// Distance converts a received power in dBm to meters with the log-distance
// path-loss model, given the power received at one meter and the
// environment exponent n.
func Distance(rssi, txPowerOneMeter, n float64) float64 {
	return math.Pow(10, (txPowerOneMeter-rssi)/(10*n))
}

// RSSIAt is the inverse of Distance: the received power expected at
// distance d meters. Non-positive distances are treated as one centimeter.
func RSSIAt(d, txPowerOneMeter, n float64) float64 {
	if d < 0.01 {
		d = 0.01
	}
	return txPowerOneMeter - 10*n*math.Log10(d)
}
