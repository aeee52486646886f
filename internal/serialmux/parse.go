package serialmux

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r2"
)

// Line kinds, keyed by the first field of a serial line.
const (
	LineRSSI     = "r" // r,<anchor>,<rssi> or r,<rssi> from a scanner
	LineEstimate = "n" // n,<x>,<y> node estimate
	LineParticle = "p" // p,<x>,<y> one particle
)

var ErrMalformedLine = errors.New("malformed serial line")

// Line is one parsed serial line. Anchor is 0 when a scanner line omits it.
type Line struct {
	Kind     string
	Anchor   int
	RSSI     float64
	Position r2.Vec
}

// ParseLine parses one comma separated line. Surrounding whitespace and a
// trailing carriage return are ignored.
func ParseLine(s string) (Line, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	switch fields[0] {
	case LineRSSI:
		var l Line
		l.Kind = LineRSSI
		switch len(fields) {
		case 2:
		case 3:
			id, err := strconv.Atoi(fields[1])
			if err != nil || id <= 0 {
				return Line{}, fmt.Errorf("%w: bad anchor %q", ErrMalformedLine, fields[1])
			}
			l.Anchor = id
		default:
			return Line{}, fmt.Errorf("%w: %q", ErrMalformedLine, s)
		}
		v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			return Line{}, fmt.Errorf("%w: bad rssi: %v", ErrMalformedLine, err)
		}
		l.RSSI = v
		return l, nil

	case LineEstimate, LineParticle:
		if len(fields) != 3 {
			return Line{}, fmt.Errorf("%w: %q", ErrMalformedLine, s)
		}
		x, errX := strconv.ParseFloat(fields[1], 64)
		y, errY := strconv.ParseFloat(fields[2], 64)
		if err := errors.Join(errX, errY); err != nil {
			return Line{}, fmt.Errorf("%w: bad position: %v", ErrMalformedLine, err)
		}
		return Line{Kind: fields[0], Position: r2.Vec{X: x, Y: y}}, nil
	}
	return Line{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedLine, fields[0])
}

// FormatEstimate renders an estimate line.
func FormatEstimate(p r2.Vec) string {
	return fmt.Sprintf("%s,%.3f,%.3f", LineEstimate, p.X, p.Y)
}

// FormatParticle renders a particle line.
func FormatParticle(p r2.Vec) string {
	return fmt.Sprintf("%s,%.3f,%.3f", LineParticle, p.X, p.Y)
}
