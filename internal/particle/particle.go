package particle

import (
	"gonum.org/v1/gonum/spatial/r2"
)

// MotionState is the motion hypothesis drawn for a particle in the last
// predict step.
type MotionState uint8

const (
	Stationary MotionState = iota
	Moving
)

func (m MotionState) String() string {
	if m == Moving {
		return "moving"
	}
	return "stationary"
}

// Particle is one pose hypothesis with its weight.
type Particle struct {
	Position r2.Vec
	Heading  float64 // radians in [0, 2π)
	State    MotionState
	Weight   float64
}

// pose is the part of a particle the motion model mutates. Weights live in
// a separate slice so the weight arithmetic can run on []float64.
type pose struct {
	Position r2.Vec
	Heading  float64
	State    MotionState
}

// Observation is one anchor's smoothed distance for the current epoch.
type Observation struct {
	AnchorID int
	Position r2.Vec
	Distance float64
}
