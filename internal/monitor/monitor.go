// Package monitor renders the particle cloud and streams estimates to
// browsers. Everything here reads from a Source and never blocks the
// filter.
package monitor

import (
	"time"

	"github.com/microstorm/bletrack/internal/localizer"
)

// Source is the read side of the localizer used by the views.
type Source interface {
	Latest() (localizer.EpochResult, bool)
	Anchors() []localizer.Anchor
}

// Area is the tracked rectangle in meters.
type Area struct {
	X, Y float64
}

// Message is the JSON form of an epoch result sent to stream clients.
type Message struct {
	Session    string       `json:"session"`
	Seq        uint64       `json:"seq"`
	At         time.Time    `json:"at"`
	X          float64      `json:"x"`
	Y          float64      `json:"y"`
	NEff       float64      `json:"n_eff"`
	Resampled  bool         `json:"resampled"`
	Degenerate bool         `json:"degenerate,omitempty"`
	Particles  [][2]float64 `json:"particles,omitempty"`
}

// NewMessage converts r. Particle positions are included when withParticles
// is set.
func NewMessage(r localizer.EpochResult, withParticles bool) Message {
	m := Message{
		Session:    r.Session,
		Seq:        r.Seq,
		At:         r.At,
		X:          r.Estimate.X,
		Y:          r.Estimate.Y,
		NEff:       r.NEff,
		Resampled:  r.Resampled,
		Degenerate: r.Degenerate,
	}
	if withParticles {
		m.Particles = make([][2]float64, len(r.Particles))
		for i, p := range r.Particles {
			m.Particles[i] = [2]float64{p.Position.X, p.Position.Y}
		}
	}
	return m
}
