package serialmux

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/microstorm/bletrack/internal/localizer"
)

// ReadingFunc consumes a scanner reading. The host passes its localizer,
// anchors pass their smoother and sender.
type ReadingFunc func(localizer.Reading) error

// HandleLine turns a scanner line into a reading for fn. Lines without an
// anchor id are attributed to defaultAnchor. Estimate and particle lines are
// echoes of our own output and are ignored.
func HandleLine(line string, defaultAnchor int, at time.Time, fn ReadingFunc) error {
	l, err := ParseLine(line)
	if err != nil {
		return err
	}
	if l.Kind != LineRSSI {
		return nil
	}
	id := l.Anchor
	if id == 0 {
		id = defaultAnchor
	}
	return fn(localizer.Reading{AnchorID: id, RSSI: l.RSSI, HasRSSI: true, At: at})
}

// ForwardReadings subscribes to mux and feeds every scanner line to fn until
// ctx is done or the mux is closed. Bad lines are logged and skipped.
func ForwardReadings(ctx context.Context, mux SerialMuxInterface, defaultAnchor int, fn ReadingFunc) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := HandleLine(line, defaultAnchor, time.Now(), fn); err != nil {
				if errors.Is(err, ErrMalformedLine) {
					log.Printf("[serial] skipping line %q: %v", line, err)
					continue
				}
				log.Printf("[serial] reading rejected: %v", err)
			}
		}
	}
}

// PlotterSink writes the estimate, and optionally every particle, to the
// serial port in the line format the plotting scripts read.
type PlotterSink struct {
	Mux       SerialMuxInterface
	Particles bool
}

func (p PlotterSink) HandleEpoch(r localizer.EpochResult) {
	lines := []string{FormatEstimate(r.Estimate)}
	if p.Particles {
		for _, pt := range r.Particles {
			lines = append(lines, FormatParticle(pt.Position))
		}
	}
	if err := p.Mux.WriteLines(lines); err != nil {
		log.Printf("[serial] failed to write epoch %d: %v", r.Seq, err)
	}
}
