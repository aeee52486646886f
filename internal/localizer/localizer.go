// Package localizer connects per-anchor distance smoothing to the particle
// filter. Readings arrive from any number of goroutines; complete epochs run
// the filter under a try-lock and are dropped when the filter is busy.
package localizer

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/microstorm/bletrack/internal/config"
	"github.com/microstorm/bletrack/internal/monitoring"
	"github.com/microstorm/bletrack/internal/particle"
	"github.com/microstorm/bletrack/internal/rssi"
	"github.com/microstorm/bletrack/internal/sampling"
	"github.com/microstorm/bletrack/internal/timeutil"
	"gonum.org/v1/gonum/spatial/r2"
)

// ErrInvalidReading is returned for a distance reading that is negative or
// not a number.
var ErrInvalidReading = errors.New("localizer: invalid reading")

// ErrDuplicateAnchor is returned by New when two anchors share an id.
var ErrDuplicateAnchor = errors.New("localizer: duplicate anchor id")

var logf = monitoring.Component("localizer")

// Reading is one sample from an anchor. A raw RSSI reading is smoothed
// here; a distance reading has already been smoothed by a remote anchor.
type Reading struct {
	AnchorID int
	RSSI     float64
	Distance float64
	HasRSSI  bool
	At       time.Time // zero means now
}

// EpochResult is published to every sink after a filter epoch.
type EpochResult struct {
	Session      string
	Seq          uint64
	At           time.Time
	Estimate     r2.Vec
	NEff         float64
	Resampled    bool
	Degenerate   bool
	Particles    []particle.Particle
	Observations []particle.Observation
}

// Sink receives epoch results. HandleEpoch is called outside the filter
// lock, possibly from several goroutines.
type Sink interface {
	HandleEpoch(EpochResult)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(EpochResult)

// HandleEpoch calls f(r).
func (f SinkFunc) HandleEpoch(r EpochResult) { f(r) }

// Stats are monotonically increasing counters.
type Stats struct {
	Readings         uint64 `json:"readings"`
	SkippedReadings  uint64 `json:"skipped_readings"`
	RejectedReadings uint64 `json:"rejected_readings"`
	EpochsRun        uint64 `json:"epochs_run"`
	EpochsDropped    uint64 `json:"epochs_dropped"`
	EpochsFailed     uint64 `json:"epochs_failed"`
	Resamples        uint64 `json:"resamples"`
	DegenerateResets uint64 `json:"degenerate_resets"`
}

// Config configures a Localizer.
type Config struct {
	Session  string
	Anchors  []Anchor
	Filter   particle.Config
	Smoother rssi.Config
	Seed     uint64         // 0 seeds the sampler from entropy
	Clock    timeutil.Clock // nil uses the wall clock
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig, session string) Config {
	anchors := make([]Anchor, 0, len(cfg.GetAnchors()))
	for _, a := range cfg.GetAnchors() {
		anchors = append(anchors, Anchor{ID: a.ID, Position: r2.Vec{X: a.X, Y: a.Y}})
	}
	return Config{
		Session:  session,
		Anchors:  anchors,
		Filter:   particle.ConfigFromTuning(cfg),
		Smoother: rssi.ConfigFromTuning(cfg),
		Seed:     cfg.GetSeed(),
	}
}

// Localizer owns the anchor cache, one smoother per anchor and the
// particle filter.
type Localizer struct {
	cfg   Config
	clock timeutil.Clock
	cache *Cache

	smoothMu  sync.Mutex
	smoothers map[int]*rssi.Smoother

	// epochMu guards filter and seq. It is only ever taken with TryLock.
	epochMu sync.Mutex
	filter  *particle.Filter
	seq     uint64

	sinksMu sync.RWMutex
	sinks   []Sink

	latestMu sync.RWMutex
	latest   *EpochResult

	readings         atomic.Uint64
	skippedReadings  atomic.Uint64
	rejectedReadings atomic.Uint64
	epochsRun        atomic.Uint64
	epochsDropped    atomic.Uint64
	epochsFailed     atomic.Uint64
	resamples        atomic.Uint64
	degenerateResets atomic.Uint64
}

// New returns a Localizer. The particle filter is created on the first
// complete epoch.
func New(cfg Config) (*Localizer, error) {
	if len(cfg.Anchors) == 0 {
		return nil, fmt.Errorf("localizer: no anchors configured")
	}
	if len(cfg.Anchors) > cfg.Filter.MaxAnchors {
		return nil, fmt.Errorf("localizer: %d anchors exceed filter capacity %d", len(cfg.Anchors), cfg.Filter.MaxAnchors)
	}
	seen := make(map[int]bool, len(cfg.Anchors))
	for _, a := range cfg.Anchors {
		if seen[a.ID] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateAnchor, a.ID)
		}
		seen[a.ID] = true
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Localizer{
		cfg:       cfg,
		clock:     clock,
		cache:     NewCache(cfg.Anchors),
		smoothers: make(map[int]*rssi.Smoother, len(cfg.Anchors)),
	}, nil
}

// Session returns the session id stamped on every result.
func (l *Localizer) Session() string { return l.cfg.Session }

// Anchors returns the configured anchors ordered by id.
func (l *Localizer) Anchors() []Anchor { return l.cache.Anchors() }

// AddSink registers a sink for epoch results.
func (l *Localizer) AddSink(s Sink) {
	l.sinksMu.Lock()
	l.sinks = append(l.sinks, s)
	l.sinksMu.Unlock()
}

// Outcome describes what happened to one reading.
type Outcome struct {
	// Stored is false when the smoother rejected the sample's timestamp.
	Stored bool
	// Distance is the value cached for the anchor when Stored is set.
	Distance float64
	At       time.Time
	// EpochRan reports whether the reading completed an epoch that ran.
	EpochRan bool
}

// HandleReading smooths (if needed) and caches one reading, then runs an
// epoch if every anchor has a fresh value. It reports whether an epoch ran.
// Readings rejected by the smoother's time check are counted and skipped.
func (l *Localizer) HandleReading(r Reading) (bool, error) {
	o, err := l.Ingest(r)
	return o.EpochRan, err
}

// Ingest is HandleReading with the full outcome.
func (l *Localizer) Ingest(r Reading) (Outcome, error) {
	l.readings.Add(1)
	if _, ok := l.cache.Anchor(r.AnchorID); !ok {
		l.rejectedReadings.Add(1)
		return Outcome{}, fmt.Errorf("%w: %d", ErrUnknownAnchor, r.AnchorID)
	}
	at := r.At
	if at.IsZero() {
		at = l.clock.Now()
	}

	distance := r.Distance
	if r.HasRSSI {
		d, err := l.smooth(r.AnchorID, r.RSSI, at)
		if errors.Is(err, rssi.ErrInvalidTimeDelta) {
			l.skippedReadings.Add(1)
			return Outcome{At: at}, nil
		}
		if err != nil {
			return Outcome{At: at}, err
		}
		distance = d
	} else if distance < 0 || math.IsNaN(distance) || math.IsInf(distance, 0) {
		l.rejectedReadings.Add(1)
		return Outcome{}, fmt.Errorf("%w: anchor %d distance %v", ErrInvalidReading, r.AnchorID, distance)
	}

	if err := l.cache.Put(r.AnchorID, distance, at); err != nil {
		return Outcome{At: at}, err
	}
	o := Outcome{Stored: true, Distance: distance, At: at}
	obs, ok := l.cache.Snapshot()
	if !ok {
		return o, nil
	}
	ran, err := l.TryEpoch(obs)
	o.EpochRan = ran
	return o, err
}

func (l *Localizer) smooth(anchorID int, value float64, at time.Time) (float64, error) {
	l.smoothMu.Lock()
	defer l.smoothMu.Unlock()

	s, ok := l.smoothers[anchorID]
	if !ok {
		s = rssi.NewSmoother(l.cfg.Smoother, l.clock)
		l.smoothers[anchorID] = s
	}
	return s.UpdateAt(value, at)
}

// SmootherState returns the smoothing state of an anchor, if it has one.
func (l *Localizer) SmootherState(anchorID int) (rssi.State, bool) {
	l.smoothMu.Lock()
	defer l.smoothMu.Unlock()
	s, ok := l.smoothers[anchorID]
	if !ok {
		return rssi.State{}, false
	}
	return s.State(), true
}

// TryEpoch runs one filter epoch over obs unless another epoch is still
// running, in which case obs is dropped and TryEpoch returns false.
// obs is copied before use.
func (l *Localizer) TryEpoch(obs []particle.Observation) (bool, error) {
	if !l.epochMu.TryLock() {
		n := l.epochsDropped.Add(1)
		if n == 1 || n%100 == 0 {
			logf("filter busy, dropped epoch (%d dropped so far)", n)
		}
		return false, nil
	}

	res, err := l.runEpochLocked(append([]particle.Observation(nil), obs...))
	l.epochMu.Unlock()
	if err != nil {
		l.epochsFailed.Add(1)
		return false, err
	}

	l.latestMu.Lock()
	l.latest = &res
	l.latestMu.Unlock()

	l.sinksMu.RLock()
	sinks := append([]Sink(nil), l.sinks...)
	l.sinksMu.RUnlock()
	for _, s := range sinks {
		s.HandleEpoch(res)
	}
	return true, nil
}

func (l *Localizer) runEpochLocked(obs []particle.Observation) (EpochResult, error) {
	if l.filter == nil {
		var sampler *sampling.Sampler
		if l.cfg.Seed != 0 {
			sampler = sampling.NewSampler(l.cfg.Seed)
		} else {
			sampler = sampling.NewEntropySampler()
		}
		f, err := particle.NewFilter(l.cfg.Filter, sampler)
		if err != nil {
			return EpochResult{}, fmt.Errorf("creating particle filter: %w", err)
		}
		l.filter = f
		logf("particle filter ready: %d particles over %gx%g m", f.Len(), l.cfg.Filter.AreaX, l.cfg.Filter.AreaY)
	}

	step, err := l.filter.Step(obs)
	if err != nil {
		return EpochResult{}, fmt.Errorf("epoch %d: %w", l.seq+1, err)
	}
	l.seq++
	l.epochsRun.Add(1)
	if step.Resampled {
		l.resamples.Add(1)
	}
	if step.Degenerate {
		l.degenerateResets.Add(1)
	}

	return EpochResult{
		Session:      l.cfg.Session,
		Seq:          l.seq,
		At:           l.clock.Now(),
		Estimate:     step.Estimate,
		NEff:         step.NEff,
		Resampled:    step.Resampled,
		Degenerate:   step.Degenerate,
		Particles:    l.filter.Particles(make([]particle.Particle, 0, l.filter.Len())),
		Observations: obs,
	}, nil
}

// Latest returns the most recent epoch result.
func (l *Localizer) Latest() (EpochResult, bool) {
	l.latestMu.RLock()
	defer l.latestMu.RUnlock()
	if l.latest == nil {
		return EpochResult{}, false
	}
	return *l.latest, true
}

// AnchorStatus combines the cached distance and smoothing state of an anchor.
type AnchorStatus struct {
	CachedReading
	Smoother    rssi.State
	HasSmoother bool
}

// AnchorStatus returns the status of every anchor ordered by id.
func (l *Localizer) AnchorStatus() []AnchorStatus {
	cached := l.cache.Peek()
	out := make([]AnchorStatus, len(cached))
	for i, c := range cached {
		st, ok := l.SmootherState(c.Anchor.ID)
		out[i] = AnchorStatus{CachedReading: c, Smoother: st, HasSmoother: ok}
	}
	return out
}

// Stats returns a snapshot of the counters.
func (l *Localizer) Stats() Stats {
	return Stats{
		Readings:         l.readings.Load(),
		SkippedReadings:  l.skippedReadings.Load(),
		RejectedReadings: l.rejectedReadings.Load(),
		EpochsRun:        l.epochsRun.Load(),
		EpochsDropped:    l.epochsDropped.Load(),
		EpochsFailed:     l.epochsFailed.Load(),
		Resamples:        l.resamples.Load(),
		DegenerateResets: l.degenerateResets.Load(),
	}
}
