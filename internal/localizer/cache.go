package localizer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/microstorm/bletrack/internal/particle"
	"gonum.org/v1/gonum/spatial/r2"
)

// ErrUnknownAnchor is returned for readings from an anchor that is not
// configured.
var ErrUnknownAnchor = errors.New("localizer: unknown anchor")

// Anchor is a fixed access point at a known position.
type Anchor struct {
	ID       int
	Position r2.Vec
}

type cacheEntry struct {
	distance float64
	at       time.Time
	fresh    bool
	valid    bool
}

// Cache holds the latest smoothed distance per anchor. A newer reading from
// an anchor replaces the cached one. Once every anchor has a reading that has
// not yet been handed out, Snapshot returns them as one epoch.
type Cache struct {
	mu      sync.Mutex
	anchors []Anchor // sorted by ID
	index   map[int]int
	entries []cacheEntry
}

// NewCache returns a cache for the given anchors.
func NewCache(anchors []Anchor) *Cache {
	sorted := append([]Anchor(nil), anchors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	index := make(map[int]int, len(sorted))
	for i, a := range sorted {
		index[a.ID] = i
	}
	return &Cache{
		anchors: sorted,
		index:   index,
		entries: make([]cacheEntry, len(sorted)),
	}
}

// Anchors returns the configured anchors ordered by id.
func (c *Cache) Anchors() []Anchor {
	return append([]Anchor(nil), c.anchors...)
}

// Anchor looks up an anchor by id.
func (c *Cache) Anchor(id int) (Anchor, bool) {
	i, ok := c.index[id]
	if !ok {
		return Anchor{}, false
	}
	return c.anchors[i], true
}

// Put stores the distance reported for an anchor.
func (c *Cache) Put(id int, distance float64, at time.Time) error {
	i, ok := c.index[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAnchor, id)
	}
	c.mu.Lock()
	c.entries[i] = cacheEntry{distance: distance, at: at, fresh: true, valid: true}
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy of one observation per anchor, ordered by anchor
// id, if every anchor has a fresh value. Returned values are marked as
// consumed; the next epoch needs a new reading from every anchor.
func (c *Cache) Snapshot() ([]particle.Observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return nil, false
	}
	for _, e := range c.entries {
		if !e.fresh {
			return nil, false
		}
	}

	obs := make([]particle.Observation, len(c.entries))
	for i, e := range c.entries {
		obs[i] = particle.Observation{
			AnchorID: c.anchors[i].ID,
			Position: c.anchors[i].Position,
			Distance: e.distance,
		}
		c.entries[i].fresh = false
	}
	return obs, true
}

// CachedReading is the cache state for one anchor.
type CachedReading struct {
	Anchor   Anchor
	Distance float64
	At       time.Time
	Fresh    bool
	Valid    bool
}

// Peek returns the state of every anchor without consuming anything.
func (c *Cache) Peek() []CachedReading {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CachedReading, len(c.entries))
	for i, e := range c.entries {
		out[i] = CachedReading{
			Anchor:   c.anchors[i],
			Distance: e.distance,
			At:       e.at,
			Fresh:    e.fresh,
			Valid:    e.valid,
		}
	}
	return out
}
