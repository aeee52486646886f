package localizer

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/microstorm/bletrack/internal/particle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
)

func cornerAnchors() []Anchor {
	return []Anchor{
		{ID: 4, Position: r2.Vec{X: 3, Y: 2}},
		{ID: 1, Position: r2.Vec{X: 0, Y: 0}},
		{ID: 3, Position: r2.Vec{X: 0, Y: 2}},
		{ID: 2, Position: r2.Vec{X: 3, Y: 0}},
	}
}

func TestCache_UnknownAnchor(t *testing.T) {
	c := NewCache(cornerAnchors())
	err := c.Put(7, 1, time.Now())
	assert.ErrorIs(t, err, ErrUnknownAnchor)
}

func TestCache_SnapshotNeedsEveryAnchor(t *testing.T) {
	c := NewCache(cornerAnchors())
	now := time.Unix(10, 0)
	for _, id := range []int{1, 2, 3} {
		require.NoError(t, c.Put(id, float64(id), now))
		_, ok := c.Snapshot()
		assert.False(t, ok, "snapshot ready after anchor %d", id)
	}
	require.NoError(t, c.Put(4, 4, now))

	obs, ok := c.Snapshot()
	require.True(t, ok)
	want := []particle.Observation{
		{AnchorID: 1, Position: r2.Vec{X: 0, Y: 0}, Distance: 1},
		{AnchorID: 2, Position: r2.Vec{X: 3, Y: 0}, Distance: 2},
		{AnchorID: 3, Position: r2.Vec{X: 0, Y: 2}, Distance: 3},
		{AnchorID: 4, Position: r2.Vec{X: 3, Y: 2}, Distance: 4},
	}
	if diff := cmp.Diff(want, obs); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}

	// Consumed: the next epoch needs new readings from every anchor.
	_, ok = c.Snapshot()
	assert.False(t, ok)
}

func TestCache_NewerReadingReplaces(t *testing.T) {
	c := NewCache(cornerAnchors())
	now := time.Unix(10, 0)
	for id := 1; id <= 4; id++ {
		require.NoError(t, c.Put(id, 1, now))
	}
	require.NoError(t, c.Put(2, 2.5, now.Add(time.Second)))

	obs, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 2.5, obs[1].Distance)
}

func TestCache_SnapshotIsACopy(t *testing.T) {
	c := NewCache(cornerAnchors())
	now := time.Unix(10, 0)
	for id := 1; id <= 4; id++ {
		require.NoError(t, c.Put(id, 1, now))
	}
	obs, ok := c.Snapshot()
	require.True(t, ok)
	obs[0].Distance = 99

	for _, r := range c.Peek() {
		assert.Equal(t, 1.0, r.Distance)
		assert.False(t, r.Fresh)
		assert.True(t, r.Valid)
	}
}

func TestCache_PeekBeforeReadings(t *testing.T) {
	c := NewCache(cornerAnchors())
	peek := c.Peek()
	require.Len(t, peek, 4)
	assert.Equal(t, 1, peek[0].Anchor.ID)
	assert.False(t, peek[0].Valid)

	a, ok := c.Anchor(3)
	require.True(t, ok)
	assert.Equal(t, r2.Vec{X: 0, Y: 2}, a.Position)
	_, ok = c.Anchor(9)
	assert.False(t, ok)
}
