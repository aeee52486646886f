package db

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/microstorm/bletrack/internal/localizer"
	"github.com/microstorm/bletrack/internal/particle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testEpoch(session string, seq uint64, at time.Time) localizer.EpochResult {
	return localizer.EpochResult{
		Session:   session,
		Seq:       seq,
		At:        at,
		Estimate:  r2.Vec{X: 1.5, Y: 0.5 + float64(seq)/10},
		NEff:      123.5,
		Resampled: seq%2 == 0,
		Observations: []particle.Observation{
			{AnchorID: 2, Position: r2.Vec{X: 3, Y: 0}, Distance: 1.8},
			{AnchorID: 1, Position: r2.Vec{X: 0, Y: 0}, Distance: 1.6},
		},
	}
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "a.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dsn("a.db"))
	assert.Contains(t, dsn("file:a.db?mode=rwc"), "mode=rwc&_pragma=journal_mode(WAL)")
}

func TestMigrations(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp(), "second MigrateUp is a no-op")
	v, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	require.NoError(t, db.MigrateDown())
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='estimates'`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestSessions(t *testing.T) {
	db := setupTestDB(t)

	t0 := time.Unix(1700000000, 0)
	first, err := db.StartSession("host", map[string]int{"particle_count": 500}, t0)
	require.NoError(t, err)
	second, err := db.StartSession("host", nil, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	sessions, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID)
	assert.JSONEq(t, `{"particle_count":500}`, string(sessions[1].Config))
	assert.JSONEq(t, `{}`, string(sessions[0].Config))
	assert.True(t, sessions[1].StartedAt.Equal(t0))
}

func TestRecordEpochAndEstimates(t *testing.T) {
	db := setupTestDB(t)
	s, err := db.StartSession("host", nil, time.Now())
	require.NoError(t, err)

	t0 := time.Unix(1700000000, 500)
	for seq := uint64(1); seq <= 3; seq++ {
		_, err := db.RecordEpoch(testEpoch(s.ID, seq, t0.Add(time.Duration(seq)*time.Second)))
		require.NoError(t, err)
	}

	all, err := db.Estimates(s.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[0].Seq)
	assert.InDelta(t, 0.8, all[0].Y, 1e-9)
	assert.True(t, all[1].Resampled)
	assert.True(t, all[2].At.Equal(t0.Add(time.Second)))
	require.Len(t, all[0].Observations, 2)
	assert.Equal(t, Observation{AnchorID: 1, X: 0, Y: 0, Distance: 1.6}, all[0].Observations[0])

	latest, err := db.Estimates(s.ID, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, uint64(3), latest[0].Seq)
	assert.Len(t, latest[0].Observations, 2)

	none, err := db.Estimates("missing", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordEpoch_UnknownSession(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.RecordEpoch(testEpoch("no-such-session", 1, time.Now()))
	assert.Error(t, err)
}

func TestRecordReading(t *testing.T) {
	db := setupTestDB(t)
	rssi := -62.0
	require.NoError(t, db.RecordReading("s", 1, &rssi, 1.41, time.Now()))
	require.NoError(t, db.RecordReading("s", 2, nil, 2.0, time.Now()))

	n, err := db.CountReadings("s")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var nulls int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM readings WHERE rssi IS NULL`).Scan(&nulls))
	assert.Equal(t, 1, nulls)
}

func TestEpochSink(t *testing.T) {
	db := setupTestDB(t)
	s, err := db.StartSession("host", nil, time.Now())
	require.NoError(t, err)

	sink := EpochSink{DB: db}
	sink.HandleEpoch(testEpoch(s.ID, 1, time.Now()))
	// rejected by the foreign key and only logged
	sink.HandleEpoch(testEpoch("orphan", 2, time.Now()))

	got, err := db.Estimates(s.ID, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))
	// gzip magic
	require.GreaterOrEqual(t, w.Body.Len(), 2)
	assert.Equal(t, []byte{0x1f, 0x8b}, w.Body.Bytes()[:2])
}
