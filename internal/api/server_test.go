package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/microstorm/bletrack/internal/config"
	"github.com/microstorm/bletrack/internal/db"
	"github.com/microstorm/bletrack/internal/httputil"
	"github.com/microstorm/bletrack/internal/localizer"
	"github.com/microstorm/bletrack/internal/monitor"
	"github.com/microstorm/bletrack/internal/monitoring"
	"github.com/microstorm/bletrack/internal/serialmux"
	"github.com/microstorm/bletrack/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
)

type testEnv struct {
	loc   *localizer.Localizer
	store *db.DB
	port  *serialmux.TestableSerialPort
	mux   *http.ServeMux
}

func newTestEnv(t *testing.T, withDB bool) *testEnv {
	t.Helper()
	t.Cleanup(monitoring.Mute())

	cfg := config.EmptyTuningConfig()
	env := &testEnv{port: serialmux.NewTestableSerialPort()}

	session := "no-db"
	if withDB {
		store, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		s, err := store.StartSession("host", cfg, time.Now())
		require.NoError(t, err)
		env.store = store
		session = s.ID
	}

	lcfg := localizer.ConfigFromTuning(cfg, session)
	lcfg.Seed = 7
	lcfg.Filter.Count = 200
	loc, err := localizer.New(lcfg)
	require.NoError(t, err)
	if env.store != nil {
		loc.AddSink(db.EpochSink{DB: env.store})
	}
	env.loc = loc

	srv := NewServer(loc, serialmux.NewSerialMux(env.port), env.store, cfg, monitor.NewHub())
	env.mux = srv.ServeMux()
	return env
}

func (e *testEnv) do(method, target string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	return w
}

// feed pushes one distance reading per anchor so one epoch runs.
func (e *testEnv) feed(t *testing.T, target r2.Vec) {
	t.Helper()
	for _, a := range e.loc.Anchors() {
		_, err := e.loc.HandleReading(localizer.Reading{AnchorID: a.ID, Distance: r2.Norm(r2.Sub(target, a.Position))})
		require.NoError(t, err)
	}
}

func TestShowEstimate(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(http.MethodGet, "/api/estimate", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.feed(t, r2.Vec{X: 1.5, Y: 1})

	w = env.do(http.MethodGet, "/api/estimate", "")
	require.Equal(t, http.StatusOK, w.Code)
	var m monitor.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, uint64(1), m.Seq)
	assert.InDelta(t, 1.5, m.X, 0.5)
	assert.Empty(t, m.Particles)

	w = env.do(http.MethodGet, "/api/estimate?particles=1", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Len(t, m.Particles, 200)

	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodPost, "/api/estimate", "").Code)
}

func TestListEstimates(t *testing.T) {
	env := newTestEnv(t, true)
	for i := 0; i < 3; i++ {
		env.feed(t, r2.Vec{X: 1, Y: 1})
	}

	w := env.do(http.MethodGet, "/api/estimates?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got []db.Estimate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Len(t, got[0].Observations, 4)

	w = env.do(http.MethodGet, "/api/estimates?session=other", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/estimates?limit=abc", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodDelete, "/api/estimates", "").Code)
}

func TestHistoryWithoutDB(t *testing.T) {
	env := newTestEnv(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/api/estimates", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/api/sessions", "").Code)
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t, true)
	w := env.do(http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []db.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, env.loc.Session(), sessions[0].ID)
}

func TestShowAnchors(t *testing.T) {
	env := newTestEnv(t, false)
	_, err := env.loc.HandleReading(localizer.Reading{AnchorID: 2, RSSI: -60, HasRSSI: true})
	require.NoError(t, err)

	w := env.do(http.MethodGet, "/api/anchors", "")
	require.Equal(t, http.StatusOK, w.Code)
	var anchors []AnchorView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &anchors))
	require.Len(t, anchors, 4)

	assert.Nil(t, anchors[0].Distance)
	assert.Nil(t, anchors[0].SmoothedRSSI)
	require.NotNil(t, anchors[1].Distance)
	assert.InDelta(t, 1.0, *anchors[1].Distance, 1e-9)
	assert.True(t, anchors[1].Fresh)
	require.NotNil(t, anchors[1].SmoothedRSSI)
	assert.Equal(t, 1, anchors[1].Samples)
}

func TestShowStatsAndConfig(t *testing.T) {
	env := newTestEnv(t, false)
	env.feed(t, r2.Vec{X: 2, Y: 1})

	w := env.do(http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, uint64(4), stats.Readings)
	assert.Equal(t, uint64(1), stats.EpochsRun)
	assert.Equal(t, "no-db", stats.Session)

	w = env.do(http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
}

func TestPostReading(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"rssi", `{"anchor":1,"rssi":-62}`, http.StatusAccepted},
		{"distance", `{"anchor":2,"distance":1.5}`, http.StatusAccepted},
		{"both", `{"anchor":1,"rssi":-62,"distance":1}`, http.StatusBadRequest},
		{"neither", `{"anchor":1}`, http.StatusBadRequest},
		{"unknown anchor", `{"anchor":9,"distance":1}`, http.StatusBadRequest},
		{"negative distance", `{"anchor":1,"distance":-1}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/readings", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodGet, "/api/readings", "").Code)
}

func TestSendCommand(t *testing.T) {
	env := newTestEnv(t, false)

	form := url.Values{"command": {"n,1,1"}}
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, testutil.NewFormRequest("/command", form))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "n,1,1\n", string(env.port.GetWrittenData()))

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/command", "").Code)

	env.port.WriteError = errors.New("unplugged")
	w = httptest.NewRecorder()
	env.mux.ServeHTTP(w, testutil.NewFormRequest("/command", form))
	testutil.AssertStatusCode(t, w.Code, http.StatusInternalServerError)
}

func TestMonitorRoutesMounted(t *testing.T) {
	env := newTestEnv(t, false)
	env.feed(t, r2.Vec{X: 1, Y: 1})
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/monitor/particles", "").Code)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Error("middleware hides http.Flusher")
		}
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/stats?x=1", nil))

	out := buf.String()
	assert.Contains(t, out, "418")
	assert.Contains(t, out, "/api/stats?x=1")
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"503"+colorReset, statusCodeColor(503))
	assert.Equal(t, "101", statusCodeColor(101))
}

func TestClient(t *testing.T) {
	env := newTestEnv(t, false)
	env.feed(t, r2.Vec{X: 1.5, Y: 1})
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	ctx := context.Background()

	m, err := c.Estimate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Seq)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.EpochsRun)

	anchors, err := c.Anchors(ctx)
	require.NoError(t, err)
	assert.Len(t, anchors, 4)
}

func TestClient_Errors(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusNotFound, `{"error":"no estimate yet"}`).
		AddResponse(http.StatusBadGateway, `oops`).
		AddResponse(http.StatusOK, `not json`).
		AddErrorResponse(errors.New("connection refused"))
	c := NewClient("http://host", mock)
	ctx := context.Background()

	_, err := c.Estimate(ctx)
	assert.ErrorContains(t, err, "no estimate yet")
	_, err = c.Estimate(ctx)
	assert.ErrorContains(t, err, "502")
	_, err = c.Stats(ctx)
	assert.ErrorContains(t, err, "decoding")
	_, err = c.Anchors(ctx)
	assert.ErrorContains(t, err, "connection refused")

	assert.Equal(t, 4, mock.RequestCount())
	assert.Equal(t, "http://host/api/estimate", mock.Requests[0].URL.String())
}
