package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/microstorm/bletrack/internal/config"
	"github.com/microstorm/bletrack/internal/db"
	"github.com/microstorm/bletrack/internal/httputil"
	"github.com/microstorm/bletrack/internal/localizer"
	"github.com/microstorm/bletrack/internal/monitor"
	"github.com/microstorm/bletrack/internal/serialmux"
	"github.com/microstorm/bletrack/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultEstimateLimit = 100
	maxEstimateLimit     = 10000
)

// Localizer is the part of *localizer.Localizer the API reads from.
type Localizer interface {
	Session() string
	Latest() (localizer.EpochResult, bool)
	Anchors() []localizer.Anchor
	AnchorStatus() []localizer.AnchorStatus
	Stats() localizer.Stats
	HandleReading(localizer.Reading) (bool, error)
}

type Server struct {
	loc   Localizer
	m     serialmux.SerialMuxInterface
	db    *db.DB
	cfg   *config.TuningConfig
	hub   *monitor.Hub
	views *monitor.Views
}

// NewServer wires the HTTP surface of a host. db may be nil when storage is
// disabled; the history endpoints then answer 503.
func NewServer(loc Localizer, m serialmux.SerialMuxInterface, store *db.DB, cfg *config.TuningConfig, hub *monitor.Hub) *Server {
	return &Server{
		loc: loc,
		m:   m,
		db:  store,
		cfg: cfg,
		hub: hub,
		views: &monitor.Views{
			Source: loc,
			Area:   monitor.Area{X: cfg.GetAreaX(), Y: cfg.GetAreaY()},
		},
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/estimate", s.showEstimate)
	mux.HandleFunc("/api/estimates", s.listEstimates)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/anchors", s.showAnchors)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/readings", s.postReading)
	mux.HandleFunc("/command", s.sendCommandHandler)
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}
	s.views.AttachRoutes(mux)
	return mux
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		httputil.BadRequest(w, "missing command")
		return
	}
	if err := s.m.SendCommand(command); err != nil {
		httputil.InternalServerError(w, "failed to send command")
		return
	}
	io.WriteString(w, "Command sent successfully")
}

func (s *Server) showEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	res, ok := s.loc.Latest()
	if !ok {
		httputil.NotFound(w, "no estimate yet")
		return
	}
	httputil.WriteJSONOK(w, monitor.NewMessage(res, r.URL.Query().Get("particles") == "1"))
}

func (s *Server) listEstimates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "storage disabled")
		return
	}
	limit, ok := httputil.IntParam(r, "limit", defaultEstimateLimit, maxEstimateLimit)
	if !ok {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return
	}
	session := r.URL.Query().Get("session")
	if session == "" {
		session = s.loc.Session()
	}

	estimates, err := s.db.Estimates(session, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve estimates: %v", err))
		return
	}
	if estimates == nil {
		estimates = []db.Estimate{}
	}
	httputil.WriteJSONOK(w, estimates)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "storage disabled")
		return
	}
	sessions, err := s.db.Sessions()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// AnchorView is the JSON form of one anchor's state.
type AnchorView struct {
	ID           int        `json:"id"`
	X            float64    `json:"x"`
	Y            float64    `json:"y"`
	Distance     *float64   `json:"distance,omitempty"`
	At           *time.Time `json:"at,omitempty"`
	Fresh        bool       `json:"fresh"`
	SmoothedRSSI *float64   `json:"smoothed_rssi,omitempty"`
	RawDistance  *float64   `json:"raw_distance,omitempty"`
	Samples      int        `json:"samples"`
}

func (s *Server) showAnchors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	status := s.loc.AnchorStatus()
	out := make([]AnchorView, len(status))
	for i, a := range status {
		v := AnchorView{
			ID:    a.Anchor.ID,
			X:     a.Anchor.Position.X,
			Y:     a.Anchor.Position.Y,
			Fresh: a.Fresh,
		}
		if a.Valid {
			d := a.Distance
			v.Distance = &d
			at := a.At
			v.At = &at
		}
		if a.HasSmoother {
			rssi, raw := a.Smoother.SmoothedRSSI, a.Smoother.RawDistance
			v.SmoothedRSSI = &rssi
			v.RawDistance = &raw
			v.Samples = a.Smoother.Samples
		}
		out[i] = v
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	stats := struct {
		localizer.Stats
		Session       string `json:"session"`
		Version       string `json:"version"`
		StreamClients int    `json:"stream_clients"`
	}{
		Stats:   s.loc.Stats(),
		Session: s.loc.Session(),
		Version: version.Version,
	}
	if s.hub != nil {
		stats.StreamClients = s.hub.Clients()
	}
	httputil.WriteJSONOK(w, stats)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.cfg)
}

// ReadingRequest injects one reading, as an anchor would over the network.
// Exactly one of RSSI and Distance must be set.
type ReadingRequest struct {
	Anchor   int      `json:"anchor"`
	RSSI     *float64 `json:"rssi,omitempty"`
	Distance *float64 `json:"distance,omitempty"`
}

func (s *Server) postReading(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req ReadingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if (req.RSSI == nil) == (req.Distance == nil) {
		httputil.BadRequest(w, "exactly one of rssi or distance is required")
		return
	}

	reading := localizer.Reading{AnchorID: req.Anchor}
	if req.RSSI != nil {
		reading.RSSI, reading.HasRSSI = *req.RSSI, true
	} else {
		reading.Distance = *req.Distance
	}

	ran, err := s.loc.HandleReading(reading)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]bool{"epoch": ran})
}
