// Package api exposes the intersection controller and run history over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/intersection/internal/config"
	"github.com/banshee-data/intersection/internal/controller"
	"github.com/banshee-data/intersection/internal/db"
	"github.com/banshee-data/intersection/internal/monitoring"
	"github.com/banshee-data/intersection/internal/units"
	"github.com/banshee-data/intersection/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// RunStore reads persisted run history. *db.DB satisfies it.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]db.Run, error)
	GetRun(ctx context.Context, runID string) (*db.Run, error)
	RoadPerformance(ctx context.Context, runID string, limit int) ([]db.RoadSample, error)
	Events(ctx context.Context, runID string, limit int) ([]db.TrafficEvent, error)
}

type Server struct {
	ctrl  *controller.Controller
	runs  RunStore
	cfg   *config.SimulationConfig
	units string
}

// NewServer creates the HTTP API. runs may be nil, in which case the history
// endpoints report 503. An invalid units value falls back to the config.
func NewServer(ctrl *controller.Controller, runs RunStore, cfg *config.SimulationConfig, speedUnits string) *Server {
	if cfg == nil {
		cfg = config.EmptySimulationConfig()
	}
	if !units.IsValid(speedUnits) {
		speedUnits = cfg.GetSpeedUnits()
	}
	return &Server{
		ctrl:  ctrl,
		runs:  runs,
		cfg:   cfg,
		units: speedUnits,
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
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/roads", s.showRoads)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/snapshot", s.showSnapshot)
	mux.HandleFunc("/api/simulation/", s.handleSimulation)
	mux.HandleFunc("/api/detection", s.handleDetection)
	mux.HandleFunc("/api/emergency", s.handleEmergency)
	mux.HandleFunc("/api/sensor", s.handleSensor)
	mux.HandleFunc("/api/measurement", s.handleMeasurement)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/", s.showRun)
	mux.HandleFunc("/api/events", s.streamSnapshots)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

// AttachAdminRoutes adds controller state to the /debug/ index.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("feeds", "Active detection feeds", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"detection_enabled": s.ctrl.Snapshot().DetectionEnabled,
			"active":            s.ctrl.ActiveFeeds(),
		})
	})
	debug.HandleFunc("snapshot", "Current controller snapshot", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
	})
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("[api] failed to write response: %v", err)
	}
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, w http.ResponseWriter, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusForError maps controller errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, controller.ErrUnknownRoad):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, controller.ErrInvalidSpeed), errors.Is(err, controller.ErrInvalidDirection):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrRunNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"units":                     s.units,
		"allowed_speeds":            config.AllowedSpeeds,
		"tick_interval":             s.cfg.GetTickInterval().String(),
		"detection_interval":        s.cfg.GetDetectionInterval().String(),
		"snapshot_interval_seconds": s.cfg.GetSnapshotInterval(),
	})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
