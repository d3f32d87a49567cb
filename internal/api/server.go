// Package api serves the read-only sensor API and the /debug/ pages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/sensorlink/internal/db"
	"github.com/banshee-data/sensorlink/internal/handshake"
	"github.com/banshee-data/sensorlink/internal/monitoring"
	"github.com/banshee-data/sensorlink/internal/sensors"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Saver triggers an out-of-cycle save.
type Saver interface {
	SaveDirty(ctx context.Context) (int, error)
}

// History reads persisted batches. *db.DB implements it.
type History interface {
	History(ctx context.Context, sensor string, limit int) ([]db.Batch, error)
}

// Config wires a Server. Only Registry is required.
type Config struct {
	Registry *sensors.Registry
	Hub      *handshake.Hub
	Saver    Saver
	History  History
	Metrics  *monitoring.Metrics
	// Settings is echoed by /api/config.
	Settings any
}

type Server struct {
	registry *sensors.Registry
	hub      *handshake.Hub
	saver    Saver
	history  History
	metrics  *monitoring.Metrics
	settings any
}

func NewServer(cfg Config) *Server {
	return &Server{
		registry: cfg.Registry,
		hub:      cfg.Hub,
		saver:    cfg.Saver,
		history:  cfg.History,
		metrics:  cfg.Metrics,
		settings: cfg.Settings,
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

// ServeMux returns the API routes plus /metrics and the /debug/ pages.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sensors", s.listSensors)
	mux.HandleFunc("/api/sensors/", s.sensorRoutes)
	mux.HandleFunc("/api/save", s.saveNow)
	mux.HandleFunc("/api/config", s.showConfig)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	s.AttachAdminRoutes(mux)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

// SensorView is a reading plus summary statistics over its samples.
type SensorView struct {
	sensors.Reading
	Summary Summary `json:"summary"`
}

func view(r sensors.Reading) SensorView {
	return SensorView{Reading: r, Summary: Summarize(r.Samples)}
}

func (s *Server) listSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	readings := s.registry.Readings()
	out := make([]SensorView, len(readings))
	for i, rd := range readings {
		out[i] = view(rd)
	}
	s.writeJSON(w, out)
}

// sensorRoutes serves /api/sensors/{name} and /api/sensors/{name}/history.
func (s *Server) sensorRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sensors/"), "/")
	name, sub, _ := strings.Cut(rest, "/")

	desc, ok := s.registry.ByName(name)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Unknown sensor %q", name))
		return
	}

	switch sub {
	case "":
		rd, _ := s.registry.Reading(desc.ID)
		s.writeJSON(w, view(rd))
	case "history":
		s.showHistory(w, r, desc.Name)
	default:
		s.writeJSONError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request, sensor string) {
	if s.history == nil {
		s.writeJSONError(w, http.StatusNotImplemented, "History database is not enabled")
		return
	}

	limit := 20 // default value
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 1000 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	batches, err := s.history.History(r.Context(), sensor, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve history: %v", err))
		return
	}
	if batches == nil {
		batches = []db.Batch{}
	}
	s.writeJSON(w, batches)
}

func (s *Server) saveNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.saver == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Persistence is not running")
		return
	}

	// a client that goes away must not cut the save short
	n, err := s.saver.SaveDirty(context.WithoutCancel(r.Context()))
	resp := map[string]any{"saved": n}
	if err != nil {
		resp["error"] = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(resp)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, map[string]any{
		"sensors":  s.registry.Descriptors(),
		"settings": s.settings,
	})
}

// errNoHub is reported by the tail endpoint when nothing publishes events.
var errNoHub = errors.New("live tail is not enabled")
