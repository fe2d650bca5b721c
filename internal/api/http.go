package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"Go2NetSentry/internal/logging"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/stream"
)

// NewHTTPHandler builds the REST router. hub and reg may be nil, in which
// case /ws/live and /metrics are not served.
func NewHTTPHandler(d Dashboard, hub *Hub, reg *metrics.Registry, logger *slog.Logger) http.Handler {
	h := &httpHandler{dashboard: d, logger: logging.WithComponent(logger, "http")}

	// Routes hang off the root router: a subrouter's method mismatch is lost
	// once the parent tries its remaining routes, which turns 405 into 404.
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/metrics", h.getMetrics).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/traffic/live", h.getLiveEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stream/state", h.getState).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stream/pause", h.pause).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/stream/resume", h.resume).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/refresh", h.refresh).Methods(http.MethodPost)

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if hub != nil {
		r.Handle("/ws/live", hub)
	}
	if reg != nil {
		r.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)
		r.Use(instrument(reg))
	}
	return r
}

type httpHandler struct {
	dashboard Dashboard
	logger    *slog.Logger
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template.
func instrument(reg *metrics.Registry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			if route == "/ws/live" {
				// Hijacked connections have no meaningful status or latency.
				next.ServeHTTP(w, r)
				return
			}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			reg.RecordAPIRequest(r.Method, route, rec.status, time.Since(start))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *httpHandler) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dashboard.Metrics())
}

func (h *httpHandler) getLiveEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events := h.dashboard.LatestEvents(limit)
	writeJSON(w, http.StatusOK, LiveEventsResponse{
		Events:   events,
		Count:    len(events),
		Capacity: h.dashboard.WindowCapacity(),
	})
}

func (h *httpHandler) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{State: h.dashboard.ConnectionState()})
}

func (h *httpHandler) pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, h.dashboard.Pause())
}

func (h *httpHandler) resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, h.dashboard.Resume())
}

func (h *httpHandler) control(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, StateResponse{State: h.dashboard.ConnectionState()})
	case errors.Is(err, stream.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, stream.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("Stream control failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *httpHandler) refresh(w http.ResponseWriter, r *http.Request) {
	if !h.dashboard.Refresh() {
		writeError(w, http.StatusConflict, "a fetch is already in flight")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (h *httpHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stream": h.dashboard.ConnectionState(),
	})
}
