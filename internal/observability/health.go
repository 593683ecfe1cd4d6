package observability

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Liveness describes the state of the topic subscription.
type Liveness struct {
	Connected  bool
	Since      time.Time
	Reconnects int64
	LastError  string
}

// HealthServer exposes /health and /readyz endpoints.
// /health always reports healthy; /readyz reflects subscription liveness.
type HealthServer struct {
	liveness atomic.Pointer[func() Liveness]
	logger   *slog.Logger
}

// NewHealthServer creates a new health server.
func NewHealthServer() *HealthServer {
	return &HealthServer{logger: slog.Default()}
}

// SetLogger sets the logger for failed response writes.
func (h *HealthServer) SetLogger(l *slog.Logger) {
	if l != nil {
		h.logger = l
	}
}

// SetLiveness installs the function /readyz consults.
func (h *HealthServer) SetLiveness(fn func() Liveness) {
	h.liveness.Store(&fn)
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type readyResponse struct {
	Status     string `json:"status"`
	Connected  bool   `json:"connected"`
	Since      string `json:"since,omitempty"`
	Reconnects int64  `json:"reconnects"`
	LastError  string `json:"lastError,omitempty"`
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	fn := h.liveness.Load()
	if fn == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "not ready"})
		return
	}

	l := (*fn)()
	resp := readyResponse{
		Status:     "ready",
		Connected:  l.Connected,
		Reconnects: l.Reconnects,
		LastError:  l.LastError,
	}
	if !l.Since.IsZero() {
		resp.Since = l.Since.UTC().Format(time.RFC3339)
	}
	if !l.Connected {
		resp.Status = "not ready"
		h.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HealthServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("error encoding health response", "status", code, "error", err)
	}
}
