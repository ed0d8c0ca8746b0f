// Package api serves the replicator's read-only HTTP surface: health,
// live progress, cycle history, the exported state URL and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/replicator/internal/journal"
	"github.com/hyperengineering/replicator/internal/replication"
	"github.com/hyperengineering/replicator/internal/report"
	"github.com/hyperengineering/replicator/internal/snapshot"
)

// Cycle history page sizes.
const (
	DefaultCycleLimit = 20
	MaxCycleLimit     = 1000
)

// History lists recorded cycles, newest first.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Cycle, error)
}

// Handler implements the API handlers.
type Handler struct {
	state    *replication.State
	history  History
	exporter snapshot.Uploader
	apiKey   string
	version  string
}

// NewHandler creates a Handler. history and exporter may be nil when the
// journal or the state export is disabled.
func NewHandler(state *replication.State, history History, exporter snapshot.Uploader, apiKey, version string) *Handler {
	return &Handler{
		state:    state,
		history:  history,
		exporter: exporter,
		apiKey:   apiKey,
		version:  version,
	}
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Running   bool   `json:"running"`
	Watermark int64  `json:"watermark"`
	CyclesRun int64  `json:"cycles_run"`
	LastError string `json:"last_error,omitempty"`
}

// ExportResponse is the body of GET /api/v1/export.
type ExportResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Health reports liveness. A failed last cycle degrades the status
// without failing the probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	var s replication.Snapshot
	h.state.Snapshot(&s)

	resp := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Running:   s.Running,
		Watermark: s.Watermark,
		CyclesRun: s.CyclesRun,
		LastError: s.LastError,
	}
	if s.LastError != "" {
		resp.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, resp)
}

// Status handles GET /api/v1/status with the full progress snapshot.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	var s replication.Snapshot
	h.state.Snapshot(&s)
	writeJSON(w, http.StatusOK, &s)
}

// Cycles handles GET /api/v1/cycles?limit=N.
func (h *Handler) Cycles(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Cycle journal is disabled")
		return
	}

	limit := DefaultCycleLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxCycleLimit {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	cycles, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("list cycles failed",
			"component", "api",
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if cycles == nil {
		cycles = []journal.Cycle{}
	}

	writeJSON(w, http.StatusOK, cycles)
}

// Export handles GET /api/v1/export with a pre-signed URL for the exported
// state document.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "State export is not configured")
		return
	}

	url, expires, err := h.exporter.PresignedURL(r.Context(), report.StateObject)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotConfigured) {
			WriteProblem(w, r, http.StatusServiceUnavailable, "State export is not configured")
			return
		}
		slog.Error("presign state export failed",
			"component", "api",
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, ExportResponse{URL: url, ExpiresAt: expires})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
