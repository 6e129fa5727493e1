package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoload/internal/orchestrator"
	"github.com/JakeFAU/geoload/internal/poller"
	"github.com/JakeFAU/geoload/internal/progress"
)

// StatusSource is the read side of an orchestrator.
type StatusSource interface {
	State() orchestrator.State
	Latest() (progress.Snapshot, bool)
	PollStats() poller.Stats
	Subscribers() int
}

// ProgressHandler exposes the current upload run as JSON.
type ProgressHandler struct {
	source StatusSource
	logger *zap.Logger
}

// NewProgressHandler wires the source and logger.
func NewProgressHandler(source StatusSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{source: source, logger: logger}
}

// ServeHTTP handles GET /progress. It returns {"state": ...} plus the latest
// snapshot when one exists, or 503 when no orchestrator is attached.
func (h *ProgressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, h.logger, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.source == nil {
		writeError(w, h.logger, http.StatusServiceUnavailable, "no upload attached")
		return
	}
	stats := h.source.PollStats()
	dto := statusDTO{
		State:       h.source.State().String(),
		Subscribers: h.source.Subscribers(),
		Polls:       pollDTO{Fetches: stats.Fetches, Skipped: stats.Skipped, Emitted: stats.Emitted},
	}
	if snap, ok := h.source.Latest(); ok {
		dto.Snapshot = toSnapshotDTO(snap)
	}
	writeJSON(w, h.logger, http.StatusOK, dto)
}

type statusDTO struct {
	State       string       `json:"state"`
	Snapshot    *snapshotDTO `json:"snapshot,omitempty"`
	Subscribers int          `json:"subscribers"`
	Polls       pollDTO      `json:"polls"`
}

type pollDTO struct {
	Fetches int64 `json:"fetches"`
	Skipped int64 `json:"skipped"`
	Emitted int64 `json:"emitted"`
}

type snapshotDTO struct {
	Phase     string     `json:"phase"`
	Percent   float64    `json:"percent"`
	Processed int64      `json:"processed"`
	Total     int64      `json:"total"`
	Message   string     `json:"message"`
	Operation string     `json:"operation,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	FileName  string     `json:"file_name,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`
	Timing    *timingDTO `json:"timing,omitempty"`
	Timestamp time.Time  `json:"ts"`
}

type timingDTO struct {
	Elapsed            string `json:"elapsed,omitempty"`
	EstimatedRemaining string `json:"estimated_remaining,omitempty"`
	Speed              string `json:"speed,omitempty"`
}

func toSnapshotDTO(s progress.Snapshot) *snapshotDTO {
	dto := &snapshotDTO{
		Phase:     string(s.Phase),
		Percent:   s.Percent,
		Processed: s.Processed,
		Total:     s.Total,
		Message:   s.Message,
		Operation: s.Operation,
		SessionID: s.SessionID,
		FileName:  s.FileName,
		Timestamp: s.TS,
	}
	if s.Phase == progress.PhaseError {
		dto.ErrorKind = s.Kind.String()
	}
	if t := s.Timing; t != nil {
		dto.Timing = &timingDTO{
			Elapsed:            t.Elapsed,
			EstimatedRemaining: t.EstimatedRemaining,
			Speed:              t.Speed,
		}
	}
	return dto
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, msg string) {
	writeJSON(w, logger, status, map[string]string{"error": msg})
}
