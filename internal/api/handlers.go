package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clowdr-app/clowdr-sub007/internal/immediate"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/logging"
	"github.com/clowdr-app/clowdr-sub007/internal/storage"
)

// Pinger is a dependency the health probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe names a Pinger in the health report.
type Probe struct {
	Name  string
	Check Pinger
}

// SwitchSubmitter records and executes immediate switch requests.
type SwitchSubmitter interface {
	Submit(ctx context.Context, conferenceID, eventID string, data json.RawMessage) (models.ImmediateSwitch, error)
}

type Handler struct {
	Store        storage.Repository
	Switches     SwitchSubmitter
	Probes       []Probe
	Logger       *slog.Logger
	// ProbeTimeout bounds each health check. Zero means two seconds.
	ProbeTimeout time.Duration
}

func NewHandler(store storage.Repository, switches SwitchSubmitter, probes ...Probe) *Handler {
	return &Handler{Store: store, Switches: switches, Probes: probes}
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logging.WithContext(ctx, logger)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

type immediateSwitchRequest struct {
	EventID string          `json:"eventId"`
	Data    json.RawMessage `json:"data"`
}

type immediateSwitchResponse struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
}

// ImmediateSwitch accepts an operator request to change a room's output now.
// Policy rejections answer 422 with the recorded reason; the request record is
// kept either way.
func (h *Handler) ImmediateSwitch(w http.ResponseWriter, r *http.Request) {
	conferenceID := strings.TrimSpace(chi.URLParam(r, "conferenceID"))
	if conferenceID == "" {
		writeError(w, http.StatusBadRequest, errors.New("conference id is required"))
		return
	}
	var req immediateSwitchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("data is required"))
		return
	}
	if h.Switches == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("immediate switches are not configured"))
		return
	}

	ctx := logging.ContextWithConferenceID(r.Context(), conferenceID)
	record, err := h.Switches.Submit(ctx, conferenceID, req.EventID, req.Data)
	resp := immediateSwitchResponse{ID: record.ID, ExecutedAt: record.ExecutedAt}
	if reason, ok := immediate.Reason(err); ok {
		resp.Status = "rejected"
		resp.Reason = reason
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	if err != nil {
		h.logger(ctx).Error("immediate switch failed", "switch_id", record.ID, "error", err)
		if record.ID == "" {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Status = "error"
		resp.Reason = immediate.ReasonProcessingError
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	resp.Status = "executed"
	writeJSON(w, http.StatusOK, resp)
}
