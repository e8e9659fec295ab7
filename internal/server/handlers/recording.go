package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/session"
)

const stopTimeout = time.Minute

// RecordingHandlers serve the start/stop/status commands.
type RecordingHandlers struct {
	serverService ServerService
	logger        *slog.Logger
}

// NewRecordingHandlers creates the recording command handlers
func NewRecordingHandlers(serverSvc ServerService) *RecordingHandlers {
	return &RecordingHandlers{
		serverService: serverSvc,
		logger:        slog.With("component", "control"),
	}
}

// StartResponse is the result of a start command.
type StartResponse struct {
	Success bool             `json:"success"`
	Session *session.Session `json:"session"`
}

// StopResponse is the result of a stop command. A stop that finalized with
// an incomplete write still carries the result.
type StopResponse struct {
	Success bool            `json:"success"`
	Result  *session.Result `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
}

// StatusResponse describes the controller.
type StatusResponse struct {
	State      session.State    `json:"state"`
	Session    *session.Session `json:"session,omitempty"`
	LastResult *session.Result  `json:"last_result,omitempty"`
}

// decodeConfig applies the JSON overrides in the request body on top of the
// configured defaults. An empty body keeps the defaults.
func decodeConfig(body io.Reader, defaults core.CaptureConfig) (core.CaptureConfig, error) {
	cfg := defaults
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return core.CaptureConfig{}, errors.Wrapf(core.ErrInvalidConfig, "invalid request body: %v", err)
	}
	return cfg, nil
}

func (h *RecordingHandlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg, err := decodeConfig(r.Body, h.serverService.CaptureDefaults())
	if err != nil {
		respondError(w, err)
		return
	}

	s, err := h.serverService.Recorder().Start(r.Context(), cfg)
	if err != nil {
		h.logger.Warn("Start command failed", "error", err.Error())
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, StartResponse{Success: true, Session: s})
}

func (h *RecordingHandlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// finalize must not be cut short by the client going away
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), stopTimeout)
	defer cancel()

	res, err := h.serverService.Recorder().Stop(ctx)
	if err != nil {
		h.logger.Error("Stop command failed", "error", err.Error())
		kind, status := classify(err)
		RespondJSON(w, status, StopResponse{Result: res, Error: err.Error(), Kind: kind})
		return
	}
	RespondJSON(w, http.StatusOK, StopResponse{Success: true, Result: res})
}

func (h *RecordingHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec := h.serverService.Recorder()
	RespondJSON(w, http.StatusOK, StatusResponse{
		State:      rec.State(),
		Session:    rec.Current(),
		LastResult: rec.LastResult(),
	})
}
