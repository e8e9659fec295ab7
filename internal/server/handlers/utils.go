package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/session"
)

// RespondJSON sends a JSON response with the given status code and data
func RespondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every failed command.
type ErrorResponse struct {
	Success      bool                  `json:"success"`
	Error        string                `json:"error"`
	Kind         string                `json:"kind"`
	SettingsHint *session.SettingsHint `json:"settings_hint,omitempty"`
}

var errorKinds = []struct {
	err    error
	kind   string
	status int
}{
	{session.ErrSessionActive, "session_active", http.StatusConflict},
	{session.ErrStartCanceled, "start_canceled", http.StatusConflict},
	{core.ErrPermissionDenied, "permission_denied", http.StatusForbidden},
	{core.ErrDeviceUnavailable, "device_unavailable", http.StatusServiceUnavailable},
	{core.ErrUnsupportedFormat, "unsupported_format", http.StatusBadRequest},
	{core.ErrInvalidConfig, "invalid_config", http.StatusBadRequest},
	{core.ErrPathUnwritable, "path_unwritable", http.StatusInternalServerError},
	{core.ErrIncompleteWrite, "incomplete_write", http.StatusInternalServerError},
	{core.ErrUnsolicitedStop, "unsolicited_stop", http.StatusInternalServerError},
}

// classify maps err to its kind name and HTTP status.
func classify(err error) (string, int) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind, k.status
		}
	}
	return "internal", http.StatusInternalServerError
}

// respondError writes err as an ErrorResponse. A refused permission carries
// the hint to the OS privacy settings.
func respondError(w http.ResponseWriter, err error) {
	kind, status := classify(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}
	if errors.Is(err, core.ErrPermissionDenied) {
		hint := session.LocalPermissionHint()
		resp.SettingsHint = &hint
	}
	RespondJSON(w, status, resp)
}
