package handlers

import (
	"net/http"
	"runtime"
)

// APIHandlers contains handlers for the service endpoints
type APIHandlers struct {
	serverService ServerService
}

// NewAPIHandlers creates a new API handlers instance
func NewAPIHandlers(serverSvc ServerService) *APIHandlers {
	return &APIHandlers{serverService: serverSvc}
}

// HealthResponse is the body of /api/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
	BuildID string `json:"build_id,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
	OS      string `json:"os"`
}

// Health and status endpoints
func (h *APIHandlers) HandleHealth(w http.ResponseWriter, req *http.Request) {
	resp := HealthResponse{Status: "healthy", Service: "screencap", OS: runtime.GOOS}
	if h.serverService != nil {
		resp.Version = h.serverService.GetVersion()
		resp.BuildID = h.serverService.GetBuildID()
		resp.Uptime = h.serverService.GetUptime().String()
	}
	RespondJSON(w, http.StatusOK, resp)
}
