package router

import (
	"net/http"

	"github.com/babelcloud/screencap/internal/server/handlers"
)

// APIRouter handles all /api/* routes
type APIRouter struct {
	handlers  *handlers.APIHandlers
	recording *handlers.RecordingHandlers
	events    *handlers.EventHandlers
}

// RegisterRoutes registers all API routes
func (r *APIRouter) RegisterRoutes(mux *http.ServeMux, server interface{}) {
	var serverService handlers.ServerService
	if srv, ok := server.(handlers.ServerService); ok {
		serverService = srv
	}

	r.handlers = handlers.NewAPIHandlers(serverService)
	mux.HandleFunc("/api/health", r.handlers.HandleHealth)

	if serverService == nil {
		return
	}
	r.recording = handlers.NewRecordingHandlers(serverService)
	r.events = handlers.NewEventHandlers(serverService)

	group := NewRouteGroup(r.GetPathPrefix()+"/recording", mux, server, RequireToken(serverService.ControlToken()))
	group.HandleFunc("/start", r.recording.HandleStart)
	group.HandleFunc("/stop", r.recording.HandleStop)
	group.HandleFunc("/status", r.recording.HandleStatus)
	group.HandleFunc("/events", r.events.HandleEvents)
}

// GetPathPrefix returns the path prefix for this router
func (r *APIRouter) GetPathPrefix() string {
	return "/api"
}
