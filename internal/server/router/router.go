package router

import (
	"crypto/subtle"
	"net/http"
)

// TokenHeader carries the control token.
const TokenHeader = "X-Screencap-Token"

// Router defines the interface for route registration
type Router interface {
	RegisterRoutes(mux *http.ServeMux, server interface{})
	GetPathPrefix() string
}

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// RouteGroup registers routes under a common prefix behind shared middleware
type RouteGroup struct {
	prefix     string
	mux        *http.ServeMux
	server     interface{}
	middleware []Middleware
}

// NewRouteGroup creates a new route group with a common prefix
func NewRouteGroup(prefix string, mux *http.ServeMux, server interface{}, middleware ...Middleware) *RouteGroup {
	return &RouteGroup{
		prefix:     prefix,
		mux:        mux,
		server:     server,
		middleware: middleware,
	}
}

// HandleFunc registers a handler function with the group's prefix
func (g *RouteGroup) HandleFunc(pattern string, handler http.HandlerFunc) {
	g.Handle(pattern, handler)
}

// Handle registers a handler with the group's prefix
func (g *RouteGroup) Handle(pattern string, handler http.Handler) {
	for i := len(g.middleware) - 1; i >= 0; i-- {
		handler = g.middleware[i](handler)
	}
	g.mux.Handle(g.prefix+pattern, handler)
}

// RequireToken rejects requests that do not present token in TokenHeader or
// in the token query parameter (browsers cannot set headers on websockets).
// An empty token disables the check.
func RequireToken(token string) Middleware {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(TokenHeader)
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
