package httpserver

import (
	"net/http"

	"v2gcharge/backend/services/v2g-node/internal/http/middleware"
)

// Routes groups handlers.
type Routes struct {
	Health   http.HandlerFunc
	Sessions http.HandlerFunc
	Stream   http.HandlerFunc
}

// NewRouter registers endpoints. Everything except /health sits behind auth.
func NewRouter(routes Routes, auth func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	protect := func(h http.Handler) http.Handler {
		if auth == nil {
			return h
		}
		return middleware.Chain(h, auth)
	}
	if routes.Health != nil {
		mux.Handle("/health", method(http.MethodGet, routes.Health))
	}
	if routes.Sessions != nil {
		mux.Handle("/api/sessions", protect(method(http.MethodGet, routes.Sessions)))
	}
	if routes.Stream != nil {
		mux.Handle("/ws/sessions", protect(method(http.MethodGet, routes.Stream)))
	}
	return mux
}

func method(expected string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}
