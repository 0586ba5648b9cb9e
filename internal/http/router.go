package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes are the handlers mounted by NewRouter. Nil handlers are not mounted.
type Routes struct {
	// STT is the transcription WebSocket endpoint.
	STT http.Handler
	// Proxy relays client connections to a remote STT endpoint.
	Proxy http.Handler
	// Ready backs /v1/readiness. Nil means always ready.
	Ready func() bool
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(routes Routes) http.Handler {
	r := chi.NewRouter()

	// Basic middleware. No request timeout: WebSocket routes are long-lived.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if routes.Ready != nil && !routes.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// WebSocket routes
	if routes.STT != nil {
		r.Method(http.MethodGet, "/ws/stt", routes.STT)
	}
	if routes.Proxy != nil {
		r.Method(http.MethodGet, "/ws/proxy", routes.Proxy)
	}

	return r
}
