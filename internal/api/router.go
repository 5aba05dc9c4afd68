package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter mounts the Prometheus scrape endpoint at /metrics and the
// read-mostly diagnostics routes under /api/v1.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.accessLogMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/state", s.handleGetState)
		r.Get("/config", s.handleGetConfig)

		r.Route("/points", func(r chi.Router) {
			r.Get("/", s.handleListPoints)
			r.With(limitBody).Put("/{name}", s.handleSetPoint)
		})

		r.Get("/ws", s.serveStream)
	})

	return r
}
