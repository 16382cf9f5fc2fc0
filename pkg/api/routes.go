package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Inbound gateway events, limited per principal in handleEvent.
		if s.cfg.Server.RateLimit.Enabled {
			s.eventLimiter = newKeyedLimiter(s.cfg.Server.RateLimit.Events, s.done)
		}

		r.Post("/events", s.handleEvent)

		if s.cfg.Server.AdminTokenHash == "" {
			s.log.Warn("No server.admin_token_hash configured, admin endpoints disabled")

			return
		}

		r.Route("/admin", func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitByIP(
					s.cfg.Server.RateLimit.Admin,
				))
			}

			r.Use(s.requireAdminToken)

			r.Get("/grants", s.handleListGrants)
			r.Post("/grants/reset", s.handleResetAllCounters)
			r.Get("/grants/{id}", s.handleGetGrant)
			r.Delete("/grants/{id}", s.handleRevokeGrant)
			r.Post("/grants/{id}/reset", s.handleResetCounter)
			r.Post("/grants/{id}/extend", s.handleExtendGrant)
			r.Put("/grants/{id}/limit", s.handleSetLimit)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
