package core

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the global middleware chain and the three route
// groups. Order matters: Recoverer is outermost so it catches panics from
// everything below, and RequestID runs before the logger so every log line
// carries a correlation ID.
//
// Route groups:
//   - public: /health, /webhook, POST /api/v1/tenants/register
//   - tenant: /api/v1/* behind TenantAuth (HMAC + rate limit + audit)
//   - admin:  /api/v1/admin/* behind AdminAuth
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.RequestLogger)

	s.router.Get("/health", s.HandleHealth)

	for _, register := range s.PublicRoutes {
		register(s.router)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.TenantAuth)
			for _, register := range s.TenantRoutes {
				register(r)
			}
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.AdminAuth)
			for _, register := range s.AdminRoutes {
				register(r)
			}
		})
	})
}

// HandleHealth reports process liveness. It deliberately checks nothing
// downstream: a database blip should not flap the load balancer target.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.Config.Service,
	})
}
