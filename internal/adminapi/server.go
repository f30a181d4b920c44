package adminapi

import (
	"github.com/go-chi/chi/v5"

	"linkgate/internal/policy"
	"linkgate/pkg/middleware"
)

// Routes mounts the operator surface under /admin. Every route requires a
// session carrying the link_admin role.
func (a *App) Routes(r chi.Router) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(cors(a.cfg.AdminCORSOrigins))
		ar.Use(middleware.SessionAuth(a.cfg, a.sessions, a.log))
		ar.Use(middleware.RequireRole(middleware.RoleLinkAdmin))
		ar.Get("/links", a.listLinks)
		ar.Get("/links/{handle}", a.getLink)
		ar.Post("/links/{handle}/revoke", a.revokeLink)
		ar.Post("/links/{handle}/restore", a.restoreLink)
		policy.RegisterHTTP(ar, a.policy)
	})
}
