package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/collabhub/collabhub/internal/observability"
	"github.com/collabhub/collabhub/internal/permissions"
	"github.com/collabhub/collabhub/internal/rbac"
	"github.com/collabhub/collabhub/internal/shared"
	"github.com/collabhub/collabhub/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Authenticator      *Authenticator
	PermissionsHandler *permissions.Handler
	CatalogHandler     *rbac.PermissionsHandler
	JobHandler         *jobs.Handler
	RBAC               *rbac.Middleware
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with CollabHub defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if params.Authenticator != nil {
			r.Use(params.Authenticator.Middleware)
		}
		if params.PermissionsHandler != nil {
			params.PermissionsHandler.MountRoutes(r)
		}
		if params.CatalogHandler != nil {
			params.CatalogHandler.MountRoutes(r)
		}
		// Queue state is operator-only; without a guard the routes stay unmounted.
		if params.JobHandler != nil && params.RBAC != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(params.RBAC.RequireAny(shared.PermUsersManage))
				params.JobHandler.MountRoutes(r)
			})
		}
	})

	return r
}
