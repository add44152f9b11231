package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/assistant-auth-gateway/app"
	"github.com/upb/assistant-auth-gateway/internal/observability"
	"github.com/upb/assistant-auth-gateway/middleware"
	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.TimestampHeader, middleware.SignatureHeader},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)
	if deps.Registry != nil {
		r.Handle("/metrics", observability.Handler(deps.Registry))
	}

	r.Route("/v1", func(r chi.Router) {
		// Signed calls from the chat platform adapter
		r.Group(func(r chi.Router) {
			r.Use(deps.IPLimiter.Middleware)
			r.Use(deps.SignatureMiddleware.Verify)
			r.Post("/events", deps.EventsHandler.HandleEvent)
		})

		r.Post("/tokens/refresh", deps.TokenHandler.HandleRefresh)

		r.Route("/sessions", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Get("/{id}", deps.SessionHandler.HandleGetSession)
			r.Delete("/{id}", deps.SessionHandler.HandleDeleteSession)
		})

		r.Route("/ratelimit", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequirePermission(models.PermissionAuditView))
			r.Get("/{key}", deps.RateLimitHandler.HandleGetWindow)
		})

		if deps.AuditHandler != nil {
			r.Route("/audit", func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireAuth)
				r.Use(deps.AuthMiddleware.RequirePermission(models.PermissionAuditView))
				r.Get("/events", deps.AuditHandler.HandleList)
			})
		}

		// Directory administration
		r.Route("/mappings", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequirePermission(models.PermissionUserAdmin))
			r.Get("/", deps.MappingHandler.HandleList)
			r.Post("/", deps.MappingHandler.HandleCreate)
			r.Route("/{externalID}", func(r chi.Router) {
				r.Get("/", deps.MappingHandler.HandleGet)
				r.Delete("/", deps.MappingHandler.HandleDelete)
				r.Post("/roles", deps.MappingHandler.HandleGrantRole)
				r.Delete("/roles/{role}", deps.MappingHandler.HandleRevokeRole)
				r.Post("/permissions", deps.MappingHandler.HandleGrantPermission)
				r.Delete("/permissions/{permission}", deps.MappingHandler.HandleRevokePermission)
				r.Post("/deactivate", deps.MappingHandler.HandleDeactivate)
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
