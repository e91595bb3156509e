/**
 * @description
 * HTTP router for the kiosk-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the credentials and origins the router enforces.
type RouterConfig struct {
	KioskAPIKey    string
	AdminJWKSURL   string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers the kiosk and admin routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Kiosk service is healthy"))
	})

	r.Route("/kiosk/session", func(r chi.Router) {
		r.Use(APIKeyMiddleware(cfg.KioskAPIKey))
		r.Get("/", h.handleGetSession)
		r.Post("/pin", h.handleSubmitPIN)
		r.Post("/face", h.handleFaceTick)
		r.Get("/devices", h.handleListDevices)
		r.Post("/devices", h.handleConfirmDevices)
		r.Post("/reset", h.handleReset)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(cfg.AdminJWKSURL))
		r.Post("/users/{userID}/unlock", h.handleUnlockUser)
		r.Get("/users/{userID}/attempts", h.handleGetAttempts)
		r.Post("/roles/{roleID}/devices/{deviceID}", h.handleAssignDevice)
		r.Get("/roles/{roleID}/devices", h.handleRoleDevices)
	})

	return r
}
