// Package httpapi exposes the sync services over HTTP: JSON trigger and admin
// routes plus a Server-Sent Events progress stream.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds the collaborators of [NewRouter].
type RouterConfig struct {
	Services  Services
	Settings  SettingsAdmin
	Documents DocumentLister
	Logger    *slog.Logger

	// APIKey guards every /api route when non-empty.
	APIKey  string
	Version string
}

// NewRouter builds the HTTP handler tree.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	syncHandler := NewSyncHandler(cfg.Services, cfg.Settings, cfg.Documents, logger)
	healthHandler := NewHealthHandler(cfg.Version)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(APIKeyAuth(cfg.APIKey))

	r.Get("/health", healthHandler.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", syncHandler.Status)
			r.Post("/status/{collection}", syncHandler.WriteStatus)
			r.Post("/token", syncHandler.UpdateToken)
			r.Patch("/config/{collection}", syncHandler.UpdateConfig)

			r.Post("/bookings/contractor/{id}", syncHandler.SyncContractor)
			r.Post("/photos/album/{id}", syncHandler.SyncAlbum)

			r.Post("/{collection}", syncHandler.Sync)
			r.Post("/{collection}/parent/{parentID}", syncHandler.Sync)
			r.Post("/{collection}/stream", syncHandler.Stream)
		})
		r.Get("/collections/{collection}/documents", syncHandler.ListDocuments)
	})

	return r
}
