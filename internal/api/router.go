package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/audioscribe/backend/internal/api/handlers"
	"github.com/audioscribe/backend/internal/api/middleware"
	"github.com/audioscribe/backend/internal/auth"
	"github.com/audioscribe/backend/internal/batch"
	"github.com/audioscribe/backend/internal/config"
	"github.com/audioscribe/backend/internal/db"
	"github.com/audioscribe/backend/internal/db/models"
	"github.com/audioscribe/backend/internal/live"
	"github.com/audioscribe/backend/internal/storage"
	"github.com/audioscribe/backend/internal/tools"
)

func NewRouter(database *db.Database, jwtService *auth.JWTService, cfg *config.Config,
	queue *batch.Orchestrator, store *storage.Store, hub *live.Hub, report *tools.Report) *chi.Mux {

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(middleware.CORSHandler(cfg.CORSOrigins)))

	// Handlers
	authHandler := handlers.NewAuthHandler(database, jwtService)
	transcribeHandler := handlers.NewTranscribeHandler(store, queue, cfg.MaxBatchFiles)
	batchHandler := handlers.NewBatchHandler(queue)
	wsHandler := handlers.NewWSHandler(hub, queue, cfg.CORSOrigins)
	settingsHandler := handlers.NewSettingsHandler(database)
	healthHandler := handlers.NewHealthHandler(queue, report)

	loginLimiter := middleware.NewRateLimiter(10, time.Minute)

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/health", healthHandler.Health)

		r.Group(func(r chi.Router) {
			r.Use(loginLimiter.Handler)
			r.Use(middleware.MaxBodySize(1 << 20))
			r.Post("/auth/login", authHandler.Login)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(jwtService))

			// Auth
			r.Get("/auth/me", authHandler.Me)

			// Uploads; per-file size limits are enforced while
			// streaming the multipart body
			r.Post("/transcribe", transcribeHandler.Single)
			r.Post("/transcribe/batch", transcribeHandler.Batch)

			// Batches
			r.Get("/batches", batchHandler.List)
			r.Get("/batches/{id}", batchHandler.Get)
			r.Post("/batches/{id}/cancel", batchHandler.Cancel)
			r.Get("/batches/{id}/files/{fileID}/transcript", batchHandler.DownloadTranscript)

			// Live progress
			r.Get("/ws/files/{id}", wsHandler.FileSocket)
			r.Get("/ws/batches/{id}", wsHandler.BatchSocket)

			// Settings
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(models.RoleAdmin))
				r.Use(middleware.MaxBodySize(1 << 20))
				r.Get("/settings", settingsHandler.GetSettings)
				r.Put("/settings", settingsHandler.UpdateSettings)
			})
		})
	})

	return r
}
