package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/audioscribe/backend/internal/api"
	"github.com/audioscribe/backend/internal/auth"
	"github.com/audioscribe/backend/internal/batch"
	"github.com/audioscribe/backend/internal/config"
	"github.com/audioscribe/backend/internal/db"
	"github.com/audioscribe/backend/internal/ffmpeg"
	"github.com/audioscribe/backend/internal/live"
	"github.com/audioscribe/backend/internal/pipeline"
	"github.com/audioscribe/backend/internal/runner"
	"github.com/audioscribe/backend/internal/storage"
	"github.com/audioscribe/backend/internal/tools"
	"github.com/audioscribe/backend/internal/watch"
	"github.com/audioscribe/backend/internal/whisper"
)

func main() {
	cfg := config.Load()

	// Ensure data directory exists
	os.MkdirAll(cfg.DataPath, 0755)

	// Initialize database
	database, err := db.NewSQLite(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	// Ensure admin user exists
	if err := database.EnsureAdmin(cfg.AdminUsername, cfg.AdminPassword); err != nil {
		log.Fatalf("Failed to create admin user: %v", err)
	}
	log.Printf("Admin user ensured: %s", cfg.AdminUsername)

	// External tools must resolve at startup, not at first upload
	report, err := tools.Detect(cfg.FFmpegBin, cfg.FFprobeBin, cfg.WhisperBin)
	if err != nil {
		log.Fatalf("Required tools missing: %v", err)
	}

	// Upload and workspace directories
	store, err := storage.New(cfg.DataPath, cfg.MaxUploadMB<<20)
	if err != nil {
		log.Fatalf("Failed to prepare data directories: %v", err)
	}

	// Initialize JWT service
	jwtService := auth.NewJWTService(cfg.JWTSecret)

	// Settings stored by the API override the environment defaults
	model := database.GetSetting("whisper_model", cfg.WhisperModel)
	language := database.GetSetting("whisper_language", cfg.WhisperLanguage)
	threads := settingInt(database, "whisper_threads", cfg.WhisperThreads)
	processors := settingInt(database, "whisper_processors", cfg.WhisperProcessors)

	// Transcription pipeline over the external tools
	run := &runner.ExecRunner{}
	pipe := pipeline.New(
		ffmpeg.NewProber(run, cfg.FFprobeBin, 30*time.Second),
		ffmpeg.NewConverter(run, cfg.FFmpegBin, cfg.ToolReadTimeout, cfg.ToolTotalTimeout),
		whisper.NewCLI(run, cfg.WhisperBin, cfg.ToolReadTimeout, cfg.ToolTotalTimeout),
		pipeline.Options{
			WorkDir:      store.WorkDir(),
			MinFileBytes: cfg.MinFileBytes,
			ModelPath:    model,
			Language:     language,
			Threads:      threads,
			Processors:   processors,
			Heartbeat:    3 * time.Second,
		},
	)

	// Live progress hub and the batch worker
	hub := live.NewHub()
	queue := batch.New(database.DB(), pipe, hub, batch.Options{
		OnFileDone: func(f *batch.File) {
			if f.Status == "completed" {
				if _, err := store.WriteTranscript(f.ID, f.Transcript); err != nil {
					log.Printf("Failed to export transcript for %s: %v", f.Name, err)
				}
			}
			if store.Owns(f.Path) {
				store.Remove(f.Path)
			}
		},
	})
	if err := queue.Start(); err != nil {
		log.Fatalf("Failed to start batch worker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional hot folder
	if cfg.WatchPath != "" {
		if err := os.MkdirAll(cfg.WatchPath, 0755); err != nil {
			log.Fatalf("Failed to create watch directory: %v", err)
		}
		watcher := watch.New(cfg.WatchPath, queue, language)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Printf("Hot folder watcher stopped: %v", err)
			}
		}()
	}

	// Create router
	router := api.NewRouter(database, jwtService, cfg, queue, store, hub, report)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Printf("Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	queue.Stop()
}

func settingInt(database *db.Database, key string, fallback int) int {
	if v := database.GetSetting(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
