package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"vidanon/internal/auth"
	"vidanon/internal/database"
	"vidanon/internal/detection"
	"vidanon/internal/middleware"
	"vidanon/internal/pipeline"
	"vidanon/internal/pipeline/detectors"
	"vidanon/internal/services"
	"vidanon/internal/ws"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run API and lifecycle websocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.HTTP.Addr = serveAddr
		}
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "HTTP listen address")
	rootCmd.AddCommand(serveCmd)
}

// artifactURL points completed runs at the download endpoint
func artifactURL(runID, path string) string {
	return "/api/runs/" + runID + "/artifact"
}

func serve(ctx context.Context) error {
	deps, release, err := buildDependencies(cfg)
	if err != nil {
		return err
	}
	defer release()
	deps.ArtifactURL = artifactURL

	// Run history
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Enabled: cfg.Auth.Enabled,
		Secret:  cfg.Auth.JWTSecret,
		Expiry:  cfg.Auth.JWTExpiry,
	})
	if err != nil {
		return err
	}

	catalog := detectors.DefaultCatalog()
	bus := pipeline.NewEventBus()
	manager := pipeline.NewRunManager(deps, bus, detectors.Names(catalog), cfg.HTTP.MaxConcurrentRuns)

	// Lifecycle fan-out. The hub queues events per run and closes a run's
	// sockets after its terminal event has been sent.
	hub := ws.NewRunHub()
	bus.Subscribe(database.NewRunRecorder(db))
	bus.Subscribe(hub)

	runService, err := services.NewRunService(manager, db, services.RunServiceConfig{
		Defaults:       cfg.Pipeline,
		UploadDir:      filepath.Join(cfg.WorkRoot, "uploads"),
		MaxUploadBytes: cfg.HTTP.MaxUploadMB << 20,
	})
	if err != nil {
		return err
	}

	healthService := services.NewHealthService(map[string]services.ReadinessCheck{
		"ffmpeg":   services.BinaryCheck(cfg.FFmpeg),
		"ffprobe":  services.BinaryCheck(cfg.FFprobe),
		"database": db.Ping,
	})
	systemService := services.NewSystemService(manager, catalog, cfg.Detection.Backend, detection.OpenCVAvailable)
	authService := services.NewAuthService(authenticator)

	mux := http.NewServeMux()
	mounter := services.NewMounter(mux)
	protect := services.Middleware(middleware.AuthMiddleware(authenticator))

	services.MountHealth(mounter, healthService)
	services.MountRuns(mounter, runService, protect)
	services.MountSystem(mounter, systemService, protect)
	services.MountAuth(mounter, authService)
	mounter.Handle(http.MethodGet, "/ws/runs/", ws.NewHandler(hub, "/ws/runs/", runService.Snapshot), protect)
	mounter.Log(logger)

	if authenticator.IsEnabled() {
		logger.Printf("authentication enabled")
	} else {
		logger.Printf("authentication disabled")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errc := make(chan error, 1)
	handleHTTPServer(ctx, cfg.HTTP.Addr, mux, &wg, errc, logger)

	select {
	case err = <-errc:
		stop()
	case <-ctx.Done():
		logger.Printf("received shutdown signal")
	}

	// Wait for the server to drain, then cancel any runs still in flight
	wg.Wait()
	if cerr := manager.Close(); cerr != nil {
		logger.Printf("error stopping runs: %v", cerr)
	}
	bus.Close()
	hub.Wait()
	logger.Printf("exited")
	return err
}
