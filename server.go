package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"nps-dashboard-server/jobs"
	"nps-dashboard-server/middleware"
	"nps-dashboard-server/routes"
	ws "nps-dashboard-server/websocket"
)

const (
	shutdownTimeout        = 10 * time.Second
	limiterCleanupInterval = 10 * time.Minute
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := ws.NewHub(log)
	ws.NewDashboardBroadcaster(hub).Attach(a.progress, a.store)
	go hub.Run(ctx)

	rl := middleware.NewRateLimiter()
	cleanup := jobs.NewRefreshJob("rate-limiter-cleanup", limiterCleanupInterval, func(context.Context) error {
		rl.Cleanup()
		return nil
	}, log)
	cleanup.Start(ctx)
	defer cleanup.Stop()

	if cfg.Server.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false

	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.InputValidationMiddleware())
	router.Use(middleware.RateLimitMiddleware(rl, log))
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.AuditLogMiddleware(log))

	handler := &routes.Handler{
		Store:       a.store,
		Sync:        a.sync,
		Progress:    a.progress,
		Auth:        a.auth,
		Exporter:    a.exporter,
		Hub:         hub,
		Upgrader:    ws.NewUpgrader(cfg.Server.AllowedOrigins),
		Metrics:     a.metrics,
		Log:         log,
		BaseContext: ctx,
		Ready:       a.sync.Restored(),
	}
	routes.RegisterRoutes(router, handler, rl)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The cache is loaded (or the backfill runs) while the server already
	// answers; the dashboard follows progress over the websocket.
	initDone := make(chan struct{})
	go func() {
		defer close(initDone)
		a.sync.Initialize(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", srv.Addr, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-errCh:
		log.Error("server failure", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn("http shutdown did not complete", "error", shutdownErr)
	}
	handler.Wait()
	<-initDone
	<-hub.Done()
	log.Info("server stopped")
	return err
}
