package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/guillaumesp/webvitals/internal/app"
	"github.com/guillaumesp/webvitals/internal/cleanup"
	"github.com/guillaumesp/webvitals/internal/config"
	"github.com/guillaumesp/webvitals/internal/handler"
	"github.com/guillaumesp/webvitals/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}
	logger := config.NewLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg, version, logger)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	a, err := app.Build(ctx, cfg, logger, -1)
	if err != nil {
		logger.Fatal("Failed to build audit pipeline", "error", err)
	}

	opts := handler.Options{
		MaxConcurrent: cfg.Audit.MaxConcurrent,
		Timeout:       cfg.Audit.Timeout,
		AuthToken:     cfg.AuthToken,
		Logger:        logger,
	}
	if a.Storage != nil {
		opts.Dumps = a.Storage
	}
	h := handler.NewHandler(a.Launcher, a.Auditor, opts)

	// Start background cleanup
	if cfg.Chrome.RemoteURL == "" {
		cleanup.Start(ctx, cleanup.Options{
			Interval: cfg.Cleanup.Interval,
			MaxAge:   cfg.Cleanup.MaxAge,
		}, logger.WithPrefix("cleanup"))
	}

	mux := http.NewServeMux()
	h.Register(mux)

	// Logger -> Recoverer -> Tracing -> Sentry -> Auth -> Mux
	var finalHandler http.Handler = h.AuthMiddleware(mux)
	finalHandler = sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(finalHandler)
	finalHandler = otelhttp.NewHandler(finalHandler, "webvitals")
	finalHandler = handler.RecoverMiddleware(logger, finalHandler)
	finalHandler = handler.LoggingMiddleware(logger, finalHandler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", "error", err)
		}
	}()

	logger.Info("Server starting", "port", cfg.Port, "version", version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		return
	}
	logger.Info("Server stopped")
}
