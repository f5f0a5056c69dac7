// Package app assembles the audit pipeline from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/guillaumesp/webvitals/internal/audit"
	"github.com/guillaumesp/webvitals/internal/browser"
	"github.com/guillaumesp/webvitals/internal/config"
	"github.com/guillaumesp/webvitals/internal/dump"
	"github.com/guillaumesp/webvitals/internal/fetch"
	"github.com/guillaumesp/webvitals/internal/lighthouse"
	"github.com/guillaumesp/webvitals/internal/storage"
)

type App struct {
	Launcher *browser.Launcher
	Auditor  *audit.Auditor
	// Storage is nil unless Lighthouse dumps go to S3.
	Storage *storage.Service
}

// Build wires the launcher, scorer, fetcher and auditor described by cfg.
// concurrency overrides cfg.Audit.Concurrency when not negative.
func Build(ctx context.Context, cfg *config.Config, logger *log.Logger, concurrency int) (*App, error) {
	launcher := browser.NewLauncher(browser.LaunchOptions{
		ExecPath:          cfg.Chrome.Path,
		RemoteURL:         cfg.Chrome.RemoteURL,
		DebugPort:         cfg.Chrome.DebugPort,
		Headless:          cfg.Chrome.Headless,
		NoSandbox:         cfg.Chrome.NoSandbox,
		NavigationTimeout: cfg.Chrome.NavigationTimeout,
		ScreenshotQuality: cfg.Chrome.ScreenshotQuality,
	}, logger.WithPrefix("chrome"))

	a := &App{Launcher: launcher}

	var dumpers dump.Multi
	if cfg.Dump.Dir != "" {
		dumpers = append(dumpers, &dump.Dir{Path: cfg.Dump.Dir})
	}
	if cfg.Dump.S3 {
		svc, err := storage.NewService(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage service: %w", err)
		}
		if err := svc.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		a.Storage = svc
		dumpers = append(dumpers, &dump.Bucket{Storage: svc})
	}

	scorerOpts := []lighthouse.Option{lighthouse.WithLogger(logger)}
	if len(dumpers) > 0 {
		scorerOpts = append(scorerOpts, lighthouse.WithDumper(dumpers))
	}
	scorer := lighthouse.NewAdapter(&lighthouse.CLI{
		Bin:            cfg.Lighthouse.Bin,
		MaxWaitForLoad: cfg.Lighthouse.MaxWaitForLoad,
		Logger:         logger.WithPrefix("lighthouse"),
	}, scorerOpts...)

	fetcher := fetch.New(fetch.Config{
		Timeout:      cfg.Fetch.Timeout,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		UserAgent:    cfg.Fetch.UserAgent,
	})

	if concurrency < 0 {
		concurrency = cfg.Audit.Concurrency
	}
	a.Auditor = audit.New(scorer, fetcher,
		audit.WithConcurrency(concurrency),
		audit.WithLogger(logger),
	)
	return a, nil
}
