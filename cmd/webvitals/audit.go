package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/guillaumesp/webvitals/internal/app"
	"github.com/guillaumesp/webvitals/internal/browser"
	"github.com/guillaumesp/webvitals/internal/config"
	"github.com/guillaumesp/webvitals/internal/models"
	"github.com/guillaumesp/webvitals/internal/storage"
	"github.com/guillaumesp/webvitals/internal/utils"
)

type auditFlags struct {
	sequential  bool
	concurrency int
	bundle      string
	upload      bool
}

type sessionOpener interface {
	Open(ctx context.Context) (browser.Session, error)
}

type auditor interface {
	Run(ctx context.Context, pageURL string, sess browser.Session) (*models.AuditReport, error)
}

type uploader interface {
	UploadFile(ctx context.Context, key, filePath, contentType string) error
}

func newAuditCmd() *cobra.Command {
	var flags auditFlags

	cmd := &cobra.Command{
		Use:   "audit <url>",
		Short: "Audit one page and print the report as JSON",
		Example: `  webvitals audit https://example.com
  webvitals audit --sequential https://example.com
  webvitals audit --bundle report.zip --upload https://example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.upload && flags.bundle == "" {
				return errors.New("--upload needs --bundle")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg, cmd.ErrOrStderr())

			concurrency := flags.concurrency
			if flags.sequential {
				concurrency = 1
			}

			ctx := cmd.Context()
			if cfg.Audit.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.Audit.Timeout)
				defer cancel()
			}

			a, err := app.Build(ctx, cfg, logger, concurrency)
			if err != nil {
				return err
			}

			var up uploader
			if flags.upload {
				svc := a.Storage
				if svc == nil {
					if svc, err = storage.NewService(ctx, cfg.S3); err != nil {
						return err
					}
					if err := svc.EnsureBucket(ctx); err != nil {
						return err
					}
				}
				up = svc
			}

			return runAudit(ctx, cmd.OutOrStdout(), args[0], flags, a.Launcher, a.Auditor, up, logger)
		},
	}

	cmd.Flags().BoolVar(&flags.sequential, "sequential", false, "run the measurements one after the other")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", -1, "maximum measurements in flight (0 = unbounded, default from AUDIT_CONCURRENCY)")
	cmd.Flags().StringVar(&flags.bundle, "bundle", "", "also write report.json and both screenshots into this zip file")
	cmd.Flags().BoolVar(&flags.upload, "upload", false, "upload the bundle to the S3 bucket")
	cmd.MarkFlagsMutuallyExclusive("sequential", "concurrency")

	return cmd
}

func runAudit(ctx context.Context, out io.Writer, pageURL string, flags auditFlags, opener sessionOpener, a auditor, up uploader, logger *log.Logger) error {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q: want an absolute http(s) url", pageURL)
	}

	sess, err := opener.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("failed to close browser session", "error", err)
		}
	}()

	report, err := a.Run(ctx, pageURL, sess)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	if flags.bundle == "" {
		return nil
	}
	if err := writeBundle(report, flags.bundle); err != nil {
		return fmt.Errorf("failed to create bundle: %w", err)
	}
	logger.Info("bundle written", "path", flags.bundle)

	if up != nil {
		key := "bundles/" + filepath.Base(flags.bundle)
		if err := up.UploadFile(ctx, key, flags.bundle, "application/zip"); err != nil {
			return fmt.Errorf("failed to upload bundle: %w", err)
		}
		logger.Info("bundle uploaded", "key", key)
	}
	return nil
}

// writeBundle zips the report and its decoded screenshots into target.
func writeBundle(report *models.AuditReport, target string) error {
	dir, err := os.MkdirTemp("", "webvitals-bundle")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	files := map[string][]byte{"report.json": data}

	for name, encoded := range map[string]string{
		"desktop.jpg": report.DesktopScreenshot,
		"mobile.jpg":  report.MobileScreenshot,
	} {
		img, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		files[name] = img
	}

	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return err
		}
	}
	return utils.ZipDirectory(dir, target)
}
