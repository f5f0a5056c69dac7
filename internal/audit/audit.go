// Package audit runs the full battery of page measurements against one browser
// session and assembles them into a single report.
package audit

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/guillaumesp/webvitals/internal/browser"
	"github.com/guillaumesp/webvitals/internal/models"
	"github.com/guillaumesp/webvitals/internal/outline"
)

const tracerName = "github.com/guillaumesp/webvitals/internal/audit"

// Measurement names, as reported in MeasurementError.
const (
	MeasureFirstLoad         = "first load time"
	MeasureSecondLoad        = "second load time"
	MeasureOutline           = "document outline"
	MeasureDesktopScoring    = "desktop scoring"
	MeasureMobileScoring     = "mobile scoring"
	MeasureDesktopScreenshot = "desktop screenshot"
	MeasureMobileScreenshot  = "mobile screenshot"
)

type Scorer interface {
	Score(ctx context.Context, sess browser.Session, url string, class browser.DeviceClass) (models.ScoringResult, error)
}

type Fetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// MeasurementError reports which measurement of which page failed.
type MeasurementError struct {
	URL         string
	Measurement string
	Err         error
}

func (e *MeasurementError) Error() string {
	return fmt.Sprintf("audit %s: %s: %v", e.URL, e.Measurement, e.Err)
}

func (e *MeasurementError) Unwrap() error {
	return e.Err
}

type Auditor struct {
	scorer      Scorer
	fetcher     Fetcher
	concurrency int
	logger      *log.Logger
	tracer      trace.Tracer
}

type Option func(*Auditor)

// WithConcurrency bounds how many measurements run at once. 1 runs them one
// after the other; 0 or less leaves them unbounded.
func WithConcurrency(n int) Option {
	return func(a *Auditor) { a.concurrency = n }
}

func WithLogger(l *log.Logger) Option {
	return func(a *Auditor) { a.logger = l }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Auditor) { a.tracer = tp.Tracer(tracerName) }
}

func New(scorer Scorer, fetcher Fetcher, opts ...Option) *Auditor {
	a := &Auditor{
		scorer:  scorer,
		fetcher: fetcher,
		logger:  log.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run audits pageURL using tabs of sess. sess stays owned by the caller.
// Either every measurement succeeds and a report is returned, or the first
// failure is returned as a *MeasurementError and the remaining work is
// cancelled.
func (a *Auditor) Run(ctx context.Context, pageURL string, sess browser.Session) (*models.AuditReport, error) {
	base, err := url.Parse(pageURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("audit %q: not an absolute url", pageURL)
	}

	ctx, span := a.tracer.Start(ctx, "audit.Run", trace.WithAttributes(attribute.String("url.full", pageURL)))
	defer span.End()

	start := time.Now()
	a.logger.Info("audit started", "url", pageURL)

	g, gctx := errgroup.WithContext(ctx)
	if a.concurrency > 0 {
		g.SetLimit(a.concurrency)
	}

	// Every task writes a distinct field, and only after it succeeded.
	var report models.AuditReport
	run := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			return a.measure(gctx, pageURL, name, fn)
		})
	}

	run(MeasureFirstLoad, func(ctx context.Context) error {
		ms, err := browser.MeasureLoadTime(ctx, sess, pageURL, browser.Desktop)
		if err == nil {
			report.FirstLoadTimeMs = ms
		}
		return err
	})
	run(MeasureSecondLoad, func(ctx context.Context) error {
		ms, err := browser.MeasureLoadTime(ctx, sess, pageURL, browser.Desktop)
		if err == nil {
			report.SecondLoadTimeMs = ms
		}
		return err
	})
	run(MeasureOutline, func(ctx context.Context) error {
		html, err := a.fetcher.FetchText(ctx, pageURL)
		if err == nil {
			report.OutlineIssues = outline.DetectWithBase(html, base)
		}
		return err
	})
	run(MeasureDesktopScoring, func(ctx context.Context) error {
		res, err := a.scorer.Score(ctx, sess, pageURL, browser.Desktop)
		if err == nil {
			report.DesktopScoring = res
		}
		return err
	})
	run(MeasureMobileScoring, func(ctx context.Context) error {
		res, err := a.scorer.Score(ctx, sess, pageURL, browser.Mobile)
		if err == nil {
			report.MobileScoring = res
		}
		return err
	})
	run(MeasureDesktopScreenshot, func(ctx context.Context) error {
		img, err := browser.CaptureScreenshot(ctx, sess, pageURL, browser.Desktop)
		if err == nil {
			report.DesktopScreenshot = img
		}
		return err
	})
	run(MeasureMobileScreenshot, func(ctx context.Context) error {
		img, err := browser.CaptureScreenshot(ctx, sess, pageURL, browser.Mobile)
		if err == nil {
			report.MobileScreenshot = img
		}
		return err
	})

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Warn("audit failed", "url", pageURL, "duration", time.Since(start), "error", err)
		return nil, err
	}

	report.URL = pageURL
	a.logger.Info("audit completed", "url", pageURL, "duration", time.Since(start))
	return &report, nil
}

func (a *Auditor) measure(ctx context.Context, pageURL, name string, fn func(context.Context) error) error {
	// A sibling already failed; don't open any more tabs.
	if err := ctx.Err(); err != nil {
		return &MeasurementError{URL: pageURL, Measurement: name, Err: err}
	}

	ctx, span := a.tracer.Start(ctx, "audit.measure", trace.WithAttributes(attribute.String("audit.measurement", name)))
	defer span.End()

	start := time.Now()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &MeasurementError{URL: pageURL, Measurement: name, Err: err}
	}
	a.logger.Debug("measurement completed", "url", pageURL, "measurement", name, "duration", time.Since(start))
	return nil
}
