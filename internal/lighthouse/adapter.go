// Package lighthouse scores pages with Lighthouse and maps its report onto
// models.ScoringResult.
package lighthouse

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/guillaumesp/webvitals/internal/browser"
	"github.com/guillaumesp/webvitals/internal/models"
)

var ErrAuditEngine = errors.New("audit engine failure")

// Preset selects a Lighthouse configuration. The zero value is Lighthouse's
// default, mobile emulating, configuration.
type Preset string

const (
	PresetMobile  Preset = ""
	PresetDesktop Preset = "desktop"
)

func PresetFor(class browser.DeviceClass) (Preset, error) {
	switch class {
	case browser.Desktop:
		return PresetDesktop, nil
	case browser.Mobile:
		return PresetMobile, nil
	default:
		return "", fmt.Errorf("%w: %q", browser.ErrInvalidDeviceClass, string(class))
	}
}

// Engine runs one Lighthouse audit against the browser reachable at target.
// A nil result with a nil error means the engine produced nothing.
type Engine interface {
	Run(ctx context.Context, url string, preset Preset, target browser.Endpoint) (*models.LighthouseResult, []byte, error)
}

// Dumper receives the raw engine report of every successful run.
type Dumper interface {
	Dump(ctx context.Context, pageURL string, class browser.DeviceClass, raw []byte) error
}

type Adapter struct {
	engine Engine
	dumper Dumper
	logger *log.Logger
	locks  endpointLocks
}

type Option func(*Adapter)

func WithDumper(d Dumper) Option {
	return func(a *Adapter) { a.dumper = d }
}

func WithLogger(l *log.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func NewAdapter(engine Engine, opts ...Option) *Adapter {
	a := &Adapter{engine: engine, logger: log.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Score audits url for class on a tab of sess. Runs against the same browser
// endpoint are serialised. Missing categories score 0; missing timing audits
// fail the call.
func (a *Adapter) Score(ctx context.Context, sess browser.Session, url string, class browser.DeviceClass) (models.ScoringResult, error) {
	preset, err := PresetFor(class)
	if err != nil {
		return models.ScoringResult{}, err
	}

	// Holds the class viewport on the session while the engine runs; the
	// engine opens its own target and never uses this tab.
	page, err := browser.GetContext(ctx, class, sess)
	if err != nil {
		return models.ScoringResult{}, err
	}
	defer page.Close()

	target := sess.Endpoint()
	release, err := a.locks.acquire(ctx, target)
	if err != nil {
		return models.ScoringResult{}, err
	}
	result, raw, err := a.engine.Run(ctx, url, preset, target)
	release()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.ScoringResult{}, ctxErr
		}
		return models.ScoringResult{}, fmt.Errorf("%w: %s audit of %s: %w", ErrAuditEngine, class, url, err)
	}
	if result == nil {
		return models.ScoringResult{}, fmt.Errorf("%w: %s audit of %s returned no result", ErrAuditEngine, class, url)
	}

	if a.dumper != nil && len(raw) > 0 {
		if err := a.dumper.Dump(ctx, url, class, raw); err != nil {
			a.logger.Warn("failed to dump lighthouse report", "url", url, "device", class, "error", err)
		}
	}

	scoring, err := Normalize(result)
	if err != nil {
		return models.ScoringResult{}, fmt.Errorf("%s audit of %s: %w", class, url, err)
	}
	return scoring, nil
}

const (
	categoryPerformance   = "performance"
	categoryAccessibility = "accessibility"
	categoryBestPractices = "best-practices"
	categorySEO           = "seo"
	categoryPWA           = "pwa"

	auditFCP         = "first-contentful-paint"
	auditSpeedIndex  = "speed-index"
	auditLCP         = "largest-contentful-paint"
	auditInteractive = "interactive"
	auditTBT         = "total-blocking-time"
	auditCLS         = "cumulative-layout-shift"
)

// Normalize validates a Lighthouse report and converts it to a
// ScoringResult.
func Normalize(result *models.LighthouseResult) (models.ScoringResult, error) {
	if result == nil {
		return models.ScoringResult{}, fmt.Errorf("%w: no result", ErrAuditEngine)
	}
	if rt := result.RuntimeError; rt != nil && rt.Code != "" {
		return models.ScoringResult{}, fmt.Errorf("%w: lighthouse runtime error %s: %s", ErrAuditEngine, rt.Code, rt.Message)
	}

	var perf models.PerformanceMetrics
	timings := []struct {
		id  string
		dst *models.TimingMetric
	}{
		{auditFCP, &perf.FirstContentfulPaint},
		{auditSpeedIndex, &perf.SpeedIndex},
		{auditLCP, &perf.LargestContentfulPaint},
		{auditInteractive, &perf.TimeToInteractive},
		{auditTBT, &perf.TotalBlockingTime},
		{auditCLS, &perf.CumulativeLayoutShift},
	}
	for _, tm := range timings {
		metric, err := timing(result, tm.id)
		if err != nil {
			return models.ScoringResult{}, err
		}
		*tm.dst = metric
	}

	return models.ScoringResult{
		PerformanceScore:   models.CategoryScore(categoryScore(result, categoryPerformance)),
		AccessibilityScore: models.CategoryScore(categoryScore(result, categoryAccessibility)),
		BestPracticesScore: models.CategoryScore(categoryScore(result, categoryBestPractices)),
		SeoScore:           models.CategoryScore(categoryScore(result, categorySEO)),
		PwaScore:           models.CategoryScore(categoryScore(result, categoryPWA)),
		Performance:        perf,
	}, nil
}

func categoryScore(result *models.LighthouseResult, id string) *float64 {
	if c, ok := result.Categories[id]; ok {
		return c.Score
	}
	for _, c := range result.Categories {
		if c.ID == id {
			return c.Score
		}
	}
	return nil
}

func timing(result *models.LighthouseResult, id string) (models.TimingMetric, error) {
	audit, ok := result.Audits[id]
	if !ok {
		return models.TimingMetric{}, fmt.Errorf("%w: audit %q missing from report", ErrAuditEngine, id)
	}
	if audit.NumericValue == nil {
		return models.TimingMetric{}, fmt.Errorf("%w: audit %q has no numeric value", ErrAuditEngine, id)
	}
	return models.TimingMetric{
		DisplayValue: audit.DisplayValue,
		NumericValue: *audit.NumericValue,
	}, nil
}
