package audit_test

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guillaumesp/webvitals/internal/audit"
	"github.com/guillaumesp/webvitals/internal/browser"
	"github.com/guillaumesp/webvitals/internal/browser/browsertest"
	"github.com/guillaumesp/webvitals/internal/fetch"
	"github.com/guillaumesp/webvitals/internal/lighthouse"
	"github.com/guillaumesp/webvitals/internal/models"
)

type fakeFetcher struct {
	pages map[string]string
	err   error
}

func (f *fakeFetcher) FetchText(ctx context.Context, url string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.pages[url], nil
}

// fakeEngine returns a complete Lighthouse report whose performance score
// depends on the preset.
type fakeEngine struct {
	fail  map[lighthouse.Preset]error
	calls atomic.Int32
}

func (e *fakeEngine) Run(ctx context.Context, _ string, preset lighthouse.Preset, _ browser.Endpoint) (*models.LighthouseResult, []byte, error) {
	e.calls.Add(1)
	if err := e.fail[preset]; err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	perf := 0.5
	if preset == lighthouse.PresetDesktop {
		perf = 0.9
	}
	one := 1.0
	num := func(v float64) *float64 { return &v }
	return &models.LighthouseResult{
		Categories: map[string]models.LighthouseCategory{
			"performance":    {ID: "performance", Score: &perf},
			"accessibility":  {ID: "accessibility", Score: &one},
			"best-practices": {ID: "best-practices", Score: &one},
			"seo":            {ID: "seo", Score: &one},
		},
		Audits: map[string]models.LighthouseAudit{
			"first-contentful-paint":   {ID: "first-contentful-paint", DisplayValue: "1 s", NumericValue: num(1000)},
			"speed-index":              {ID: "speed-index", DisplayValue: "2 s", NumericValue: num(2000)},
			"largest-contentful-paint": {ID: "largest-contentful-paint", DisplayValue: "3 s", NumericValue: num(3000)},
			"interactive":              {ID: "interactive", DisplayValue: "4 s", NumericValue: num(4000)},
			"total-blocking-time":      {ID: "total-blocking-time", DisplayValue: "50 ms", NumericValue: num(50)},
			"cumulative-layout-shift":  {ID: "cumulative-layout-shift", DisplayValue: "0.01", NumericValue: num(0.01)},
		},
	}, []byte(`{}`), nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func newAuditor(engine lighthouse.Engine, fetcher audit.Fetcher, opts ...audit.Option) *audit.Auditor {
	scorer := lighthouse.NewAdapter(engine, lighthouse.WithLogger(quietLogger()))
	return audit.New(scorer, fetcher, append([]audit.Option{audit.WithLogger(quietLogger())}, opts...)...)
}

const pageURL = "https://shop.example.com/"

func TestRun_AssemblesReport(t *testing.T) {
	t.Parallel()

	desktopJPEG := []byte("desktop-jpeg")
	mobileJPEG := []byte("mobile-jpeg")
	var loads atomic.Int32

	sess := &browsertest.Session{
		Metrics: func(context.Context, browser.Viewport) (map[string]float64, error) {
			n := loads.Add(1)
			return map[string]float64{browser.TaskDurationMetric: 0.1 * float64(n)}, nil
		},
		Screenshot: func(_ context.Context, vp browser.Viewport) ([]byte, error) {
			if vp.Width == 1920 {
				return desktopJPEG, nil
			}
			return mobileJPEG, nil
		},
	}
	fetcher := &fakeFetcher{pages: map[string]string{
		pageURL: `<h1>Shop</h1><h3>Deals</h3><img src="/img/banner.png">`,
	}}

	report, err := newAuditor(&fakeEngine{}, fetcher).Run(context.Background(), pageURL, sess)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, pageURL, report.URL)
	assert.Positive(t, report.FirstLoadTimeMs)
	assert.Positive(t, report.SecondLoadTimeMs)
	assert.ElementsMatch(t, []float64{100, 200}, roundAll(report.FirstLoadTimeMs, report.SecondLoadTimeMs))

	assert.Equal(t, base64.StdEncoding.EncodeToString(desktopJPEG), report.DesktopScreenshot)
	assert.Equal(t, base64.StdEncoding.EncodeToString(mobileJPEG), report.MobileScreenshot)

	assert.InDelta(t, 90.0, report.DesktopScoring.PerformanceScore, 1e-9)
	assert.InDelta(t, 50.0, report.MobileScoring.PerformanceScore, 1e-9)
	for _, s := range []models.ScoringResult{report.DesktopScoring, report.MobileScoring} {
		for _, score := range []float64{s.PerformanceScore, s.AccessibilityScore, s.BestPracticesScore, s.SeoScore, s.PwaScore} {
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 100.0)
		}
		assert.Equal(t, 4000.0, s.Performance.TimeToInteractive.NumericValue)
	}

	assert.Equal(t, []string{"Hierarchy issue: H3 follows H1 without an intermediate level."}, report.OutlineIssues.HeadingIssues.Issues())
	assert.Equal(t, []string{"Image with src : hop.example.com/img/banner.png is missing an alt attribute."}, report.OutlineIssues.ImageIssues.Issues())

	// 2 load times + 2 screenshots + 2 scoring passes, each on its own tab.
	assert.Len(t, sess.Pages(), 6)
	assert.Equal(t, 0, sess.OpenPages())
	assert.False(t, sess.Closed(), "the session belongs to the caller")
}

func roundAll(vs ...float64) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = float64(int(v + 0.5))
	}
	return out
}

func TestRun_AllOrNothing(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{pageURL: `<h1>ok</h1>`}}

	tests := []struct {
		name        string
		sess        *browsertest.Session
		engine      *fakeEngine
		fetcher     *fakeFetcher
		measurement []string
		sentinel    error
	}{
		{
			name:        "mobile scoring fails",
			sess:        &browsertest.Session{},
			engine:      &fakeEngine{fail: map[lighthouse.Preset]error{lighthouse.PresetMobile: errors.New("chrome crashed")}},
			fetcher:     fetcher,
			measurement: []string{audit.MeasureMobileScoring},
			sentinel:    lighthouse.ErrAuditEngine,
		},
		{
			name:        "fetch fails",
			sess:        &browsertest.Session{},
			engine:      &fakeEngine{},
			fetcher:     &fakeFetcher{err: fetch.ErrFetch},
			measurement: []string{audit.MeasureOutline},
			sentinel:    fetch.ErrFetch,
		},
		{
			name: "task duration missing",
			sess: &browsertest.Session{
				Metrics: func(context.Context, browser.Viewport) (map[string]float64, error) {
					return map[string]float64{}, nil
				},
			},
			engine:      &fakeEngine{},
			fetcher:     fetcher,
			measurement: []string{audit.MeasureFirstLoad, audit.MeasureSecondLoad},
			sentinel:    browser.ErrMetricUnavailable,
		},
		{
			name: "navigation fails",
			sess: &browsertest.Session{
				Navigate: func(context.Context, browser.Viewport, string) error {
					return errors.New("net::ERR_CONNECTION_REFUSED")
				},
			},
			engine:   &fakeEngine{},
			fetcher:  fetcher,
			sentinel: browser.ErrNavigation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			report, err := newAuditor(tt.engine, tt.fetcher).Run(context.Background(), pageURL, tt.sess)
			require.Error(t, err)
			assert.Nil(t, report)
			assert.ErrorIs(t, err, tt.sentinel)

			var merr *audit.MeasurementError
			require.ErrorAs(t, err, &merr)
			assert.Equal(t, pageURL, merr.URL)
			if tt.measurement != nil {
				assert.Contains(t, tt.measurement, merr.Measurement)
			}
			assert.Contains(t, err.Error(), pageURL)

			assert.Equal(t, 0, tt.sess.OpenPages(), "every tab must be released")
		})
	}
}

func TestRun_Sequential(t *testing.T) {
	t.Parallel()

	sess := &browsertest.Session{}
	fetcher := &fakeFetcher{pages: map[string]string{pageURL: `<h1>ok</h1>`}}

	report, err := newAuditor(&fakeEngine{}, fetcher, audit.WithConcurrency(1)).Run(context.Background(), pageURL, sess)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, sess.PeakOpenPages())
	assert.Len(t, sess.Pages(), 6)
}

func TestRun_Concurrent(t *testing.T) {
	t.Parallel()

	// Four navigating measurements must be in flight together before any of
	// them is allowed to finish.
	const navigating = 4
	var arrived atomic.Int32
	release := make(chan struct{})
	var once sync.Once

	sess := &browsertest.Session{
		Navigate: func(ctx context.Context, _ browser.Viewport, _ string) error {
			if arrived.Add(1) == navigating {
				once.Do(func() { close(release) })
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return errors.New("measurements did not run concurrently")
			}
		},
	}
	fetcher := &fakeFetcher{pages: map[string]string{pageURL: `<h1>ok</h1>`}}

	_, err := newAuditor(&fakeEngine{}, fetcher).Run(context.Background(), pageURL, sess)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sess.PeakOpenPages(), navigating)
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	sess := &browsertest.Session{
		Navigate: func(ctx context.Context, _ browser.Viewport, _ string) error {
			if started.Add(1) == 1 {
				cancel()
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}
	fetcher := &fakeFetcher{pages: map[string]string{pageURL: `<h1>ok</h1>`}}

	report, err := newAuditor(&fakeEngine{}, fetcher).Run(ctx, pageURL, sess)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sess.OpenPages())
}

func TestRun_IndependentRuns(t *testing.T) {
	t.Parallel()

	urls := []string{"https://a.example.com/", "https://b.example.com/"}
	fetcher := &fakeFetcher{pages: map[string]string{
		urls[0]: `<h1>a</h1>`,
		urls[1]: `<h2>b</h2>`,
	}}
	auditor := newAuditor(&fakeEngine{}, fetcher)

	sessions := []*browsertest.Session{{}, {}}
	reports := make([]*models.AuditReport, len(urls))
	errs := make([]error, len(urls))

	var wg sync.WaitGroup
	for i := range urls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = auditor.Run(context.Background(), urls[i], sessions[i])
		}(i)
	}
	wg.Wait()

	for i, u := range urls {
		require.NoError(t, errs[i])
		assert.Equal(t, u, reports[i].URL)
		for _, p := range sessions[i].Pages() {
			for _, visited := range p.Visited() {
				assert.Equal(t, u, visited)
			}
		}
	}
	assert.True(t, reports[0].OutlineIssues.HeadingIssues.Absent())
	assert.Equal(t, []string{"Document has no h1 tag.", "Document does not begin with an h1 tag."}, reports[1].OutlineIssues.HeadingIssues.Issues())
}

func TestRun_RejectsRelativeURL(t *testing.T) {
	t.Parallel()

	sess := &browsertest.Session{}
	_, err := newAuditor(&fakeEngine{}, &fakeFetcher{}).Run(context.Background(), "/relative", sess)
	require.Error(t, err)
	assert.Empty(t, sess.Pages())
}

// overlapEngine delegates to fakeEngine and records concurrent runs.
type overlapEngine struct {
	fakeEngine
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (e *overlapEngine) Run(ctx context.Context, url string, preset lighthouse.Preset, target browser.Endpoint) (*models.LighthouseResult, []byte, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	return e.fakeEngine.Run(ctx, url, preset, target)
}

func TestRun_ScoringRunsDoNotOverlap(t *testing.T) {
	t.Parallel()

	engine := &overlapEngine{}
	sess := &browsertest.Session{}
	fetcher := &fakeFetcher{pages: map[string]string{pageURL: `<h1>ok</h1>`}}

	report, err := newAuditor(engine, fetcher).Run(context.Background(), pageURL, sess)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, int32(2), engine.calls.Load())
	assert.Equal(t, int32(1), engine.peak.Load(), "desktop and mobile scoring share one browser")
	assert.InDelta(t, 90.0, report.DesktopScoring.PerformanceScore, 1e-9)
	assert.InDelta(t, 50.0, report.MobileScoring.PerformanceScore, 1e-9)
}
