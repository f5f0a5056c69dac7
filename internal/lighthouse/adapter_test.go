package lighthouse

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guillaumesp/webvitals/internal/browser"
	"github.com/guillaumesp/webvitals/internal/browser/browsertest"
	"github.com/guillaumesp/webvitals/internal/models"
)

type fakeEngine struct {
	mu      sync.Mutex
	calls   []Preset
	targets []browser.Endpoint
	result  func() (*models.LighthouseResult, []byte, error)
}

func (f *fakeEngine) Run(_ context.Context, _ string, preset Preset, target browser.Endpoint) (*models.LighthouseResult, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, preset)
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	return f.result()
}

type recordingDumper struct {
	classes []browser.DeviceClass
	err     error
}

func (d *recordingDumper) Dump(_ context.Context, _ string, class browser.DeviceClass, _ []byte) error {
	d.classes = append(d.classes, class)
	return d.err
}

func loadFixture(t *testing.T) ([]byte, *models.LighthouseResult) {
	t.Helper()
	raw, err := os.ReadFile("testdata/desktop.json")
	require.NoError(t, err)
	var result models.LighthouseResult
	require.NoError(t, json.Unmarshal(raw, &result))
	return raw, &result
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	_, result := loadFixture(t)

	got, err := Normalize(result)
	require.NoError(t, err)

	perf, a11y := 0.873, 0.91
	assert.Equal(t, perf*100, got.PerformanceScore)
	assert.InDelta(t, 87.3, got.PerformanceScore, 1e-9)
	assert.Equal(t, a11y*100, got.AccessibilityScore)
	assert.Equal(t, 100.0, got.BestPracticesScore)
	assert.Equal(t, 0.0, got.SeoScore, "null score maps to 0")
	assert.Equal(t, 0.0, got.PwaScore, "absent category maps to 0")

	assert.Equal(t, models.TimingMetric{DisplayValue: "0.4 s", NumericValue: 412.5}, got.Performance.FirstContentfulPaint)
	assert.Equal(t, models.TimingMetric{DisplayValue: "0.7 s", NumericValue: 688.1}, got.Performance.SpeedIndex)
	assert.Equal(t, models.TimingMetric{DisplayValue: "0.9 s", NumericValue: 903.2}, got.Performance.LargestContentfulPaint)
	assert.Equal(t, models.TimingMetric{DisplayValue: "1.0 s", NumericValue: 1002}, got.Performance.TimeToInteractive)
	assert.Equal(t, models.TimingMetric{DisplayValue: "0 ms", NumericValue: 0}, got.Performance.TotalBlockingTime)
	assert.Equal(t, models.TimingMetric{DisplayValue: "0.082", NumericValue: 0.0821}, got.Performance.CumulativeLayoutShift)
}

func TestNormalize_MissingTimingAudit(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"first-contentful-paint", "speed-index", "largest-contentful-paint", "interactive", "total-blocking-time", "cumulative-layout-shift"} {
		t.Run(id, func(t *testing.T) {
			t.Parallel()
			_, result := loadFixture(t)
			delete(result.Audits, id)

			_, err := Normalize(result)
			require.ErrorIs(t, err, ErrAuditEngine)
			assert.Contains(t, err.Error(), id)
		})
	}
}

func TestNormalize_NoNumericValue(t *testing.T) {
	t.Parallel()

	_, result := loadFixture(t)
	audit := result.Audits["interactive"]
	audit.NumericValue = nil
	result.Audits["interactive"] = audit

	_, err := Normalize(result)
	assert.ErrorIs(t, err, ErrAuditEngine)
}

func TestNormalize_RuntimeError(t *testing.T) {
	t.Parallel()

	_, result := loadFixture(t)
	result.RuntimeError = &models.LighthouseRuntimeError{Code: "NO_FCP", Message: "The page did not paint any content."}

	_, err := Normalize(result)
	require.ErrorIs(t, err, ErrAuditEngine)
	assert.Contains(t, err.Error(), "NO_FCP")

	_, err = Normalize(nil)
	assert.ErrorIs(t, err, ErrAuditEngine)
}

func TestNormalize_CategoryMatchedByID(t *testing.T) {
	t.Parallel()

	_, result := loadFixture(t)
	score := 0.5
	result.Categories["progressive-web-app"] = models.LighthouseCategory{ID: "pwa", Score: &score}

	got, err := Normalize(result)
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.PwaScore)
}

func TestAdapterScore(t *testing.T) {
	t.Parallel()

	raw, result := loadFixture(t)

	t.Run("presets per device class", func(t *testing.T) {
		engine := &fakeEngine{result: func() (*models.LighthouseResult, []byte, error) { return result, raw, nil }}
		dumper := &recordingDumper{}
		sess := &browsertest.Session{Port: 9333}
		a := NewAdapter(engine, WithDumper(dumper))

		desktop, err := a.Score(context.Background(), sess, "https://example.com/", browser.Desktop)
		require.NoError(t, err)
		assert.InDelta(t, 87.3, desktop.PerformanceScore, 1e-9)

		_, err = a.Score(context.Background(), sess, "https://example.com/", browser.Mobile)
		require.NoError(t, err)

		assert.Equal(t, []Preset{PresetDesktop, PresetMobile}, engine.calls)
		assert.Equal(t, 9333, engine.targets[0].Port)
		assert.Equal(t, []browser.DeviceClass{browser.Desktop, browser.Mobile}, dumper.classes)

		pages := sess.Pages()
		require.Len(t, pages, 2)
		assert.Equal(t, browser.Viewport{Width: 1920, Height: 1080}, pages[0].Viewport())
		assert.Equal(t, browser.Viewport{Width: 1080, Height: 2400}, pages[1].Viewport())
		assert.Equal(t, 0, sess.OpenPages())
	})

	t.Run("engine returned nothing", func(t *testing.T) {
		engine := &fakeEngine{result: func() (*models.LighthouseResult, []byte, error) { return nil, nil, nil }}
		sess := &browsertest.Session{}
		_, err := NewAdapter(engine).Score(context.Background(), sess, "https://example.com/", browser.Desktop)
		require.ErrorIs(t, err, ErrAuditEngine)
		assert.Equal(t, 0, sess.OpenPages())
	})

	t.Run("engine error", func(t *testing.T) {
		engine := &fakeEngine{result: func() (*models.LighthouseResult, []byte, error) { return nil, nil, errors.New("exit status 1") }}
		_, err := NewAdapter(engine).Score(context.Background(), &browsertest.Session{}, "https://example.com/", browser.Mobile)
		assert.ErrorIs(t, err, ErrAuditEngine)
	})

	t.Run("missing interactive audit", func(t *testing.T) {
		_, broken := loadFixture(t)
		delete(broken.Audits, "interactive")
		engine := &fakeEngine{result: func() (*models.LighthouseResult, []byte, error) { return broken, nil, nil }}
		_, err := NewAdapter(engine).Score(context.Background(), &browsertest.Session{}, "https://example.com/", browser.Desktop)
		assert.ErrorIs(t, err, ErrAuditEngine)
	})

	t.Run("dump failure does not fail the audit", func(t *testing.T) {
		engine := &fakeEngine{result: func() (*models.LighthouseResult, []byte, error) { return result, raw, nil }}
		dumper := &recordingDumper{err: errors.New("bucket gone")}
		_, err := NewAdapter(engine, WithDumper(dumper)).Score(context.Background(), &browsertest.Session{}, "https://example.com/", browser.Desktop)
		require.NoError(t, err)
		assert.Len(t, dumper.classes, 1)
	})

	t.Run("invalid class", func(t *testing.T) {
		engine := &fakeEngine{result: func() (*models.LighthouseResult, []byte, error) { return result, raw, nil }}
		sess := &browsertest.Session{}
		_, err := NewAdapter(engine).Score(context.Background(), sess, "https://example.com/", "tv")
		require.ErrorIs(t, err, browser.ErrInvalidDeviceClass)
		assert.Empty(t, engine.calls)
		assert.Empty(t, sess.Pages())
	})
}

// trackingEngine records how many runs are in flight at once.
type trackingEngine struct {
	result   *models.LighthouseResult
	hold     time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	// started, when set, receives one value per run once it is in flight.
	started chan struct{}
	// gate, when set, blocks every run until it is closed.
	gate chan struct{}
}

func (e *trackingEngine) Run(ctx context.Context, _ string, _ Preset, _ browser.Endpoint) (*models.LighthouseResult, []byte, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	time.Sleep(e.hold)
	return e.result, nil, nil
}

func TestAdapterScore_SerialisesRunsPerBrowser(t *testing.T) {
	t.Parallel()

	_, result := loadFixture(t)
	engine := &trackingEngine{result: result, hold: 50 * time.Millisecond}
	a := NewAdapter(engine)
	sess := &browsertest.Session{}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			class := browser.Desktop
			if i%2 == 1 {
				class = browser.Mobile
			}
			_, errs[i] = a.Score(context.Background(), sess, "https://example.com/", class)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), engine.peak.Load(), "engine runs against one browser never overlap")
	assert.Equal(t, 0, sess.OpenPages())
	assert.Empty(t, a.locks.locks, "locks are dropped once released")
}

func TestAdapterScore_SeparateBrowsersRunConcurrently(t *testing.T) {
	t.Parallel()

	_, result := loadFixture(t)
	engine := &trackingEngine{result: result, started: make(chan struct{}, 2), gate: make(chan struct{})}
	a := NewAdapter(engine)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, port := range []int{9222, 9223} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Score(ctx, &browsertest.Session{Port: port}, "https://example.com/", browser.Desktop)
			assert.NoError(t, err)
		}()
	}

	for range 2 {
		select {
		case <-engine.started:
		case <-ctx.Done():
			t.Fatal("runs against different browsers were serialised")
		}
	}
	close(engine.gate)
	wg.Wait()
	assert.Equal(t, int32(2), engine.peak.Load())
}

func TestAdapterScore_CancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	_, result := loadFixture(t)
	engine := &trackingEngine{result: result, started: make(chan struct{}, 1), gate: make(chan struct{})}
	a := NewAdapter(engine)
	sess := &browsertest.Session{}

	done := make(chan error, 1)
	go func() {
		_, err := a.Score(context.Background(), sess, "https://example.com/", browser.Desktop)
		done <- err
	}()
	<-engine.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Score(ctx, sess, "https://example.com/", browser.Mobile)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(engine.gate)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), engine.peak.Load())
	assert.Equal(t, 0, sess.OpenPages())
}
