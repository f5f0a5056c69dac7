package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
)

// TaskDurationMetric is the engine's cumulative task time, reported in
// seconds.
const TaskDurationMetric = "TaskDuration"

// MeasureLoadTime loads url in a fresh tab and returns the time the renderer
// spent on tasks, in milliseconds.
func MeasureLoadTime(ctx context.Context, sess Session, url string, class DeviceClass) (float64, error) {
	return withPage(ctx, sess, class, func(page Page) (float64, error) {
		if err := navigate(ctx, page, url); err != nil {
			return 0, err
		}

		metrics, err := page.Metrics(ctx)
		if err != nil {
			return 0, fmt.Errorf("read metrics for %s: %w", url, err)
		}

		seconds, ok := metrics[TaskDurationMetric]
		if !ok {
			return 0, fmt.Errorf("%w: %s not reported for %s", ErrMetricUnavailable, TaskDurationMetric, url)
		}
		return seconds * 1000, nil
	})
}

// CaptureScreenshot loads url in a fresh tab and returns a base64 encoded
// full page JPEG.
func CaptureScreenshot(ctx context.Context, sess Session, url string, class DeviceClass) (string, error) {
	return withPage(ctx, sess, class, func(page Page) (string, error) {
		if err := navigate(ctx, page, url); err != nil {
			return "", err
		}

		buf, err := page.Screenshot(ctx)
		if err != nil {
			return "", fmt.Errorf("capture %s screenshot of %s: %w", class, url, err)
		}
		if len(buf) == 0 {
			return "", fmt.Errorf("capture %s screenshot of %s: empty image", class, url)
		}
		return base64.StdEncoding.EncodeToString(buf), nil
	})
}

func withPage[T any](ctx context.Context, sess Session, class DeviceClass, fn func(Page) (T, error)) (result T, err error) {
	page, err := GetContext(ctx, class, sess)
	if err != nil {
		return result, err
	}
	defer func() {
		err = errors.Join(err, closeErr(page.Close()))
	}()

	return fn(page)
}

func navigate(ctx context.Context, page Page, url string) error {
	if err := page.Navigate(ctx, url); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %w", ErrNavigation, url, err)
	}
	return nil
}

func closeErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("close page: %w", err)
}
