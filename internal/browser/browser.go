// Package browser provisions device-sized browser tabs on a shared session and
// takes load-time and screenshot measurements with them.
package browser

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidDeviceClass = errors.New("invalid device class")
	ErrMetricUnavailable  = errors.New("metric unavailable")
	ErrNavigation         = errors.New("navigation failed")
)

type DeviceClass string

const (
	Desktop DeviceClass = "desktop"
	Mobile  DeviceClass = "mobile"
)

// DeviceClasses lists every supported class, desktop first.
var DeviceClasses = []DeviceClass{Desktop, Mobile}

func ParseDeviceClass(s string) (DeviceClass, error) {
	class := DeviceClass(s)
	if _, err := ViewportFor(class); err != nil {
		return "", err
	}
	return class, nil
}

type Viewport struct {
	Width  int
	Height int
}

// ViewportFor returns the fixed viewport of a device class.
func ViewportFor(class DeviceClass) (Viewport, error) {
	switch class {
	case Desktop:
		return Viewport{Width: 1920, Height: 1080}, nil
	case Mobile:
		return Viewport{Width: 1080, Height: 2400}, nil
	default:
		return Viewport{}, fmt.Errorf("%w: %q", ErrInvalidDeviceClass, string(class))
	}
}

// Endpoint is where the session's DevTools protocol can be reached by other
// tools.
type Endpoint struct {
	Host string
	Port int
}

// Session is a running browser. It is owned by whoever opened it; audits only
// borrow it.
type Session interface {
	// NewPage opens a new, isolated tab. The caller must Close it.
	NewPage(ctx context.Context) (Page, error)
	Endpoint() Endpoint
	Close() error
}

// Page is a single browser tab.
type Page interface {
	SetViewport(ctx context.Context, v Viewport) error
	// Navigate returns once the page's load event fired.
	Navigate(ctx context.Context, url string) error
	// Metrics returns the engine's performance counters by name.
	Metrics(ctx context.Context) (map[string]float64, error)
	// Screenshot captures the full page as JPEG.
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// GetContext opens a fresh tab on sess sized for class. Nothing is cached:
// every call allocates a new tab which the caller must close.
func GetContext(ctx context.Context, class DeviceClass, sess Session) (Page, error) {
	viewport, err := ViewportFor(class)
	if err != nil {
		return nil, err
	}

	page, err := sess.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s page: %w", class, err)
	}

	if err := page.SetViewport(ctx, viewport); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("set %s viewport: %w", class, err)
	}

	return page, nil
}
