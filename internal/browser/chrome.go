package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"
)

// LaunchOptions configures how a Chrome session is started or attached to.
type LaunchOptions struct {
	// ExecPath is the Chrome binary. Empty lets chromedp look it up.
	ExecPath string
	// RemoteURL attaches to an already running Chrome (ws:// or http://)
	// instead of launching one.
	RemoteURL string
	// DebugPort is the remote debugging port of a launched Chrome. Zero picks
	// a free port.
	DebugPort int
	Headless  bool
	NoSandbox bool
	// NavigationTimeout bounds each page load. Zero means no bound.
	NavigationTimeout time.Duration
	// ScreenshotQuality is the JPEG quality, 1-99.
	ScreenshotQuality int
}

// Launcher opens chromedp backed sessions.
type Launcher struct {
	opts   LaunchOptions
	logger *log.Logger
}

func NewLauncher(opts LaunchOptions, logger *log.Logger) *Launcher {
	if opts.ScreenshotQuality <= 0 || opts.ScreenshotQuality >= 100 {
		opts.ScreenshotQuality = 90
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Launcher{opts: opts, logger: logger}
}

// Open starts (or attaches to) a browser. ctx only bounds the startup; the
// session lives until Close.
func (l *Launcher) Open(ctx context.Context) (Session, error) {
	base := context.WithoutCancel(ctx)

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
		endpoint    Endpoint
	)

	if l.opts.RemoteURL != "" {
		ep, err := endpointFromURL(l.opts.RemoteURL)
		if err != nil {
			return nil, err
		}
		endpoint = ep
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(base, l.opts.RemoteURL)
	} else {
		port := l.opts.DebugPort
		if port == 0 {
			p, err := freePort()
			if err != nil {
				return nil, fmt.Errorf("pick debugging port: %w", err)
			}
			port = p
		}
		endpoint = Endpoint{Host: "127.0.0.1", Port: port}

		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", l.opts.Headless),
			chromedp.Flag("enable-automation", false),
			chromedp.Flag("remote-debugging-port", strconv.Itoa(port)),
		)
		if l.opts.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
		}
		if l.opts.NoSandbox {
			opts = append(opts, chromedp.NoSandbox)
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(base, opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(l.logger.Debugf),
		chromedp.WithErrorf(l.logger.Debugf),
	)

	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("start browser: %w", ctx.Err())
		}
		return nil, fmt.Errorf("start browser: %w", err)
	}

	l.logger.Debug("browser session opened", "host", endpoint.Host, "port", endpoint.Port)

	return &chromeSession{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		endpoint:    endpoint,
		opts:        l.opts,
	}, nil
}

type chromeSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	endpoint    Endpoint
	opts        LaunchOptions

	closeOnce sync.Once
}

func (s *chromeSession) NewPage(ctx context.Context) (Page, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("session closed: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(s.ctx)
	page := &chromePage{ctx: tabCtx, cancel: tabCancel, opts: s.opts}

	// The first Run creates the target; counters must be on before the page
	// loads.
	if err := page.run(ctx, performance.Enable()); err != nil {
		tabCancel()
		return nil, err
	}
	return page, nil
}

func (s *chromeSession) Endpoint() Endpoint {
	return s.endpoint
}

func (s *chromeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Cancel closes the browser gracefully; the allocator then kills the
		// process and removes its user data dir.
		if cerr := chromedp.Cancel(s.ctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = cerr
		}
		s.cancel()
		s.allocCancel()
	})
	return err
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   LaunchOptions
}

// run executes actions on the tab. Cancelling ctx closes the tab.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()
	return chromedp.Run(p.ctx, actions...)
}

func (p *chromePage) SetViewport(ctx context.Context, v Viewport) error {
	return p.run(ctx, chromedp.EmulateViewport(int64(v.Width), int64(v.Height)))
}

func (p *chromePage) Navigate(ctx context.Context, u string) error {
	if p.opts.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.NavigationTimeout)
		defer cancel()
	}
	return p.run(ctx, chromedp.Navigate(u))
}

func (p *chromePage) Metrics(ctx context.Context) (map[string]float64, error) {
	metrics := make(map[string]float64)
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		list, err := performance.GetMetrics().Do(ctx)
		if err != nil {
			return err
		}
		for _, m := range list {
			metrics[m.Name] = m.Value
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, p.opts.ScreenshotQuality)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromePage) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func endpointFromURL(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse remote browser url: %w", err)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parse remote browser port: %w", err)
		}
	} else {
		switch u.Scheme {
		case "wss", "https":
			port = 443
		default:
			port = 80
		}
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("remote browser url %q has no host", raw)
	}
	return Endpoint{Host: u.Hostname(), Port: port}, nil
}
