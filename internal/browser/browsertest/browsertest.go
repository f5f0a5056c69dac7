// Package browsertest provides an in-memory browser.Session for tests.
package browsertest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/guillaumesp/webvitals/internal/browser"
)

// Session is a fake browser.Session. Behaviour of every page it opens is
// driven by the hook fields; nil hooks succeed.
type Session struct {
	Host string
	Port int

	NewPageErr error

	// Navigate, Metrics and Screenshot receive the page's viewport so tests
	// can tell device classes apart.
	Navigate   func(ctx context.Context, vp browser.Viewport, url string) error
	Metrics    func(ctx context.Context, vp browser.Viewport) (map[string]float64, error)
	Screenshot func(ctx context.Context, vp browser.Viewport) ([]byte, error)

	mu     sync.Mutex
	pages  []*Page
	closed bool

	open atomic.Int64
	peak atomic.Int64
}

var _ browser.Session = (*Session)(nil)

func (s *Session) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.NewPageErr != nil {
		return nil, s.NewPageErr
	}

	p := &Page{session: s}
	s.mu.Lock()
	s.pages = append(s.pages, p)
	s.mu.Unlock()

	n := s.open.Add(1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return p, nil
}

func (s *Session) Endpoint() browser.Endpoint {
	host := s.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := s.Port
	if port == 0 {
		port = 9222
	}
	return browser.Endpoint{Host: host, Port: port}
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Pages returns every page opened so far.
func (s *Session) Pages() []*Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Page(nil), s.pages...)
}

// OpenPages is the number of pages not yet closed.
func (s *Session) OpenPages() int {
	return int(s.open.Load())
}

// PeakOpenPages is the highest number of simultaneously open pages.
func (s *Session) PeakOpenPages() int {
	return int(s.peak.Load())
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Page is a fake browser.Page.
type Page struct {
	session *Session

	mu       sync.Mutex
	viewport browser.Viewport
	visited  []string
	closed   bool
}

var _ browser.Page = (*Page)(nil)

func (p *Page) SetViewport(_ context.Context, v browser.Viewport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport = v
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.visited = append(p.visited, url)
	vp := p.viewport
	p.mu.Unlock()

	if p.session.Navigate != nil {
		return p.session.Navigate(ctx, vp, url)
	}
	return ctx.Err()
}

func (p *Page) Metrics(ctx context.Context) (map[string]float64, error) {
	if p.session.Metrics != nil {
		return p.session.Metrics(ctx, p.Viewport())
	}
	return map[string]float64{browser.TaskDurationMetric: 0.25}, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if p.session.Screenshot != nil {
		return p.session.Screenshot(ctx, p.Viewport())
	}
	return []byte{0xff, 0xd8, 0xff, 0xd9}, nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.session.open.Add(-1)
	return nil
}

func (p *Page) Viewport() browser.Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

func (p *Page) Visited() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visited...)
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
