// Package fetch retrieves raw page HTML outside the browser.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ErrFetch = errors.New("fetch failed")

// Config holds settings for the HTML client.
type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

type Client struct {
	http         *http.Client
	maxBodyBytes int64
	userAgent    string
}

// New returns a client whose transport is traced with otelhttp. Failed
// requests are never retried.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 10 << 20
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.Timeout,
		},
		maxBodyBytes: cfg.MaxBodyBytes,
		userAgent:    cfg.UserAgent,
	}
}

// FetchText GETs url and returns its body. Non-2xx responses and bodies
// larger than the configured limit are errors.
func (c *Client) FetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrFetch, url, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrFetch, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s: unexpected status %s", ErrFetch, url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: %s: read body: %w", ErrFetch, url, err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return "", fmt.Errorf("%w: %s: body exceeds %d bytes", ErrFetch, url, c.maxBodyBytes)
	}
	return string(body), nil
}
