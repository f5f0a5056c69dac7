// Package cleanup removes browser profile directories that crashed or killed
// Chrome processes leave behind in the temp directory.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Prefixes of the temp directories Chrome and chromedp create per browser.
var prefixes = []string{
	".org.chromium.Chromium.",
	"chromedp-runner",
}

type Options struct {
	// Dir defaults to os.TempDir().
	Dir      string
	Interval time.Duration
	MaxAge   time.Duration
}

// Start sweeps once immediately and then every Interval until ctx is done.
func Start(ctx context.Context, opts Options, logger *log.Logger) {
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 5 * time.Minute
	}

	logger.Info("chromium temp file cleanup scheduled", "dir", opts.Dir, "interval", opts.Interval, "max_age", opts.MaxAge)
	Sweep(opts.Dir, opts.MaxAge, time.Now(), logger)

	ticker := time.NewTicker(opts.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				Sweep(opts.Dir, opts.MaxAge, now, logger)
			}
		}
	}()
}

// Sweep removes matching directories in dir last modified more than maxAge
// before now. It returns the number removed.
func Sweep(dir string, maxAge time.Duration, now time.Time, logger *log.Logger) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("failed to read temp dir for cleanup", "dir", dir, "error", err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !hasPrefix(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		age := now.Sub(info.ModTime())
		if age <= maxAge {
			continue
		}
		fullPath := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(fullPath); err != nil {
			logger.Warn("failed to clean up", "path", fullPath, "error", err)
			continue
		}
		removed++
		logger.Debug("cleaned up chromium temp directory", "path", fullPath, "age", age.Round(time.Second))
	}
	return removed
}

func hasPrefix(name string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
