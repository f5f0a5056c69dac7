// Package dump keeps the raw Lighthouse JSON of every scoring run for later
// inspection.
package dump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/guillaumesp/webvitals/internal/browser"
)

// Key names a dump: <host>/<YYYYMMDDTHHMMSSZ>-<path slug>-<class>.json.
func Key(pageURL string, class browser.DeviceClass, at time.Time) string {
	host, slug := "unknown", "root"
	if u, err := url.Parse(pageURL); err == nil && u.Host != "" {
		host = sanitize(u.Host)
		if s := sanitize(strings.Trim(u.Path, "/")); s != "" {
			slug = s
		}
	}
	return path.Join(host, fmt.Sprintf("%s-%s-%s.json", at.UTC().Format("20060102T150405Z"), slug, class))
}

// sanitize keeps letters, digits, dots and dashes; anything else becomes a
// dash. Runs of dashes are collapsed.
func sanitize(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.Trim(b.String(), "-.")
}

// Dir writes dumps below a local directory.
type Dir struct {
	Path string
	Now  func() time.Time
}

func (d *Dir) Dump(ctx context.Context, pageURL string, class browser.DeviceClass, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := filepath.Join(d.Path, filepath.FromSlash(Key(pageURL, class, now(d.Now))))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dump dir: %w", err)
	}
	if err := os.WriteFile(target, raw, 0o644); err != nil {
		return fmt.Errorf("write dump: %w", err)
	}
	return nil
}

// Uploader is the part of storage.Service a Bucket needs.
type Uploader interface {
	UploadStream(ctx context.Context, key string, stream io.Reader, contentType string) error
}

// Prefix is prepended to every key a Bucket writes.
const Prefix = "lighthouse/"

// Bucket uploads dumps to object storage.
type Bucket struct {
	Storage Uploader
	Now     func() time.Time
}

func (b *Bucket) Dump(ctx context.Context, pageURL string, class browser.DeviceClass, raw []byte) error {
	key := Prefix + Key(pageURL, class, now(b.Now))
	return b.Storage.UploadStream(ctx, key, bytes.NewReader(raw), "application/json")
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn()
	}
	return time.Now()
}

type Dumper interface {
	Dump(ctx context.Context, pageURL string, class browser.DeviceClass, raw []byte) error
}

// Multi hands every dump to each of its targets and joins their errors.
type Multi []Dumper

func (m Multi) Dump(ctx context.Context, pageURL string, class browser.DeviceClass, raw []byte) error {
	var errs []error
	for _, d := range m {
		errs = append(errs, d.Dump(ctx, pageURL, class, raw))
	}
	return errors.Join(errs...)
}
