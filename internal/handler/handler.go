package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/semaphore"

	"github.com/guillaumesp/webvitals/internal/browser"
	"github.com/guillaumesp/webvitals/internal/dump"
	"github.com/guillaumesp/webvitals/internal/models"
	"github.com/guillaumesp/webvitals/internal/storage"
)

// SessionOpener starts a browser session for one audit.
type SessionOpener interface {
	Open(ctx context.Context) (browser.Session, error)
}

type Auditor interface {
	Run(ctx context.Context, pageURL string, sess browser.Session) (*models.AuditReport, error)
}

// DumpStore serves and removes raw Lighthouse dumps.
type DumpStore interface {
	GetFile(ctx context.Context, key string) (*storage.Object, error)
	DeleteFile(ctx context.Context, key string) error
}

type Options struct {
	// MaxConcurrent bounds how many audits run at once. Defaults to 1.
	MaxConcurrent int64
	// Timeout bounds one audit, session startup included. 0 disables it.
	Timeout   time.Duration
	AuthToken string
	// Dumps enables the dump routes when set.
	Dumps  DumpStore
	Logger *log.Logger
}

type Handler struct {
	opener    SessionOpener
	auditor   Auditor
	slots     *semaphore.Weighted
	timeout   time.Duration
	authToken string
	dumps     DumpStore
	logger    *log.Logger
}

func NewHandler(opener SessionOpener, auditor Auditor, opts Options) *Handler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Handler{
		opener:    opener,
		auditor:   auditor,
		slots:     semaphore.NewWeighted(opts.MaxConcurrent),
		timeout:   opts.Timeout,
		authToken: opts.AuthToken,
		dumps:     opts.Dumps,
		logger:    opts.Logger,
	}
}

// Register adds the service routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.HandleAudit)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	if h.dumps != nil {
		mux.HandleFunc("GET /dumps/{key...}", h.HandleGetDump)
		mux.HandleFunc("DELETE /dumps/{key...}", h.HandleDeleteDump)
	}
}

func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" && r.URL.Path != "/healthz" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") || authHeader[7:] != h.authToken {
				renderError(w, "Unauthorized", nil, http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	pageURL, msg := auditTarget(r.URL.Query())
	if msg != "" {
		renderError(w, msg, nil, http.StatusBadRequest)
		return
	}

	if err := h.slots.Acquire(r.Context(), 1); err != nil {
		renderError(w, "Too many audits in progress", strPtr(err.Error()), http.StatusServiceUnavailable)
		return
	}
	defer h.slots.Release(1)

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	sess, err := h.opener.Open(ctx)
	if err != nil {
		h.fail(w, r, pageURL, "Failed to start browser", err)
		return
	}
	defer func() {
		if err := sess.Close(); err != nil {
			h.logger.Warn("failed to close browser session", "url", pageURL, "error", err)
		}
	}()

	report, err := h.auditor.Run(ctx, pageURL, sess)
	if err != nil {
		h.fail(w, r, pageURL, "Failed to audit page", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Warn("failed to write report", "url", pageURL, "error", err)
	}
}

func (h *Handler) HandleGetDump(w http.ResponseWriter, r *http.Request) {
	key, ok := dumpKey(r)
	if !ok {
		renderError(w, "Invalid key", nil, http.StatusBadRequest)
		return
	}

	obj, err := h.dumps.GetFile(r.Context(), key)
	if err != nil {
		h.logger.Debug("dump lookup failed", "key", key, "error", err)
		http.NotFound(w, r)
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=604800")
	if obj.ETag != nil {
		w.Header().Set("ETag", *obj.ETag)
	}
	if obj.LastModified != nil {
		w.Header().Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	}

	if _, err := io.Copy(w, obj.Body); err != nil {
		h.logger.Warn("failed to stream dump", "key", key, "error", err)
	}
}

func (h *Handler) HandleDeleteDump(w http.ResponseWriter, r *http.Request) {
	key, ok := dumpKey(r)
	if !ok {
		renderError(w, "Invalid key", nil, http.StatusBadRequest)
		return
	}

	if err := h.dumps.DeleteFile(r.Context(), key); err != nil {
		renderError(w, "Failed to delete dump", strPtr(err.Error()), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, pageURL, msg string, err error) {
	h.logger.Error(msg, "url", pageURL, "error", err)
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("page_url", pageURL)
			hub.CaptureException(err)
		})
	}
	renderError(w, msg, strPtr(err.Error()), http.StatusInternalServerError)
}

// auditTarget extracts the page to audit from the query. It returns a
// client-facing message when the query is unusable.
func auditTarget(q url.Values) (string, string) {
	values, ok := q["url"]
	switch {
	case !ok:
		return "", "Missing url query parameter"
	case len(values) > 1:
		return "", "The url query parameter must be given exactly once"
	}

	raw := strings.TrimSpace(values[0])
	if raw == "" {
		return "", "The url query parameter must not be empty"
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Sprintf("Invalid URL: %s", raw)
	}
	return raw, ""
}

func dumpKey(r *http.Request) (string, bool) {
	key := r.PathValue("key")
	if key == "" || strings.Contains(key, "..") || strings.Contains(key, "\\") || strings.HasPrefix(key, "/") {
		return "", false
	}
	return dump.Prefix + key, true
}

func renderError(w http.ResponseWriter, msg string, details *string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{
		Error:   msg,
		Details: details,
	})
}

func strPtr(v string) *string {
	return &v
}
