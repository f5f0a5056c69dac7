// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port      string `mapstructure:"port"`
	AuthToken string `mapstructure:"auth_token"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Chrome     Chrome     `mapstructure:"chrome"`
	Lighthouse Lighthouse `mapstructure:"lighthouse"`
	Audit      Audit      `mapstructure:"audit"`
	Fetch      Fetch      `mapstructure:"fetch"`
	Dump       Dump       `mapstructure:"dump"`
	S3         S3         `mapstructure:"s3"`
	Sentry     Sentry     `mapstructure:"sentry"`
	OTel       OTel       `mapstructure:"otel"`
	Cleanup    Cleanup    `mapstructure:"cleanup"`
}

type Chrome struct {
	Path              string        `mapstructure:"path"`
	RemoteURL         string        `mapstructure:"remote_url"`
	DebugPort         int           `mapstructure:"debug_port"`
	Headless          bool          `mapstructure:"headless"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ScreenshotQuality int           `mapstructure:"screenshot_quality"`
}

type Lighthouse struct {
	Bin            string        `mapstructure:"bin"`
	MaxWaitForLoad time.Duration `mapstructure:"max_wait_for_load"`
}

type Audit struct {
	// Concurrency bounds the measurements of one audit; 0 is unbounded.
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// MaxConcurrent bounds how many audits the HTTP service runs at once.
	MaxConcurrent int64 `mapstructure:"max_concurrent"`
}

type Fetch struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	UserAgent    string        `mapstructure:"user_agent"`
}

type Dump struct {
	Dir string `mapstructure:"dir"`
	S3  bool   `mapstructure:"s3"`
}

type S3 struct {
	ServiceURL            string `mapstructure:"service_url"`
	AccessKey             string `mapstructure:"access_key"`
	SecretKey             string `mapstructure:"secret_key"`
	BucketName            string `mapstructure:"bucket_name"`
	Region                string `mapstructure:"region"`
	DisablePayloadSigning bool   `mapstructure:"disable_payload_signing"`
}

type Sentry struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type OTel struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

type Cleanup struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// envBindings maps config keys to the environment variables they are read
// from.
var envBindings = map[string]string{
	"port":       "PORT",
	"auth_token": "AUTH_TOKEN",
	"log_level":  "LOG_LEVEL",
	"log_format": "LOG_FORMAT",

	"chrome.path":               "CHROME_PATH",
	"chrome.remote_url":         "CHROME_REMOTE_URL",
	"chrome.debug_port":         "CHROME_DEBUG_PORT",
	"chrome.headless":           "CHROME_HEADLESS",
	"chrome.no_sandbox":         "CHROME_NO_SANDBOX",
	"chrome.navigation_timeout": "CHROME_NAVIGATION_TIMEOUT",
	"chrome.screenshot_quality": "CHROME_SCREENSHOT_QUALITY",

	"lighthouse.bin":               "LIGHTHOUSE_BIN",
	"lighthouse.max_wait_for_load": "LIGHTHOUSE_MAX_WAIT_FOR_LOAD",

	"audit.concurrency":    "AUDIT_CONCURRENCY",
	"audit.timeout":        "AUDIT_TIMEOUT",
	"audit.max_concurrent": "MAX_CONCURRENT_AUDITS",

	"fetch.timeout":        "FETCH_TIMEOUT",
	"fetch.max_body_bytes": "FETCH_MAX_BODY_BYTES",
	"fetch.user_agent":     "FETCH_USER_AGENT",

	"dump.dir": "DUMP_DIR",
	"dump.s3":  "DUMP_S3",

	"s3.service_url":             "S3_SERVICE_URL",
	"s3.access_key":              "S3_ACCESS_KEY",
	"s3.secret_key":              "S3_SECRET_KEY",
	"s3.bucket_name":             "S3_BUCKET_NAME",
	"s3.region":                  "S3_REGION",
	"s3.disable_payload_signing": "S3_DISABLE_PAYLOAD_SIGNING",

	"sentry.dsn":         "SENTRY_DSN",
	"sentry.environment": "SENTRY_ENVIRONMENT",

	"otel.endpoint":     "OTEL_EXPORTER_OTLP_ENDPOINT",
	"otel.service_name": "OTEL_SERVICE_NAME",

	"cleanup.interval": "CLEANUP_INTERVAL",
	"cleanup.max_age":  "CLEANUP_MAX_AGE",
}

func Default() Config {
	return Config{
		Port:      "8080",
		LogLevel:  "info",
		LogFormat: "text",
		Chrome: Chrome{
			Headless:          true,
			NavigationTimeout: 60 * time.Second,
			ScreenshotQuality: 90,
		},
		Lighthouse: Lighthouse{
			Bin:            "lighthouse",
			MaxWaitForLoad: 45 * time.Second,
		},
		Audit: Audit{
			Timeout:       5 * time.Minute,
			MaxConcurrent: 2,
		},
		Fetch: Fetch{
			Timeout:      30 * time.Second,
			MaxBodyBytes: 10 << 20,
			UserAgent:    "webvitals/1.0",
		},
		S3: S3{
			BucketName:            "webvitals-results",
			Region:                "us-east-1",
			DisablePayloadSigning: true,
		},
		OTel: OTel{
			ServiceName: "webvitals",
		},
		Cleanup: Cleanup{
			Interval: 5 * time.Minute,
			MaxAge:   5 * time.Minute,
		},
	}
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	d := Default()
	defaults := map[string]any{
		"port":                         d.Port,
		"auth_token":                   d.AuthToken,
		"log_level":                    d.LogLevel,
		"log_format":                   d.LogFormat,
		"chrome.path":                  d.Chrome.Path,
		"chrome.remote_url":            d.Chrome.RemoteURL,
		"chrome.debug_port":            d.Chrome.DebugPort,
		"chrome.headless":              d.Chrome.Headless,
		"chrome.no_sandbox":            d.Chrome.NoSandbox,
		"chrome.navigation_timeout":    d.Chrome.NavigationTimeout,
		"chrome.screenshot_quality":    d.Chrome.ScreenshotQuality,
		"lighthouse.bin":               d.Lighthouse.Bin,
		"lighthouse.max_wait_for_load": d.Lighthouse.MaxWaitForLoad,
		"audit.concurrency":            d.Audit.Concurrency,
		"audit.timeout":                d.Audit.Timeout,
		"audit.max_concurrent":         d.Audit.MaxConcurrent,
		"fetch.timeout":                d.Fetch.Timeout,
		"fetch.max_body_bytes":         d.Fetch.MaxBodyBytes,
		"fetch.user_agent":             d.Fetch.UserAgent,
		"dump.dir":                     d.Dump.Dir,
		"dump.s3":                      d.Dump.S3,
		"s3.service_url":               d.S3.ServiceURL,
		"s3.access_key":                d.S3.AccessKey,
		"s3.secret_key":                d.S3.SecretKey,
		"s3.bucket_name":               d.S3.BucketName,
		"s3.region":                    d.S3.Region,
		"s3.disable_payload_signing":   d.S3.DisablePayloadSigning,
		"sentry.dsn":                   d.Sentry.DSN,
		"sentry.environment":           d.Sentry.Environment,
		"otel.endpoint":                d.OTel.Endpoint,
		"otel.service_name":            d.OTel.ServiceName,
		"cleanup.interval":             d.Cleanup.Interval,
		"cleanup.max_age":              d.Cleanup.MaxAge,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", c.LogFormat)
	}
	if c.Audit.Concurrency < 0 {
		return fmt.Errorf("AUDIT_CONCURRENCY must not be negative, got %d", c.Audit.Concurrency)
	}
	if c.Audit.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_AUDITS must be at least 1, got %d", c.Audit.MaxConcurrent)
	}
	if c.Chrome.DebugPort < 0 || c.Chrome.DebugPort > 65535 {
		return fmt.Errorf("CHROME_DEBUG_PORT out of range: %d", c.Chrome.DebugPort)
	}
	// Each audit launches its own Chrome; a fixed port fits only one.
	if c.Chrome.DebugPort != 0 && c.Chrome.RemoteURL == "" && c.Audit.MaxConcurrent > 1 {
		return fmt.Errorf("CHROME_DEBUG_PORT=%d needs MAX_CONCURRENT_AUDITS=1, got %d (use 0 to pick a free port per audit)", c.Chrome.DebugPort, c.Audit.MaxConcurrent)
	}
	if c.Dump.S3 && c.S3.BucketName == "" {
		return fmt.Errorf("DUMP_S3 needs S3_BUCKET_NAME")
	}
	return nil
}

// NewLogger builds the process logger. Invalid settings fall back to info
// level text output.
func NewLogger(c *Config, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := log.NewWithOptions(w, log.Options{
		Prefix:          "webvitals",
		ReportTimestamp: true,
	})
	if level, err := log.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	}
	return logger
}
