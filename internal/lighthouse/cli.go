package lighthouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/guillaumesp/webvitals/internal/browser"
	"github.com/guillaumesp/webvitals/internal/models"
)

// maxStderr caps how much of the CLI's stderr ends up in an error.
const maxStderr = 2048

// CLI runs the lighthouse command line tool against an existing browser.
type CLI struct {
	Bin            string
	MaxWaitForLoad time.Duration
	Logger         *log.Logger
}

var _ Engine = (*CLI)(nil)

func (c *CLI) Run(ctx context.Context, url string, preset Preset, target browser.Endpoint) (*models.LighthouseResult, []byte, error) {
	bin := c.Bin
	if bin == "" {
		bin = "lighthouse"
	}

	cmd := exec.CommandContext(ctx, bin, c.args(url, preset, target)...)

	var stdout bytes.Buffer
	var stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if c.Logger != nil {
			c.Logger.Debug("lighthouse failed", "url", url, "stderr", stderr.String())
		}
		return nil, nil, fmt.Errorf("run %s: %w: %s", bin, err, tail(stderr.String(), maxStderr))
	}
	if c.Logger != nil {
		c.Logger.Debug("lighthouse completed", "url", url, "preset", preset, "duration", time.Since(start))
	}

	raw := bytes.TrimSpace(stdout.Bytes())
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil, nil
	}

	var result models.LighthouseResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, nil, fmt.Errorf("parse lighthouse report: %w", err)
	}
	return &result, raw, nil
}

func (c *CLI) args(url string, preset Preset, target browser.Endpoint) []string {
	args := []string{
		url,
		"--output=json",
		"--output-path=stdout",
		"--quiet",
		"--hostname=" + target.Host,
		"--port=" + strconv.Itoa(target.Port),
	}
	if preset != PresetMobile {
		args = append(args, "--preset="+string(preset))
	}
	if c.MaxWaitForLoad > 0 {
		args = append(args, "--max-wait-for-load="+strconv.FormatInt(c.MaxWaitForLoad.Milliseconds(), 10))
	}
	return args
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
