package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "webvitals",
		Short: "Audit web pages for load time, outline, Lighthouse scores and screenshots",
		Long: `webvitals opens a browser, measures a page twice, checks its heading and
image outline, scores it with Lighthouse on desktop and mobile and captures
a screenshot of each viewport.

Settings come from the same environment variables as the HTTP service
(CHROME_PATH, LIGHTHOUSE_BIN, DUMP_DIR, ...).`,
		SilenceUsage: true,
	}
	root.AddCommand(newAuditCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

func versionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s)", Version, Commit)
}

func Execute() {
	if err := fang.Execute(
		context.Background(),
		newRootCmd(),
		fang.WithVersion(versionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
