// Agentflow runs the task pipeline daemon.
//
// The daemon accepts task submissions over HTTP, schedules them by priority,
// drives each task through its stage pipeline and publishes progress to the
// status API and, when enabled, to NATS and a SQLite history store.
//
// Usage:
//
//	# Start with the default config file
//	agentflow serve
//
//	# Answer every stage in-process, for local trials
//	agentflow serve --simulate --simulate-delay 500ms
//
//	# Override settings via environment
//	AGENTFLOW_SERVER_HTTP_PORT=8080 agentflow serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentflow",
		Short: "Priority-scheduled task pipelines with live progress",
		Long: `agentflow drives tasks through an ordered pipeline of stages
(requirements, design, implementation, testing, review), with pause, resume
and cancel at stage boundaries and a consolidated progress view.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agentflow by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
