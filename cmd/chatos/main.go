// Package main is the chatos server CLI.
//
// Start the server:
//
//	chatos serve
//	chatos serve --catalog catalog.yaml
//
// Configuration comes from the environment (PORT, HOST, DATABASE_URL,
// OPENAI_API_KEY, CORS_ORIGINS, SUMMARY_*, SESSION_SUMMARY_JOB_*,
// SUB_AGENT_ROUTER_STATE_ROOT, ...); see internal/config.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "chatos",
		Short:        "chatos - multi-tenant chat orchestration server",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}
