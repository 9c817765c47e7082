// Package cmd implements the ugbridge command line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entry point when the application is called without any
// subcommands.
var rootCmd = &cobra.Command{
	Use:   "ugbridge",
	Short: "Expose the UG Office back-office as an MCP tool surface",
	Long: `ugbridge bridges the UG Office sportsbook back-office API to MCP
clients. It runs either single-tenant over stdio with credentials from the
environment, or multi-tenant over HTTP with an OAuth 2.1 authorization
server in front of a per-user identity registry.`,
	SilenceUsage: true,
}

// SetVersion injects the build version into the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "ugbridge version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
