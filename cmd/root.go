// Package cmd implements the ragline command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ragline",
	Short: "ragline - retrieval-augmented conversation service",
	Long: `ragline serves retrieval-augmented conversations over HTTP.

It classifies each user turn, retrieves supporting knowledge from
PostgreSQL/pgvector (and optionally the web), streams a grounded answer
with citations, and maintains per-conversation memory summaries.

Run "ragline serve" to start the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
