// Package cli provides the command-line interface for metamaprunner:
// a cobra command tree (process, resume, status, retry, server) backed
// by a bubbletea live progress view.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "metamaprunner",
	Short: "Parallel batch execution engine for a medical-text annotator",
	Long: `metamaprunner drives a third-party medical-text annotator binary across
directories of plain-text clinical notes: it owns a bounded pool of
annotator processes, supervises the tagger/WSD daemons the annotator
depends on, persists crash-safe per-file progress, and retries
transient failures with exponential backoff.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional YAML defaults file")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(serverCmd)
}

// Execute runs the root command and returns the process exit code to
// use, printing any error to stderr first.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if err.Error() != "" {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return ExitCode(err)
	}
	return 0
}
