// Package cli implements the cobra-based CLI for voxmill.
//
// Each subcommand (import, anonymize, info, audit) lives in its own file.
// This file defines the root command, global flags, and the shared App
// construction helper.
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxmill/voxmill"
)

// Global flag variables bound to persistent flags on the root command.
var (
	// jsonOutput switches command output to JSON for machine consumption.
	jsonOutput bool

	// verbose lowers the log level to debug.
	verbose bool
)

// Version is injected from the main package at build time via ldflags.
var Version = "dev"

// NewRootCommand creates and configures the root cobra command.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "voxmill",
		Short: "Medical volume ingest, anonymization, and mask persistence",
		Long: `voxmill ingests volumetric medical images (DICOM series, NIfTI files),
strips patient-identifying metadata under a configurable policy, and persists
derived label masks alongside the source data, all inside a configured
memory ceiling.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		NewImportCommand(),
		NewAnonymizeCommand(),
		NewInfoCommand(),
		NewAuditCommand(),
	)
	return rootCmd
}

// newApp builds the pipeline App shared by all subcommands.
func newApp() (*voxmill.App, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return voxmill.New(
		voxmill.WithLogger(logger),
		voxmill.WithVersion(Version),
	)
}

// emit prints v as JSON when --json is set, otherwise calls text().
func emit(v any, text func()) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}

// printErr renders a command failure on stderr (text or JSON).
func printErr(err error) {
	if jsonOutput {
		_ = json.NewEncoder(os.Stderr).Encode(map[string]string{"error": err.Error()})
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
}
