package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/physkit/internal/logger"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool
	logDir  string
	logJSON bool
)

// newRootCmd builds the command tree. Flags are bound to package variables
// and reset to their defaults each time the tree is built.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "physctl",
		Short: "Stress and inspect the physical heap and virtqueue engine",
		Long: `physctl drives the lock-free physical heap, the page allocator and the
virtqueue engine against simulated RAM and simulated VirtIO devices. It is
meant for soak testing and for looking at allocator layouts.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			return logger.Init(logger.Options{
				Enabled: verbose || logDir != "",
				LogDir:  logDir,
				Level:   level,
				JSON:    logJSON,
			})
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output and debug logging")
	root.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write logs to files in this directory")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log JSON records instead of text")

	root.AddCommand(newVersionCmd(), newHeapCmd(), newQueueCmd(), newGPUCmd())
	return root
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// printer formats numbers with digit grouping.
var printer = message.NewPrinter(language.English)

// printInfo prints a report line unless quiet.
func printInfo(w io.Writer, format string, args ...any) {
	if !quiet {
		printer.Fprintf(w, format, args...)
	}
}

// printVerbose prints only with --verbose.
func printVerbose(w io.Writer, format string, args ...any) {
	if verbose && !quiet {
		printer.Fprintf(w, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
