package main

import (
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			printer.Fprintf(w, "physctl %s\n", version)
			printer.Fprintf(w, "  commit: %s\n", commit)
			printer.Fprintf(w, "  built: %s\n", date)
		},
	}
}
