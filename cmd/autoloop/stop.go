package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/autoloop/internal/session"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Request a graceful stop of a running loop",
	Long: `Write the stop marker file.

A running loop (sequential or parallel) observes the marker before the
next agent session, kills any in-flight session, consumes the marker,
and exits cleanly. Safe to run when nothing is running; the next run
consumes the leftover marker at startup.`,
	Run: func(cmd *cobra.Command, args []string) {
		s, root, err := loadSettings()
		if err != nil {
			fatal(err)
		}

		stop := session.NewStopSignal(resolvePath(root, s.StopFilePath))
		if err := stop.Raise(); err != nil {
			fatal(err)
		}
		color.Green("✓ stop requested (%s)", stop.Path())
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
