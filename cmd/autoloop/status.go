package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusVerbose bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog progress",
	Run: func(cmd *cobra.Command, args []string) {
		s, root, err := loadSettings()
		if err != nil {
			fatal(err)
		}
		st, err := openStore(s, root)
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		ctx := context.Background()
		passing, remaining, err := st.Count(ctx)
		if err != nil {
			fatal(err)
		}

		total := passing + remaining
		if total == 0 {
			color.Yellow("⚠ no features in the backlog yet (run \"autoloop import\" or \"autoloop run\")")
			return
		}

		fmt.Printf("Features: %d/%d passing\n", passing, total)

		if !statusVerbose {
			return
		}

		features, err := st.ListAll(ctx)
		if err != nil {
			fatal(err)
		}
		for _, f := range features {
			switch {
			case f.Passes:
				color.Green("  ✓ %s", f.Description)
			case f.LastError != "":
				color.Red("  ✗ %s", f.Description)
			default:
				color.Yellow("  → %s", f.Description)
			}
		}
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false, "List every feature with its status")
	rootCmd.AddCommand(statusCmd)
}
