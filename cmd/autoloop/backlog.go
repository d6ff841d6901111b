package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import features from a JSON backlog",
	Long: `Import features from a JSON array into the feature store.

Rows whose description already exists in the store are skipped, so
importing the same backlog twice is safe.`,
	Args: cobra.ExactArgs(1),
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

		count, err := st.ImportJSON(context.Background(), args[0])
		if err != nil {
			fatal(err)
		}
		color.Green("✓ imported %d features from %s", count, args[0])
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file.json>",
	Short: "Export the feature backlog to JSON",
	Args:  cobra.ExactArgs(1),
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

		if err := st.ExportJSON(context.Background(), args[0]); err != nil {
			fatal(err)
		}
		color.Green("✓ exported backlog to %s", args[0])
	},
}

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create an empty feature store",
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

		fmt.Printf("Created feature store at %s\n", st.Path())
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(initDBCmd)
}
