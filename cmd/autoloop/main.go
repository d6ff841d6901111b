package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/autoloop/internal/config"
	"github.com/steveyegge/autoloop/internal/store"
)

var (
	flagDB    string
	flagModel string
)

var rootCmd = &cobra.Command{
	Use:   "autoloop",
	Short: "Autonomous supervisor for an AI coding agent",
	Long: `Autoloop supervises an AI coding agent working through a feature backlog.

It decides the next unit of work, runs the agent as a bounded subprocess,
verifies the result with each feature's verification command, and records
the verdict in a shared SQLite feature store. Parallel mode fans features
out to isolated git worktrees and merges successful branches back
serially.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Path to the feature database (default .autoloop/features.db)")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "Agent model override")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSettings builds the settings snapshot for the current project and
// applies the global flag overrides.
func loadSettings() (config.Settings, string, error) {
	root, err := os.Getwd()
	if err != nil {
		return config.Settings{}, "", fmt.Errorf("failed to determine working directory: %w", err)
	}

	s, err := config.Load(root)
	if err != nil {
		return s, root, err
	}
	if flagDB != "" {
		s.DatabasePath = flagDB
	}
	if flagModel != "" {
		s.Model = flagModel
	}
	return s, root, nil
}

// resolvePath anchors a relative settings path at the project root.
func resolvePath(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func openStore(s config.Settings, root string) (*store.Store, error) {
	path := resolvePath(root, s.DatabasePath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return store.Open(path)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
