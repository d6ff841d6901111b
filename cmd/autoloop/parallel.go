package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/autoloop/internal/gitops"
	"github.com/steveyegge/autoloop/internal/parallel"
	"github.com/steveyegge/autoloop/internal/session"
	"github.com/steveyegge/autoloop/internal/types"
)

var parallelWorkers int

var parallelCmd = &cobra.Command{
	Use:   "parallel",
	Short: "Run pending features concurrently in isolated worktrees",
	Long: `Fan pending features out to concurrent workers.

Each worker gets its own git worktree on a feature-scoped branch and runs
a single-feature supervision loop there; all workers share one feature
store through symlinks. When the workers drain, successful branches are
rebased and fast-forward-merged back to the base branch one at a time.`,
	Run: func(cmd *cobra.Command, args []string) {
		s, root, err := loadSettings()
		if err != nil {
			fatal(err)
		}
		if parallelWorkers > 0 {
			s.WorkerCount = parallelWorkers
		}

		st, err := openStore(s, root)
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		ctx, cancel := signalContext()
		defer cancel()

		git, err := gitops.New(ctx)
		if err != nil {
			fatal(err)
		}

		stop := session.NewStopSignal(resolvePath(root, s.StopFilePath))
		logRoot := resolvePath(root, s.LogDir)

		// Each worker drives a full single-feature loop inside its
		// worktree. The agent subprocess sees the shared store through
		// the worktree's symlinked .autoloop directory; this process
		// writes verdicts through the one shared connection.
		worker := parallel.WorkerFunc(func(ctx context.Context, f *types.Feature, worktreePath string) bool {
			logDir := filepath.Join(logRoot, fmt.Sprintf("worker-%d", f.ID))
			l, berr := buildLoop(ctx, s, st, stop, root, worktreePath, f.ID, logDir)
			if berr != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to build worker for %q: %v\n", f.Description, berr)
				return false
			}
			res, rerr := l.Run(ctx)
			if rerr != nil {
				fmt.Fprintf(os.Stderr, "warning: worker for %q failed: %v\n", f.Description, rerr)
				return false
			}
			return res.Completed
		})

		autoDir := filepath.Join(root, ".autoloop")
		coord, err := parallel.New(git, st, worker, stop, parallel.Config{
			RepoRoot:     root,
			WorktreeRoot: resolvePath(root, s.WorktreeRoot),
			BaseBranch:   s.BaseBranch,
			WorkerCount:  s.WorkerCount,
			DatabasePath: resolvePath(root, s.DatabasePath),
			SharedPaths: []string{
				filepath.Join(autoDir, "config.yaml"),
				filepath.Join(autoDir, "context"),
				filepath.Join(autoDir, "plans"),
			},
		})
		if err != nil {
			fatal(err)
		}

		results, err := coord.Run(ctx)
		if err != nil {
			fatal(err)
		}

		succeeded := 0
		for _, r := range results {
			if r.Success {
				succeeded++
			}
		}
		color.Cyan("→ %d/%d workers succeeded", succeeded, len(results))
		if len(results) > 0 && succeeded == 0 {
			os.Exit(1)
		}
	},
}

func init() {
	parallelCmd.Flags().IntVar(&parallelWorkers, "workers", 0, "Number of concurrent workers (default from config)")
	rootCmd.AddCommand(parallelCmd)
}
