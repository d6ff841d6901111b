package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/autoloop/internal/conductor"
	"github.com/steveyegge/autoloop/internal/config"
	"github.com/steveyegge/autoloop/internal/gitops"
	"github.com/steveyegge/autoloop/internal/guard"
	"github.com/steveyegge/autoloop/internal/loop"
	"github.com/steveyegge/autoloop/internal/notify"
	"github.com/steveyegge/autoloop/internal/session"
	"github.com/steveyegge/autoloop/internal/store"
	"github.com/steveyegge/autoloop/internal/supervisor"
	"github.com/steveyegge/autoloop/internal/verify"
)

var (
	runMaxIterations int
	runEnhance       bool
	runAutoCommit    bool
	runFeatureID     int64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sequential supervision loop",
	Long: `Run the supervision loop until the backlog is complete.

Each iteration the supervisor picks the next unit of work (init, continue,
or fixing a regression), runs one agent session, verifies the feature it
worked on, and records the verdict. Stop cleanly with Ctrl+C or
"autoloop stop" from another terminal.`,
	Run: func(cmd *cobra.Command, args []string) {
		s, root, err := loadSettings()
		if err != nil {
			fatal(err)
		}
		if runMaxIterations > 0 {
			s.MaxIterations = runMaxIterations
		}
		if runEnhance {
			s.Enhance = true
		}
		if runAutoCommit {
			s.AutoCommit = true
		}

		st, err := openStore(s, root)
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		ctx, cancel := signalContext()
		defer cancel()

		stop := session.NewStopSignal(resolvePath(root, s.StopFilePath))
		l, err := buildLoop(ctx, s, st, stop, root, root, runFeatureID, resolvePath(root, s.LogDir))
		if err != nil {
			fatal(err)
		}

		res, err := l.Run(ctx)
		if err != nil {
			fatal(err)
		}
		if res.Stopped {
			color.Yellow("⚠ stopped after %d iterations", res.Iterations)
		}
		if !res.Completed && !res.LastVerifiedPassed {
			os.Exit(1)
		}
	},
}

func init() {
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Hard cap on loop iterations (0 = unlimited)")
	runCmd.Flags().BoolVar(&runEnhance, "enhance", false, "Keep running enhancement sessions after all features pass")
	runCmd.Flags().BoolVar(&runAutoCommit, "auto-commit", false, "Commit the working tree after each verified pass")
	runCmd.Flags().Int64Var(&runFeatureID, "feature", 0, "Pin the loop to a single feature id")
	rootCmd.AddCommand(runCmd)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		color.Yellow("⚠ interrupt received, shutting down")
		cancel()
	}()
	return ctx, cancel
}

// buildLoop wires one run loop. workDir is where agent sessions and
// verification commands execute (the project root, or a worktree in
// parallel mode); targetID pins the loop to one feature when non-zero.
func buildLoop(ctx context.Context, s config.Settings, st *store.Store, stop *session.StopSignal,
	root, workDir string, targetID int64, logDir string) (*loop.Loop, error) {

	g := guard.New(guard.Policy{Blocked: s.BlockedCommands, Enforce: s.EnforceSecurity})

	var gitCollab verify.GitCollaborator
	if git, gerr := gitops.New(ctx); gerr != nil {
		fmt.Fprintf(os.Stderr, "warning: git unavailable, diff capture and auto-commit disabled: %v\n", gerr)
	} else {
		gitCollab = git
	}

	var notifier verify.Notifier
	if webhook := notify.NewWebhook(s.WebhookURL); webhook.Enabled() {
		notifier = webhook
	}

	engine, err := verify.NewEngine(verify.Config{
		Store:      st,
		Guard:      g,
		Git:        gitCollab,
		Notifier:   notifier,
		WorkingDir: workDir,
		AutoCommit: s.AutoCommit,
	})
	if err != nil {
		return nil, err
	}

	checker, err := verify.NewChecker(st, g, workDir)
	if err != nil {
		return nil, err
	}

	cond := conductor.New(filepath.Join(root, ".autoloop"))
	decider, err := supervisor.New(st, checker, cond, supervisor.Config{
		TargetFeatureID: targetID,
		Enhance:         s.Enhance,
	})
	if err != nil {
		return nil, err
	}

	executor := session.NewExecutor(s.AgentBinary, stop)

	return loop.New(decider, executor, engine, st, stop, cond, loop.Config{
		Model:                    s.Model,
		LogLevel:                 s.LogLevel,
		TargetFeatureID:          targetID,
		WorkingDir:               workDir,
		LogDir:                   logDir,
		SessionTimeout:           s.SessionTimeout(),
		IdleTimeout:              s.IdleTimeout(),
		EarlyTerminationPatterns: s.EarlyTerminationPatterns,
		MaxIterations:            s.MaxIterations,
		MaxRetries:               s.MaxRetries,
		Delay:                    s.Delay(),
		NoProgressLimit:          s.NoProgressLimit,
	})
}
