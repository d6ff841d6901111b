// Package verify judges agent output: it runs a feature's verification
// command through the security guard, classifies the result, and writes
// the verdict to the feature store. The regression checker reuses the
// same engine against all currently-passing features.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/steveyegge/autoloop/internal/guard"
	"github.com/steveyegge/autoloop/internal/types"
)

// noOutputPlaceholder is attached when a failed command produced neither
// stderr nor stdout.
const noOutputPlaceholder = "verification command failed with no output"

// FeatureStore is the slice of the store the engine mutates.
type FeatureStore interface {
	MarkPassing(ctx context.Context, description string) (bool, error)
	MarkFailing(ctx context.Context, description string) (bool, error)
	MarkFailingWithError(ctx context.Context, description, errMsg string) (bool, error)
	Count(ctx context.Context) (passing, remaining int, err error)
}

// GitCollaborator covers the best-effort git side effects of a verdict.
type GitCollaborator interface {
	CaptureAndDiscardChanges(ctx context.Context, repoPath string) (string, error)
	HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error)
	CommitAll(ctx context.Context, repoPath, message string) (string, error)
}

// Notifier delivers the fire-and-forget completion notification.
type Notifier interface {
	FeatureComplete(ctx context.Context, f *types.Feature, sessionNumber, passing, total int) error
}

// Config wires an Engine.
type Config struct {
	Store FeatureStore
	Guard *guard.Guard

	// Git enables diff capture on failure and auto-commit on success.
	// Nil disables both.
	Git GitCollaborator

	// Notifier receives pass notifications. Nil disables them.
	Notifier Notifier

	// WorkingDir is where verification commands run.
	WorkingDir string

	// AutoCommit commits the working tree after a verified pass.
	AutoCommit bool
}

// Engine runs verification commands and records verdicts.
type Engine struct {
	cfg Config
}

// NewEngine creates a verification engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Guard == nil {
		return nil, fmt.Errorf("guard is required")
	}
	return &Engine{cfg: cfg}, nil
}

// Verify runs the feature's verification command and writes the verdict
// to the store. sessionNumber is only carried into the completion
// notification. Returned errors are store-write failures; everything else
// is encoded in the outcome.
func (e *Engine) Verify(ctx context.Context, f *types.Feature, sessionNumber int) (types.VerificationOutcome, error) {
	if !f.Automatable() {
		return types.VerificationOutcome{Status: types.VerificationNoCmd}, nil
	}

	out, err := e.cfg.Guard.RunVerifiedCommand(ctx, f.VerificationCommand, e.cfg.WorkingDir)
	if err != nil {
		var blocked *guard.BlockedError
		if errors.As(err, &blocked) {
			// A blocked command is a failing outcome with an explicit
			// reason, never a silent skip.
			outcome := types.VerificationOutcome{
				Status: types.VerificationBlocked,
				Reason: blocked.Error(),
			}
			if werr := e.recordFailure(ctx, f, blocked.Error()); werr != nil {
				return outcome, werr
			}
			return outcome, nil
		}
		// Spawn failure: the command never ran.
		outcome := types.VerificationOutcome{
			Status:       types.VerificationFailed,
			ErrorMessage: err.Error(),
		}
		if werr := e.recordFailure(ctx, f, err.Error()); werr != nil {
			return outcome, werr
		}
		return outcome, nil
	}

	if out.ExitCode == 0 {
		if err := e.recordPass(ctx, f, sessionNumber); err != nil {
			return types.VerificationOutcome{Status: types.VerificationPassed}, err
		}
		return types.VerificationOutcome{Status: types.VerificationPassed}, nil
	}

	errMsg := strings.TrimSpace(out.Stderr)
	if errMsg == "" {
		errMsg = strings.TrimSpace(out.Stdout)
	}
	if errMsg == "" {
		errMsg = noOutputPlaceholder
	}

	outcome := types.VerificationOutcome{
		Status:       types.VerificationFailed,
		ErrorMessage: errMsg,
	}
	if werr := e.recordFailure(ctx, f, errMsg); werr != nil {
		return outcome, werr
	}
	return outcome, nil
}

// recordPass marks the feature passing and fires the best-effort side
// effects (notification, auto-commit). Their failures are logged, never
// propagated. A pass is a pass.
func (e *Engine) recordPass(ctx context.Context, f *types.Feature, sessionNumber int) error {
	ok, err := e.cfg.Store.MarkPassing(ctx, f.Description)
	if err != nil {
		return fmt.Errorf("failed to mark %q passing: %w", f.Description, err)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "warning: feature %q not found in store while marking passing\n", f.Description)
	}

	if e.cfg.Notifier != nil {
		passing, remaining, cerr := e.cfg.Store.Count(ctx)
		if cerr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to count features for notification: %v\n", cerr)
		} else if nerr := e.cfg.Notifier.FeatureComplete(ctx, f, sessionNumber, passing, passing+remaining); nerr != nil {
			fmt.Fprintf(os.Stderr, "warning: completion notification failed: %v\n", nerr)
		}
	}

	if e.cfg.AutoCommit && e.cfg.Git != nil {
		dirty, derr := e.cfg.Git.HasUncommittedChanges(ctx, e.cfg.WorkingDir)
		if derr != nil {
			fmt.Fprintf(os.Stderr, "warning: auto-commit status check failed: %v\n", derr)
		} else if dirty {
			msg := fmt.Sprintf("feat: %s", f.Description)
			if _, cerr := e.cfg.Git.CommitAll(ctx, e.cfg.WorkingDir, msg); cerr != nil {
				fmt.Fprintf(os.Stderr, "warning: auto-commit failed: %v\n", cerr)
			}
		}
	}

	return nil
}

// recordFailure captures the attempted diff (best-effort) and writes the
// failure with its evidence to the store.
func (e *Engine) recordFailure(ctx context.Context, f *types.Feature, errMsg string) error {
	if e.cfg.Git != nil {
		diff, derr := e.cfg.Git.CaptureAndDiscardChanges(ctx, e.cfg.WorkingDir)
		if derr != nil {
			// Diff capture must never fail verification.
			fmt.Fprintf(os.Stderr, "warning: failed to capture attempted changes: %v\n", derr)
		} else if diff != "" {
			errMsg = errMsg + "\n\nAttempted changes (discarded):\n" + diff
		}
	}

	ok, err := e.cfg.Store.MarkFailingWithError(ctx, f.Description, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark %q failing: %w", f.Description, err)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "warning: feature %q not found in store while marking failing\n", f.Description)
	}
	return nil
}
