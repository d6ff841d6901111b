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

// systemicHarnessThreshold: this many harness-broken failures in one pass
// means the verification setup itself is misconfigured, and re-queueing
// features one at a time would loop forever.
const systemicHarnessThreshold = 3

// ErrSystemicHarnessFailure is the terminal signal for a pass where the
// harness, not the code, is broken across the board.
var ErrSystemicHarnessFailure = errors.New(
	"multiple verification commands are broken: fix the test harness configuration before continuing")

// RegressionResult is the verdict for one previously-passing feature.
type RegressionResult struct {
	Feature *types.Feature
	Passed  bool

	// Class and Error are set when Passed is false.
	Class types.FailureClass
	Error string
}

// Summary is the outcome of one regression pass.
type Summary struct {
	Results []RegressionResult

	// AutomatedFailed holds only real regressions (assertion failures).
	// Harness-broken features are reset to failing and re-enter the
	// normal continue queue instead.
	AutomatedFailed []RegressionResult

	// ManualSkipped counts passing features with no automatable command.
	// Never considered failing.
	ManualSkipped int

	// HarnessBroken counts failures reclassified as broken harness.
	HarnessBroken int
}

// Checker re-verifies currently-passing features and separates real
// regressions from broken-harness noise.
type Checker struct {
	store FeatureStore
	guard *guard.Guard

	workingDir string
}

// NewChecker creates a regression checker sharing the engine's store and
// guard. All command execution goes through the same guard choke point.
func NewChecker(store FeatureStore, g *guard.Guard, workingDir string) (*Checker, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if g == nil {
		return nil, fmt.Errorf("guard is required")
	}
	return &Checker{store: store, guard: g, workingDir: workingDir}, nil
}

// CheckRegressions verifies every passing feature with an automatable
// command. Harness-broken failures reset the feature to failing (it gets
// reimplemented through the normal queue); assertion failures are
// reported for fix mode. Returns ErrSystemicHarnessFailure when
// systemicHarnessThreshold or more features fail with harness-broken
// signatures in this one pass.
func (c *Checker) CheckRegressions(ctx context.Context, features []*types.Feature) (*Summary, error) {
	summary := &Summary{}

	for _, f := range features {
		if !f.Passes {
			continue
		}
		if !f.Automatable() {
			summary.ManualSkipped++
			continue
		}

		errMsg, failed, err := c.runOne(ctx, f)
		if err != nil {
			return summary, err
		}
		if !failed {
			summary.Results = append(summary.Results, RegressionResult{Feature: f, Passed: true})
			continue
		}

		class := Classify(errMsg)
		result := RegressionResult{Feature: f, Class: class, Error: errMsg}
		summary.Results = append(summary.Results, result)

		if class.HarnessBroken() {
			// Not a code regression: the command itself is wrong or
			// missing. Reset to failing so the feature re-enters the
			// continue queue, and move on without fix mode.
			summary.HarnessBroken++
			fmt.Fprintf(os.Stderr, "warning: verification harness broken for %q (%s), resetting to failing\n",
				f.Description, class)
			if ok, merr := c.store.MarkFailing(ctx, f.Description); merr != nil {
				return summary, fmt.Errorf("failed to reset %q: %w", f.Description, merr)
			} else if !ok {
				fmt.Fprintf(os.Stderr, "warning: feature %q not found while resetting\n", f.Description)
			}
			continue
		}

		// Real regression: record the evidence for the fix session.
		if ok, merr := c.store.MarkFailingWithError(ctx, f.Description, errMsg); merr != nil {
			return summary, fmt.Errorf("failed to mark regression on %q: %w", f.Description, merr)
		} else if !ok {
			fmt.Fprintf(os.Stderr, "warning: feature %q not found while marking regression\n", f.Description)
		}
		summary.AutomatedFailed = append(summary.AutomatedFailed, result)
	}

	if summary.HarnessBroken >= systemicHarnessThreshold {
		return summary, ErrSystemicHarnessFailure
	}
	return summary, nil
}

// runOne executes one verification command through the guard. failed is
// true for any non-passing outcome, with errMsg carrying the evidence.
func (c *Checker) runOne(ctx context.Context, f *types.Feature) (errMsg string, failed bool, err error) {
	out, err := c.guard.RunVerifiedCommand(ctx, f.VerificationCommand, c.workingDir)
	if err != nil {
		var blocked *guard.BlockedError
		if errors.As(err, &blocked) {
			return blocked.Error(), true, nil
		}
		return err.Error(), true, nil
	}
	if out.ExitCode == 0 {
		return "", false, nil
	}

	msg := strings.TrimSpace(out.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(out.Stdout)
	}
	if msg == "" {
		msg = noOutputPlaceholder
	}
	return msg, true, nil
}
