// Package supervisor decides the next unit of work. Decide is a pure
// function of the backlog, the plan state, and the regression summary; it
// holds no mutable state of its own, so every decision is independently
// reproducible and testable.
package supervisor

import (
	"context"
	"fmt"

	"github.com/steveyegge/autoloop/internal/types"
	"github.com/steveyegge/autoloop/internal/verify"
)

// Backlog is the read side of the feature store the supervisor consults.
type Backlog interface {
	ListAll(ctx context.Context) ([]*types.Feature, error)
	GetByID(ctx context.Context, id int64) (*types.Feature, error)
}

// RegressionChecker re-verifies passing features. Usually *verify.Checker.
type RegressionChecker interface {
	CheckRegressions(ctx context.Context, features []*types.Feature) (*verify.Summary, error)
}

// Planner is the conductor collaborator: project context and the active
// multi-step plan.
type Planner interface {
	ContextExists() bool
	HasIncompleteTask() (bool, error)
}

// Config shapes the decision.
type Config struct {
	// TargetFeatureID pins the supervisor to a single feature (parallel
	// worker mode). Zero means no target.
	TargetFeatureID int64

	// Enhance switches the all-passing outcome from Complete to
	// EnhanceReady.
	Enhance bool
}

// Engine evaluates the decision priority order once per loop iteration.
type Engine struct {
	backlog Backlog

	// regressions and planner are optional: nil skips their checks.
	regressions RegressionChecker
	planner     Planner

	cfg Config
}

// New creates a decision engine. backlog is required; regressions and
// planner may be nil to disable those checks.
func New(backlog Backlog, regressions RegressionChecker, planner Planner, cfg Config) (*Engine, error) {
	if backlog == nil {
		return nil, fmt.Errorf("backlog is required")
	}
	return &Engine{backlog: backlog, regressions: regressions, planner: planner, cfg: cfg}, nil
}

// Decide returns the next action. Priority order, first match wins:
//
//	0. target-feature mode
//	1. real regressions pre-empt everything else
//	2. empty backlog => init
//	3. missing project context => setup-context
//	4. active plan with an incomplete task => continue
//	5. all features passing => Complete (or EnhanceReady)
//	6. otherwise => continue
//
// Regressions pre-empting new work, and new work never being skipped in
// favor of enhancement, is the core correctness property here.
func (e *Engine) Decide(ctx context.Context) (types.SupervisorAction, error) {
	if e.cfg.TargetFeatureID != 0 {
		return e.decideTarget(ctx)
	}

	features, err := e.backlog.ListAll(ctx)
	if err != nil {
		return types.SupervisorAction{}, fmt.Errorf("failed to list features: %w", err)
	}

	if e.regressions != nil {
		summary, rerr := e.regressions.CheckRegressions(ctx, features)
		if rerr != nil {
			// Includes verify.ErrSystemicHarnessFailure, which the loop
			// treats as terminal.
			return types.SupervisorAction{}, rerr
		}
		if len(summary.AutomatedFailed) > 0 {
			first := summary.AutomatedFailed[0]
			return types.FixRegression(first.Feature, first.Error), nil
		}
	}

	if len(features) == 0 {
		return types.RunCommand("init"), nil
	}

	if e.planner != nil {
		if !e.planner.ContextExists() {
			return types.RunCommand("setup-context"), nil
		}
		incomplete, perr := e.planner.HasIncompleteTask()
		if perr != nil {
			return types.SupervisorAction{}, fmt.Errorf("failed to read active plan: %w", perr)
		}
		if incomplete {
			return types.RunCommand("continue"), nil
		}
	}

	if allPassing(features) {
		if e.cfg.Enhance {
			return types.SupervisorAction{Kind: types.ActionEnhanceReady}, nil
		}
		return types.SupervisorAction{Kind: types.ActionComplete}, nil
	}

	return types.RunCommand("continue"), nil
}

// decideTarget handles the pinned-feature mode used by parallel workers.
// Only the target feature is consulted; the backlog-wide checks are
// skipped because each worker owns exactly one feature.
func (e *Engine) decideTarget(ctx context.Context) (types.SupervisorAction, error) {
	f, err := e.backlog.GetByID(ctx, e.cfg.TargetFeatureID)
	if err != nil {
		return types.SupervisorAction{}, fmt.Errorf("failed to load target feature %d: %w", e.cfg.TargetFeatureID, err)
	}
	if f == nil {
		return types.SupervisorAction{}, fmt.Errorf("target feature %d not found", e.cfg.TargetFeatureID)
	}

	switch {
	case f.Passes:
		return types.SupervisorAction{Kind: types.ActionComplete}, nil
	case f.LastError != "":
		return types.FixRegression(f, f.LastError), nil
	default:
		return types.RunCommand("continue"), nil
	}
}

func allPassing(features []*types.Feature) bool {
	for _, f := range features {
		if !f.Passes {
			return false
		}
	}
	return true
}
