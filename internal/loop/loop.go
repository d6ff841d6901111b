// Package loop drives one feature at a time: decide, run an agent
// session, verify, write the verdict, repeat. Retry and backoff policy
// for failed sessions lives here, not in the session executor.
package loop

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fatih/color"

	"github.com/steveyegge/autoloop/internal/session"
	"github.com/steveyegge/autoloop/internal/types"
)

// backoffCapMultiplier caps the exponential backoff at delay * 2^4.
const backoffCapMultiplier = 16

// Decider picks the next unit of work. Usually *supervisor.Engine.
type Decider interface {
	Decide(ctx context.Context) (types.SupervisorAction, error)
}

// SessionRunner executes one agent session. Usually *session.Executor.
type SessionRunner interface {
	ExecuteSession(ctx context.Context, opts session.Options) types.SessionResult
}

// Verifier judges a feature after a session. Usually *verify.Engine.
type Verifier interface {
	Verify(ctx context.Context, f *types.Feature, sessionNumber int) (types.VerificationOutcome, error)
}

// Backlog is the read side of the store the loop needs to pick the
// feature under verification.
type Backlog interface {
	ListRemaining(ctx context.Context) ([]*types.Feature, error)
	GetByID(ctx context.Context, id int64) (*types.Feature, error)
	Count(ctx context.Context) (passing, remaining int, err error)
}

// PlanCompleter advances the active multi-step plan after a verified
// pass. Usually *conductor.Conductor.
type PlanCompleter interface {
	CompleteNextTask() (bool, error)
}

// Config shapes one run of the loop.
type Config struct {
	Model    string
	LogLevel string

	// TargetFeatureID pins the loop to one feature (parallel worker
	// mode). Zero means work through the whole backlog.
	TargetFeatureID int64

	// WorkingDir is where agent sessions run.
	WorkingDir string

	// LogDir receives one log file per session. Empty disables session
	// logs.
	LogDir string

	SessionTimeout time.Duration
	IdleTimeout    time.Duration

	EarlyTerminationPatterns []string

	// MaxIterations is the hard cap on loop iterations. Zero means
	// unlimited.
	MaxIterations int

	// MaxRetries stops the loop after this many consecutive session
	// errors.
	MaxRetries int

	// Delay seeds the exponential backoff between retries.
	Delay time.Duration

	// NoProgressLimit halts the loop after this many iterations without
	// a pass/fail transition. Zero disables the check.
	NoProgressLimit int
}

// Result summarizes a finished run.
type Result struct {
	Iterations int

	// Completed is true when the supervisor declared the backlog done.
	Completed bool

	// Stopped is true when the external stop signal ended the run.
	Stopped bool

	// LastVerifiedPassed reflects the most recent verification verdict.
	// This drives the process exit code.
	LastVerifiedPassed bool
}

// Loop is the sequential run loop.
type Loop struct {
	decider  Decider
	runner   SessionRunner
	verifier Verifier
	backlog  Backlog
	stop     *session.StopSignal

	// plan is advanced after each verified pass. Nil disables plan
	// bookkeeping.
	plan PlanCompleter

	// sessionID is passed to every agent invocation so the agent resumes
	// one conversation across the whole run.
	sessionID string

	cfg Config
}

// New wires a run loop. All collaborators except stop and plan are
// required.
func New(decider Decider, runner SessionRunner, verifier Verifier, backlog Backlog, stop *session.StopSignal, plan PlanCompleter, cfg Config) (*Loop, error) {
	if decider == nil || runner == nil || verifier == nil || backlog == nil {
		return nil, fmt.Errorf("decider, runner, verifier and backlog are all required")
	}
	if cfg.MaxRetries <= 0 {
		return nil, fmt.Errorf("max retries must be positive")
	}
	if cfg.Delay <= 0 {
		return nil, fmt.Errorf("retry delay must be positive")
	}
	return &Loop{
		decider:   decider,
		runner:    runner,
		verifier:  verifier,
		backlog:   backlog,
		stop:      stop,
		plan:      plan,
		sessionID: session.NewSessionID(),
		cfg:       cfg,
	}, nil
}

// Run executes the loop until completion, stop, retry exhaustion, or the
// no-progress ceiling. The returned Result is meaningful even when err is
// non-nil.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	var res Result

	retry := newBackoff(l.cfg.Delay)
	consecutiveErrors := 0
	noProgress := 0

	lastPassing, lastRemaining, err := l.backlog.Count(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read initial counts: %w", err)
	}

	for {
		if l.cfg.MaxIterations > 0 && res.Iterations >= l.cfg.MaxIterations {
			fmt.Fprintf(os.Stderr, "warning: reached iteration cap (%d), stopping\n", l.cfg.MaxIterations)
			return res, nil
		}
		if l.stop != nil && l.stop.Raised() {
			l.consumeStop()
			res.Stopped = true
			return res, nil
		}
		if ctx.Err() != nil {
			res.Stopped = true
			return res, nil
		}

		res.Iterations++
		sessionNumber := res.Iterations

		action, err := l.decider.Decide(ctx)
		if err != nil {
			return res, fmt.Errorf("supervisor decision failed: %w", err)
		}

		switch action.Kind {
		case types.ActionComplete:
			color.Green("✓ all features passing")
			res.Completed = true
			return res, nil

		case types.ActionEnhanceReady:
			color.Cyan("→ backlog complete, running enhancement session")
			action = types.RunCommand("enhance")
		}

		result := l.runSession(ctx, action, sessionNumber)

		switch result.Status {
		case types.SessionStopped:
			l.consumeStop()
			res.Stopped = true
			return res, nil

		case types.SessionError:
			consecutiveErrors++
			fmt.Fprintf(os.Stderr, "warning: session %d failed (%s), consecutive errors: %d\n",
				sessionNumber, result.Message, consecutiveErrors)
			if consecutiveErrors >= l.cfg.MaxRetries {
				return res, fmt.Errorf("giving up after %d consecutive session errors: %s",
					consecutiveErrors, result.Message)
			}
			if stopped := l.sleep(ctx, retry.NextBackOff()); stopped {
				res.Stopped = true
				return res, nil
			}
			continue
		}

		// Continue or EarlyTerminated: the session ran to a usable end.
		consecutiveErrors = 0
		retry.Reset()

		if f := l.featureUnderVerification(ctx, action); f != nil {
			outcome, verr := l.verifier.Verify(ctx, f, sessionNumber)
			if verr != nil {
				return res, fmt.Errorf("verification bookkeeping failed: %w", verr)
			}
			res.LastVerifiedPassed = outcome.Status == types.VerificationPassed
			printOutcome(f, outcome)

			if res.LastVerifiedPassed && l.plan != nil {
				if _, perr := l.plan.CompleteNextTask(); perr != nil {
					fmt.Fprintf(os.Stderr, "warning: failed to mark plan task complete: %v\n", perr)
				}
			}
		}

		passing, remaining, cerr := l.backlog.Count(ctx)
		if cerr != nil {
			return res, fmt.Errorf("failed to read counts: %w", cerr)
		}
		if passing == lastPassing && remaining == lastRemaining {
			noProgress++
			if l.cfg.NoProgressLimit > 0 && noProgress >= l.cfg.NoProgressLimit {
				return res, fmt.Errorf("no progress after %d iterations, halting", noProgress)
			}
		} else {
			noProgress = 0
		}
		lastPassing, lastRemaining = passing, remaining
	}
}

// runSession maps the supervisor action to an agent command and executes
// it with a per-session log sink.
func (l *Loop) runSession(ctx context.Context, action types.SupervisorAction, sessionNumber int) types.SessionResult {
	command := action.Command
	if action.Kind == types.ActionFixRegression {
		command = "fix"
	}

	opts := session.Options{
		Command:                  command,
		Model:                    l.cfg.Model,
		LogLevel:                 l.cfg.LogLevel,
		SessionID:                l.sessionID,
		WorkingDir:               l.cfg.WorkingDir,
		Timeout:                  l.cfg.SessionTimeout,
		IdleTimeout:              l.cfg.IdleTimeout,
		EarlyTerminationPatterns: l.cfg.EarlyTerminationPatterns,
	}

	sink, closeSink := l.openLogSink(sessionNumber, command)
	if sink != nil {
		opts.LogSink = sink
		defer closeSink()
	}

	color.Cyan("→ session %d: %s", sessionNumber, command)
	return l.runner.ExecuteSession(ctx, opts)
}

// featureUnderVerification resolves which feature the finished session
// was working on. Init and setup-context sessions produce no single
// feature to verify.
func (l *Loop) featureUnderVerification(ctx context.Context, action types.SupervisorAction) *types.Feature {
	if action.Kind == types.ActionFixRegression {
		return action.Feature
	}
	if action.Command != "continue" && action.Command != "enhance" {
		return nil
	}

	if l.cfg.TargetFeatureID != 0 {
		f, err := l.backlog.GetByID(ctx, l.cfg.TargetFeatureID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load target feature: %v\n", err)
			return nil
		}
		return f
	}

	remaining, err := l.backlog.ListRemaining(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to list remaining features: %v\n", err)
		return nil
	}
	if len(remaining) == 0 {
		return nil
	}
	return remaining[0]
}

// openLogSink opens the per-session log file. Best-effort: a failure
// disables logging for this session only.
func (l *Loop) openLogSink(sessionNumber int, command string) (io.Writer, func()) {
	if l.cfg.LogDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(l.cfg.LogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to create log directory: %v\n", err)
		return nil, nil
	}
	name := fmt.Sprintf("session-%04d-%s.log", sessionNumber, command)
	f, err := os.Create(filepath.Join(l.cfg.LogDir, name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to create session log: %v\n", err)
		return nil, nil
	}
	return f, func() { _ = f.Close() }
}

// sleep waits out the backoff, returning true if the stop signal or
// context ended the wait early.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return false
		case <-ctx.Done():
			return true
		case <-ticker.C:
			if l.stop != nil && l.stop.Raised() {
				l.consumeStop()
				return true
			}
		}
	}
}

// consumeStop clears the stop file so the next run starts clean.
func (l *Loop) consumeStop() {
	if l.stop == nil {
		return
	}
	if err := l.stop.Clear(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to clear stop file: %v\n", err)
	}
}

// newBackoff builds the retry schedule: delay, 2*delay, 4*delay, 8*delay,
// capped at 16*delay. Randomization is disabled so the schedule is exact.
func newBackoff(delay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = delay * backoffCapMultiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func printOutcome(f *types.Feature, outcome types.VerificationOutcome) {
	switch outcome.Status {
	case types.VerificationPassed:
		color.Green("✓ %s", f.Description)
	case types.VerificationFailed:
		color.Red("✗ %s", f.Description)
	case types.VerificationBlocked:
		color.Yellow("⚠ %s: %s", f.Description, outcome.Reason)
	case types.VerificationNoCmd:
		color.Yellow("⚠ %s: no verification command", f.Description)
	}
}
