// Package types defines the core data model shared by the supervisor,
// session executor, verification engine, and parallel coordinator.
package types

import (
	"fmt"
	"strings"
)

// Feature is one unit of backlog work: something the coding agent must
// implement, verified by an optional shell command.
type Feature struct {
	// ID is assigned by the store, stable, and never reused.
	ID int64 `json:"id,omitempty"`

	// Category groups related features (e.g. "auth", "api").
	Category string `json:"category"`

	// Description is the unique business key. All status mutations are
	// keyed by description, not ID, so features imported from JSON and
	// features created by the agent resolve to the same row.
	Description string `json:"description"`

	// Steps is the ordered list of implementation steps.
	Steps []string `json:"steps,omitempty"`

	// Passes is true when the feature was last verified successfully.
	Passes bool `json:"passes"`

	// VerificationCommand is the shell command that proves the feature
	// works. Empty means the feature is manual-only and cannot be
	// automatically verified.
	VerificationCommand string `json:"verification_command,omitempty"`

	// LastError holds diagnostic context from the most recent failed
	// verification. Cleared on a pass.
	LastError string `json:"last_error,omitempty"`
}

// Automatable reports whether the feature can be verified without a human.
func (f *Feature) Automatable() bool {
	return strings.TrimSpace(f.VerificationCommand) != ""
}

// BranchSlug returns a short, branch-safe fragment of the description.
func (f *Feature) BranchSlug() string {
	slug := strings.ToLower(f.Description)
	var b strings.Builder
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	const maxSlugLen = 40
	if len(out) > maxSlugLen {
		out = strings.Trim(out[:maxSlugLen], "-")
	}
	if out == "" {
		out = "feature"
	}
	return out
}

// Validate checks that the feature is well-formed enough to store.
func (f *Feature) Validate() error {
	if strings.TrimSpace(f.Description) == "" {
		return fmt.Errorf("feature description cannot be empty")
	}
	return nil
}

// SessionStatus is the discriminant of a SessionResult.
type SessionStatus string

const (
	// SessionContinue means the agent exited 0 and the loop should proceed.
	SessionContinue SessionStatus = "continue"
	// SessionEarlyTerminated means output matched a stop pattern before
	// natural completion.
	SessionEarlyTerminated SessionStatus = "early_terminated"
	// SessionError means a non-zero exit, spawn failure, or crash.
	SessionError SessionStatus = "error"
	// SessionStopped means the external stop signal was observed before or
	// while running.
	SessionStopped SessionStatus = "stopped"
)

// SessionResult is the outcome of one agent subprocess invocation.
type SessionResult struct {
	Status SessionStatus

	// Trigger is the pattern that matched, for EarlyTerminated.
	Trigger string

	// Message carries the error detail, for Error.
	Message string
}

// Continue reports whether the session completed normally.
func (r SessionResult) Continue() bool { return r.Status == SessionContinue }

func (r SessionResult) String() string {
	switch r.Status {
	case SessionEarlyTerminated:
		return fmt.Sprintf("early terminated (matched %q)", r.Trigger)
	case SessionError:
		return fmt.Sprintf("error: %s", r.Message)
	default:
		return string(r.Status)
	}
}

// VerificationStatus is the discriminant of a VerificationOutcome.
type VerificationStatus string

const (
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
	VerificationNoCmd   VerificationStatus = "no_command"
	VerificationBlocked VerificationStatus = "security_blocked"
)

// VerificationOutcome is the result of running one feature's verification
// command.
type VerificationOutcome struct {
	Status VerificationStatus

	// ErrorMessage is set for Failed: stderr if non-empty, else stdout,
	// else a fixed placeholder.
	ErrorMessage string

	// Reason is set for SecurityBlocked.
	Reason string
}

// FailureClass classifies a failed verification's output. Used by the
// regression checker to distinguish a broken test harness from a real
// code regression.
type FailureClass string

const (
	// FailureNoTestsMatch: the test runner found nothing to run.
	FailureNoTestsMatch FailureClass = "no_tests_match"
	// FailureTestFileMissing: the test file or path no longer exists.
	FailureTestFileMissing FailureClass = "test_file_missing"
	// FailureCommandError: the command itself could not run.
	FailureCommandError FailureClass = "command_error"
	// FailureAssertion: the tests ran and failed. The only class treated
	// as a real regression.
	FailureAssertion FailureClass = "assertion_failure"
)

// HarnessBroken reports whether the class indicates a broken verification
// harness rather than regressed code.
func (c FailureClass) HarnessBroken() bool {
	return c != FailureAssertion
}

// ActionKind is the discriminant of a SupervisorAction.
type ActionKind string

const (
	ActionRunCommand    ActionKind = "run_command"
	ActionFixRegression ActionKind = "fix_regression"
	ActionComplete      ActionKind = "complete"
	ActionEnhanceReady  ActionKind = "enhance_ready"
)

// SupervisorAction is the decision engine's output: the next unit of work.
type SupervisorAction struct {
	Kind ActionKind

	// Command names the agent command to run, for RunCommand
	// ("init", "setup-context", "continue").
	Command string

	// Feature and Error describe the regressed feature, for FixRegression.
	Feature *Feature
	Error   string
}

// RunCommand constructs a RunCommand action.
func RunCommand(name string) SupervisorAction {
	return SupervisorAction{Kind: ActionRunCommand, Command: name}
}

// FixRegression constructs a FixRegression action for a regressed feature.
func FixRegression(f *Feature, errMsg string) SupervisorAction {
	return SupervisorAction{Kind: ActionFixRegression, Feature: f, Error: errMsg}
}

// WorkerResult is the outcome of one parallel worker. Produced by worker
// goroutines, consumed exactly once by the coordinator's merge phase.
type WorkerResult struct {
	FeatureID    int64
	Description  string
	BranchName   string
	WorktreePath string
	Success      bool
}
