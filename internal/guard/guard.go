// Package guard validates verification commands against the configured
// allow/deny policy before anything is executed.
//
// Every shell command this system runs on a feature's behalf goes through
// Guard.RunVerifiedCommand: the verification engine and the regression
// checker both call it, and nothing else spawns verification subprocesses.
// Keeping one choke point means the policy cannot be bypassed by adding a
// new caller.
package guard

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Policy is the allow/deny policy for verification commands.
type Policy struct {
	// Blocked is the list of substrings that reject a command. Matching
	// is case-insensitive.
	Blocked []string

	// Enforce enables the policy. When false, every command passes
	// through unchanged, an explicit opt-out, never a silent one.
	Enforce bool
}

// BlockedError is returned when a command is rejected by policy.
type BlockedError struct {
	Command string
	Match   string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("command blocked by security policy (matched %q): %s", e.Match, e.Command)
}

// ProcessOutput is the captured result of a shell subprocess.
type ProcessOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Guard executes policy-checked shell commands.
type Guard struct {
	policy Policy

	// run spawns the shell. Replaceable in tests to assert that blocked
	// commands never reach a subprocess.
	run func(ctx context.Context, command, workingDir string) (*ProcessOutput, error)
}

// New creates a guard with the given policy.
func New(policy Policy) *Guard {
	return &Guard{policy: policy, run: shellRun}
}

// Check returns a *BlockedError if the command violates the policy, nil
// otherwise. No subprocess is spawned.
func (g *Guard) Check(command string) error {
	if !g.policy.Enforce {
		return nil
	}
	lower := strings.ToLower(command)
	for _, blocked := range g.policy.Blocked {
		b := strings.TrimSpace(blocked)
		if b == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(b)) {
			return &BlockedError{Command: command, Match: blocked}
		}
	}
	return nil
}

// RunVerifiedCommand checks the command against the policy and, if
// permitted, runs it via `sh -c` in workingDir (empty = current dir),
// capturing stdout, stderr and the exit code. A policy rejection returns a
// *BlockedError without spawning anything.
func (g *Guard) RunVerifiedCommand(ctx context.Context, command, workingDir string) (*ProcessOutput, error) {
	if err := g.Check(command); err != nil {
		return nil, err
	}
	return g.run(ctx, command, workingDir)
}

// shellRun executes the command through the shell. A non-zero exit is not
// an error here: the exit code is the verification contract; errors are
// reserved for spawn failures.
func shellRun(ctx context.Context, command, workingDir string) (*ProcessOutput, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &ProcessOutput{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return nil, fmt.Errorf("failed to run command: %w", err)
	}

	out.ExitCode = 0
	return out, nil
}
