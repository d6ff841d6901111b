// Package session runs one agent subprocess per invocation and bounds it
// with a wall-clock timeout, an output-stall (idle) timeout, early
// termination patterns, and the external stop signal.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/autoloop/internal/types"
)

// checkInterval is how often the wait loop re-checks the idle timer and
// the stop file while the agent runs.
const checkInterval = 500 * time.Millisecond

// Options configures one agent session.
type Options struct {
	// Command is the agent command name ("init", "continue", "fix", ...).
	Command string

	Model    string
	LogLevel string

	// SessionID resumes a prior agent session when non-empty.
	SessionID string

	// WorkingDir is where the agent runs (a worktree in parallel mode).
	WorkingDir string

	// Timeout is the wall-clock bound for the whole session.
	Timeout time.Duration

	// IdleTimeout kills a session that has produced no output line for
	// this long. The timer resets on every completed stdout/stderr line.
	IdleTimeout time.Duration

	// EarlyTerminationPatterns end the session as soon as a stdout line
	// contains one of them.
	EarlyTerminationPatterns []string

	// LogSink receives every output line. Nil discards output.
	LogSink io.Writer
}

// Executor spawns and supervises agent subprocesses.
type Executor struct {
	agentBinary string
	stop        *StopSignal
}

// NewExecutor creates a session executor for the given agent binary.
func NewExecutor(agentBinary string, stop *StopSignal) *Executor {
	return &Executor{agentBinary: agentBinary, stop: stop}
}

// ExecuteSession runs one agent session to completion and classifies the
// outcome. Spawn failures come back as SessionError; the retry policy
// lives in the run loop, not here.
func (e *Executor) ExecuteSession(ctx context.Context, opts Options) types.SessionResult {
	// Stop signal observed before spawn: don't start at all.
	if e.stop != nil && e.stop.Raised() {
		return types.SessionResult{Status: types.SessionStopped}
	}

	args := []string{"run", "--command", opts.Command, "--model", opts.Model, "--log-level", opts.LogLevel}
	if opts.SessionID != "" {
		args = append(args, "--session", opts.SessionID)
	}

	cmd := exec.Command(e.agentBinary, args...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	// Own process group, so a kill takes the agent's children with it and
	// they can't keep the output pipes open past the session.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return sessionError(fmt.Sprintf("failed to create stdout pipe: %v", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return sessionError(fmt.Sprintf("failed to create stderr pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return sessionError(fmt.Sprintf("failed to start agent: %v", err))
	}

	s := &runningSession{
		cmd:  cmd,
		opts: opts,
	}
	s.touch()

	var readers sync.WaitGroup
	readers.Add(2)
	go s.scanOutput(stdout, true, &readers)
	go s.scanOutput(stderr, false, &readers)

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	wallTimer := time.NewTimer(opts.Timeout)
	defer wallTimer.Stop()
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-done:
			return s.classifyExit(waitErr)

		case <-wallTimer.C:
			s.kill()
			<-done // reap
			return sessionError("session timeout")

		case <-ctx.Done():
			s.kill()
			<-done
			return types.SessionResult{Status: types.SessionStopped}

		case <-ticker.C:
			if e.stop != nil && e.stop.Raised() {
				s.kill()
				<-done
				return types.SessionResult{Status: types.SessionStopped}
			}
			if opts.IdleTimeout > 0 && s.idleFor() > opts.IdleTimeout {
				s.kill()
				<-done
				return sessionError("idle timeout")
			}
		}
	}
}

// NewSessionID returns a fresh session identifier for --session.
func NewSessionID() string {
	return uuid.NewString()
}

func sessionError(msg string) types.SessionResult {
	return types.SessionResult{Status: types.SessionError, Message: msg}
}

// runningSession holds the state shared between the wait loop and the
// output-scanning goroutines.
type runningSession struct {
	cmd  *exec.Cmd
	opts Options

	lastOutputNano atomic.Int64

	mu           sync.Mutex
	earlyTrigger string
}

func (s *runningSession) touch() {
	s.lastOutputNano.Store(time.Now().UnixNano())
}

func (s *runningSession) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastOutputNano.Load()))
}

func (s *runningSession) kill() {
	if s.cmd.Process == nil {
		return
	}
	// Negative pid targets the process group set up at spawn.
	if err := syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = s.cmd.Process.Kill()
	}
}

// scanOutput streams one pipe line by line: every line resets the idle
// timer and goes to the log sink; stdout lines are additionally checked
// against the early-termination patterns.
func (s *runningSession) scanOutput(r io.Reader, isStdout bool, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.touch()

		if s.opts.LogSink != nil {
			fmt.Fprintln(s.opts.LogSink, line)
		}

		if isStdout {
			if trigger := s.matchEarlyTermination(line); trigger != "" {
				s.mu.Lock()
				if s.earlyTrigger == "" {
					s.earlyTrigger = trigger
				}
				s.mu.Unlock()
				s.kill()
				// Keep draining so the pipe doesn't block the process
				// between kill and reap.
			}
		}
	}
}

func (s *runningSession) matchEarlyTermination(line string) string {
	for _, pattern := range s.opts.EarlyTerminationPatterns {
		if pattern != "" && strings.Contains(line, pattern) {
			return pattern
		}
	}
	return ""
}

// classifyExit maps a natural (or killed) process exit to a SessionResult.
func (s *runningSession) classifyExit(waitErr error) types.SessionResult {
	s.mu.Lock()
	trigger := s.earlyTrigger
	s.mu.Unlock()

	// A pattern match killed the process; the kill's exit error is not
	// the real outcome.
	if trigger != "" {
		return types.SessionResult{Status: types.SessionEarlyTerminated, Trigger: trigger}
	}

	if waitErr == nil {
		return types.SessionResult{Status: types.SessionContinue}
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return sessionError(fmt.Sprintf("agent exited with code %d", exitErr.ExitCode()))
	}
	return sessionError(fmt.Sprintf("agent wait failed: %v", waitErr))
}
