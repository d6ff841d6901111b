package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/autoloop/internal/types"
)

// writeFakeAgent writes an executable shell script standing in for the
// agent binary. The script receives the normal `run --command ...` args.
func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755))
	return path
}

func defaultOpts() Options {
	return Options{
		Command:     "continue",
		Model:       "sonnet",
		LogLevel:    "info",
		Timeout:     30 * time.Second,
		IdleTimeout: 30 * time.Second,
	}
}

func TestExecuteSessionContinueOnExitZero(t *testing.T) {
	agent := writeFakeAgent(t, `echo "working"; exit 0`)
	e := NewExecutor(agent, nil)

	result := e.ExecuteSession(context.Background(), defaultOpts())
	assert.Equal(t, types.SessionContinue, result.Status)
}

func TestExecuteSessionErrorOnNonZeroExit(t *testing.T) {
	agent := writeFakeAgent(t, `echo "failing" >&2; exit 2`)
	e := NewExecutor(agent, nil)

	result := e.ExecuteSession(context.Background(), defaultOpts())
	assert.Equal(t, types.SessionError, result.Status)
	assert.Contains(t, result.Message, "code 2")
}

func TestExecuteSessionSpawnFailure(t *testing.T) {
	e := NewExecutor(filepath.Join(t.TempDir(), "missing-binary"), nil)

	result := e.ExecuteSession(context.Background(), defaultOpts())
	assert.Equal(t, types.SessionError, result.Status)
	assert.Contains(t, result.Message, "failed to start agent")
}

func TestExecuteSessionWallClockTimeout(t *testing.T) {
	agent := writeFakeAgent(t, `sleep 30`)
	e := NewExecutor(agent, nil)

	opts := defaultOpts()
	opts.Timeout = 300 * time.Millisecond

	start := time.Now()
	result := e.ExecuteSession(context.Background(), opts)
	assert.Equal(t, types.SessionError, result.Status)
	assert.Equal(t, "session timeout", result.Message)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteSessionIdleTimeout(t *testing.T) {
	// Produces one line then stalls: the idle timer must fire well before
	// the wall clock.
	agent := writeFakeAgent(t, `echo "starting"; sleep 30`)
	e := NewExecutor(agent, nil)

	opts := defaultOpts()
	opts.IdleTimeout = 700 * time.Millisecond

	start := time.Now()
	result := e.ExecuteSession(context.Background(), opts)
	assert.Equal(t, types.SessionError, result.Status)
	assert.Equal(t, "idle timeout", result.Message)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteSessionStoppedBeforeSpawn(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	agent := writeFakeAgent(t, `touch `+marker)

	stop := NewStopSignal(filepath.Join(t.TempDir(), "stop"))
	require.NoError(t, stop.Raise())

	e := NewExecutor(agent, stop)
	result := e.ExecuteSession(context.Background(), defaultOpts())
	assert.Equal(t, types.SessionStopped, result.Status)

	// The agent was never spawned.
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteSessionStoppedWhileRunning(t *testing.T) {
	agent := writeFakeAgent(t, `echo "running"; sleep 30`)
	stop := NewStopSignal(filepath.Join(t.TempDir(), "stop"))
	e := NewExecutor(agent, stop)

	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = stop.Raise()
	}()

	start := time.Now()
	result := e.ExecuteSession(context.Background(), defaultOpts())
	assert.Equal(t, types.SessionStopped, result.Status)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteSessionEarlyTermination(t *testing.T) {
	agent := writeFakeAgent(t, `echo "ALL FEATURES COMPLETE"; sleep 30`)
	e := NewExecutor(agent, nil)

	opts := defaultOpts()
	opts.EarlyTerminationPatterns = []string{"ALL FEATURES COMPLETE"}

	start := time.Now()
	result := e.ExecuteSession(context.Background(), opts)
	assert.Equal(t, types.SessionEarlyTerminated, result.Status)
	assert.Equal(t, "ALL FEATURES COMPLETE", result.Trigger)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteSessionStreamsToLogSink(t *testing.T) {
	agent := writeFakeAgent(t, `echo "line one"; echo "line two" >&2; exit 0`)
	e := NewExecutor(agent, nil)

	var sink bytes.Buffer
	opts := defaultOpts()
	opts.LogSink = &sink

	result := e.ExecuteSession(context.Background(), opts)
	assert.Equal(t, types.SessionContinue, result.Status)
	assert.Contains(t, sink.String(), "line one")
	assert.Contains(t, sink.String(), "line two")
}

func TestExecuteSessionContextCancellation(t *testing.T) {
	agent := writeFakeAgent(t, `sleep 30`)
	e := NewExecutor(agent, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := e.ExecuteSession(ctx, defaultOpts())
	assert.Equal(t, types.SessionStopped, result.Status)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStopSignal(t *testing.T) {
	stop := NewStopSignal(filepath.Join(t.TempDir(), "nested", "stop"))
	assert.False(t, stop.Raised())

	require.NoError(t, stop.Raise())
	assert.True(t, stop.Raised())

	require.NoError(t, stop.Clear())
	assert.False(t, stop.Raised())

	// Clearing an absent file is fine.
	assert.NoError(t, stop.Clear())
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
