package loop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/autoloop/internal/session"
	"github.com/steveyegge/autoloop/internal/types"
)

// scriptedDecider returns its actions in order, repeating the last one.
type scriptedDecider struct {
	actions []types.SupervisorAction
	calls   int
}

func (d *scriptedDecider) Decide(ctx context.Context) (types.SupervisorAction, error) {
	i := d.calls
	d.calls++
	if i >= len(d.actions) {
		i = len(d.actions) - 1
	}
	return d.actions[i], nil
}

// scriptedRunner returns its results in order, repeating the last one,
// and records the options of every session.
type scriptedRunner struct {
	results []types.SessionResult
	opts    []session.Options
}

func (r *scriptedRunner) ExecuteSession(ctx context.Context, opts session.Options) types.SessionResult {
	r.opts = append(r.opts, opts)
	i := len(r.opts) - 1
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	return r.results[i]
}

// fakeVerifier returns a fixed outcome and bumps the backlog counts on a
// pass so the loop observes progress.
type fakeVerifier struct {
	outcome  types.VerificationOutcome
	backlog  *fakeBacklog
	verified []string
}

func (v *fakeVerifier) Verify(ctx context.Context, f *types.Feature, sessionNumber int) (types.VerificationOutcome, error) {
	v.verified = append(v.verified, f.Description)
	if v.outcome.Status == types.VerificationPassed && v.backlog != nil {
		v.backlog.passing++
		v.backlog.remaining--
		if len(v.backlog.features) > 0 {
			v.backlog.features = v.backlog.features[1:]
		}
	}
	return v.outcome, nil
}

type fakeBacklog struct {
	features  []*types.Feature
	passing   int
	remaining int
}

func (b *fakeBacklog) ListRemaining(ctx context.Context) ([]*types.Feature, error) {
	return b.features, nil
}

func (b *fakeBacklog) GetByID(ctx context.Context, id int64) (*types.Feature, error) {
	for _, f := range b.features {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, nil
}

func (b *fakeBacklog) Count(ctx context.Context) (int, int, error) {
	return b.passing, b.remaining, nil
}

func baseConfig() Config {
	return Config{
		Model:          "sonnet",
		LogLevel:       "info",
		SessionTimeout: time.Minute,
		IdleTimeout:    time.Minute,
		MaxRetries:     3,
		Delay:          time.Millisecond,
	}
}

func continueAction() types.SupervisorAction { return types.RunCommand("continue") }

func completeAction() types.SupervisorAction {
	return types.SupervisorAction{Kind: types.ActionComplete}
}

func okSession() types.SessionResult { return types.SessionResult{Status: types.SessionContinue} }

func TestBackoffSchedule(t *testing.T) {
	b := newBackoff(5 * time.Second)
	assert.Equal(t, 5*time.Second, b.NextBackOff())
	assert.Equal(t, 10*time.Second, b.NextBackOff())
	assert.Equal(t, 20*time.Second, b.NextBackOff())
	assert.Equal(t, 40*time.Second, b.NextBackOff())
	// Capped at 16x from here on.
	assert.Equal(t, 80*time.Second, b.NextBackOff())
	assert.Equal(t, 80*time.Second, b.NextBackOff())
}

func TestRunCompletesWhenSupervisorSaysSo(t *testing.T) {
	backlog := &fakeBacklog{
		features:  []*types.Feature{{ID: 1, Description: "login", VerificationCommand: "true"}},
		remaining: 1,
	}
	decider := &scriptedDecider{actions: []types.SupervisorAction{continueAction(), completeAction()}}
	runner := &scriptedRunner{results: []types.SessionResult{okSession()}}
	verifier := &fakeVerifier{outcome: types.VerificationOutcome{Status: types.VerificationPassed}, backlog: backlog}

	l, err := New(decider, runner, verifier, backlog, nil, nil, baseConfig())
	require.NoError(t, err)

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.True(t, res.LastVerifiedPassed)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, []string{"login"}, verifier.verified)
}

func TestRunRetriesThenGivesUp(t *testing.T) {
	backlog := &fakeBacklog{remaining: 1}
	decider := &scriptedDecider{actions: []types.SupervisorAction{continueAction()}}
	runner := &scriptedRunner{results: []types.SessionResult{
		{Status: types.SessionError, Message: "agent exited with code 1"},
	}}
	verifier := &fakeVerifier{}

	l, err := New(decider, runner, verifier, backlog, nil, nil, baseConfig())
	require.NoError(t, err)

	res, rerr := l.Run(context.Background())
	assert.Error(t, rerr)
	assert.Contains(t, rerr.Error(), "3 consecutive session errors")
	assert.Len(t, runner.opts, 3)
	assert.False(t, res.Completed)
}

func TestRunErrorCounterResetsOnSuccess(t *testing.T) {
	backlog := &fakeBacklog{
		features:  []*types.Feature{{ID: 1, Description: "f", VerificationCommand: "true"}},
		remaining: 1,
	}
	decider := &scriptedDecider{actions: []types.SupervisorAction{continueAction(), continueAction(), continueAction(), completeAction()}}
	// Two errors, then a success, then the supervisor completes: never
	// reaches the three-error ceiling.
	runner := &scriptedRunner{results: []types.SessionResult{
		{Status: types.SessionError, Message: "boom"},
		{Status: types.SessionError, Message: "boom"},
		okSession(),
	}}
	verifier := &fakeVerifier{outcome: types.VerificationOutcome{Status: types.VerificationPassed}, backlog: backlog}

	l, err := New(decider, runner, verifier, backlog, nil, nil, baseConfig())
	require.NoError(t, err)

	res, rerr := l.Run(context.Background())
	require.NoError(t, rerr)
	assert.True(t, res.Completed)
}

// raisingRunner simulates the stop file appearing mid-session: the
// executor observes it and reports Stopped.
type raisingRunner struct {
	stop  *session.StopSignal
	calls int
}

func (r *raisingRunner) ExecuteSession(ctx context.Context, opts session.Options) types.SessionResult {
	r.calls++
	_ = r.stop.Raise()
	return types.SessionResult{Status: types.SessionStopped}
}

func TestRunStoppedSessionClearsStopFile(t *testing.T) {
	stop := session.NewStopSignal(filepath.Join(t.TempDir(), "stop"))
	backlog := &fakeBacklog{remaining: 1}
	decider := &scriptedDecider{actions: []types.SupervisorAction{continueAction()}}
	runner := &raisingRunner{stop: stop}

	l, err := New(decider, runner, &fakeVerifier{}, backlog, stop, nil, baseConfig())
	require.NoError(t, err)

	res, rerr := l.Run(context.Background())
	require.NoError(t, rerr)
	assert.True(t, res.Stopped)
	assert.Equal(t, 1, runner.calls)
	// Consumed on observation.
	assert.False(t, stop.Raised())
}

func TestRunStopObservedAtLoopTop(t *testing.T) {
	stop := session.NewStopSignal(filepath.Join(t.TempDir(), "stop"))
	require.NoError(t, stop.Raise())

	backlog := &fakeBacklog{remaining: 1}
	decider := &scriptedDecider{actions: []types.SupervisorAction{continueAction()}}
	runner := &scriptedRunner{results: []types.SessionResult{okSession()}}

	l, err := New(decider, runner, &fakeVerifier{}, backlog, stop, nil, baseConfig())
	require.NoError(t, err)

	res, rerr := l.Run(context.Background())
	require.NoError(t, rerr)
	assert.True(t, res.Stopped)
	// No session was ever started.
	assert.Empty(t, runner.opts)
}

func TestRunNoProgressCeiling(t *testing.T) {
	backlog := &fakeBacklog{
		features:  []*types.Feature{{ID: 1, Description: "stuck", VerificationCommand: "true"}},
		remaining: 1,
	}
	decider := &scriptedDecider{actions: []types.SupervisorAction{continueAction()}}
	runner := &scriptedRunner{results: []types.SessionResult{okSession()}}
	verifier := &fakeVerifier{outcome: types.VerificationOutcome{Status: types.VerificationFailed}}

	cfg := baseConfig()
	cfg.NoProgressLimit = 4

	l, err := New(decider, runner, verifier, backlog, nil, nil, cfg)
	require.NoError(t, err)

	res, rerr := l.Run(context.Background())
	assert.Error(t, rerr)
	assert.Contains(t, rerr.Error(), "no progress")
	assert.Equal(t, 4, res.Iterations)
}

func TestRunIterationCap(t *testing.T) {
	backlog := &fakeBacklog{
		features:  []*types.Feature{{ID: 1, Description: "f", VerificationCommand: "true"}},
		remaining: 1,
	}
	decider := &scriptedDecider{actions: []types.SupervisorAction{continueAction()}}
	runner := &scriptedRunner{results: []types.SessionResult{okSession()}}
	verifier := &fakeVerifier{outcome: types.VerificationOutcome{Status: types.VerificationFailed}}

	cfg := baseConfig()
	cfg.MaxIterations = 2

	l, err := New(decider, runner, verifier, backlog, nil, nil, cfg)
	require.NoError(t, err)

	res, rerr := l.Run(context.Background())
	require.NoError(t, rerr)
	assert.Equal(t, 2, res.Iterations)
}

func TestRunFixRegressionUsesFixCommand(t *testing.T) {
	regressed := &types.Feature{ID: 4, Description: "search", VerificationCommand: "true"}
	backlog := &fakeBacklog{features: []*types.Feature{regressed}, remaining: 1}
	decider := &scriptedDecider{actions: []types.SupervisorAction{
		types.FixRegression(regressed, "expected 200"),
		completeAction(),
	}}
	runner := &scriptedRunner{results: []types.SessionResult{okSession()}}
	verifier := &fakeVerifier{outcome: types.VerificationOutcome{Status: types.VerificationPassed}, backlog: backlog}

	l, err := New(decider, runner, verifier, backlog, nil, nil, baseConfig())
	require.NoError(t, err)

	_, rerr := l.Run(context.Background())
	require.NoError(t, rerr)
	require.Len(t, runner.opts, 1)
	assert.Equal(t, "fix", runner.opts[0].Command)
	assert.NotEmpty(t, runner.opts[0].SessionID)
	assert.Equal(t, []string{"search"}, verifier.verified)
}

func TestRunEnhanceReadyRunsEnhanceSessions(t *testing.T) {
	backlog := &fakeBacklog{passing: 1}
	decider := &scriptedDecider{actions: []types.SupervisorAction{
		{Kind: types.ActionEnhanceReady},
		completeAction(),
	}}
	runner := &scriptedRunner{results: []types.SessionResult{okSession()}}

	l, err := New(decider, runner, &fakeVerifier{}, backlog, nil, nil, baseConfig())
	require.NoError(t, err)

	_, rerr := l.Run(context.Background())
	require.NoError(t, rerr)
	require.Len(t, runner.opts, 1)
	assert.Equal(t, "enhance", runner.opts[0].Command)
}

func TestRunTargetModeVerifiesPinnedFeature(t *testing.T) {
	pinned := &types.Feature{ID: 9, Description: "pinned", VerificationCommand: "true"}
	backlog := &fakeBacklog{features: []*types.Feature{pinned}, remaining: 1}
	decider := &scriptedDecider{actions: []types.SupervisorAction{continueAction(), completeAction()}}
	runner := &scriptedRunner{results: []types.SessionResult{okSession()}}
	verifier := &fakeVerifier{outcome: types.VerificationOutcome{Status: types.VerificationPassed}, backlog: backlog}

	cfg := baseConfig()
	cfg.TargetFeatureID = 9

	l, err := New(decider, runner, verifier, backlog, nil, nil, cfg)
	require.NoError(t, err)

	_, rerr := l.Run(context.Background())
	require.NoError(t, rerr)
	assert.Equal(t, []string{"pinned"}, verifier.verified)
}

func TestRunWritesSessionLogs(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	backlog := &fakeBacklog{
		features:  []*types.Feature{{ID: 1, Description: "f", VerificationCommand: "true"}},
		remaining: 1,
	}
	decider := &scriptedDecider{actions: []types.SupervisorAction{continueAction(), completeAction()}}
	runner := &scriptedRunner{results: []types.SessionResult{okSession()}}
	verifier := &fakeVerifier{outcome: types.VerificationOutcome{Status: types.VerificationPassed}, backlog: backlog}

	cfg := baseConfig()
	cfg.LogDir = logDir

	l, err := New(decider, runner, verifier, backlog, nil, nil, cfg)
	require.NoError(t, err)

	_, rerr := l.Run(context.Background())
	require.NoError(t, rerr)

	entries, err := os.ReadDir(logDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "session-0001-continue.log", entries[0].Name())
}

type countingPlan struct {
	completed int
}

func (p *countingPlan) CompleteNextTask() (bool, error) {
	p.completed++
	return true, nil
}

func TestRunAdvancesPlanOnPass(t *testing.T) {
	backlog := &fakeBacklog{
		features:  []*types.Feature{{ID: 1, Description: "f", VerificationCommand: "true"}},
		remaining: 1,
	}
	decider := &scriptedDecider{actions: []types.SupervisorAction{continueAction(), completeAction()}}
	runner := &scriptedRunner{results: []types.SessionResult{okSession()}}
	verifier := &fakeVerifier{outcome: types.VerificationOutcome{Status: types.VerificationPassed}, backlog: backlog}
	plan := &countingPlan{}

	l, err := New(decider, runner, verifier, backlog, nil, plan, baseConfig())
	require.NoError(t, err)

	_, rerr := l.Run(context.Background())
	require.NoError(t, rerr)
	assert.Equal(t, 1, plan.completed)
}

func TestRunDoesNotAdvancePlanOnFail(t *testing.T) {
	backlog := &fakeBacklog{
		features:  []*types.Feature{{ID: 1, Description: "f", VerificationCommand: "true"}},
		remaining: 1,
	}
	decider := &scriptedDecider{actions: []types.SupervisorAction{continueAction()}}
	runner := &scriptedRunner{results: []types.SessionResult{okSession()}}
	verifier := &fakeVerifier{outcome: types.VerificationOutcome{Status: types.VerificationFailed}}
	plan := &countingPlan{}

	cfg := baseConfig()
	cfg.MaxIterations = 2

	l, err := New(decider, runner, verifier, backlog, nil, plan, cfg)
	require.NoError(t, err)

	_, rerr := l.Run(context.Background())
	require.NoError(t, rerr)
	assert.Zero(t, plan.completed)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, &scriptedRunner{}, &fakeVerifier{}, &fakeBacklog{}, nil, nil, baseConfig())
	assert.Error(t, err)

	cfg := baseConfig()
	cfg.MaxRetries = 0
	_, err = New(&scriptedDecider{actions: []types.SupervisorAction{completeAction()}}, &scriptedRunner{}, &fakeVerifier{}, &fakeBacklog{}, nil, nil, cfg)
	assert.Error(t, err)
}
