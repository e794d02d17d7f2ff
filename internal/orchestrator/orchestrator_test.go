package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/warden/internal/models"
	"github.com/harrison/warden/internal/pipeline"
	"github.com/harrison/warden/internal/retry"
)

type fakeHandle struct {
	outcome  models.AgentOutcome
	err      error
	block    bool
	mu       sync.Mutex
	releases int
}

func (h *fakeHandle) AwaitCompletion(ctx context.Context, timeout time.Duration) (models.AgentOutcome, error) {
	if h.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return h.outcome, h.err
}

func (h *fakeHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releases++
	return nil
}

type fakeLauncher struct {
	// outcomes[i] is the outcome of attempt i+1; produced-change past the end.
	outcomes   []models.AgentOutcome
	block      bool
	acquireErr error
	handles    []*fakeHandle
	contexts   []models.OrchestrationContext
}

func (l *fakeLauncher) Acquire(ctx context.Context, oc models.OrchestrationContext) (AgentHandle, error) {
	l.contexts = append(l.contexts, oc)
	if l.acquireErr != nil {
		return nil, l.acquireErr
	}
	h := &fakeHandle{outcome: models.OutcomeProducedChange, block: l.block}
	if i := len(l.handles); i < len(l.outcomes) {
		h.outcome = l.outcomes[i]
		if h.outcome != models.OutcomeProducedChange {
			h.err = &models.AgentProcessError{Outcome: h.outcome, ExitCode: 3, Output: "segfault", Err: errors.New("exit status 3")}
		}
	}
	l.handles = append(l.handles, h)
	return h, nil
}

type fakeRemote struct {
	pushErr  error
	statuses []models.CIStatus // consumed per poll; the last one repeats
	pollErrs []error           // returned before statuses are consumed
	logs     string
	onPoll   func()

	pushes int
	polls  int
}

func (r *fakeRemote) Push(ctx context.Context, oc models.OrchestrationContext) error {
	r.pushes++
	return r.pushErr
}

func (r *fakeRemote) PollStatus(ctx context.Context, branch string) (models.CIStatus, error) {
	r.polls++
	if r.onPoll != nil {
		r.onPoll()
	}
	if len(r.pollErrs) > 0 {
		err := r.pollErrs[0]
		r.pollErrs = r.pollErrs[1:]
		return "", err
	}
	if len(r.statuses) == 0 {
		return models.CIGreen, nil
	}
	s := r.statuses[0]
	if len(r.statuses) > 1 {
		r.statuses = r.statuses[1:]
	}
	return s, nil
}

func (r *fakeRemote) FailureLogs(ctx context.Context, branch string) (string, error) {
	return r.logs, nil
}

type fakeJanitor struct {
	hint  string
	calls int
	logs  []string
}

func (j *fakeJanitor) Summarize(ctx context.Context, logs string) (string, error) {
	j.calls++
	j.logs = append(j.logs, logs)
	return j.hint, nil
}

type countingStep struct {
	name  string
	class models.Classification // empty means pass
	calls int
}

func (s *countingStep) Name() string { return s.name }

func (s *countingStep) Execute(ctx context.Context, oc models.OrchestrationContext) (models.StrategyResult, error) {
	s.calls++
	if s.class == "" {
		return models.Pass(s.name, "ok"), nil
	}
	return models.Fail(s.name, s.name+" found problems", s.class), nil
}

type harness struct {
	launcher *fakeLauncher
	remote   *fakeRemote
	janitor  *fakeJanitor
	steps    []*countingStep
	delays   []time.Duration
	opts     Options
}

func newHarness(t *testing.T, steps ...*countingStep) *harness {
	t.Helper()
	h := &harness{
		launcher: &fakeLauncher{},
		remote:   &fakeRemote{},
		janitor:  &fakeJanitor{hint: "fix the nil check in handler.go"},
		steps:    steps,
	}
	ps := make([]pipeline.Step, len(steps))
	for i, s := range steps {
		ps[i] = s
	}
	def, err := pipeline.NewDefinition(ps...)
	require.NoError(t, err)
	b, err := retry.NewBackoff(retry.BackoffConfig{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second})
	require.NoError(t, err)

	h.opts = Options{
		Pipeline: def,
		Backoff:  b,
		Poll:     retry.PollPolicy{Interval: time.Millisecond, Timeout: 200 * time.Millisecond},
		Launcher: h.launcher,
		Remote:   h.remote,
		Janitor:  h.janitor,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.delays = append(h.delays, d)
			return ctx.Err()
		},
	}
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context, budget int) (*models.RunResult, error) {
	t.Helper()
	o, err := New(h.opts)
	require.NoError(t, err)
	oc, err := models.NewOrchestrationContext(models.ContextParams{
		RunID:    "run-1",
		TaskID:   "task-1",
		WorkTree: t.TempDir(),
		Branch:   "warden/task-1",
		Spec:     "Implement the thing",
		Budget:   budget,
	})
	require.NoError(t, err)
	return o.Run(ctx, oc)
}

func assertReleasedOncePerAttempt(t *testing.T, l *fakeLauncher) {
	t.Helper()
	for i, h := range l.handles {
		assert.Equal(t, 1, h.releases, "attempt %d", i+1)
	}
}

func assertAttemptsIncrement(t *testing.T, l *fakeLauncher, budget int) {
	t.Helper()
	for i, oc := range l.contexts {
		assert.Equal(t, i+1, oc.Attempt())
		assert.Equal(t, budget-i, oc.Budget())
	}
	assert.LessOrEqual(t, len(l.contexts), budget+1)
}

func states(res *models.RunResult) []models.State {
	out := []models.State{models.StateInit}
	for _, tr := range res.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func TestRunSucceedsOnFirstGreenPoll(t *testing.T) {
	h := newHarness(t, &countingStep{name: "security"}, &countingStep{name: "code-review"})

	res, err := h.run(t, context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, models.StateSuccess, res.State)
	assert.Equal(t, models.ExitSuccess, res.ExitCode())
	require.Len(t, res.History, 1)
	assert.Equal(t, StepCI, res.History[0].Step())
	assert.True(t, res.History[0].Success())
	assert.Equal(t, 1, h.remote.polls)
	assert.Equal(t, 1, h.remote.pushes)
	assert.Zero(t, h.janitor.calls)
	assertReleasedOncePerAttempt(t, h.launcher)

	assert.Equal(t, []models.State{
		models.StateInit, models.StateAgentRun, models.StateLocalDefense,
		models.StateRemotePush, models.StateCIPoll, models.StateSuccess,
	}, states(res))

	require.Len(t, res.Attempts, 1)
	var names []string
	for _, s := range res.Attempts[0].Steps {
		names = append(names, s.Step())
	}
	assert.Equal(t, []string{StepAgent, "security", "code-review", StepPush, StepCI}, names)
}

func TestRunRetryableLocalFailureExhaustsBudget(t *testing.T) {
	failing := &countingStep{name: "security", class: models.RetryableLocal}
	after := &countingStep{name: "code-review"}
	h := newHarness(t, failing, after)

	res, err := h.run(t, context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, models.ExitFailed, res.ExitCode())
	assert.Equal(t, 3, res.AgentRuns())
	assert.Len(t, h.launcher.handles, 3)
	assert.Equal(t, 3, failing.calls)
	assert.Zero(t, after.calls, "steps after a failure never run")
	assert.Zero(t, h.remote.pushes)
	assert.Empty(t, h.delays, "local failures retry without backoff")
	assert.Len(t, res.History, 3)
	assertReleasedOncePerAttempt(t, h.launcher)
	assertAttemptsIncrement(t, h.launcher, 2)

	last := res.Transitions[len(res.Transitions)-1]
	assert.Equal(t, models.StateLocalDefense, last.From)
	assert.Equal(t, models.StateFailed, last.To)
	assert.Contains(t, last.Reason, "budget")
	require.ErrorIs(t, res.Err, models.ErrBudgetExhausted)
	assert.Contains(t, res.Err.Error(), "after 3 attempt(s)")
}

func TestRunFatalLocalFailureStopsImmediately(t *testing.T) {
	h := newHarness(t, &countingStep{name: "security", class: models.Fatal})

	res, err := h.run(t, context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, 1, res.AgentRuns())
	require.Len(t, res.History, 1)
	assert.Equal(t, models.Fatal, res.History[0].Classification())
	assert.NoError(t, res.Err, "the fatal result itself is the cause")
	assertReleasedOncePerAttempt(t, h.launcher)
}

func TestRunFeedsFailuresForwardIntoNextContext(t *testing.T) {
	h := newHarness(t, &countingStep{name: "security"})
	h.remote.statuses = []models.CIStatus{models.CIRed, models.CIGreen}
	h.remote.logs = "--- FAIL: TestLogin"

	res, err := h.run(t, context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, models.StateSuccess, res.State)
	require.Len(t, h.launcher.contexts, 2)
	second := h.launcher.contexts[1]
	require.Len(t, second.History(), 1)
	assert.Equal(t, models.RemediationTrigger, second.History()[0].Classification())
	assert.Equal(t, []string{"fix the nil check in handler.go"}, second.Hints())
	assert.Equal(t, []string{"--- FAIL: TestLogin"}, h.janitor.logs)

	assert.Equal(t, []models.State{
		models.StateInit, models.StateAgentRun, models.StateLocalDefense, models.StateRemotePush,
		models.StateCIPoll, models.StateRemediation, models.StateAgentRun, models.StateLocalDefense,
		models.StateRemotePush, models.StateCIPoll, models.StateSuccess,
	}, states(res))
	assertReleasedOncePerAttempt(t, h.launcher)
	assertAttemptsIncrement(t, h.launcher, 3)
}

func TestRunCIRedWithoutBudgetFailsBeforeRemediation(t *testing.T) {
	h := newHarness(t)
	h.remote.statuses = []models.CIStatus{models.CIRed}

	res, err := h.run(t, context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, models.StateFailed, res.State)
	assert.Zero(t, h.janitor.calls)
	last := res.Transitions[len(res.Transitions)-1]
	assert.Equal(t, models.StateCIPoll, last.From)
}

func TestRunPollTimeoutTriggersRemediation(t *testing.T) {
	h := newHarness(t)
	h.opts.Poll = retry.PollPolicy{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond}
	h.remote.statuses = []models.CIStatus{models.CIPending}

	res, err := h.run(t, context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, models.StateFailed, res.State)
	require.Len(t, res.History, 2)
	assert.Equal(t, models.RemediationTrigger, res.History[0].Classification())
	assert.Contains(t, res.History[0].Message(), "did not finish")
	assert.Equal(t, 1, h.janitor.calls)
	assert.Equal(t, 2, res.AgentRuns())
}

func TestRunTransientPollErrorsKeepPolling(t *testing.T) {
	h := newHarness(t)
	h.remote.pollErrs = []error{&models.RemoteOperationError{Op: "poll", Err: errors.New("502")}}
	h.remote.statuses = []models.CIStatus{models.CIPending, models.CIGreen}

	res, err := h.run(t, context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateSuccess, res.State)
	assert.Equal(t, 3, h.remote.polls)
}

func TestRunFatalPollErrorFails(t *testing.T) {
	h := newHarness(t)
	h.remote.pollErrs = []error{&models.RemoteOperationError{Op: "poll", Fatal: true, Err: errors.New("401 Bad credentials")}}

	res, err := h.run(t, context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, 1, res.AgentRuns())
	assert.Equal(t, models.Fatal, res.History[0].Classification())
}

func TestRunFatalPushFails(t *testing.T) {
	h := newHarness(t)
	h.remote.pushErr = &models.RemoteOperationError{Op: "push", Fatal: true, Err: errors.New("authentication required")}

	res, err := h.run(t, context.Background(), 4)
	require.NoError(t, err)

	assert.Equal(t, models.StateFailed, res.State)
	assert.Zero(t, h.remote.polls)
	last := res.Transitions[len(res.Transitions)-1]
	assert.Equal(t, models.StateRemotePush, last.From)
	assertReleasedOncePerAttempt(t, h.launcher)
}

func TestRunTransientPushRetriesWithHint(t *testing.T) {
	h := newHarness(t)
	h.remote.pushErr = &models.RemoteOperationError{Op: "push", Err: errors.New("connection reset")}

	res, err := h.run(t, context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, 2, h.remote.pushes)
	assert.Zero(t, h.janitor.calls, "push failures carry their own hint")
	require.Len(t, h.launcher.contexts, 2)
	hints := h.launcher.contexts[1].Hints()
	require.Len(t, hints, 1)
	assert.Contains(t, hints[0], "connection reset")
}

func TestRunAgentCrashBacksOff(t *testing.T) {
	h := newHarness(t)
	h.launcher.outcomes = []models.AgentOutcome{models.OutcomeCrashed, models.OutcomeTimedOut, models.OutcomeDeclined}

	res, err := h.run(t, context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, models.StateSuccess, res.State)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.delays)
	assert.Equal(t, 4, res.AgentRuns())
	require.Len(t, res.History, 4)
	for _, r := range res.History[:3] {
		assert.Equal(t, StepAgent, r.Step())
		assert.Equal(t, models.RetryableLocal, r.Classification())
	}
	out, ok := res.History[0].Detail(models.DetailOutput)
	require.True(t, ok)
	assert.Equal(t, "segfault", out)
	assert.Equal(t, models.OutcomeCrashed, res.Attempts[0].Outcome)
	assertReleasedOncePerAttempt(t, h.launcher)
	assertAttemptsIncrement(t, h.launcher, 3)
}

func TestRunAgentCrashWithoutBudgetFails(t *testing.T) {
	h := newHarness(t)
	h.launcher.outcomes = []models.AgentOutcome{models.OutcomeCrashed}

	res, err := h.run(t, context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, models.StateFailed, res.State)
	assert.Empty(t, h.delays)
	last := res.Transitions[len(res.Transitions)-1]
	assert.Equal(t, models.StateAgentRun, last.From)
}

func TestRunConfigurationErrorPropagates(t *testing.T) {
	h := newHarness(t)
	h.launcher.acquireErr = models.NewConfigurationError("agent.command", "not found")

	res, err := h.run(t, context.Background(), 3)
	require.Error(t, err)
	assert.True(t, models.IsConfigurationError(err))
	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, models.ExitFailed, res.ExitCode())
}

func TestRunCancelledDuringCIPoll(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.remote.statuses = []models.CIStatus{models.CIPending}
	h.remote.onPoll = func() {
		if h.remote.polls == 2 {
			cancel()
		}
	}
	h.opts.Poll = retry.PollPolicy{Interval: time.Millisecond, Timeout: time.Minute}

	res, err := h.run(t, ctx, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, models.IsCancellation(err))

	assert.Equal(t, models.StateCancelled, res.State)
	assert.Equal(t, models.ExitCancelled, res.ExitCode())
	assert.NotEqual(t, models.ExitFailed, res.ExitCode())
	assert.Equal(t, 1, res.AgentRuns(), "a cancelled run is never retried")
	require.Len(t, h.launcher.handles, 1)
	assert.Equal(t, 1, h.launcher.handles[0].releases)
	assert.ErrorIs(t, res.Err, models.ErrCancelled)

	last := res.Transitions[len(res.Transitions)-1]
	assert.Equal(t, models.StateCIPoll, last.From)
	assert.Equal(t, models.StateCancelled, last.To)
}

func TestRunCancelledWhileAgentRuns(t *testing.T) {
	h := newHarness(t)
	h.launcher.block = true
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := h.run(t, ctx, 5)
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.StateCancelled, res.State)
	require.Len(t, h.launcher.handles, 1)
	assert.Equal(t, 1, h.launcher.handles[0].releases)
	require.Len(t, res.History, 1)
	assert.True(t, strings.HasPrefix(res.History[0].Message(), "run cancelled"))
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	h := newHarness(t)
	h.launcher.outcomes = []models.AgentOutcome{models.OutcomeCrashed}
	ctx, cancel := context.WithCancel(context.Background())
	h.opts.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	res, err := h.run(t, ctx, 5)
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.Equal(t, models.StateCancelled, res.State)
	assert.Equal(t, 1, res.AgentRuns())
	assertReleasedOncePerAttempt(t, h.launcher)
}

func TestNewValidatesOptions(t *testing.T) {
	h := newHarness(t)

	opts := h.opts
	opts.Pipeline = nil
	_, err := New(opts)
	assert.True(t, models.IsConfigurationError(err))

	opts = h.opts
	opts.Launcher = nil
	_, err = New(opts)
	assert.True(t, models.IsConfigurationError(err))

	opts = h.opts
	opts.Poll = retry.PollPolicy{}
	_, err = New(opts)
	assert.Error(t, err)
}

func TestLaunchFuncAdapter(t *testing.T) {
	called := false
	var l AgentLauncher = LaunchFunc(func(ctx context.Context, oc models.OrchestrationContext) (AgentHandle, error) {
		called = true
		return &fakeHandle{}, nil
	})
	_, err := l.Acquire(context.Background(), models.OrchestrationContext{})
	require.NoError(t, err)
	assert.True(t, called)
}
