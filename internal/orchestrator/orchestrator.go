// Package orchestrator drives one task through the attempt loop: run the
// agent, screen its change with the local pipeline, push it, wait for CI and
// feed failures back until CI is green or the retry budget runs out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harrison/warden/internal/logger"
	"github.com/harrison/warden/internal/models"
	"github.com/harrison/warden/internal/pipeline"
	"github.com/harrison/warden/internal/retry"
)

// Names of the results the orchestrator itself produces. Pipeline steps use
// their own names.
const (
	StepAgent = "agent"
	StepPush  = "push"
	StepCI    = "ci"
)

// AgentHandle owns one running agent process.
type AgentHandle interface {
	AwaitCompletion(ctx context.Context, timeout time.Duration) (models.AgentOutcome, error)
	Release() error
}

// AgentLauncher spawns a fresh agent for each attempt.
type AgentLauncher interface {
	Acquire(ctx context.Context, oc models.OrchestrationContext) (AgentHandle, error)
}

// LaunchFunc adapts a function to AgentLauncher.
type LaunchFunc func(ctx context.Context, oc models.OrchestrationContext) (AgentHandle, error)

func (f LaunchFunc) Acquire(ctx context.Context, oc models.OrchestrationContext) (AgentHandle, error) {
	return f(ctx, oc)
}

// Remote pushes a candidate change and reports what CI made of it.
type Remote interface {
	Push(ctx context.Context, oc models.OrchestrationContext) error
	PollStatus(ctx context.Context, branch string) (models.CIStatus, error)
	FailureLogs(ctx context.Context, branch string) (string, error)
}

// Summarizer condenses CI logs into a hint for the next attempt.
type Summarizer interface {
	Summarize(ctx context.Context, logs string) (string, error)
}

// Logger receives the run's progress.
type Logger interface {
	LogRunStart(oc models.OrchestrationContext)
	LogAttemptStart(oc models.OrchestrationContext)
	LogTransition(t models.Transition)
	LogStepResult(attempt int, r models.StrategyResult)
	LogBackoff(attempt int, delay time.Duration)
	LogRunComplete(res *models.RunResult)
	LogWarn(message string)
}

// Options are the collaborators and policies of one Orchestrator.
type Options struct {
	Pipeline *pipeline.Definition
	Backoff  *retry.Backoff
	Poll     retry.PollPolicy
	Launcher AgentLauncher
	Remote   Remote
	Janitor  Summarizer
	Logger   Logger

	// AgentTimeout bounds each agent run. Zero leaves it to the launcher.
	AgentTimeout time.Duration

	// Sleep waits out backoff delays. Defaults to a ctx-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Orchestrator runs the state machine for one task at a time.
type Orchestrator struct {
	opts Options
}

// New validates opts.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Pipeline == nil:
		return nil, models.NewConfigurationError("checks", "pipeline definition is required")
	case opts.Backoff == nil:
		return nil, models.NewConfigurationError("backoff", "backoff policy is required")
	case opts.Launcher == nil:
		return nil, models.NewConfigurationError("agent", "agent launcher is required")
	case opts.Remote == nil:
		return nil, models.NewConfigurationError("github", "remote is required")
	case opts.Janitor == nil:
		return nil, models.NewConfigurationError("janitor", "summarizer is required")
	}
	if err := opts.Poll.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoOpLogger()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{opts: opts}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next is what an attempt asks the loop to do.
type next int

const (
	nextSuccess next = iota
	nextFail
	nextRetry     // straight back to the agent
	nextBackoff   // back to the agent after a backoff delay
	nextRemediate // build a hint from the failure first
	nextCancel
)

// run is the mutable state of one Run call. Only the Run goroutine touches it.
type run struct {
	o     *Orchestrator
	res   *models.RunResult
	state models.State
}

// Run drives oc's task to a terminal state. The returned RunResult is never
// nil and always carries the full history.
//
// Only two kinds of error escape: configuration errors, and cancellation of
// ctx, reported as an error wrapping models.ErrCancelled with the run in
// StateCancelled. Every other failure is absorbed into the result.
func (o *Orchestrator) Run(ctx context.Context, oc models.OrchestrationContext) (*models.RunResult, error) {
	r := &run{
		o: o,
		res: &models.RunResult{
			RunID:     oc.RunID(),
			TaskID:    oc.TaskID(),
			Branch:    oc.Branch(),
			State:     models.StateInit,
			StartedAt: o.opts.Now(),
		},
		state: models.StateInit,
	}
	o.opts.Logger.LogRunStart(oc)
	r.moveTo(models.StateAgentRun, oc.Attempt(), "run started")

	cur := oc
	for {
		rec, result, nx, err := r.attempt(ctx, cur)
		r.res.Attempts = append(r.res.Attempts, rec)
		r.res.History = append(r.res.History, result)

		switch nx {
		case nextSuccess:
			return r.finish(models.StateSuccess, cur.Attempt(), "CI is green", nil)
		case nextCancel:
			return r.cancel(ctx, cur.Attempt())
		case nextFail:
			if err != nil {
				r.res.Err = err
				return r.finish(models.StateFailed, cur.Attempt(), err.Error(), err)
			}
			return r.finish(models.StateFailed, cur.Attempt(), result.Message(), nil)
		}

		if !retry.ShouldRetry(cur.Budget(), result.Classification()) {
			r.res.Err = fmt.Errorf("%w after %d attempt(s): %s", models.ErrBudgetExhausted, cur.Attempt(), result.Message())
			return r.finish(models.StateFailed, cur.Attempt(), models.ErrBudgetExhausted.Error(), nil)
		}

		switch nx {
		case nextRemediate:
			r.moveTo(models.StateRemediation, cur.Attempt(), result.Message())
			hinted, err := r.remediate(ctx, result)
			if err != nil {
				return r.cancel(ctx, cur.Attempt())
			}
			result = hinted
			r.res.History[len(r.res.History)-1] = result
		case nextBackoff:
			delay := o.opts.Backoff.NextDelay(cur.Attempt())
			o.opts.Logger.LogBackoff(cur.Attempt(), delay)
			if err := o.opts.Sleep(ctx, delay); err != nil {
				return r.cancel(ctx, cur.Attempt())
			}
		}

		cur = cur.NextAttempt(result)
		r.moveTo(models.StateAgentRun, cur.Attempt(), fmt.Sprintf("retrying after %s: %s", result.Step(), result.Classification()))
	}
}

// attempt runs one pass from AGENT_RUN up to a verdict. The agent handle is
// released before it returns, whatever the outcome.
func (r *run) attempt(ctx context.Context, oc models.OrchestrationContext) (rec models.AttemptRecord, result models.StrategyResult, nx next, err error) {
	o := r.o
	rec = models.AttemptRecord{Number: oc.Attempt(), StartedAt: o.opts.Now()}
	defer func() {
		rec.Duration = o.opts.Now().Sub(rec.StartedAt)
		if !result.IsZero() && (len(rec.Steps) == 0 || rec.Steps[len(rec.Steps)-1].Step() != result.Step()) {
			rec.Steps = append(rec.Steps, result)
		}
	}()
	o.opts.Logger.LogAttemptStart(oc)

	handle, err := o.opts.Launcher.Acquire(ctx, oc)
	if err != nil {
		if models.IsConfigurationError(err) {
			return rec, models.Fail(StepAgent, err.Error(), models.Fatal), nextFail, err
		}
		if ctx.Err() != nil {
			return rec, cancelled(ctx, StepAgent), nextCancel, nil
		}
		rec.Outcome = models.OutcomeCrashed
		return rec, r.observe(oc, agentFailure(models.OutcomeCrashed, err)), nextBackoff, nil
	}
	defer func() {
		if rerr := handle.Release(); rerr != nil {
			r.warn(fmt.Sprintf("releasing agent for attempt %d: %v", oc.Attempt(), rerr))
		}
	}()

	outcome, err := handle.AwaitCompletion(ctx, o.opts.AgentTimeout)
	rec.Outcome = outcome
	if ctx.Err() != nil {
		return rec, cancelled(ctx, StepAgent), nextCancel, nil
	}
	if outcome != models.OutcomeProducedChange {
		if err == nil {
			err = fmt.Errorf("agent finished with outcome %q", outcome)
		}
		return rec, r.observe(oc, agentFailure(outcome, err)), nextBackoff, nil
	}
	rec.Steps = append(rec.Steps, r.observe(oc, models.Pass(StepAgent, "agent produced a candidate change")))

	// Line 1: local defense.
	r.moveTo(models.StateLocalDefense, oc.Attempt(), "agent produced a change")
	agg, err := o.opts.Pipeline.Execute(ctx, oc, func(sr models.StrategyResult) {
		rec.Steps = append(rec.Steps, r.observe(oc, sr))
	})
	if err != nil {
		return rec, cancelled(ctx, "local-defense"), nextCancel, nil
	}
	if failed, ok := agg.Failed(); ok {
		if failed.Classification() == models.Fatal {
			return rec, failed, nextFail, nil
		}
		return rec, failed, nextRetry, nil
	}

	// Line 2: remote verification.
	r.moveTo(models.StateRemotePush, oc.Attempt(), "local defense passed")
	if err := o.opts.Remote.Push(ctx, oc); err != nil {
		if ctx.Err() != nil {
			return rec, cancelled(ctx, StepPush), nextCancel, nil
		}
		if models.IsFatalRemote(err) {
			return rec, r.observe(oc, models.Fail(StepPush, err.Error(), models.Fatal)), nextFail, nil
		}
		return rec, r.observe(oc, models.Fail(StepPush, err.Error(), models.RemediationTrigger)), nextRemediate, nil
	}
	rec.Steps = append(rec.Steps, r.observe(oc, models.Pass(StepPush, "pushed to "+oc.Branch())))

	r.moveTo(models.StateCIPoll, oc.Attempt(), "pushed "+oc.Branch())
	result, nx = r.pollCI(ctx, oc)
	return rec, r.observe(oc, result), nx, nil
}

func (r *run) pollCI(ctx context.Context, oc models.OrchestrationContext) (models.StrategyResult, next) {
	var status models.CIStatus
	polls, err := r.o.opts.Poll.Poll(ctx, func(pctx context.Context) (bool, error) {
		s, err := r.o.opts.Remote.PollStatus(pctx, oc.Branch())
		if err != nil {
			if models.IsFatalRemote(err) {
				return false, err
			}
			if pctx.Err() == nil {
				r.warn(fmt.Sprintf("CI status for %s: %v", oc.Branch(), err))
			}
			return false, nil
		}
		status = s
		return s != models.CIPending, nil
	})

	switch {
	case ctx.Err() != nil:
		return cancelled(ctx, StepCI), nextCancel
	case errors.Is(err, retry.ErrPollTimeout):
		return models.Fail(StepCI, fmt.Sprintf("CI did not finish within %v (%d polls)", r.o.opts.Poll.Timeout, polls), models.RemediationTrigger), nextRemediate
	case err != nil:
		return models.Fail(StepCI, err.Error(), models.Fatal), nextFail
	case status == models.CIGreen:
		return models.Pass(StepCI, "CI checks passed"), nextSuccess
	default:
		return models.Fail(StepCI, "CI checks failed on "+oc.Branch(), models.RemediationTrigger), nextRemediate
	}
}

// remediate attaches a hint to a failed remote result. CI failures are
// summarized from the job logs; push failures carry their own message. Only
// cancellation is returned as an error.
func (r *run) remediate(ctx context.Context, failed models.StrategyResult) (models.StrategyResult, error) {
	if failed.Step() != StepCI {
		return failed.WithDetail(models.DetailHint, "The push to the remote failed: "+failed.Message()), nil
	}

	logs, err := r.o.opts.Remote.FailureLogs(ctx, r.res.Branch)
	if err != nil {
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}
		r.warn(fmt.Sprintf("fetching CI logs: %v", err))
		logs = ""
	}
	hint, err := r.o.opts.Janitor.Summarize(ctx, logs)
	if err != nil {
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}
		r.warn(fmt.Sprintf("summarizing CI logs: %v", err))
		hint = failed.Message()
	}
	if logs != "" {
		failed = failed.WithDetail(models.DetailLogs, logs)
	}
	return failed.WithDetail(models.DetailHint, hint), nil
}

func (r *run) moveTo(to models.State, attempt int, reason string) {
	t := models.Transition{From: r.state, To: to, Attempt: attempt, Reason: reason, At: r.o.opts.Now()}
	r.res.Transitions = append(r.res.Transitions, t)
	r.state = to
	r.res.State = to
	r.o.opts.Logger.LogTransition(t)
}

func (r *run) finish(state models.State, attempt int, reason string, err error) (*models.RunResult, error) {
	r.moveTo(state, attempt, reason)
	r.res.Duration = r.o.opts.Now().Sub(r.res.StartedAt)
	r.o.opts.Logger.LogRunComplete(r.res)
	return r.res, err
}

func (r *run) cancel(ctx context.Context, attempt int) (*models.RunResult, error) {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	err := fmt.Errorf("%w: %w", models.ErrCancelled, cause)
	r.res.Err = err
	res, _ := r.finish(models.StateCancelled, attempt, cause.Error(), nil)
	return res, err
}

func (r *run) observe(oc models.OrchestrationContext, sr models.StrategyResult) models.StrategyResult {
	r.o.opts.Logger.LogStepResult(oc.Attempt(), sr)
	return sr
}

func (r *run) warn(msg string) {
	r.o.opts.Logger.LogWarn(msg)
}

func agentFailure(outcome models.AgentOutcome, err error) models.StrategyResult {
	res := models.Fail(StepAgent, err.Error(), models.RetryableLocal).
		WithDetail(models.DetailOutcome, string(outcome))
	var perr *models.AgentProcessError
	if errors.As(err, &perr) && perr.Output != "" {
		res = res.WithDetail(models.DetailOutput, perr.Output)
	}
	return res
}

func cancelled(ctx context.Context, step string) models.StrategyResult {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return models.Fail(step, "run cancelled: "+cause.Error(), models.Fatal)
}
