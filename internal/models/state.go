package models

import "time"

// State is a node of the orchestration state machine.
type State string

const (
	StateInit         State = "INIT"
	StateAgentRun     State = "AGENT_RUN"
	StateLocalDefense State = "LOCAL_DEFENSE"
	StateRemotePush   State = "REMOTE_PUSH"
	StateCIPoll       State = "CI_POLL"
	StateRemediation  State = "REMEDIATION"
	StateSuccess      State = "SUCCESS"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

// AgentOutcome is how one agent invocation ended.
type AgentOutcome string

const (
	OutcomeProducedChange AgentOutcome = "produced-change"
	OutcomeDeclined       AgentOutcome = "declined"
	OutcomeCrashed        AgentOutcome = "crashed"
	OutcomeTimedOut       AgentOutcome = "timed-out"
)

// CIStatus is the aggregated state of the remote checks for a branch.
type CIStatus string

const (
	CIGreen   CIStatus = "green"
	CIRed     CIStatus = "red"
	CIPending CIStatus = "pending"
)

// Exit codes reported by the CLI.
const (
	ExitSuccess   = 0
	ExitFailed    = 1
	ExitCancelled = 2
	ExitConfig    = 3
)

// Transition records one edge taken by the state machine.
type Transition struct {
	From    State
	To      State
	Attempt int
	Reason  string
	At      time.Time
}

// AttemptRecord is the full step trail of one attempt.
type AttemptRecord struct {
	Number    int
	Outcome   AgentOutcome
	Steps     []StrategyResult
	StartedAt time.Time
	Duration  time.Duration
}

// RunResult is what the orchestrator reports when it reaches a terminal state.
type RunResult struct {
	RunID       string
	TaskID      string
	Branch      string
	State       State
	History     []StrategyResult // one decisive result per attempt
	Attempts    []AttemptRecord
	Transitions []Transition
	StartedAt   time.Time
	Duration    time.Duration
	// Err is the terminal cause when one exists beyond the last result:
	// ErrBudgetExhausted, a configuration error or the cancellation.
	Err error
}

// Final returns the last decisive result, if any.
func (r *RunResult) Final() (StrategyResult, bool) {
	if r == nil || len(r.History) == 0 {
		return StrategyResult{}, false
	}
	return r.History[len(r.History)-1], true
}

// ExitCode maps the terminal state to the process exit status.
func (r *RunResult) ExitCode() int {
	if r == nil {
		return ExitFailed
	}
	switch r.State {
	case StateSuccess:
		return ExitSuccess
	case StateCancelled:
		return ExitCancelled
	default:
		return ExitFailed
	}
}

// AgentRuns counts entries into AGENT_RUN.
func (r *RunResult) AgentRuns() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, t := range r.Transitions {
		if t.To == StateAgentRun {
			n++
		}
	}
	return n
}
