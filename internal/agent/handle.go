package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/harrison/warden/internal/models"
)

const (
	defaultGracePeriod = 5 * time.Second
	defaultOutputTail  = 8 * 1024
	// drainTimeout bounds how long AwaitCompletion waits for buffered output
	// after the process has exited.
	drainTimeout = 2 * time.Second
)

// Logger receives agent lifecycle messages. Both logger.ConsoleLogger and
// logger.FileLogger satisfy it.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
}

// Config describes how to spawn the agent CLI.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
	// Timeout is used by AwaitCompletion when the caller passes no timeout.
	Timeout time.Duration
	// GracePeriod separates SIGTERM from SIGKILL on release.
	GracePeriod time.Duration
	// CloseStdin closes the agent's stdin after the prompt is written, for
	// agents that read their task until EOF. Confirmation prompts cannot be
	// answered in that mode.
	CloseStdin bool
	// RequireCompletion makes a clean exit without the completion signal a
	// crash rather than a produced change.
	RequireCompletion bool
	Protocol          ProtocolConfig
}

// Launcher spawns one agent process per attempt.
type Launcher struct {
	cfg    Config
	logger Logger
}

// NewLauncher validates cfg. The output patterns are compiled once here so a
// bad pattern fails the run before any process is spawned.
func NewLauncher(cfg Config, logger Logger) (*Launcher, error) {
	if cfg.Command == "" {
		return nil, models.NewConfigurationError("agent.command", "must not be empty")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if _, err := NewProtocol(cfg.Protocol); err != nil {
		return nil, err
	}
	return &Launcher{cfg: cfg, logger: logger}, nil
}

// Acquire spawns the agent in the context's working tree, writes the rendered
// prompt to its stdin and returns a handle that owns the process. The caller
// must Release the handle on every path.
//
// ctx bounds the spawn and the prompt write; once Acquire returns, the
// process outlives ctx until Release.
func (l *Launcher) Acquire(ctx context.Context, oc models.OrchestrationContext) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proto, err := NewProtocol(l.cfg.Protocol)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(l.cfg.Command, l.cfg.Args...)
	cmd.Dir = oc.WorkTree()
	cmd.Env = append(os.Environ(),
		"WARDEN_RUN_ID="+oc.RunID(),
		"WARDEN_TASK_ID="+oc.TaskID(),
		"WARDEN_BRANCH="+oc.Branch(),
		"WARDEN_ATTEMPT="+strconv.Itoa(oc.Attempt()),
	)
	for k, v := range l.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// stdout and stderr share one pipe so prompts are seen in the order the
	// agent wrote them.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		return nil, &models.AgentProcessError{Outcome: models.OutcomeCrashed, Err: fmt.Errorf("start %s: %w", l.cfg.Command, err)}
	}
	outW.Close()

	h := &Handle{
		cmd:      cmd,
		stdin:    stdin,
		out:      outR,
		proto:    proto,
		tail:     newTailBuffer(defaultOutputTail),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		complete: make(chan struct{}),
		grace:    l.cfg.GracePeriod,
		timeout:  l.cfg.Timeout,
		started:  time.Now(),
		pgid:     cmd.Process.Pid,
		logger:   l.logger,
		strict:   l.cfg.RequireCompletion,
	}
	go h.wait()
	go h.read()

	// An agent that never drains stdin must not pin Acquire past ctx.
	written := make(chan error, 1)
	prompt := RenderPrompt(oc)
	go func() { written <- h.write(prompt) }()
	select {
	case err := <-written:
		if err != nil {
			_ = h.Release()
			return nil, &models.AgentProcessError{Outcome: models.OutcomeCrashed, Output: h.Output(), Err: fmt.Errorf("write prompt: %w", err)}
		}
	case <-ctx.Done():
		h.logInfo("cancelled while writing the prompt")
		_ = h.Release()
		return nil, ctx.Err()
	}
	if l.cfg.CloseStdin {
		h.closeStdin()
	}

	h.logInfo(fmt.Sprintf("agent started (pid %d, attempt %d)", cmd.Process.Pid, oc.Attempt()))
	return h, nil
}

// Handle owns one running agent process for the duration of one attempt.
// It is not reused across attempts.
type Handle struct {
	cmd   *exec.Cmd
	out   *os.File
	proto *Protocol
	tail  *tailBuffer

	grace   time.Duration
	timeout time.Duration
	started time.Time
	pgid    int
	logger  Logger

	done     chan struct{}
	readDone chan struct{}
	complete chan struct{}
	waitErr  error
	strict   bool

	// writeMu keeps the prompt and auto-replies from interleaving. It is
	// never held together with mu.
	writeMu sync.Mutex

	mu          sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool
	sessionID   string
	completed   bool
	declined    bool

	releaseOnce sync.Once
	releaseErr  error
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.waitErr = err
	h.mu.Unlock()
	close(h.done)
}

// read feeds every output chunk to the protocol and answers confirmation
// prompts.
func (h *Handle) read() {
	defer close(h.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := h.out.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = h.tail.Write(chunk)
			for _, a := range h.proto.Feed(string(chunk)) {
				h.apply(a)
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *Handle) apply(a Action) {
	switch a.Kind {
	case ActionReply:
		h.logDebug("auto-replying to agent prompt")
		if err := h.write(a.Text); err != nil {
			h.logDebug(fmt.Sprintf("auto-reply not delivered: %v", err))
		}
	case ActionSession:
		h.mu.Lock()
		h.sessionID = a.Text
		h.mu.Unlock()
		h.logInfo("agent session " + a.Text)
	case ActionComplete:
		h.mu.Lock()
		first := !h.completed
		if first {
			h.completed = true
			close(h.complete)
		}
		h.mu.Unlock()
		if first {
			h.logInfo("agent reported all requirements met")
		}
	case ActionDecline:
		h.mu.Lock()
		h.declined = true
		h.mu.Unlock()
		h.logInfo("agent declined the task")
	}
}

// write may block until the agent reads its stdin. It holds writeMu only, so
// closeStdin can still close the pipe and unblock it.
func (h *Handle) write(s string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.Lock()
	closed, w := h.stdinClosed, h.stdin
	h.mu.Unlock()
	if closed {
		return errors.New("stdin closed")
	}
	_, err := io.WriteString(w, s)
	return err
}

func (h *Handle) closeStdin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stdinClosed {
		h.stdinClosed = true
		_ = h.stdin.Close()
	}
}

// AwaitCompletion blocks until the agent exits, reports completion, the
// timeout elapses or ctx is done. The completion signal ends the wait with
// OutcomeProducedChange even while the process keeps running. A non-positive
// timeout falls back to the launcher's configured one; zero there means no
// limit.
//
// The returned error is nil only for OutcomeProducedChange. For every other
// outcome it is a *models.AgentProcessError carrying the output tail. When
// ctx ends first the outcome is empty and ctx.Err() is returned; the caller
// still has to Release.
func (h *Handle) AwaitCompletion(ctx context.Context, timeout time.Duration) (models.AgentOutcome, error) {
	if timeout <= 0 {
		timeout = h.timeout
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-h.complete:
		if h.isDeclined() {
			return h.outcome()
		}
		return models.OutcomeProducedChange, nil
	case <-h.done:
	case <-expired:
		h.logInfo(fmt.Sprintf("agent exceeded %v, terminating", timeout))
		_ = h.terminate()
		return models.OutcomeTimedOut, &models.AgentProcessError{
			Outcome:  models.OutcomeTimedOut,
			Output:   h.Output(),
			Duration: time.Since(h.started),
			Err:      fmt.Errorf("no exit within %v", timeout),
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case <-h.readDone:
	case <-time.After(drainTimeout):
	}
	return h.outcome()
}

func (h *Handle) isDeclined() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.declined
}

func (h *Handle) outcome() (models.AgentOutcome, error) {
	h.mu.Lock()
	waitErr, declined, completed := h.waitErr, h.declined, h.completed
	h.mu.Unlock()
	duration := time.Since(h.started)

	if declined {
		return models.OutcomeDeclined, &models.AgentProcessError{
			Outcome:  models.OutcomeDeclined,
			Output:   h.Output(),
			Duration: duration,
			Err:      errors.New("agent declined the task"),
		}
	}
	if completed {
		return models.OutcomeProducedChange, nil
	}
	if waitErr == nil && h.strict {
		return models.OutcomeCrashed, &models.AgentProcessError{
			Outcome:  models.OutcomeCrashed,
			Output:   h.Output(),
			Duration: duration,
			Err:      errors.New("agent exited without reporting completion"),
		}
	}
	if waitErr == nil {
		return models.OutcomeProducedChange, nil
	}

	perr := &models.AgentProcessError{
		Outcome:  models.OutcomeCrashed,
		Output:   h.Output(),
		Duration: duration,
		Err:      waitErr,
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		perr.ExitCode = exitErr.ExitCode()
	}
	return models.OutcomeCrashed, perr
}

// Release terminates the agent's process group (SIGTERM, then SIGKILL after
// the grace period) and reaps it. It is idempotent; later calls return the
// first call's result.
func (h *Handle) Release() error {
	h.releaseOnce.Do(func() {
		h.closeStdin()
		h.releaseErr = h.terminate()
		select {
		case <-h.readDone:
		case <-time.After(drainTimeout):
		}
		_ = h.out.Close()
		h.logDebug(fmt.Sprintf("agent released after %v", time.Since(h.started).Round(time.Millisecond)))
	})
	return h.releaseErr
}

// terminate stops the process group and waits for the leader to be reaped.
func (h *Handle) terminate() error {
	select {
	case <-h.done:
		// Leader is gone; sweep anything it left behind in its group.
		_ = signalGroup(h.cmd.Process, h.pgid, true)
		return nil
	default:
	}

	_ = signalGroup(h.cmd.Process, h.pgid, false)
	select {
	case <-h.done:
		return nil
	case <-time.After(h.grace):
	}

	_ = signalGroup(h.cmd.Process, h.pgid, true)
	select {
	case <-h.done:
		return nil
	case <-time.After(h.grace):
		return fmt.Errorf("agent pid %d did not exit after SIGKILL", h.pgid)
	}
}

// Completed reports whether the agent announced that it met all requirements.
func (h *Handle) Completed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

// SessionID returns the session identifier printed by the agent, if any.
func (h *Handle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// PID returns the agent's process ID.
func (h *Handle) PID() int { return h.pgid }

// Output returns the tail of the agent's combined output.
func (h *Handle) Output() string { return h.tail.String() }

func (h *Handle) logInfo(msg string) {
	if h.logger != nil {
		h.logger.LogInfo(msg)
	}
}

func (h *Handle) logDebug(msg string) {
	if h.logger != nil {
		h.logger.LogDebug(msg)
	}
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = defaultOutputTail
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if len(t.buf)+len(p) > t.max {
		excess := len(t.buf) + len(p) - t.max
		t.buf = t.buf[excess:]
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
