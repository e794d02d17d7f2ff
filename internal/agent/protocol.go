package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/harrison/warden/internal/models"
)

// DefaultConfirmReply is written to the agent whenever it asks a routine
// confirmation question.
const DefaultConfirmReply = "Use your best judgment and make autonomous decisions."

// Default output patterns recognized by Protocol.
const (
	DefaultPromptPattern     = `(?m)\?[ \t]*$|\[y/n\]`
	DefaultCompletionPattern = `(?i)100% of the requirements is met`
	DefaultDeclinePattern    = `(?i)(I (cannot|can't|won't) (complete|do|implement) this|task declined)`
	DefaultSessionPattern    = `Session ID: (\S+)\s`
)

// maxPending bounds the unmatched output kept between chunks.
const maxPending = 4096

// ActionKind identifies what the agent's output asked for.
type ActionKind int

const (
	// ActionReply means the agent is waiting on a confirmation prompt.
	ActionReply ActionKind = iota
	// ActionComplete means the agent announced it met the requirements.
	ActionComplete
	// ActionDecline means the agent refused the task.
	ActionDecline
	// ActionSession carries the agent's session identifier in Text.
	ActionSession
)

func (k ActionKind) String() string {
	switch k {
	case ActionReply:
		return "reply"
	case ActionComplete:
		return "complete"
	case ActionDecline:
		return "decline"
	case ActionSession:
		return "session"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is one event recognized in the agent's output stream.
type Action struct {
	Kind ActionKind
	// Text is the reply to send for ActionReply and the session ID for
	// ActionSession.
	Text string
}

// ProtocolConfig overrides the patterns recognized in agent output. Empty
// fields fall back to the defaults.
type ProtocolConfig struct {
	PromptPattern     string
	CompletionPattern string
	DeclinePattern    string
	SessionPattern    string
	ConfirmReply      string
}

// Protocol turns raw output chunks into Actions. It does no I/O; a chunk may
// split a pattern and the match is still found once the rest arrives.
// Not safe for concurrent use.
type Protocol struct {
	prompt     *regexp.Regexp
	completion *regexp.Regexp
	decline    *regexp.Regexp
	session    *regexp.Regexp
	reply      string
	buf        string
}

// NewProtocol compiles cfg. A pattern that does not compile is a
// *models.ConfigurationError.
func NewProtocol(cfg ProtocolConfig) (*Protocol, error) {
	p := &Protocol{reply: cfg.ConfirmReply}
	if p.reply == "" {
		p.reply = DefaultConfirmReply
	}
	if !strings.HasSuffix(p.reply, "\n") {
		p.reply += "\n"
	}

	specs := []struct {
		field string
		expr  string
		def   string
		dst   **regexp.Regexp
	}{
		{"agent.prompt_pattern", cfg.PromptPattern, DefaultPromptPattern, &p.prompt},
		{"agent.completion_pattern", cfg.CompletionPattern, DefaultCompletionPattern, &p.completion},
		{"agent.decline_pattern", cfg.DeclinePattern, DefaultDeclinePattern, &p.decline},
		{"agent.session_pattern", cfg.SessionPattern, DefaultSessionPattern, &p.session},
	}
	for _, s := range specs {
		expr := s.expr
		if expr == "" {
			expr = s.def
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, &models.ConfigurationError{Field: s.field, Reason: "invalid regular expression", Err: err}
		}
		*s.dst = re
	}
	return p, nil
}

// Feed appends chunk to the pending output and returns every action found,
// in order of appearance. Matched text is consumed so it is reported once.
func (p *Protocol) Feed(chunk string) []Action {
	p.buf += chunk

	var actions []Action
	for {
		kind, loc, sub := p.earliest()
		if loc == nil {
			break
		}
		p.buf = p.buf[loc[1]:]

		switch kind {
		case ActionReply:
			actions = append(actions, Action{Kind: ActionReply, Text: p.reply})
		case ActionSession:
			actions = append(actions, Action{Kind: ActionSession, Text: sub})
		default:
			actions = append(actions, Action{Kind: kind})
		}
	}

	p.trim()
	return actions
}

// earliest finds the leftmost match across all patterns. Ties go to the
// pattern listed first.
func (p *Protocol) earliest() (ActionKind, []int, string) {
	candidates := []struct {
		kind ActionKind
		re   *regexp.Regexp
	}{
		{ActionSession, p.session},
		{ActionComplete, p.completion},
		{ActionDecline, p.decline},
		{ActionReply, p.prompt},
	}

	var (
		bestKind ActionKind
		bestLoc  []int
		bestSub  string
	)
	for _, c := range candidates {
		loc := c.re.FindStringSubmatchIndex(p.buf)
		if loc == nil {
			continue
		}
		if bestLoc == nil || loc[0] < bestLoc[0] {
			bestKind, bestLoc = c.kind, loc
			bestSub = ""
			if len(loc) >= 4 && loc[2] >= 0 {
				bestSub = p.buf[loc[2]:loc[3]]
			}
		}
	}
	return bestKind, bestLoc, bestSub
}

// trim drops complete lines that matched nothing; all patterns are line
// local so only the trailing partial line can still complete a match.
func (p *Protocol) trim() {
	if i := strings.LastIndexByte(p.buf, '\n'); i >= 0 {
		p.buf = p.buf[i+1:]
	}
	if len(p.buf) > maxPending {
		p.buf = p.buf[len(p.buf)-maxPending:]
	}
}
