// Package retry holds the two retry policies of a run: exponential backoff
// between agent attempts, and fixed-interval polling of remote CI status.
// The two never share a budget.
package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/harrison/warden/internal/models"
)

// JitterMode selects how NextDelay perturbs the computed delay.
type JitterMode string

const (
	// JitterNone returns the exact exponential delay.
	JitterNone JitterMode = "none"
	// JitterFull draws uniformly from [0, delay].
	JitterFull JitterMode = "full"
	// JitterSymmetric draws uniformly from [delay-j*delay, delay+j*delay].
	JitterSymmetric JitterMode = "symmetric"
)

// BackoffConfig configures exponential backoff.
type BackoffConfig struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     float64 // fraction in [0,1], used by JitterSymmetric
	Mode       JitterMode
	Seed       uint64
}

// Backoff computes delays between agent attempts. It is safe for concurrent
// use; the random source is seeded so runs are reproducible.
type Backoff struct {
	cfg BackoffConfig
	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff validates cfg. Invalid settings return a *models.ConfigurationError.
func NewBackoff(cfg BackoffConfig) (*Backoff, error) {
	if cfg.Mode == "" {
		cfg.Mode = JitterNone
	}
	switch {
	case cfg.BaseDelay <= 0:
		return nil, models.NewConfigurationError("backoff.base_delay", fmt.Sprintf("must be > 0, got %v", cfg.BaseDelay))
	case cfg.Multiplier < 1:
		return nil, models.NewConfigurationError("backoff.multiplier", fmt.Sprintf("must be >= 1, got %v", cfg.Multiplier))
	case cfg.MaxDelay < cfg.BaseDelay:
		return nil, models.NewConfigurationError("backoff.max_delay", fmt.Sprintf("must be >= base_delay (%v), got %v", cfg.BaseDelay, cfg.MaxDelay))
	case cfg.Jitter < 0 || cfg.Jitter > 1:
		return nil, models.NewConfigurationError("backoff.jitter", fmt.Sprintf("must be within [0,1], got %v", cfg.Jitter))
	}
	switch cfg.Mode {
	case JitterNone, JitterFull, JitterSymmetric:
	default:
		return nil, models.NewConfigurationError("backoff.jitter_mode", fmt.Sprintf("unknown mode %q", cfg.Mode))
	}

	return &Backoff{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Config returns the validated configuration.
func (b *Backoff) Config() BackoffConfig { return b.cfg }

// Delay is the un-jittered delay for attempt: min(maxDelay, base*multiplier^(attempt-1)).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.cfg.BaseDelay) * math.Pow(b.cfg.Multiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(b.cfg.MaxDelay) {
		return b.cfg.MaxDelay
	}
	return time.Duration(d)
}

// NextDelay is Delay perturbed by the configured jitter, clamped to
// [0, maxDelay].
func (b *Backoff) NextDelay(attempt int) time.Duration {
	d := b.Delay(attempt)

	switch b.cfg.Mode {
	case JitterFull:
		d = time.Duration(b.float64() * float64(d))
	case JitterSymmetric:
		spread := b.cfg.Jitter * float64(d)
		d = time.Duration(float64(d) + (b.float64()*2-1)*spread)
	}

	if d < 0 {
		return 0
	}
	if d > b.cfg.MaxDelay {
		return b.cfg.MaxDelay
	}
	return d
}

func (b *Backoff) float64() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Float64()
}

// ShouldRetry reports whether another attempt may start: never for fatal
// failures or when no budget remains.
func ShouldRetry(budgetRemaining int, class models.Classification) bool {
	if budgetRemaining <= 0 {
		return false
	}
	return class != models.Fatal
}
