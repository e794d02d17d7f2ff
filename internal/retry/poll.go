package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/harrison/warden/internal/models"
)

// ErrPollTimeout is returned by Poll when the hard timeout elapses before the
// check reports done. Callers classify it as models.RemediationTrigger.
var ErrPollTimeout = errors.New("poll timed out")

// PollPolicy paces remote CI status checks at a fixed interval under a hard
// ceiling.
type PollPolicy struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultPollPolicy matches the cadence of typical hosted CI.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Interval: 15 * time.Second, Timeout: 30 * time.Minute}
}

// Validate returns a *models.ConfigurationError for unusable settings.
func (p PollPolicy) Validate() error {
	if p.Interval <= 0 {
		return models.NewConfigurationError("poll.interval", fmt.Sprintf("must be > 0, got %v", p.Interval))
	}
	if p.Timeout < p.Interval {
		return models.NewConfigurationError("poll.timeout", fmt.Sprintf("must be >= interval (%v), got %v", p.Interval, p.Timeout))
	}
	return nil
}

// CheckFunc performs one poll. It returns done=true when a terminal status was
// observed. A non-nil error stops polling and is returned as is.
type CheckFunc func(ctx context.Context) (done bool, err error)

// Poll calls check immediately and then once per Interval until it reports
// done, returns an error, the Timeout elapses (ErrPollTimeout) or ctx is
// cancelled (ctx.Err()). It returns the number of checks performed.
func (p PollPolicy) Poll(ctx context.Context, check CheckFunc) (int, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(p.Interval), 1)
	polls := 0

	for {
		if err := limiter.Wait(pollCtx); err != nil {
			if ctx.Err() != nil {
				return polls, ctx.Err()
			}
			return polls, ErrPollTimeout
		}

		polls++
		done, err := check(pollCtx)
		if err != nil {
			if ctx.Err() != nil {
				return polls, ctx.Err()
			}
			if pollCtx.Err() != nil {
				return polls, ErrPollTimeout
			}
			return polls, err
		}
		if done {
			return polls, nil
		}
	}
}
