package scm

import (
	"context"

	"github.com/harrison/warden/internal/models"
)

// Remote joins a Pusher and a CIClient into the push/poll/logs surface the
// orchestrator drives.
type Remote struct {
	Pusher *Pusher
	CI     *CIClient
	// Logf, when set, receives push outcomes.
	Logf func(format string, args ...any)
}

// Push commits the attempt's changes and pushes them to oc's branch.
func (r *Remote) Push(ctx context.Context, oc models.OrchestrationContext) error {
	res, err := r.Pusher.Push(ctx, oc.Branch(), CommitMessage(oc))
	if err != nil {
		return err
	}
	if r.Logf != nil {
		switch {
		case !res.Committed:
			r.Logf("No changes detected; pushing %s as is", short(res.Commit))
		case res.UpToDate:
			r.Logf("Remote %s already at %s", oc.Branch(), short(res.Commit))
		default:
			r.Logf("Pushed %s to %s", short(res.Commit), oc.Branch())
		}
	}
	return nil
}

// PollStatus reports the CI status of branch.
func (r *Remote) PollStatus(ctx context.Context, branch string) (models.CIStatus, error) {
	return r.CI.Status(ctx, branch)
}

// FailureLogs returns the failed CI job logs for branch.
func (r *Remote) FailureLogs(ctx context.Context, branch string) (string, error) {
	return r.CI.FailureLogs(ctx, branch)
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
