// Package scm moves a candidate change to the remote and reads back what CI
// thinks of it: commits and pushes with go-git, check runs and job logs
// through the GitHub API.
package scm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/harrison/warden/internal/models"
)

// StateDirName is the per-working-tree directory holding logs, the run lock
// and the history database.
const StateDirName = ".warden"

// PushResult describes what Push did.
type PushResult struct {
	// Committed is false when the working tree had nothing to commit.
	Committed bool
	Commit    string
	// UpToDate is true when the remote branch already had the commit.
	UpToDate bool
}

// Pusher stages, commits and pushes the working tree.
type Pusher struct {
	Dir    string
	Remote string
	// Token authenticates HTTPS remotes. SSH remotes use the SSH agent.
	Token string
	Now   func() time.Time
}

// NewPusher creates a Pusher for the repository containing dir.
func NewPusher(dir, remote, token string) *Pusher {
	return &Pusher{Dir: dir, Remote: remote, Token: token, Now: time.Now}
}

// Push stages everything, commits it with message when there is anything to
// commit, and pushes HEAD to refs/heads/<branch>. A clean tree is not an
// error; whatever HEAD already holds is still pushed.
//
// Errors are *models.RemoteOperationError. Authentication, authorization and
// missing repository or remote are fatal; everything else is transient.
func (p *Pusher) Push(ctx context.Context, branch, message string) (PushResult, error) {
	var res PushResult

	repo, err := git.PlainOpenWithOptions(p.Dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return res, &models.RemoteOperationError{Op: "push", Fatal: true, Err: fmt.Errorf("open repository: %w", err)}
	}
	wt, err := repo.Worktree()
	if err != nil {
		return res, &models.RemoteOperationError{Op: "push", Fatal: true, Err: err}
	}

	// Warden's own state directory never becomes part of the change.
	wt.Excludes = append(wt.Excludes, gitignore.ParsePattern(StateDirName+"/", nil))
	if patterns, err := gitignore.ReadPatterns(wt.Filesystem, nil); err == nil {
		wt.Excludes = append(wt.Excludes, patterns...)
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return res, &models.RemoteOperationError{Op: "push", Err: fmt.Errorf("stage changes: %w", err)}
	}
	status, err := wt.Status()
	if err != nil {
		return res, &models.RemoteOperationError{Op: "push", Err: fmt.Errorf("status: %w", err)}
	}

	if !status.IsClean() {
		hash, err := wt.Commit(message, &git.CommitOptions{Author: p.signature(repo)})
		if err != nil {
			return res, &models.RemoteOperationError{Op: "push", Err: fmt.Errorf("commit: %w", err)}
		}
		res.Committed = true
		res.Commit = hash.String()
	}

	head, err := repo.Head()
	if err != nil {
		return res, &models.RemoteOperationError{Op: "push", Fatal: true, Err: fmt.Errorf("resolve HEAD: %w", err)}
	}
	if !head.Name().IsBranch() {
		return res, &models.RemoteOperationError{Op: "push", Fatal: true, Err: errors.New("HEAD is detached")}
	}
	res.Commit = head.Hash().String()

	auth, err := p.auth(repo)
	if err != nil {
		return res, err
	}

	refSpec := gitconfig.RefSpec(fmt.Sprintf("%s:%s", head.Name(), plumbing.NewBranchReferenceName(branch)))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: p.Remote,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       auth,
	})
	switch {
	case err == nil:
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		res.UpToDate = true
	default:
		return res, ClassifyPushError(err)
	}
	return res, nil
}

// ClassifyPushError wraps err as a RemoteOperationError, fatal for causes
// that another attempt cannot fix.
func ClassifyPushError(err error) *models.RemoteOperationError {
	fatal := errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed) ||
		errors.Is(err, transport.ErrRepositoryNotFound) ||
		errors.Is(err, git.ErrRemoteNotFound)
	return &models.RemoteOperationError{Op: "push", Fatal: fatal, Err: err}
}

func (p *Pusher) auth(repo *git.Repository) (transport.AuthMethod, error) {
	remote, err := repo.Remote(p.Remote)
	if err != nil {
		return nil, ClassifyPushError(err)
	}
	urls := remote.Config().URLs
	if p.Token == "" || len(urls) == 0 || !strings.HasPrefix(urls[0], "http") {
		return nil, nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: p.Token}, nil
}

// signature uses the repository's configured identity, falling back to a
// fixed bot identity.
func (p *Pusher) signature(repo *git.Repository) *object.Signature {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	sig := &object.Signature{Name: "warden", Email: "warden@localhost", When: now()}
	if cfg, err := repo.ConfigScoped(gitconfig.GlobalScope); err == nil {
		if cfg.User.Name != "" {
			sig.Name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			sig.Email = cfg.User.Email
		}
	}
	return sig
}

// CommitMessage formats the commit message for one attempt.
func CommitMessage(oc models.OrchestrationContext) string {
	return fmt.Sprintf("feat: %s (run %s, attempt %d)", oc.TaskID(), oc.RunID(), oc.Attempt())
}
