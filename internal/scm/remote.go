package scm

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-git/go-git/v5"
)

// ResolveRepo reads the URL of remote in the repository containing dir and
// returns its GitHub owner and repository name.
func ResolveRepo(dir, remote string) (owner, repo string, err error) {
	r, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", "", fmt.Errorf("open repository: %w", err)
	}
	rem, err := r.Remote(remote)
	if err != nil {
		return "", "", fmt.Errorf("remote %q: %w", remote, err)
	}
	urls := rem.Config().URLs
	if len(urls) == 0 {
		return "", "", fmt.Errorf("remote %q has no URL", remote)
	}
	return ParseRemoteURL(urls[0])
}

// CurrentBranch returns the short name of the branch HEAD points at in the
// repository containing dir.
func CurrentBranch(dir string) (string, error) {
	r, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	head, err := r.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", head.Hash().String()[:7])
	}
	return head.Name().Short(), nil
}

// ParseRemoteURL extracts owner and repository from HTTPS, ssh:// and scp-like
// (git@host:owner/repo.git) remote URLs.
func ParseRemoteURL(raw string) (owner, repo string, err error) {
	var path string
	switch {
	case strings.Contains(raw, "://"):
		u, perr := url.Parse(raw)
		if perr != nil {
			return "", "", fmt.Errorf("parse remote URL: %w", perr)
		}
		path = u.Path
	case strings.Contains(raw, ":"):
		path = raw[strings.Index(raw, ":")+1:]
	default:
		return "", "", fmt.Errorf("unrecognized remote URL %q", raw)
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return "", "", fmt.Errorf("remote URL %q does not name owner/repo", raw)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
