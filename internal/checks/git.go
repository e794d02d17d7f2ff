package checks

import (
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5"
)

// ChangedFiles lists files in the working tree that differ from HEAD,
// including untracked files not covered by .gitignore. Deleted files are
// omitted. Paths are relative to the returned working tree root.
func ChangedFiles(dir string) (root string, files []string, err error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", nil, fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", nil, fmt.Errorf("worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", nil, fmt.Errorf("status: %w", err)
	}

	files = make([]string, 0, len(status))
	for path, fs := range status {
		if fs.Worktree == git.Deleted || (fs.Staging == git.Deleted && fs.Worktree != git.Untracked) {
			continue
		}
		if fs.Worktree == git.Unmodified && fs.Staging == git.Unmodified {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return wt.Filesystem.Root(), files, nil
}
