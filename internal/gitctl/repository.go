// Package gitctl wraps go-git for the auto-commit pipeline: staging,
// committing, and pushing the changes the monitor engine observed.
package gitctl

import (
	"context"
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// errStopIteration terminates commit iteration early. Never surfaced to
// callers.
var errStopIteration = errors.New("stop iteration")

// aheadScanLimit caps how far back the ahead-count walks.
const aheadScanLimit = 1000

// Status is a snapshot of the working tree.
type Status struct {
	Branch    string
	Head      string
	Dirty     bool
	Staged    []string
	Modified  []string
	Untracked []string
}

// Repository wraps a go-git repository.
type Repository struct {
	repo *git.Repository
	path string
}

// Open opens an existing git repository at repoPath.
func Open(repoPath string) (*Repository, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("open git repo at %s: %w", repoPath, err)
	}
	return &Repository{repo: repo, path: repoPath}, nil
}

// Path returns the repository root.
func (r *Repository) Path() string { return r.path }

// Status returns the current branch, HEAD hash, and the staged, modified,
// and untracked file lists. A repository with no commits yet reports
// branch "main" and an empty head.
func (r *Repository) Status() (*Status, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}
	wtStatus, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	st := &Status{
		Branch: "main",
		Dirty:  !wtStatus.IsClean(),
	}
	if head, err := r.repo.Head(); err == nil {
		st.Branch = head.Name().Short()
		st.Head = head.Hash().String()
	}

	for path, fs := range wtStatus {
		switch {
		case fs.Staging == git.Untracked:
			st.Untracked = append(st.Untracked, path)
		case fs.Staging != git.Unmodified:
			st.Staged = append(st.Staged, path)
		case fs.Worktree != git.Unmodified:
			st.Modified = append(st.Modified, path)
		}
	}
	return st, nil
}

// StageAll stages every change in the working tree, including deletions.
func (r *Repository) StageAll() error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("stage all: %w", err)
	}
	return nil
}

// Commit creates a commit with the given message and author, returning
// the new commit hash.
func (r *Repository) Commit(message, authorName, authorEmail string) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// Ahead returns how many commits the current branch is ahead of its
// counterpart on the named remote. It returns -1 when the remote branch
// is unknown (never fetched, or no remote configured).
func (r *Repository) Ahead(remoteName string) (int, error) {
	head, err := r.repo.Head()
	if err != nil {
		return 0, fmt.Errorf("head: %w", err)
	}

	remoteRef, err := r.repo.Reference(
		plumbing.NewRemoteReferenceName(remoteName, head.Name().Short()), true)
	if err != nil {
		return -1, nil
	}

	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return 0, fmt.Errorf("log: %w", err)
	}
	defer iter.Close()

	ahead := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == remoteRef.Hash() {
			return errStopIteration
		}
		ahead++
		if ahead >= aheadScanLimit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return 0, fmt.Errorf("count ahead: %w", err)
	}
	return ahead, nil
}

// Push pushes the current branch to the named remote. Already-up-to-date
// is not an error.
func (r *Repository) Push(ctx context.Context, remoteName string) error {
	err := r.repo.PushContext(ctx, &git.PushOptions{RemoteName: remoteName})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push to %s: %w", remoteName, err)
	}
	return nil
}

// Pull fast-forwards the current branch from the named remote.
// Already-up-to-date is not an error.
func (r *Repository) Pull(ctx context.Context, remoteName string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: remoteName})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pull from %s: %w", remoteName, err)
	}
	return nil
}
