// Package gitops wraps the git CLI operations the supervisor and the
// parallel coordinator depend on: worktree lifecycle, branch management,
// stash handling, rebase and fast-forward merge.
//
// Every operation shells out to the installed git binary; a non-zero exit
// is surfaced as a wrapped error that callers treat as a boolean failure
// signal, not a panic-worthy condition.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Git runs git subcommands against a repository.
type Git struct {
	gitPath string
}

// New creates a Git instance, verifying the git binary is available.
func New(ctx context.Context) (*Git, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, gitPath, "version")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}
	return &Git{gitPath: gitPath}, nil
}

// run executes a git subcommand in repoPath and returns combined output.
func (g *Git) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	full := append([]string{"-C", repoPath}, args...)
	cmd := exec.CommandContext(ctx, g.gitPath, full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed in %s: %w (output: %s)",
			args[0], repoPath, err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := g.run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CheckoutBranch switches the working tree to the given branch.
func (g *Git) CheckoutBranch(ctx context.Context, repoPath, branch string) error {
	_, err := g.run(ctx, repoPath, "checkout", branch)
	return err
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (g *Git) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	out, err := g.run(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything and commits with the given message.
// Returns the commit hash.
func (g *Git) CommitAll(ctx context.Context, repoPath, message string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("commit message is required")
	}
	if _, err := g.run(ctx, repoPath, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, repoPath, "commit", "-m", message); err != nil {
		return "", err
	}
	hash, err := g.run(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(hash), nil
}

// Rebase rebases the current branch onto base. On conflict it aborts the
// rebase and returns conflicted=true with a nil error: conflicts are an
// expected outcome the merge phase skips past, not a failure of gitops.
func (g *Git) Rebase(ctx context.Context, repoPath, base string) (conflicted bool, err error) {
	out, rebaseErr := g.run(ctx, repoPath, "rebase", base)
	if rebaseErr == nil {
		return false, nil
	}

	if strings.Contains(out, "CONFLICT") || g.rebaseInProgress(repoPath) {
		if _, abortErr := g.run(ctx, repoPath, "rebase", "--abort"); abortErr != nil {
			return true, fmt.Errorf("rebase conflicted and abort failed: %w", abortErr)
		}
		return true, nil
	}
	return false, rebaseErr
}

// rebaseInProgress checks for the rebase state directories.
func (g *Git) rebaseInProgress(repoPath string) bool {
	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(repoPath, ".git", dir)); err == nil {
			return true
		}
	}
	return false
}

// MergeFastForwardOnly merges branch into the current branch, refusing to
// create a merge commit. Keeps main history linear.
func (g *Git) MergeFastForwardOnly(ctx context.Context, repoPath, branch string) error {
	_, err := g.run(ctx, repoPath, "merge", "--ff-only", branch)
	return err
}

// DeleteBranch deletes a local branch. force uses -D, required for
// branches not merged into HEAD.
func (g *Git) DeleteBranch(ctx context.Context, repoPath, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.run(ctx, repoPath, "branch", flag, branch)
	return err
}

// StashPush stashes the working tree including untracked files. Returns
// stashed=false when there was nothing to stash.
func (g *Git) StashPush(ctx context.Context, repoPath, message string) (stashed bool, err error) {
	out, err := g.run(ctx, repoPath, "stash", "push", "--include-untracked", "-m", message)
	if err != nil {
		return false, err
	}
	return !strings.Contains(out, "No local changes to save"), nil
}

// StashPop restores the most recent stash entry.
func (g *Git) StashPop(ctx context.Context, repoPath string) error {
	_, err := g.run(ctx, repoPath, "stash", "pop")
	return err
}

// StashDrop discards the most recent stash entry.
func (g *Git) StashDrop(ctx context.Context, repoPath string) error {
	_, err := g.run(ctx, repoPath, "stash", "drop")
	return err
}

// StashShowLatest returns the full patch of the most recent stash entry.
func (g *Git) StashShowLatest(ctx context.Context, repoPath string) (string, error) {
	out, err := g.run(ctx, repoPath, "stash", "show", "-p", "--include-untracked", "stash@{0}")
	if err != nil {
		return "", err
	}
	return out, nil
}

// indexLockRetryDelay is how long to wait before the single retry when a
// concurrent git process holds .git/index.lock.
const indexLockRetryDelay = 500 * time.Millisecond

// WorktreeAdd creates a worktree at path on a new branch created from
// base. Concurrent worktree operations can race on .git/index.lock; on
// that signal the operation is retried once after a short delay.
func (g *Git) WorktreeAdd(ctx context.Context, repoPath, worktreePath, branch, base string) error {
	_, err := g.run(ctx, repoPath, "worktree", "add", "-b", branch, worktreePath, base)
	if err != nil && strings.Contains(err.Error(), "index.lock") {
		time.Sleep(indexLockRetryDelay)
		_, err = g.run(ctx, repoPath, "worktree", "add", "-b", branch, worktreePath, base)
	}
	if err != nil {
		return err
	}
	return nil
}

// WorktreeRemove removes a worktree, falling back to manual removal plus
// a prune when git refuses (e.g. the worktree is already broken).
func (g *Git) WorktreeRemove(ctx context.Context, repoPath, worktreePath string) error {
	if _, statErr := os.Stat(worktreePath); os.IsNotExist(statErr) {
		// Already gone; prune the bookkeeping.
		_, _ = g.run(ctx, repoPath, "worktree", "prune")
		return nil
	}

	_, err := g.run(ctx, repoPath, "worktree", "remove", "--force", worktreePath)
	if err != nil && strings.Contains(err.Error(), "index.lock") {
		time.Sleep(indexLockRetryDelay)
		_, err = g.run(ctx, repoPath, "worktree", "remove", "--force", worktreePath)
	}
	if err != nil {
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("failed to remove worktree directory: %w", rmErr)
		}
		_, _ = g.run(ctx, repoPath, "worktree", "prune")
	}
	return nil
}

// WorktreePrune cleans up stale worktree bookkeeping left by crashed runs.
func (g *Git) WorktreePrune(ctx context.Context, repoPath string) error {
	_, err := g.run(ctx, repoPath, "worktree", "prune")
	return err
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, repoPath, branch string) bool {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath,
		"rev-parse", "--verify", "refs/heads/"+branch)
	return cmd.Run() == nil
}
