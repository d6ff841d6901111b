// Package parallel fans features out to concurrent workers, each in its
// own git worktree, then merges successful branches back serially.
// Workers share one feature store through symlinks and never talk to
// each other; the result channel is the only coordination point.
package parallel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/autoloop/internal/gitops"
	"github.com/steveyegge/autoloop/internal/session"
	"github.com/steveyegge/autoloop/internal/types"
)

// Worker runs one feature to completion inside its worktree. The
// production worker drives a single-feature run loop; tests substitute
// their own.
type Worker interface {
	Run(ctx context.Context, f *types.Feature, worktreePath string) bool
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, f *types.Feature, worktreePath string) bool

func (fn WorkerFunc) Run(ctx context.Context, f *types.Feature, worktreePath string) bool {
	return fn(ctx, f, worktreePath)
}

// Backlog is the read side of the store the coordinator pulls work from.
type Backlog interface {
	ListRemaining(ctx context.Context) ([]*types.Feature, error)
}

// Config wires a Coordinator.
type Config struct {
	// RepoRoot is the main checkout.
	RepoRoot string

	// WorktreeRoot is where per-feature worktrees are created.
	WorktreeRoot string

	// BaseBranch is the branch features fork from and merge back to.
	BaseBranch string

	// WorkerCount bounds concurrency.
	WorkerCount int

	// DatabasePath is the shared feature store file, symlinked into
	// every worktree together with its WAL/SHM side files.
	DatabasePath string

	// SharedPaths are extra files or directories (config, context,
	// plans) symlinked into each worktree's .autoloop directory.
	SharedPaths []string
}

// Coordinator owns the fan-out/fan-in cycle and the merge phase.
type Coordinator struct {
	git     *gitops.Git
	backlog Backlog
	worker  Worker
	stop    *session.StopSignal

	cfg Config
}

// New wires a coordinator.
func New(git *gitops.Git, backlog Backlog, worker Worker, stop *session.StopSignal, cfg Config) (*Coordinator, error) {
	if git == nil || backlog == nil || worker == nil {
		return nil, fmt.Errorf("git, backlog and worker are all required")
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("worker count must be at least 1")
	}
	if cfg.BaseBranch == "" {
		return nil, fmt.Errorf("base branch is required")
	}
	return &Coordinator{git: git, backlog: backlog, worker: worker, stop: stop, cfg: cfg}, nil
}

// BranchName returns the feature-scoped branch for a feature.
func BranchName(f *types.Feature) string {
	return fmt.Sprintf("feature/%d-%s", f.ID, f.BranchSlug())
}

// Run executes one outer iteration: dispatch up to WorkerCount features,
// refill as results arrive (unless stopped), drain, then merge serially.
// Returns the results of every worker that was dispatched.
func (c *Coordinator) Run(ctx context.Context) ([]types.WorkerResult, error) {
	c.cleanupStale(ctx)

	pending, err := c.backlog.ListRemaining(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending features: %w", err)
	}
	if len(pending) == 0 {
		color.Green("✓ no pending features")
		return nil, nil
	}

	sem := semaphore.NewWeighted(int64(c.cfg.WorkerCount))
	results := make(chan types.WorkerResult)

	inFlight := 0
	next := 0

	launch := func() {
		// Skip features whose slot cannot be prepared; their turn comes
		// again next outer iteration.
		for next < len(pending) {
			f := pending[next]
			next++
			worktreePath, branch, werr := c.prepareWorktree(ctx, f)
			if werr != nil {
				fmt.Fprintf(os.Stderr, "warning: skipping %q: %v\n", f.Description, werr)
				continue
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				c.removeWorktree(ctx, worktreePath)
				return
			}
			inFlight++
			color.Cyan("→ worker started: %s on %s", f.Description, branch)

			go func(f *types.Feature, worktreePath, branch string) {
				defer sem.Release(1)
				ok := c.worker.Run(ctx, f, worktreePath)
				results <- types.WorkerResult{
					FeatureID:    f.ID,
					Description:  f.Description,
					BranchName:   branch,
					WorktreePath: worktreePath,
					Success:      ok,
				}
			}(f, worktreePath, branch)
			return
		}
	}

	for i := 0; i < c.cfg.WorkerCount && next < len(pending); i++ {
		launch()
	}

	var finished []types.WorkerResult
	for inFlight > 0 {
		r := <-results
		inFlight--
		if r.Success {
			color.Green("✓ worker finished: %s", r.Description)
		} else {
			color.Red("✗ worker failed: %s", r.Description)
		}
		finished = append(finished, r)

		if !c.stopRaised() && ctx.Err() == nil {
			launch()
		}
	}

	c.mergePhase(ctx, finished)
	return finished, nil
}

// prepareWorktree creates the feature branch worktree and links the
// shared state into it.
func (c *Coordinator) prepareWorktree(ctx context.Context, f *types.Feature) (string, string, error) {
	branch := BranchName(f)
	if c.git.BranchExists(ctx, c.cfg.RepoRoot, branch) {
		return "", "", fmt.Errorf("branch %s already exists (left over from a previous run)", branch)
	}

	worktreePath := c.worktreePath(f)
	if err := os.MkdirAll(c.cfg.WorktreeRoot, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create worktree root: %w", err)
	}
	if err := c.git.WorktreeAdd(ctx, c.cfg.RepoRoot, worktreePath, branch, c.cfg.BaseBranch); err != nil {
		return "", "", err
	}

	if err := c.linkSharedState(worktreePath); err != nil {
		c.removeWorktree(ctx, worktreePath)
		_ = c.git.DeleteBranch(ctx, c.cfg.RepoRoot, branch, true)
		return "", "", err
	}
	return worktreePath, branch, nil
}

// mergePhase integrates results strictly sequentially: the base branch
// is only ever mutated by this single-threaded pass.
func (c *Coordinator) mergePhase(ctx context.Context, results []types.WorkerResult) {
	for _, r := range results {
		// Reclaim disk regardless of outcome.
		c.removeWorktree(ctx, r.WorktreePath)

		if !r.Success {
			color.Yellow("⚠ branch %s kept for inspection", r.BranchName)
			continue
		}
		if err := c.mergeBranch(ctx, r.BranchName); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to merge %s (branch kept): %v\n", r.BranchName, err)
			continue
		}
		color.Green("✓ merged %s", r.BranchName)
	}
	if err := c.git.WorktreePrune(ctx, c.cfg.RepoRoot); err != nil {
		fmt.Fprintf(os.Stderr, "warning: worktree prune failed: %v\n", err)
	}
}

// mergeBranch rebases one feature branch onto the base branch and
// fast-forwards the base. On a rebase conflict the branch survives
// untouched for manual recovery.
func (c *Coordinator) mergeBranch(ctx context.Context, branch string) error {
	repo := c.cfg.RepoRoot

	stashed, err := c.git.StashPush(ctx, repo, "autoloop merge phase")
	if err != nil {
		return fmt.Errorf("failed to stash dirty state: %w", err)
	}
	restore := func() {
		if !stashed {
			return
		}
		if perr := c.git.StashPop(ctx, repo); perr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to restore stash: %v\n", perr)
		}
	}
	defer restore()

	if err := c.git.CheckoutBranch(ctx, repo, branch); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", branch, err)
	}

	conflicted, err := c.git.Rebase(ctx, repo, c.cfg.BaseBranch)
	if err != nil || conflicted {
		if cerr := c.git.CheckoutBranch(ctx, repo, c.cfg.BaseBranch); cerr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to return to %s: %v\n", c.cfg.BaseBranch, cerr)
		}
		if conflicted {
			return fmt.Errorf("rebase conflict on %s", branch)
		}
		return fmt.Errorf("rebase failed: %w", err)
	}

	if err := c.git.CheckoutBranch(ctx, repo, c.cfg.BaseBranch); err != nil {
		return fmt.Errorf("failed to return to %s: %w", c.cfg.BaseBranch, err)
	}
	if err := c.git.MergeFastForwardOnly(ctx, repo, branch); err != nil {
		return fmt.Errorf("fast-forward merge failed: %w", err)
	}
	if err := c.git.DeleteBranch(ctx, repo, branch, false); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to delete merged branch %s: %v\n", branch, err)
	}
	return nil
}

// cleanupStale prunes worktree registrations and directories left behind
// by a crashed previous run.
func (c *Coordinator) cleanupStale(ctx context.Context) {
	if err := c.git.WorktreePrune(ctx, c.cfg.RepoRoot); err != nil {
		fmt.Fprintf(os.Stderr, "warning: worktree prune failed: %v\n", err)
	}
	entries, err := os.ReadDir(c.cfg.WorktreeRoot)
	if err != nil {
		return
	}
	for _, e := range entries {
		stale := filepath.Join(c.cfg.WorktreeRoot, e.Name())
		fmt.Fprintf(os.Stderr, "warning: removing stale worktree %s\n", stale)
		c.removeWorktree(ctx, stale)
	}
}

func (c *Coordinator) removeWorktree(ctx context.Context, path string) {
	if err := c.git.WorktreeRemove(ctx, c.cfg.RepoRoot, path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to remove worktree %s: %v\n", path, err)
	}
}

func (c *Coordinator) stopRaised() bool {
	return c.stop != nil && c.stop.Raised()
}

func (c *Coordinator) worktreePath(f *types.Feature) string {
	return filepath.Join(c.cfg.WorktreeRoot, fmt.Sprintf("%d-%s", f.ID, f.BranchSlug()))
}
