package gitops

import (
	"context"
	"fmt"
)

// MaxCapturedDiffLen bounds the diff attached to a feature's error
// context so a huge failed attempt doesn't bloat the store.
const MaxCapturedDiffLen = 10000

// CaptureAndDiscardChanges stashes any uncommitted changes, returns their
// diff (truncated to MaxCapturedDiffLen), and drops the stash, leaving the
// working tree clean for the next session. Returns "" when the tree was
// already clean.
//
// The captured diff is evidence of what the failed session attempted; the
// next fix session gets it via the feature's last_error. Callers must
// treat any error here as best-effort; verification proceeds without the
// diff.
func (g *Git) CaptureAndDiscardChanges(ctx context.Context, repoPath string) (string, error) {
	stashed, err := g.StashPush(ctx, repoPath, "autoloop: failed verification capture")
	if err != nil {
		return "", fmt.Errorf("stash push failed: %w", err)
	}
	if !stashed {
		return "", nil
	}

	diff, showErr := g.StashShowLatest(ctx, repoPath)

	// Drop regardless: the attempt is recorded (or lost), the tree must
	// be clean either way.
	if dropErr := g.StashDrop(ctx, repoPath); dropErr != nil {
		if showErr != nil {
			return "", fmt.Errorf("stash show failed (%v) and drop failed: %w", showErr, dropErr)
		}
		return truncateDiff(diff), fmt.Errorf("stash drop failed: %w", dropErr)
	}
	if showErr != nil {
		return "", fmt.Errorf("stash show failed: %w", showErr)
	}

	return truncateDiff(diff), nil
}

func truncateDiff(diff string) string {
	if len(diff) <= MaxCapturedDiffLen {
		return diff
	}
	return diff[:MaxCapturedDiffLen] + "\n[... diff truncated ...]"
}
