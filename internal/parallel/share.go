package parallel

import (
	"fmt"
	"os"
	"path/filepath"
)

// sqlite side-file suffixes that must resolve to the same inode in every
// worktree, or WAL readers would diverge from the writer.
var sideFileSuffixes = []string{"-wal", "-shm"}

// linkSharedState symlinks the shared database (plus WAL/SHM side files)
// and the configured shared paths into the worktree's .autoloop
// directory, so every worker observes one feature store and one config.
func (c *Coordinator) linkSharedState(worktreePath string) error {
	shareDir := filepath.Join(worktreePath, ".autoloop")
	if err := os.MkdirAll(shareDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", shareDir, err)
	}

	if c.cfg.DatabasePath != "" {
		dbTarget, err := filepath.Abs(c.cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to resolve database path: %w", err)
		}
		base := filepath.Base(dbTarget)

		if err := replaceWithSymlink(dbTarget, filepath.Join(shareDir, base)); err != nil {
			return err
		}
		// Side files may not exist yet; a dangling symlink is fine, the
		// sqlite driver creates the target through it.
		for _, suffix := range sideFileSuffixes {
			if err := replaceWithSymlink(dbTarget+suffix, filepath.Join(shareDir, base+suffix)); err != nil {
				return err
			}
		}
	}

	for _, p := range c.cfg.SharedPaths {
		target, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve shared path %s: %w", p, err)
		}
		if _, err := os.Stat(target); err != nil {
			// Optional shared state (no config yet, no context yet).
			continue
		}
		if err := replaceWithSymlink(target, filepath.Join(shareDir, filepath.Base(target))); err != nil {
			return err
		}
	}
	return nil
}

// replaceWithSymlink links name -> target, replacing whatever the
// worktree checkout put there (a fresh worktree carries the committed
// .autoloop contents).
func replaceWithSymlink(target, name string) error {
	if err := os.RemoveAll(name); err != nil {
		return fmt.Errorf("failed to clear %s: %w", name, err)
	}
	if err := os.Symlink(target, name); err != nil {
		return fmt.Errorf("failed to link %s: %w", name, err)
	}
	return nil
}
