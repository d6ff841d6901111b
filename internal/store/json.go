package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/steveyegge/autoloop/internal/types"
)

// ImportJSON loads features from a JSON array at path, skipping any row
// whose description already exists in the store. Returns the number of
// features actually inserted. The format matches ExportJSON, so a prior
// backlog can be migrated into a fresh database.
func (s *Store) ImportJSON(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var features []*types.Feature
	if err := json.Unmarshal(data, &features); err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	imported := 0
	for _, f := range features {
		existing, err := s.Get(ctx, f.Description)
		if err != nil {
			return imported, err
		}
		if existing != nil {
			// Duplicate description: skip, keep the stored row.
			continue
		}

		f.ID = 0 // the store assigns IDs; imported IDs are never reused
		if _, err := s.Insert(ctx, f); err != nil {
			return imported, fmt.Errorf("failed to import %q: %w", f.Description, err)
		}
		imported++
	}
	return imported, nil
}

// ExportJSON writes all features to path as a JSON array.
func (s *Store) ExportJSON(ctx context.Context, path string) error {
	features, err := s.ListAll(ctx)
	if err != nil {
		return err
	}
	if features == nil {
		features = []*types.Feature{}
	}

	data, err := json.MarshalIndent(features, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
