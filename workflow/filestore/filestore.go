// Package filestore keeps workflow checkpoints as JSON files, one per run.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/hupe1980/agentcrew/workflow"
)

// safeIDPattern restricts run IDs to characters that cannot escape the
// store directory.
var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validateID(id string) error {
	if id == "" {
		return errors.New("ID cannot be empty")
	}
	if len(id) > 256 {
		return errors.New("ID too long (max 256 characters)")
	}
	if !safeIDPattern.MatchString(id) {
		return errors.New("ID contains invalid characters: only alphanumeric, hyphens, and underscores allowed")
	}
	return nil
}

// Store implements workflow.CheckpointStore on a directory.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// New creates the directory if needed and returns a store rooted at it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}

	return &Store{dir: dir}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Save writes the checkpoint atomically through a temporary file.
func (s *Store) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if cp == nil {
		return errors.New("nil checkpoint")
	}

	if err := validateID(cp.RunID); err != nil {
		return fmt.Errorf("invalid run ID: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, cp.RunID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write checkpoint file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path(cp.RunID)); err != nil {
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// Load reads the checkpoint of runID.
func (s *Store) Load(ctx context.Context, runID string) (*workflow.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := validateID(runID); err != nil {
		return nil, fmt.Errorf("invalid run ID: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(runID)) //nolint:gosec // runID is validated
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrCheckpointNotFound, runID)
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	return decode(data)
}

// List reads every checkpoint file in the directory. Unreadable files are
// skipped.
func (s *Store) List(ctx context.Context, name string) ([]*workflow.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var out []*workflow.Checkpoint

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name())) //nolint:gosec // names come from ReadDir
		if err != nil {
			continue
		}

		cp, err := decode(data)
		if err != nil {
			continue
		}

		if name == "" || cp.Workflow == name {
			out = append(out, cp)
		}
	}

	workflow.SortCheckpoints(out)

	return out, nil
}

// Delete removes the checkpoint of runID. Unknown runs are a no-op.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := validateID(runID); err != nil {
		return fmt.Errorf("invalid run ID: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(runID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint file: %w", err)
	}

	return nil
}

func decode(data []byte) (*workflow.Checkpoint, error) {
	var cp workflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
