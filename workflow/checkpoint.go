package workflow

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// ErrCheckpointNotFound is returned by CheckpointStore.Load for unknown runs.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointStatus is the lifecycle state of a checkpointed run.
type CheckpointStatus string

const (
	CheckpointRunning   CheckpointStatus = "running"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointFailed    CheckpointStatus = "failed"
	CheckpointCancelled CheckpointStatus = "cancelled"
)

// StepRecord is the recorded outcome of one completed node. Containers
// record the aggregate delta of their children.
type StepRecord struct {
	Kind        string         `json:"kind"`
	Output      any            `json:"output,omitempty"`
	Delta       map[string]any `json:"delta,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Checkpoint is the durable progress of one workflow run. Completed is keyed
// by node path: slash-joined step names, with loop iterations written as
// name#i.
type Checkpoint struct {
	RunID        string                `json:"run_id"`
	Workflow     string                `json:"workflow"`
	SessionID    string                `json:"session_id,omitempty"`
	UserID       string                `json:"user_id,omitempty"`
	Ephemeral    bool                  `json:"ephemeral,omitempty"`
	Status       CheckpointStatus      `json:"status"`
	Input        core.Content          `json:"input"`
	InitialState map[string]any        `json:"initial_state,omitempty"`
	State        map[string]any        `json:"state,omitempty"`
	Completed    map[string]StepRecord `json:"completed,omitempty"`
	Order        []string              `json:"order,omitempty"`
	Current      string                `json:"current,omitempty"`
	Error        string                `json:"error,omitempty"`
	ErrorKind    core.ErrorKind        `json:"error_kind,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Resumable reports whether Resume may continue the run.
func (c *Checkpoint) Resumable() bool { return c.Status != CheckpointCompleted }

// CheckpointStore persists checkpoints. Save replaces the checkpoint of the
// same RunID. Values round-trip through JSON, so replayed outputs and deltas
// carry JSON types (numbers become float64).
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	// List returns the checkpoints of a workflow, or of all workflows when
	// workflow is empty, oldest first.
	List(ctx context.Context, workflow string) ([]*Checkpoint, error)
	Delete(ctx context.Context, runID string) error
}

// SortCheckpoints orders checkpoints by creation time, then run ID.
func SortCheckpoints(cps []*Checkpoint) {
	slices.SortFunc(cps, func(a, b *Checkpoint) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.RunID, b.RunID)
	})
}

// InMemoryCheckpointStore keeps checkpoints as encoded JSON in process
// memory.
type InMemoryCheckpointStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInMemoryCheckpointStore creates an empty store.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{data: make(map[string][]byte)}
}

// Save implements CheckpointStore.
func (s *InMemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	if cp == nil || cp.RunID == "" {
		return errors.New("checkpoint run ID is required")
	}

	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	s.mu.Lock()
	s.data[cp.RunID] = b
	s.mu.Unlock()

	return nil
}

// Load implements CheckpointStore.
func (s *InMemoryCheckpointStore) Load(_ context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	b, ok := s.data[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, runID)
	}

	return decodeCheckpoint(b)
}

// List implements CheckpointStore.
func (s *InMemoryCheckpointStore) List(_ context.Context, workflow string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Checkpoint, 0, len(s.data))

	for _, b := range s.data {
		cp, err := decodeCheckpoint(b)
		if err != nil {
			return nil, err
		}

		if workflow == "" || cp.Workflow == workflow {
			out = append(out, cp)
		}
	}

	SortCheckpoints(out)

	return out, nil
}

// Delete implements CheckpointStore. Deleting an unknown run is a no-op.
func (s *InMemoryCheckpointStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	delete(s.data, runID)
	s.mu.Unlock()

	return nil
}

func decodeCheckpoint(b []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}
