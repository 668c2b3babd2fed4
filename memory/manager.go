package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/schema"
)

// Operation kinds proposed by the extraction model.
const (
	OpAdd    = "add"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Operation is one change to a user's memory set.
type Operation struct {
	Op     string   `json:"op" enum:"add,update,delete" description:"Kind of change"`
	ID     string   `json:"id,omitempty" description:"Existing memory id for update and delete"`
	Memory string   `json:"memory,omitempty" description:"Memory text for add and update"`
	Topics []string `json:"topics,omitempty" description:"Short topic labels"`
}

type extraction struct {
	Operations []Operation `json:"operations" description:"Changes to apply, empty when nothing is worth remembering"`
}

const defaultManagerInstructions = `You maintain long-term memories about a user.
Given the user's existing memories and the latest exchange, decide which
durable facts about the user (preferences, personal details, goals) should be
added, which existing memories should be updated and which are now wrong and
must be deleted. Ignore small talk and one-off requests.
Respond with JSON only, matching: {"operations":[{"op":"add|update|delete","id":"...","memory":"...","topics":["..."]}]}.`

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Instructions replaces the default extraction prompt.
	Instructions string
	// Params is passed through to the model.
	Params map[string]any
	Logger logging.Logger
}

// Manager extracts memories from runs with a secondary model call and
// applies the resulting operations to a store.
type Manager struct {
	model  model.Model
	store  core.MemoryStore
	schema *schema.Schema
	opts   ManagerOptions
}

// NewManager creates a Manager writing to store.
func NewManager(m model.Model, store core.MemoryStore, optFns ...func(o *ManagerOptions)) (*Manager, error) {
	if m == nil || store == nil {
		return nil, errors.New("memory manager requires a model and a store")
	}

	opts := ManagerOptions{
		Instructions: defaultManagerInstructions,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	s, err := schema.Compile(schema.For[extraction]())
	if err != nil {
		return nil, fmt.Errorf("compile extraction schema: %w", err)
	}

	return &Manager{model: m, store: store, schema: s, opts: opts}, nil
}

// Store returns the store the manager writes to.
func (m *Manager) Store() core.MemoryStore { return m.store }

// Extract proposes and applies memory operations for userID based on run.
// It returns the operations that were applied. Updates and deletes naming
// unknown memories are skipped.
func (m *Manager) Extract(ctx context.Context, userID string, run core.Run) ([]Operation, error) {
	existing, err := m.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}

	resp, err := model.Collect(ctx, m.model, model.Request{
		Instructions: m.opts.Instructions,
		Contents:     []core.Content{core.NewTextContent(core.RoleUser, renderPrompt(existing, run))},
		Params:       m.opts.Params,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("memory extraction model call: %w", err)
	}

	if resp == nil {
		return nil, errors.New("memory extraction model returned no response")
	}

	parsed, err := m.schema.ValidateJSON(resp.Content.Text())
	if err != nil {
		return nil, fmt.Errorf("memory extraction output: %w", err)
	}

	var ext extraction
	if err := remarshal(parsed, &ext); err != nil {
		return nil, fmt.Errorf("decode memory operations: %w", err)
	}

	known := make(map[string]core.MemoryRecord, len(existing))
	for _, rec := range existing {
		known[rec.ID] = rec
	}

	var applied []Operation

	for _, op := range ext.Operations {
		switch op.Op {
		case OpAdd:
			if strings.TrimSpace(op.Memory) == "" {
				continue
			}
			rec, err := m.store.Upsert(ctx, userID, core.MemoryRecord{Memory: op.Memory, Topics: op.Topics})
			if err != nil {
				return applied, fmt.Errorf("add memory: %w", err)
			}
			op.ID = rec.ID
		case OpUpdate:
			prev, ok := known[op.ID]
			if !ok || strings.TrimSpace(op.Memory) == "" {
				m.opts.Logger.Debug("memory.update.skipped", "user_id", userID, "memory_id", op.ID)
				continue
			}
			prev.Memory = op.Memory
			if op.Topics != nil {
				prev.Topics = op.Topics
			}
			if _, err := m.store.Upsert(ctx, userID, prev); err != nil {
				return applied, fmt.Errorf("update memory: %w", err)
			}
		case OpDelete:
			if _, ok := known[op.ID]; !ok {
				continue
			}
			if err := m.store.Delete(ctx, userID, op.ID); err != nil && !errors.Is(err, core.ErrMemoryNotFound) {
				return applied, fmt.Errorf("delete memory: %w", err)
			}
		default:
			continue
		}

		applied = append(applied, op)
	}

	m.opts.Logger.Info("memory.extracted", "user_id", userID, "run_id", run.ID, "operations", len(applied))

	return applied, nil
}

func renderPrompt(existing []core.MemoryRecord, run core.Run) string {
	var b strings.Builder

	b.WriteString("Existing memories:\n")
	if len(existing) == 0 {
		b.WriteString("(none)\n")
	}
	for _, rec := range existing {
		fmt.Fprintf(&b, "- [%s] %s\n", rec.ID, rec.Memory)
	}

	b.WriteString("\nLatest exchange:\n")
	fmt.Fprintf(&b, "user: %s\n", run.Input.Text())
	if run.Output != nil {
		fmt.Fprintf(&b, "assistant: %s\n", run.Output.Text())
	}

	return b.String()
}

func remarshal(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
