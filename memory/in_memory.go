package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// InMemoryStore is a process-local MemoryStore. Suitable for tests and demos.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]core.MemoryRecord // userID -> memoryID -> record
}

// NewInMemoryStore creates a new in-memory memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]map[string]core.MemoryRecord)}
}

// List returns the user's memories ordered by creation time.
func (m *InMemoryStore) List(_ context.Context, userID string) ([]core.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.MemoryRecord, 0, len(m.records[userID]))
	for _, rec := range m.records[userID] {
		rec.Topics = slices.Clone(rec.Topics)
		out = append(out, rec)
	}

	sortRecords(out)

	return out, nil
}

// Upsert stores rec for userID, assigning an ID when empty.
func (m *InMemoryStore) Upsert(_ context.Context, userID string, rec core.MemoryRecord) (core.MemoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userRecords, ok := m.records[userID]
	if !ok {
		userRecords = make(map[string]core.MemoryRecord)
		m.records[userID] = userRecords
	}

	now := time.Now().UTC()

	if rec.ID == "" {
		rec.ID = core.NewID()
	}

	if existing, ok := userRecords[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	rec.UserID = userID
	rec.UpdatedAt = now
	rec.Topics = slices.Clone(rec.Topics)

	userRecords[rec.ID] = rec

	return rec, nil
}

// Delete removes a memory. Unknown IDs return core.ErrMemoryNotFound.
func (m *InMemoryStore) Delete(_ context.Context, userID, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[userID][memoryID]; !ok {
		return core.ErrMemoryNotFound
	}

	delete(m.records[userID], memoryID)

	return nil
}

func sortRecords(recs []core.MemoryRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
