package core

import (
	"context"
	"time"
)

// MemoryRecord is a durable user-scoped fact, independent of sessions.
type MemoryRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Memory    string    `json:"memory"`
	Topics    []string  `json:"topics,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryStore persists memory records per user. Upsert assigns an ID when
// the record has none.
type MemoryStore interface {
	List(ctx context.Context, userID string) ([]MemoryRecord, error)
	Upsert(ctx context.Context, userID string, rec MemoryRecord) (MemoryRecord, error)
	Delete(ctx context.Context, userID, memoryID string) error
}
