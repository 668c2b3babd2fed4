package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentcrew/core"
)

const createMemoriesTable = `
CREATE TABLE IF NOT EXISTS memories (
	id         TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	memory     TEXT NOT NULL,
	topics     TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, id)
)`

// SQLiteStore is a MemoryStore backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for
// a private in-process database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := db.ExecContext(ctx, createMemoriesTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create memories table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// List returns the user's memories ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context, userID string) ([]core.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, memory, topics, created_at, updated_at FROM memories WHERE user_id = ? ORDER BY created_at, id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []core.MemoryRecord

	for rows.Next() {
		var (
			rec              core.MemoryRecord
			topics           string
			created, updated int64
		)

		if err := rows.Scan(&rec.ID, &rec.Memory, &topics, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		if err := json.Unmarshal([]byte(topics), &rec.Topics); err != nil {
			return nil, fmt.Errorf("decode topics: %w", err)
		}

		rec.UserID = userID
		rec.CreatedAt = time.Unix(0, created).UTC()
		rec.UpdatedAt = time.Unix(0, updated).UTC()

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return out, nil
}

// Upsert stores rec for userID, assigning an ID when empty. The creation
// time of an existing record is kept.
func (s *SQLiteStore) Upsert(ctx context.Context, userID string, rec core.MemoryRecord) (core.MemoryRecord, error) {
	now := time.Now().UTC()

	if rec.ID == "" {
		rec.ID = core.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	rec.UserID = userID
	rec.UpdatedAt = now

	topics := rec.Topics
	if topics == nil {
		topics = []string{}
	}

	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return core.MemoryRecord{}, fmt.Errorf("encode topics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO memories (id, user_id, memory, topics, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, id) DO UPDATE SET
	memory = excluded.memory,
	topics = excluded.topics,
	updated_at = excluded.updated_at`,
		rec.ID, userID, rec.Memory, string(topicsJSON), rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return core.MemoryRecord{}, fmt.Errorf("upsert memory: %w", err)
	}

	var created int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT created_at FROM memories WHERE user_id = ? AND id = ?", userID, rec.ID).Scan(&created); err != nil {
		return core.MemoryRecord{}, fmt.Errorf("read back memory: %w", err)
	}

	rec.CreatedAt = time.Unix(0, created).UTC()

	return rec, nil
}

// Delete removes a memory. Unknown IDs return core.ErrMemoryNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, userID, memoryID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE user_id = ? AND id = ?", userID, memoryID)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}

	if n == 0 {
		return core.ErrMemoryNotFound
	}

	return nil
}
