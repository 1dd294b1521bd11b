// Package statestore persists shared project state to a local SQLite
// database, one full state object per conversation.
//
// Reads and writes are whole-state: there is no partial-field API, so a save
// is atomic at conversation granularity. A version column provides the thin
// slice of optimistic concurrency the orchestrator needs to detect a stale
// write from another replica; richer multi-process coordination belongs to
// an outer layer.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/knearme/portfolio-agent/internal/portfolio"
)

// ErrStaleState indicates a save with an expected version that no longer
// matches the stored row: someone else wrote in between.
var ErrStaleState = errors.New("stale state version")

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS portfolio_states (
  conversation_id    TEXT PRIMARY KEY,
  state_json         TEXT NOT NULL,
  checkpoint         TEXT NOT NULL DEFAULT '',
  version            INTEGER NOT NULL DEFAULT 1,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_portfolio_states_updated
  ON portfolio_states (updated_at_unix_ms DESC);
`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadState returns the state and its version for a conversation. A missing
// conversation returns (nil, 0, nil): not-yet-started is not an error.
func (s *Store) LoadState(ctx context.Context, conversationID string) (*portfolio.State, int64, error) {
	if s == nil || s.db == nil {
		return nil, 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, 0, errors.New("missing conversation_id")
	}

	var stateJSON string
	var version int64
	err := s.db.QueryRowContext(ctx, `
SELECT state_json, version FROM portfolio_states WHERE conversation_id = ?
`, conversationID).Scan(&stateJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	var state portfolio.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, 0, fmt.Errorf("decode state for %s: %w", conversationID, err)
	}
	state.ConversationID = conversationID
	return &state, version, nil
}

// SaveState writes the full state. expectedVersion 0 means "create or
// overwrite whatever is there"; a positive expectedVersion enforces that the
// stored row still has that version and returns ErrStaleState otherwise.
// Returns the new version.
func (s *Store) SaveState(ctx context.Context, conversationID string, state *portfolio.State, expectedVersion int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, errors.New("missing conversation_id")
	}
	if state == nil {
		return 0, errors.New("nil state")
	}

	b, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encode state: %w", err)
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `
SELECT version FROM portfolio_states WHERE conversation_id = ?
`, conversationID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion > 0 {
			return 0, ErrStaleState
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO portfolio_states (conversation_id, state_json, checkpoint, version, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?, 1, ?, ?)
`, conversationID, string(b), string(state.Checkpoint), now, now); err != nil {
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		return 1, nil
	case err != nil:
		return 0, err
	}

	if expectedVersion > 0 && current != expectedVersion {
		return 0, ErrStaleState
	}
	next := current + 1
	if _, err := tx.ExecContext(ctx, `
UPDATE portfolio_states
SET state_json = ?, checkpoint = ?, version = ?, updated_at_unix_ms = ?
WHERE conversation_id = ?
`, string(b), string(state.Checkpoint), next, now, conversationID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// ConversationMeta is a store listing row.
type ConversationMeta struct {
	ConversationID  string               `json:"conversation_id"`
	Checkpoint      portfolio.Checkpoint `json:"checkpoint"`
	Version         int64                `json:"version"`
	UpdatedAtUnixMs int64                `json:"updated_at_unix_ms"`
}

// ListConversations returns conversations most recently updated first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]ConversationMeta, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT conversation_id, checkpoint, version, updated_at_unix_ms
FROM portfolio_states
ORDER BY updated_at_unix_ms DESC, conversation_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]ConversationMeta, 0, limit)
	for rows.Next() {
		var m ConversationMeta
		var checkpoint string
		if err := rows.Scan(&m.ConversationID, &checkpoint, &m.Version, &m.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		m.Checkpoint = portfolio.Checkpoint(checkpoint)
		out = append(out, m)
	}
	return out, rows.Err()
}
