package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// sqliteCheckpointStore persists DialogueState as JSON blobs in a local
// SQLite file, giving the "sync"/"exit" durability modes (spec.md §5) a
// restart-surviving backend without standing up an external database.
// Grounded on oasis's modernc.org/sqlite usage for its own local storage
// layer; JSON (encoding/json, stdlib) is used for the blob itself since no
// example repo in the pack carries a binary state-serialization library
// and DialogueState's shape (nested maps, interface{} slot values) is
// exactly what encoding/json is for.
type sqliteCheckpointStore struct {
	db *sql.DB
}

// newSQLiteCheckpointStore opens (creating if needed) a SQLite database at
// path and ensures the checkpoints table exists.
func newSQLiteCheckpointStore(path string) (*sqliteCheckpointStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database %s: %w", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating checkpoints table: %w", err)
	}
	return &sqliteCheckpointStore{db: db}, nil
}

func (s *sqliteCheckpointStore) Load(ctx context.Context, sessionID string) (*DialogueState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state FROM checkpoints WHERE session_id = ?`, sessionID)
	var blob string
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("loading checkpoint for %q: %w", sessionID, err)
	}
	var out DialogueState
	if err := json.Unmarshal([]byte(blob), &out); err != nil {
		return nil, fmt.Errorf("decoding checkpoint for %q: %w", sessionID, err)
	}
	return &out, nil
}

func (s *sqliteCheckpointStore) Save(ctx context.Context, state *DialogueState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding checkpoint for %q: %w", state.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints (session_id, state, updated_at)
VALUES (?, ?, unixepoch())
ON CONFLICT(session_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		state.SessionID, string(blob))
	if err != nil {
		return fmt.Errorf("saving checkpoint for %q: %w", state.SessionID, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *sqliteCheckpointStore) Close() error {
	return s.db.Close()
}
