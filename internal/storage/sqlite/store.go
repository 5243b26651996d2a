// Package sqlite persists reading sessions in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/harshasoftware/tarotforge/internal/reading"
	"github.com/harshasoftware/tarotforge/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	host_participant_id TEXT NOT NULL,
	deck_id TEXT NOT NULL,
	rev INTEGER NOT NULL,
	state TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store implements session.Persistence on a SQLite file.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writes per connection; one connection
	// avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row and returns its generated id.
func (s *Store) CreateSession(ctx context.Context, draft session.Draft) (string, error) {
	stateJSON, err := json.Marshal(draft.State)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, host_participant_id, deck_id, rev, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, draft.HostParticipantID, draft.DeckID, draft.Rev, string(stateJSON), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

func (s *Store) LoadSession(ctx context.Context, id string) (*session.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, host_participant_id, deck_id, rev, state, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)

	var (
		rec       session.Record
		stateJSON string
		created   int64
		updated   int64
	)
	err := row.Scan(&rec.ID, &rec.HostParticipantID, &rec.DeckID, &rec.Rev, &stateJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &rec.State); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", id, err)
	}
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return &rec, nil
}

// SaveState overwrites the stored state and rev for an existing session.
func (s *Store) SaveState(ctx context.Context, id string, rev uint64, state reading.State) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET rev = ?, state = ?, updated_at = ? WHERE id = ?`,
		rev, string(stateJSON), time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("save state for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save state for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	return nil
}
