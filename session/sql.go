package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/townhall-labs/townhall/core"
)

// SQLStore is a SessionStore backed by a relational database. Two dialects
// are supported: "sqlite" for single-host deployments (embedded database
// file) and "postgres" for multi-instance backends. Concurrency is handled
// by database transactions, not Go-level locks.
//
// Partial streaming events are never persisted; only completed turns reach
// the session_events table.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createSessionsSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    state_json TEXT,
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createEventsSQL = `
CREATE TABLE IF NOT EXISTS session_events (
    id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    run_id VARCHAR(255),
    author VARCHAR(255),
    branch VARCHAR(255),
    role VARCHAR(50),
    content_json TEXT,
    state_delta_json TEXT,
    handoff VARCHAR(255),
    escalate BOOLEAN DEFAULT FALSE,
    turn_complete BOOLEAN DEFAULT FALSE,
    error_code VARCHAR(100),
    error_message TEXT,
    metadata_json TEXT,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, id)
)`

const createEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_session_events_seq ON session_events(session_id, sequence_num)`

// NewSQLStore creates a SQL-backed store and initializes the schema.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "sqlite", "sqlite3":
		dialect = "sqlite"
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Separate statements for SQLite compatibility.
	for _, stmt := range []string{createSessionsSQL, createEventsSQL, createEventsIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error { return s.db.Close() }

// q rewrites ? placeholders for the active dialect.
func (s *SQLStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Create inserts a fresh session row, replacing any existing one.
func (s *SQLStore) Create(sessionID string) (*core.Session, error) {
	ctx := context.Background()
	sess := core.NewSession(sessionID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM session_events WHERE session_id = ?`), sessionID); err != nil {
		return nil, fmt.Errorf("failed to clear events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ?`), sessionID); err != nil {
		return nil, fmt.Errorf("failed to clear session: %w", err)
	}
	if err := insertSessionTx(ctx, tx, s, sess); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sess, nil
}

// Get loads a session with its full event history, creating it lazily when
// it does not exist yet.
func (s *SQLStore) Get(sessionID string) (*core.Session, error) {
	ctx := context.Background()

	var stateJSON, metadataJSON sql.NullString
	var created, updated time.Time
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT state_json, metadata_json, created_at, updated_at FROM sessions WHERE id = ?`),
		sessionID,
	).Scan(&stateJSON, &metadataJSON, &created, &updated)
	if err == sql.ErrNoRows {
		return s.Create(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess := core.NewSession(sessionID)
	sess.Created = created
	if stateJSON.Valid && stateJSON.String != "" {
		var state map[string]any
		if err := json.Unmarshal([]byte(stateJSON.String), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		sess.ApplyStateDelta(state)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		var meta map[string]string
		if err := json.Unmarshal([]byte(metadataJSON.String), &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		sess.Metadata = meta
	}

	events, err := s.loadEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		sess.AddEvent(ev)
	}
	sess.Updated = updated

	return sess, nil
}

// List returns all known session ids ordered by last update.
func (s *SQLStore) List() ([]string, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a session and its event history.
func (s *SQLStore) Delete(sessionID string) error {
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM session_events WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// AppendEvent persists a completed event and bumps the session timestamp.
// Partial streaming fragments are skipped.
func (s *SQLStore) AppendEvent(sessionID string, ev core.Event) error {
	if ev.IsPartial() {
		return nil
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureSessionTx(ctx, tx, sessionID); err != nil {
		return err
	}

	var seq int
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM session_events WHERE session_id = ?`),
		sessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to get sequence number: %w", err)
	}

	role := ""
	contentJSON := ""
	if ev.Content != nil {
		role = ev.Content.Role
		raw, err := MarshalContent(ev.Content)
		if err != nil {
			return fmt.Errorf("failed to marshal content: %w", err)
		}
		contentJSON = string(raw)
	}

	stateDeltaJSON := ""
	if len(ev.Actions.StateDelta) > 0 {
		raw, err := json.Marshal(ev.Actions.StateDelta)
		if err != nil {
			return fmt.Errorf("failed to marshal state delta: %w", err)
		}
		stateDeltaJSON = string(raw)
	}

	metadataJSON := ""
	if len(ev.Metadata) > 0 {
		raw, _ := json.Marshal(ev.Metadata)
		metadataJSON = string(raw)
	}

	handoff := ""
	if ev.Actions.Handoff != nil {
		handoff = *ev.Actions.Handoff
	}
	escalate := ev.Actions.Escalate != nil && *ev.Actions.Escalate
	turnComplete := ev.TurnComplete != nil && *ev.TurnComplete
	branch := ""
	if ev.Branch != nil {
		branch = *ev.Branch
	}
	errorCode, errorMessage := "", ""
	if ev.ErrorCode != nil {
		errorCode = *ev.ErrorCode
	}
	if ev.ErrorMessage != nil {
		errorMessage = *ev.ErrorMessage
	}

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO session_events (
        id, session_id, run_id, author, branch, role, content_json,
        state_delta_json, handoff, escalate, turn_complete,
        error_code, error_message, metadata_json, sequence_num, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, sessionID, ev.RunID, ev.Author, branch, role, contentJSON,
		stateDeltaJSON, handoff, escalate, turnComplete,
		errorCode, errorMessage, metadataJSON, seq, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(`UPDATE sessions SET updated_at = ? WHERE id = ?`),
		time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ApplyDelta merges a key/value delta into the persisted session state.
func (s *SQLStore) ApplyDelta(sessionID string, delta map[string]any) error {
	if len(delta) == 0 {
		return nil
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureSessionTx(ctx, tx, sessionID); err != nil {
		return err
	}

	var stateJSON sql.NullString
	err = tx.QueryRowContext(ctx, s.q(`SELECT state_json FROM sessions WHERE id = ?`), sessionID).Scan(&stateJSON)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	state := make(map[string]any)
	if stateJSON.Valid && stateJSON.String != "" {
		if err := json.Unmarshal([]byte(stateJSON.String), &state); err != nil {
			return fmt.Errorf("failed to unmarshal state: %w", err)
		}
	}
	for k, v := range delta {
		state[k] = v
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(`UPDATE sessions SET state_json = ?, updated_at = ? WHERE id = ?`),
		string(raw), time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) ensureSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var exists int
	err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(1) FROM sessions WHERE id = ?`), sessionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists > 0 {
		return nil
	}
	return insertSessionTx(ctx, tx, s, core.NewSession(sessionID))
}

func insertSessionTx(ctx context.Context, tx *sql.Tx, s *SQLStore, sess *core.Session) error {
	stateJSON, err := json.Marshal(sess.StateSnapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		s.q(`INSERT INTO sessions (id, state_json, metadata_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		sess.ID, string(stateJSON), string(metadataJSON), sess.Created, sess.Updated)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SQLStore) loadEvents(ctx context.Context, sessionID string) ([]core.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT
        id, run_id, author, branch, role, content_json,
        state_delta_json, handoff, escalate, turn_complete,
        error_code, error_message, metadata_json, created_at
        FROM session_events WHERE session_id = ? ORDER BY sequence_num ASC`),
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var (
			id, runID, author                              string
			branch, role, contentJSON                      sql.NullString
			stateDeltaJSON, handoff                        sql.NullString
			escalate, turnComplete                         bool
			errorCode, errorMessage, metadataJSON          sql.NullString
			createdAt                                      time.Time
		)
		if err := rows.Scan(&id, &runID, &author, &branch, &role, &contentJSON,
			&stateDeltaJSON, &handoff, &escalate, &turnComplete,
			&errorCode, &errorMessage, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev := core.Event{ID: id, RunID: runID, Author: author, Timestamp: createdAt}

		if branch.Valid && branch.String != "" {
			b := branch.String
			ev.Branch = &b
		}
		if contentJSON.Valid && contentJSON.String != "" {
			content, err := UnmarshalContent([]byte(contentJSON.String))
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal content: %w", err)
			}
			ev.Content = content
		}
		if stateDeltaJSON.Valid && stateDeltaJSON.String != "" {
			var delta map[string]any
			if err := json.Unmarshal([]byte(stateDeltaJSON.String), &delta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal state delta: %w", err)
			}
			ev.Actions.StateDelta = delta
		}
		if handoff.Valid && handoff.String != "" {
			h := handoff.String
			ev.Actions.Handoff = &h
		}
		if escalate {
			e := true
			ev.Actions.Escalate = &e
		}
		if turnComplete {
			tc := true
			ev.TurnComplete = &tc
		}
		if errorCode.Valid && errorCode.String != "" {
			c := errorCode.String
			ev.ErrorCode = &c
		}
		if errorMessage.Valid && errorMessage.String != "" {
			m := errorMessage.String
			ev.ErrorMessage = &m
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			var meta map[string]string
			if err := json.Unmarshal([]byte(metadataJSON.String), &meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
			ev.Metadata = meta
		}

		events = append(events, ev)
	}

	return events, rows.Err()
}

var _ core.SessionStore = (*SQLStore)(nil)
