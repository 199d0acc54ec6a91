package townhall

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Store persists extracted incidents and feedback to a relational database,
// alongside (and typically sharing a connection with) the session store.
// Dialects: "sqlite" for the embedded database file, "postgres" for a
// hosted database.
type Store struct {
	db      *sql.DB
	dialect string
}

const createIncidentsSQLite = `
CREATE TABLE IF NOT EXISTS incidents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    incident_type VARCHAR(255),
    description TEXT,
    date_of_occurrence VARCHAR(64),
    location VARCHAR(255),
    person_involved VARCHAR(255),
    reporter_name VARCHAR(255),
    severity_level INTEGER,
    created_at TIMESTAMP NOT NULL
)`

const createIncidentsPostgres = `
CREATE TABLE IF NOT EXISTS incidents (
    id BIGSERIAL PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    incident_type VARCHAR(255),
    description TEXT,
    date_of_occurrence VARCHAR(64),
    location VARCHAR(255),
    person_involved VARCHAR(255),
    reporter_name VARCHAR(255),
    severity_level INTEGER,
    created_at TIMESTAMP NOT NULL
)`

const createFeedbackSQLite = `
CREATE TABLE IF NOT EXISTS feedback (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    topic VARCHAR(255),
    summary TEXT,
    sentiment VARCHAR(50),
    created_at TIMESTAMP NOT NULL
)`

const createFeedbackPostgres = `
CREATE TABLE IF NOT EXISTS feedback (
    id BIGSERIAL PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    topic VARCHAR(255),
    summary TEXT,
    sentiment VARCHAR(50),
    created_at TIMESTAMP NOT NULL
)`

const createRecordIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_incidents_session ON incidents(session_id)`

const createFeedbackIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_feedback_session ON feedback(session_id)`

// NewStore creates a record store and initializes the schema.
func NewStore(db *sql.DB, dialect string) (*Store, error) {
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

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	incidents, feedback := createIncidentsSQLite, createFeedbackSQLite
	if s.dialect == "postgres" {
		incidents, feedback = createIncidentsPostgres, createFeedbackPostgres
	}

	for _, stmt := range []string{incidents, feedback, createRecordIndexesSQL, createFeedbackIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// q rewrites ? placeholders for the active dialect.
func (s *Store) q(query string) string {
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

// SaveIncident inserts an incident row associated with a session.
func (s *Store) SaveIncident(sessionID string, in Incident) error {
	_, err := s.db.ExecContext(context.Background(), s.q(`INSERT INTO incidents (
        session_id, incident_type, description, date_of_occurrence,
        location, person_involved, reporter_name, severity_level, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sessionID, in.IncidentType, in.Description, in.DateOfOccurrence,
		in.Location, in.PersonInvolved, in.ReporterName, in.SeverityLevel, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

// SaveFeedback inserts a feedback row associated with a session.
func (s *Store) SaveFeedback(sessionID string, fb Feedback) error {
	_, err := s.db.ExecContext(context.Background(), s.q(`INSERT INTO feedback (
        session_id, topic, summary, sentiment, created_at)
        VALUES (?, ?, ?, ?, ?)`),
		sessionID, fb.Topic, fb.Summary, fb.Sentiment, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}

// ListIncidents returns the incidents recorded for a session, oldest first.
// An empty sessionID returns incidents across all sessions.
func (s *Store) ListIncidents(sessionID string) ([]Incident, error) {
	query := `SELECT incident_type, description, date_of_occurrence,
        location, person_involved, reporter_name, severity_level
        FROM incidents`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(context.Background(), s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		var in Incident
		var date, reporter sql.NullString
		if err := rows.Scan(&in.IncidentType, &in.Description, &date,
			&in.Location, &in.PersonInvolved, &reporter, &in.SeverityLevel); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		in.DateOfOccurrence = date.String
		in.ReporterName = reporter.String
		incidents = append(incidents, in)
	}
	return incidents, rows.Err()
}

// ListFeedback returns the feedback recorded for a session, oldest first.
// An empty sessionID returns feedback across all sessions.
func (s *Store) ListFeedback(sessionID string) ([]Feedback, error) {
	query := `SELECT topic, summary, sentiment FROM feedback`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(context.Background(), s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var feedback []Feedback
	for rows.Next() {
		var fb Feedback
		if err := rows.Scan(&fb.Topic, &fb.Summary, &fb.Sentiment); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		feedback = append(feedback, fb)
	}
	return feedback, rows.Err()
}
