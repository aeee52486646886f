package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one run of the localizer. Every estimate belongs to a session.
type Session struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	StartedAt time.Time       `json:"started_at"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// StartSession records a new session with a random id. cfg is stored as
// JSON so later analysis knows which tuning produced the estimates.
func (db *DB) StartSession(role string, cfg any, at time.Time) (Session, error) {
	raw := []byte("{}")
	if cfg != nil {
		b, err := json.Marshal(cfg)
		if err != nil {
			return Session{}, fmt.Errorf("failed to marshal session config: %w", err)
		}
		raw = b
	}

	s := Session{ID: uuid.NewString(), Role: role, StartedAt: at, Config: raw}
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, role, started_unix_ns, config_json) VALUES (?, ?, ?, ?)`,
		s.ID, s.Role, at.UnixNano(), string(raw),
	)
	if err != nil {
		return Session{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return s, nil
}

// Sessions returns all sessions, newest first.
func (db *DB) Sessions() ([]Session, error) {
	rows, err := db.Query(`SELECT session_id, role, started_unix_ns, config_json FROM sessions ORDER BY started_unix_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s   Session
			ns  int64
			cfg string
		)
		if err := rows.Scan(&s.ID, &s.Role, &ns, &cfg); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, ns)
		s.Config = json.RawMessage(cfg)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
