package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/optahq/opta/internal/browser"
	"github.com/optahq/opta/internal/provider"
)

// SaveSnapshot writes a crash-recovery snapshot of the conversation,
// replacing any prior snapshot for the session.
func (s *Store) SaveSnapshot(sessionID string, msgs []provider.Message) error {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO snapshots (session_id, payload, created) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET payload = excluded.payload, created = excluded.created`,
		sessionID, string(payload), time.Now().Unix())
	return err
}

// LoadSnapshot returns the pending snapshot for a session, if any.
func (s *Store) LoadSnapshot(sessionID string) ([]provider.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var payload string
	err := s.db.QueryRow("SELECT payload FROM snapshots WHERE session_id = ?", sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var msgs []provider.Message
	if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
		return nil, false, err
	}
	return msgs, true, nil
}

// DeleteSnapshot removes the snapshot after clean completion.
func (s *Store) DeleteSnapshot(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM snapshots WHERE session_id = ?", sessionID)
	return err
}

// Append writes one approval event; Store implements browser.AuditSink.
func (s *Store) Append(ev browser.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	approved := 0
	if ev.Approved {
		approved = 1
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO approval_events (id, tool, session_id, risk, target, approved, reason, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Tool, ev.SessionID, ev.Risk, ev.Target, approved, ev.Reason, at.Unix())
	return err
}

// ApprovalEvents returns the most recent n approval events, newest first.
func (s *Store) ApprovalEvents(n int) ([]browser.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT id, tool, session_id, risk, target, approved, reason, created
		 FROM approval_events ORDER BY created DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []browser.AuditEvent
	for rows.Next() {
		var ev browser.AuditEvent
		var approved int
		var created int64
		if err := rows.Scan(&ev.ID, &ev.Tool, &ev.SessionID, &ev.Risk, &ev.Target, &approved, &ev.Reason, &created); err != nil {
			return nil, err
		}
		ev.Approved = approved == 1
		ev.At = time.Unix(created, 0)
		events = append(events, ev)
	}
	return events, rows.Err()
}
