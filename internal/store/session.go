package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/optahq/opta/internal/provider"
)

// Session describes one persisted conversation.
type Session struct {
	ID      string
	Title   string
	Created time.Time
	Updated time.Time
}

// CreateSession inserts a new session.
func (s *Store) CreateSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Unix()
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO sessions (id, title, created, updated) VALUES (?, '', ?, ?)",
		id, now, now)
	return err
}

// SetTitle updates a session's title (typically the first user request).
func (s *Store) SetTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(title) > 120 {
		title = title[:120]
	}
	_, err := s.db.Exec("UPDATE sessions SET title = ? WHERE id = ?", title, id)
	return err
}

// ListSessions returns sessions, most recently updated first.
func (s *Store) ListSessions() ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query("SELECT id, title, created, updated FROM sessions ORDER BY updated DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var created, updated int64
		if err := rows.Scan(&sess.ID, &sess.Title, &created, &updated); err != nil {
			return nil, err
		}
		sess.Created = time.Unix(created, 0)
		sess.Updated = time.Unix(updated, 0)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// MostRecentSession returns the latest session id, or empty when none.
func (s *Store) MostRecentSession() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id string
	err := s.db.QueryRow("SELECT id FROM sessions ORDER BY updated DESC LIMIT 1").Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// SaveMessages replaces a session's message history. Called between turns,
// when the conversation is invariant-consistent.
func (s *Store) SaveMessages(sessionID string, msgs []provider.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	for i, m := range msgs {
		var toolCalls any
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			toolCalls = string(data)
		}
		if _, err := tx.Exec(
			`INSERT INTO messages (session_id, seq, role, content, thinking, tool_calls, tool_call_id, created, input_tokens, output_tokens)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, i, m.Role, m.Content, m.Thinking, toolCalls, m.ToolCallID,
			m.CreatedAt.Unix(), m.InputTokens, m.OutputTokens); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("UPDATE sessions SET updated = ? WHERE id = ?", time.Now().Unix(), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadMessages returns a session's message history in order.
func (s *Store) LoadMessages(sessionID string) ([]provider.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT role, content, thinking, tool_calls, tool_call_id, created, input_tokens, output_tokens
		 FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []provider.Message
	for rows.Next() {
		var m provider.Message
		var toolCalls sql.NullString
		var created int64
		if err := rows.Scan(&m.Role, &m.Content, &m.Thinking, &toolCalls, &m.ToolCallID,
			&created, &m.InputTokens, &m.OutputTokens); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(created, 0)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
