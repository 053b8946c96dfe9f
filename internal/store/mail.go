package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateMessage inserts a new mail row.
func (s *Store) CreateMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO messages (message_id, project_id, from_agent_id, to_agent_id, from_alias, subject, body, priority, thread_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.ProjectID, m.FromAgentID, m.ToAgentID, m.FromAlias, m.Subject, m.Body, m.Priority, m.ThreadID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	m := &Message{}
	err := row.Scan(&m.MessageID, &m.ProjectID, &m.FromAgentID, &m.ToAgentID, &m.FromAlias,
		&m.Subject, &m.Body, &m.Priority, &m.ThreadID, &m.CreatedAt, &m.ReadAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

const messageSelectCols = `message_id, project_id, from_agent_id, to_agent_id, from_alias, subject, body, priority, thread_id, created_at, read_at`

// GetMessage fetches a single mail row by id.
func (s *Store) GetMessage(messageID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanMessage(s.db.QueryRow(`SELECT `+messageSelectCols+` FROM messages WHERE message_id = ?`, messageID))
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// Inbox returns mail addressed to toAgentID, newest first, optionally
// restricted to unread rows, bounded by limit (0 means unbounded).
func (s *Store) Inbox(toAgentID string, unreadOnly bool, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + messageSelectCols + ` FROM messages WHERE to_agent_id = ?`
	args := []any{toAgentID}
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("inbox: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// AckMessage sets read_at = now iff the row belongs to toAgentID and is
// still unread. Returns (readAt, acked) where acked is false both when
// the row is missing and when it had already been acked (the caller
// treats both as idempotent no-ops per spec, distinguished by a prior
// GetMessage if it needs to).
func (s *Store) AckMessage(messageID, toAgentID string, now time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE messages SET read_at = ?
		WHERE message_id = ? AND to_agent_id = ? AND read_at IS NULL`,
		now, messageID, toAgentID,
	)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ack message: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return time.Time{}, false, nil
	}
	return now, true, nil
}
