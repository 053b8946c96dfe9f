package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetSessionByParticipantHash looks up an existing session for the
// canonicalized participant set, or returns nil if none exists yet.
func (s *Store) GetSessionByParticipantHash(projectID, participantHash string) (*ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs := &ChatSession{}
	err := s.db.QueryRow(`
		SELECT session_id, project_id, participant_hash, created_at
		FROM chat_sessions WHERE project_id = ? AND participant_hash = ?`,
		projectID, participantHash,
	).Scan(&cs.SessionID, &cs.ProjectID, &cs.ParticipantHash, &cs.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session by participant hash: %w", err)
	}
	return cs, nil
}

// CreateSessionWithParticipants inserts a brand new session and its
// participant rows atomically. Callers first look for an existing session
// with GetSessionByParticipantHash; that lookup is a separate call, so two
// racing creators can both miss it. The schema's unique index on
// (project_id, participant_hash) then fails the second insert, and that
// caller can look the winning session up again.
func (s *Store) CreateSessionWithParticipants(cs *ChatSession, participants []ChatParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO chat_sessions (session_id, project_id, participant_hash, created_at)
		VALUES (?, ?, ?, ?)`,
		cs.SessionID, cs.ProjectID, cs.ParticipantHash, cs.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	for _, p := range participants {
		_, err = tx.Exec(`
			INSERT INTO chat_session_participants (session_id, agent_id, alias, joined_at)
			VALUES (?, ?, ?, ?)`,
			cs.SessionID, p.AgentID, p.Alias, p.JoinedAt,
		)
		if err != nil {
			return fmt.Errorf("add participant: %w", err)
		}
	}

	return tx.Commit()
}

// ListParticipants returns every participant of a session.
func (s *Store) ListParticipants(sessionID string) ([]ChatParticipant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT session_id, agent_id, alias, joined_at
		FROM chat_session_participants WHERE session_id = ? ORDER BY alias`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []ChatParticipant
	for rows.Next() {
		var p ChatParticipant
		if err := rows.Scan(&p.SessionID, &p.AgentID, &p.Alias, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// IsParticipant reports whether agentID belongs to sessionID.
func (s *Store) IsParticipant(sessionID, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM chat_session_participants WHERE session_id = ? AND agent_id = ?`,
		sessionID, agentID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return n > 0, nil
}

// ListSessionsForAgent returns every session agentID participates in,
// newest first.
func (s *Store) ListSessionsForAgent(projectID, agentID string) ([]ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT cs.session_id, cs.project_id, cs.participant_hash, cs.created_at
		FROM chat_sessions cs
		JOIN chat_session_participants p ON p.session_id = cs.session_id
		WHERE cs.project_id = ? AND p.agent_id = ?
		ORDER BY cs.created_at DESC`, projectID, agentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for agent: %w", err)
	}
	defer rows.Close()

	var sessions []ChatSession
	for rows.Next() {
		var cs ChatSession
		if err := rows.Scan(&cs.SessionID, &cs.ProjectID, &cs.ParticipantHash, &cs.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, cs)
	}
	return sessions, rows.Err()
}

// CreateChatMessage appends a message to a session.
func (s *Store) CreateChatMessage(m *ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO chat_messages (message_id, session_id, from_agent_id, from_alias, body, sender_leaving, hang_on, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.SessionID, m.FromAgentID, m.FromAlias, m.Body, m.SenderLeaving, m.HangOn, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create chat message: %w", err)
	}
	return nil
}

const chatMessageSelectCols = `message_id, session_id, from_agent_id, from_alias, body, sender_leaving, hang_on, created_at`

func scanChatMessage(row interface{ Scan(...any) error }) (*ChatMessage, error) {
	m := &ChatMessage{}
	err := row.Scan(&m.MessageID, &m.SessionID, &m.FromAgentID, &m.FromAlias, &m.Body, &m.SenderLeaving, &m.HangOn, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ChatHistory returns messages in a session in commit order, optionally
// restricted to those after `sinceCreatedAt`, bounded by limit.
func (s *Store) ChatHistory(sessionID string, sinceCreatedAt *time.Time, limit int) ([]ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + chatMessageSelectCols + ` FROM chat_messages WHERE session_id = ?`
	args := []any{sessionID}
	if sinceCreatedAt != nil {
		query += ` AND created_at > ?`
		args = append(args, *sinceCreatedAt)
	}
	query += ` ORDER BY created_at ASC, message_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// LastChatMessage returns the most recent message in a session, or nil
// if the session has none.
func (s *Store) LastChatMessage(sessionID string) (*ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanChatMessage(s.db.QueryRow(`
		SELECT `+chatMessageSelectCols+` FROM chat_messages
		WHERE session_id = ? ORDER BY created_at DESC, message_id DESC LIMIT 1`, sessionID))
	if err != nil {
		return nil, fmt.Errorf("last chat message: %w", err)
	}
	return m, nil
}

// LastChatMessageFromAgent returns the most recent message a given
// agent sent in a session, or nil if that agent has never posted one.
// Used by targets_left classification (spec.md §4.3): a participant's
// departure is carried by the `sender_leaving` flag on their own last
// message, not the session's last message overall.
func (s *Store) LastChatMessageFromAgent(sessionID, agentID string) (*ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanChatMessage(s.db.QueryRow(`
		SELECT `+chatMessageSelectCols+` FROM chat_messages
		WHERE session_id = ? AND from_agent_id = ?
		ORDER BY created_at DESC, message_id DESC LIMIT 1`, sessionID, agentID))
	if err != nil {
		return nil, fmt.Errorf("last chat message from agent: %w", err)
	}
	return m, nil
}

// CountChatMessagesAfter counts messages committed after `after` in a
// session, used for Pending's unread_count.
func (s *Store) CountChatMessagesAfter(sessionID string, after *time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`
	args := []any{sessionID}
	if after != nil {
		query += ` AND created_at > ?`
		args = append(args, *after)
	}

	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chat messages: %w", err)
	}
	return n, nil
}

// GetReadReceipt fetches an agent's receipt for a session, or nil if the
// agent has never read it.
func (s *Store) GetReadReceipt(sessionID, agentID string) (*ChatReadReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := &ChatReadReceipt{}
	err := s.db.QueryRow(`
		SELECT session_id, agent_id, last_read_message_id, last_read_at
		FROM chat_read_receipts WHERE session_id = ? AND agent_id = ?`,
		sessionID, agentID,
	).Scan(&r.SessionID, &r.AgentID, &r.LastReadMessageID, &r.LastReadAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get read receipt: %w", err)
	}
	return r, nil
}

// AdvanceReadReceipt upserts (session_id, agent_id)'s receipt to
// (messageID, readAt). Callers are responsible for monotonicity: the
// chat engine only calls this after confirming messageCreatedAt is newer
// than the existing receipt.
func (s *Store) AdvanceReadReceipt(sessionID, agentID, messageID string, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO chat_read_receipts (session_id, agent_id, last_read_message_id, last_read_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, agent_id) DO UPDATE SET
			last_read_message_id = excluded.last_read_message_id,
			last_read_at = excluded.last_read_at`,
		sessionID, agentID, messageID, readAt,
	)
	if err != nil {
		return fmt.Errorf("advance read receipt: %w", err)
	}
	return nil
}
