package events

import "time"

// TypeMailArrived is published whenever SendMail commits (spec.md §4.2).
// It is keyed by the recipient's agent_id rather than a chat session_id
// since mail has no session concept; subscribers interested in mail
// arrival subscribe using the agent_id as the bus's session key.
const TypeMailArrived = "mail_arrived"

// MailEvent is published after a mail send commits.
type MailEvent struct {
	BaseEvent

	MessageID string
	FromAlias string
	Subject   string
}

// NewMailEvent constructs a mail-arrived event keyed by toAgentID.
func NewMailEvent(toAgentID, messageID, fromAlias, subject string) MailEvent {
	return MailEvent{
		BaseEvent: BaseEvent{
			Type:      TypeMailArrived,
			Session:   toAgentID,
			Timestamp: time.Now().UTC(),
		},
		MessageID: messageID,
		FromAlias: fromAlias,
		Subject:   subject,
	}
}

// Payload implements BusEvent.
func (m MailEvent) Payload() map[string]any {
	return map[string]any{
		"type":       m.Type,
		"to_agent":   m.Session,
		"message_id": m.MessageID,
		"from":       m.FromAlias,
		"subject":    m.Subject,
		"timestamp":  m.Timestamp.Format(time.RFC3339),
	}
}
