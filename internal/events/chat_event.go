package events

import "time"

// Chat event type names. These are part of the external interface
// (spec.md §6): SSE frames use them verbatim as the `event:` field and
// the `type` payload key.
const (
	TypeMessage     = "message"
	TypeReadReceipt = "read_receipt"
	TypeConnected   = "connected"
)

// MessageEvent is published whenever a chat message commits.
type MessageEvent struct {
	BaseEvent

	MessageID          string
	FromAgentID        string
	FromAlias          string
	Body               string
	SenderLeaving      bool
	HangOn             bool
	ExtendsWaitSeconds int
}

// NewMessageEvent constructs a message event with a UTC timestamp.
func NewMessageEvent(sessionID, messageID, fromAgentID, fromAlias, body string, senderLeaving, hangOn bool, extendsWaitSeconds int) MessageEvent {
	return MessageEvent{
		BaseEvent: BaseEvent{
			Type:      TypeMessage,
			Session:   sessionID,
			Timestamp: time.Now().UTC(),
		},
		MessageID:          messageID,
		FromAgentID:        fromAgentID,
		FromAlias:          fromAlias,
		Body:               body,
		SenderLeaving:      senderLeaving,
		HangOn:             hangOn,
		ExtendsWaitSeconds: extendsWaitSeconds,
	}
}

// Payload implements BusEvent.
func (m MessageEvent) Payload() map[string]any {
	return map[string]any{
		"type":                 m.Type,
		"session_id":           m.Session,
		"message_id":           m.MessageID,
		"from_agent":           m.FromAgentID,
		"from":                 m.FromAlias, // legacy alias per spec.md §6
		"body":                 m.Body,
		"sender_leaving":       m.SenderLeaving,
		"hang_on":              m.HangOn,
		"extends_wait_seconds": m.ExtendsWaitSeconds,
		"timestamp":            m.Timestamp.Format(time.RFC3339),
	}
}

// ReadReceiptEvent is published whenever MarkRead advances a receipt.
type ReadReceiptEvent struct {
	BaseEvent

	ReaderAgentID      string
	ReaderAlias        string
	LastReadMessageID  string
	ExtendsWaitSeconds int
}

// NewReadReceiptEvent constructs a read-receipt event with a UTC timestamp.
func NewReadReceiptEvent(sessionID, readerAgentID, readerAlias, lastReadMessageID string, extendsWaitSeconds int) ReadReceiptEvent {
	return ReadReceiptEvent{
		BaseEvent: BaseEvent{
			Type:      TypeReadReceipt,
			Session:   sessionID,
			Timestamp: time.Now().UTC(),
		},
		ReaderAgentID:      readerAgentID,
		ReaderAlias:        readerAlias,
		LastReadMessageID:  lastReadMessageID,
		ExtendsWaitSeconds: extendsWaitSeconds,
	}
}

// Payload implements BusEvent.
func (r ReadReceiptEvent) Payload() map[string]any {
	return map[string]any{
		"type":                 r.Type,
		"session_id":           r.Session,
		"reader_alias":         r.ReaderAlias,
		"last_read_message_id": r.LastReadMessageID,
		"extends_wait_seconds": r.ExtendsWaitSeconds,
		"timestamp":            r.Timestamp.Format(time.RFC3339),
	}
}
