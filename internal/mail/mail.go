// Package mail implements the directed-message core (spec.md §4.2):
// send, inbox, and at-most-once ack, layered on the durable store and
// the access-mode gate shared with chat.
package mail

import (
	"time"

	"github.com/aweb/aweb/internal/apierr"
	"github.com/aweb/aweb/internal/auth"
	"github.com/aweb/aweb/internal/events"
	"github.com/aweb/aweb/internal/idgen"
	"github.com/aweb/aweb/internal/store"
)

// Service implements SendMail/Inbox/Ack against a durable store,
// publishing a bus event on every successful send.
type Service struct {
	store   *store.Store
	bus     *events.EventBus
	nowFunc func() time.Time
}

// New constructs a mail Service. bus may be nil, in which case the
// package-level DefaultBus is used; a send publishes its mail-arrived
// event synchronously on commit, the same ordering discipline chat uses
// for its own bus.Publish calls.
func New(st *store.Store, bus *events.EventBus) *Service {
	if bus == nil {
		bus = events.DefaultBus
	}
	return &Service{store: st, bus: bus, nowFunc: time.Now}
}

// SendResult is SendMail's response (spec.md §4.2).
type SendResult struct {
	MessageID   string
	DeliveredAt time.Time
}

// SendMail resolves the recipient within the principal's project,
// enforces the contacts_only gate, and persists the message.
func (s *Service) SendMail(principal auth.Principal, toAlias, subject, body, priority string, threadID *string) (*SendResult, error) {
	if !principal.HasAgent() {
		return nil, apierr.New(apierr.Forbidden, "mail requires an agent-bound principal")
	}

	sender, err := s.store.GetAgent(principal.AgentID)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, apierr.New(apierr.NotFound, "sender agent not found")
	}

	recipient, err := s.store.GetAgentByAlias(principal.ProjectID, toAlias)
	if err != nil {
		return nil, err
	}
	if recipient == nil || recipient.DeletedAt != nil {
		return nil, apierr.New(apierr.NotFound, "recipient not found")
	}
	if recipient.Status == store.AgentStatusDeregistered {
		return nil, apierr.New(apierr.Gone, "recipient has been deregistered")
	}

	if recipient.AccessMode == store.AccessModeContactsOnly {
		allowed, err := s.store.IsContact(recipient.AgentID, sender.Alias)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, apierr.New(apierr.Forbidden, "recipient accepts contacts only")
		}
	}

	if priority == "" {
		priority = store.PriorityNormal
	}

	now := s.nowFunc().UTC()
	msg := &store.Message{
		MessageID:   idgen.Message(),
		ProjectID:   principal.ProjectID,
		FromAgentID: sender.AgentID,
		ToAgentID:   recipient.AgentID,
		FromAlias:   sender.Alias,
		Subject:     subject,
		Body:        body,
		Priority:    priority,
		ThreadID:    threadID,
		CreatedAt:   now,
	}
	if err := s.store.CreateMessage(msg); err != nil {
		return nil, err
	}

	s.bus.Publish(events.NewMailEvent(recipient.AgentID, msg.MessageID, sender.Alias, subject))

	return &SendResult{MessageID: msg.MessageID, DeliveredAt: now}, nil
}

// Inbox lists mail addressed to the principal's agent, newest first.
func (s *Service) Inbox(principal auth.Principal, unreadOnly bool, limit int) ([]store.Message, error) {
	if !principal.HasAgent() {
		return nil, apierr.New(apierr.Forbidden, "inbox requires an agent-bound principal")
	}
	return s.store.Inbox(principal.AgentID, unreadOnly, limit)
}

// AckResult is Ack's response (spec.md §4.2).
type AckResult struct {
	AcknowledgedAt time.Time
	Acked          bool
}

// Ack sets read_at on a message iff it belongs to the principal and is
// still unread. A second ack is an idempotent no-op: Acked reports
// false and AcknowledgedAt reports the original acknowledgment time.
func (s *Service) Ack(principal auth.Principal, messageID string) (*AckResult, error) {
	if !principal.HasAgent() {
		return nil, apierr.New(apierr.Forbidden, "ack requires an agent-bound principal")
	}

	msg, err := s.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.ToAgentID != principal.AgentID {
		return nil, apierr.New(apierr.NotFound, "message not found")
	}

	now := s.nowFunc().UTC()
	readAt, acked, err := s.store.AckMessage(messageID, principal.AgentID, now)
	if err != nil {
		return nil, err
	}
	if !acked {
		// Already acked (possibly by a concurrent Ack that raced this
		// one): idempotent no-op returning the original acknowledged_at
		// rather than zero (SPEC_FULL.md Open Question decision #2).
		current, err := s.store.GetMessage(messageID)
		if err != nil {
			return nil, err
		}
		if current != nil && current.ReadAt != nil {
			return &AckResult{AcknowledgedAt: *current.ReadAt, Acked: false}, nil
		}
		return &AckResult{Acked: false}, nil
	}
	return &AckResult{AcknowledgedAt: readAt, Acked: true}, nil
}
