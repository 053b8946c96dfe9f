// Package chat implements multi-party chat sessions: idempotent session
// creation, send-and-wait messaging, history, read receipts, and the
// pending-sessions roster (spec.md §4.3).
package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/aweb/aweb/internal/apierr"
	"github.com/aweb/aweb/internal/auth"
	"github.com/aweb/aweb/internal/events"
	"github.com/aweb/aweb/internal/idgen"
	"github.com/aweb/aweb/internal/presence"
	"github.com/aweb/aweb/internal/store"
)

// Service implements the chat engine's operations.
type Service struct {
	store     *store.Store
	bus       *events.EventBus
	registry  *Registry
	presence  *presence.Tracker
	hangOnExt time.Duration
	nowFunc   func() time.Time
}

// New constructs a chat Service. bus may be nil to use the package
// default; tracker may be nil, in which case targets_connected is
// always empty (presence degraded per spec.md §7 UNAVAILABLE).
func New(st *store.Store, bus *events.EventBus, tracker *presence.Tracker, hangOnExtension time.Duration) *Service {
	if bus == nil {
		bus = events.DefaultBus
	}
	return &Service{
		store: st, bus: bus,
		registry: NewRegistry(), presence: tracker,
		hangOnExt: hangOnExtension, nowFunc: time.Now,
	}
}

func participantHash(aliases []string) string {
	sorted := append([]string(nil), aliases...)
	sort.Strings(sorted)
	deduped := sorted[:0]
	var prev string
	for i, a := range sorted {
		if i == 0 || a != prev {
			deduped = append(deduped, a)
		}
		prev = a
	}
	sum := sha256.Sum256([]byte(strings.Join(deduped, "\x00")))
	return hex.EncodeToString(sum[:])
}

// CreateSessionResult is CreateSession's response (spec.md §4.3).
type CreateSessionResult struct {
	SessionID        string
	MessageID        string
	Participants     []string
	TargetsConnected []string
	TargetsLeft      []string
}

// CreateSession canonicalizes sender ∪ toAliases, reuses an existing
// session for that participant set if one exists, and appends the first
// message.
func (s *Service) CreateSession(ctx context.Context, principal auth.Principal, toAliases []string, message string, leaving bool) (*CreateSessionResult, error) {
	if !principal.HasAgent() {
		return nil, apierr.New(apierr.Forbidden, "chat requires an agent-bound principal")
	}

	sender, err := s.store.GetAgent(principal.AgentID)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, apierr.New(apierr.NotFound, "sender agent not found")
	}

	resolved := map[string]*store.Agent{sender.Alias: sender}
	for _, alias := range toAliases {
		agent, err := s.store.GetAgentByAlias(principal.ProjectID, alias)
		if err != nil {
			return nil, err
		}
		if agent == nil || agent.DeletedAt != nil {
			return nil, apierr.New(apierr.NotFound, "participant not found: "+alias)
		}
		if agent.Status == store.AgentStatusDeregistered {
			return nil, apierr.New(apierr.Gone, "participant has been deregistered: "+alias)
		}
		if agent.AccessMode == store.AccessModeContactsOnly && agent.AgentID != sender.AgentID {
			allowed, err := s.store.IsContact(agent.AgentID, sender.Alias)
			if err != nil {
				return nil, err
			}
			if !allowed {
				return nil, apierr.New(apierr.Forbidden, "participant accepts contacts only: "+alias)
			}
		}
		resolved[agent.Alias] = agent
	}
	if len(resolved) < 2 {
		return nil, apierr.New(apierr.InvalidArgument, "a session requires at least 2 distinct active agents")
	}

	aliases := make([]string, 0, len(resolved))
	for alias := range resolved {
		aliases = append(aliases, alias)
	}
	hash := participantHash(aliases)

	now := s.nowFunc().UTC()
	existing, err := s.store.GetSessionByParticipantHash(principal.ProjectID, hash)
	if err != nil {
		return nil, err
	}

	var sessionID string
	if existing != nil {
		sessionID = existing.SessionID
	} else {
		sessionID = idgen.Session()
		participants := make([]store.ChatParticipant, 0, len(resolved))
		for alias, agent := range resolved {
			participants = append(participants, store.ChatParticipant{
				SessionID: sessionID, AgentID: agent.AgentID, Alias: alias, JoinedAt: now,
			})
		}
		cs := &store.ChatSession{SessionID: sessionID, ProjectID: principal.ProjectID, ParticipantHash: hash, CreatedAt: now}
		if err := s.store.CreateSessionWithParticipants(cs, participants); err != nil {
			// A concurrent create for the same participant set may have won
			// the unique index; reuse its session if so.
			winner, lookupErr := s.store.GetSessionByParticipantHash(principal.ProjectID, hash)
			if lookupErr != nil || winner == nil {
				return nil, err
			}
			sessionID = winner.SessionID
		}
	}

	msg := &store.ChatMessage{
		MessageID: idgen.ChatMessage(), SessionID: sessionID,
		FromAgentID: sender.AgentID, FromAlias: sender.Alias,
		Body: message, SenderLeaving: leaving, CreatedAt: now,
	}
	if err := s.store.CreateChatMessage(msg); err != nil {
		return nil, err
	}
	ev := events.NewMessageEvent(sessionID, msg.MessageID, sender.AgentID, sender.Alias, message, leaving, false, 0)
	s.bus.Publish(ev)
	s.registry.Dispatch(ev, now)

	targetsConnected, targetsLeft, err := s.classifyTargets(ctx, principal.ProjectID, sessionID, sender.AgentID, resolved)
	if err != nil {
		return nil, err
	}

	result := &CreateSessionResult{
		SessionID: sessionID, MessageID: msg.MessageID,
		Participants: aliases, TargetsConnected: targetsConnected, TargetsLeft: targetsLeft,
	}
	return result, nil
}

// classifyTargets splits every non-sender participant into
// targets_connected/targets_left per spec.md §4.3: a target has left if
// its agent status is no longer active OR its own last message in this
// session set sender_leaving=true (a still-active agent that announced
// its departure on a reused, idempotent session is still "left").
func (s *Service) classifyTargets(ctx context.Context, projectID, sessionID, senderAgentID string, resolved map[string]*store.Agent) (connected, left []string, err error) {
	for alias, agent := range resolved {
		if agent.AgentID == senderAgentID {
			continue
		}
		if agent.Status != store.AgentStatusActive {
			left = append(left, alias)
			continue
		}
		lastFromAgent, err := s.store.LastChatMessageFromAgent(sessionID, agent.AgentID)
		if err != nil {
			return nil, nil, err
		}
		if lastFromAgent != nil && lastFromAgent.SenderLeaving {
			left = append(left, alias)
			continue
		}
		if s.presence != nil {
			online, err := s.presence.Online(ctx, projectID, agent.AgentID)
			if err == nil && online {
				connected = append(connected, alias)
			}
		}
	}
	sort.Strings(connected)
	sort.Strings(left)
	return connected, left, nil
}

// SendResult is SendMessage's response (spec.md §4.3).
type SendResult struct {
	MessageID          string
	ExtendsWaitSeconds int
}

// SendMessage appends a message to an existing session, requiring the
// principal to already be a participant.
func (s *Service) SendMessage(principal auth.Principal, sessionID, body string, hangOn bool) (*SendResult, error) {
	if !principal.HasAgent() {
		return nil, apierr.New(apierr.Forbidden, "chat requires an agent-bound principal")
	}
	isMember, err := s.store.IsParticipant(sessionID, principal.AgentID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, apierr.New(apierr.Forbidden, "not a participant of this session")
	}

	sender, err := s.store.GetAgent(principal.AgentID)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, apierr.New(apierr.NotFound, "sender agent not found")
	}

	now := s.nowFunc().UTC()
	extends := 0
	if hangOn {
		extends = int(s.hangOnExt.Seconds())
	}

	msg := &store.ChatMessage{
		MessageID: idgen.ChatMessage(), SessionID: sessionID,
		FromAgentID: sender.AgentID, FromAlias: sender.Alias,
		Body: body, HangOn: hangOn, CreatedAt: now,
	}
	if err := s.store.CreateChatMessage(msg); err != nil {
		return nil, err
	}

	ev := events.NewMessageEvent(sessionID, msg.MessageID, sender.AgentID, sender.Alias, body, false, hangOn, extends)
	s.bus.Publish(ev)
	s.registry.Dispatch(ev, now)

	return &SendResult{MessageID: msg.MessageID, ExtendsWaitSeconds: extends}, nil
}

// History returns messages in commit order, optionally restricted to
// those after the caller's last_read_at.
func (s *Service) History(principal auth.Principal, sessionID string, unreadOnly bool, limit int) ([]store.ChatMessage, error) {
	isMember, err := s.store.IsParticipant(sessionID, principal.AgentID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, apierr.New(apierr.Forbidden, "not a participant of this session")
	}

	var since *time.Time
	if unreadOnly {
		receipt, err := s.store.GetReadReceipt(sessionID, principal.AgentID)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			since = receipt.LastReadAt
		}
	}
	return s.store.ChatHistory(sessionID, since, limit)
}

// MarkReadResult is MarkRead's response (spec.md §4.3).
type MarkReadResult struct {
	Success             bool
	MessagesMarked      int
	WaitExtendedSeconds int
}

// MarkRead advances the caller's receipt to upToMessageID if it belongs
// to the session and is newer than the caller's current receipt.
// Rolling back to an older message is a no-op reporting 0 marked.
func (s *Service) MarkRead(principal auth.Principal, sessionID, upToMessageID string) (*MarkReadResult, error) {
	isMember, err := s.store.IsParticipant(sessionID, principal.AgentID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, apierr.New(apierr.Forbidden, "not a participant of this session")
	}

	history, err := s.store.ChatHistory(sessionID, nil, 0)
	if err != nil {
		return nil, err
	}
	var target *store.ChatMessage
	targetIndex := -1
	for i := range history {
		if history[i].MessageID == upToMessageID {
			target = &history[i]
			targetIndex = i
			break
		}
	}
	if target == nil {
		return nil, apierr.New(apierr.NotFound, "message not in session")
	}

	existing, err := s.store.GetReadReceipt(sessionID, principal.AgentID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.LastReadAt != nil && !target.CreatedAt.After(*existing.LastReadAt) {
		return &MarkReadResult{Success: true, MessagesMarked: 0}, nil
	}

	now := s.nowFunc().UTC()
	if err := s.store.AdvanceReadReceipt(sessionID, principal.AgentID, upToMessageID, now); err != nil {
		return nil, err
	}

	marked := targetIndex + 1
	if existing != nil && existing.LastReadAt != nil {
		marked = 0
		for i := 0; i <= targetIndex; i++ {
			if history[i].CreatedAt.After(*existing.LastReadAt) {
				marked++
			}
		}
	}

	self, err := s.store.GetAgent(principal.AgentID)
	if err != nil {
		return nil, err
	}

	extends := 0
	if target.FromAgentID != principal.AgentID {
		extends = int(s.hangOnExt.Seconds())
		ev := events.NewReadReceiptEvent(sessionID, principal.AgentID, self.Alias, upToMessageID, extends)
		s.bus.Publish(ev)
		s.registry.Dispatch(ev, now)
	}

	return &MarkReadResult{Success: true, MessagesMarked: marked, WaitExtendedSeconds: extends}, nil
}

// PendingRow is one entry of Pending's response (spec.md §4.3).
type PendingRow struct {
	SessionID            string
	LastMessage          string
	LastFrom             string
	UnreadCount          int
	LastActivity         time.Time
	SenderWaiting        bool
	TimeRemainingSeconds *int
}

// Pending summarizes every session the principal participates in.
func (s *Service) Pending(principal auth.Principal) ([]PendingRow, error) {
	sessions, err := s.store.ListSessionsForAgent(principal.ProjectID, principal.AgentID)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc().UTC()
	rows := make([]PendingRow, 0, len(sessions))
	for _, cs := range sessions {
		last, err := s.store.LastChatMessage(cs.SessionID)
		if err != nil {
			return nil, err
		}
		if last == nil {
			continue
		}

		receipt, err := s.store.GetReadReceipt(cs.SessionID, principal.AgentID)
		if err != nil {
			return nil, err
		}
		var since *time.Time
		if receipt != nil {
			since = receipt.LastReadAt
		}
		unread, err := s.store.CountChatMessagesAfter(cs.SessionID, since)
		if err != nil {
			return nil, err
		}

		row := PendingRow{
			SessionID: cs.SessionID, LastMessage: last.Body, LastFrom: last.FromAlias,
			UnreadCount: unread, LastActivity: last.CreatedAt,
		}

		if last.FromAgentID != principal.AgentID {
			if deadline, ok := s.registry.Lookup(cs.SessionID, last.FromAgentID); ok {
				row.SenderWaiting = true
				remaining := int(deadline.Sub(now).Seconds())
				if remaining < 0 {
					remaining = 0
				}
				row.TimeRemainingSeconds = &remaining
			}
		}

		rows = append(rows, row)
	}
	return rows, nil
}

// SessionSummary is one entry of ListSessions' response (spec.md §4.3).
type SessionSummary struct {
	SessionID    string
	Participants []string
	CreatedAt    time.Time
}

// ListSessions returns every session the principal participates in.
func (s *Service) ListSessions(principal auth.Principal) ([]SessionSummary, error) {
	sessions, err := s.store.ListSessionsForAgent(principal.ProjectID, principal.AgentID)
	if err != nil {
		return nil, err
	}
	summaries := make([]SessionSummary, 0, len(sessions))
	for _, cs := range sessions {
		participants, err := s.store.ListParticipants(cs.SessionID)
		if err != nil {
			return nil, err
		}
		aliases := make([]string, len(participants))
		for i, p := range participants {
			aliases[i] = p.Alias
		}
		summaries = append(summaries, SessionSummary{SessionID: cs.SessionID, Participants: aliases, CreatedAt: cs.CreatedAt})
	}
	return summaries, nil
}

// Subscribe registers for the session's bus events, for SSE streaming.
func (s *Service) Subscribe(sessionID string, buffer int) (chan events.BusEvent, func()) {
	return s.bus.Subscribe(sessionID, buffer)
}

// WaitForReply implements the blocking half of send-and-wait: it
// registers a waiter for (sessionID, principal.AgentID) bound to
// sentMessageID and blocks until a terminal state or ctx cancellation.
func (s *Service) WaitForReply(ctx context.Context, principal auth.Principal, sessionID, sentMessageID string, deadline time.Time) WaiterResult {
	w := s.registry.Register(sessionID, principal.AgentID, sentMessageID, deadline, s.hangOnExt)
	return s.registry.Wait(ctx, w)
}
