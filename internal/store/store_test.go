package store

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProjectAndAgents(t *testing.T, s *Store) (project Project, alice, bob Agent) {
	t.Helper()
	now := time.Now().UTC()

	project = Project{ProjectID: "proj_1", Slug: "demo", CreatedAt: now}
	if err := s.CreateProject(&project); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	alice = Agent{AgentID: "agt_alice", ProjectID: project.ProjectID, Alias: "alice", AccessMode: AccessModeOpen, Status: AgentStatusActive, CreatedAt: now}
	bob = Agent{AgentID: "agt_bob", ProjectID: project.ProjectID, Alias: "bob", AccessMode: AccessModeOpen, Status: AgentStatusActive, CreatedAt: now}
	if err := s.CreateAgent(&alice); err != nil {
		t.Fatalf("CreateAgent alice: %v", err)
	}
	if err := s.CreateAgent(&bob); err != nil {
		t.Fatalf("CreateAgent bob: %v", err)
	}
	return project, alice, bob
}

func TestMailSendInboxAck(t *testing.T) {
	s := newTestStore(t)
	project, alice, bob := seedProjectAndAgents(t, s)
	now := time.Now().UTC()

	msg := Message{
		MessageID: "msg_1", ProjectID: project.ProjectID,
		FromAgentID: alice.AgentID, ToAgentID: bob.AgentID, FromAlias: alice.Alias,
		Subject: "hi", Body: "hello bob", Priority: PriorityNormal, CreatedAt: now,
	}
	if err := s.CreateMessage(&msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	inbox, err := s.Inbox(bob.AgentID, true, 0)
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].MessageID != "msg_1" {
		t.Fatalf("expected one unread message, got %+v", inbox)
	}

	readAt, acked, err := s.AckMessage("msg_1", bob.AgentID, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("AckMessage: %v", err)
	}
	if !acked {
		t.Fatal("expected first ack to succeed")
	}

	_, ackedAgain, err := s.AckMessage("msg_1", bob.AgentID, readAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("AckMessage second call: %v", err)
	}
	if ackedAgain {
		t.Fatal("expected second ack to be a no-op")
	}

	unread, err := s.Inbox(bob.AgentID, true, 0)
	if err != nil {
		t.Fatalf("Inbox after ack: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("expected no unread messages after ack, got %d", len(unread))
	}
}

func TestChatSessionIdempotentCreate(t *testing.T) {
	s := newTestStore(t)
	project, alice, bob := seedProjectAndAgents(t, s)
	now := time.Now().UTC()

	hash := "hash-alice-bob"
	existing, err := s.GetSessionByParticipantHash(project.ProjectID, hash)
	if err != nil {
		t.Fatalf("GetSessionByParticipantHash: %v", err)
	}
	if existing != nil {
		t.Fatal("expected no existing session")
	}

	cs := ChatSession{SessionID: "sess_1", ProjectID: project.ProjectID, ParticipantHash: hash, CreatedAt: now}
	participants := []ChatParticipant{
		{SessionID: cs.SessionID, AgentID: alice.AgentID, Alias: alice.Alias, JoinedAt: now},
		{SessionID: cs.SessionID, AgentID: bob.AgentID, Alias: bob.Alias, JoinedAt: now},
	}
	if err := s.CreateSessionWithParticipants(&cs, participants); err != nil {
		t.Fatalf("CreateSessionWithParticipants: %v", err)
	}

	reused, err := s.GetSessionByParticipantHash(project.ProjectID, hash)
	if err != nil {
		t.Fatalf("GetSessionByParticipantHash reuse: %v", err)
	}
	if reused == nil || reused.SessionID != cs.SessionID {
		t.Fatalf("expected to reuse session %s, got %+v", cs.SessionID, reused)
	}

	members, err := s.ListParticipants(cs.SessionID)
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(members))
	}
}

func TestAdvanceReadReceiptPointsAtLatest(t *testing.T) {
	s := newTestStore(t)
	project, alice, bob := seedProjectAndAgents(t, s)
	now := time.Now().UTC()

	cs := ChatSession{SessionID: "sess_1", ProjectID: project.ProjectID, ParticipantHash: "h", CreatedAt: now}
	participants := []ChatParticipant{
		{SessionID: cs.SessionID, AgentID: alice.AgentID, Alias: alice.Alias, JoinedAt: now},
		{SessionID: cs.SessionID, AgentID: bob.AgentID, Alias: bob.Alias, JoinedAt: now},
	}
	if err := s.CreateSessionWithParticipants(&cs, participants); err != nil {
		t.Fatalf("CreateSessionWithParticipants: %v", err)
	}

	m1 := ChatMessage{MessageID: "cmsg_1", SessionID: cs.SessionID, FromAgentID: alice.AgentID, FromAlias: alice.Alias, Body: "hi", CreatedAt: now}
	m2 := ChatMessage{MessageID: "cmsg_2", SessionID: cs.SessionID, FromAgentID: alice.AgentID, FromAlias: alice.Alias, Body: "you there?", CreatedAt: now.Add(time.Second)}
	if err := s.CreateChatMessage(&m1); err != nil {
		t.Fatalf("CreateChatMessage m1: %v", err)
	}
	if err := s.CreateChatMessage(&m2); err != nil {
		t.Fatalf("CreateChatMessage m2: %v", err)
	}

	if err := s.AdvanceReadReceipt(cs.SessionID, bob.AgentID, m2.MessageID, now.Add(2*time.Second)); err != nil {
		t.Fatalf("AdvanceReadReceipt: %v", err)
	}

	receipt, err := s.GetReadReceipt(cs.SessionID, bob.AgentID)
	if err != nil {
		t.Fatalf("GetReadReceipt: %v", err)
	}
	if receipt == nil || *receipt.LastReadMessageID != m2.MessageID {
		t.Fatalf("expected receipt to point at m2, got %+v", receipt)
	}
}

func TestReservationAcquireConflictAndOverwrite(t *testing.T) {
	s := newTestStore(t)
	project, alice, bob := seedProjectAndAgents(t, s)
	now := time.Now().UTC()

	res := Reservation{
		ProjectID: project.ProjectID, ResourceKey: "build/main",
		HolderAgentID: alice.AgentID, HolderAlias: alice.Alias,
		AcquiredAt: now, ExpiresAt: now.Add(time.Minute), MetadataJSON: "{}",
	}
	got, err := s.AcquireReservation(&res, now)
	if err != nil {
		t.Fatalf("AcquireReservation (fresh): %v", err)
	}
	if got.HolderAgentID != alice.AgentID {
		t.Fatalf("expected alice to hold, got %+v", got)
	}

	conflict := Reservation{
		ProjectID: project.ProjectID, ResourceKey: "build/main",
		HolderAgentID: bob.AgentID, HolderAlias: bob.Alias,
		AcquiredAt: now.Add(time.Second), ExpiresAt: now.Add(time.Minute), MetadataJSON: "{}",
	}
	_, err = s.AcquireReservation(&conflict, now.Add(time.Second))
	if err != ErrReservationConflict {
		t.Fatalf("expected ErrReservationConflict, got %v", err)
	}

	// After expiry, bob's acquire overwrites.
	afterExpiry := now.Add(2 * time.Minute)
	conflict.AcquiredAt = afterExpiry
	conflict.ExpiresAt = afterExpiry.Add(time.Minute)
	winner, err := s.AcquireReservation(&conflict, afterExpiry)
	if err != nil {
		t.Fatalf("AcquireReservation (after expiry): %v", err)
	}
	if winner.HolderAgentID != bob.AgentID {
		t.Fatalf("expected bob to win after expiry, got %+v", winner)
	}
}

func TestReservationRenewRequiresUnexpiredHolder(t *testing.T) {
	s := newTestStore(t)
	project, alice, _ := seedProjectAndAgents(t, s)
	now := time.Now().UTC()

	res := Reservation{
		ProjectID: project.ProjectID, ResourceKey: "build/main",
		HolderAgentID: alice.AgentID, HolderAlias: alice.Alias,
		AcquiredAt: now, ExpiresAt: now.Add(time.Minute), MetadataJSON: "{}",
	}
	if _, err := s.AcquireReservation(&res, now); err != nil {
		t.Fatalf("AcquireReservation: %v", err)
	}

	renewed, err := s.RenewReservation(project.ProjectID, "build/main", alice.AgentID, now.Add(time.Hour), now)
	if err != nil {
		t.Fatalf("RenewReservation: %v", err)
	}
	if renewed == nil {
		t.Fatal("expected renewal to succeed for current holder")
	}

	stale, err := s.RenewReservation(project.ProjectID, "build/main", "agt_bob", now.Add(time.Hour), now)
	if err != nil {
		t.Fatalf("RenewReservation (wrong holder): %v", err)
	}
	if stale != nil {
		t.Fatal("expected renewal by non-holder to fail")
	}
}

func TestReservationReleaseIdempotent(t *testing.T) {
	s := newTestStore(t)
	project, alice, _ := seedProjectAndAgents(t, s)
	now := time.Now().UTC()

	res := Reservation{
		ProjectID: project.ProjectID, ResourceKey: "build/main",
		HolderAgentID: alice.AgentID, HolderAlias: alice.Alias,
		AcquiredAt: now, ExpiresAt: now.Add(time.Minute), MetadataJSON: "{}",
	}
	if _, err := s.AcquireReservation(&res, now); err != nil {
		t.Fatalf("AcquireReservation: %v", err)
	}

	released, err := s.ReleaseReservation(project.ProjectID, "build/main", alice.AgentID, now)
	if err != nil {
		t.Fatalf("ReleaseReservation: %v", err)
	}
	if !released {
		t.Fatal("expected release to succeed")
	}

	releasedAgain, err := s.ReleaseReservation(project.ProjectID, "build/main", alice.AgentID, now)
	if err != nil {
		t.Fatalf("ReleaseReservation second call: %v", err)
	}
	if releasedAgain {
		t.Fatal("expected second release to be a no-op")
	}
}
