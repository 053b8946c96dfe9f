package chat

import (
	"context"
	"testing"
	"time"

	"github.com/aweb/aweb/internal/apierr"
	"github.com/aweb/aweb/internal/auth"
	"github.com/aweb/aweb/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := New(st, nil, nil, 300*time.Second)
	return svc, st
}

func seedAgents(t *testing.T, st *store.Store) (alice, bob store.Agent) {
	t.Helper()
	now := time.Now().UTC()
	if err := st.CreateProject(&store.Project{ProjectID: "proj_1", Slug: "demo", CreatedAt: now}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	alice = store.Agent{AgentID: "agt_alice", ProjectID: "proj_1", Alias: "alice", AccessMode: store.AccessModeOpen, Status: store.AgentStatusActive, CreatedAt: now}
	bob = store.Agent{AgentID: "agt_bob", ProjectID: "proj_1", Alias: "bob", AccessMode: store.AccessModeOpen, Status: store.AgentStatusActive, CreatedAt: now}
	if err := st.CreateAgent(&alice); err != nil {
		t.Fatalf("CreateAgent alice: %v", err)
	}
	if err := st.CreateAgent(&bob); err != nil {
		t.Fatalf("CreateAgent bob: %v", err)
	}
	return alice, bob
}

func TestCreateSessionIdempotent(t *testing.T) {
	svc, st := newTestService(t)
	alice, bob := seedAgents(t, st)
	ctx := context.Background()

	alicePrincipal := auth.Principal{ProjectID: "proj_1", AgentID: alice.AgentID}
	first, err := svc.CreateSession(ctx, alicePrincipal, []string{bob.Alias}, "hi", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	second, err := svc.CreateSession(ctx, alicePrincipal, []string{bob.Alias}, "hi again", false)
	if err != nil {
		t.Fatalf("CreateSession (repeat): %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("expected same session id, got %s vs %s", first.SessionID, second.SessionID)
	}

	participants, err := st.ListParticipants(first.SessionID)
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected no duplicate participant rows, got %d", len(participants))
	}
}

// TestCreateSessionTargetsLeftFromSenderLeavingFlag covers the half of
// spec.md §4.3's targets_left definition that status alone misses: a
// still-active participant whose own last message in the (reused)
// session had sender_leaving=true is reported as left.
func TestCreateSessionTargetsLeftFromSenderLeavingFlag(t *testing.T) {
	svc, st := newTestService(t)
	alice, bob := seedAgents(t, st)
	ctx := context.Background()

	alicePrincipal := auth.Principal{ProjectID: "proj_1", AgentID: alice.AgentID}
	bobPrincipal := auth.Principal{ProjectID: "proj_1", AgentID: bob.AgentID}

	first, err := svc.CreateSession(ctx, alicePrincipal, []string{bob.Alias}, "hi", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Bob departs the conversation on the same (reused) session, but his
	// account stays active.
	departure, err := svc.CreateSession(ctx, bobPrincipal, []string{alice.Alias}, "gotta go", true)
	if err != nil {
		t.Fatalf("CreateSession (bob's departure): %v", err)
	}
	if departure.SessionID != first.SessionID {
		t.Fatalf("expected bob's departure to reuse the session, got %s vs %s", first.SessionID, departure.SessionID)
	}

	agent, err := st.GetAgent(bob.AgentID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.Status != store.AgentStatusActive {
		t.Fatalf("expected bob to remain active, got %s", agent.Status)
	}

	second, err := svc.CreateSession(ctx, alicePrincipal, []string{bob.Alias}, "hi again", false)
	if err != nil {
		t.Fatalf("CreateSession (repeat): %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("expected the same reused session, got %s vs %s", first.SessionID, second.SessionID)
	}

	found := false
	for _, alias := range second.TargetsLeft {
		if alias == bob.Alias {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected bob in targets_left after his sender_leaving message, got %v", second.TargetsLeft)
	}
}

func TestCreateSessionRejectsTooFewParticipants(t *testing.T) {
	svc, st := newTestService(t)
	alice, _ := seedAgents(t, st)

	_, err := svc.CreateSession(context.Background(), auth.Principal{ProjectID: "proj_1", AgentID: alice.AgentID}, nil, "hi", false)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.InvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestCreateSessionRejectsDeregisteredParticipant(t *testing.T) {
	svc, st := newTestService(t)
	alice, bob := seedAgents(t, st)
	if err := st.UpdateAgentStatus(bob.AgentID, store.AgentStatusDeregistered); err != nil {
		t.Fatalf("UpdateAgentStatus: %v", err)
	}

	_, err := svc.CreateSession(context.Background(), auth.Principal{ProjectID: "proj_1", AgentID: alice.AgentID}, []string{bob.Alias}, "hi", false)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.Gone {
		t.Fatalf("expected GONE, got %v", err)
	}
}

// TestBasicChatReply mirrors spec scenario 1: Alice creates a session,
// waits, Bob replies, Alice's waiter sees REPLIED.
func TestBasicChatReply(t *testing.T) {
	svc, st := newTestService(t)
	alice, bob := seedAgents(t, st)
	ctx := context.Background()

	alicePrincipal := auth.Principal{ProjectID: "proj_1", AgentID: alice.AgentID}
	bobPrincipal := auth.Principal{ProjectID: "proj_1", AgentID: bob.AgentID}

	created, err := svc.CreateSession(ctx, alicePrincipal, []string{bob.Alias}, "hi", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	resultCh := make(chan WaiterResult, 1)
	go func() {
		resultCh <- svc.WaitForReply(ctx, alicePrincipal, created.SessionID, created.MessageID, time.Now().Add(5*time.Second))
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter register
	if _, err := svc.SendMessage(bobPrincipal, created.SessionID, "hello", false); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case result := <-resultCh:
		if result.State != WaiterReplied || result.Reply != "hello" {
			t.Fatalf("expected REPLIED(hello), got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

// TestHangOnExtendsWait mirrors spec scenario 2.
func TestHangOnExtendsWait(t *testing.T) {
	svc, st := newTestService(t)
	alice, bob := seedAgents(t, st)
	ctx := context.Background()

	alicePrincipal := auth.Principal{ProjectID: "proj_1", AgentID: alice.AgentID}
	bobPrincipal := auth.Principal{ProjectID: "proj_1", AgentID: bob.AgentID}

	created, err := svc.CreateSession(ctx, alicePrincipal, []string{bob.Alias}, "hi", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	resultCh := make(chan WaiterResult, 1)
	go func() {
		resultCh <- svc.WaitForReply(ctx, alicePrincipal, created.SessionID, created.MessageID, time.Now().Add(2*time.Second))
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := svc.SendMessage(bobPrincipal, created.SessionID, "thinking", true); err != nil {
		t.Fatalf("SendMessage (hang_on): %v", err)
	}

	// The waiter should still be running (extended, not terminal).
	select {
	case result := <-resultCh:
		t.Fatalf("expected waiter to stay WAITING after hang_on, got terminal %+v", result)
	case <-time.After(200 * time.Millisecond):
	}

	if _, err := svc.SendMessage(bobPrincipal, created.SessionID, "here's my answer", false); err != nil {
		t.Fatalf("SendMessage (final): %v", err)
	}

	select {
	case result := <-resultCh:
		if result.State != WaiterReplied || result.Reply != "here's my answer" {
			t.Fatalf("expected REPLIED(here's my answer), got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final reply")
	}
}

// TestReadReceiptExtendsWait mirrors spec scenario 3.
func TestReadReceiptExtendsWait(t *testing.T) {
	svc, st := newTestService(t)
	// A 1s extension keeps the extended deadline inside this test's timeouts.
	svc.hangOnExt = time.Second
	alice, bob := seedAgents(t, st)
	ctx := context.Background()

	alicePrincipal := auth.Principal{ProjectID: "proj_1", AgentID: alice.AgentID}
	bobPrincipal := auth.Principal{ProjectID: "proj_1", AgentID: bob.AgentID}

	created, err := svc.CreateSession(ctx, alicePrincipal, []string{bob.Alias}, "hi", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	resultCh := make(chan WaiterResult, 1)
	go func() {
		resultCh <- svc.WaitForReply(ctx, alicePrincipal, created.SessionID, created.MessageID, time.Now().Add(200*time.Millisecond))
	}()

	time.Sleep(20 * time.Millisecond)
	markResult, err := svc.MarkRead(bobPrincipal, created.SessionID, created.MessageID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if markResult.WaitExtendedSeconds <= 0 {
		t.Fatalf("expected MarkRead to report a wait extension, got %+v", markResult)
	}

	pending, err := svc.Pending(bobPrincipal)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || !pending[0].SenderWaiting {
		t.Fatalf("expected Pending(bob) to report sender_waiting=true, got %+v", pending)
	}

	select {
	case result := <-resultCh:
		t.Fatalf("expected waiter to stay WAITING after read-receipt extension, got terminal %+v", result)
	case <-time.After(150 * time.Millisecond):
	}

	select {
	case result := <-resultCh:
		if result.State != WaiterDeadlineReached {
			t.Fatalf("expected eventual DEADLINE_REACHED, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for waiter to resolve")
	}
}

func TestMarkReadMonotone(t *testing.T) {
	svc, st := newTestService(t)
	alice, bob := seedAgents(t, st)
	ctx := context.Background()

	alicePrincipal := auth.Principal{ProjectID: "proj_1", AgentID: alice.AgentID}
	bobPrincipal := auth.Principal{ProjectID: "proj_1", AgentID: bob.AgentID}

	created, err := svc.CreateSession(ctx, alicePrincipal, []string{bob.Alias}, "m1", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	second, err := svc.SendMessage(alicePrincipal, created.SessionID, "m2", false)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if _, err := svc.MarkRead(bobPrincipal, created.SessionID, second.MessageID); err != nil {
		t.Fatalf("MarkRead newest: %v", err)
	}

	rollback, err := svc.MarkRead(bobPrincipal, created.SessionID, created.MessageID)
	if err != nil {
		t.Fatalf("MarkRead rollback: %v", err)
	}
	if rollback.MessagesMarked != 0 {
		t.Fatalf("expected rollback to mark 0 messages, got %d", rollback.MessagesMarked)
	}
}

func TestSendMessageRequiresParticipant(t *testing.T) {
	svc, st := newTestService(t)
	alice, bob := seedAgents(t, st)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := st.CreateAgent(&store.Agent{AgentID: "agt_carol", ProjectID: "proj_1", Alias: "carol", AccessMode: store.AccessModeOpen, Status: store.AgentStatusActive, CreatedAt: now}); err != nil {
		t.Fatalf("CreateAgent carol: %v", err)
	}

	created, err := svc.CreateSession(ctx, auth.Principal{ProjectID: "proj_1", AgentID: alice.AgentID}, []string{bob.Alias}, "hi", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err = svc.SendMessage(auth.Principal{ProjectID: "proj_1", AgentID: "agt_carol"}, created.SessionID, "butting in", false)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.Forbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}
