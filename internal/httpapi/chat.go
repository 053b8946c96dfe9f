package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aweb/aweb/internal/apierr"
	"github.com/aweb/aweb/internal/auth"
	"github.com/aweb/aweb/internal/chat"
	"github.com/aweb/aweb/internal/events"
	"github.com/aweb/aweb/internal/store"
)

type createSessionRequest struct {
	To         []string `json:"to"`
	Message    string   `json:"message"`
	Leaving    bool     `json:"leaving"`
	WaitSecond int      `json:"wait_seconds"`
}

// handleCreateSession implements CreateSession and, when wait_seconds > 0,
// blocks for a reply the way SendAndWait does for an existing session
// (spec.md §4.3.1, boundary: wait=0 returns immediately with status sent).
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if len(req.To) == 0 || req.Message == "" {
		writeErr(w, r, apierr.New(apierr.InvalidArgument, "to and message are required"))
		return
	}

	result, err := s.chat.CreateSession(r.Context(), principal, req.To, req.Message, req.Leaving)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	resp := map[string]any{
		"session_id": result.SessionID, "message_id": result.MessageID,
		"participants": result.Participants, "targets_connected": result.TargetsConnected,
		"targets_left": result.TargetsLeft, "status": "sent",
	}
	if req.WaitSecond > 0 {
		waitResult, ok := s.awaitReply(r, principal, result.SessionID, result.MessageID, req.WaitSecond)
		if !ok {
			return
		}
		mergeWaitResult(resp, waitResult)
	}
	writeOK(w, r, http.StatusCreated, resp)
}

type sendMessageRequest struct {
	Body       string `json:"body"`
	HangOn     bool   `json:"hang_on"`
	WaitSecond int    `json:"wait_seconds"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Body == "" {
		writeErr(w, r, apierr.New(apierr.InvalidArgument, "body is required"))
		return
	}

	result, err := s.chat.SendMessage(principal, sessionID, req.Body, req.HangOn)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	resp := map[string]any{
		"message_id": result.MessageID, "extends_wait_seconds": result.ExtendsWaitSeconds, "status": "sent",
	}
	if req.WaitSecond > 0 {
		waitResult, ok := s.awaitReply(r, principal, sessionID, result.MessageID, req.WaitSecond)
		if !ok {
			return
		}
		mergeWaitResult(resp, waitResult)
	}
	writeOK(w, r, http.StatusCreated, resp)
}

// awaitReply blocks on WaitForReply and always reports ok=true; it writes
// nothing itself. A deadline/cancellation is a normal waiter outcome,
// returned in the result, not a transport error.
func (s *Server) awaitReply(r *http.Request, principal auth.Principal, sessionID, sentMessageID string, waitSeconds int) (chat.WaiterResult, bool) {
	deadline := time.Now().Add(time.Duration(waitSeconds) * time.Second)
	result := s.chat.WaitForReply(r.Context(), principal, sessionID, sentMessageID, deadline)
	return result, true
}

func mergeWaitResult(resp map[string]any, result chat.WaiterResult) {
	resp["status"] = string(result.State)
	if result.Reply != "" {
		resp["reply"] = result.Reply
		resp["from_alias"] = result.FromAlias
	}
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	unreadOnly := r.URL.Query().Get("unread_only") == "true"
	limit := clampLimit(r.URL.Query().Get("limit"), 50, 1, 200)

	messages, err := s.chat.History(principal, sessionID, unreadOnly, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	rows := make([]map[string]any, len(messages))
	for i, m := range messages {
		rows[i] = chatMessageRow(m)
	}
	writeOK(w, r, http.StatusOK, map[string]any{"messages": rows})
}

type markReadRequest struct {
	UpToMessageID string `json:"up_to_message_id"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	var req markReadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	result, err := s.chat.MarkRead(principal, sessionID, req.UpToMessageID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, map[string]any{
		"success": result.Success, "messages_marked": result.MessagesMarked, "wait_extended_seconds": result.WaitExtendedSeconds,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	rows, err := s.chat.Pending(principal)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		entry := map[string]any{
			"session_id": row.SessionID, "last_message": row.LastMessage, "last_from": row.LastFrom,
			"unread_count": row.UnreadCount, "last_activity": row.LastActivity.Format(rfc3339), "sender_waiting": row.SenderWaiting,
		}
		if row.TimeRemainingSeconds != nil {
			entry["time_remaining_seconds"] = *row.TimeRemainingSeconds
		}
		out[i] = entry
	}
	writeOK(w, r, http.StatusOK, map[string]any{"pending": out})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	sessions, err := s.chat.ListSessions(principal)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]map[string]any, len(sessions))
	for i, cs := range sessions {
		out[i] = map[string]any{
			"session_id": cs.SessionID, "participants": cs.Participants, "created_at": cs.CreatedAt.Format(rfc3339),
		}
	}
	writeOK(w, r, http.StatusOK, map[string]any{"sessions": out})
}

func chatMessageRow(m store.ChatMessage) map[string]any {
	return map[string]any{
		"message_id": m.MessageID, "session_id": m.SessionID, "from_agent_id": m.FromAgentID,
		"from_alias": m.FromAlias, "body": m.Body, "sender_leaving": m.SenderLeaving,
		"hang_on": m.HangOn, "created_at": m.CreatedAt.Format(rfc3339),
	}
}

// handleStream implements Stream (spec.md §4.3, §4.5): a server-push
// channel of this session's events until deadline or disconnect.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	isMember, err := s.store.IsParticipant(sessionID, principal.AgentID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !isMember {
		writeErr(w, r, apierr.New(apierr.Forbidden, "not a participant of this session"))
		return
	}

	deadline, err := parseStreamDeadline(r.URL.Query().Get("deadline"))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, r, apierr.New(apierr.Internal, "streaming not supported"))
		return
	}

	ch, cancel := s.chat.Subscribe(sessionID, s.cfg.StreamReplayBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: %s\ndata: {\"status\":\"connected\"}\n\n", events.TypeConnected)
	flusher.Flush()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fmt.Fprintf(w, "event: deadline_reached\ndata: {}\n\n")
			flusher.Flush()
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev.Payload())
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType(), payload)
			flusher.Flush()
		}
	}
}

func parseStreamDeadline(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, apierr.New(apierr.InvalidArgument, "deadline is required")
	}
	deadline, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apierr.New(apierr.InvalidArgument, "deadline must be RFC3339")
	}
	if !deadline.After(time.Now()) {
		return time.Time{}, apierr.New(apierr.InvalidArgument, "deadline must be in the future")
	}
	return deadline, nil
}
