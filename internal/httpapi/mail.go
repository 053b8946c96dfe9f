package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aweb/aweb/internal/apierr"
	"github.com/aweb/aweb/internal/auth"
	"github.com/aweb/aweb/internal/store"
)

type sendMailRequest struct {
	ToAlias  string  `json:"to_alias"`
	Subject  string  `json:"subject"`
	Body     string  `json:"body"`
	Priority string  `json:"priority"`
	ThreadID *string `json:"thread_id"`
}

func (s *Server) handleSendMail(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	var req sendMailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.ToAlias == "" || req.Body == "" {
		writeErr(w, r, apierr.New(apierr.InvalidArgument, "to_alias and body are required"))
		return
	}

	result, err := s.mail.SendMail(principal, req.ToAlias, req.Subject, req.Body, req.Priority, req.ThreadID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeOK(w, r, http.StatusCreated, map[string]any{
		"message_id": result.MessageID, "delivered_at": result.DeliveredAt.Format(rfc3339),
	})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	unreadOnly := r.URL.Query().Get("unread_only") == "true"
	limit := clampLimit(r.URL.Query().Get("limit"), 50, 1, 200)

	messages, err := s.mail.Inbox(principal, unreadOnly, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	rows := make([]map[string]any, len(messages))
	for i, m := range messages {
		rows[i] = messageRow(m)
	}
	writeOK(w, r, http.StatusOK, map[string]any{"messages": rows})
}

func (s *Server) handleAckMail(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	messageID := chi.URLParam(r, "message_id")

	result, err := s.mail.Ack(principal, messageID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := map[string]any{"acked": result.Acked}
	if result.Acked {
		resp["acknowledged_at"] = result.AcknowledgedAt.Format(rfc3339)
	}
	writeOK(w, r, http.StatusOK, resp)
}

func messageRow(m store.Message) map[string]any {
	row := map[string]any{
		"message_id": m.MessageID, "from_agent_id": m.FromAgentID, "from_alias": m.FromAlias,
		"subject": m.Subject, "body": m.Body, "priority": m.Priority, "created_at": m.CreatedAt.Format(rfc3339),
	}
	if m.ThreadID != nil {
		row["thread_id"] = *m.ThreadID
	}
	if m.ReadAt != nil {
		row["read_at"] = m.ReadAt.Format(rfc3339)
	}
	return row
}

func clampLimit(raw string, def, min, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
