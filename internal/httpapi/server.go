// Package httpapi exposes aweb's coordination primitives over HTTP+JSON
// and SSE (spec.md §6), as a thin transport collaborator atop the core
// auth/mail/chat/reservation/presence services.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aweb/aweb/internal/auth"
	"github.com/aweb/aweb/internal/chat"
	"github.com/aweb/aweb/internal/config"
	"github.com/aweb/aweb/internal/mail"
	"github.com/aweb/aweb/internal/presence"
	"github.com/aweb/aweb/internal/reservation"
	"github.com/aweb/aweb/internal/store"
)

const requestIDHeader = "X-Request-Id"

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Server wires the core services to chi routes.
type Server struct {
	cfg          *config.Config
	store        *store.Store
	authn        *auth.Authenticator
	mail         *mail.Service
	chat         *chat.Service
	reservations *reservation.Service
	presence     *presence.Tracker
	router       chi.Router
}

// New constructs a Server and builds its route tree.
func New(cfg *config.Config, st *store.Store, authn *auth.Authenticator, mailSvc *mail.Service, chatSvc *chat.Service, resSvc *reservation.Service, tracker *presence.Tracker) *Server {
	s := &Server{cfg: cfg, store: st, authn: authn, mail: mailSvc, chat: chatSvc, reservations: resSvc, presence: tracker}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe binds to the configured host:port.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	slog.Info("listening", "addr", addr)
	return http.ListenAndServe(addr, s)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.recovererMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/init", s.handleInit)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/introspect", s.handleIntrospect)

			r.Get("/agents", s.handleListAgents)
			r.Post("/agents/heartbeat", s.handleHeartbeat)
			r.Get("/agents/contacts", s.handleListContacts)
			r.Post("/agents/contacts", s.handleAddContact)

			r.Post("/messages", s.handleSendMail)
			r.Get("/messages/inbox", s.handleInbox)
			r.Post("/messages/{message_id}/ack", s.handleAckMail)

			r.Route("/chat", func(r chi.Router) {
				r.Post("/sessions", s.handleCreateSession)
				r.Get("/sessions", s.handleListSessions)
				r.Get("/pending", s.handlePending)
				r.Get("/sessions/{id}/messages", s.handleChatHistory)
				r.Post("/sessions/{id}/messages", s.handleSendMessage)
				r.Post("/sessions/{id}/read", s.handleMarkRead)
				r.Get("/sessions/{id}/stream", s.handleStream)
			})

			r.Route("/reservations", func(r chi.Router) {
				r.Post("/", s.handleAcquireReservation)
				r.Post("/renew", s.handleRenewReservation)
				r.Post("/release", s.handleReleaseReservation)
				r.Get("/", s.handleListReservations)
			})
		})
	})

	return r
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := sanitizeRequestID(r.Header.Get(requestIDHeader))
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, reqID)))
	})
}

func (s *Server) recovererMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic recovered", "error", rec, "request_id", requestIDFromContext(r.Context()), "stack", string(debug.Stack()))
				writeErr(w, r, nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(), "request_id", requestIDFromContext(r.Context()))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestIDHeader+", X-Aweb-Proxy-Context")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.authn.Authenticate(r)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func sanitizeRequestID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) > 64 {
		id = id[:64]
	}
	return strings.Map(func(ch rune) rune {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '-' || ch == '_' {
			return ch
		}
		return -1
	}, id)
}

func generateRequestID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, r, http.StatusOK, map[string]any{"status": "healthy"})
}
