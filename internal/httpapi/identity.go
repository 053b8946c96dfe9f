package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/aweb/aweb/internal/apierr"
	"github.com/aweb/aweb/internal/auth"
	"github.com/aweb/aweb/internal/idgen"
	"github.com/aweb/aweb/internal/store"
)

type initRequest struct {
	Slug      string `json:"slug"`
	Alias     string `json:"alias"`
	HumanName string `json:"human_name"`
	AgentType string `json:"agent_type"`
}

// handleInit bootstraps a Project, its first Agent, and an ApiKey bound
// to that agent, returning the plaintext key once (spec.md §6,
// SPEC_FULL.md's Identity & Access module). The three rows are written by
// separate store calls, not in one transaction: a failure on a later
// write leaves the earlier rows in place.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Slug == "" || req.Alias == "" {
		writeErr(w, r, apierr.New(apierr.InvalidArgument, "slug and alias are required"))
		return
	}
	if strings.Contains(req.Alias, "/") {
		writeErr(w, r, apierr.New(apierr.InvalidArgument, "alias must not contain '/'"))
		return
	}

	if existing, err := s.store.GetProject(projectIDFromSlug(req.Slug)); err != nil {
		writeErr(w, r, err)
		return
	} else if existing != nil {
		writeErr(w, r, apierr.New(apierr.Conflict, "project slug already initialized"))
		return
	}

	now := time.Now().UTC()
	projectID := projectIDFromSlug(req.Slug)
	agentID := idgen.Agent()
	rawKey := idgen.SecretKey()

	if err := s.store.CreateProject(&store.Project{ProjectID: projectID, Slug: req.Slug, CreatedAt: now}); err != nil {
		writeErr(w, r, err)
		return
	}
	agent := &store.Agent{
		AgentID: agentID, ProjectID: projectID, Alias: req.Alias, HumanName: req.HumanName,
		AgentType: req.AgentType, AccessMode: store.AccessModeOpen, Status: store.AgentStatusActive, CreatedAt: now,
	}
	if err := s.store.CreateAgent(agent); err != nil {
		writeErr(w, r, err)
		return
	}
	key := &store.APIKey{
		APIKeyID: idgen.APIKey(), ProjectID: projectID, AgentID: &agentID,
		KeyHash: auth.HashKey(rawKey), IsActive: true, CreatedAt: now,
	}
	if err := s.store.CreateAPIKey(key); err != nil {
		writeErr(w, r, err)
		return
	}

	writeOK(w, r, http.StatusCreated, map[string]any{
		"project_id": projectID, "agent_id": agentID, "alias": agent.Alias, "api_key": rawKey,
	})
}

func projectIDFromSlug(slug string) string {
	return "proj_" + slug
}

// handleIntrospect returns the caller's own identity.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	resp := map[string]any{"project_id": principal.ProjectID}
	if principal.HasAgent() {
		agent, err := s.store.GetAgent(principal.AgentID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if agent != nil {
			resp["agent_id"] = agent.AgentID
			resp["alias"] = agent.Alias
			resp["human_name"] = agent.HumanName
			resp["agent_type"] = agent.AgentType
		}
	}
	writeOK(w, r, http.StatusOK, resp)
}

// handleListAgents lists a project's agents enriched with presence.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	agents, err := s.store.ListAgents(principal.ProjectID)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	var online map[string]bool
	if s.presence != nil {
		ids := make([]string, len(agents))
		for i, a := range agents {
			ids[i] = a.AgentID
		}
		online, _ = s.presence.OnlineMany(r.Context(), principal.ProjectID, ids)
	}

	rows := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		rows = append(rows, map[string]any{
			"agent_id": a.AgentID, "alias": a.Alias, "human_name": a.HumanName,
			"agent_type": a.AgentType, "access_mode": a.AccessMode, "status": a.Status, "online": online[a.AgentID],
		})
	}
	writeOK(w, r, http.StatusOK, map[string]any{"agents": rows})
}

// handleHeartbeat records the caller's presence heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	if !principal.HasAgent() {
		writeErr(w, r, apierr.New(apierr.Forbidden, "heartbeat requires an agent-bound principal"))
		return
	}
	if s.presence == nil {
		writeErr(w, r, apierr.New(apierr.Unavailable, "presence is not configured"))
		return
	}
	if err := s.presence.Heartbeat(r.Context(), principal.ProjectID, principal.AgentID, time.Now()); err != nil {
		writeErr(w, r, apierr.Wrap(apierr.Unavailable, "presence store unreachable", err))
		return
	}
	writeOK(w, r, http.StatusOK, nil)
}

// handleListContacts lists the caller's registered contacts.
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	if !principal.HasAgent() {
		writeErr(w, r, apierr.New(apierr.Forbidden, "contacts require an agent-bound principal"))
		return
	}
	contacts, err := s.store.ListContacts(principal.AgentID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	addrs := make([]string, len(contacts))
	for i, c := range contacts {
		addrs[i] = c.ContactAddress
	}
	writeOK(w, r, http.StatusOK, map[string]any{"contacts": addrs})
}

type addContactRequest struct {
	ContactAddress string `json:"contact_address"`
}

// handleAddContact registers an allowed sender address for a
// contacts_only agent.
func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	if !principal.HasAgent() {
		writeErr(w, r, apierr.New(apierr.Forbidden, "contacts require an agent-bound principal"))
		return
	}
	var req addContactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.ContactAddress == "" {
		writeErr(w, r, apierr.New(apierr.InvalidArgument, "contact_address is required"))
		return
	}
	err := s.store.AddContact(&store.Contact{
		ProjectID: principal.ProjectID, AgentID: principal.AgentID,
		ContactAddress: req.ContactAddress, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeOK(w, r, http.StatusCreated, nil)
}
