package httpapi

import (
	"net/http"

	"github.com/aweb/aweb/internal/apierr"
	"github.com/aweb/aweb/internal/auth"
	"github.com/aweb/aweb/internal/store"
)

type acquireReservationRequest struct {
	ResourceKey string         `json:"resource_key"`
	TTLSeconds  int            `json:"ttl_seconds"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleAcquireReservation(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	var req acquireReservationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	result, err := s.reservations.Acquire(principal, req.ResourceKey, req.TTLSeconds, req.Metadata)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeOK(w, r, http.StatusCreated, map[string]any{
		"resource_key": result.ResourceKey, "holder_alias": result.HolderAlias,
		"acquired_at": result.AcquiredAt.Format(rfc3339), "expires_at": result.ExpiresAt.Format(rfc3339),
	})
}

type renewReservationRequest struct {
	ResourceKey string `json:"resource_key"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

func (s *Server) handleRenewReservation(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	var req renewReservationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.ResourceKey == "" {
		writeErr(w, r, apierr.New(apierr.InvalidArgument, "resource_key is required"))
		return
	}

	result, err := s.reservations.Renew(principal, req.ResourceKey, req.TTLSeconds)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, map[string]any{
		"resource_key": result.ResourceKey, "expires_at": result.ExpiresAt.Format(rfc3339),
	})
}

type releaseReservationRequest struct {
	ResourceKey string `json:"resource_key"`
}

func (s *Server) handleReleaseReservation(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	var req releaseReservationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.ResourceKey == "" {
		writeErr(w, r, apierr.New(apierr.InvalidArgument, "resource_key is required"))
		return
	}

	if err := s.reservations.Release(principal, req.ResourceKey); err != nil {
		writeErr(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, map[string]any{"released": true})
}

func (s *Server) handleListReservations(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	prefix := r.URL.Query().Get("prefix")

	reservations, err := s.reservations.List(principal, prefix)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	rows := make([]map[string]any, len(reservations))
	for i, res := range reservations {
		rows[i] = reservationRow(res)
	}
	writeOK(w, r, http.StatusOK, map[string]any{"reservations": rows})
}

func reservationRow(res store.Reservation) map[string]any {
	return map[string]any{
		"resource_key": res.ResourceKey, "holder_agent_id": res.HolderAgentID, "holder_alias": res.HolderAlias,
		"acquired_at": res.AcquiredAt.Format(rfc3339), "expires_at": res.ExpiresAt.Format(rfc3339),
	}
}
