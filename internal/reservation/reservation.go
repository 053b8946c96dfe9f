// Package reservation implements named, leased, per-project locks
// (spec.md §4.4): acquire, renew, release, and list.
package reservation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/aweb/aweb/internal/apierr"
	"github.com/aweb/aweb/internal/auth"
	"github.com/aweb/aweb/internal/store"
)

// Ceiling clamps a requested TTL in seconds to the configured bounds and
// returns the server-chosen TTL. Implemented by *config.Config.
type Ceiling interface {
	ReservationCeiling(requestedSeconds int) int
}

// Service implements the reservation operations.
type Service struct {
	store   *store.Store
	ceiling Ceiling
	nowFunc func() time.Time
}

// New constructs a reservation Service.
func New(st *store.Store, ceiling Ceiling) *Service {
	return &Service{store: st, ceiling: ceiling, nowFunc: time.Now}
}

// AcquireResult is Acquire's response (spec.md §4.4).
type AcquireResult struct {
	ResourceKey string
	HolderAlias string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// Acquire attempts to take resource_key for the calling agent, overwriting
// an expired holder if one exists. A still-held conflicting row surfaces as
// a CONFLICT error carrying the current holder's details.
func (s *Service) Acquire(principal auth.Principal, resourceKey string, ttlSeconds int, metadata map[string]any) (*AcquireResult, error) {
	if !principal.HasAgent() {
		return nil, apierr.New(apierr.Forbidden, "reservations require an agent-bound principal")
	}
	if resourceKey == "" {
		return nil, apierr.New(apierr.InvalidArgument, "resource_key is required")
	}

	agent, err := s.store.GetAgent(principal.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, apierr.New(apierr.NotFound, "agent not found")
	}

	metadataJSON := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, apierr.Wrap(apierr.InvalidArgument, "invalid metadata", err)
		}
		metadataJSON = string(b)
	}

	now := s.nowFunc().UTC()
	ttl := s.ceiling.ReservationCeiling(ttlSeconds)
	res := &store.Reservation{
		ProjectID: principal.ProjectID, ResourceKey: resourceKey,
		HolderAgentID: agent.AgentID, HolderAlias: agent.Alias,
		AcquiredAt: now, ExpiresAt: now.Add(time.Duration(ttl) * time.Second),
		MetadataJSON: metadataJSON,
	}

	current, err := s.store.AcquireReservation(res, now)
	if errors.Is(err, store.ErrReservationConflict) {
		return nil, apierr.New(apierr.Conflict, "resource already held").WithDetails(map[string]any{
			"holder_alias": current.HolderAlias,
			"expires_at":   current.ExpiresAt.Format(time.RFC3339),
		})
	}
	if err != nil {
		return nil, err
	}

	return &AcquireResult{
		ResourceKey: current.ResourceKey, HolderAlias: current.HolderAlias,
		AcquiredAt: current.AcquiredAt, ExpiresAt: current.ExpiresAt,
	}, nil
}

// RenewResult is Renew's response.
type RenewResult struct {
	ResourceKey string
	ExpiresAt   time.Time
}

// Renew extends the caller's held reservation. Returns NOT_FOUND if the
// key doesn't exist or has already expired, FORBIDDEN if another agent
// holds it.
func (s *Service) Renew(principal auth.Principal, resourceKey string, ttlSeconds int) (*RenewResult, error) {
	if !principal.HasAgent() {
		return nil, apierr.New(apierr.Forbidden, "reservations require an agent-bound principal")
	}

	now := s.nowFunc().UTC()
	ttl := s.ceiling.ReservationCeiling(ttlSeconds)
	newExpiry := now.Add(time.Duration(ttl) * time.Second)

	renewed, err := s.store.RenewReservation(principal.ProjectID, resourceKey, principal.AgentID, newExpiry, now)
	if err != nil {
		return nil, err
	}
	if renewed != nil {
		return &RenewResult{ResourceKey: renewed.ResourceKey, ExpiresAt: renewed.ExpiresAt}, nil
	}

	existing, err := s.store.GetReservation(principal.ProjectID, resourceKey)
	if err != nil {
		return nil, err
	}
	if existing == nil || !existing.IsHeld(now) {
		return nil, apierr.New(apierr.NotFound, "reservation not found or expired")
	}
	return nil, apierr.New(apierr.Forbidden, "reservation held by another agent").WithDetails(map[string]any{
		"holder_alias": existing.HolderAlias,
	})
}

// Release drops the caller's held reservation. Releasing a key that is
// unheld, already expired, or already released is a no-op, not an error
// (spec.md §4.4 idempotent release).
func (s *Service) Release(principal auth.Principal, resourceKey string) error {
	if !principal.HasAgent() {
		return apierr.New(apierr.Forbidden, "reservations require an agent-bound principal")
	}
	_, err := s.store.ReleaseReservation(principal.ProjectID, resourceKey, principal.AgentID, s.nowFunc().UTC())
	return err
}

// Get returns a held reservation's current state, or nil if unheld.
func (s *Service) Get(principal auth.Principal, resourceKey string) (*store.Reservation, error) {
	res, err := s.store.GetReservation(principal.ProjectID, resourceKey)
	if err != nil {
		return nil, err
	}
	if res == nil || !res.IsHeld(s.nowFunc().UTC()) {
		return nil, nil
	}
	return res, nil
}

// List returns every unexpired reservation in the project, optionally
// filtered by resource_key prefix.
func (s *Service) List(principal auth.Principal, prefix string) ([]store.Reservation, error) {
	return s.store.ListReservations(principal.ProjectID, prefix, s.nowFunc().UTC())
}
