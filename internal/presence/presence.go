// Package presence implements best-effort online status via TTL-keyed
// heartbeats in the ephemeral KV (spec.md §4.6). Presence never gates
// delivery of mail, chat, or reservations.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/aweb/aweb/internal/kv"
)

// Tracker writes and reads heartbeats.
type Tracker struct {
	store kv.Store
	ttl   time.Duration
}

// NewTracker constructs a Tracker over store with heartbeats valid for ttl.
func NewTracker(store kv.Store, ttl time.Duration) *Tracker {
	return &Tracker{store: store, ttl: ttl}
}

func presenceKey(projectID, agentID string) string {
	return fmt.Sprintf("presence:%s:%s", projectID, agentID)
}

// Heartbeat records that (projectID, agentID) is alive as of now.
func (t *Tracker) Heartbeat(ctx context.Context, projectID, agentID string, now time.Time) error {
	return t.store.Set(ctx, presenceKey(projectID, agentID), now.UTC().Format(time.RFC3339), t.ttl)
}

// Online reports whether a heartbeat is currently present for the agent.
// Any KV error is treated as "unknown" (false, err) rather than "offline";
// callers that need to surface UNAVAILABLE should check err.
func (t *Tracker) Online(ctx context.Context, projectID, agentID string) (bool, error) {
	_, ok, err := t.store.Get(ctx, presenceKey(projectID, agentID))
	if err != nil {
		return false, err
	}
	return ok, nil
}

// OnlineMany runs Online for each agent of a roster listing, one KV
// lookup per agent. It stops at the first KV error and returns the map
// filled so far together with that error; agents not reached are absent
// from the map (read as offline).
func (t *Tracker) OnlineMany(ctx context.Context, projectID string, agentIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		online, err := t.Online(ctx, projectID, id)
		if err != nil {
			return result, err
		}
		result[id] = online
	}
	return result, nil
}
