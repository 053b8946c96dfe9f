// Package idgen generates stable, sortable identifiers for aweb entities.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// newULID returns a lexicographically and time sortable ULID string.
// A single monotonic entropy source is shared under a mutex so IDs
// generated within the same millisecond still sort by call order.
func newULID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Agent returns a new agent id.
func Agent() string { return "agt_" + newULID() }

// APIKey returns a new API key id.
func APIKey() string { return "key_" + newULID() }

// Message returns a new mail message id.
func Message() string { return "msg_" + newULID() }

// Session returns a new chat session id.
func Session() string { return "sess_" + newULID() }

// ChatMessage returns a new chat message id. Chat messages are ordered by
// (created_at, message_id); ULID's embedded timestamp makes the id itself
// sort consistently with creation order within a session.
func ChatMessage() string { return "cmsg_" + newULID() }

// Timestamp extracts the creation time encoded in an id produced by this
// package. Returns the zero time if s does not carry a recognized prefix
// or is not a valid ULID.
func Timestamp(s string) time.Time {
	for _, prefix := range []string{"agt_", "key_", "msg_", "sess_", "cmsg_"} {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			s = s[len(prefix):]
			break
		}
	}
	id, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time())
}

// SecretKey generates the opaque bearer token handed back to a caller once,
// at key-creation time. It is never stored; only its digest is persisted.
func SecretKey() string {
	return "awk_" + uuid.NewString() + uuid.NewString()
}
