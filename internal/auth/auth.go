// Package auth authenticates callers to a Principal, either via bearer
// API key or a signed trusted-proxy context (spec.md §4.1). It never
// falls back from proxy-trust to bearer: a malformed proxy context is a
// terminal authentication failure.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aweb/aweb/internal/apierr"
	"github.com/aweb/aweb/internal/store"
)

type contextKey int

const principalKey contextKey = iota

// Principal identifies the authenticated caller (spec.md §4.1).
type Principal struct {
	ProjectID string
	AgentID   string // empty when the key authenticates a project only
	APIKeyID  string
}

// HasAgent reports whether the principal is bound to a specific agent.
func (p Principal) HasAgent() bool {
	return p.AgentID != ""
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext retrieves the Principal stored by WithPrincipal, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// HashKey computes the lookup digest for a full API key. Authentication
// never stores or compares raw keys.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// Authenticator resolves an incoming request to a Principal.
type Authenticator struct {
	store             *store.Store
	proxyTrustEnabled bool
	proxySigningKey   string
	proxyClockSkew    time.Duration
}

// New constructs an Authenticator. When proxyTrustEnabled is true,
// every request must carry a valid signed proxy context; bearer tokens
// are never consulted as a fallback (spec.md §4.1).
func New(st *store.Store, proxyTrustEnabled bool, proxySigningKey string, proxyClockSkew time.Duration) *Authenticator {
	return &Authenticator{
		store:             st,
		proxyTrustEnabled: proxyTrustEnabled,
		proxySigningKey:   proxySigningKey,
		proxyClockSkew:    proxyClockSkew,
	}
}

// Authenticate resolves r to a Principal. Under proxy-trust mode a
// missing or invalid proxy context fails terminally, by design: it must
// never silently degrade to bearer authentication.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if a.proxyTrustEnabled {
		return a.authenticateProxy(r)
	}
	return a.authenticateBearer(r)
}

func (a *Authenticator) authenticateBearer(r *http.Request) (Principal, error) {
	token := extractBearerToken(r)
	if token == "" {
		return Principal{}, apierr.New(apierr.Unauthenticated, "missing bearer token")
	}

	key, err := a.store.GetAPIKeyByHash(HashKey(token))
	if err != nil {
		return Principal{}, fmt.Errorf("lookup api key: %w", err)
	}
	if key == nil {
		return Principal{}, apierr.New(apierr.Unauthenticated, "invalid api key")
	}

	go a.store.TouchAPIKey(key.APIKeyID, time.Now().UTC())

	p := Principal{ProjectID: key.ProjectID, APIKeyID: key.APIKeyID}
	if key.AgentID != nil {
		p.AgentID = *key.AgentID
	}
	return p, nil
}

func (a *Authenticator) authenticateProxy(r *http.Request) (Principal, error) {
	header := r.Header.Get("X-Aweb-Proxy-Context")
	if header == "" {
		return Principal{}, apierr.New(apierr.Unauthenticated, "missing proxy context")
	}

	ctx, err := verifyProxyContext(header, a.proxySigningKey, a.proxyClockSkew, time.Now())
	if err != nil {
		return Principal{}, apierr.Wrap(apierr.Unauthenticated, "invalid proxy context", err)
	}

	return Principal{ProjectID: ctx.ProjectID, AgentID: ctx.AgentID}, nil
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return h[len(prefix):]
}

// constantTimeEqual compares two strings without leaking timing
// information about the point of first mismatch.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

var errEmptyProjectOrAgent = errors.New("proxy context missing project_id or agent_id")
