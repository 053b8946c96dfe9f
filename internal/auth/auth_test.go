package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aweb/aweb/internal/apierr"
	"github.com/aweb/aweb/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedKey(t *testing.T, s *store.Store, rawKey, projectID string, agentID *string) {
	t.Helper()
	now := time.Now().UTC()
	if err := s.CreateProject(&store.Project{ProjectID: projectID, Slug: projectID, CreatedAt: now}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	err := s.CreateAPIKey(&store.APIKey{
		APIKeyID: "key_1", ProjectID: projectID, AgentID: agentID,
		KeyHash: HashKey(rawKey), IsActive: true, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
}

func TestAuthenticateBearerSuccess(t *testing.T) {
	s := newTestStore(t)
	seedKey(t, s, "secret-key", "proj_1", nil)

	a := New(s, false, "", 0)
	req := httptest.NewRequest(http.MethodGet, "/v1/auth/introspect", nil)
	req.Header.Set("Authorization", "Bearer secret-key")

	p, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.ProjectID != "proj_1" {
		t.Fatalf("expected proj_1, got %q", p.ProjectID)
	}
	if p.HasAgent() {
		t.Fatal("expected project-only key to not bind an agent")
	}
}

func TestAuthenticateBearerMissingToken(t *testing.T) {
	a := New(newTestStore(t), false, "", 0)
	req := httptest.NewRequest(http.MethodGet, "/v1/auth/introspect", nil)

	_, err := a.Authenticate(req)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.Unauthenticated {
		t.Fatalf("expected UNAUTHENTICATED, got %v", err)
	}
}

func TestAuthenticateBearerInvalidToken(t *testing.T) {
	s := newTestStore(t)
	seedKey(t, s, "secret-key", "proj_1", nil)
	a := New(s, false, "", 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/introspect", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")

	_, err := a.Authenticate(req)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.Unauthenticated {
		t.Fatalf("expected UNAUTHENTICATED, got %v", err)
	}
}

func TestAuthenticateProxySuccess(t *testing.T) {
	a := New(newTestStore(t), true, "signing-secret", 30*time.Second)
	now := time.Now()
	header := SignProxyContext("signing-secret", "proj_1", "agt_alice", now)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/introspect", nil)
	req.Header.Set("X-Aweb-Proxy-Context", header)

	p, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.ProjectID != "proj_1" || p.AgentID != "agt_alice" {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestAuthenticateProxyTamperedNeverFallsBackToBearer(t *testing.T) {
	s := newTestStore(t)
	seedKey(t, s, "secret-key", "proj_1", nil)
	a := New(s, true, "signing-secret", 30*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/introspect", nil)
	req.Header.Set("X-Aweb-Proxy-Context", "proj_1:agt_alice:1700000000:deadbeef")
	req.Header.Set("Authorization", "Bearer secret-key")

	_, err := a.Authenticate(req)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.Unauthenticated {
		t.Fatalf("expected terminal UNAUTHENTICATED, got %v", err)
	}
}

func TestAuthenticateProxyStaleTimestampRejected(t *testing.T) {
	a := New(newTestStore(t), true, "signing-secret", time.Second)
	stale := SignProxyContext("signing-secret", "proj_1", "agt_alice", time.Now().Add(-time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/introspect", nil)
	req.Header.Set("X-Aweb-Proxy-Context", stale)

	_, err := a.Authenticate(req)
	if _, ok := apierr.As(err); !ok {
		t.Fatalf("expected apierr.Error, got %v", err)
	}
}
