package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// proxyContext is the payload carried by a trusted proxy, per spec.md
// §4.1: project_id and actor agent_id, bound to a timestamp so a
// captured header can't be replayed indefinitely.
type proxyContext struct {
	ProjectID string
	AgentID   string
}

// SignProxyContext produces the header value a trusted proxy would send:
// "project_id:agent_id:unix_ts:hex_hmac". Exported for the proxy-facing
// side of a deployment (and for tests) to construct valid headers.
func SignProxyContext(signingKey, projectID, agentID string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	payload := strings.Join([]string{projectID, agentID, ts}, ":")
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))
	return payload + ":" + sig
}

// verifyProxyContext validates a header value produced by
// SignProxyContext: well-formed, correctly signed, and within
// clockSkew of now. Any failure is terminal per spec.md §4.1 — callers
// must not fall back to bearer auth on error.
func verifyProxyContext(header, signingKey string, clockSkew time.Duration, now time.Time) (proxyContext, error) {
	parts := strings.Split(header, ":")
	if len(parts) != 4 {
		return proxyContext{}, fmt.Errorf("malformed proxy context")
	}
	projectID, agentID, tsRaw, sigRaw := parts[0], parts[1], parts[2], parts[3]
	if projectID == "" || agentID == "" {
		return proxyContext{}, errEmptyProjectOrAgent
	}

	payload := strings.Join([]string{projectID, agentID, tsRaw}, ":")
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(payload))
	expectedSig := hex.EncodeToString(mac.Sum(nil))
	if !constantTimeEqual(sigRaw, expectedSig) {
		return proxyContext{}, fmt.Errorf("signature mismatch")
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return proxyContext{}, fmt.Errorf("malformed timestamp: %w", err)
	}
	issued := time.Unix(ts, 0)
	skew := now.Sub(issued)
	if skew < 0 {
		skew = -skew
	}
	if skew > clockSkew {
		return proxyContext{}, fmt.Errorf("proxy context outside clock skew window")
	}

	return proxyContext{ProjectID: projectID, AgentID: agentID}, nil
}
