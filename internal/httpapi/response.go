package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/aweb/aweb/internal/apierr"
)

const rfc3339 = time.RFC3339

// envelope is the base shape of every JSON response, success or error.
type envelope struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
}

type errorBody struct {
	envelope
	Error   string         `json:"error"`
	Code    apierr.Code    `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeOK writes a successful response with data merged into the envelope.
func writeOK(w http.ResponseWriter, r *http.Request, status int, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["success"] = true
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if reqID := requestIDFromContext(r.Context()); reqID != "" {
		data["request_id"] = reqID
	}
	writeJSON(w, status, data)
}

// writeErr maps err to the taxonomy's HTTP status and writes the envelope.
// Non-*apierr.Error values are treated as INTERNAL and never echo the raw
// message to the client (spec.md §7: never leak raw internal error strings
// for 5xx responses).
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		slog.Error("unhandled error", "path", r.URL.Path, "error", err, "request_id", requestIDFromContext(r.Context()))
		apiErr = apierr.New(apierr.Internal, "internal server error")
	}

	body := errorBody{
		envelope: envelope{Success: false, Timestamp: time.Now().UTC().Format(time.RFC3339), RequestID: requestIDFromContext(r.Context())},
		Error:    apiErr.Message,
		Code:     apiErr.Code,
		Details:  apiErr.Details,
	}
	writeJSON(w, apierr.HTTPStatus(apiErr.Code), body)
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return apierr.New(apierr.InvalidArgument, "request body required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierr.Wrap(apierr.InvalidArgument, "invalid request body", err)
	}
	return nil
}
