// Package api implements the Governor's HTTP transport: request
// handlers, RFC 7807-flavored error responses, and the rate-limit and
// auth middleware chain.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ErrorCode is one of the stable, SDK-classifiable codes from the error
// taxonomy.
type ErrorCode string

const (
	CodeActionNotExecutable ErrorCode = "ACTION_NOT_EXECUTABLE"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeActionNotFound      ErrorCode = "ACTION_NOT_FOUND"
	CodeValidationError     ErrorCode = "VALIDATION_ERROR"
	CodeInternalError       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"

	// codeRateLimited is outside the spec's core error taxonomy — rate
	// limiting is an ambient transport concern, not one of the
	// Coordinator's error kinds — but it still needs a stable code for
	// SDKs to classify on.
	codeRateLimited ErrorCode = "RATE_LIMITED"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs),
// with an additional top-level `code` and `detail` pair so SDKs can
// classify failures without parsing `title`/`type`.
type ProblemDetail struct {
	Type     string    `json:"type"`
	Title    string    `json:"title"`
	Status   int       `json:"status"`
	Detail   string    `json:"detail,omitempty"`
	Code     ErrorCode `json:"code"`
	Instance string    `json:"instance,omitempty"`
	TraceID  string    `json:"trace_id,omitempty"`

	// Extra carries endpoint-specific context, e.g. the current status
	// on an ACTION_NOT_EXECUTABLE response, flattened into the JSON body.
	Extra map[string]any `json:"-"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// MarshalJSON flattens Extra alongside the named fields, matching the
// wire contract `{"detail": string, "code": ERROR_CODE, ...extra}`.
func (p *ProblemDetail) MarshalJSON() ([]byte, error) {
	type alias ProblemDetail
	base, err := json.Marshal((*alias)(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return base, nil
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

// WriteError writes a Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, code ErrorCode, title, detail string, extra map[string]any) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://faramesh.dev/errors/%s", code),
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   code,
		Extra:  extra,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteErrorR enriches WriteError with request context (trace_id from
// X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, title, detail string, extra map[string]any) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://faramesh.dev/errors/%s", code),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Code:     code,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		Extra:    extra,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteActionNotExecutable writes a 400 with the action's current
// status so the caller can reconcile (spec §7).
func WriteActionNotExecutable(w http.ResponseWriter, status string) {
	WriteError(w, http.StatusBadRequest, CodeActionNotExecutable,
		"Action Not Executable", "the action cannot transition from its current status",
		map[string]any{"status": status})
}

// WriteUnauthorized writes a 401.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "missing or invalid token"
	}
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", detail, nil)
}

// WriteActionNotFound writes a 404.
func WriteActionNotFound(w http.ResponseWriter) {
	WriteError(w, http.StatusNotFound, CodeActionNotFound, "Action Not Found", "no action exists with the given id", nil)
}

// WriteValidationError writes a 422.
func WriteValidationError(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnprocessableEntity, CodeValidationError, "Validation Error", detail, nil)
}

// WriteServiceUnavailable writes a 503, used for optimistic-lock
// exhaustion (spec §7: "Conflict" surfaces as 503).
func WriteServiceUnavailable(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "Service Unavailable", detail, nil)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, codeRateLimited, "Too Many Requests",
		"rate limit exceeded, retry after the specified interval", nil)
}

// WriteInternal writes a 500. err is logged but never exposed to the
// client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("api: internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, CodeInternalError, "Internal Server Error",
		"an unexpected error occurred", nil)
}
