package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/faramesh/faramesh-core/pkg/action"
	"github.com/faramesh/faramesh-core/pkg/coordinator"
	"github.com/faramesh/faramesh-core/pkg/eventbus"
	"github.com/faramesh/faramesh-core/pkg/observability"
	"github.com/faramesh/faramesh-core/pkg/policy"
	"github.com/faramesh/faramesh-core/pkg/store"
)

// Server holds everything an HTTP handler needs to serve the Governor's
// wire contract. It is deliberately just a bag of interfaces/pointers
// passed explicitly to each handler — there is no process-wide global.
type Server struct {
	Coordinator *coordinator.Coordinator
	Bus         *eventbus.Bus
	Policy      *policy.Engine
	StartedAt   time.Time

	// Obs is optional: when nil, metrics/tracing are simply skipped.
	Obs *observability.Provider
}

// Routes builds the ServeMux wiring every endpoint from the wire
// contract (spec §6) plus the replay extension.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/actions", s.handleSubmit)
	mux.HandleFunc("GET /v1/actions", s.handleList)
	mux.HandleFunc("GET /v1/actions/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/actions/{id}/approval", s.handleApproval)
	mux.HandleFunc("POST /v1/actions/{id}/start", s.handleStart)
	mux.HandleFunc("POST /v1/actions/{id}/result", s.handleResult)
	mux.HandleFunc("POST /v1/actions/{id}/replay", s.handleReplay)
	mux.HandleFunc("GET /v1/actions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/events", s.handleEventStream)
	mux.HandleFunc("GET /v1/policy/info", s.handlePolicyInfo)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	return mux
}

type submitRequest struct {
	AgentID   string         `json:"agent_id"`
	Tool      string         `json:"tool"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
	Context   map[string]any `json:"context"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidationError(w, "request body is not valid JSON")
		return
	}
	if req.AgentID == "" || req.Tool == "" || req.Operation == "" {
		WriteValidationError(w, "agent_id, tool, and operation are required")
		return
	}

	a, err := s.Coordinator.Submit(r.Context(), req.AgentID, req.Tool, req.Operation, req.Params, req.Context)
	if err != nil {
		if s.Obs != nil {
			s.Obs.RecordError("submit")
		}
		writeCoordinatorError(w, err)
		return
	}
	if s.Obs != nil {
		s.Obs.RecordSubmitted(a.Tool, a.Operation)
		s.Obs.RecordDecision(string(a.Decision), string(a.RiskLevel))
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.Coordinator.Get(r.Context(), id)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}

	if r.URL.Query().Get("examples") == "1" {
		writeJSON(w, http.StatusOK, map[string]any{
			"action":       a,
			"sdk_snippets": sdkSnippets(a),
		})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// sdkSnippets returns copy-pasteable client snippets for resolving a
// pending_approval action, keyed by language. It is a thin, core-side
// convenience — no client SDK ships from this repository.
func sdkSnippets(a *action.Action) map[string]string {
	return map[string]string{
		"curl": fmt.Sprintf(
			`curl -X POST %s/v1/actions/%s/approval -H 'Content-Type: application/json' -d '{"token":"<token>","approve":true}'`,
			"http://localhost:8000", a.ID),
		"python": fmt.Sprintf(
			"requests.post(f\"{base_url}/v1/actions/%s/approval\", json={\"token\": token, \"approve\": True})", a.ID),
		"go": fmt.Sprintf(
			`client.Approve(ctx, %q, token)`, a.ID),
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 50)
	offset := parseIntDefault(q.Get("offset"), 0)

	filters := store.Filters{
		AgentID: q.Get("agent_id"),
		Tool:    q.Get("tool"),
		Status:  action.Status(q.Get("status")),
	}

	items, total, err := s.Coordinator.List(r.Context(), limit, offset, filters)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	sanitized := make([]*action.Action, len(items))
	for i, a := range items {
		cp := *a
		cp.ApprovalToken = ""
		sanitized[i] = &cp
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  sanitized,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

type approvalRequest struct {
	Token   string `json:"token"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidationError(w, "request body is not valid JSON")
		return
	}

	var (
		a   *action.Action
		err error
	)
	if req.Approve {
		a, err = s.Coordinator.Approve(r.Context(), id, req.Token, req.Reason)
	} else {
		a, err = s.Coordinator.Deny(r.Context(), id, req.Token, req.Reason)
	}
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.Coordinator.Start(r.Context(), id)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type resultRequest struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidationError(w, "request body is not valid JSON")
		return
	}

	reasonCode := ""
	if !req.Success {
		reasonCode = "EXECUTION_ERROR"
	}
	a, err := s.Coordinator.RecordResult(r.Context(), id, req.Success, req.Error, reasonCode)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.Coordinator.Replay(r.Context(), id)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.Coordinator.Events(r.Context(), id)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleEventStream serves /v1/events as a Server-Sent Events stream of
// live events across all actions (spec §6). The subscription ends when
// the client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternal(w, fmt.Errorf("api: response writer does not support flushing"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := s.Bus.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(d.Event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", d.Event.EventType)
			if d.Lagged {
				fmt.Fprintf(w, "data: {\"lagged\":true,\"event\":%s}\n\n", payload)
			} else {
				fmt.Fprintf(w, "data: %s\n\n", payload)
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handlePolicyInfo(w http.ResponseWriter, r *http.Request) {
	exists := s.Policy.Exists()
	version := ""
	if exists {
		version = s.Policy.Version()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policy_file":    s.Policy.Path(),
		"exists":         exists,
		"policy_version": version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeCoordinatorError(w http.ResponseWriter, err error) {
	var notExec *coordinator.ActionNotExecutableError
	switch {
	case errors.As(err, &notExec):
		WriteActionNotExecutable(w, string(notExec.Status))
	case errors.Is(err, coordinator.ErrActionNotFound):
		WriteActionNotFound(w)
	case errors.Is(err, coordinator.ErrUnauthorized):
		WriteUnauthorized(w, "invalid or missing approval token")
	case errors.Is(err, coordinator.ErrConflict):
		WriteServiceUnavailable(w, "could not apply the update under concurrent contention, retry")
	case errors.Is(err, context.DeadlineExceeded):
		WriteServiceUnavailable(w, "request timed out")
	default:
		WriteInternal(w, err)
	}
}
