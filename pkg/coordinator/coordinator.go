// Package coordinator implements the Lifecycle Coordinator: the single
// point of state mutation for an action. It consults the Policy Engine,
// mints approval tokens via the Approval Ticket Authority, persists
// every transition through the Action Store under optimistic
// concurrency, and emits audit events via the Event Bus.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/faramesh/faramesh-core/pkg/action"
	"github.com/faramesh/faramesh-core/pkg/canonicalize"
	"github.com/faramesh/faramesh-core/pkg/eventbus"
	"github.com/faramesh/faramesh-core/pkg/observability"
	"github.com/faramesh/faramesh-core/pkg/policy"
	"github.com/faramesh/faramesh-core/pkg/store"
	"github.com/faramesh/faramesh-core/pkg/ticket"
)

// maxRetries bounds the optimistic-transaction retry loop (spec §4.3:
// "up to N times (N≥3); on exhaustion, return Conflict").
const maxRetries = 5

// Executor is the Coordinator's view of the Executor Registry: hand an
// action off for asynchronous execution and receive exactly one report
// back. Implementations must honour timeout and report promptly on
// expiry.
type Executor interface {
	Dispatch(ctx context.Context, a *action.Action, timeout time.Duration, report func(outcome Outcome))
}

// Outcome is what an Executor reports back after attempting an action.
type Outcome struct {
	Success    bool
	Reason     string
	ReasonCode string
}

// Coordinator owns all state transitions of an action.
type Coordinator struct {
	store    store.Store
	policy   *policy.Engine
	bus      *eventbus.Bus
	tickets  *ticket.Authority
	executor Executor

	defaultTimeout time.Duration

	// obs is optional: when nil, the RED-metric hooks below are no-ops.
	// This is the single place in-flight/terminal metrics are recorded,
	// since both the HTTP-reported and executor-reported result paths
	// funnel through RecordResult.
	obs *observability.Provider
}

// New constructs a Coordinator. executor may be nil; Start then falls
// back to the "no executor" behaviour (spec §4.4) for every tool. obs
// may be nil to skip metrics entirely.
func New(st store.Store, pe *policy.Engine, bus *eventbus.Bus, tickets *ticket.Authority, executor Executor, defaultTimeout time.Duration, obs *observability.Provider) *Coordinator {
	return &Coordinator{
		store:          st,
		policy:         pe,
		bus:            bus,
		tickets:        tickets,
		executor:       executor,
		defaultTimeout: defaultTimeout,
		obs:            obs,
	}
}

// Submit creates a new action, evaluates it against the active policy,
// and synchronously advances it from the (never externally observed)
// pending_decision state to its first resting state: allowed, denied,
// or pending_approval.
func (c *Coordinator) Submit(ctx context.Context, agentID, tool, operation string, params, actionCtx map[string]any) (*action.Action, error) {
	if params == nil {
		params = map[string]any{}
	}
	if actionCtx == nil {
		actionCtx = map[string]any{}
	}

	dec, err := c.policy.Evaluate(tool, operation, params, actionCtx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: policy evaluation: %w", err)
	}

	requestHash, err := canonicalize.CanonicalHash(map[string]any{
		"agent_id": agentID, "tool": tool, "operation": operation, "params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: hash request: %w", err)
	}

	now := time.Now().UTC()
	a := &action.Action{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Tool:          tool,
		Operation:     operation,
		Params:        params,
		Context:       actionCtx,
		Decision:      dec.Decision,
		Reason:        dec.Reason,
		RiskLevel:     dec.RiskLevel,
		PolicyVersion: c.policy.Version(),
		RequestHash:   requestHash,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	a.PolicyHash = a.PolicyVersion

	switch dec.Decision {
	case action.DecisionDeny:
		a.Status = action.StatusDenied
	case action.DecisionAllow:
		a.Status = action.StatusAllowed
	default: // require_approval, or allow promoted by high risk
		a.Status = action.StatusPendingApproval
		tok, err := c.tickets.Mint(a.ID)
		if err != nil {
			return nil, fmt.Errorf("coordinator: mint approval token: %w", err)
		}
		a.ApprovalToken = tok
	}

	if err := c.store.CreateAction(ctx, a); err != nil {
		return nil, fmt.Errorf("coordinator: persist new action: %w", err)
	}

	c.bus.Emit(ctx, a.ID, action.EventCreated, nil)
	c.bus.Emit(ctx, a.ID, action.EventDecisionMade, map[string]any{
		"decision": string(a.Decision), "risk_level": string(a.RiskLevel), "reason": a.Reason,
	})

	return a, nil
}

// Approve resolves a pending_approval action as approved, if token is
// valid for it.
func (c *Coordinator) Approve(ctx context.Context, actionID, token, reason string) (*action.Action, error) {
	return c.resolveApproval(ctx, actionID, token, reason, true)
}

// Deny resolves a pending_approval action as denied, if token is valid
// for it.
func (c *Coordinator) Deny(ctx context.Context, actionID, token, reason string) (*action.Action, error) {
	return c.resolveApproval(ctx, actionID, token, reason, false)
}

func (c *Coordinator) resolveApproval(ctx context.Context, actionID, token, reason string, approve bool) (*action.Action, error) {
	return c.transact(ctx, actionID, func(a *action.Action) error {
		if a.Status != action.StatusPendingApproval {
			return notExecutable(a.Status)
		}
		if err := c.tickets.Verify(token, a.ApprovalToken, a.ID); err != nil {
			return ErrUnauthorized
		}

		a.ApprovalToken = ""
		if approve {
			a.Status = action.StatusApproved
			a.Decision = action.DecisionAllow
		} else {
			a.Status = action.StatusDenied
			a.Decision = action.DecisionDeny
		}
		if reason != "" {
			a.Reason = reason
		}
		return nil
	}, func(a *action.Action) {
		if approve {
			c.bus.Emit(ctx, a.ID, action.EventApproved, nil)
		} else {
			c.bus.Emit(ctx, a.ID, action.EventDenied, nil)
		}
	})
}

// Start dispatches an allowed or approved action to the Executor
// Registry and advances it to executing. If the Coordinator has no
// Executor at all, the action is resolved to succeeded with reason_code
// NO_EXECUTOR (spec §4.4) before Start returns — this preserves the
// audit story without inventing a tool that was never registered. With
// an Executor present, Start returns the executing action and the
// outcome (including an Executor's own NO_EXECUTOR report for a tool it
// has no driver for) is recorded asynchronously.
func (c *Coordinator) Start(ctx context.Context, actionID string) (*action.Action, error) {
	started, err := c.transact(ctx, actionID, func(a *action.Action) error {
		if a.Status != action.StatusAllowed && a.Status != action.StatusApproved {
			return notExecutable(a.Status)
		}
		a.Status = action.StatusExecuting
		return nil
	}, func(a *action.Action) {
		c.bus.Emit(ctx, a.ID, action.EventStarted, nil)
	})
	if err != nil {
		return nil, err
	}
	if c.obs != nil {
		c.obs.IncActive()
	}

	if c.executor == nil {
		return c.RecordResult(ctx, actionID, true, "", "NO_EXECUTOR")
	}

	timeout := c.defaultTimeout
	if t, ok := started.Context["timeout"]; ok {
		if secs, ok := toSeconds(t); ok {
			timeout = time.Duration(secs) * time.Second
		}
	}

	go c.executor.Dispatch(context.Background(), started, timeout, func(o Outcome) {
		reasonCode := o.ReasonCode
		if _, err := c.RecordResult(context.Background(), actionID, o.Success, o.Reason, reasonCode); err != nil {
			slog.Error("coordinator: record_result after dispatch failed", "action_id", actionID, "error", err)
		}
	})

	return started, nil
}

func toSeconds(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// RecordResult resolves an executing action to its terminal outcome.
// reasonCode "timeout" resolves to status timeout; any other failure
// resolves to status failed; success resolves to status succeeded.
func (c *Coordinator) RecordResult(ctx context.Context, actionID string, success bool, reason, reasonCode string) (*action.Action, error) {
	return c.transact(ctx, actionID, func(a *action.Action) error {
		if a.Status != action.StatusExecuting {
			return notExecutable(a.Status)
		}
		switch {
		case success:
			a.Status = action.StatusSucceeded
		case reasonCode == "timeout":
			a.Status = action.StatusTimeout
		default:
			a.Status = action.StatusFailed
		}
		a.Reason = reason
		a.ReasonCode = reasonCode
		if success {
			a.Outcome = "success"
		} else {
			a.Outcome = "failure"
		}
		return nil
	}, func(a *action.Action) {
		switch a.Status {
		case action.StatusSucceeded:
			c.bus.Emit(ctx, a.ID, action.EventSucceeded, map[string]any{"reason_code": reasonCode})
		case action.StatusTimeout:
			c.bus.Emit(ctx, a.ID, action.EventTimeout, map[string]any{"reason": reason})
		default:
			c.bus.Emit(ctx, a.ID, action.EventFailed, map[string]any{"reason": reason})
		}
		if c.obs != nil {
			c.obs.DecActive()
			c.obs.RecordTerminal(a.Tool, string(a.Status), a.UpdatedAt.Sub(a.CreatedAt))
		}
	})
}

// Replay submits a new action with the same (agent_id, tool, operation,
// params) as the original, merging the original context in full and
// adding replayed_from/replay. Only an action that reached allowed,
// approved, or succeeded may be replayed; anything else (denied,
// pending_approval, executing, failed, timeout) is rejected the same
// way an illegal lifecycle transition is.
func (c *Coordinator) Replay(ctx context.Context, actionID string) (*action.Action, error) {
	orig, err := c.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, translateStoreErr(err)
	}

	switch orig.Status {
	case action.StatusAllowed, action.StatusApproved, action.StatusSucceeded:
	default:
		return nil, notExecutable(orig.Status)
	}

	newCtx := make(map[string]any, len(orig.Context)+2)
	for k, v := range orig.Context {
		newCtx[k] = v
	}
	newCtx["replayed_from"] = actionID
	newCtx["replay"] = true

	return c.Submit(ctx, orig.AgentID, orig.Tool, orig.Operation, orig.Params, newCtx)
}

// Get returns the current state of an action.
func (c *Coordinator) Get(ctx context.Context, actionID string) (*action.Action, error) {
	a, err := c.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	return a, nil
}

// List returns actions matching filters.
func (c *Coordinator) List(ctx context.Context, limit, offset int, filters store.Filters) ([]*action.Action, int, error) {
	items, err := c.store.ListActions(ctx, limit, offset, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("coordinator: list actions: %w", err)
	}
	total, err := c.store.CountActions(ctx, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("coordinator: count actions: %w", err)
	}
	return items, total, nil
}

// Events returns the ordered audit trail for an action.
func (c *Coordinator) Events(ctx context.Context, actionID string) ([]*action.Event, error) {
	if _, err := c.store.GetAction(ctx, actionID); err != nil {
		return nil, translateStoreErr(err)
	}
	events, err := c.store.GetEvents(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: get events: %w", err)
	}
	return events, nil
}

// transact implements the optimistic-transaction protocol shared by
// every mutating operation: read, validate, mutate locally, CAS write,
// retry on conflict up to maxRetries, emit the side-effecting event
// only after the write actually lands.
func (c *Coordinator) transact(ctx context.Context, actionID string, mutate func(a *action.Action) error, onSuccess func(a *action.Action)) (*action.Action, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		current, err := c.store.GetAction(ctx, actionID)
		if err != nil {
			return nil, translateStoreErr(err)
		}
		if current.Status.Terminal() {
			return nil, notExecutable(current.Status)
		}

		expectedVersion := current.Version
		if err := mutate(current); err != nil {
			return nil, err
		}
		current.UpdatedAt = time.Now().UTC()

		ok, err := c.store.UpdateAction(ctx, current, expectedVersion)
		if err != nil {
			return nil, translateStoreErr(err)
		}
		if !ok {
			continue // lost the race, re-read and retry
		}

		onSuccess(current)
		return current, nil
	}
	return nil, ErrConflict
}

func translateStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrActionNotFound
	}
	return err
}
