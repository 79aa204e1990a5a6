// Package executor implements the Executor Registry: it dispatches an
// action whose status is transitioning to executing to a registered
// ToolDriver keyed by tool, honours a per-action timeout, and reports
// exactly one outcome back to the caller.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/faramesh/faramesh-core/pkg/action"
	"github.com/faramesh/faramesh-core/pkg/coordinator"
)

// Registry dispatches actions to drivers registered per tool name. It
// satisfies coordinator.Executor.
type Registry struct {
	drivers map[string]ToolDriver
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]ToolDriver)}
}

// Register binds a driver to a tool name. Registering the same tool
// twice replaces the previous driver.
func (r *Registry) Register(tool string, d ToolDriver) {
	r.drivers[tool] = d
}

// Dispatch implements coordinator.Executor. It runs the matching
// driver on its own goroutine, honouring timeout, and calls report
// exactly once.
//
// The Coordinator resolves the "no executor" case itself only when it
// has no Executor at all; with a Registry wired in, Dispatch is called
// for every tool, and for a tool with no registered driver it reports
// success with reason code NO_EXECUTOR.
func (r *Registry) Dispatch(ctx context.Context, a *action.Action, timeout time.Duration, report func(coordinator.Outcome)) {
	d, ok := r.drivers[a.Tool]
	if !ok {
		report(coordinator.Outcome{Success: true, ReasonCode: "NO_EXECUTOR"})
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := d.Execute(runCtx, a.Operation, a.Params)
		done <- result{out: out, err: err}
	}()

	select {
	case <-runCtx.Done():
		report(coordinator.Outcome{
			Success:    false,
			Reason:     fmt.Sprintf("timed out after %s", timeout),
			ReasonCode: "timeout",
		})
	case res := <-done:
		if res.err != nil {
			report(coordinator.Outcome{Success: false, Reason: res.err.Error(), ReasonCode: "EXECUTION_ERROR"})
			return
		}
		report(coordinator.Outcome{Success: true, Reason: fmt.Sprint(res.out)})
	}
}
