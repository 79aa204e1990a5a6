package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faramesh/faramesh-core/pkg/action"
	"github.com/faramesh/faramesh-core/pkg/coordinator"
	"github.com/faramesh/faramesh-core/pkg/executor"
)

func TestRegistry_NoExecutorRegistered(t *testing.T) {
	r := executor.NewRegistry()
	a := &action.Action{Tool: "stripe", Operation: "refund"}

	outcomes := make(chan coordinator.Outcome, 1)
	r.Dispatch(context.Background(), a, time.Second, func(o coordinator.Outcome) { outcomes <- o })

	o := <-outcomes
	assert.True(t, o.Success)
	assert.Equal(t, "NO_EXECUTOR", o.ReasonCode)
}

func TestRegistry_ShellSuccess(t *testing.T) {
	r := executor.NewRegistry()
	r.Register("shell", executor.NewShellDriver())

	a := &action.Action{Tool: "shell", Operation: "run", Params: map[string]any{"cmd": "echo hi"}}
	outcomes := make(chan coordinator.Outcome, 1)
	r.Dispatch(context.Background(), a, 5*time.Second, func(o coordinator.Outcome) { outcomes <- o })

	o := <-outcomes
	require.True(t, o.Success)
}

func TestRegistry_ShellTimeout(t *testing.T) {
	r := executor.NewRegistry()
	r.Register("shell", executor.NewShellDriver())

	a := &action.Action{Tool: "shell", Operation: "run", Params: map[string]any{"cmd": "sleep 5"}}
	outcomes := make(chan coordinator.Outcome, 1)
	r.Dispatch(context.Background(), a, 50*time.Millisecond, func(o coordinator.Outcome) { outcomes <- o })

	o := <-outcomes
	assert.False(t, o.Success)
	assert.Equal(t, "timeout", o.ReasonCode)
}

func TestRegistry_MCPDriverDispatch(t *testing.T) {
	client := executor.NewStdioMCPClient("/bin/echo", "mcp-ok")
	r := executor.NewRegistry()
	r.Register("notion", executor.NewMCPDriver(client))

	a := &action.Action{Tool: "notion", Operation: "create_page", Params: map[string]any{"title": "x"}}
	outcomes := make(chan coordinator.Outcome, 1)
	r.Dispatch(context.Background(), a, 5*time.Second, func(o coordinator.Outcome) { outcomes <- o })

	o := <-outcomes
	require.True(t, o.Success)
}

func TestRegistry_MCPDriverTimeoutKillsProcess(t *testing.T) {
	client := executor.NewStdioMCPClient("/bin/sleep", "5")
	r := executor.NewRegistry()
	r.Register("notion", executor.NewMCPDriver(client))

	a := &action.Action{Tool: "notion", Operation: "create_page", Params: map[string]any{"title": "x"}}
	outcomes := make(chan coordinator.Outcome, 1)
	start := time.Now()
	r.Dispatch(context.Background(), a, 50*time.Millisecond, func(o coordinator.Outcome) { outcomes <- o })

	o := <-outcomes
	assert.False(t, o.Success)
	assert.Equal(t, "timeout", o.ReasonCode)
	assert.Less(t, time.Since(start), 4*time.Second, "subprocess should be killed at context deadline, not run to completion")
}

func TestRegistry_ShellFailure(t *testing.T) {
	r := executor.NewRegistry()
	r.Register("shell", executor.NewShellDriver())

	a := &action.Action{Tool: "shell", Operation: "run", Params: map[string]any{"cmd": "exit 1"}}
	outcomes := make(chan coordinator.Outcome, 1)
	r.Dispatch(context.Background(), a, 5*time.Second, func(o coordinator.Outcome) { outcomes <- o })

	o := <-outcomes
	assert.False(t, o.Success)
}
