package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// ShellDriver is the bundled reference executor for the "shell" tool —
// a collaborator, not core (spec §4.4). It runs params["cmd"] through
// the system shell and reports stdout as the success reason or a
// stderr excerpt as the failure reason.
type ShellDriver struct {
	// Shell is the interpreter invoked with "-c <cmd>"; defaults to
	// "/bin/sh" when empty.
	Shell string
}

// NewShellDriver constructs a ShellDriver using /bin/sh.
func NewShellDriver() *ShellDriver {
	return &ShellDriver{Shell: "/bin/sh"}
}

// Execute implements ToolDriver. The per-action timeout is enforced by
// the Registry via ctx; Execute only needs to honour ctx cancellation,
// which exec.CommandContext does by killing the process.
func (s *ShellDriver) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	cmdStr, _ := params["cmd"].(string)
	if cmdStr == "" {
		return nil, fmt.Errorf("shell: missing cmd")
	}

	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", cmdStr)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		excerpt := stderr.String()
		if excerpt == "" {
			excerpt = err.Error()
		}
		return nil, fmt.Errorf("%s", excerpt)
	}

	out := stdout.String()
	if out == "" {
		out = "ok"
	}
	return out, nil
}
