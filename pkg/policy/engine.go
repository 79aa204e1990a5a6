package policy

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Engine holds the currently active Policy behind an atomic pointer so
// reload can swap it in without a lock on the evaluation hot path.
type Engine struct {
	current atomic.Pointer[Policy]
	path    string
}

// NewEngine constructs an Engine from a policy file on disk.
func NewEngine(path string) (*Engine, error) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	e := &Engine{path: path}
	e.current.Store(p)
	return e, nil
}

// Reload re-reads the policy file from disk and atomically swaps the
// active Policy. Reloading identical content yields the same version,
// since version is a pure function of the source bytes.
func (e *Engine) Reload() error {
	p, err := LoadFile(e.path)
	if err != nil {
		return err
	}
	e.current.Store(p)
	return nil
}

// Path returns the configured policy file path.
func (e *Engine) Path() string { return e.path }

// Version returns the active policy's content-hash version.
func (e *Engine) Version() string {
	p := e.current.Load()
	if p == nil {
		return ""
	}
	return p.Version()
}

// Exists reports whether the configured policy file is present on disk.
func (e *Engine) Exists() bool {
	_, err := os.Stat(e.path)
	return err == nil
}

// Evaluate delegates to the currently active Policy.
func (e *Engine) Evaluate(tool, op string, params, ctx map[string]any) (Decision, error) {
	p := e.current.Load()
	if p == nil {
		return Decision{}, fmt.Errorf("policy: engine has no loaded policy")
	}
	return p.Evaluate(tool, op, params, ctx)
}
