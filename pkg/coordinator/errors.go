package coordinator

import (
	"errors"
	"fmt"

	"github.com/faramesh/faramesh-core/pkg/action"
)

var (
	// ErrActionNotFound mirrors store.ErrNotFound at the Coordinator's
	// boundary so callers don't need to import pkg/store.
	ErrActionNotFound = errors.New("coordinator: action not found")
	// ErrUnauthorized is returned for a missing or invalid approval token.
	ErrUnauthorized = errors.New("coordinator: unauthorized")
	// ErrConflict is returned when the optimistic-lock retry budget is
	// exhausted (N≥3 attempts, spec §4.3).
	ErrConflict = errors.New("coordinator: version conflict, retries exhausted")
)

// ActionNotExecutableError carries the action's current status so HTTP
// callers can reconcile (spec §7: transition errors surface as 400 with
// the current status in the payload).
type ActionNotExecutableError struct {
	Status action.Status
}

func (e *ActionNotExecutableError) Error() string {
	return fmt.Sprintf("coordinator: action not executable from status %q", e.Status)
}

func notExecutable(status action.Status) error {
	return &ActionNotExecutableError{Status: status}
}
