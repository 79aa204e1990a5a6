// Package store implements durable, transactional persistence for
// actions and their audit events, behind a single Store interface that
// both the embedded (SQLite) and networked (Postgres) backends satisfy.
package store

import (
	"context"
	"errors"

	"github.com/faramesh/faramesh-core/pkg/action"
)

var (
	// ErrNotFound is returned when an action id has no matching row.
	ErrNotFound = errors.New("store: action not found")
	// ErrDuplicateID is returned by CreateAction when the id already exists.
	ErrDuplicateID = errors.New("store: action id already exists")
	// ErrConflict names a version conflict. UpdateAction does not return
	// it: a version mismatch is reported as (false, nil).
	ErrConflict = errors.New("store: version conflict")
)

// Filters narrows ListActions/CountActions. Zero-valued fields are
// unconstrained.
type Filters struct {
	AgentID string
	Tool    string
	Status  action.Status
}

// Store is the persistence contract both backends satisfy. No component
// other than the Lifecycle Coordinator (and, for events, the Event Bus)
// may call it directly.
type Store interface {
	// CreateAction inserts a new action row. Returns ErrDuplicateID if
	// action.ID already exists.
	CreateAction(ctx context.Context, a *action.Action) error

	// UpdateAction writes a back the full action, but only if the
	// currently stored version equals expectedVersion. On success the
	// stored version is incremented and true is returned; on a version
	// mismatch it returns (false, nil) so the caller can re-read and
	// retry. Returns ErrNotFound if the id does not exist.
	UpdateAction(ctx context.Context, a *action.Action, expectedVersion int64) (bool, error)

	// GetAction returns the current row for id, or ErrNotFound.
	GetAction(ctx context.Context, id string) (*action.Action, error)

	// ListActions returns actions matching filters, newest first.
	ListActions(ctx context.Context, limit, offset int, filters Filters) ([]*action.Action, error)

	// CountActions returns the total row count matching filters
	// (ignoring limit/offset), for pagination metadata.
	CountActions(ctx context.Context, filters Filters) (int, error)

	// AppendEvent inserts one audit event. Failures are expected to be
	// logged and swallowed by the caller (the Event Bus); the Store
	// itself just reports the error.
	AppendEvent(ctx context.Context, e *action.Event) error

	// GetEvents returns all events for actionID, oldest first.
	GetEvents(ctx context.Context, actionID string) ([]*action.Event, error)

	// Close releases any underlying resources (connection pool, etc).
	Close() error
}
