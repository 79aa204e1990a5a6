package store

import (
	"context"
	"log/slog"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Backend identifies which SQL dialect to open.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Open opens the configured backend. When backend is Postgres and the
// connection cannot be established, it falls back to the embedded
// SQLite backend with a warning rather than failing to boot — storage
// reachability alone must never crash the process at startup.
func Open(ctx context.Context, backend Backend, postgresDSN, sqlitePath string) (Store, error) {
	if backend == BackendPostgres {
		s, err := NewPostgresStore(ctx, postgresDSN)
		if err == nil {
			return s, nil
		}
		slog.Warn("store: postgres unreachable at startup, falling back to embedded sqlite",
			"error", err, "sqlite_path", sqlitePath)
	}
	return NewSQLiteStore(ctx, sqlitePath)
}
