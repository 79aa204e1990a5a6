package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faramesh/faramesh-core/pkg/action"
	"github.com/faramesh/faramesh-core/pkg/store"
)

// TestSQLStore_PostgresRebind exercises the "?" -> "$N" placeholder
// rewriting against a mocked Postgres connection, without a live
// database, mirroring how the SQLLedger tests stub database/sql.
func TestSQLStore_PostgresRebind(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewSQLStoreForTest(db, store.DialectPostgres)
	ctx := context.Background()
	now := time.Now().UTC()

	a := &action.Action{
		ID: "pg-1", AgentID: "agent-1", Tool: "http", Operation: "get",
		Params: map[string]any{}, Context: map[string]any{},
		Decision: action.DecisionAllow, Status: action.StatusAllowed,
		RiskLevel: action.RiskLow, CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO actions`).WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.CreateAction(ctx, a)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
