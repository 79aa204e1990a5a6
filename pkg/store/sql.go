package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/faramesh/faramesh-core/pkg/action"
)

// dialect distinguishes the two SQL backends the spec requires behind
// one Store interface: an embedded single-file database and a networked
// one. Query text is written once using "?" placeholders and rebound
// per dialect, following the sqlx convention rather than hand-duplicating
// every query string.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// DialectPostgres is exported only for tests that need to exercise the
// Postgres placeholder-rebind path against a mocked *sql.DB.
const DialectPostgres = dialectPostgres

// NewSQLStoreForTest builds a store around an already-open *sql.DB
// (typically a go-sqlmock connection) without running migrations,
// so unit tests can assert on exact query/exec expectations.
func NewSQLStoreForTest(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

// SQLStore implements Store over database/sql. It works unmodified
// against either modernc.org/sqlite or lib/pq, selected at construction
// time by dialect.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLiteStore opens (creating if absent) an embedded SQLite database
// at path and runs schema migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite has a single writer; serialize access through one connection
	// so concurrent handlers don't hit SQLITE_BUSY under write contention.
	db.SetMaxOpenConns(1)
	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore connects to a networked Postgres instance and runs
// schema migrations. Callers are expected to fall back to
// NewSQLiteStore if this returns an error at boot (spec requirement:
// never fail to start for storage reasons alone).
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres unreachable: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// rebind rewrites "?" placeholders into "$1", "$2", ... for Postgres;
// SQLite queries pass through unchanged.
func (s *SQLStore) rebind(query string) string {
	if s.dialect == dialectSQLite {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

const actionsSchema = `
CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	tool TEXT NOT NULL,
	operation TEXT NOT NULL,
	params TEXT NOT NULL,
	context TEXT NOT NULL,
	decision TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	risk_level TEXT NOT NULL,
	approval_token TEXT,
	policy_version TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	outcome TEXT,
	reason_code TEXT,
	reason_details TEXT,
	request_hash TEXT,
	policy_hash TEXT,
	runtime_version TEXT,
	profile_id TEXT,
	profile_version TEXT,
	profile_hash TEXT,
	provenance_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_actions_created_at ON actions (created_at);
CREATE INDEX IF NOT EXISTS idx_actions_agent_tool_op ON actions (agent_id, tool, operation);
CREATE INDEX IF NOT EXISTS idx_actions_status ON actions (status);

CREATE TABLE IF NOT EXISTS action_events (
	id TEXT PRIMARY KEY,
	action_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	meta TEXT,
	created_at TIMESTAMP NOT NULL,
	prev_hash TEXT,
	record_hash TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_action_id ON action_events (action_id);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON action_events (created_at);
`

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := strings.Split(actionsSchema, ";\n")
	for _, stmt := range stmts {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) CreateAction(ctx context.Context, a *action.Action) error {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("store: marshal params: %w", err)
	}
	actx, err := json.Marshal(a.Context)
	if err != nil {
		return fmt.Errorf("store: marshal context: %w", err)
	}

	if a.Version == 0 {
		a.Version = 1
	}

	_, err = s.exec(ctx, `
		INSERT INTO actions (
			id, agent_id, tool, operation, params, context, decision, status,
			reason, risk_level, approval_token, policy_version, created_at,
			updated_at, version, outcome, reason_code, reason_details,
			request_hash, policy_hash, runtime_version, profile_id,
			profile_version, profile_hash, provenance_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.AgentID, a.Tool, a.Operation, string(params), string(actx),
		string(a.Decision), string(a.Status), a.Reason, string(a.RiskLevel),
		nullable(a.ApprovalToken), a.PolicyVersion, a.CreatedAt, a.UpdatedAt, a.Version,
		nullable(a.Outcome), nullable(a.ReasonCode), nullable(a.ReasonDetails),
		nullable(a.RequestHash), nullable(a.PolicyHash), nullable(a.RuntimeVersion),
		nullable(a.ProfileID), nullable(a.ProfileVersion), nullable(a.ProfileHash),
		nullable(a.ProvenanceID),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("store: create action: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateAction(ctx context.Context, a *action.Action, expectedVersion int64) (bool, error) {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return false, fmt.Errorf("store: marshal params: %w", err)
	}
	actx, err := json.Marshal(a.Context)
	if err != nil {
		return false, fmt.Errorf("store: marshal context: %w", err)
	}

	newVersion := expectedVersion + 1

	res, err := s.exec(ctx, `
		UPDATE actions SET
			decision = ?, status = ?, reason = ?, risk_level = ?,
			approval_token = ?, policy_version = ?, params = ?, context = ?,
			updated_at = ?, version = ?,
			outcome = ?, reason_code = ?, reason_details = ?, request_hash = ?,
			policy_hash = ?, runtime_version = ?, profile_id = ?,
			profile_version = ?, profile_hash = ?, provenance_id = ?
		WHERE id = ? AND version = ?
	`,
		string(a.Decision), string(a.Status), a.Reason, string(a.RiskLevel),
		nullable(a.ApprovalToken), a.PolicyVersion, string(params), string(actx),
		a.UpdatedAt, newVersion,
		nullable(a.Outcome), nullable(a.ReasonCode), nullable(a.ReasonDetails),
		nullable(a.RequestHash), nullable(a.PolicyHash), nullable(a.RuntimeVersion),
		nullable(a.ProfileID), nullable(a.ProfileVersion), nullable(a.ProfileHash),
		nullable(a.ProvenanceID),
		a.ID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("store: update action: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: update action rows affected: %w", err)
	}
	if rows == 0 {
		// Either the id doesn't exist, or the version didn't match.
		// Disambiguate with a cheap existence check so callers can tell
		// ErrNotFound apart from an ordinary CAS miss.
		if _, getErr := s.GetAction(ctx, a.ID); errors.Is(getErr, ErrNotFound) {
			return false, ErrNotFound
		}
		return false, nil
	}
	a.Version = newVersion
	return true, nil
}

const actionColumns = `
	id, agent_id, tool, operation, params, context, decision, status,
	reason, risk_level, approval_token, policy_version, created_at,
	updated_at, version, outcome, reason_code, reason_details,
	request_hash, policy_hash, runtime_version, profile_id,
	profile_version, profile_hash, provenance_id
`

func (s *SQLStore) GetAction(ctx context.Context, id string) (*action.Action, error) {
	row := s.queryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get action: %w", err)
	}
	return a, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAction(row scannable) (*action.Action, error) {
	var (
		a                                                     action.Action
		decision, status, risk                                string
		paramsJSON, contextJSON                                string
		approvalToken, outcome, reasonCode, reasonDetails      sql.NullString
		requestHash, policyHash, runtimeVersion                sql.NullString
		profileID, profileVersion, profileHash, provenanceID   sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.AgentID, &a.Tool, &a.Operation, &paramsJSON, &contextJSON,
		&decision, &status, &a.Reason, &risk, &approvalToken, &a.PolicyVersion,
		&a.CreatedAt, &a.UpdatedAt, &a.Version,
		&outcome, &reasonCode, &reasonDetails, &requestHash, &policyHash,
		&runtimeVersion, &profileID, &profileVersion, &profileHash, &provenanceID,
	)
	if err != nil {
		return nil, err
	}

	a.Decision = action.Decision(decision)
	a.Status = action.Status(status)
	a.RiskLevel = action.RiskLevel(risk)
	a.ApprovalToken = approvalToken.String
	a.Outcome = outcome.String
	a.ReasonCode = reasonCode.String
	a.ReasonDetails = reasonDetails.String
	a.RequestHash = requestHash.String
	a.PolicyHash = policyHash.String
	a.RuntimeVersion = runtimeVersion.String
	a.ProfileID = profileID.String
	a.ProfileVersion = profileVersion.String
	a.ProfileHash = profileHash.String
	a.ProvenanceID = provenanceID.String

	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &a.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &a.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return &a, nil
}

func (s *SQLStore) ListActions(ctx context.Context, limit, offset int, filters Filters) ([]*action.Action, error) {
	where, args := filters.clause()
	q := `SELECT ` + actionColumns + ` FROM actions` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list actions: %w", err)
	}
	defer rows.Close()

	var out []*action.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountActions(ctx context.Context, filters Filters) (int, error) {
	where, args := filters.clause()
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM actions`+where, args...)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count actions: %w", err)
	}
	return n, nil
}

func (f Filters) clause() (string, []any) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Tool != "" {
		clauses = append(clauses, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLStore) AppendEvent(ctx context.Context, e *action.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("store: marshal event meta: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO action_events (id, action_id, event_type, meta, created_at, prev_hash, record_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ActionID, string(e.EventType), string(meta), e.CreatedAt,
		nullable(e.PrevHash), nullable(e.RecordHash))
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

func (s *SQLStore) GetEvents(ctx context.Context, actionID string) ([]*action.Event, error) {
	rows, err := s.query(ctx, `
		SELECT id, action_id, event_type, meta, created_at, prev_hash, record_hash
		FROM action_events WHERE action_id = ? ORDER BY created_at ASC
	`, actionID)
	if err != nil {
		return nil, fmt.Errorf("store: get events: %w", err)
	}
	defer rows.Close()

	var out []*action.Event
	for rows.Next() {
		var e action.Event
		var metaJSON sql.NullString
		var prevHash, recordHash sql.NullString
		if err := rows.Scan(&e.ID, &e.ActionID, &e.EventType, &metaJSON, &e.CreatedAt, &prevHash, &recordHash); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &e.Meta); err != nil {
				return nil, fmt.Errorf("store: unmarshal event meta: %w", err)
			}
		}
		e.PrevHash = prevHash.String
		e.RecordHash = recordHash.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
