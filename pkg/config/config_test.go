package config_test

import (
	"testing"

	"github.com/faramesh/faramesh-core/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"FARA_DB_BACKEND", "FARA_SQLITE_PATH", "FARA_POSTGRES_DSN",
		"FARA_POLICY_FILE", "FARA_AUTH_TOKEN", "FARA_API_HOST", "FARA_API_PORT",
		"FARA_API_BASE", "FARA_ACTION_TIMEOUT", "FARA_ENABLE_CORS", "FARA_DEMO",
		"FARA_REDIS_ADDR", "FARA_OTLP_ENDPOINT",
	} {
		t.Setenv(k, "")
	}

	cfg := config.Load()

	assert.Equal(t, config.BackendSQLite, cfg.DBBackend)
	assert.Equal(t, "data/actions.db", cfg.SQLitePath)
	assert.Equal(t, "policies/default.yaml", cfg.PolicyFile)
	assert.Empty(t, cfg.AuthTokens)
	assert.False(t, cfg.EnableCORS)
	assert.False(t, cfg.Demo)
	assert.Equal(t, int64(300*1e9), cfg.ActionTimeout.Nanoseconds())
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values, including multi-token auth parsing.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("FARA_DB_BACKEND", "postgres")
	t.Setenv("FARA_POSTGRES_DSN", "postgres://prod:5432/db")
	t.Setenv("FARA_POLICY_FILE", "/etc/governor/policy.yaml")
	t.Setenv("FARA_AUTH_TOKEN", "tok-a, tok-b ,tok-c")
	t.Setenv("FARA_API_HOST", "127.0.0.1")
	t.Setenv("FARA_API_PORT", "9090")
	t.Setenv("FARA_ACTION_TIMEOUT", "45")
	t.Setenv("FARA_ENABLE_CORS", "true")
	t.Setenv("FARA_DEMO", "1")

	cfg := config.Load()

	assert.Equal(t, config.BackendPostgres, cfg.DBBackend)
	assert.Equal(t, "postgres://prod:5432/db", cfg.PostgresDSN)
	assert.Equal(t, "/etc/governor/policy.yaml", cfg.PolicyFile)
	assert.Equal(t, []string{"tok-a", "tok-b", "tok-c"}, cfg.AuthTokens)
	assert.Equal(t, "http://127.0.0.1:9090", cfg.APIBase)
	assert.Equal(t, int64(45*1e9), cfg.ActionTimeout.Nanoseconds())
	assert.True(t, cfg.EnableCORS)
	assert.True(t, cfg.Demo)
}
