// Command governor runs the Execution Governor HTTP server: it wires
// the Action Store, Policy Engine, Event Bus, Ticket Authority, and
// Executor Registry into a Coordinator and serves the wire contract.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/faramesh/faramesh-core/pkg/api"
	"github.com/faramesh/faramesh-core/pkg/auth"
	"github.com/faramesh/faramesh-core/pkg/config"
	"github.com/faramesh/faramesh-core/pkg/coordinator"
	"github.com/faramesh/faramesh-core/pkg/eventbus"
	"github.com/faramesh/faramesh-core/pkg/executor"
	"github.com/faramesh/faramesh-core/pkg/observability"
	"github.com/faramesh/faramesh-core/pkg/policy"
	"github.com/faramesh/faramesh-core/pkg/store"
	"github.com/faramesh/faramesh-core/pkg/ticket"
)

func main() {
	os.Exit(run())
}

func run() int {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Fprintln(os.Stdout, "governor 0.1.0")
		return 0
	}

	cfg := config.Load()
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := store.BackendSQLite
	if cfg.DBBackend == config.BackendPostgres {
		backend = store.BackendPostgres
	}
	st, err := store.Open(ctx, backend, cfg.PostgresDSN, cfg.SQLitePath)
	if err != nil {
		logger.Error("governor: failed to open action store", "error", err)
		return 1
	}
	defer st.Close()

	policyEngine, err := policy.NewEngine(cfg.PolicyFile)
	if err != nil {
		logger.Error("governor: failed to load policy", "path", cfg.PolicyFile, "error", err)
		return 1
	}

	var publisher eventbus.Publisher
	if cfg.RedisAddr != "" {
		rp := eventbus.NewRedisPublisher(cfg.RedisAddr)
		defer rp.Close()
		publisher = rp
		logger.Info("governor: redis event fan-out enabled", "addr", cfg.RedisAddr)
	}
	bus := eventbus.New(st, true, publisher)

	tickets, err := ticket.NewAuthority([]byte(cfg.TicketSigningKey))
	if err != nil {
		logger.Error("governor: failed to init ticket authority", "error", err)
		return 1
	}

	registry := executor.NewRegistry()
	if cfg.ShellEnabled {
		registry.Register("shell", executor.NewShellDriver())
	}
	for tool, cmd := range cfg.MCPTools {
		client := executor.NewStdioMCPClient(cmd)
		registry.Register(tool, executor.NewMCPDriver(client))
		logger.Info("governor: mcp driver registered", "tool", tool, "command", cmd)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "governor",
		Environment:  envOrDefault(),
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     true,
	})
	if err != nil {
		logger.Error("governor: failed to init observability", "error", err)
		return 1
	}
	defer obs.Shutdown(context.Background())

	coord := coordinator.New(st, policyEngine, bus, tickets, registry, cfg.ActionTimeout, obs)

	if cfg.Demo {
		seedDemoActions(ctx, coord, logger)
	}

	srv := &api.Server{Coordinator: coord, Bus: bus, Policy: policyEngine, StartedAt: time.Now(), Obs: obs}
	mux := srv.Routes()
	mux.Handle("/metrics", obs.MetricsHandler())

	var handler http.Handler = mux
	handler = auth.RequestIDMiddleware(handler)
	handler = auth.BearerMiddleware(cfg.AuthTokens)(handler)
	if cfg.EnableCORS {
		handler = auth.CORSMiddleware(nil)(handler)
	}
	handler = api.NewGlobalRateLimiter(50, 100).Middleware(handler)

	addr := cfg.APIHost + ":" + cfg.APIPort
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("governor: listening", "addr", addr, "backend", cfg.DBBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("governor: shutting down")
	case err := <-serverErr:
		logger.Error("governor: server error", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("governor: graceful shutdown failed", "error", err)
		return 1
	}
	return 0
}

func envOrDefault() string {
	if v := os.Getenv("FARA_ENVIRONMENT"); v != "" {
		return v
	}
	return "development"
}

// seedDemoActions populates empty storage with a handful of example
// actions spanning each decision outcome, so a fresh deployment has
// something to look at immediately.
func seedDemoActions(ctx context.Context, coord *coordinator.Coordinator, logger *slog.Logger) {
	_, total, err := coord.List(ctx, 1, 0, store.Filters{})
	if err != nil {
		logger.Warn("governor: demo seed check failed", "error", err)
		return
	}
	if total > 0 {
		return
	}

	seeds := []struct {
		agent, tool, op string
		params          map[string]any
	}{
		{"demo-agent", "http", "get", map[string]any{"url": "https://example.com/status"}},
		{"demo-agent", "payments", "refund", map[string]any{"amount": 50}},
		{"demo-agent", "payments", "refund", map[string]any{"amount": 1500}},
		{"demo-agent", "shell", "run", map[string]any{"cmd": "ls -la"}},
		{"demo-agent", "shell", "run", map[string]any{"cmd": "rm -rf /tmp/demo"}},
	}

	for _, s := range seeds {
		if _, err := coord.Submit(ctx, s.agent, s.tool, s.op, s.params, nil); err != nil {
			logger.Warn("governor: demo seed submit failed", "tool", s.tool, "error", err)
		}
	}
	logger.Info("governor: seeded demo actions", "count", len(seeds))
}
