package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/tagflow/bus"
	"github.com/petal-labs/tagflow/config"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/journal"
	"github.com/petal-labs/tagflow/nodes"
	tfotel "github.com/petal-labs/tagflow/otel"
	"github.com/petal-labs/tagflow/script"
	"github.com/petal-labs/tagflow/server"
	"github.com/petal-labs/tagflow/session"
	"github.com/petal-labs/tagflow/store"
	"github.com/petal-labs/tagflow/tags"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tagflow HTTP API and session runtime",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to tagflow.yaml (default: discovered)")
	cmd.Flags().String("env-file", "", "Path to a .env file (default: discovered)")
	cmd.Flags().String("addr", "", "Listen address (overrides HTTP_ADDR)")
	cmd.Flags().String("sqlite", "", "SQLite DSN (overrides SQLITE_DSN; empty keeps state in memory)")
	cmd.Flags().String("redis", "", "Redis address for the tag backend (overrides REDIS_ADDR)")
	cmd.Flags().String("log-format", "", "Log format: text | json (overrides LOG_FORMAT)")
	cmd.Flags().String("log-level", "", "Log level: debug | info | warn | error (overrides LOG_LEVEL)")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	return cmd
}

// serveConfig loads the process configuration and applies flag overrides.
func serveConfig(cmd *cobra.Command) (config.Config, error) {
	var opts []config.LoaderOption
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		opts = append(opts, config.WithConfigFile(p))
	}
	if p, _ := cmd.Flags().GetString("env-file"); p != "" {
		opts = append(opts, config.WithEnvFile(p))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return config.Config{}, err
	}
	overrides := map[string]*string{
		"addr":       &cfg.HTTPAddr,
		"sqlite":     &cfg.SQLiteDSN,
		"redis":      &cfg.RedisAddr,
		"log-format": &cfg.LogFormat,
		"log-level":  &cfg.LogLevel,
	}
	for flag, dst := range overrides {
		if cmd.Flags().Changed(flag) {
			*dst, _ = cmd.Flags().GetString(flag)
		}
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.SQLiteDSN == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(store.SQLiteConfig{DSN: cfg.SQLiteDSN})
}

func openProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (tags.Provider, func() error, error) {
	if cfg.RedisAddr == "" {
		return tags.NewMemProvider(tags.MemProviderConfig{}), func() error { return nil }, nil
	}
	p, err := tags.NewRedisProvider(ctx, tags.RedisConfig{Addr: cfg.RedisAddr, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := serveConfig(cmd)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	logger := newLogger(cmd.ErrOrStderr(), cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return exitError(exitRuntime, "opening store: %v", err)
	}
	defer func() {
		_ = st.Close()
	}()
	flows := store.NewFlowRepo(st, graph.FlowDefaults{
		ScanRateMs:        cfg.ScanDefaultMs,
		LogsRetentionDays: cfg.LogRetentionDefaultDays,
	}, nil)

	logBus := bus.NewMemBus(bus.MemBusConfig{})
	defer func() {
		_ = logBus.Close()
	}()

	j, err := journal.New(journal.Config{
		Log: st,
		Bus: logBus,
		Settings: func(ctx context.Context, flowID string) journal.FlowSettings {
			f, err := flows.Get(ctx, flowID)
			if err != nil {
				return journal.FlowSettings{LogsEnabled: true, RetentionDays: cfg.LogRetentionDefaultDays}
			}
			return journal.FlowSettings{LogsEnabled: f.LogsEnabled, RetentionDays: f.LogsRetentionDays}
		},
		DefaultRetentionDays: cfg.LogRetentionDefaultDays,
		QueueSize:            cfg.JournalQueueSize,
		RetentionSchedule:    cfg.RetentionSchedule,
		Logger:               logger,
	})
	if err != nil {
		return exitError(exitConfig, "creating journal: %v", err)
	}
	if err := j.Start(); err != nil {
		return exitError(exitRuntime, "starting journal: %v", err)
	}

	provider, closeProvider, err := openProvider(ctx, cfg, logger)
	if err != nil {
		return exitError(exitRuntime, "connecting tag backend: %v", err)
	}
	defer func() {
		_ = closeProvider()
	}()
	gateway := tags.NewGateway(tags.GatewayConfig{Provider: provider, Logger: logger})

	scriptCfg := script.DefaultConfig()
	scriptCfg.DefaultTimeout, scriptCfg.MaxTimeout = cfg.ScriptTimeouts()
	scriptCfg.FSRoot = cfg.FSSandboxRoot
	scriptCfg.MaxFileBytes = cfg.FSMaxFileBytes
	scriptCfg.Logger = logger
	reg := nodes.New(script.New(scriptCfg))

	tel, err := tfotel.Setup(ctx, tfotel.Config{ServiceName: "tagflow", Endpoint: cfg.OTLPEndpoint})
	if err != nil {
		return exitError(exitConfig, "initializing telemetry: %v", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	sessions, err := session.NewManager(session.Config{
		Registry:         reg,
		Gateway:          gateway,
		Journal:          j,
		KV:               st,
		MaxSessions:      cfg.SessionMaxPerProcess,
		MemoryCeilingMB:  cfg.MemoryCeilingMB,
		WriteBufferBound: cfg.WriteBufferBound,
		EventHandler:     tel.Handler(),
		OnStop:           server.ClearTestModeOnExit(flows, logger),
		Logger:           logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating session manager: %v", err)
	}

	var streamAuth func(token, flowID string) bool
	if cfg.StreamToken != "" {
		streamAuth = func(token, _ string) bool { return token == cfg.StreamToken }
	}
	api := server.NewServer(server.ServerConfig{
		Flows:                  flows,
		Sessions:               sessions,
		Journal:                j,
		Registry:               reg,
		Gateway:                gateway,
		Bus:                    logBus,
		StreamAuth:             streamAuth,
		DefaultAutoExitMinutes: cfg.TestAutoExitMinutes,
		CORSOrigin:             corsOrigin,
		MaxBody:                maxBody,
		Logger:                 logger,
	})

	if _, err := server.ResumeDeployed(ctx, flows, sessions, logger); err != nil {
		logger.Error("resuming deployed flows failed", "error", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tagflow listening", "addr", cfg.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = exitError(exitRuntime, "server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := sessions.Close(shutdownCtx); err != nil {
		logger.Warn("session shutdown", "error", err)
	}
	if err := j.Close(shutdownCtx); err != nil {
		logger.Warn("journal shutdown", "error", err)
	}
	if serveErr == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "tagflow stopped")
	}
	return serveErr
}
