package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/rendis/flowpilot/internal/api"
	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/nodes"
	"github.com/rendis/flowpilot/internal/scheduler"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/mcp"
)

const shutdownGrace = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine with its HTTP API, scheduler and optional MCP stdio server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

// app is the wired process: everything serve starts and later stops.
type app struct {
	store      store.Store
	dispatcher *engine.Dispatcher
	scheduler  *scheduler.Scheduler
	hub        *streaming.MemoryHub
}

// buildApp wires the store, executors, validator, engine, dispatcher and
// scheduler. The caller closes the store.
func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	preds, err := expressions.NewPredicates()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	jq := expressions.NewGoJQEngine()
	registry, err := nodes.NewDefaultRegistry(cfg.httpConfig(), preds, jq)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	validator, err := validation.NewGraphValidator(preds, jq)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	hub := streaming.NewMemoryHub()
	eng := engine.New(st, registry, validator, engine.Config{
		LoopGuard: cfg.LoopGuard,
		Logger:    logger,
		Audit:     engine.NewAuditLog(st, hub, logger),
	})
	disp := engine.NewDispatcher(eng, engine.DispatcherConfig{
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	sched := scheduler.NewScheduler(st, disp, cfg.schedulerConfig(), logger)

	return &app{store: st, dispatcher: disp, scheduler: sched, hub: hub}, nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.Store {
	case storeRedis:
		return store.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix)
	case storeMemory:
		return store.NewMemoryStore(), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		return store.NewLibSQLStore("file:" + cfg.DBPath)
	}
}

func runServe(ctx context.Context, cfg Config) error {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(level, cfg.LogJSON)

	lock, err := acquireLock(cfg.lockPath())
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	if err := writePIDFile(); err != nil {
		logger.Warn("could not write pid file", "path", pidPath(), "error", err)
	}
	defer os.Remove(pidPath())

	rt, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.store.Close()

	if err := rt.scheduler.Start(ctx); err != nil {
		return err
	}
	defer rt.scheduler.Stop()

	go watchReload(ctx, cfg, level, logger)

	errCh := make(chan error, 2)
	srv := api.NewServer(api.Deps{Dispatcher: rt.dispatcher, Hub: rt.hub, Logger: logger})
	go func() { errCh <- srv.ListenAndServe(ctx, cfg.ListenAddr, shutdownGrace) }()

	if cfg.MCP {
		mcpSrv := mcp.NewServer(mcp.ServerDeps{Dispatcher: rt.dispatcher, Logger: logger})
		go func() {
			logger.Info("mcp stdio server started")
			errCh <- mcpSrv.Serve(ctx)
		}()
	}

	logger.Info("flowpilot started",
		"version", version,
		"store", cfg.Store,
		"listen_addr", cfg.ListenAddr,
		"pool_size", cfg.PoolSize,
		"triggers", len(cfg.Triggers),
		"mcp", cfg.MCP,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := rt.dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("in-flight ticks aborted at shutdown; the recovery sweep will resume them", "error", err)
	}
	logger.Info("flowpilot stopped")
	return runErr
}

// acquireLock takes the single-server file lock, failing fast when another
// flowpilot process holds it.
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another flowpilot server holds %s", path)
	}
	return lock, nil
}

func writePIDFile() error {
	if err := os.MkdirAll(flowpilotDir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// watchReload re-reads the configuration on SIGHUP. Only the log level is
// applied live; other changes are reported as needing a restart.
func watchReload(ctx context.Context, current Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		next, err := loadConfig(configPath)
		if err != nil {
			logger.Error("config reload failed", "error", err)
			continue
		}
		diff := diffConfigs(current, next)
		if diff.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", "log_level", next.LogLevel)
		}
		if len(diff.RestartNeeded) > 0 {
			logger.Warn("config changes need a restart", "fields", diff.RestartNeeded)
		}
		current.LogLevel = next.LogLevel
	}
}
