// Package app wires the runtime components from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"xrt/internal/capability"
	"xrt/internal/config"
	"xrt/internal/db"
	"xrt/internal/executor"
	"xrt/internal/migrate"
	"xrt/internal/saga"
	"xrt/internal/server"
	"xrt/internal/session"
	"xrt/internal/statesurface"
	"xrt/internal/wal"
	"xrt/internal/walfeed"
)

// Storage is the persistence layer shared by every component.
type Storage struct {
	DB      *sql.DB
	Surface *statesurface.Surface
	WAL     *wal.Log
}

// OpenStorage opens the configured backend. The sqlite driver migrates the
// workspace database before returning.
func OpenStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Storage, error) {
	policy := cfg.Retry.Policy()
	surfaceCfg := statesurface.Config{MaxValueBytes: cfg.State.MaxValueBytes, Retry: policy, Logger: logger}
	walCfg := wal.Config{
		RetentionPerTenant: cfg.WAL.RetentionPerTenant,
		MaxPayloadBytes:    cfg.WAL.MaxPayloadBytes,
		Retry:              policy,
		Logger:             logger,
	}
	if cfg.Storage.Driver == config.DriverMemory {
		return &Storage{
			Surface: statesurface.New(statesurface.NewMemoryBackend(), surfaceCfg),
			WAL:     wal.New(wal.NewMemoryStore(), walCfg),
		}, nil
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Storage.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Storage{
		DB:      conn,
		Surface: statesurface.New(statesurface.NewSQLiteBackend(conn), surfaceCfg),
		WAL:     wal.New(wal.NewSQLiteStore(conn), walCfg),
	}, nil
}

func (s *Storage) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Runtime holds the wired process. The capability registry lives for the
// lifetime of the Runtime.
type Runtime struct {
	Config      *config.Config
	Logger      *slog.Logger
	Storage     *Storage
	Sessions    *session.Manager
	Registry    *capability.Registry
	Coordinator *saga.Coordinator
	Executor    *executor.Executor
	Feed        *walfeed.Dispatcher
	Handler     http.Handler
}

// Open builds every component and registers the capabilities declared in
// the config.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := OpenStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt, err := build(cfg, logger, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return rt, nil
}

func build(cfg *config.Config, logger *slog.Logger, store *Storage) (*Runtime, error) {
	sessions, err := session.New(store.Surface, store.WAL, session.Config{TTL: cfg.State.SessionTTL, Logger: logger})
	if err != nil {
		return nil, err
	}
	registry := capability.NewRegistry(logger)
	remote := &http.Client{Timeout: cfg.Saga.DefaultStepTimeout}
	for _, cp := range cfg.Capabilities {
		def, err := cp.Definition()
		if err != nil {
			return nil, err
		}
		if err := registry.RegisterRemote(def, cp.Secret, remote); err != nil {
			return nil, fmt.Errorf("register capability %s: %w", cp.IntentType, err)
		}
	}
	coord := saga.New(store.Surface, store.WAL, sessions, registry, saga.Config{
		DefaultStepTimeout: cfg.Saga.DefaultStepTimeout,
		MaxOutputBytes:     cfg.Saga.MaxOutputBytes,
		Logger:             logger,
	})
	exec := executor.New(store.Surface, store.WAL, sessions, registry, coord, executor.Config{
		MaxPayloadBytes: cfg.Saga.MaxPayloadBytes,
		Logger:          logger,
	})
	handler, err := server.New(server.Config{
		Executor: exec,
		Sessions: sessions,
		Registry: registry,
		WAL:      store.WAL,
		BasePath: cfg.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:         cfg.Server.JWTSecret,
			RegistrationToken: cfg.Server.RegistrationToken,
		},
		RemoteClient: remote,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	feed := walfeed.New(store.WAL, store.Surface, cfg.Hooks(), walfeed.Config{Retry: cfg.Retry.Policy(), Logger: logger})
	return &Runtime{
		Config:      cfg,
		Logger:      logger,
		Storage:     store,
		Sessions:    sessions,
		Registry:    registry,
		Coordinator: coord,
		Executor:    exec,
		Feed:        feed,
		Handler:     handler,
	}, nil
}

// RunSweeper removes expired state every interval until ctx is done.
func (r *Runtime) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(r.Config.State.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Storage.Surface.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.Logger.Warn("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.Logger.Debug("swept expired state", "removed", n)
			}
		}
	}
}

// Close drains async executions and closes storage.
func (r *Runtime) Close(ctx context.Context) error {
	return errors.Join(r.Executor.Close(ctx), r.Storage.Close())
}
