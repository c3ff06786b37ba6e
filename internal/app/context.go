package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"evaltrack/internal/config"
	"evaltrack/internal/db"
	"evaltrack/internal/engine"
	"evaltrack/internal/migrate"
	"evaltrack/internal/telemetry"
)

// Version is reported in telemetry resources and the OpenAPI document.
var Version = "0.1.0"

// Runtime holds an opened workspace: the migrated database, the engine built
// on it and the telemetry provider.
type Runtime struct {
	Engine engine.Engine
	Config *config.Config
	Logger *slog.Logger

	closers []func(context.Context) error
}

// Open prepares the workspace named in cfg, applies pending migrations and
// installs telemetry. Callers must Close the runtime.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Enabled: cfg.Telemetry.Enabled,
		Stdout:  cfg.Telemetry.Stdout,
		Version: Version,
	})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Logger: logger, closers: []func(context.Context) error{shutdown}}

	if _, err := db.EnsureWorkspace(cfg.Database.Workspace); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Database.Workspace, BusyTimeoutMS: cfg.Database.BusyTimeoutMS})
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.closers = append(rt.closers, func(context.Context) error { return conn.Close() })
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", slog.Int("schema_version", version), slog.String("db", db.Path(cfg.Database.Workspace)))
	rt.Engine = engine.New(conn, cfg, logger)
	return rt, nil
}

// Close releases the database and flushes telemetry, newest first.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
