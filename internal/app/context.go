package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/logging"
	"taskline/internal/migrate"
)

// Options select the workspace and config a Runtime is built from.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/taskline.yml when set.
	ConfigPath string
	LogOutput  io.Writer
	// SkipSeed leaves the permission and status catalogs untouched.
	SkipSeed bool
}

// Runtime is a migrated database plus the engine wired over it.
type Runtime struct {
	DB            *sql.DB
	Config        *config.Config
	Engine        engine.Engine
	Log           *logging.Logger
	SchemaVersion int
}

// Open loads config, opens and migrates the workspace database, seeds the
// catalogs and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log, opts.LogOutput)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		logger.Close()
		return nil, err
	}
	rt := &Runtime{DB: conn, Config: cfg, Log: logger}
	rt.SchemaVersion, err = migrate.Migrate(ctx, conn)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt.Engine = engine.New(conn, cfg, logger.Logger)
	if !opts.SkipSeed {
		rep, err := rt.Engine.Repo.SeedCatalog(ctx, cfg)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
		logger.Debug().Interface("seeded", rep).Int("schema_version", rt.SchemaVersion).Msg("workspace ready")
	}
	return rt, nil
}

// LoadConfig reads an explicit config file, or the workspace config, or defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var err error
	if rt.DB != nil {
		err = rt.DB.Close()
	}
	if cerr := rt.Log.Close(); err == nil {
		err = cerr
	}
	return err
}
