package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/JonMunkholm/redcap-etl/internal/catalog"
	"github.com/JonMunkholm/redcap-etl/internal/config"
	"github.com/JonMunkholm/redcap-etl/internal/core"
	"github.com/JonMunkholm/redcap-etl/internal/job"
	"github.com/JonMunkholm/redcap-etl/internal/logging"
	"github.com/JonMunkholm/redcap-etl/internal/metadata"
	"github.com/JonMunkholm/redcap-etl/internal/metrics"
	"github.com/JonMunkholm/redcap-etl/internal/notify"
	"github.com/JonMunkholm/redcap-etl/internal/reconcile"
	"github.com/JonMunkholm/redcap-etl/internal/redcap"
	"github.com/JonMunkholm/redcap-etl/internal/state"
	"github.com/JonMunkholm/redcap-etl/internal/storage"
	"github.com/JonMunkholm/redcap-etl/internal/warehouse"
)

// app holds everything a command needs. Fields a command did not ask for
// stay nil.
type app struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	client   *redcap.Client
	pool     *pgxpool.Pool
	store    state.Store
	registry *metadata.Registry
	metrics  *metrics.Metrics
	orch     *job.Orchestrator
}

// loadConfig reads .env, the environment and the project catalog, and sets
// up logging.
func loadConfig() (*app, error) {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Debug("configuration loaded", "config", cfg.String())

	cat, err := catalog.Load(cfg.Catalog.ProjectsFile)
	if err != nil {
		return nil, err
	}

	client, err := redcap.New(cfg.REDCap, catalog.Token)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, catalog: cat, client: client}, nil
}

// setup builds the full pipeline: warehouse pool, state store, metadata
// registry with the field map, export archive and orchestrator.
func setup(ctx context.Context) (*app, error) {
	a, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := a.cfg.RequirePipeline(); err != nil {
		return nil, err
	}

	if err := a.connect(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.loadRegistry(ctx); err != nil {
		a.close()
		return nil, err
	}

	archive, err := storage.Open(ctx, a.cfg.Storage)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open export archive: %w", err)
	}

	a.metrics = metrics.New()
	a.orch = job.New(job.Deps{
		Catalog:    a.catalog,
		Exporter:   a.client,
		Metadata:   a.client,
		Registry:   a.registry,
		Archive:    archive,
		Reconciler: reconcile.NewReconciler(a.store),
		Loader:     warehouse.NewLoader(a.pool, a.cfg.Database.Schema),
		Units:      a.store,
		Notifier:   notify.New(a.cfg.Notify),
		Metrics:    a.metrics,
	}, a.cfg.Job)

	slog.Info("pipeline ready",
		"projects", len(a.catalog.Projects),
		"state_driver", a.cfg.State.Driver,
		"storage_driver", a.cfg.Storage.Driver,
		"max_concurrent", a.cfg.Job.MaxConcurrent,
	)
	return a, nil
}

// connect opens the warehouse pool and the state store.
func (a *app) connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(a.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parse database URL: %w", err)
	}

	// Apply pool configuration from config
	poolConfig.MaxConns = int32(a.cfg.Database.MaxConns)
	poolConfig.MinConns = int32(a.cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = a.cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = a.cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	// Log which database we connected to
	if u, err := url.Parse(a.cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	store, err := state.Open(ctx, a.cfg.State, pool, a.cfg.Database.Schema)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	a.store = store
	return nil
}

// loadRegistry restores metadata snapshots and installs the field map.
// Instruments whose mappings no longer fit the latest snapshot stay held;
// that is reported, not fatal.
func (a *app) loadRegistry(ctx context.Context) error {
	a.registry = metadata.NewRegistry(a.store)

	ids := make([]string, 0, len(a.catalog.Projects))
	for _, p := range a.catalog.Projects {
		ids = append(ids, p.ID)
	}
	if err := a.registry.Load(ctx, ids); err != nil {
		return err
	}

	mappings, err := catalog.LoadFieldMap(a.cfg.Catalog.FieldMapFile)
	if err != nil {
		return err
	}
	groups, err := catalog.GroupMappings(mappings)
	if err != nil {
		return err
	}

	for s, ms := range groups {
		p, ok := a.catalog.Project(s.ProjectID)
		if !ok {
			slog.Warn("field map names a project missing from the catalog", "project", s.ProjectID)
			continue
		}
		if _, ok := p.Instrument(s.InstrumentID); !ok {
			slog.Warn("field map names an instrument missing from the catalog",
				"project", s.ProjectID, "instrument", s.InstrumentID)
			continue
		}

		err := a.registry.UpdateMappings(s.ProjectID, s.InstrumentID, ms)
		var held *core.IncompatibleSchemaChange
		switch {
		case errors.As(err, &held):
			slog.Warn("instrument held, mappings do not match the latest metadata",
				"project", s.ProjectID, "instrument", s.InstrumentID, "error", err)
		case err != nil:
			return fmt.Errorf("field map %s/%s: %w", s.ProjectID, s.InstrumentID, err)
		}
	}
	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("close state store", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
