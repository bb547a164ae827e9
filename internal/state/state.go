// Package state persists everything the pipeline must remember between runs:
// the keys loaded per instrument with their last_updated_ts, the status of
// every load unit, and metadata snapshots.
//
// Three drivers share one contract: postgres (the warehouse database),
// sqlite (single node) and memory (tests and dry runs).
package state

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/redcap-etl/internal/config"
	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// Store is implemented by every driver.
type Store interface {
	// Loaded state, see reconcile.Store.
	Load(ctx context.Context, scope core.StateScope) (core.PriorState, error)
	Commit(ctx context.Context, scope core.StateScope, expectedVersion int64, plan core.LoadPlan) error

	// Unit status by core.LoadUnit.Key.
	GetUnit(ctx context.Context, key string) (core.LoadUnit, bool, error)
	SaveUnit(ctx context.Context, unit core.LoadUnit) error

	// Metadata snapshots, see metadata.SnapshotStore.
	SaveSnapshot(ctx context.Context, snap core.Snapshot) error
	RecentSnapshots(ctx context.Context, projectID string, n int) ([]core.Snapshot, error)

	Close() error
}

// Open creates the store selected by cfg. The postgres driver reuses pool and
// keeps its tables in schema.
func Open(ctx context.Context, cfg config.StateConfig, pool *pgxpool.Pool, schema string) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("state driver postgres needs a database connection")
		}
		return NewPostgres(ctx, pool, schema)
	case "sqlite":
		return NewSQLite(ctx, cfg.SQLitePath)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.Driver)
	}
}
