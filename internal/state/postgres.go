package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// Postgres keeps state next to the warehouse tables.
type Postgres struct {
	pool *pgxpool.Pool

	versions  string
	keys      string
	units     string
	snapshots string
}

// NewPostgres creates the state tables in schema if needed.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, schema string) (*Postgres, error) {
	p := &Postgres{
		pool:      pool,
		versions:  pgx.Identifier{schema, "etl_state_versions"}.Sanitize(),
		keys:      pgx.Identifier{schema, "etl_loaded_keys"}.Sanitize(),
		units:     pgx.Identifier{schema, "etl_unit_status"}.Sanitize(),
		snapshots: pgx.Identifier{schema, "etl_metadata_snapshots"}.Sanitize(),
	}
	if err := p.migrate(ctx, schema); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context, schema string) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + p.versions + ` (
			project_id    TEXT NOT NULL,
			instrument_id TEXT NOT NULL,
			version       BIGINT NOT NULL,
			PRIMARY KEY (project_id, instrument_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p.keys + ` (
			project_id        TEXT NOT NULL,
			instrument_id     TEXT NOT NULL,
			target_project_id BIGINT NOT NULL,
			record_id         TEXT NOT NULL,
			event_id          TEXT NOT NULL,
			instance_id       TEXT NOT NULL,
			language          TEXT NOT NULL,
			last_updated_ts   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (project_id, instrument_id, target_project_id, record_id, event_id, instance_id, language)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p.units + ` (
			unit_key   TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			payload    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p.snapshots + ` (
			project_id  TEXT NOT NULL,
			version     BIGINT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			fields      JSONB NOT NULL,
			PRIMARY KEY (project_id, version)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate state: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, scope core.StateScope) (core.PriorState, error) {
	s := core.PriorState{Loaded: make(map[core.RecordKey]time.Time)}

	err := p.pool.QueryRow(ctx,
		`SELECT version FROM `+p.versions+` WHERE project_id = $1 AND instrument_id = $2`,
		scope.ProjectID, scope.InstrumentID,
	).Scan(&s.Version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return core.PriorState{}, fmt.Errorf("select version: %w", err)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT target_project_id, record_id, event_id, instance_id, language, last_updated_ts
		 FROM `+p.keys+` WHERE project_id = $1 AND instrument_id = $2`,
		scope.ProjectID, scope.InstrumentID,
	)
	if err != nil {
		return core.PriorState{}, fmt.Errorf("select loaded keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k core.RecordKey
		var ts time.Time
		if err := rows.Scan(&k.ProjectID, &k.RecordID, &k.EventID, &k.InstanceID, &k.Language, &ts); err != nil {
			return core.PriorState{}, fmt.Errorf("scan loaded key: %w", err)
		}
		s.Loaded[k] = ts.UTC()
	}
	if err := rows.Err(); err != nil {
		return core.PriorState{}, fmt.Errorf("iterate loaded keys: %w", err)
	}
	return s, nil
}

// Commit bumps the scope version and records every key of plan in one
// transaction. The version row is the lock: a concurrent commit with the same
// expected version finds it changed and fails with core.ErrVersionConflict.
func (p *Postgres) Commit(ctx context.Context, scope core.StateScope, expectedVersion int64, plan core.LoadPlan) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var guard string
	if expectedVersion == 0 {
		guard = `INSERT INTO ` + p.versions + ` (project_id, instrument_id, version)
			VALUES ($1, $2, $3) ON CONFLICT (project_id, instrument_id) DO NOTHING`
	} else {
		guard = `UPDATE ` + p.versions + ` SET version = $3
			WHERE project_id = $1 AND instrument_id = $2 AND version = $4`
	}
	args := []any{scope.ProjectID, scope.InstrumentID, expectedVersion + 1}
	if expectedVersion != 0 {
		args = append(args, expectedVersion)
	}
	tag, err := tx.Exec(ctx, guard, args...)
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return core.ErrVersionConflict
	}

	batch := &pgx.Batch{}
	for _, op := range plan.Ops {
		batch.Queue(`INSERT INTO `+p.keys+`
			(project_id, instrument_id, target_project_id, record_id, event_id, instance_id, language, last_updated_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (project_id, instrument_id, target_project_id, record_id, event_id, instance_id, language)
			DO UPDATE SET last_updated_ts = EXCLUDED.last_updated_ts`,
			scope.ProjectID, scope.InstrumentID,
			op.Key.ProjectID, op.Key.RecordID, op.Key.EventID, op.Key.InstanceID, op.Key.Language,
			op.Record.LastUpdated,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("record loaded keys: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) GetUnit(ctx context.Context, key string) (core.LoadUnit, bool, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM `+p.units+` WHERE unit_key = $1`, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.LoadUnit{}, false, nil
	}
	if err != nil {
		return core.LoadUnit{}, false, fmt.Errorf("select unit %s: %w", key, err)
	}
	var u core.LoadUnit
	if err := json.Unmarshal(payload, &u); err != nil {
		return core.LoadUnit{}, false, fmt.Errorf("decode unit %s: %w", key, err)
	}
	return u, true, nil
}

func (p *Postgres) SaveUnit(ctx context.Context, unit core.LoadUnit) error {
	payload, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("encode unit: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO `+p.units+` (unit_key, status, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (unit_key) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = now()`,
		unit.Key(), string(unit.Status), payload,
	)
	if err != nil {
		return fmt.Errorf("save unit %s: %w", unit.Key(), err)
	}
	return nil
}

func (p *Postgres) SaveSnapshot(ctx context.Context, snap core.Snapshot) error {
	fields, err := json.Marshal(snap.Fields)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO `+p.snapshots+` (project_id, version, captured_at, fields)
		VALUES ($1, $2, $3, $4)`,
		snap.ProjectID, snap.Version, snap.CapturedAt, fields,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s v%d: %w", snap.ProjectID, snap.Version, err)
	}
	return nil
}

func (p *Postgres) RecentSnapshots(ctx context.Context, projectID string, n int) ([]core.Snapshot, error) {
	rows, err := p.pool.Query(ctx, `SELECT version, captured_at, fields FROM `+p.snapshots+`
		WHERE project_id = $1 ORDER BY version DESC LIMIT $2`, projectID, n)
	if err != nil {
		return nil, fmt.Errorf("select snapshots: %w", err)
	}
	defer rows.Close()

	var out []core.Snapshot
	for rows.Next() {
		s := core.Snapshot{ProjectID: projectID}
		var fields []byte
		if err := rows.Scan(&s.Version, &s.CapturedAt, &fields); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal(fields, &s.Fields); err != nil {
			return nil, fmt.Errorf("decode snapshot v%d: %w", s.Version, err)
		}
		s.CapturedAt = s.CapturedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close is a no-op: the pool belongs to the caller.
func (p *Postgres) Close() error { return nil }
