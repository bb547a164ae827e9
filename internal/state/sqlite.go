package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// SQLite keeps state in a local database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = "redcap-etl.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state_versions (
			project_id    TEXT NOT NULL,
			instrument_id TEXT NOT NULL,
			version       INTEGER NOT NULL,
			PRIMARY KEY (project_id, instrument_id)
		)`,
		`CREATE TABLE IF NOT EXISTS loaded_keys (
			project_id        TEXT NOT NULL,
			instrument_id     TEXT NOT NULL,
			target_project_id INTEGER NOT NULL,
			record_id         TEXT NOT NULL,
			event_id          TEXT NOT NULL,
			instance_id       TEXT NOT NULL,
			language          TEXT NOT NULL,
			last_updated_ts   TEXT NOT NULL,
			PRIMARY KEY (project_id, instrument_id, target_project_id, record_id, event_id, instance_id, language)
		)`,
		`CREATE TABLE IF NOT EXISTS unit_status (
			unit_key TEXT PRIMARY KEY,
			status   TEXT NOT NULL,
			payload  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata_snapshots (
			project_id  TEXT NOT NULL,
			version     INTEGER NOT NULL,
			captured_at TEXT NOT NULL,
			fields      TEXT NOT NULL,
			PRIMARY KEY (project_id, version)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate state: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, scope core.StateScope) (core.PriorState, error) {
	st := core.PriorState{Loaded: make(map[core.RecordKey]time.Time)}

	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM state_versions WHERE project_id = ? AND instrument_id = ?`,
		scope.ProjectID, scope.InstrumentID,
	).Scan(&st.Version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return core.PriorState{}, fmt.Errorf("select version: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT target_project_id, record_id, event_id, instance_id, language, last_updated_ts
		 FROM loaded_keys WHERE project_id = ? AND instrument_id = ?`,
		scope.ProjectID, scope.InstrumentID,
	)
	if err != nil {
		return core.PriorState{}, fmt.Errorf("select loaded keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var k core.RecordKey
		var raw string
		if err := rows.Scan(&k.ProjectID, &k.RecordID, &k.EventID, &k.InstanceID, &k.Language, &raw); err != nil {
			return core.PriorState{}, fmt.Errorf("scan loaded key: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return core.PriorState{}, fmt.Errorf("parse last_updated_ts %q: %w", raw, err)
		}
		st.Loaded[k] = ts
	}
	if err := rows.Err(); err != nil {
		return core.PriorState{}, fmt.Errorf("iterate loaded keys: %w", err)
	}
	return st, nil
}

func (s *SQLite) Commit(ctx context.Context, scope core.StateScope, expectedVersion int64, plan core.LoadPlan) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	var res sql.Result
	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO state_versions (project_id, instrument_id, version) VALUES (?, ?, 1)
			 ON CONFLICT (project_id, instrument_id) DO NOTHING`,
			scope.ProjectID, scope.InstrumentID)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE state_versions SET version = ? WHERE project_id = ? AND instrument_id = ? AND version = ?`,
			expectedVersion+1, scope.ProjectID, scope.InstrumentID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("bump version: %w", err)
	} else if n != 1 {
		return core.ErrVersionConflict
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO loaded_keys
		(project_id, instrument_id, target_project_id, record_id, event_id, instance_id, language, last_updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, instrument_id, target_project_id, record_id, event_id, instance_id, language)
		DO UPDATE SET last_updated_ts = excluded.last_updated_ts`)
	if err != nil {
		return fmt.Errorf("prepare loaded keys: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, op := range plan.Ops {
		if _, err := stmt.ExecContext(ctx,
			scope.ProjectID, scope.InstrumentID,
			op.Key.ProjectID, op.Key.RecordID, op.Key.EventID, op.Key.InstanceID, op.Key.Language,
			op.Record.LastUpdated.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("record loaded key %s: %w", op.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) GetUnit(ctx context.Context, key string) (core.LoadUnit, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM unit_status WHERE unit_key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return core.LoadUnit{}, false, nil
	}
	if err != nil {
		return core.LoadUnit{}, false, fmt.Errorf("select unit %s: %w", key, err)
	}
	var u core.LoadUnit
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		return core.LoadUnit{}, false, fmt.Errorf("decode unit %s: %w", key, err)
	}
	return u, true, nil
}

func (s *SQLite) SaveUnit(ctx context.Context, unit core.LoadUnit) error {
	payload, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("encode unit: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO unit_status (unit_key, status, payload) VALUES (?, ?, ?)
		ON CONFLICT (unit_key) DO UPDATE SET status = excluded.status, payload = excluded.payload`,
		unit.Key(), string(unit.Status), string(payload))
	if err != nil {
		return fmt.Errorf("save unit %s: %w", unit.Key(), err)
	}
	return nil
}

func (s *SQLite) SaveSnapshot(ctx context.Context, snap core.Snapshot) error {
	fields, err := json.Marshal(snap.Fields)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO metadata_snapshots (project_id, version, captured_at, fields)
		VALUES (?, ?, ?, ?)`,
		snap.ProjectID, snap.Version, snap.CapturedAt.UTC().Format(time.RFC3339Nano), string(fields))
	if err != nil {
		return fmt.Errorf("save snapshot %s v%d: %w", snap.ProjectID, snap.Version, err)
	}
	return nil
}

func (s *SQLite) RecentSnapshots(ctx context.Context, projectID string, n int) ([]core.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, captured_at, fields FROM metadata_snapshots
		WHERE project_id = ? ORDER BY version DESC LIMIT ?`, projectID, n)
	if err != nil {
		return nil, fmt.Errorf("select snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.Snapshot
	for rows.Next() {
		snap := core.Snapshot{ProjectID: projectID}
		var captured, fields string
		if err := rows.Scan(&snap.Version, &captured, &fields); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if snap.CapturedAt, err = time.Parse(time.RFC3339Nano, captured); err != nil {
			return nil, fmt.Errorf("parse captured_at %q: %w", captured, err)
		}
		if err := json.Unmarshal([]byte(fields), &snap.Fields); err != nil {
			return nil, fmt.Errorf("decode snapshot v%d: %w", snap.Version, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
