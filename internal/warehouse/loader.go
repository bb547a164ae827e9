// Package warehouse executes load plans against the PostgreSQL target schema.
//
// Each instrument has one flat table keyed by
// (project_id, record_id, event_id, instance_id, language). Every write is an
// upsert guarded on last_updated_ts, so replaying a plan or running an older
// export after a newer one never moves a row backwards.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// Key and provenance columns present in every target table.
var keyColumns = []string{"project_id", "record_id", "event_id", "instance_id", "language"}

const lastUpdatedColumn = "last_updated_ts"

var columnTypes = map[core.DataType]string{
	core.TypeText:     "TEXT",
	core.TypeInteger:  "BIGINT",
	core.TypeNumeric:  "NUMERIC",
	core.TypeDate:     "DATE",
	core.TypeDatetime: "TIMESTAMPTZ",
	core.TypeBool:     "BOOLEAN",
}

// Loader writes load plans through a pgx pool.
type Loader struct {
	pool   *pgxpool.Pool
	schema string

	mu      sync.Mutex
	ensured map[string]bool
}

// NewLoader creates a Loader writing into schema.
func NewLoader(pool *pgxpool.Pool, schema string) *Loader {
	return &Loader{pool: pool, schema: schema, ensured: make(map[string]bool)}
}

// column is one mapped value column of a target table.
type column struct {
	name     string
	dataType core.DataType
}

// valueColumns returns the non-key columns written for ms, ordered by name.
func valueColumns(ms core.MappingSet) []column {
	var cols []column
	for _, m := range ms.Mappings() {
		if m.Ignore || isReserved(m.TargetVariable) {
			continue
		}
		cols = append(cols, column{name: m.TargetVariable, dataType: m.DataType})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].name < cols[j].name })
	return cols
}

func isReserved(name string) bool {
	if name == lastUpdatedColumn {
		return true
	}
	for _, k := range keyColumns {
		if name == k {
			return true
		}
	}
	return false
}

// EnsureTable creates the target table of inst and adds any mapped column it
// lacks. Existing columns are never altered or dropped.
func (l *Loader) EnsureTable(ctx context.Context, inst core.Instrument, ms core.MappingSet) error {
	table := pgx.Identifier{l.schema, inst.Table}.Sanitize()
	cols := valueColumns(ms)

	sig := table + "|" + signature(cols)
	l.mu.Lock()
	done := l.ensured[sig]
	l.mu.Unlock()
	if done {
		return nil
	}

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{l.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			project_id      BIGINT NOT NULL,
			record_id       TEXT NOT NULL,
			event_id        TEXT NOT NULL,
			instance_id     TEXT NOT NULL,
			language        TEXT NOT NULL,
			last_updated_ts TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (project_id, record_id, event_id, instance_id, language)
		)`,
	}
	for _, c := range cols {
		stmts = append(stmts, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`,
			table, pgx.Identifier{c.name}.Sanitize(), sqlType(c.dataType)))
	}

	for _, stmt := range stmts {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return wrapErr(inst.Table, err)
		}
	}

	l.mu.Lock()
	l.ensured[sig] = true
	l.mu.Unlock()
	return nil
}

func signature(cols []column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c.name + ":" + string(c.dataType)
	}
	return strings.Join(parts, ",")
}

func sqlType(dt core.DataType) string {
	if t, ok := columnTypes[dt]; ok {
		return t
	}
	return "TEXT"
}

// Execute applies plan to the table of inst in one transaction and returns
// the number of rows written. A row whose stored last_updated_ts is not older
// than the incoming one is left alone and not counted.
func (l *Loader) Execute(ctx context.Context, inst core.Instrument, ms core.MappingSet, plan core.LoadPlan) (int64, error) {
	if plan.Empty() {
		return 0, nil
	}
	if err := l.EnsureTable(ctx, inst, ms); err != nil {
		return 0, err
	}

	cols := valueColumns(ms)
	query := upsertSQL(pgx.Identifier{l.schema, inst.Table}.Sanitize(), cols)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, wrapErr(inst.Table, err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, op := range plan.Ops {
		batch.Queue(query, rowArgs(op.Record, cols)...)
	}

	br := tx.SendBatch(ctx, batch)
	var affected int64
	for _, op := range plan.Ops {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, wrapErr(inst.Table, fmt.Errorf("%s %s: %w", op.Kind, op.Key, err))
		}
		affected += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, wrapErr(inst.Table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, wrapErr(inst.Table, err)
	}
	return affected, nil
}

// upsertSQL builds the guarded upsert for one row of table.
func upsertSQL(table string, cols []column) string {
	names := append(append([]string{}, keyColumns...), lastUpdatedColumn)
	for _, c := range cols {
		names = append(names, c.name)
	}

	quoted := make([]string, len(names))
	params := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pgx.Identifier{n}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	updates := make([]string, 0, len(names)-len(keyColumns))
	for _, n := range quoted[len(keyColumns):] {
		updates = append(updates, n+" = EXCLUDED."+n)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s AS t (%s) VALUES (%s)", table, strings.Join(quoted, ", "), strings.Join(params, ", "))
	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(quoted[:len(keyColumns)], ", "), strings.Join(updates, ", "))
	b.WriteString(" WHERE t.last_updated_ts < EXCLUDED.last_updated_ts")
	return b.String()
}

// rowArgs returns the parameters of upsertSQL for rec.
func rowArgs(rec core.CleanRecord, cols []column) []any {
	args := []any{
		rec.Key.ProjectID,
		rec.Key.RecordID,
		rec.Key.EventID,
		rec.Key.InstanceID,
		rec.Key.Language,
		core.ToPgTime(rec.LastUpdated),
	}
	for _, c := range cols {
		args = append(args, core.ToPgValue(c.dataType, rec.Fields[c.name]))
	}
	return args
}

// wrapErr marks connection loss, timeouts and transaction conflicts as
// retryable.
func wrapErr(table string, err error) error {
	return &core.WarehouseError{Table: table, Retryable: retryable(err), Err: err}
}

func retryable(err error) bool {
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "40001", pgErr.Code == "40P01", // serialization failure, deadlock
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "57P01", pgErr.Code == "57P03": // shutdown, cannot connect now
			return true
		}
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}
