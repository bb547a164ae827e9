package warehouse

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

func testMappingSet(t *testing.T) core.MappingSet {
	t.Helper()
	ms, err := core.NewMappingSet("4711", "demographics", []core.FieldMapping{
		{SourceField: "record_id", TargetVariable: "record_id", IsIdentifier: true},
		{SourceField: "f_weight", TargetVariable: "weight", DataType: core.TypeNumeric},
		{SourceField: "f_dob", TargetVariable: "dob", DataType: core.TypeDate, IsTimestamp: true},
		{SourceField: "f_note", Ignore: true},
		{SourceField: "demographics_complete", TargetVariable: "complete", DataType: core.TypeInteger, IsCompleteFlag: true},
	})
	if err != nil {
		t.Fatalf("NewMappingSet() error = %v", err)
	}
	return ms
}

func TestValueColumns(t *testing.T) {
	cols := valueColumns(testMappingSet(t))

	want := []string{"complete", "dob", "weight"}
	if len(cols) != len(want) {
		t.Fatalf("len(cols) = %d, want %d: %+v", len(cols), len(want), cols)
	}
	for i, name := range want {
		if cols[i].name != name {
			t.Errorf("cols[%d] = %q, want %q", i, cols[i].name, name)
		}
	}
}

func TestUpsertSQL(t *testing.T) {
	cols := []column{{name: "dob", dataType: core.TypeDate}, {name: "weight", dataType: core.TypeNumeric}}

	got := upsertSQL(`"redcap"."demographics"`, cols)

	want := `INSERT INTO "redcap"."demographics" AS t ` +
		`("project_id", "record_id", "event_id", "instance_id", "language", "last_updated_ts", "dob", "weight") ` +
		`VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ` +
		`ON CONFLICT ("project_id", "record_id", "event_id", "instance_id", "language") ` +
		`DO UPDATE SET "last_updated_ts" = EXCLUDED."last_updated_ts", "dob" = EXCLUDED."dob", "weight" = EXCLUDED."weight" ` +
		`WHERE t.last_updated_ts < EXCLUDED.last_updated_ts`
	if got != want {
		t.Errorf("upsertSQL() =\n%s\nwant\n%s", got, want)
	}
}

func TestRowArgs(t *testing.T) {
	ts := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	rec := core.CleanRecord{
		Key:         core.RecordKey{ProjectID: 12, RecordID: "5", EventID: "v1", InstanceID: "1", Language: "en"},
		Fields:      map[string]string{"dob": "", "weight": "72"},
		LastUpdated: ts,
	}
	cols := []column{{name: "dob", dataType: core.TypeDate}, {name: "weight", dataType: core.TypeNumeric}}

	args := rowArgs(rec, cols)

	if len(args) != 8 {
		t.Fatalf("len(args) = %d, want 8", len(args))
	}
	if args[0] != int64(12) || args[1] != "5" || args[2] != "v1" || args[3] != "1" || args[4] != "en" {
		t.Errorf("key args = %v", args[:5])
	}
	if got := args[5].(pgtype.Timestamptz); !got.Valid || !got.Time.Equal(ts) {
		t.Errorf("last_updated_ts = %+v, want %v", got, ts)
	}
	if got := args[6].(pgtype.Date); got.Valid {
		t.Errorf("dob = %+v, want NULL", got)
	}
	if got := args[7].(pgtype.Numeric); !got.Valid {
		t.Errorf("weight = %+v, want valid", got)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"undefined column", fmt.Errorf("upsert: %w", &pgconn.PgError{Code: "42703"}), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapErr(t *testing.T) {
	err := wrapErr("demographics", &pgconn.PgError{Code: "40001"})

	var wh *core.WarehouseError
	if !errors.As(err, &wh) {
		t.Fatalf("wrapErr() = %T, want *core.WarehouseError", err)
	}
	if !wh.Retryable || wh.Table != "demographics" {
		t.Errorf("WarehouseError = %+v", wh)
	}
	if core.Classify(err) != core.Transient {
		t.Errorf("Classify() = %v, want transient", core.Classify(err))
	}
}

func TestExecute_EmptyPlan(t *testing.T) {
	l := NewLoader(nil, "redcap")
	n, err := l.Execute(context.Background(), core.Instrument{ID: "demographics", Table: "demographics"}, testMappingSet(t), core.LoadPlan{})
	if err != nil || n != 0 {
		t.Errorf("Execute(empty) = %d, %v, want 0, nil", n, err)
	}
}
