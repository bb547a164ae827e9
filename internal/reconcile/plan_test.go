package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JonMunkholm/redcap-etl/internal/core"
	"github.com/JonMunkholm/redcap-etl/internal/state"
)

var (
	t0 = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	t1 = t0.Add(24 * time.Hour)
)

func key(id string) core.RecordKey {
	return core.RecordKey{ProjectID: 12, RecordID: id, EventID: "v1", InstanceID: "1", Language: "en"}
}

func rec(id string, ts time.Time, weight string) core.CleanRecord {
	return core.CleanRecord{
		Key:         key(id),
		Fields:      map[string]string{"record_id": id, "weight": weight},
		LastUpdated: ts,
		Language:    "en",
	}
}

func TestPlan(t *testing.T) {
	prior := core.PriorState{
		Version: 3,
		Loaded: map[core.RecordKey]time.Time{
			key("1"): t0, // same timestamp
			key("2"): t0, // newer incoming
			key("3"): t1, // older incoming
			key("9"): t0, // absent from export, never deleted
		},
	}
	clean := []core.CleanRecord{
		rec("4", t1, "80"),
		rec("3", t0, "70"),
		rec("2", t1, "71"),
		rec("1", t0, "60"),
	}

	plan := Plan(clean, prior)

	wantOps := []struct {
		kind core.OpKind
		id   string
	}{
		{core.OpUpsert, "2"},
		{core.OpInsert, "4"},
	}
	if len(plan.Ops) != len(wantOps) {
		t.Fatalf("len(Ops) = %d, want %d: %+v", len(plan.Ops), len(wantOps), plan.Ops)
	}
	for i, want := range wantOps {
		if plan.Ops[i].Kind != want.kind || plan.Ops[i].Key.RecordID != want.id {
			t.Errorf("Ops[%d] = %s %s, want %s %s", i, plan.Ops[i].Kind, plan.Ops[i].Key.RecordID, want.kind, want.id)
		}
	}
	if plan.Unchanged != 1 {
		t.Errorf("Unchanged = %d, want 1", plan.Unchanged)
	}
	if plan.Stale != 1 {
		t.Errorf("Stale = %d, want 1", plan.Stale)
	}
	if plan.Count(core.OpInsert) != 1 || plan.Count(core.OpUpsert) != 1 {
		t.Errorf("Count() = insert %d upsert %d, want 1 and 1", plan.Count(core.OpInsert), plan.Count(core.OpUpsert))
	}
}

func TestPlan_DuplicateLastWins(t *testing.T) {
	clean := []core.CleanRecord{
		rec("1", t0, "first"),
		rec("1", t0, "second"),
	}

	plan := Plan(clean, core.PriorState{})

	if len(plan.Ops) != 1 {
		t.Fatalf("len(Ops) = %d, want 1", len(plan.Ops))
	}
	if got := plan.Ops[0].Record.Fields["weight"]; got != "second" {
		t.Errorf("weight = %q, want %q", got, "second")
	}
}

func TestPlan_Idempotent(t *testing.T) {
	clean := []core.CleanRecord{rec("1", t0, "60"), rec("2", t0, "61")}

	first := Plan(clean, core.PriorState{})
	if len(first.Ops) != 2 {
		t.Fatalf("first plan ops = %d, want 2", len(first.Ops))
	}

	after := core.PriorState{}.Apply(first)
	second := Plan(clean, after)
	if !second.Empty() {
		t.Errorf("second plan = %+v, want empty", second.Ops)
	}
	if second.Unchanged != 2 {
		t.Errorf("Unchanged = %d, want 2", second.Unchanged)
	}
}

func TestPlan_Empty(t *testing.T) {
	plan := Plan(nil, core.PriorState{Loaded: map[core.RecordKey]time.Time{key("1"): t0}})
	if !plan.Empty() || plan.Unchanged != 0 || plan.Stale != 0 {
		t.Errorf("Plan(nil) = %+v, want empty", plan)
	}
}

func TestReconciler(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	r := NewReconciler(store)
	scope := core.StateScope{ProjectID: "4711", InstrumentID: "demographics"}
	clean := []core.CleanRecord{rec("1", t0, "60")}

	plan, prior, err := r.Prepare(ctx, scope, clean)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if plan.Count(core.OpInsert) != 1 {
		t.Fatalf("Count(insert) = %d, want 1", plan.Count(core.OpInsert))
	}
	if err := r.Commit(ctx, scope, prior, plan); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// A second commit from the same prior state lost the race.
	if err := r.Commit(ctx, scope, prior, plan); !errors.Is(err, core.ErrVersionConflict) {
		t.Errorf("Commit() with stale prior error = %v, want ErrVersionConflict", err)
	}

	again, prior2, err := r.Prepare(ctx, scope, clean)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if !again.Empty() {
		t.Errorf("re-plan = %+v, want empty", again.Ops)
	}
	if err := r.Commit(ctx, scope, prior2, again); err != nil {
		t.Errorf("Commit(empty) error = %v", err)
	}
	if s, _ := store.Load(ctx, scope); s.Version != 1 {
		t.Errorf("Version = %d, want 1 after empty commit", s.Version)
	}
}
