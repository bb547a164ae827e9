package core

import (
	"fmt"
	"time"
)

// UnitStatus is the state of one LoadUnit.
type UnitStatus string

const (
	StatusPending   UnitStatus = "pending"
	StatusRunning   UnitStatus = "running"
	StatusRetrying  UnitStatus = "retrying"
	StatusSucceeded UnitStatus = "succeeded"
	StatusFailed    UnitStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s UnitStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// LoadUnit is the retry unit of a run: one instrument's export, transform and
// load for one time window.
type LoadUnit struct {
	ProjectID    string     `json:"projectId"`
	InstrumentID string     `json:"instrumentId"`
	Window       TimeWindow `json:"window"`

	Status   UnitStatus `json:"status"`
	Attempts int        `json:"attempts"`
	Reason   string     `json:"reason,omitempty"`
	Code     string     `json:"code,omitempty"`
	Resumed  bool       `json:"resumed,omitempty"`

	Inserted  int `json:"inserted"`
	Upserted  int `json:"upserted"`
	Unchanged int `json:"unchanged"`
	Stale     int `json:"stale"`
	Rejected  int `json:"rejected"`

	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// UnitKey builds the persistence key of a unit.
func UnitKey(projectID, instrumentID string, w TimeWindow) string {
	return fmt.Sprintf("%s/%s/%s", projectID, instrumentID, w)
}

// Key is the stable identifier used to persist unit status across runs.
func (u LoadUnit) Key() string {
	return UnitKey(u.ProjectID, u.InstrumentID, u.Window)
}

// Retried reports whether the unit needed more than one attempt.
func (u LoadUnit) Retried() bool { return u.Attempts > 1 }

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerOnDemand  Trigger = "on-demand"
)

// Outcome is the aggregate result of a run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
)

// JobRun is one invocation of the orchestrator. It exclusively owns its units.
type JobRun struct {
	ID         string     `json:"id"`
	Trigger    Trigger    `json:"trigger"`
	Window     TimeWindow `json:"window"`
	Units      []LoadUnit `json:"units"`
	Outcome    Outcome    `json:"outcome,omitempty"`
	Fatal      string     `json:"fatal,omitempty"`
	FatalCode  string     `json:"fatalCode,omitempty"`
	Drift      []string   `json:"drift,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
}

// Aggregate derives the run outcome from its units. A run with a fatal error
// or with no successful unit has failed; any failed or unfinished unit next
// to a successful one makes it partial.
func (r *JobRun) Aggregate() Outcome {
	if r.Fatal != "" {
		return OutcomeFailed
	}
	var ok, notOK int
	for _, u := range r.Units {
		if u.Status == StatusSucceeded {
			ok++
		} else {
			notOK++
		}
	}
	switch {
	case notOK == 0:
		return OutcomeSucceeded
	case ok == 0:
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}

// Rejected totals rejected records across units.
func (r *JobRun) Rejected() int {
	n := 0
	for _, u := range r.Units {
		n += u.Rejected
	}
	return n
}

// OpKind is the action a LoadPlan takes for one key.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpsert OpKind = "upsert"
)

// PlanOp is one keyed write in a LoadPlan.
type PlanOp struct {
	Kind   OpKind
	Key    RecordKey
	Record CleanRecord
}

// LoadPlan is the minimal ordered set of writes that brings the warehouse up to
// date with a set of clean records. It never deletes.
type LoadPlan struct {
	Ops       []PlanOp
	Unchanged int
	Stale     int
}

// Count returns the number of ops of the given kind.
func (p LoadPlan) Count(kind OpKind) int {
	n := 0
	for _, op := range p.Ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Empty reports whether the plan writes nothing.
func (p LoadPlan) Empty() bool { return len(p.Ops) == 0 }

// StateScope names the loaded-state partition of one instrument.
type StateScope struct {
	ProjectID    string
	InstrumentID string
}

func (s StateScope) String() string { return s.ProjectID + "/" + s.InstrumentID }

// PriorState is the loaded state of one scope: every key already in the
// warehouse and the last_updated_ts it was loaded with.
type PriorState struct {
	Version int64
	Loaded  map[RecordKey]time.Time
}

// Apply returns the state after plan has been executed. The receiver is not
// modified.
func (s PriorState) Apply(plan LoadPlan) PriorState {
	next := PriorState{
		Version: s.Version + 1,
		Loaded:  make(map[RecordKey]time.Time, len(s.Loaded)+len(plan.Ops)),
	}
	for k, ts := range s.Loaded {
		next.Loaded[k] = ts
	}
	for _, op := range plan.Ops {
		next.Loaded[op.Key] = op.Record.LastUpdated
	}
	return next
}

