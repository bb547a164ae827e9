// Package notify tells the operator how a run ended. Every run produces
// exactly one Summary.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/JonMunkholm/redcap-etl/internal/core"
	"github.com/JonMunkholm/redcap-etl/internal/logging"
)

// Notifier delivers a run summary.
type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// UnitSummary is the outcome of one load unit.
type UnitSummary struct {
	Project    string `json:"project"`
	Instrument string `json:"instrument"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	Reason     string `json:"reason,omitempty"`
	Code       string `json:"code,omitempty"`
	Inserted   int    `json:"inserted"`
	Upserted   int    `json:"upserted"`
	Unchanged  int    `json:"unchanged"`
	Rejected   int    `json:"rejected"`
	Resumed    bool   `json:"resumed,omitempty"`
}

// Summary is the end-of-run report.
type Summary struct {
	RunID      string          `json:"runId"`
	Trigger    core.Trigger    `json:"trigger"`
	Outcome    core.Outcome    `json:"outcome"`
	Window     core.TimeWindow `json:"window"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Fatal      string          `json:"fatal,omitempty"`
	FatalCode  string          `json:"fatalCode,omitempty"`
	Drift      []string        `json:"drift,omitempty"`

	Succeeded []UnitSummary `json:"succeeded"`
	Retried   []UnitSummary `json:"retried"`
	Failed    []UnitSummary `json:"failed"`
	Pending   []UnitSummary `json:"pending,omitempty"`

	RejectedRecords int `json:"rejectedRecords"`
}

// NewSummary builds the summary of a finished run. A unit that needed more
// than one attempt appears under Retried as well as under its final status.
func NewSummary(run *core.JobRun) Summary {
	s := Summary{
		RunID:           run.ID,
		Trigger:         run.Trigger,
		Outcome:         run.Outcome,
		Window:          run.Window,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
		Fatal:           run.Fatal,
		FatalCode:       run.FatalCode,
		Drift:           run.Drift,
		Succeeded:       []UnitSummary{},
		Retried:         []UnitSummary{},
		Failed:          []UnitSummary{},
		RejectedRecords: run.Rejected(),
	}
	for _, u := range run.Units {
		us := UnitSummary{
			Project:    u.ProjectID,
			Instrument: u.InstrumentID,
			Status:     string(u.Status),
			Attempts:   u.Attempts,
			Reason:     u.Reason,
			Code:       u.Code,
			Inserted:   u.Inserted,
			Upserted:   u.Upserted,
			Unchanged:  u.Unchanged,
			Rejected:   u.Rejected,
			Resumed:    u.Resumed,
		}
		switch u.Status {
		case core.StatusSucceeded:
			s.Succeeded = append(s.Succeeded, us)
		case core.StatusFailed:
			s.Failed = append(s.Failed, us)
		default:
			s.Pending = append(s.Pending, us)
		}
		if u.Retried() {
			s.Retried = append(s.Retried, us)
		}
	}
	return s
}

// Log writes the summary to the structured log.
type Log struct{}

func (Log) Notify(ctx context.Context, s Summary) error {
	log := logging.FromContext(ctx)

	level := slog.LevelInfo
	switch s.Outcome {
	case core.OutcomePartial:
		level = slog.LevelWarn
	case core.OutcomeFailed:
		level = slog.LevelError
	}

	log.Log(ctx, level, "run finished",
		slog.String("run_id", s.RunID),
		slog.String("trigger", string(s.Trigger)),
		slog.String("outcome", string(s.Outcome)),
		slog.Int("succeeded", len(s.Succeeded)),
		slog.Int("retried", len(s.Retried)),
		slog.Int("failed", len(s.Failed)),
		slog.Int("pending", len(s.Pending)),
		slog.Int("rejected_records", s.RejectedRecords),
		slog.Duration("duration", s.FinishedAt.Sub(s.StartedAt)),
	)
	if s.Fatal != "" {
		log.Error("run aborted", slog.String("code", s.FatalCode), slog.String("error", s.Fatal))
	}
	for _, u := range s.Failed {
		log.Error("unit failed",
			slog.String("project", u.Project),
			slog.String("instrument", u.Instrument),
			slog.String("code", u.Code),
			slog.String("reason", u.Reason),
			slog.Int("attempts", u.Attempts),
		)
	}
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, s Summary) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
