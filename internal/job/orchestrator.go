// Package job runs the extract, transform and load of every selected
// instrument as independent, resumable load units.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/redcap-etl/internal/catalog"
	"github.com/JonMunkholm/redcap-etl/internal/config"
	"github.com/JonMunkholm/redcap-etl/internal/core"
	"github.com/JonMunkholm/redcap-etl/internal/logging"
	"github.com/JonMunkholm/redcap-etl/internal/metrics"
	"github.com/JonMunkholm/redcap-etl/internal/notify"
	"github.com/JonMunkholm/redcap-etl/internal/reconcile"
	"github.com/JonMunkholm/redcap-etl/internal/storage"
	"github.com/JonMunkholm/redcap-etl/internal/transform"
)

// ErrBusy is returned when a run is requested while another is active.
var ErrBusy = core.ErrRunActive

// Exporter fetches the raw export of one instrument.
type Exporter interface {
	Export(ctx context.Context, p core.Project, inst core.Instrument, w core.TimeWindow) (core.RawRecordSet, error)
}

// MetadataSource fetches a project's current metadata.
type MetadataSource interface {
	ExportMetadata(ctx context.Context, p core.Project) (core.Snapshot, error)
}

// Registry resolves mappings and records metadata snapshots.
type Registry interface {
	GetMapping(projectID, instrumentID string) (core.MappingSet, error)
	RefreshSnapshot(ctx context.Context, projectID string, snap core.Snapshot) (core.DiffReport, error)
}

// Loader writes a plan to the warehouse.
type Loader interface {
	Execute(ctx context.Context, inst core.Instrument, ms core.MappingSet, plan core.LoadPlan) (int64, error)
}

// UnitStore persists unit status across runs.
type UnitStore interface {
	GetUnit(ctx context.Context, key string) (core.LoadUnit, bool, error)
	SaveUnit(ctx context.Context, u core.LoadUnit) error
}

// Deps are the collaborators of an Orchestrator. Metrics may be nil.
type Deps struct {
	Catalog    *catalog.Catalog
	Exporter   Exporter
	Metadata   MetadataSource
	Registry   Registry
	Archive    storage.Archive
	Reconciler *reconcile.Reconciler
	Loader     Loader
	Units      UnitStore
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
}

// Request selects what a run loads. Empty filters select the whole catalog.
type Request struct {
	Trigger     core.Trigger
	Window      core.TimeWindow
	Projects    []string
	Instruments []string
}

// Orchestrator runs jobs. At most one run is active at a time.
type Orchestrator struct {
	deps    Deps
	cfg     config.JobConfig
	limiter *Limiter
	history *History
	active  atomic.Bool

	now   func() time.Time
	newID func() string
}

// New creates an orchestrator. A nil Notifier logs summaries.
func New(deps Deps, cfg config.JobConfig) *Orchestrator {
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{}
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		limiter: NewLimiter(cfg.MaxConcurrent),
		history: NewHistory(cfg.History),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// History returns the recent runs.
func (o *Orchestrator) History() *History { return o.history }

// Limiter returns the unit worker limiter.
func (o *Orchestrator) Limiter() *Limiter { return o.limiter }

// Active reports whether a run is in progress.
func (o *Orchestrator) Active() bool { return o.active.Load() }

// Start launches a run in the background and returns it as first recorded.
// ctx bounds the run, not the caller's request.
func (o *Orchestrator) Start(ctx context.Context, req Request) (core.JobRun, error) {
	if !o.active.CompareAndSwap(false, true) {
		return core.JobRun{}, ErrBusy
	}
	run := o.newRun(req)
	o.history.Put(*run)

	go func() {
		defer o.active.Store(false)
		o.execute(ctx, run, req)
	}()
	return *run, nil
}

// Run executes a run to completion. The returned run is never nil unless the
// error is ErrBusy.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*core.JobRun, error) {
	if !o.active.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer o.active.Store(false)

	run := o.newRun(req)
	o.history.Put(*run)
	o.execute(ctx, run, req)
	return run, nil
}

func (o *Orchestrator) newRun(req Request) *core.JobRun {
	trigger := req.Trigger
	if trigger == "" {
		trigger = core.TriggerOnDemand
	}
	started := o.now().UTC()

	// An open end is pinned to the run start so the unit key names the data
	// this run actually saw and a later run pulls again.
	w := req.Window
	if w.End.IsZero() {
		w.End = started
	}
	return &core.JobRun{
		ID:        o.newID(),
		Trigger:   trigger,
		Window:    w,
		StartedAt: started,
	}
}

// tracker serializes unit updates of one run and publishes them.
type tracker struct {
	mu      sync.Mutex
	run     *core.JobRun
	history *History
}

func (t *tracker) unit(i int) core.LoadUnit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.Units[i]
}

func (t *tracker) set(i int, u core.LoadUnit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Units[i] = u
	t.history.Put(*t.run)
}

func (t *tracker) update(fn func(run *core.JobRun)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.run)
	t.history.Put(*t.run)
}

func (o *Orchestrator) execute(ctx context.Context, run *core.JobRun, req Request) {
	ctx = logging.WithRunID(ctx, run.ID)
	log := logging.FromContext(ctx)
	tr := &tracker{run: run, history: o.history}
	req.Window = run.Window

	log.Info("run started",
		slog.String("trigger", string(run.Trigger)),
		slog.String("window", run.Window.String()),
	)

	targets, err := o.prepare(ctx, tr, req)
	if err != nil {
		tr.update(func(r *core.JobRun) {
			r.Fatal = err.Error()
			r.FatalCode = core.Code(err)
		})
		log.Error("run aborted before export", slog.String("code", core.Code(err)), slog.Any("error", err))
	} else {
		o.runUnits(ctx, tr, targets)
	}

	tr.update(func(r *core.JobRun) {
		r.FinishedAt = o.now().UTC()
		r.Outcome = r.Aggregate()
	})
	o.deps.Metrics.ObserveRun(run)

	// The summary goes out even when the run itself was cancelled.
	if err := o.deps.Notifier.Notify(context.WithoutCancel(ctx), notify.NewSummary(run)); err != nil {
		log.Error("notification failed", slog.Any("error", err))
	}
}

// prepare runs the validation stage, refreshes metadata and enumerates units.
// Any error it returns aborts the run before the first export.
func (o *Orchestrator) prepare(ctx context.Context, tr *tracker, req Request) ([]catalog.Target, error) {
	targets, err := o.deps.Catalog.Select(req.Projects, req.Instruments)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errors.New("selection matched no instruments")
	}

	if err := o.deps.Archive.CreateExportDirectory(ctx, ""); err != nil {
		return nil, err
	}

	drift := o.refreshMetadata(ctx, targets)

	units := make([]core.LoadUnit, len(targets))
	for i, t := range targets {
		units[i] = o.resume(ctx, core.LoadUnit{
			ProjectID:    t.Project.ID,
			InstrumentID: t.Instrument.ID,
			Window:       req.Window,
			Status:       core.StatusPending,
		})
	}

	tr.update(func(r *core.JobRun) {
		r.Drift = drift
		r.Units = units
	})
	return targets, nil
}

// resume returns the stored unit when it already succeeded for the same key.
func (o *Orchestrator) resume(ctx context.Context, u core.LoadUnit) core.LoadUnit {
	prev, ok, err := o.deps.Units.GetUnit(ctx, u.Key())
	if err != nil {
		logging.WithFields(ctx, "unit", u.Key()).Warn("unit status lookup failed", slog.Any("error", err))
		return u
	}
	if !ok || prev.Status != core.StatusSucceeded {
		return u
	}
	prev.Resumed = true
	return prev
}

// refreshMetadata captures the metadata of every selected project once.
// Failures are reported as drift and never abort the run; held instruments
// fail on their own when they ask for their mapping.
func (o *Orchestrator) refreshMetadata(ctx context.Context, targets []catalog.Target) []string {
	seen := make(map[string]bool)
	var drift []string

	for _, t := range targets {
		p := t.Project
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		log := logging.WithFields(ctx, "project", p.ID)

		snap, err := o.deps.Metadata.ExportMetadata(ctx, p)
		if err != nil {
			log.Warn("metadata export failed", slog.Any("error", err))
			drift = append(drift, fmt.Sprintf("project %s: metadata export failed (%s)", p.ID, core.Code(err)))
			continue
		}

		report, err := o.deps.Registry.RefreshSnapshot(ctx, p.ID, snap)
		if report.HasChanges() {
			drift = append(drift, fmt.Sprintf("project %s: metadata v%d, %d added, %d removed, %d changed",
				p.ID, report.ToVersion, len(report.Added), len(report.Removed), len(report.Changed)))
		}
		if err != nil {
			drift = append(drift, err.Error())
		}
	}
	return drift
}

func (o *Orchestrator) runUnits(ctx context.Context, tr *tracker, targets []catalog.Target) {
	var g errgroup.Group

	for i, t := range targets {
		if tr.unit(i).Resumed {
			logging.WithFields(ctx, "project", t.Project.ID, "instrument", t.Instrument.ID).
				Info("unit already succeeded, skipping")
			continue
		}
		if ctx.Err() != nil {
			break
		}
		i, t := i, t
		g.Go(func() error {
			if err := o.limiter.Acquire(ctx); err != nil {
				return nil
			}
			defer o.limiter.Release()
			o.deps.Metrics.Active(1)
			defer o.deps.Metrics.Active(-1)

			o.runUnit(ctx, tr, i, t)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		logging.FromContext(ctx).Warn("run cancelled, unstarted units left pending")
	}
}

func (o *Orchestrator) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitial
	b.MaxInterval = o.cfg.RetryMax
	b.Multiplier = o.cfg.RetryMultiplier
	b.RandomizationFactor = o.cfg.RetryJitter
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := o.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// runUnit drives one unit through its state machine. Each attempt runs on a
// context detached from ctx, so cancellation only stops further attempts.
func (o *Orchestrator) runUnit(ctx context.Context, tr *tracker, i int, t catalog.Target) {
	u := tr.unit(i)
	log := logging.WithFields(ctx,
		"project", u.ProjectID,
		"instrument", u.InstrumentID,
		"window", u.Window.String(),
	)
	u.StartedAt = o.now().UTC()

	var lastErr error
	attempt := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(core.ErrCancelled)
		}
		u.Attempts++
		u.Status = core.StatusRunning
		o.save(ctx, tr, i, u)

		err := o.attempt(context.WithoutCancel(ctx), t, &u)
		if err == nil {
			o.deps.Metrics.Attempt("ok")
			return nil
		}
		lastErr = err
		class := core.Classify(err)
		o.deps.Metrics.Attempt(class.String())
		if class == core.Permanent {
			return backoff.Permanent(err)
		}
		return err
	}
	retrying := func(err error, next time.Duration) {
		u.Status = core.StatusRetrying
		u.Reason = err.Error()
		u.Code = core.Code(err)
		o.save(ctx, tr, i, u)
		log.Warn("unit attempt failed, retrying",
			slog.Int("attempt", u.Attempts),
			slog.String("code", u.Code),
			slog.Duration("backoff", next),
			slog.Any("error", err),
		)
	}

	err := backoff.RetryNotify(attempt, o.policy(ctx), retrying)
	if u.Attempts == 0 {
		// Cancelled before the first attempt: the unit never started.
		return
	}
	u.FinishedAt = o.now().UTC()

	if err == nil {
		u.Status = core.StatusSucceeded
		u.Reason, u.Code = "", ""
		o.save(ctx, tr, i, u)
		o.deps.Metrics.ObserveUnit(u)
		log.Info("unit succeeded",
			slog.Int("attempts", u.Attempts),
			slog.Int("inserted", u.Inserted),
			slog.Int("upserted", u.Upserted),
			slog.Int("unchanged", u.Unchanged),
			slog.Int("stale", u.Stale),
			slog.Int("rejected", u.Rejected),
		)
		return
	}

	if ctx.Err() != nil && (errors.Is(err, core.ErrCancelled) || errors.Is(err, ctx.Err())) {
		err = core.ErrCancelled
		if lastErr != nil {
			err = fmt.Errorf("%w after %d attempt(s): %v", core.ErrCancelled, u.Attempts, lastErr)
		}
	}
	u.Status = core.StatusFailed
	u.Reason = err.Error()
	u.Code = core.Code(err)
	o.save(ctx, tr, i, u)
	o.deps.Metrics.ObserveUnit(u)
	log.Error("unit failed",
		slog.Int("attempts", u.Attempts),
		slog.String("code", u.Code),
		slog.Any("error", err),
	)
}

// save publishes u to the run and persists it.
func (o *Orchestrator) save(ctx context.Context, tr *tracker, i int, u core.LoadUnit) {
	tr.set(i, u)
	if err := o.deps.Units.SaveUnit(context.WithoutCancel(ctx), u); err != nil {
		logging.WithFields(ctx, "unit", u.Key()).Warn("unit status not persisted", slog.Any("error", err))
	}
}

// attempt is one pass of export, archive, transform, plan, load and commit.
// The steps are strictly sequential.
func (o *Orchestrator) attempt(ctx context.Context, t catalog.Target, u *core.LoadUnit) error {
	ms, err := o.deps.Registry.GetMapping(t.Project.ID, t.Instrument.ID)
	if err != nil {
		return err
	}

	exportCtx, cancel := context.WithTimeout(ctx, o.timeout(o.cfg.ExportTimeout))
	set, err := o.deps.Exporter.Export(exportCtx, t.Project, t.Instrument, u.Window)
	cancel()
	if err != nil {
		return err
	}

	if err := o.deps.Archive.WriteExport(ctx, storage.ExportPath(set), set.Data); err != nil {
		return err
	}

	res, err := transform.Transform(set, ms)
	if err != nil {
		return err
	}

	scope := core.StateScope{ProjectID: t.Project.ID, InstrumentID: t.Instrument.ID}
	plan, prior, err := o.deps.Reconciler.Prepare(ctx, scope, res.Clean)
	if err != nil {
		return err
	}

	loadCtx, cancel := context.WithTimeout(ctx, o.timeout(o.cfg.LoadTimeout))
	_, err = o.deps.Loader.Execute(loadCtx, t.Instrument, ms, plan)
	cancel()
	if err != nil {
		return err
	}

	if err := o.deps.Reconciler.Commit(ctx, scope, prior, plan); err != nil {
		return err
	}

	u.Inserted = plan.Count(core.OpInsert)
	u.Upserted = plan.Count(core.OpUpsert)
	u.Unchanged = plan.Unchanged
	u.Stale = plan.Stale
	u.Rejected = len(res.Rejected)
	logRejected(ctx, *u, res.Rejected)
	return nil
}

func (o *Orchestrator) timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Minute
	}
	return d
}

func logRejected(ctx context.Context, u core.LoadUnit, rejected []core.RejectedRecord) {
	if len(rejected) == 0 {
		return
	}
	byReason := make(map[string]int)
	for _, r := range rejected {
		byReason[r.Reason]++
	}
	reasons := make([]string, 0, len(byReason))
	for r := range byReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)

	attrs := []any{"project", u.ProjectID, "instrument", u.InstrumentID}
	for _, r := range reasons {
		attrs = append(attrs, r, byReason[r])
	}
	logging.FromContext(ctx).Info("records rejected", attrs...)
}

// ExitCode maps a finished run to the process exit status: 0 when every unit
// succeeded, 2 when the run aborted before any export, 1 otherwise.
func ExitCode(run *core.JobRun) int {
	switch {
	case run == nil:
		return 2
	case run.Fatal != "":
		return 2
	case run.Outcome == core.OutcomeSucceeded:
		return 0
	default:
		return 1
	}
}
