// Package metadata keeps the field mappings of every instrument together with
// the latest and prior REDCap metadata snapshot of each project, and holds
// instruments whose mappings a metadata change has broken.
package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/redcap-etl/internal/core"
	"github.com/JonMunkholm/redcap-etl/internal/logging"
)

// SnapshotStore persists snapshots so drift detection survives restarts.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s core.Snapshot) error
	// RecentSnapshots returns up to n snapshots of a project, newest first.
	RecentSnapshots(ctx context.Context, projectID string, n int) ([]core.Snapshot, error)
}

type scope struct {
	project    string
	instrument string
}

// Registry is safe for concurrent use. Reads take a shared lock; refreshes
// of one project are serialized.
type Registry struct {
	store SnapshotStore
	now   func() time.Time

	mu       sync.RWMutex
	mappings map[scope]core.MappingSet
	held     map[scope][]string
	latest   map[string]core.Snapshot
	prior    map[string]core.Snapshot

	refreshMu sync.Mutex
	refreshes map[string]*sync.Mutex
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(store SnapshotStore) *Registry {
	return &Registry{
		store:     store,
		now:       time.Now,
		mappings:  make(map[scope]core.MappingSet),
		held:      make(map[scope][]string),
		latest:    make(map[string]core.Snapshot),
		prior:     make(map[string]core.Snapshot),
		refreshes: make(map[string]*sync.Mutex),
	}
}

// Load restores the latest and prior snapshot of each project from the store.
func (r *Registry) Load(ctx context.Context, projectIDs []string) error {
	if r.store == nil {
		return nil
	}
	for _, id := range projectIDs {
		snaps, err := r.store.RecentSnapshots(ctx, id, 2)
		if err != nil {
			return fmt.Errorf("load snapshots for project %s: %w", id, err)
		}
		r.mu.Lock()
		if len(snaps) > 0 {
			r.latest[id] = snaps[0]
		}
		if len(snaps) > 1 {
			r.prior[id] = snaps[1]
		}
		r.mu.Unlock()
	}
	return nil
}

// GetMapping returns the mapping of an instrument. Held instruments return
// *core.IncompatibleSchemaChange until their mappings are updated.
func (r *Registry) GetMapping(projectID, instrumentID string) (core.MappingSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k := scope{projectID, instrumentID}
	if reasons, ok := r.held[k]; ok {
		return core.MappingSet{}, &core.IncompatibleSchemaChange{
			ProjectID:   projectID,
			Instruments: map[string][]string{instrumentID: append([]string(nil), reasons...)},
		}
	}
	ms, ok := r.mappings[k]
	if !ok {
		return core.MappingSet{}, fmt.Errorf("%w: %s/%s has no field mappings", core.ErrUnknownInstrument, projectID, instrumentID)
	}
	return ms, nil
}

// Held reports whether an instrument is held and why.
func (r *Registry) Held(projectID, instrumentID string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reasons, ok := r.held[scope{projectID, instrumentID}]
	return append([]string(nil), reasons...), ok
}

// GetLatestSnapshot returns the most recent snapshot of a project.
func (r *Registry) GetLatestSnapshot(projectID string) (core.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.latest[projectID]
	return s, ok
}

// GetPriorSnapshot returns the snapshot the latest one replaced.
func (r *Registry) GetPriorSnapshot(projectID string) (core.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.prior[projectID]
	return s, ok
}

// UpdateMappings replaces the mappings of one instrument. If they are
// consistent with the latest snapshot the instrument's hold is cleared;
// otherwise it stays held and the problems are returned.
func (r *Registry) UpdateMappings(projectID, instrumentID string, mappings []core.FieldMapping) error {
	ms, err := core.NewMappingSet(projectID, instrumentID, mappings)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := scope{projectID, instrumentID}
	r.mappings[k] = ms

	snap, ok := r.latest[projectID]
	if !ok {
		delete(r.held, k)
		return nil
	}

	reasons := checkMappings(ms, core.Snapshot{}, snap, false)
	if len(reasons) == 0 {
		delete(r.held, k)
		return nil
	}
	r.held[k] = reasons
	return &core.IncompatibleSchemaChange{
		ProjectID:   projectID,
		Instruments: map[string][]string{instrumentID: reasons},
	}
}

// RefreshSnapshot records snap as the latest snapshot of a project and
// compares it with the previous one. The registry assigns the version; a
// snapshot identical to the latest is neither versioned nor saved. When a
// mapped field was removed or changed type class, the affected instruments
// are held and the report is returned along with *core.IncompatibleSchemaChange.
// Mappings are never modified.
func (r *Registry) RefreshSnapshot(ctx context.Context, projectID string, snap core.Snapshot) (core.DiffReport, error) {
	lock := r.refreshLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	old, hadOld := r.latest[projectID]
	var sets []core.MappingSet
	for k, ms := range r.mappings {
		if k.project == projectID {
			sets = append(sets, ms)
		}
	}
	r.mu.RUnlock()

	snap.ProjectID = projectID
	snap.Version = old.Version + 1
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = r.now().UTC()
	}
	snap.Fields = append([]core.FieldDef(nil), snap.Fields...)

	report := Diff(old, snap)
	report.ProjectID = projectID

	// Identical metadata keeps the current version.
	if hadOld && !report.HasChanges() {
		report.ToVersion = old.Version
		return report, nil
	}

	incompatible := make(map[string][]string)
	for _, ms := range sets {
		if reasons := checkMappings(ms, old, snap, hadOld); len(reasons) > 0 {
			incompatible[ms.InstrumentID] = reasons
		}
	}
	if len(incompatible) > 0 {
		report.Incompatible = incompatible
	}

	if r.store != nil {
		if err := r.store.SaveSnapshot(ctx, snap); err != nil {
			return report, fmt.Errorf("save snapshot for project %s: %w", projectID, err)
		}
	}

	r.mu.Lock()
	if hadOld {
		r.prior[projectID] = old
	}
	r.latest[projectID] = snap
	for inst, reasons := range incompatible {
		r.held[scope{projectID, inst}] = reasons
	}
	r.mu.Unlock()

	log := logging.WithFields(ctx, "project", projectID, "version", snap.Version)
	if report.HasChanges() {
		log.Info("metadata changed",
			"added", len(report.Added),
			"removed", len(report.Removed),
			"changed", len(report.Changed),
		)
	}

	if len(incompatible) > 0 {
		err := &core.IncompatibleSchemaChange{ProjectID: projectID, Instruments: incompatible}
		log.Warn("instruments held after metadata refresh", "error", err)
		return report, err
	}
	return report, nil
}

func (r *Registry) refreshLock(projectID string) *sync.Mutex {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	m, ok := r.refreshes[projectID]
	if !ok {
		m = &sync.Mutex{}
		r.refreshes[projectID] = m
	}
	return m
}

// Diff compares two snapshots field by field. A zero old snapshot reports
// every field as added.
func Diff(old, next core.Snapshot) core.DiffReport {
	report := core.DiffReport{
		ProjectID:   next.ProjectID,
		FromVersion: old.Version,
		ToVersion:   next.Version,
	}

	oldByID := make(map[string]core.FieldDef, len(old.Fields))
	for _, f := range old.Fields {
		oldByID[f.FieldID] = f
	}
	nextByID := make(map[string]core.FieldDef, len(next.Fields))
	for _, f := range next.Fields {
		nextByID[f.FieldID] = f
	}

	for _, f := range next.Fields {
		prev, ok := oldByID[f.FieldID]
		if !ok {
			report.Added = append(report.Added, f.FieldID)
			continue
		}
		report.Changed = append(report.Changed, fieldChanges(prev, f)...)
	}
	for _, f := range old.Fields {
		if _, ok := nextByID[f.FieldID]; !ok {
			report.Removed = append(report.Removed, f.FieldID)
		}
	}

	sort.Strings(report.Added)
	sort.Strings(report.Removed)
	sort.SliceStable(report.Changed, func(i, j int) bool {
		return report.Changed[i].FieldID < report.Changed[j].FieldID
	})
	return report
}

func fieldChanges(a, b core.FieldDef) []core.FieldChange {
	var out []core.FieldChange
	add := func(attr, o, n string) {
		if o != n {
			out = append(out, core.FieldChange{FieldID: b.FieldID, Attribute: attr, Old: o, New: n})
		}
	}
	add("form", a.Form, b.Form)
	add("label", a.Label, b.Label)
	add("type", a.Type, b.Type)
	add("validation", a.Validation, b.Validation)
	add("choices", a.Choices, b.Choices)
	return out
}

// checkMappings lists why ms no longer fits next. With hadOld, fields that
// vanished or changed type class since old are reported as such. Without it
// a mapping whose data type next's field cannot carry is reported, so a hold
// is derived again from the mappings alone after a restart.
func checkMappings(ms core.MappingSet, old, next core.Snapshot, hadOld bool) []string {
	var reasons []string
	seen := make(map[string]bool)

	for _, m := range ms.Mappings() {
		if exempt(ms.InstrumentID, m) {
			continue
		}
		base := BaseField(m.SourceField)
		if seen[base] {
			continue
		}
		seen[base] = true

		nf, inNext := next.Field(base)
		of, inOld := old.Field(base)
		switch {
		case !inNext && hadOld && inOld:
			reasons = append(reasons, fmt.Sprintf("%s removed", base))
		case !inNext:
			reasons = append(reasons, fmt.Sprintf("%s not in metadata", base))
		case hadOld && inOld && of.Class() != nf.Class():
			reasons = append(reasons, fmt.Sprintf("%s type %s -> %s", base, of.Class(), nf.Class()))
		case !nf.Accepts(m.DataType):
			reasons = append(reasons, fmt.Sprintf("%s type %s, mapped as %s", base, nf.Class(), m.DataType))
		}
	}
	return reasons
}

// exempt reports mappings that never appear in REDCap metadata: the form
// complete flag, the survey timestamp and REDCap's own key columns.
func exempt(instrumentID string, m core.FieldMapping) bool {
	return m.IsCompleteFlag ||
		m.SourceField == instrumentID+"_timestamp" ||
		strings.HasPrefix(m.SourceField, "redcap_")
}

// BaseField maps a checkbox export column (field___code) to its metadata field.
func BaseField(source string) string {
	if i := strings.Index(source, "___"); i > 0 {
		return source[:i]
	}
	return source
}
