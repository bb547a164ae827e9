package job

import (
	"sync"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// History keeps the most recent runs in memory for the status API. Runs are
// stored as copies, so readers never observe a unit mid-update.
type History struct {
	mu    sync.RWMutex
	limit int
	order []string
	runs  map[string]core.JobRun
}

// NewHistory keeps up to limit runs.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 50
	}
	return &History{limit: limit, runs: make(map[string]core.JobRun)}
}

// Put records or replaces a run. The oldest run is evicted when full.
func (h *History) Put(run core.JobRun) {
	run.Units = append([]core.LoadUnit(nil), run.Units...)
	run.Drift = append([]string(nil), run.Drift...)

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.runs[run.ID]; !ok {
		h.order = append(h.order, run.ID)
		if len(h.order) > h.limit {
			delete(h.runs, h.order[0])
			h.order = h.order[1:]
		}
	}
	h.runs[run.ID] = run
}

// Get returns the run with the given id.
func (h *History) Get(id string) (core.JobRun, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	run, ok := h.runs[id]
	return run, ok
}

// List returns the kept runs, newest first.
func (h *History) List() []core.JobRun {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]core.JobRun, 0, len(h.order))
	for i := len(h.order) - 1; i >= 0; i-- {
		out = append(out, h.runs[h.order[i]])
	}
	return out
}
