// Package reconcile compares clean records with what has already been loaded
// and produces the minimal set of warehouse writes.
package reconcile

import (
	"sort"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// Plan builds the LoadPlan that brings the warehouse up to date with clean.
//
// A key with no prior load is inserted. A key whose record is strictly newer
// than the prior last_updated_ts is upserted. Equal and older records produce
// no op. When a key appears more than once in clean the last occurrence wins.
// Ops are ordered by key and no op ever deletes.
func Plan(clean []core.CleanRecord, prior core.PriorState) core.LoadPlan {
	latest := make(map[core.RecordKey]core.CleanRecord, len(clean))
	for _, rec := range clean {
		latest[rec.Key] = rec
	}

	keys := make([]core.RecordKey, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	var plan core.LoadPlan
	for _, k := range keys {
		rec := latest[k]
		loadedAt, ok := prior.Loaded[k]
		switch {
		case !ok:
			plan.Ops = append(plan.Ops, core.PlanOp{Kind: core.OpInsert, Key: k, Record: rec})
		case rec.LastUpdated.After(loadedAt):
			plan.Ops = append(plan.Ops, core.PlanOp{Kind: core.OpUpsert, Key: k, Record: rec})
		case rec.LastUpdated.Equal(loadedAt):
			plan.Unchanged++
		default:
			plan.Stale++
		}
	}
	return plan
}
