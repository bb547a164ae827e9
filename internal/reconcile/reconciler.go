package reconcile

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// Store persists the loaded state of each scope.
//
// Commit must apply plan only when the stored version still equals
// expectedVersion and return core.ErrVersionConflict otherwise.
type Store interface {
	Load(ctx context.Context, scope core.StateScope) (core.PriorState, error)
	Commit(ctx context.Context, scope core.StateScope, expectedVersion int64, plan core.LoadPlan) error
}

// Reconciler is the only path through which loaded state is read and written.
type Reconciler struct {
	store Store
}

// NewReconciler creates a Reconciler over store.
func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// Prepare loads the prior state of scope and plans clean against it. The
// returned state must be handed back to Commit after the plan is executed.
func (r *Reconciler) Prepare(ctx context.Context, scope core.StateScope, clean []core.CleanRecord) (core.LoadPlan, core.PriorState, error) {
	prior, err := r.store.Load(ctx, scope)
	if err != nil {
		return core.LoadPlan{}, core.PriorState{}, fmt.Errorf("load state %s: %w", scope, err)
	}
	return Plan(clean, prior), prior, nil
}

// Commit records an executed plan. An empty plan leaves the state untouched.
func (r *Reconciler) Commit(ctx context.Context, scope core.StateScope, prior core.PriorState, plan core.LoadPlan) error {
	if plan.Empty() {
		return nil
	}
	if err := r.store.Commit(ctx, scope, prior.Version, plan); err != nil {
		return fmt.Errorf("commit state %s: %w", scope, err)
	}
	return nil
}
