package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/natsbeat/internal/model"
)

// SourceHooks is the set of callbacks a dynamic schedule source supplies.
// Only Fetch is required.
type SourceHooks struct {
	// Fetch returns the current dynamic definitions keyed by name.
	Fetch func(ctx context.Context) (map[string]model.PeriodicTask, error)

	// HasChanged reports whether Fetch would return something new. When nil
	// every reconciliation performs a full fetch and diff.
	HasChanged func(ctx context.Context) (bool, error)

	// SaveRunState persists run-state of dispatched entries.
	SaveRunState func(ctx context.Context, states []model.RunState) error
}

// ReconcileResult describes one reconciliation pass.
type ReconcileResult struct {
	Table Table

	// Reloaded is false when the pass was skipped and Table is the input table.
	Reloaded bool
	// Stale means the heap no longer reflects Table.
	Stale bool

	Added   []string
	Removed []string
	Changed []string
}

// Reconciler rebuilds the entry table from the default, static and dynamic
// definitions, carrying run-state forward for names that persist.
type Reconciler struct {
	logger      *zap.Logger
	defaults    map[string]model.PeriodicTask
	static      map[string]model.PeriodicTask
	hooks       SourceHooks
	maxInterval time.Duration

	lastCheck     time.Time
	initialized   bool
	dynamicLoaded bool
	invalidated   bool
	lastUpdated   time.Time
}

// NewReconciler creates a reconciler that consults the source at most once
// per maxInterval.
func NewReconciler(defaults, static map[string]model.PeriodicTask, hooks SourceHooks, maxInterval time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		logger:      logger.Named("reconciler"),
		defaults:    defaults,
		static:      static,
		hooks:       hooks,
		maxInterval: maxInterval,
	}
}

// LastUpdated returns the newest last_updated seen from the dynamic source.
func (r *Reconciler) LastUpdated() time.Time {
	return r.lastUpdated
}

// Invalidate makes the next pass fetch without asking HasChanged. It does not
// shorten the max interval between passes.
func (r *Reconciler) Invalidate() {
	r.invalidated = true
}

// Reconcile returns the table that should be in effect at now. Source hook
// failures are logged and leave current in place; a definition that cannot be
// built is returned as a ConfigError.
func (r *Reconciler) Reconcile(ctx context.Context, current Table, now time.Time) (ReconcileResult, error) {
	unchanged := ReconcileResult{Table: current}

	if r.initialized && now.Sub(r.lastCheck) < r.maxInterval {
		return unchanged, nil
	}
	r.lastCheck = now

	if r.initialized && r.dynamicLoaded && !r.invalidated && r.hooks.HasChanged != nil {
		changed, err := r.hooks.HasChanged(ctx)
		if err != nil {
			r.logger.Warn("Change detection failed, keeping current schedules", zap.Error(err))
			return unchanged, nil
		}
		if !changed {
			return unchanged, nil
		}
	}

	next := make(Table, len(current))
	if err := next.merge(r.defaults, now); err != nil {
		return unchanged, err
	}
	if err := next.merge(r.static, now); err != nil {
		return unchanged, err
	}

	if r.hooks.Fetch != nil {
		defs, err := r.hooks.Fetch(ctx)
		if err != nil {
			r.logger.Warn("Failed to fetch dynamic schedules, keeping current schedules", zap.Error(err))
			// Force a full fetch next time; the change detector may already
			// have consumed this change.
			r.dynamicLoaded = false
			if r.initialized {
				return unchanged, nil
			}
			defs = nil
		} else {
			r.dynamicLoaded = true
			r.invalidated = false
		}
		if err := r.mergeDynamic(next, current, defs, now); err != nil {
			return unchanged, err
		}
	}

	result := r.diff(current, next, now)
	if !r.initialized {
		result.Stale = true
	}
	r.initialized = true

	if result.Stale {
		r.logger.Info("Schedules changed, rescheduling",
			zap.Int("entries", len(result.Table)),
			zap.Strings("added", result.Added),
			zap.Strings("removed", result.Removed),
			zap.Strings("changed", result.Changed))
	}
	return result, nil
}

func (r *Reconciler) mergeDynamic(next, current Table, defs map[string]model.PeriodicTask, now time.Time) error {
	for name, def := range defs {
		def.Name = name
		e, err := NewEntry(def, now)
		if err != nil {
			return err
		}
		// Persisted run-state only seeds entries this process has not seen.
		if _, known := current[name]; !known {
			if def.LastRunAt != nil {
				e.LastRunAt = *def.LastRunAt
			}
			e.TotalRunCount = def.TotalRunCount
		}
		next[name] = e

		if def.LastUpdated != nil && def.LastUpdated.After(r.lastUpdated) {
			r.lastUpdated = *def.LastUpdated
		}
	}
	return nil
}

// diff classifies names and carries run-state forward into next.
func (r *Reconciler) diff(current, next Table, now time.Time) ReconcileResult {
	result := ReconcileResult{Table: next, Reloaded: true}

	for _, name := range current.Names() {
		if _, ok := next[name]; !ok {
			result.Removed = append(result.Removed, name)
			r.logger.Debug("Schedule removed", zap.String("entry", name))
		}
	}

	for _, name := range next.Names() {
		candidate := next[name]
		old, ok := current[name]
		if !ok {
			result.Added = append(result.Added, name)
			r.logger.Debug("Schedule added", zap.Stringer("entry", candidate))
			continue
		}

		candidate.TotalRunCount = old.TotalRunCount
		candidate.LastRunAt = old.LastRunAt

		if old.Equal(candidate) {
			candidate.LastUpdated = old.LastUpdated
			continue
		}

		updated := *old
		updated.Update(candidate, now)
		next[name] = &updated
		result.Changed = append(result.Changed, name)
		r.logger.Debug("Schedule updated", zap.Stringer("entry", &updated))
	}

	result.Stale = len(result.Added) > 0 || len(result.Removed) > 0 || len(result.Changed) > 0
	return result
}
