package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/natsbeat/internal/model"
	"github.com/t77yq/natsbeat/internal/schedule"
)

// Dispatcher hands a due task to the transport. It must not block; the
// scheduler does not retry a failed dispatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, task model.Task) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, task model.Task) error

func (f DispatcherFunc) Dispatch(ctx context.Context, task model.Task) error {
	return f(ctx, task)
}

// Metrics receives scheduler events.
type Metrics interface {
	RecordDispatch(entry string)
	RecordDispatchError(entry string)
	RecordEviction(entry string)
	RecordReconcile(outcome string)
	SetHeapSize(n int)
	SetEntries(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordDispatch(string)      {}
func (nopMetrics) RecordDispatchError(string) {}
func (nopMetrics) RecordEviction(string)      {}
func (nopMetrics) RecordReconcile(string)     {}
func (nopMetrics) SetHeapSize(int)            {}
func (nopMetrics) SetEntries(int)             {}

// Reconcile outcomes reported to Metrics.
const (
	ReconcileSkipped   = "skipped"
	ReconcileUnchanged = "unchanged"
	ReconcileChanged   = "changed"
	ReconcileFailed    = "failed"
)

// Config configures a Scheduler.
type Config struct {
	// MaxInterval caps every sleep hint and the reconciliation period.
	MaxInterval time.Duration
	// SyncEvery is how often dirty run-state is saved through the source.
	SyncEvery time.Duration
	// Location is the timezone crontab entries are evaluated in.
	Location *time.Location

	Defaults map[string]model.PeriodicTask
	Static   map[string]model.PeriodicTask
	Source   SourceHooks

	Dispatcher Dispatcher
	Metrics    Metrics

	// Clock defaults to time.Now.
	Clock func() time.Time
	// NewID generates dispatched task ids; defaults to uuid.NewString.
	NewID func() string
}

// Scheduler owns the entry table and the due-time heap and dispatches at
// most one entry per Tick.
type Scheduler struct {
	logger      *zap.Logger
	dispatcher  Dispatcher
	metrics     Metrics
	reconciler  *Reconciler
	hooks       SourceHooks
	maxInterval time.Duration
	syncEvery   time.Duration
	loc         *time.Location
	clock       func() time.Time
	newID       func() string

	mu       sync.Mutex
	table    Table
	heap     *eventHeap
	stale    bool
	dirty    map[string]struct{}
	lastSync time.Time
}

// New creates a scheduler. Default and static definitions are validated
// here so a bad entry fails at startup.
func New(cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if cfg.MaxInterval <= 0 {
		return nil, ErrInvalidMaxInterval
	}
	if cfg.Dispatcher == nil {
		return nil, ErrNoDispatcher
	}
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = DefaultSyncEvery
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	check := make(Table)
	if err := check.merge(cfg.Defaults, cfg.Clock()); err != nil {
		return nil, fmt.Errorf("invalid default schedule: %w", err)
	}
	if err := check.merge(cfg.Static, cfg.Clock()); err != nil {
		return nil, fmt.Errorf("invalid static schedule: %w", err)
	}

	logger = logger.Named("scheduler")
	return &Scheduler{
		logger:      logger,
		dispatcher:  cfg.Dispatcher,
		metrics:     cfg.Metrics,
		reconciler:  NewReconciler(cfg.Defaults, cfg.Static, cfg.Source, cfg.MaxInterval, logger),
		hooks:       cfg.Source,
		maxInterval: cfg.MaxInterval,
		syncEvery:   cfg.SyncEvery,
		loc:         cfg.Location,
		clock:       cfg.Clock,
		newID:       cfg.NewID,
		dirty:       make(map[string]struct{}),
		lastSync:    cfg.Clock(),
	}, nil
}

// MaxInterval returns the configured ceiling on sleep hints.
func (s *Scheduler) MaxInterval() time.Duration {
	return s.maxInterval
}

func (s *Scheduler) now() time.Time {
	return s.clock().In(s.loc)
}

// Tick runs one scheduling step and returns how long the caller should wait
// before calling Tick again. The only error it returns is a ConfigError from
// a definition that could not be built.
func (s *Scheduler) Tick(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := s.refresh(ctx, now); err != nil {
		return 0, err
	}
	s.syncLocked(ctx, now, false)

	if s.heap == nil || s.stale {
		s.populateHeap(now)
	}

	h := s.heap
	if h.Len() == 0 {
		return s.maxInterval, nil
	}

	ev := (*h)[0]
	entry, ok := s.table[ev.name]
	if !ok {
		heapPop(h)
		s.metrics.SetHeapSize(h.Len())
		return 0, nil
	}

	due, next := entry.IsDue(now)
	if due {
		verify := heapPop(h)
		if verify.name != ev.name {
			heapPush(h, verify)
			return s.capped(verify.dueAt.Sub(now)), nil
		}

		s.dispatch(ctx, entry, now)

		advanced := entry.Advance(now)
		s.table[ev.name] = advanced
		s.dirty[ev.name] = struct{}{}

		if _, delay := advanced.IsDue(now); delay != schedule.Never {
			heapPush(h, event{dueAt: now.Add(delay), priority: advanced.Priority, name: ev.name})
		} else {
			s.evicted(ev.name)
		}
		s.metrics.SetHeapSize(h.Len())
		return 0, nil
	}

	if next == schedule.Never {
		heapPop(h)
		s.evicted(ev.name)
		s.metrics.SetHeapSize(h.Len())
		if h.Len() > 0 {
			return 0, nil
		}
		return s.maxInterval, nil
	}

	// The root's key can lag behind its real due time (a disabled entry, a
	// schedule that moved). Re-key it so it cannot shadow later events.
	dueAt := now.Add(next)
	if ev.dueAt.Before(dueAt) {
		heapRekey(h, dueAt)
		if (*h)[0].name != ev.name {
			return 0, nil
		}
	}
	return s.capped(next), nil
}

func (s *Scheduler) capped(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > s.maxInterval {
		return s.maxInterval
	}
	return d
}

func (s *Scheduler) evicted(name string) {
	s.metrics.RecordEviction(name)
	s.logger.Debug("Entry will not run again, removed from heap", zap.String("entry", name))
}

// refresh swaps in a reconciled table and marks the heap stale if needed.
func (s *Scheduler) refresh(ctx context.Context, now time.Time) error {
	result, err := s.reconciler.Reconcile(ctx, s.table, now)
	if err != nil {
		s.metrics.RecordReconcile(ReconcileFailed)
		return err
	}
	if !result.Reloaded {
		s.metrics.RecordReconcile(ReconcileSkipped)
		return nil
	}

	s.table = result.Table
	for name := range s.dirty {
		if _, ok := s.table[name]; !ok {
			delete(s.dirty, name)
		}
	}
	s.metrics.SetEntries(len(s.table))

	if result.Stale {
		s.stale = true
		s.metrics.RecordReconcile(ReconcileChanged)
	} else {
		s.metrics.RecordReconcile(ReconcileUnchanged)
	}
	return nil
}

// populateHeap rebuilds the heap from the table. Entries that will never be
// due again are left out.
func (s *Scheduler) populateHeap(now time.Time) {
	h := make(eventHeap, 0, len(s.table))
	for name, entry := range s.table {
		due, next := entry.IsDue(now)
		if !due && next == schedule.Never {
			continue
		}
		dueAt := now
		if !due {
			dueAt = now.Add(next)
		}
		h = append(h, event{dueAt: dueAt, priority: entry.Priority, name: name})
	}
	heapInit(&h)

	s.heap = &h
	s.stale = false
	s.metrics.SetHeapSize(h.Len())
	s.logger.Debug("Heap populated", zap.Int("events", h.Len()), zap.Int("entries", len(s.table)))
}

func (s *Scheduler) dispatch(ctx context.Context, entry *Entry, now time.Time) {
	task := entry.task(s.newID(), now)
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		s.metrics.RecordDispatchError(entry.Name)
		s.logger.Error("Failed to dispatch entry",
			zap.String("entry", entry.Name),
			zap.String("task", entry.Task),
			zap.Error(err))
		return
	}
	s.metrics.RecordDispatch(entry.Name)
	s.logger.Info("Dispatched entry",
		zap.String("entry", entry.Name),
		zap.String("task", entry.Task),
		zap.String("task_id", task.ID),
		zap.Int("run_count", task.RunCount))
}

// syncLocked hands dirty run-state to the source. Names that fail stay dirty.
func (s *Scheduler) syncLocked(ctx context.Context, now time.Time, force bool) {
	if s.hooks.SaveRunState == nil || len(s.dirty) == 0 {
		return
	}
	if !force && now.Sub(s.lastSync) < s.syncEvery {
		return
	}
	s.lastSync = now

	names := make([]string, 0, len(s.dirty))
	for name := range s.dirty {
		names = append(names, name)
	}
	sort.Strings(names)

	states := make([]model.RunState, 0, len(names))
	for _, name := range names {
		states = append(states, s.table[name].RunState())
	}

	if err := s.hooks.SaveRunState(ctx, states); err != nil {
		s.logger.Warn("Failed to sync run state, will retry", zap.Int("entries", len(states)), zap.Error(err))
		return
	}
	for _, name := range names {
		delete(s.dirty, name)
	}
	s.logger.Debug("Synced run state", zap.Int("entries", len(states)))
}

// Run drives Tick until ctx is cancelled or a configuration error occurs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting scheduler", zap.Duration("max_interval", s.maxInterval))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")
			return nil
		case <-timer.C:
		}

		delay, err := s.Tick(ctx)
		if err != nil {
			s.logger.Error("Scheduler stopped on configuration error", zap.Error(err))
			return err
		}
		timer.Reset(delay)
	}
}

// Close flushes any unsynced run-state.
func (s *Scheduler) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked(ctx, s.now(), true)
}

// Entries returns a snapshot of the table sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.table))
	for _, name := range s.table.Names() {
		entries = append(entries, *s.table[name])
	}
	return entries
}

// Entry returns a copy of the named entry.
func (s *Scheduler) Entry(name string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.table[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return *e, nil
}

// LastUpdated returns the newest last_updated seen from the dynamic source.
func (s *Scheduler) LastUpdated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconciler.LastUpdated()
}

// Refresh marks the dynamic source as changed. The next reconciliation,
// still at most one per max_interval, reloads it without consulting
// HasChanged.
func (s *Scheduler) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciler.Invalidate()
}
