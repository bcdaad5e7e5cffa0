package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/natsbeat/internal/model"
	"github.com/t77yq/natsbeat/internal/schedule"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "natsbeat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	priority := 2
	disabled := false
	require.NoError(t, store.Upsert(ctx, model.PeriodicTask{
		Name:     "reports",
		Task:     "reports.build",
		Type:     "crontab",
		Schedule: "0 4 * * *",
		Args:     []any{"daily", float64(3)},
		Kwargs:   map[string]any{"fmt": "pdf"},
		Priority: &priority,
		Expires:  model.Duration(time.Hour),
		Enabled:  &disabled,
		MaxCalls: 10,
	}))

	def, err := store.Get(ctx, "reports")
	require.NoError(t, err)
	assert.Equal(t, "reports.build", def.Task)
	assert.Equal(t, "crontab", def.Type)
	assert.Equal(t, "0 4 * * *", def.Schedule)
	assert.Equal(t, []any{"daily", float64(3)}, def.Args)
	assert.Equal(t, map[string]any{"fmt": "pdf"}, def.Kwargs)
	require.NotNil(t, def.Priority)
	assert.Equal(t, 2, *def.Priority)
	assert.Equal(t, model.Duration(time.Hour), def.Expires)
	require.NotNil(t, def.Enabled)
	assert.False(t, *def.Enabled)
	assert.Equal(t, 10, def.MaxCalls)
	assert.Nil(t, def.LastRunAt)
	assert.NotNil(t, def.LastUpdated)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, model.PeriodicTask{Name: "ping", Task: "beat.ping", Schedule: "30"}))

	def, err := store.Get(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, schedule.KindInterval, def.Type)
	assert.Nil(t, def.Priority)
	assert.Nil(t, def.Args)
	assert.Nil(t, def.Kwargs)
	require.NotNil(t, def.Enabled)
	assert.True(t, *def.Enabled)
}

func TestUpsertRejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		def  model.PeriodicTask
	}{
		{"missing name", model.PeriodicTask{Task: "t", Schedule: "1"}},
		{"missing task", model.PeriodicTask{Name: "n", Schedule: "1"}},
		{"unknown type", model.PeriodicTask{Name: "n", Task: "t", Type: "solar", Schedule: "1"}},
		{"bad crontab", model.PeriodicTask{Name: "n", Task: "t", Type: "crontab", Schedule: "61 * * * *"}},
		{"bad interval", model.PeriodicTask{Name: "n", Task: "t", Schedule: "-3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, store.Upsert(ctx, tt.def), ErrInvalidTask)
		})
	}

	defs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, model.PeriodicTask{Name: "a", Task: "t.a", Schedule: "1"}))
	require.NoError(t, store.Delete(ctx, "a"))
	assert.ErrorIs(t, store.Delete(ctx, "a"), ErrNotFound)
}

func TestHasChanged(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	require.NoError(t, store.Upsert(ctx, model.PeriodicTask{Name: "a", Task: "t.a", Schedule: "1"}))

	defs, err := store.Fetch(ctx)
	require.NoError(t, err)
	require.Contains(t, defs, "a")

	changed, err := store.HasChanged(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "nothing changed since fetch")

	t.Run("run state is not a change", func(t *testing.T) {
		require.NoError(t, store.SaveRunState(ctx, []model.RunState{{Name: "a", LastRunAt: clock, TotalRunCount: 4}}))
		changed, err := store.HasChanged(ctx)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("edit", func(t *testing.T) {
		clock = clock.Add(time.Second)
		require.NoError(t, store.Upsert(ctx, model.PeriodicTask{Name: "a", Task: "t.a", Schedule: "2"}))
		changed, err := store.HasChanged(ctx)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = store.HasChanged(ctx)
		require.NoError(t, err)
		assert.False(t, changed, "a change is reported once")
	})

	t.Run("add", func(t *testing.T) {
		clock = clock.Add(time.Second)
		require.NoError(t, store.Upsert(ctx, model.PeriodicTask{Name: "b", Task: "t.b", Schedule: "1"}))
		changed, err := store.HasChanged(ctx)
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "a"))
		changed, err := store.HasChanged(ctx)
		require.NoError(t, err)
		assert.True(t, changed)
	})
}

func TestSaveRunState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, model.PeriodicTask{Name: "a", Task: "t.a", Schedule: "1", MaxCalls: 5}))

	ranAt := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, store.SaveRunState(ctx, []model.RunState{
		{Name: "a", LastRunAt: ranAt, TotalRunCount: 3},
		{Name: "static-only", LastRunAt: ranAt, TotalRunCount: 1},
	}))

	defs, err := store.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs["a"]
	require.NotNil(t, def.LastRunAt)
	assert.True(t, ranAt.Equal(*def.LastRunAt))
	assert.Equal(t, 3, def.TotalRunCount)

	// Editing the definition keeps run-state.
	require.NoError(t, store.Upsert(ctx, model.PeriodicTask{Name: "a", Task: "t.a", Schedule: "10", MaxCalls: 5}))
	def, err = store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "10", def.Schedule)
	assert.Equal(t, 3, def.TotalRunCount)
}

func TestHooks(t *testing.T) {
	store := newTestStore(t)
	hooks := store.Hooks()

	assert.NotNil(t, hooks.Fetch)
	assert.NotNil(t, hooks.HasChanged)
	assert.NotNil(t, hooks.SaveRunState)
}

func TestStorePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "natsbeat.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(zap.NewNop(), path)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, model.PeriodicTask{Name: "a", Task: "t.a", Schedule: "1"}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(zap.NewNop(), path)
	require.NoError(t, err)
	defer reopened.Close()

	defs, err := reopened.Fetch(ctx)
	require.NoError(t, err)
	assert.Contains(t, defs, "a")
}

func TestDispatchHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, entry := range []string{"a", "b", "a"} {
		require.NoError(t, store.RecordDispatch(ctx, model.DispatchRecord{
			ID:           entry + "-" + string(rune('0'+i)),
			Entry:        entry,
			Task:         "t." + entry,
			DispatchedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.RecordDispatch(ctx, model.DispatchRecord{
		ID: "b-err", Entry: "b", Task: "t.b", DispatchedAt: base.Add(time.Hour), Error: "publish timeout",
	}))

	all, err := store.ListDispatches(ctx, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "b-err", all[0].ID)
	assert.Equal(t, "publish timeout", all[0].Error)

	onlyA, err := store.ListDispatches(ctx, "a", 0, 10)
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, "a-2", onlyA[0].ID)
	assert.True(t, base.Add(2*time.Minute).Equal(onlyA[0].DispatchedAt))

	page, err := store.ListDispatches(ctx, "", 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a-2", page[0].ID)

	deleted, err := store.DeleteDispatchesBefore(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	all, err = store.ListDispatches(ctx, "", 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
