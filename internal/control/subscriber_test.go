package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/natsbeat/internal/model"
	"github.com/t77yq/natsbeat/internal/testutil"
)

type memStore struct {
	mu   sync.Mutex
	defs map[string]model.PeriodicTask
}

func newMemStore() *memStore {
	return &memStore{defs: map[string]model.PeriodicTask{}}
}

func (m *memStore) Upsert(ctx context.Context, def model.PeriodicTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def.Name == "" {
		return errors.New("name is required")
	}
	m.defs[def.Name] = def
	return nil
}

func (m *memStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[name]; !ok {
		return errors.New("not found")
	}
	delete(m.defs, name)
	return nil
}

func (m *memStore) get(name string) (model.PeriodicTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[name]
	return def, ok
}

func TestSubscriberAppliesCommands(t *testing.T) {
	js := testutil.SetupJetStream(t)
	store := newMemStore()
	var changes atomic.Int32

	sub := NewSubscriber(js, store, func() { changes.Add(1) }, zap.NewNop())
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	require.NoError(t, testutil.WaitForStream(t, js, StreamName, 5*time.Second))
	require.NoError(t, testutil.WaitForConsumer(t, js, StreamName, AddConsumer, 5*time.Second))
	require.NoError(t, testutil.WaitForConsumer(t, js, StreamName, RemoveConsumer, 5*time.Second))

	priority := 1
	require.NoError(t, PublishAdd(js, model.PeriodicTask{
		Name:     "reports",
		Task:     "reports.build",
		Type:     "crontab",
		Schedule: "0 4 * * *",
		Priority: &priority,
		Expires:  model.Duration(time.Hour),
	}))

	require.Eventually(t, func() bool {
		_, ok := store.get("reports")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	def, _ := store.get("reports")
	assert.Equal(t, "reports.build", def.Task)
	assert.Equal(t, "0 4 * * *", def.Schedule)
	require.NotNil(t, def.Priority)
	assert.Equal(t, 1, *def.Priority)
	assert.Equal(t, model.Duration(time.Hour), def.Expires)
	assert.Equal(t, int32(1), changes.Load())

	require.NoError(t, PublishRemove(js, "reports"))
	require.Eventually(t, func() bool {
		_, ok := store.get("reports")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), changes.Load())
}

func TestSubscriberExpiresInSeconds(t *testing.T) {
	js := testutil.SetupJetStream(t)
	store := newMemStore()

	sub := NewSubscriber(js, store, nil, zap.NewNop())
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	require.NoError(t, testutil.WaitForConsumer(t, js, StreamName, AddConsumer, 5*time.Second))

	commands := map[string]string{
		"numeric":  `{"name":"numeric","task":"t.n","schedule":"60","expires":43200}`,
		"duration": `{"name":"duration","task":"t.d","schedule":"60","expires":"90m"}`,
	}
	for _, data := range commands {
		require.NoError(t, testutil.PublishWithRetry(js, AddSubject, []byte(data), 3, 100*time.Millisecond))
	}

	require.Eventually(t, func() bool {
		_, a := store.get("numeric")
		_, b := store.get("duration")
		return a && b
	}, 5*time.Second, 20*time.Millisecond)

	def, _ := store.get("numeric")
	assert.Equal(t, model.Duration(12*time.Hour), def.Expires)
	def, _ = store.get("duration")
	assert.Equal(t, model.Duration(90*time.Minute), def.Expires)
}

func TestSubscriberIgnoresBadCommands(t *testing.T) {
	js := testutil.SetupJetStream(t)
	store := newMemStore()
	var changes atomic.Int32

	sub := NewSubscriber(js, store, func() { changes.Add(1) }, zap.NewNop())
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	require.NoError(t, testutil.PublishWithRetry(js, AddSubject, []byte("{not json"), 3, 100*time.Millisecond))
	require.NoError(t, PublishAdd(js, model.PeriodicTask{Task: "nameless"}))
	require.NoError(t, PublishRemove(js, "missing"))

	// A valid command after the bad ones is still applied.
	require.NoError(t, PublishAdd(js, model.PeriodicTask{Name: "ok", Task: "t.ok", Schedule: "1"}))
	require.Eventually(t, func() bool {
		_, ok := store.get("ok")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(1), changes.Load())
}

func TestSubscriberExistingStream(t *testing.T) {
	js := testutil.SetupJetStream(t)

	first := NewSubscriber(js, newMemStore(), nil, zap.NewNop())
	require.NoError(t, first.Start(context.Background()))
	first.Stop()

	second := NewSubscriber(js, newMemStore(), nil, zap.NewNop())
	require.NoError(t, second.Start(context.Background()))
	second.Stop()
}
