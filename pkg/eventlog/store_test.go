package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuepilot/pkg/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestAppendAndCount(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Append(bus.NewEvent(bus.EventStatus, nil)))
	require.NoError(t, store.Append(bus.NewEvent(bus.EventError, map[string]any{"error": "boom"})))

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAppendIdempotentOnID(t *testing.T) {
	store := openTestStore(t)

	event := bus.NewEvent(bus.EventStatus, nil)
	require.NoError(t, store.Append(event))
	require.NoError(t, store.Append(event))

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEventsSince(t *testing.T) {
	store := openTestStore(t)

	old := bus.Event{
		ID:        "old",
		Type:      bus.EventStatus,
		Timestamp: time.Now().UTC().Add(-time.Hour),
	}
	recent := bus.Event{
		ID:        "recent",
		Type:      bus.EventHitlResolved,
		Data:      map[string]any{"issue": float64(42)},
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, store.Append(old))
	require.NoError(t, store.Append(recent))

	events, err := store.EventsSince(time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, "recent", events[0].ID)
	assert.Equal(t, bus.EventHitlResolved, events[0].Type)
	assert.Equal(t, float64(42), events[0].Data["issue"])
}

func TestEventsSinceOrdering(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(bus.Event{
			ID:        string(rune('a' + i)),
			Type:      bus.EventStatus,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := store.EventsSince(base.Add(-time.Second))
	require.NoError(t, err)
	require.Len(t, events, 5)

	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}
}

func TestBusIntegration(t *testing.T) {
	store := openTestStore(t)

	b := bus.New(10)
	b.SetDurableLog(store)

	start := time.Now().UTC().Add(-time.Second)
	b.Publish(bus.NewEvent(bus.EventTriageRouted, nil))

	events, ok := b.LoadEventsSince(start)
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, bus.EventTriageRouted, events[0].Type)
}
