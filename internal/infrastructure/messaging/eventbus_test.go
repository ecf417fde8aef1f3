package messaging

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func joined(groupID uint64) shared.Event {
	return shared.NewMemberJoinedEvent(groupID, "alice", 10_000_000, 1_000)
}

func checkedIn(groupID uint64) shared.Event {
	return shared.NewDailyCheckInRecordedEvent("alice", groupID, 1, 1_000)
}

func TestInMemoryEventBus_SyncOrder(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{EnableMetrics: true})
	defer bus.Close()

	var got []string
	require.NoError(t, bus.Subscribe(shared.EventMemberJoined, func(e shared.Event) error {
		got = append(got, "typed:"+string(e.EventType()))
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		got = append(got, "all:"+string(e.EventType()))
		return nil
	}))

	require.NoError(t, bus.Publish(joined(1)))
	require.NoError(t, bus.Publish(checkedIn(1)))

	assert.Equal(t, []string{
		"typed:membership.joined",
		"all:membership.joined",
		"all:membership.check_in_recorded",
	}, got)

	snap := bus.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.TotalPublished)
	assert.Equal(t, int64(3), snap.TotalHandlerExecs)
	assert.Equal(t, 1.0, snap.HandlerSuccessRate)
}

func TestInMemoryEventBus_AsyncCloseDrains(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 4})

	var handled atomic.Int64
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		handled.Add(1)
		return nil
	}))

	for i := 0; i < 100; i++ {
		require.NoError(t, bus.Publish(joined(uint64(i))))
	}
	require.NoError(t, bus.Close())

	assert.Equal(t, int64(100), handled.Load())
	assert.ErrorIs(t, bus.Publish(joined(1)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(shared.Event) error { return nil }), ErrEventBusClosed)
	assert.NoError(t, bus.Close(), "second close is a no-op")
}

func TestInMemoryEventBus_HandlerFailuresAreContained(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{EnableMetrics: true})
	defer bus.Close()

	var mu sync.Mutex
	var reached []string
	record := func(name string) shared.EventHandler {
		return func(shared.Event) error {
			mu.Lock()
			defer mu.Unlock()
			reached = append(reached, name)
			return nil
		}
	}

	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("sink down") }))
	require.NoError(t, bus.SubscribeAll(record("last")))

	require.NoError(t, bus.Publish(joined(1)))

	assert.Equal(t, []string{"last"}, reached)
	snap := bus.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.HandlerFailures)
	assert.InDelta(t, 1.0/3.0, snap.HandlerSuccessRate, 1e-9)
}

func TestRecoveryMiddleware_WrapsPanic(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{})
	defer bus.Close()

	h := chain(func(shared.Event) error { panic("bad handler") }, bus.middlewares)
	err := h(joined(1))
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "bad handler")
}

func TestFilterMiddleware(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{})
	defer bus.Close()
	bus.Use(FilterMiddleware(func(e shared.Event) bool {
		return e.AggregateID() == shared.ProfileAggregate(7, "alice")
	}))

	var count int
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		count++
		return nil
	}))

	require.NoError(t, bus.Publish(joined(7)))
	require.NoError(t, bus.Publish(joined(8)))
	assert.Equal(t, 1, count)
}

func TestInMemoryEventBus_RejectsNil(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{})
	defer bus.Close()

	assert.Error(t, bus.Subscribe(shared.EventMemberJoined, nil))
	assert.Error(t, bus.SubscribeAll(nil))
	assert.Error(t, bus.Publish(nil))
}
