package bus

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/folio-org/folio-core/internal/store"
)

func TestPublishDeliversToTaskSubscriber(t *testing.T) {
	b := New(nil)
	taskID := uuid.New()
	sub := b.SubscribeTask(taskID)
	defer sub.Close()

	b.Publish(store.Event{TaskID: taskID, Kind: store.EventTaskStarted, Instant: time.Now()})

	select {
	case ev := <-sub.Events:
		require.Equal(t, store.EventTaskStarted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotCrossTasks(t *testing.T) {
	b := New(nil)
	taskA := uuid.New()
	taskB := uuid.New()
	subA := b.SubscribeTask(taskA)
	defer subA.Close()

	b.Publish(store.Event{TaskID: taskB, Kind: store.EventTaskStarted, Instant: time.Now()})

	select {
	case <-subA.Events:
		t.Fatal("subscriber for task A should not see task B's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardSubscriberSeesEveryTask(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(Wildcard)
	defer sub.Close()

	b.Publish(store.Event{TaskID: uuid.New(), Kind: store.EventTaskStarted, Instant: time.Now()})
	b.Publish(store.Event{TaskID: uuid.New(), Kind: store.EventTaskFinished, Instant: time.Now()})

	first := <-sub.Events
	second := <-sub.Events
	require.Equal(t, store.EventTaskStarted, first.Kind)
	require.Equal(t, store.EventTaskFinished, second.Kind)
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	b := New(nil)
	taskID := uuid.New()
	sub := b.SubscribeTask(taskID)
	defer sub.Close()

	// Flood past the buffer without ever reading; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(store.Event{TaskID: taskID, Kind: store.EventTaskProgress, Instant: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	b := New(nil)
	taskID := uuid.New()
	sub := b.SubscribeTask(taskID)
	sub.Close()

	b.mu.RLock()
	n := len(b.subs[taskID.String()])
	b.mu.RUnlock()
	require.Equal(t, 0, n)
}
