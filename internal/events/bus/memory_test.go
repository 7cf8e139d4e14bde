package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	return b
}

func waitFor(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *Event, 1)
	_, err := b.Subscribe("session.events.abc", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	evt := NewEvent("session.status", "backend", map[string]any{"status": "running"})
	require.NoError(t, b.Publish(context.Background(), "session.events.abc", evt))

	got := waitFor(t, received)
	assert.Equal(t, "session.status", got.Type)
	assert.Equal(t, "running", got.Data["status"])
}

func TestWildcardSubscription(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *Event, 2)
	_, err := b.Subscribe("session.events.>", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "session.events.s1",
		NewEvent("message.new", "backend", nil)))
	require.NoError(t, b.Publish(context.Background(), "user.events.u1",
		NewEvent("skill_import.job", "backend", nil)))

	got := waitFor(t, received)
	assert.Equal(t, "message.new", got.Type)

	select {
	case e := <-received:
		t.Fatalf("unexpected event %s for non-matching subject", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueueSubscribeDeliversOnce(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	deliveries := 0
	handler := func(ctx context.Context, e *Event) error {
		mu.Lock()
		deliveries++
		mu.Unlock()
		return nil
	}

	_, err := b.QueueSubscribe("jobs.skill_import", "workers", handler)
	require.NoError(t, err)
	_, err = b.QueueSubscribe("jobs.skill_import", "workers", handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "jobs.skill_import",
		NewEvent("job.enqueued", "backend", nil)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, deliveries)
	mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("x", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("t", "s", nil)))
	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "x", NewEvent("t", "s", nil)))
}
