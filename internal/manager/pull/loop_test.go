package pull

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/manager/schedule"
	"github.com/runloom/runloom/internal/protocol"
)

type fakeClaimer struct {
	mu    sync.Mutex
	queue []*protocol.ClaimedRun
	calls []protocol.ClaimRequest
}

func (f *fakeClaimer) Claim(_ context.Context, req protocol.ClaimRequest) (*protocol.ClaimedRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.queue) == 0 {
		return nil, nil
	}
	run := f.queue[0]
	f.queue = f.queue[1:]
	return run, nil
}

func (f *fakeClaimer) claimCalls() []protocol.ClaimRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ClaimRequest(nil), f.calls...)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	runs     []string
	inFlight atomic.Int32
	peak     atomic.Int32
	block    chan struct{}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, run *protocol.ClaimedRun) {
	n := f.inFlight.Add(1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.runs = append(f.runs, run.RunID)
	f.mu.Unlock()
	f.inFlight.Add(-1)
}

func (f *fakeDispatcher) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

// newTestLoop uses an empty rule set so no background ticker interferes
// with claim-call counting; polls come from triggers and pollOnce.
func newTestLoop(claimer *fakeClaimer, dispatcher *fakeDispatcher, maxConcurrent int) *Loop {
	return New(claimer, dispatcher, schedule.PullScheduleConfig{}, "", maxConcurrent, 30, logger.Default())
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTriggerClaimsAndDispatches(t *testing.T) {
	claimer := &fakeClaimer{queue: []*protocol.ClaimedRun{{RunID: "r1", SessionID: "s1"}}}
	dispatcher := &fakeDispatcher{}
	l := newTestLoop(claimer, dispatcher, 4)
	l.Start(t.Context())

	resp := l.Trigger([]string{protocol.ScheduleImmediate}, "task_created")
	assert.True(t, resp.Accepted)

	waitFor(t, func() bool { return len(dispatcher.dispatched()) == 1 }, "run not dispatched")
	assert.Equal(t, []string{"r1"}, dispatcher.dispatched())

	calls := claimer.claimCalls()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, l.WorkerID(), last.WorkerID)
	assert.Equal(t, 30, last.LeaseSeconds)
}

func TestTriggerDebounceCoalescesModes(t *testing.T) {
	claimer := &fakeClaimer{}
	l := newTestLoop(claimer, &fakeDispatcher{}, 4)
	l.Start(t.Context())

	first := l.Trigger([]string{protocol.ScheduleImmediate}, "a")
	second := l.Trigger([]string{protocol.ScheduleScheduled}, "b")
	third := l.Trigger([]string{protocol.ScheduleImmediate}, "c")

	assert.True(t, first.Accepted)
	assert.False(t, second.Accepted)
	assert.Equal(t, "debounced", second.Reason)
	assert.False(t, third.Accepted)

	waitFor(t, func() bool { return len(claimer.claimCalls()) == 1 }, "debounced poll did not fire")
	time.Sleep(2 * TriggerDebounce)
	require.Len(t, claimer.claimCalls(), 1)
	// The coalesced poll carries the union of requested modes.
	assert.Equal(t, []string{protocol.ScheduleImmediate, protocol.ScheduleScheduled},
		claimer.claimCalls()[0].ScheduleModes)
}

func TestConcurrencyCap(t *testing.T) {
	claimer := &fakeClaimer{}
	for i := 0; i < 10; i++ {
		claimer.queue = append(claimer.queue, &protocol.ClaimedRun{RunID: "r", SessionID: "s"})
	}
	dispatcher := &fakeDispatcher{block: make(chan struct{})}
	l := newTestLoop(claimer, dispatcher, 2)
	l.Start(t.Context())

	for i := 0; i < 10; i++ {
		l.pollOnce(t.Context(), []string{protocol.ScheduleImmediate})
	}
	waitFor(t, func() bool { return dispatcher.inFlight.Load() == 2 }, "dispatches did not start")

	// Capacity is exhausted; further polls must not claim.
	before := len(claimer.claimCalls())
	l.pollOnce(t.Context(), []string{protocol.ScheduleImmediate})
	assert.Len(t, claimer.claimCalls(), before)

	close(dispatcher.block)
	l.Drain()
	assert.LessOrEqual(t, dispatcher.peak.Load(), int32(2))
}

func TestEmptyQueueReleasesCapacity(t *testing.T) {
	claimer := &fakeClaimer{}
	dispatcher := &fakeDispatcher{}
	l := newTestLoop(claimer, dispatcher, 1)
	l.Start(t.Context())

	// Two polls against an empty queue both reach the claimer, which
	// proves the single capacity slot was released in between.
	l.pollOnce(t.Context(), []string{protocol.ScheduleImmediate})
	l.pollOnce(t.Context(), []string{protocol.ScheduleImmediate})
	assert.Len(t, claimer.claimCalls(), 2)
}

func TestWindowRule(t *testing.T) {
	rules := schedule.PullScheduleConfig{Rules: []protocol.ScheduleRule{{
		ID:            "nightly",
		Enabled:       true,
		ScheduleModes: []string{protocol.ScheduleScheduled},
		WindowSpec:    "1h",
	}}}
	claimer := &fakeClaimer{}
	l := New(claimer, &fakeDispatcher{}, rules, "", 4, 30, logger.Default())
	l.Start(t.Context())

	assert.False(t, l.windowOpen("nightly"))

	require.NoError(t, l.OpenWindow("nightly"))
	assert.True(t, l.windowOpen("nightly"))
	// Opening the window polls immediately.
	assert.Len(t, claimer.claimCalls(), 1)
	assert.Equal(t, []string{protocol.ScheduleScheduled}, claimer.claimCalls()[0].ScheduleModes)

	require.Error(t, l.OpenWindow("missing"))
}

func TestWindowOnlyRuleKeepsPolling(t *testing.T) {
	rules := schedule.PullScheduleConfig{Rules: []protocol.ScheduleRule{{
		ID:            "nightly",
		Enabled:       true,
		ScheduleModes: []string{protocol.ScheduleScheduled},
		WindowSpec:    "1h",
	}}}
	claimer := &fakeClaimer{}
	l := New(claimer, &fakeDispatcher{}, rules, "", 4, 30, logger.Default())
	l.windowPollInterval = 10 * time.Millisecond
	l.Start(t.Context())

	// Closed window: the ticker runs but no poll reaches the claimer.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, claimer.claimCalls())

	// An open window keeps polling past the immediate one from OpenWindow.
	require.NoError(t, l.OpenWindow("nightly"))
	waitFor(t, func() bool { return len(claimer.claimCalls()) >= 3 },
		"window-only rule did not keep polling")
}

func TestDrainWaitsForDispatches(t *testing.T) {
	claimer := &fakeClaimer{queue: []*protocol.ClaimedRun{{RunID: "r1", SessionID: "s1"}}}
	dispatcher := &fakeDispatcher{block: make(chan struct{})}
	l := newTestLoop(claimer, dispatcher, 4)
	l.Start(t.Context())

	l.pollOnce(t.Context(), []string{protocol.ScheduleImmediate})
	waitFor(t, func() bool { return dispatcher.inFlight.Load() == 1 }, "dispatch did not start")

	done := make(chan struct{})
	go func() {
		l.Drain()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("drain returned while dispatch in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(dispatcher.block)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not return")
	}
}
