package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/common/logger"
)

type fakeProvisioner struct {
	mu           sync.Mutex
	provisioned  int
	deleted      []string
	failDelete   map[string]int
	provisionErr error
	recovered    []*Container
}

func (f *fakeProvisioner) Provision(_ context.Context, req ProvisionRequest) (*Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	f.provisioned++
	id := fmt.Sprintf("ctr-%d", f.provisioned)
	return &Container{ID: id, URL: "http://" + id + ":8082"}, nil
}

func (f *fakeProvisioner) Delete(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failDelete[containerID]; n > 0 {
		f.failDelete[containerID] = n - 1
		return errors.New("daemon busy")
	}
	f.deleted = append(f.deleted, containerID)
	return nil
}

func (f *fakeProvisioner) Recover(context.Context) ([]*Container, error) {
	return f.recovered, nil
}

func (f *fakeProvisioner) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeCanceler struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCanceler) Cancel(_ context.Context, baseURL, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, baseURL+"|"+sessionID)
	return nil
}

func newTestPool(prov *fakeProvisioner) (*Pool, *fakeCanceler) {
	canceler := &fakeCanceler{}
	return New(prov, canceler, logger.Default()), canceler
}

func TestGetOrCreateBindsOncePerSession(t *testing.T) {
	prov := &fakeProvisioner{}
	p, _ := newTestPool(prov)

	url1, id1, err := p.GetOrCreate(t.Context(), "s1", "u1", ModeEphemeral, "")
	require.NoError(t, err)
	url2, id2, err := p.GetOrCreate(t.Context(), "s1", "u1", ModeEphemeral, "")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, url1, url2)
	assert.Equal(t, 1, prov.provisioned)
}

// blockingProvisioner holds every Provision call until released.
type blockingProvisioner struct {
	fakeProvisioner
	release chan struct{}
}

func (b *blockingProvisioner) Provision(ctx context.Context, req ProvisionRequest) (*Container, error) {
	<-b.release
	return b.fakeProvisioner.Provision(ctx, req)
}

func TestConcurrentGetOrCreateSharesOneContainer(t *testing.T) {
	prov := &blockingProvisioner{release: make(chan struct{})}
	p := New(prov, &fakeCanceler{}, logger.Default())

	ids := make(chan string, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, id, err := p.GetOrCreate(t.Context(), "s1", "u1", ModeEphemeral, "")
			assert.NoError(t, err)
			ids <- id
		}()
	}

	// Let both goroutines reach the pool before the provision completes.
	time.Sleep(50 * time.Millisecond)
	close(prov.release)
	wg.Wait()
	close(ids)

	var got []string
	for id := range ids {
		got = append(got, id)
	}
	require.Len(t, got, 2)
	assert.Equal(t, got[0], got[1])
	assert.Equal(t, 1, prov.provisioned)
}

func TestEphemeralDeletedOnComplete(t *testing.T) {
	prov := &fakeProvisioner{}
	p, _ := newTestPool(prov)

	_, id, err := p.GetOrCreate(t.Context(), "s1", "u1", ModeEphemeral, "")
	require.NoError(t, err)

	p.OnTaskComplete(t.Context(), "s1")
	assert.Contains(t, prov.deletedIDs(), id)
	assert.Zero(t, p.Stats().TotalActive)

	// A follow-up run gets a fresh container.
	_, id2, err := p.GetOrCreate(t.Context(), "s1", "u1", ModeEphemeral, "")
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestPersistentGoesIdleAndIsReused(t *testing.T) {
	prov := &fakeProvisioner{}
	p, _ := newTestPool(prov)

	_, id, err := p.GetOrCreate(t.Context(), "s1", "u1", ModePersistent, "")
	require.NoError(t, err)

	p.OnTaskComplete(t.Context(), "s1")
	assert.Empty(t, prov.deletedIDs())

	stats := p.Stats()
	require.Len(t, stats.Containers, 1)
	assert.Equal(t, StateIdle, stats.Containers[0].State)

	// Another session pins the same container by id.
	_, id2, err := p.GetOrCreate(t.Context(), "s2", "u1", ModePersistent, id)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Equal(t, 1, prov.provisioned)
}

func TestPersistentUnknownContainerNotFound(t *testing.T) {
	p, _ := newTestPool(&fakeProvisioner{})
	_, _, err := p.GetOrCreate(t.Context(), "s1", "u1", ModePersistent, "missing")
	require.Error(t, err)
}

func TestCancelTaskStopsExecutorAndDeletesEphemeral(t *testing.T) {
	prov := &fakeProvisioner{}
	p, canceler := newTestPool(prov)

	url, id, err := p.GetOrCreate(t.Context(), "s1", "u1", ModeEphemeral, "")
	require.NoError(t, err)

	require.NoError(t, p.CancelTask(t.Context(), "s1"))
	require.Len(t, canceler.calls, 1)
	assert.Equal(t, url+"|s1", canceler.calls[0])
	assert.Contains(t, prov.deletedIDs(), id)
}

func TestProvisionFailureClearsBinding(t *testing.T) {
	prov := &fakeProvisioner{provisionErr: errors.New("no capacity")}
	p, _ := newTestPool(prov)

	_, _, err := p.GetOrCreate(t.Context(), "s1", "u1", ModeEphemeral, "")
	require.Error(t, err)

	// The failed reservation must not block a retry.
	prov.provisionErr = nil
	_, _, err = p.GetOrCreate(t.Context(), "s1", "u1", ModeEphemeral, "")
	require.NoError(t, err)
}

func TestDeleteRetrySweep(t *testing.T) {
	prov := &fakeProvisioner{failDelete: map[string]int{"ctr-1": 1}}
	p, _ := newTestPool(prov)

	_, id, err := p.GetOrCreate(t.Context(), "s1", "u1", ModeEphemeral, "")
	require.NoError(t, err)

	// First delete fails and is queued.
	p.OnTaskComplete(t.Context(), "s1")
	assert.Empty(t, prov.deletedIDs())

	p.retryDeletes(t.Context())
	assert.Contains(t, prov.deletedIDs(), id)
}

func TestRecoverRebindsSessions(t *testing.T) {
	prov := &fakeProvisioner{recovered: []*Container{
		{ID: "ctr-a", URL: "http://ctr-a:8082", Mode: ModeEphemeral, SessionID: "s1", State: StateActive, CreatedAt: time.Now()},
		{ID: "ctr-b", URL: "http://ctr-b:8082", Mode: ModePersistent, State: StateIdle, CreatedAt: time.Now()},
	}}
	p, _ := newTestPool(prov)

	require.NoError(t, p.Recover(t.Context()))

	url, id, err := p.GetOrCreate(t.Context(), "s1", "u1", ModeEphemeral, "")
	require.NoError(t, err)
	assert.Equal(t, "ctr-a", id)
	assert.Equal(t, "http://ctr-a:8082", url)
	assert.Equal(t, 0, prov.provisioned)

	stats := p.Stats()
	assert.Equal(t, 1, stats.PersistentCount)
	assert.Equal(t, 1, stats.EphemeralCount)
}

func TestStatsCounts(t *testing.T) {
	prov := &fakeProvisioner{}
	p, _ := newTestPool(prov)

	_, _, err := p.GetOrCreate(t.Context(), "s1", "u1", ModeEphemeral, "")
	require.NoError(t, err)
	_, _, err = p.GetOrCreate(t.Context(), "s2", "u1", ModePersistent, "")
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 2, stats.TotalActive)
	assert.Equal(t, 1, stats.EphemeralCount)
	assert.Equal(t, 1, stats.PersistentCount)
	assert.Len(t, stats.Containers, 2)
}
