package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/tinkerbelle-io/tim8-gateway/internal/credentials"
	"github.com/tinkerbelle-io/tim8-gateway/internal/health"
	"github.com/tinkerbelle-io/tim8-gateway/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type syncMark struct {
	status store.SyncStatus
	at     time.Time
}

type fakeStore struct {
	mu        sync.Mutex
	clusters  []store.Cluster
	listErr   error
	sweepErr  error
	healthErr error
	health    map[Key][]health.Component
	marks     map[Key][]syncMark
	sweeps    int
}

func newFakeStore(clusters ...store.Cluster) *fakeStore {
	return &fakeStore{
		clusters: clusters,
		health:   make(map[Key][]health.Component),
		marks:    make(map[Key][]syncMark),
	}
}

func (f *fakeStore) ListPullClusters(context.Context) ([]store.Cluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Cluster(nil), f.clusters...), f.listErr
}

func (f *fakeStore) ReplaceHealth(_ context.Context, cluster, workspace string, comps []health.Component, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthErr != nil {
		return f.healthErr
	}
	f.health[Key{cluster, workspace}] = comps
	return nil
}

func (f *fakeStore) MarkClusterSync(ctx context.Context, name, workspace string, status store.SyncStatus, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: mark cluster sync: %w", store.ErrPersistenceFailed, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := Key{name, workspace}
	f.marks[k] = append(f.marks[k], syncMark{status, at})
	return nil
}

func (f *fakeStore) DeleteExpiredTokens(context.Context, time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 0, f.sweepErr
}

func (f *fakeStore) lastMark(k Key) store.SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.marks[k]
	if len(m) == 0 {
		return ""
	}
	return m[len(m)-1].status
}

func (f *fakeStore) markCount(k Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.marks[k])
}

func (f *fakeStore) healthFor(k Key) []health.Component {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health[k]
}

// fakeCreds fails for refs listed in broken.
type fakeCreds struct {
	mu     sync.Mutex
	broken map[string]bool
	calls  int
}

func (f *fakeCreds) Resolve(_ context.Context, ref string) (kubernetes.Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.broken[ref] {
		return nil, fmt.Errorf("%w: %s", credentials.ErrCredentialUnavailable, ref)
	}
	return fake.NewSimpleClientset(), nil
}

func (f *fakeCreds) setBroken(ref string, broken bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken[ref] = broken
}

type stubProber struct {
	entered chan struct{}
	release chan struct{}
}

func (s *stubProber) Probe(context.Context, kubernetes.Interface, []string) ([]health.Component, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	return []health.Component{{Name: "pods@default", Type: health.TypeWorkload, Status: health.StatusHealthy}}, nil
}

// hangingProber blocks until the poll deadline passes.
type hangingProber struct{}

func (hangingProber) Probe(ctx context.Context, _ kubernetes.Interface, _ []string) ([]health.Component, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", health.ErrProbeFailed, ctx.Err())
}

func cluster(name string) store.Cluster {
	return store.Cluster{
		Name: name, Workspace: "acme", Mode: store.ModeKubeconfig,
		CredentialRef: "tim8/" + name, Namespaces: store.StringList{"default"},
	}
}

func newTestPoller(st *fakeStore, creds *fakeCreds, prober Prober) (*Poller, *clocktesting.FakeClock) {
	clk := clocktesting.NewFakeClock(t0)
	return New(st, creds, prober, clk, Config{}), clk
}

func TestRunOnceSuccess(t *testing.T) {
	st := newFakeStore(cluster("edge"))
	p, _ := newTestPoller(st, &fakeCreds{broken: map[string]bool{}}, &stubProber{})

	p.RunOnce(context.Background())

	k := Key{"edge", "acme"}
	assert.Len(t, st.healthFor(k), 1)
	assert.Equal(t, store.SyncConnected, st.lastMark(k))
	assert.Equal(t, time.Duration(0), p.backoff.Remaining(k))
}

func TestFailureBacksOffAndSkips(t *testing.T) {
	st := newFakeStore(cluster("edge"))
	creds := &fakeCreds{broken: map[string]bool{"tim8/edge": true}}
	p, _ := newTestPoller(st, creds, &stubProber{})
	ctx := context.Background()
	k := Key{"edge", "acme"}

	p.RunOnce(ctx)
	assert.Equal(t, store.SyncError, st.lastMark(k))
	assert.Equal(t, 10*time.Second, p.backoff.Remaining(k))

	// two skipped cycles at the 5s interval
	p.RunOnce(ctx)
	p.RunOnce(ctx)
	assert.Equal(t, 1, creds.calls)
	assert.Equal(t, 1, st.markCount(k))

	// third attempt fails again and doubles
	p.RunOnce(ctx)
	assert.Equal(t, 2, creds.calls)
	assert.Equal(t, 20*time.Second, p.backoff.Remaining(k))

	// recovery resets
	creds.setBroken("tim8/edge", false)
	for i := 0; i < 5; i++ {
		p.RunOnce(ctx)
	}
	assert.Equal(t, 3, creds.calls)
	assert.Equal(t, store.SyncConnected, st.lastMark(k))
	assert.Equal(t, time.Duration(0), p.backoff.Remaining(k))
}

func TestTimedOutPollIsMarkedError(t *testing.T) {
	st := newFakeStore(cluster("edge"))
	k := Key{"edge", "acme"}
	require.NoError(t, st.MarkClusterSync(context.Background(), "edge", "acme", store.SyncConnected, t0))

	clk := clocktesting.NewFakeClock(t0)
	p := New(st, &fakeCreds{broken: map[string]bool{}}, hangingProber{}, clk, Config{PollTimeout: 100 * time.Millisecond})

	p.RunOnce(context.Background())

	assert.Equal(t, store.SyncError, st.lastMark(k))
	assert.Equal(t, 2, st.markCount(k))
	assert.Equal(t, 10*time.Second, p.backoff.Remaining(k))
}

func TestOneClusterFailureDoesNotAbortCycle(t *testing.T) {
	st := newFakeStore(cluster("broken"), cluster("healthy"))
	creds := &fakeCreds{broken: map[string]bool{"tim8/broken": true}}
	p, _ := newTestPoller(st, creds, &stubProber{})

	p.RunOnce(context.Background())

	assert.Equal(t, store.SyncError, st.lastMark(Key{"broken", "acme"}))
	assert.Equal(t, store.SyncConnected, st.lastMark(Key{"healthy", "acme"}))
	assert.NotEmpty(t, st.healthFor(Key{"healthy", "acme"}))
}

func TestPersistenceFailureCountsAsFailure(t *testing.T) {
	st := newFakeStore(cluster("edge"))
	st.healthErr = fmt.Errorf("%w: disk full", store.ErrPersistenceFailed)
	p, _ := newTestPoller(st, &fakeCreds{broken: map[string]bool{}}, &stubProber{})

	p.RunOnce(context.Background())
	assert.Equal(t, store.SyncError, st.lastMark(Key{"edge", "acme"}))
	assert.Equal(t, 10*time.Second, p.backoff.Remaining(Key{"edge", "acme"}))
}

func TestListFailureIsTolerated(t *testing.T) {
	st := newFakeStore()
	st.listErr = errors.New("db gone")
	p, _ := newTestPoller(st, &fakeCreds{broken: map[string]bool{}}, &stubProber{})
	p.RunOnce(context.Background())
}

func TestCancelledContextStopsBetweenClusters(t *testing.T) {
	st := newFakeStore(cluster("a"), cluster("b"))
	creds := &fakeCreds{broken: map[string]bool{}}
	p, _ := newTestPoller(st, creds, &stubProber{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p.RunOnce(ctx)
	assert.Zero(t, creds.calls)
}

func TestSweepFailureIsLoggedOnly(t *testing.T) {
	st := newFakeStore()
	st.sweepErr = errors.New("locked")
	p, _ := newTestPoller(st, &fakeCreds{broken: map[string]bool{}}, &stubProber{})
	p.SweepTokens(context.Background())
	assert.Equal(t, 1, st.sweeps)
}

func TestStatus(t *testing.T) {
	st := newFakeStore(cluster("a"), cluster("b"))
	creds := &fakeCreds{broken: map[string]bool{"tim8/a": true, "tim8/b": true}}
	p, _ := newTestPoller(st, creds, &stubProber{})

	assert.Equal(t, Status{}, p.Status())

	p.setRunning(true)
	p.RunOnce(context.Background())
	s := p.Status()
	assert.True(t, s.Running)
	assert.Equal(t, 2, s.BackoffClusters)
	assert.Equal(t, 20.0, s.TotalBackoff)
}

func TestStartStopWaitsForInFlightPoll(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := newFakeStore(cluster("edge"))
	prober := &stubProber{entered: make(chan struct{}), release: make(chan struct{})}
	p, _ := newTestPoller(st, &fakeCreds{broken: map[string]bool{}}, prober)

	p.Start(context.Background())
	p.Start(context.Background()) // no-op while running

	<-prober.entered
	assert.True(t, p.Status().Running)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a poll was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(prober.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	k := Key{"edge", "acme"}
	assert.Equal(t, store.SyncConnected, st.lastMark(k), "in-flight poll completed")
	assert.False(t, p.Status().Running)

	p.Stop() // idempotent
}

func TestRunTicksAndSweeps(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := newFakeStore(cluster("edge"))
	creds := &fakeCreds{broken: map[string]bool{}}
	p, clk := newTestPoller(st, creds, &stubProber{})

	p.Start(context.Background())
	require.Eventually(t, func() bool { return st.markCount(Key{"edge", "acme"}) == 1 }, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		clk.Step(DefaultInterval)
		return st.markCount(Key{"edge", "acme"}) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		clk.Step(DefaultSweepInterval)
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.sweeps >= 1
	}, 5*time.Second, 10*time.Millisecond)

	p.Stop()
}
