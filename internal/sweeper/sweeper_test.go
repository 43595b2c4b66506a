package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/sniper"
	"github.com/djlord-it/pacer/internal/store/memory"
	"github.com/djlord-it/pacer/internal/testutil"
)

type mockExpirer struct {
	mu    sync.Mutex
	calls []time.Time
	n     int
	err   error
}

func (m *mockExpirer) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, now)
	return m.n, m.err
}

func (m *mockExpirer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockPruner struct {
	cutoffs []time.Time
	n       int
	err     error
}

func (m *mockPruner) PruneRecords(ctx context.Context, cutoff time.Time) (int, error) {
	m.cutoffs = append(m.cutoffs, cutoff)
	return m.n, m.err
}

type mockMetrics struct {
	expired, pruned int
	errs            int
}

func (m *mockMetrics) SweepCompleted(expired, pruned int, err error) {
	m.expired += expired
	m.pruned += pruned
	if err != nil {
		m.errs++
	}
}

func TestNew_RetentionNeverBelowWindow(t *testing.T) {
	s := New(Config{Retention: time.Hour}, nil, nil, nil)
	assert.Equal(t, 24*time.Hour, s.Config().Retention)

	s = New(Config{}, nil, nil, nil)
	assert.Equal(t, DefaultConfig(), s.Config())
}

func TestSweep_CutoffUsesRetention(t *testing.T) {
	clk := testutil.NewFakeClock(testutil.Epoch)
	exp := &mockExpirer{n: 2}
	pr := &mockPruner{n: 5}
	m := &mockMetrics{}
	s := New(Config{Retention: 48 * time.Hour}, exp, pr, testutil.Logger(t)).
		WithClock(clk.Now).
		WithMetrics(m)

	res, err := s.Sweep(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, Result{Expired: 2, Pruned: 5}, res)
	require.Len(t, pr.cutoffs, 1)
	assert.Equal(t, testutil.Epoch.Add(-48*time.Hour), pr.cutoffs[0])
	assert.Equal(t, testutil.Epoch, exp.calls[0])
	assert.Equal(t, 2, m.expired)
	assert.Equal(t, 5, m.pruned)
	assert.Zero(t, m.errs)
}

func TestSweep_PrunesEvenIfExpiryFails(t *testing.T) {
	exp := &mockExpirer{err: errors.New("db down")}
	pr := &mockPruner{n: 1}
	m := &mockMetrics{}
	s := New(DefaultConfig(), exp, pr, testutil.Logger(t)).WithMetrics(m)

	res, err := s.Sweep(testutil.TestContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expire watches")
	assert.Equal(t, 1, res.Pruned)
	assert.Len(t, pr.cutoffs, 1)
	assert.Equal(t, 1, m.errs)
}

func TestSweep_WithMonitorAndStore(t *testing.T) {
	ctx := testutil.TestContext(t)
	clk := testutil.NewFakeClock(testutil.Epoch)
	store := memory.New()
	monitor := sniper.New(sniper.Config{TTL: 72 * time.Hour}, store, nil, testutil.Logger(t)).WithClock(clk.Now)

	_, err := monitor.Deploy(ctx, sniper.DeployRequest{
		ThreadID:    "t1",
		Destination: "r/a",
		ActionID:    uuid.New(),
		Triggers:    []string{"what app"},
	})
	require.NoError(t, err)

	for _, at := range []time.Time{testutil.Epoch, testutil.Epoch.Add(-10 * 24 * time.Hour)} {
		rec := domain.ActionRecord{ActionID: uuid.New(), Destination: "r/a", Kind: domain.ActionKindComment, DispatchedAt: at}
		require.NoError(t, store.RecordDispatch(ctx, rec, domain.DestinationState{Destination: "r/a", LastDispatchAt: at}))
	}

	s := New(DefaultConfig(), monitor, store, testutil.Logger(t)).WithClock(clk.Now)

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Pruned: 1}, res)

	clk.Advance(72 * time.Hour)
	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	watches, err := store.ListWatches(ctx, domain.WatchStateExpired)
	require.NoError(t, err)
	assert.Len(t, watches, 1)
}

func TestRun_SweepsImmediatelyAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	exp := &mockExpirer{}
	s := New(Config{Interval: time.Hour}, exp, nil, testutil.Logger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return exp.callCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
