package pacing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/testutil"
)

// mockStore keeps destination state and records in memory.
type mockStore struct {
	mu      sync.Mutex
	states  map[string]domain.DestinationState
	records map[string][]domain.ActionRecord
	ids     map[uuid.UUID]bool
	failErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		states:  make(map[string]domain.DestinationState),
		records: make(map[string][]domain.ActionRecord),
		ids:     make(map[uuid.UUID]bool),
	}
}

func (s *mockStore) GetDestinationState(ctx context.Context, destination string) (domain.DestinationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[destination]
	if !ok {
		return domain.DestinationState{Destination: destination}, nil
	}
	return st, nil
}

func (s *mockStore) DispatchTimesSince(ctx context.Context, destination string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Time
	for _, r := range s.records[destination] {
		if r.DispatchedAt.After(since) {
			out = append(out, r.DispatchedAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *mockStore) RecordExists(ctx context.Context, actionID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[actionID], nil
}

func (s *mockStore) RecordDispatch(ctx context.Context, rec domain.ActionRecord, state domain.DestinationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if s.ids[rec.ActionID] {
		return ErrDuplicateRecord
	}
	s.ids[rec.ActionID] = true
	s.records[rec.Destination] = append(s.records[rec.Destination], rec)
	s.states[rec.Destination] = state
	return nil
}

func (s *mockStore) state(destination string) domain.DestinationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[destination]
}

func (s *mockStore) recordCount(destination string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[destination])
}

type mockMetrics struct {
	mu      sync.Mutex
	reasons map[string]int
}

func (m *mockMetrics) PacingDecision(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reasons == nil {
		m.reasons = make(map[string]int)
	}
	m.reasons[reason]++
}

func newEngine(t *testing.T, cfg Config) (*Engine, *mockStore) {
	t.Helper()
	store := newMockStore()
	return New(cfg, store, testutil.Logger(t)).WithRand(testutil.Rand()), store
}

func record(destination string, at time.Time) domain.ActionRecord {
	return domain.ActionRecord{
		ActionID:     uuid.New(),
		Destination:  destination,
		Kind:         domain.ActionKindComment,
		ThreadID:     "t1",
		DispatchedAt: at,
	}
}

func TestCanDispatch_ColdStartAllowed(t *testing.T) {
	e, _ := newEngine(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	dec, err := e.CanDispatch(ctx, "r/productivity", testutil.Epoch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed || dec.Reason != ReasonOK {
		t.Errorf("cold start decision = %+v, want allowed", dec)
	}
	if dec.Refusal() != "" {
		t.Errorf("Refusal() = %q, want empty", dec.Refusal())
	}
}

func TestDailyCap_SixthDispatchRefused(t *testing.T) {
	cfg := Config{
		MinDelay:   600 * time.Second,
		MaxDelay:   600 * time.Second,
		MaxPerDay:  5,
		BurstLimit: 3,
		Cooldown:   time.Hour,
	}
	e, store := newEngine(t, cfg)
	ctx := testutil.TestContext(t)
	dest := "r/transcription"

	for i := 0; i < 5; i++ {
		now := testutil.Epoch.Add(time.Duration(i) * 601 * time.Second)
		dec, err := e.CanDispatch(ctx, dest, now)
		if err != nil {
			t.Fatalf("dispatch %d: %v", i+1, err)
		}
		if !dec.Allowed {
			t.Fatalf("dispatch %d refused: %+v", i+1, dec)
		}
		if err := e.RecordDispatch(ctx, record(dest, now)); err != nil {
			t.Fatalf("record %d: %v", i+1, err)
		}
	}

	sixth := testutil.Epoch.Add(5 * 601 * time.Second)
	dec, err := e.CanDispatch(ctx, dest, sixth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Allowed {
		t.Fatal("sixth dispatch within 24h must be refused")
	}
	if dec.Reason != ReasonDailyCap {
		t.Errorf("Reason = %q, want %q", dec.Reason, ReasonDailyCap)
	}
	if dec.Refusal() != domain.ReasonRateLimited {
		t.Errorf("Refusal() = %q, want %q", dec.Refusal(), domain.ReasonRateLimited)
	}
	if want := testutil.Epoch.Add(Window); !dec.NextEligible.Equal(want) {
		t.Errorf("NextEligible = %v, want %v", dec.NextEligible, want)
	}
	if store.recordCount(dest) != 5 {
		t.Errorf("records = %d, want 5", store.recordCount(dest))
	}

	// The first record leaves the window at exactly Epoch+24h.
	dec, err = e.CanDispatch(ctx, dest, testutil.Epoch.Add(Window))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed {
		t.Errorf("dispatch after window rolled should be allowed, got %+v", dec)
	}
}

func TestMinSpacing_RefusedUntilSampledDelay(t *testing.T) {
	cfg := DefaultConfig()
	e, store := newEngine(t, cfg)
	ctx := testutil.TestContext(t)
	dest := "r/notetaking"

	if err := e.RecordDispatch(ctx, record(dest, testutil.Epoch)); err != nil {
		t.Fatalf("record: %v", err)
	}
	spacing := store.state(dest).NextSpacing
	if spacing < cfg.MinDelay || spacing > cfg.MaxDelay {
		t.Fatalf("sampled spacing %s outside [%s, %s]", spacing, cfg.MinDelay, cfg.MaxDelay)
	}

	dec, err := e.CanDispatch(ctx, dest, testutil.Epoch.Add(cfg.MinDelay-time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonMinSpacing {
		t.Fatalf("decision = %+v, want min_spacing refusal", dec)
	}
	if want := testutil.Epoch.Add(spacing); !dec.NextEligible.Equal(want) {
		t.Errorf("NextEligible = %v, want %v", dec.NextEligible, want)
	}

	dec, err = e.CanDispatch(ctx, dest, dec.NextEligible)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed {
		t.Errorf("dispatch at NextEligible should be allowed, got %+v", dec)
	}
}

func TestMinSpacing_ResampledPerDispatch(t *testing.T) {
	e, store := newEngine(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	dest := "r/productivity"

	seen := make(map[time.Duration]bool)
	now := testutil.Epoch
	for i := 0; i < 4; i++ {
		if err := e.RecordDispatch(ctx, record(dest, now)); err != nil {
			t.Fatalf("record: %v", err)
		}
		seen[store.state(dest).NextSpacing] = true
		now = now.Add(2 * time.Hour)
	}
	if len(seen) < 2 {
		t.Errorf("spacing was not re-sampled: %v", seen)
	}
}

func TestBurstCooldown(t *testing.T) {
	cfg := Config{
		MinDelay:   600 * time.Second,
		MaxDelay:   600 * time.Second,
		MaxPerDay:  20,
		BurstLimit: 3,
		Cooldown:   time.Hour,
		BurstGap:   15 * time.Minute,
	}
	e, store := newEngine(t, cfg)
	ctx := testutil.TestContext(t)
	dest := "r/podcasting"

	now := testutil.Epoch
	for i := 0; i < 3; i++ {
		dec, err := e.CanDispatch(ctx, dest, now)
		if err != nil || !dec.Allowed {
			t.Fatalf("dispatch %d: dec=%+v err=%v", i+1, dec, err)
		}
		if err := e.RecordDispatch(ctx, record(dest, now)); err != nil {
			t.Fatalf("record %d: %v", i+1, err)
		}
		if i < 2 {
			now = now.Add(601 * time.Second)
		}
	}
	last := now

	dec, err := e.CanDispatch(ctx, dest, last.Add(601*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonCooldown {
		t.Fatalf("decision = %+v, want cooldown", dec)
	}
	if want := last.Add(time.Hour); !dec.NextEligible.Equal(want) {
		t.Errorf("NextEligible = %v, want %v", dec.NextEligible, want)
	}

	// Still refused just before the cooldown ends, allowed at its end.
	dec, _ = e.CanDispatch(ctx, dest, last.Add(time.Hour-time.Second))
	if dec.Allowed {
		t.Error("expected refusal during cooldown")
	}
	end := last.Add(time.Hour)
	dec, _ = e.CanDispatch(ctx, dest, end)
	if !dec.Allowed {
		t.Fatalf("expected allowed after cooldown, got %+v", dec)
	}
	if err := e.RecordDispatch(ctx, record(dest, end)); err != nil {
		t.Fatalf("record: %v", err)
	}
	st := store.state(dest)
	if st.Consecutive != 1 {
		t.Errorf("Consecutive = %d after cooldown, want 1", st.Consecutive)
	}
	if !st.CooldownUntil.IsZero() {
		t.Errorf("CooldownUntil = %v, want cleared", st.CooldownUntil)
	}
}

func TestBurst_WideGapResetsCounter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinDelay, cfg.MaxDelay = 10*time.Minute, 10*time.Minute
	e, store := newEngine(t, cfg)
	ctx := testutil.TestContext(t)
	dest := "r/productivity"

	now := testutil.Epoch
	for i := 0; i < 5; i++ {
		if err := e.RecordDispatch(ctx, record(dest, now)); err != nil {
			t.Fatalf("record: %v", err)
		}
		now = now.Add(11 * time.Minute)
	}
	if got := store.state(dest).Consecutive; got != 1 {
		t.Errorf("Consecutive = %d, want 1", got)
	}
}

func TestBurst_InterleavedDestinationResetsCounter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BurstGap = time.Hour
	e, store := newEngine(t, cfg)
	ctx := testutil.TestContext(t)

	now := testutil.Epoch
	steps := []string{"a", "a", "b", "a"}
	for _, dest := range steps {
		if err := e.RecordDispatch(ctx, record(dest, now)); err != nil {
			t.Fatalf("record %s: %v", dest, err)
		}
		now = now.Add(15 * time.Minute)
	}
	if got := store.state("a").Consecutive; got != 1 {
		t.Errorf("Consecutive(a) = %d, want 1 after interleave", got)
	}
	if !store.state("a").CooldownUntil.IsZero() {
		t.Error("no cooldown expected after interleave")
	}
}

func TestRecordDispatch_TemporalInconsistency(t *testing.T) {
	e, store := newEngine(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	dest := "r/productivity"

	if err := e.RecordDispatch(ctx, record(dest, testutil.Epoch)); err != nil {
		t.Fatalf("record: %v", err)
	}
	err := e.RecordDispatch(ctx, record(dest, testutil.Epoch.Add(-time.Second)))
	if !errors.Is(err, domain.ErrTemporalInconsistency) {
		t.Fatalf("err = %v, want ErrTemporalInconsistency", err)
	}
	var tie *domain.TemporalInconsistencyError
	if !errors.As(err, &tie) || !tie.Latest.Equal(testutil.Epoch) {
		t.Errorf("unexpected error detail: %v", err)
	}
	if store.recordCount(dest) != 1 {
		t.Errorf("records = %d, want 1", store.recordCount(dest))
	}
}

func TestRecordDispatch_DuplicateActionIsNoop(t *testing.T) {
	e, store := newEngine(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	rec := record("r/productivity", testutil.Epoch)
	if err := e.RecordDispatch(ctx, rec); err != nil {
		t.Fatalf("first record: %v", err)
	}
	before := store.state("r/productivity")
	rec.DispatchedAt = testutil.Epoch.Add(time.Hour)
	if err := e.RecordDispatch(ctx, rec); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}
	if store.recordCount("r/productivity") != 1 {
		t.Errorf("records = %d, want 1", store.recordCount("r/productivity"))
	}
	if after := store.state("r/productivity"); !after.LastDispatchAt.Equal(before.LastDispatchAt) {
		t.Error("duplicate record mutated destination state")
	}
}

func TestRecordDispatch_DuplicateAfterLaterDispatchIsNoop(t *testing.T) {
	e, store := newEngine(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	first := record("r/productivity", testutil.Epoch)
	if err := e.RecordDispatch(ctx, first); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := e.RecordDispatch(ctx, record("r/productivity", testutil.Epoch.Add(time.Hour))); err != nil {
		t.Fatalf("second record: %v", err)
	}
	before := store.state("r/productivity")

	// Replaying the first action is a no-op, not a temporal inconsistency.
	if err := e.RecordDispatch(ctx, first); err != nil {
		t.Fatalf("replayed record: %v", err)
	}
	if store.recordCount("r/productivity") != 2 {
		t.Errorf("records = %d, want 2", store.recordCount("r/productivity"))
	}
	if after := store.state("r/productivity"); after != before {
		t.Errorf("state = %+v, want unchanged %+v", after, before)
	}
}

func TestRecordDispatch_StoreError(t *testing.T) {
	e, store := newEngine(t, DefaultConfig())
	store.failErr = errors.New("disk full")

	err := e.RecordDispatch(testutil.TestContext(t), record("r/x", testutil.Epoch))
	if err == nil || errors.Is(err, domain.ErrTemporalInconsistency) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
}

func TestReserve_OneWinnerPerDestination(t *testing.T) {
	e, _ := newEngine(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := e.Reserve(ctx, "r/productivity", testutil.Epoch)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if dec.Allowed {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 1 {
		t.Errorf("granted = %d, want exactly 1", got)
	}

	dec, _ := e.CanDispatch(ctx, "r/productivity", testutil.Epoch)
	if dec.Allowed || dec.Reason != ReasonInFlight {
		t.Errorf("decision while reserved = %+v, want in_flight", dec)
	}

	e.Release("r/productivity")
	dec, _ = e.CanDispatch(ctx, "r/productivity", testutil.Epoch)
	if !dec.Allowed {
		t.Errorf("decision after release = %+v, want allowed", dec)
	}
}

func TestReserve_IndependentDestinations(t *testing.T) {
	e, _ := newEngine(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	a, _ := e.Reserve(ctx, "a", testutil.Epoch)
	b, _ := e.Reserve(ctx, "b", testutil.Epoch)
	if !a.Allowed || !b.Allowed {
		t.Errorf("reservations on different destinations must not contend: a=%+v b=%+v", a, b)
	}
}

func TestRecordDispatch_ClearsReservation(t *testing.T) {
	e, _ := newEngine(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	if dec, _ := e.Reserve(ctx, "a", testutil.Epoch); !dec.Allowed {
		t.Fatal("reserve refused")
	}
	if err := e.RecordDispatch(ctx, record("a", testutil.Epoch)); err != nil {
		t.Fatalf("record: %v", err)
	}
	status, err := e.Status(ctx, "a", testutil.Epoch)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.InFlight {
		t.Error("reservation not cleared by RecordDispatch")
	}
	if status.DispatchesInWindow != 1 {
		t.Errorf("DispatchesInWindow = %d, want 1", status.DispatchesInWindow)
	}
	if status.Decision.Reason != ReasonMinSpacing {
		t.Errorf("Decision.Reason = %q, want min_spacing", status.Decision.Reason)
	}
}

func TestMetrics_RecordsDecisions(t *testing.T) {
	e, _ := newEngine(t, DefaultConfig())
	m := &mockMetrics{}
	e.WithMetrics(m)
	ctx := testutil.TestContext(t)

	e.Reserve(ctx, "a", testutil.Epoch)
	e.CanDispatch(ctx, "a", testutil.Epoch)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reasons[ReasonOK] != 1 || m.reasons[ReasonInFlight] != 1 {
		t.Errorf("reasons = %v", m.reasons)
	}
}
