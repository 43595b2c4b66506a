package circuitbreaker

import (
	"testing"
	"time"

	"github.com/djlord-it/pacer/internal/testutil"
)

const dest = "r/productivity"

func newBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *testutil.FakeClock) {
	clk := testutil.NewFakeClock(testutil.Epoch)
	return New(threshold, cooldown).WithClock(clk.Now), clk
}

func TestAllow_UnknownDestination_Allowed(t *testing.T) {
	cb, _ := newBreaker(3, 5*time.Second)
	if err := cb.Allow(dest); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if got := cb.State(dest); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	cb, _ := newBreaker(3, 5*time.Second)
	cb.RecordFailure(dest)
	cb.RecordFailure(dest)
	if err := cb.Allow(dest); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb, _ := newBreaker(3, 5*time.Second)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(dest)
	}
	if err := cb.Allow(dest); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if got := cb.State(dest); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
}

func TestAllow_OpenAfterCooldown_SingleProbe(t *testing.T) {
	cb, clk := newBreaker(3, time.Minute)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(dest)
	}
	clk.Advance(time.Minute)
	if err := cb.Allow(dest); err != nil {
		t.Fatalf("expected probe allowed, got %v", err)
	}
	if err := cb.Allow(dest); err != ErrCircuitOpen {
		t.Fatal("expected ErrCircuitOpen while probe in flight")
	}
}

func TestRecordSuccess_Closes(t *testing.T) {
	cb, clk := newBreaker(3, time.Minute)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(dest)
	}
	clk.Advance(time.Minute)
	_ = cb.Allow(dest)
	cb.RecordSuccess(dest)
	if err := cb.Allow(dest); err != nil {
		t.Fatalf("expected nil after success, got %v", err)
	}
	// counter starts over
	cb.RecordFailure(dest)
	if err := cb.Allow(dest); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestFailedProbe_Reopens(t *testing.T) {
	cb, clk := newBreaker(3, time.Minute)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(dest)
	}
	clk.Advance(time.Minute)
	_ = cb.Allow(dest)
	cb.RecordFailure(dest)

	if err := cb.Allow(dest); err != ErrCircuitOpen {
		t.Fatalf("expected reopened breaker, got %v", err)
	}
	clk.Advance(59 * time.Second)
	if err := cb.Allow(dest); err != ErrCircuitOpen {
		t.Fatalf("cooldown restarts at probe failure, got %v", err)
	}
}

func TestCancel_ReturnsProbe(t *testing.T) {
	cb, clk := newBreaker(1, time.Minute)
	cb.RecordFailure(dest)
	clk.Advance(time.Minute)
	if err := cb.Allow(dest); err != nil {
		t.Fatal(err)
	}
	cb.Cancel(dest)
	if err := cb.Allow(dest); err != nil {
		t.Fatalf("expected a fresh probe after cancel, got %v", err)
	}
}

func TestDestinationsIndependent(t *testing.T) {
	cb, _ := newBreaker(1, time.Minute)
	cb.RecordFailure(dest)
	if err := cb.Allow("r/other"); err != nil {
		t.Fatalf("expected other destination allowed, got %v", err)
	}
}

func TestDisabled(t *testing.T) {
	cb, _ := newBreaker(0, time.Minute)
	for i := 0; i < 10; i++ {
		cb.RecordFailure(dest)
	}
	if err := cb.Allow(dest); err != nil {
		t.Fatalf("expected disabled breaker to allow, got %v", err)
	}
}
