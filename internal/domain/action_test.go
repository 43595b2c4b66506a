package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFingerprint_IgnoresCaseAndWhitespace(t *testing.T) {
	a := Fingerprint("I use  Otter.ai\tfor transcription")
	b := Fingerprint("i use otter.ai for TRANSCRIPTION ")
	if a != b {
		t.Errorf("fingerprints differ: %s vs %s", a, b)
	}
	if a == Fingerprint("I use Descript for transcription") {
		t.Error("different content produced the same fingerprint")
	}
}

func TestActionKind_Valid(t *testing.T) {
	tests := []struct {
		kind ActionKind
		want bool
	}{
		{ActionKindPost, true},
		{ActionKindComment, true},
		{"", false},
		{"dm", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTemporalInconsistencyError_MatchesSentinel(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	err := fmt.Errorf("record dispatch: %w", &TemporalInconsistencyError{
		Destination: "r/productivity",
		Latest:      now,
		Got:         now.Add(-time.Second),
	})

	if !errors.Is(err, ErrTemporalInconsistency) {
		t.Fatal("expected errors.Is to match ErrTemporalInconsistency")
	}
	var tie *TemporalInconsistencyError
	if !errors.As(err, &tie) {
		t.Fatal("expected errors.As to extract TemporalInconsistencyError")
	}
	if tie.Destination != "r/productivity" {
		t.Errorf("Destination = %q", tie.Destination)
	}
}

func TestSniperWatch_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(time.Hour)

	open := SniperWatch{State: WatchStateWatching}
	if open.Expired(now.Add(1000 * time.Hour)) {
		t.Error("watch without TTL must never expire")
	}

	w := SniperWatch{State: WatchStateWatching, ExpiresAt: &expires}
	if w.Expired(now) {
		t.Error("watch expired before its TTL")
	}
	if !w.Expired(expires) {
		t.Error("watch should expire exactly at its TTL")
	}
}

func TestWatchState_Terminal(t *testing.T) {
	if WatchStateWatching.Terminal() {
		t.Error("watching is not terminal")
	}
	if !WatchStateTriggered.Terminal() || !WatchStateExpired.Terminal() {
		t.Error("triggered and expired are terminal")
	}
}
