package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	s := NewNoopSink()

	s.PacingDecision("ok")
	s.DedupVerdict("unique")
	s.QueueDepth(3)
	s.DispatchAttemptCompleted("r/a", StatusClass2xx, 200*time.Millisecond)
	s.DispatchOutcome(OutcomeSuccess)
	s.DispatchInFlightIncr()
	s.DispatchInFlightDecr()
	s.WatchTransition("expired")
	s.PollCompleted(errors.New("x"))
	s.BufferSizeUpdate(1)
	s.EmitError()
	s.SweepCompleted(1, 2, nil)
	s.LeaderStatus(true)
}
