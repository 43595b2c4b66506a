package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Sink records pacer metrics. Methods are fire-and-forget: implementations
// must not block or propagate errors.
type Sink interface {
	// Pacing and vetting
	PacingDecision(reason string)
	DedupVerdict(verdict string)
	QueueDepth(depth int)

	// Dispatcher
	DispatchAttemptCompleted(destination, statusClass string, duration time.Duration)
	DispatchOutcome(outcome string)
	DispatchInFlightIncr()
	DispatchInFlightDecr()

	// Sniper
	WatchTransition(state string)
	PollCompleted(err error)

	// Notification bus
	BufferSizeUpdate(size int)
	EmitError()

	// Sweeper
	SweepCompleted(expired, pruned int, err error)

	// Leader election
	LeaderStatus(isLeader bool)
}

// Outcome values for DispatchOutcome.
const (
	OutcomeSuccess   = "success"
	OutcomeDeferred  = "deferred"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// StatusClass values for DispatchAttemptCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a publish status code and error to a status class.
// A non-zero status code wins over the error it was wrapped in.
func ClassifyStatus(statusCode int, err error) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	}
	if err == nil {
		return StatusClassOtherError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return StatusClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return StatusClassConnectionError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return StatusClassTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "dial"):
		return StatusClassConnectionError
	default:
		return StatusClassOtherError
	}
}
