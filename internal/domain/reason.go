package domain

import (
	"errors"
	"fmt"
	"time"
)

// Reason is the machine-readable cause of a refusal.
type Reason string

const (
	ReasonRateLimited           Reason = "rate_limited"
	ReasonDuplicateContent      Reason = "duplicate_content"
	ReasonInsufficientContent   Reason = "insufficient_content"
	ReasonTemporalInconsistency Reason = "temporal_inconsistency"
	ReasonDispatchFailed        Reason = "dispatch_failed"
)

// ErrTemporalInconsistency is matched by every TemporalInconsistencyError.
var ErrTemporalInconsistency = errors.New("temporal inconsistency")

// TemporalInconsistencyError reports a dispatch record older than the latest
// known dispatch for its destination.
type TemporalInconsistencyError struct {
	Destination string
	Latest      time.Time
	Got         time.Time
}

func (e *TemporalInconsistencyError) Error() string {
	return fmt.Sprintf("temporal inconsistency: destination=%s record at %s precedes latest dispatch %s",
		e.Destination, e.Got.UTC().Format(time.RFC3339Nano), e.Latest.UTC().Format(time.RFC3339Nano))
}

func (e *TemporalInconsistencyError) Is(target error) bool {
	return target == ErrTemporalInconsistency
}
