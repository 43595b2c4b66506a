package domain

import "time"

// DestinationState is the persisted pacing state of one forum sub-community.
// A destination with no state has never been dispatched to.
type DestinationState struct {
	Destination    string
	LastDispatchAt time.Time

	// Consecutive counts dispatches in the current burst.
	Consecutive   int
	CooldownUntil time.Time

	// NextSpacing is the minimum delay sampled at the last dispatch.
	NextSpacing time.Duration
}

func (s DestinationState) ColdStart() bool {
	return s.LastDispatchAt.IsZero()
}
