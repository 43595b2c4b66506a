package domain

import (
	"time"

	"github.com/google/uuid"
)

type WatchState string

const (
	WatchStateWatching  WatchState = "watching"
	WatchStateTriggered WatchState = "triggered"
	WatchStateExpired   WatchState = "expired"
)

func (s WatchState) Terminal() bool {
	return s == WatchStateTriggered || s == WatchStateExpired
}

// SniperWatch tracks a dispatched first-step reply until the thread asks a
// trigger question or the watch expires.
type SniperWatch struct {
	ID          uuid.UUID
	ThreadID    string
	Destination string
	ActionID    uuid.UUID
	Fingerprint string
	Triggers    []string
	State       WatchState

	CreatedAt   time.Time
	ExpiresAt   *time.Time
	TriggeredAt *time.Time

	// Watermark is the creation time of the newest reply already inspected.
	Watermark time.Time
}

func (w SniperWatch) Expired(now time.Time) bool {
	return w.ExpiresAt != nil && !now.Before(*w.ExpiresAt)
}

// Reply is a message in a forum thread.
type Reply struct {
	ID        string
	Author    string
	Text      string
	CreatedAt time.Time
}

// TriggerNotification is emitted exactly once per watch, on watching -> triggered.
type TriggerNotification struct {
	ID          uuid.UUID
	WatchID     uuid.UUID
	ThreadID    string
	Destination string
	Trigger     string
	Reply       Reply
	DetectedAt  time.Time
	Read        bool
}
