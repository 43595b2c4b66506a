package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ActionKind string

const (
	ActionKindPost    ActionKind = "post"
	ActionKindComment ActionKind = "comment"
)

func (k ActionKind) Valid() bool {
	return k == ActionKindPost || k == ActionKindComment
}

const (
	MinPriority = 1
	MaxPriority = 5
)

// ActionRecord is the immutable log entry written once per successful dispatch.
type ActionRecord struct {
	ActionID     uuid.UUID
	Destination  string
	Kind         ActionKind
	ThreadID     string
	ExternalID   string
	Fingerprint  string
	DispatchedAt time.Time
}

// PendingAction is a vetted action waiting in the queue.
type PendingAction struct {
	ID          uuid.UUID
	Destination string
	ThreadID    string
	Kind        ActionKind
	Content     string
	Priority    int
	NotBefore   time.Time

	// Triggers, when non-empty, deploy a sniper watch on the thread after dispatch.
	Triggers []string

	Attempts  int
	CreatedAt time.Time

	// Seq is the insertion order used as the final ordering tie-break.
	Seq uint64
}

// Fingerprint returns a stable digest of content, insensitive to case and whitespace.
func Fingerprint(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
