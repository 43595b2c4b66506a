// Package forum adapts the forum's reply API to the dispatcher and the
// sniper poller.
package forum

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/djlord-it/pacer/internal/domain"
)

// ErrPublishRejected is matched by publish failures the forum will not
// accept on retry (4xx other than 429).
var ErrPublishRejected = errors.New("publish rejected")

type Transport interface {
	Publish(ctx context.Context, destination, threadID, content string) (PublishResult, error)
	// ListNewReplies yields replies created after since, oldest first. The
	// sequence is lazy and finite; an error ends it.
	ListNewReplies(ctx context.Context, threadID string, since time.Time) iter.Seq2[domain.Reply, error]
}

type PublishResult struct {
	ExternalID string
	StatusCode int
	Duration   time.Duration
}

// StatusError reports a non-2xx forum response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("forum returned status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrPublishRejected && e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429
}
