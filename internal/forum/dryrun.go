package forum

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/logging"
)

// Published is a publish captured by DryRunTransport.
type Published struct {
	ExternalID  string
	Destination string
	ThreadID    string
	Content     string
}

// DryRunTransport logs publishes instead of sending them and serves
// replies injected with AddReply.
type DryRunTransport struct {
	logger *zap.Logger

	mu        sync.Mutex
	published []Published
	replies   map[string][]domain.Reply
}

func NewDryRunTransport(logger *zap.Logger) *DryRunTransport {
	return &DryRunTransport{
		logger:  logging.OrNop(logger).Named("forum.dryrun"),
		replies: make(map[string][]domain.Reply),
	}
}

func (t *DryRunTransport) Publish(ctx context.Context, destination, threadID, content string) (PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return PublishResult{}, err
	}
	p := Published{
		ExternalID:  "dryrun-" + uuid.NewString(),
		Destination: destination,
		ThreadID:    threadID,
		Content:     content,
	}

	t.mu.Lock()
	t.published = append(t.published, p)
	t.mu.Unlock()

	t.logger.Info("dry run publish",
		zap.String("destination", destination),
		zap.String("thread_id", threadID),
		zap.Int("content_len", len(content)),
		zap.String("external_id", p.ExternalID),
	)
	return PublishResult{ExternalID: p.ExternalID, StatusCode: 200}, nil
}

func (t *DryRunTransport) ListNewReplies(ctx context.Context, threadID string, since time.Time) iter.Seq2[domain.Reply, error] {
	t.mu.Lock()
	var out []domain.Reply
	for _, r := range t.replies[threadID] {
		if r.CreatedAt.After(since) {
			out = append(out, r)
		}
	}
	t.mu.Unlock()

	return func(yield func(domain.Reply, error) bool) {
		for _, r := range out {
			if err := ctx.Err(); err != nil {
				yield(domain.Reply{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// AddReply appends a reply to a thread. Replies are kept in creation order.
func (t *DryRunTransport) AddReply(threadID string, r domain.Reply) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := append(t.replies[threadID], r)
	for i := len(list) - 1; i > 0 && list[i].CreatedAt.Before(list[i-1].CreatedAt); i-- {
		list[i], list[i-1] = list[i-1], list[i]
	}
	t.replies[threadID] = list
}

func (t *DryRunTransport) Published() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Published, len(t.published))
	copy(out, t.published)
	return out
}

var (
	_ Transport = (*HTTPTransport)(nil)
	_ Transport = (*DryRunTransport)(nil)
)
