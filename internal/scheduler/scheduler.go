// Package scheduler is the intake side of the pacer: it vets proposed
// replies against the thread and queues the ones worth sending.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/clock"
	"github.com/djlord-it/pacer/internal/dedup"
	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/logging"
	"github.com/djlord-it/pacer/internal/queue"
)

var (
	ErrInvalidProposal = errors.New("invalid proposal")
	ErrActionNotFound  = errors.New("pending action not found")
)

// Store persists the queue so it survives restarts.
type Store interface {
	InsertPending(ctx context.Context, a domain.PendingAction) error
	DeletePending(ctx context.Context, id uuid.UUID) error
	ListPending(ctx context.Context) ([]domain.PendingAction, error)
}

// ReplySource supplies a thread's existing replies when the proposer does not.
type ReplySource interface {
	ListNewReplies(ctx context.Context, threadID string, since time.Time) iter.Seq2[domain.Reply, error]
}

type Config struct {
	// MaxExisting caps how many thread replies are fetched for vetting.
	MaxExisting     int
	DefaultPriority int
}

func DefaultConfig() Config {
	return Config{
		MaxExisting:     500,
		DefaultPriority: 3,
	}
}

// Proposal is a reply someone wants published.
type Proposal struct {
	Destination string
	ThreadID    string
	Kind        domain.ActionKind
	Content     string
	// Priority 1..5, higher first. Zero means the configured default.
	Priority  int
	NotBefore time.Time
	Triggers  []string
	// Existing is the thread's current discussion. Nil means fetch it.
	Existing []string
}

// Verdict is the structured outcome of Propose. Refusals are not errors.
type Verdict struct {
	Accepted   bool
	Reason     domain.Reason
	Detail     string
	Action     *domain.PendingAction
	Evaluation dedup.Evaluation
}

type Scheduler struct {
	config   Config
	store    Store
	queue    *queue.Queue
	detector *dedup.Detector
	replies  ReplySource
	clock    clock.Func
	logger   *zap.Logger
}

func New(config Config, store Store, q *queue.Queue, detector *dedup.Detector, replies ReplySource, logger *zap.Logger) *Scheduler {
	if config.DefaultPriority == 0 {
		config.DefaultPriority = DefaultConfig().DefaultPriority
	}
	return &Scheduler{
		config:   config,
		store:    store,
		queue:    q,
		detector: detector,
		replies:  replies,
		clock:    time.Now,
		logger:   logging.OrNop(logger).Named("scheduler"),
	}
}

func (s *Scheduler) WithClock(fn clock.Func) *Scheduler {
	s.clock = fn
	return s
}

// Propose vets p and, if it is neither a duplicate nor too thin, persists
// and enqueues it.
func (s *Scheduler) Propose(ctx context.Context, p Proposal) (Verdict, error) {
	if err := validate(&p, s.config.DefaultPriority); err != nil {
		return Verdict{}, err
	}

	existing := p.Existing
	if existing == nil {
		fetched, err := s.fetchExisting(ctx, p.ThreadID)
		if err != nil {
			return Verdict{}, fmt.Errorf("fetch thread %s: %w", p.ThreadID, err)
		}
		existing = fetched
	}

	ev, err := s.detector.Evaluate(p.Content, existing)
	if err != nil {
		if errors.Is(err, dedup.ErrInsufficientContent) {
			s.logger.Info("proposal refused",
				zap.String("destination", p.Destination),
				zap.String("thread_id", p.ThreadID),
				zap.String("reason", string(domain.ReasonInsufficientContent)))
			return Verdict{Reason: domain.ReasonInsufficientContent, Detail: err.Error(), Evaluation: ev}, nil
		}
		return Verdict{}, fmt.Errorf("evaluate: %w", err)
	}
	if ev.IsDuplicate {
		s.logger.Info("proposal refused",
			zap.String("destination", p.Destination),
			zap.String("thread_id", p.ThreadID),
			zap.String("reason", string(domain.ReasonDuplicateContent)),
			zap.Float64("score", ev.Score))
		return Verdict{
			Reason:     domain.ReasonDuplicateContent,
			Detail:     fmt.Sprintf("similarity %.2f with existing reply %d", ev.Score, ev.MatchedIndex),
			Evaluation: ev,
		}, nil
	}

	now := s.clock().UTC()
	action := domain.PendingAction{
		ID:          uuid.New(),
		Destination: p.Destination,
		ThreadID:    p.ThreadID,
		Kind:        p.Kind,
		Content:     p.Content,
		Priority:    p.Priority,
		NotBefore:   p.NotBefore,
		Triggers:    p.Triggers,
		CreatedAt:   now,
	}
	if action.NotBefore.IsZero() {
		action.NotBefore = now
	}

	// Enqueue first so Seq is assigned before the row is written.
	action, err = s.queue.Enqueue(action)
	if err != nil {
		return Verdict{}, fmt.Errorf("enqueue: %w", err)
	}
	if err := s.store.InsertPending(ctx, action); err != nil {
		_ = s.queue.Dequeue(action.ID)
		return Verdict{}, fmt.Errorf("persist pending action: %w", err)
	}

	s.logger.Info("action queued",
		zap.String("action_id", action.ID.String()),
		zap.String("destination", action.Destination),
		zap.String("thread_id", action.ThreadID),
		zap.Int("priority", action.Priority),
		zap.Float64("score", ev.Score),
		zap.Strings("warnings", ev.Warnings))
	return Verdict{Accepted: true, Action: &action, Evaluation: ev}, nil
}

// Cancel removes an action that has not been dispatched. The persisted row
// is deleted even when another instance holds the action in its queue.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	err := s.queue.Dequeue(id)
	if err != nil && !errors.Is(err, queue.ErrActionNotFound) {
		return err
	}
	if err != nil {
		persisted, err := s.isPersisted(ctx, id)
		if err != nil {
			return err
		}
		if !persisted {
			return fmt.Errorf("%w: %s", ErrActionNotFound, id)
		}
	}
	if err := s.store.DeletePending(ctx, id); err != nil {
		return fmt.Errorf("delete pending action: %w", err)
	}
	s.logger.Info("action cancelled", zap.String("action_id", id.String()))
	return nil
}

func (s *Scheduler) isPersisted(ctx context.Context, id uuid.UUID) (bool, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return false, fmt.Errorf("list pending: %w", err)
	}
	return slices.ContainsFunc(pending, func(a domain.PendingAction) bool { return a.ID == id }), nil
}

// Restore loads persisted pending actions into the queue. Actions already
// queued are skipped.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	restored := 0
	for _, a := range pending {
		if _, err := s.queue.Enqueue(a); err != nil {
			if errors.Is(err, queue.ErrDuplicateAction) {
				continue
			}
			return restored, err
		}
		restored++
	}
	s.logger.Info("queue restored", zap.Int("actions", restored))
	return restored, nil
}

// Resync makes the queue mirror the store: actions no longer persisted are
// dropped, persisted actions missing from the queue are added and queued
// copies whose schedule changed are replaced. Instances share the store but
// not their queues, so the dispatcher calls it every tick and the API before
// listing.
func (s *Scheduler) Resync(ctx context.Context) (added, dropped int, err error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list pending: %w", err)
	}
	persisted := make(map[uuid.UUID]domain.PendingAction, len(pending))
	for _, a := range pending {
		persisted[a.ID] = a
	}

	refreshed := 0
	for _, a := range s.queue.Snapshot() {
		p, ok := persisted[a.ID]
		if ok && p.NotBefore.Equal(a.NotBefore) && p.Attempts == a.Attempts && p.Priority == a.Priority {
			continue
		}
		if err := s.queue.Dequeue(a.ID); err != nil && !errors.Is(err, queue.ErrActionNotFound) {
			return added, dropped, err
		}
		if !ok {
			dropped++
			continue
		}
		p.Seq = a.Seq
		if _, err := s.queue.Enqueue(p); err != nil && !errors.Is(err, queue.ErrDuplicateAction) {
			return added, dropped, err
		}
		refreshed++
	}
	for _, a := range pending {
		if _, err := s.queue.Enqueue(a); err != nil {
			if errors.Is(err, queue.ErrDuplicateAction) {
				continue
			}
			return added, dropped, err
		}
		added++
	}

	if added > 0 || dropped > 0 || refreshed > 0 {
		s.logger.Info("queue resynced",
			zap.Int("added", added),
			zap.Int("dropped", dropped),
			zap.Int("refreshed", refreshed))
	}
	return added, dropped, nil
}

// Pending returns queued actions in dispatch order after resyncing with the
// store, so actions accepted or dispatched by other instances are reflected.
func (s *Scheduler) Pending(ctx context.Context) ([]domain.PendingAction, error) {
	if _, _, err := s.Resync(ctx); err != nil {
		return nil, err
	}
	return s.queue.Snapshot(), nil
}

func (s *Scheduler) fetchExisting(ctx context.Context, threadID string) ([]string, error) {
	if s.replies == nil {
		return []string{}, nil
	}
	out := []string{}
	for r, err := range s.replies.ListNewReplies(ctx, threadID, time.Time{}) {
		if err != nil {
			return nil, err
		}
		out = append(out, r.Text)
		if s.config.MaxExisting > 0 && len(out) >= s.config.MaxExisting {
			break
		}
	}
	return out, nil
}

func validate(p *Proposal, defaultPriority int) error {
	p.Destination = strings.TrimSpace(p.Destination)
	p.ThreadID = strings.TrimSpace(p.ThreadID)
	if p.Kind == "" {
		p.Kind = domain.ActionKindComment
	}
	if p.Priority == 0 {
		p.Priority = defaultPriority
	}

	switch {
	case p.Destination == "":
		return fmt.Errorf("%w: destination is required", ErrInvalidProposal)
	case p.ThreadID == "":
		return fmt.Errorf("%w: thread_id is required", ErrInvalidProposal)
	case strings.TrimSpace(p.Content) == "":
		return fmt.Errorf("%w: content is required", ErrInvalidProposal)
	case !p.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidProposal, p.Kind)
	case p.Priority < domain.MinPriority || p.Priority > domain.MaxPriority:
		return fmt.Errorf("%w: priority must be between %d and %d", ErrInvalidProposal, domain.MinPriority, domain.MaxPriority)
	}
	return nil
}
