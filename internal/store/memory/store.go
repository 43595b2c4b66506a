// Package memory is an in-process Store for tests and ephemeral runs.
// Nothing survives a restart.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/pacing"
	"github.com/djlord-it/pacer/internal/sniper"
)

type Store struct {
	mu            sync.RWMutex
	destinations  map[string]domain.DestinationState
	records       map[uuid.UUID]domain.ActionRecord
	pending       map[uuid.UUID]domain.PendingAction
	watches       map[uuid.UUID]domain.SniperWatch
	notifications map[uuid.UUID]domain.TriggerNotification
}

func New() *Store {
	return &Store{
		destinations:  make(map[string]domain.DestinationState),
		records:       make(map[uuid.UUID]domain.ActionRecord),
		pending:       make(map[uuid.UUID]domain.PendingAction),
		watches:       make(map[uuid.UUID]domain.SniperWatch),
		notifications: make(map[uuid.UUID]domain.TriggerNotification),
	}
}

// Pacing state

func (s *Store) GetDestinationState(ctx context.Context, destination string) (domain.DestinationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.destinations[destination]
	if !ok {
		return domain.DestinationState{Destination: destination}, nil
	}
	return st, nil
}

func (s *Store) ListDestinations(ctx context.Context) ([]domain.DestinationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DestinationState, 0, len(s.destinations))
	for _, st := range s.destinations {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b domain.DestinationState) int { return cmp.Compare(a.Destination, b.Destination) })
	return out, nil
}

func (s *Store) DispatchTimesSince(ctx context.Context, destination string, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []time.Time
	for _, r := range s.records {
		if r.Destination == destination && r.DispatchedAt.After(since) {
			out = append(out, r.DispatchedAt)
		}
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out, nil
}

func (s *Store) RecordExists(ctx context.Context, actionID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[actionID]
	return ok, nil
}

func (s *Store) RecordDispatch(ctx context.Context, rec domain.ActionRecord, state domain.DestinationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ActionID]; ok {
		return fmt.Errorf("%w: %s", pacing.ErrDuplicateRecord, rec.ActionID)
	}
	s.records[rec.ActionID] = rec
	s.destinations[state.Destination] = state
	return nil
}

// ListRecords returns a destination's records after since, oldest first.
// An empty destination lists every destination.
func (s *Store) ListRecords(ctx context.Context, destination string, since time.Time) ([]domain.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ActionRecord
	for _, r := range s.records {
		if (destination == "" || r.Destination == destination) && r.DispatchedAt.After(since) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b domain.ActionRecord) int { return a.DispatchedAt.Compare(b.DispatchedAt) })
	return out, nil
}

// PruneRecords deletes records dispatched before cutoff.
func (s *Store) PruneRecords(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.records {
		if r.DispatchedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Pending actions

func (s *Store) InsertPending(ctx context.Context, a domain.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[a.ID]; ok {
		return fmt.Errorf("pending action %s already exists", a.ID)
	}
	s.pending[a.ID] = clonePending(a)
	return nil
}

func (s *Store) UpdatePending(ctx context.Context, a domain.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[a.ID]; !ok {
		return fmt.Errorf("pending action %s not found", a.ID)
	}
	s.pending[a.ID] = clonePending(a)
	return nil
}

// DeletePending is idempotent.
func (s *Store) DeletePending(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

func (s *Store) ListPending(ctx context.Context) ([]domain.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PendingAction, 0, len(s.pending))
	for _, a := range s.pending {
		out = append(out, clonePending(a))
	}
	slices.SortFunc(out, func(a, b domain.PendingAction) int { return cmp.Compare(a.Seq, b.Seq) })
	return out, nil
}

// Sniper watches

func (s *Store) InsertWatch(ctx context.Context, w domain.SniperWatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.watches {
		if existing.ThreadID == w.ThreadID && existing.State == domain.WatchStateWatching {
			return fmt.Errorf("%w: thread %s", sniper.ErrActiveWatch, w.ThreadID)
		}
	}
	s.watches[w.ID] = cloneWatch(w)
	return nil
}

func (s *Store) GetWatch(ctx context.Context, id uuid.UUID) (domain.SniperWatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.watches[id]
	if !ok {
		return domain.SniperWatch{}, fmt.Errorf("%w: %s", sniper.ErrWatchNotFound, id)
	}
	return cloneWatch(w), nil
}

func (s *Store) ActiveWatchForThread(ctx context.Context, threadID string) (domain.SniperWatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.watches {
		if w.ThreadID == threadID && w.State == domain.WatchStateWatching {
			return cloneWatch(w), nil
		}
	}
	return domain.SniperWatch{}, fmt.Errorf("%w: thread %s", sniper.ErrWatchNotFound, threadID)
}

func (s *Store) ListWatches(ctx context.Context, state domain.WatchState) ([]domain.SniperWatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SniperWatch
	for _, w := range s.watches {
		if state == "" || w.State == state {
			out = append(out, cloneWatch(w))
		}
	}
	slices.SortFunc(out, func(a, b domain.SniperWatch) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// AdvanceWatermark never moves a watermark backwards.
func (s *Store) AdvanceWatermark(ctx context.Context, id uuid.UUID, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return fmt.Errorf("%w: %s", sniper.ErrWatchNotFound, id)
	}
	if watermark.After(w.Watermark) {
		w.Watermark = watermark
		s.watches[id] = w
	}
	return nil
}

func (s *Store) TriggerWatch(ctx context.Context, w domain.SniperWatch, n domain.TriggerNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.watches[w.ID]
	if !ok {
		return fmt.Errorf("%w: %s", sniper.ErrWatchNotFound, w.ID)
	}
	if cur.State != domain.WatchStateWatching {
		return fmt.Errorf("%w: %s is %s", sniper.ErrWatchTerminal, w.ID, cur.State)
	}
	s.watches[w.ID] = cloneWatch(w)
	s.notifications[n.ID] = n
	return nil
}

func (s *Store) ExpireWatch(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return fmt.Errorf("%w: %s", sniper.ErrWatchNotFound, id)
	}
	if w.State != domain.WatchStateWatching {
		return fmt.Errorf("%w: %s is %s", sniper.ErrWatchTerminal, id, w.State)
	}
	w.State = domain.WatchStateExpired
	s.watches[id] = w
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, unreadOnly bool) ([]domain.TriggerNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TriggerNotification
	for _, n := range s.notifications {
		if !unreadOnly || !n.Read {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b domain.TriggerNotification) int { return b.DetectedAt.Compare(a.DetectedAt) })
	return out, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return fmt.Errorf("%w: %s", sniper.ErrNotificationNotFound, id)
	}
	n.Read = true
	s.notifications[id] = n
	return nil
}

func clonePending(a domain.PendingAction) domain.PendingAction {
	a.Triggers = slices.Clone(a.Triggers)
	return a
}

func cloneWatch(w domain.SniperWatch) domain.SniperWatch {
	w.Triggers = slices.Clone(w.Triggers)
	return w
}

var (
	_ pacing.Store = (*Store)(nil)
	_ sniper.Store = (*Store)(nil)
)
