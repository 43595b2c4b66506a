package sniper

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/pacer/internal/domain"
)

// mockStore enforces the same conditional transitions as the real stores.
type mockStore struct {
	mu            sync.Mutex
	watches       map[uuid.UUID]domain.SniperWatch
	notifications []domain.TriggerNotification
}

func newMockStore() *mockStore {
	return &mockStore{watches: make(map[uuid.UUID]domain.SniperWatch)}
}

func (s *mockStore) InsertWatch(ctx context.Context, w domain.SniperWatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.watches {
		if existing.ThreadID == w.ThreadID && existing.State == domain.WatchStateWatching {
			return ErrActiveWatch
		}
	}
	s.watches[w.ID] = w
	return nil
}

func (s *mockStore) GetWatch(ctx context.Context, id uuid.UUID) (domain.SniperWatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return domain.SniperWatch{}, ErrWatchNotFound
	}
	return w, nil
}

func (s *mockStore) ActiveWatchForThread(ctx context.Context, threadID string) (domain.SniperWatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watches {
		if w.ThreadID == threadID && w.State == domain.WatchStateWatching {
			return w, nil
		}
	}
	return domain.SniperWatch{}, ErrWatchNotFound
}

func (s *mockStore) ListWatches(ctx context.Context, state domain.WatchState) ([]domain.SniperWatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SniperWatch
	for _, w := range s.watches {
		if state == "" || w.State == state {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *mockStore) AdvanceWatermark(ctx context.Context, id uuid.UUID, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return ErrWatchNotFound
	}
	w.Watermark = watermark
	s.watches[id] = w
	return nil
}

func (s *mockStore) TriggerWatch(ctx context.Context, w domain.SniperWatch, n domain.TriggerNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.watches[w.ID]
	if !ok {
		return ErrWatchNotFound
	}
	if current.State != domain.WatchStateWatching {
		return ErrWatchTerminal
	}
	s.watches[w.ID] = w
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *mockStore) ExpireWatch(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return ErrWatchNotFound
	}
	if w.State != domain.WatchStateWatching {
		return ErrWatchTerminal
	}
	w.State = domain.WatchStateExpired
	s.watches[id] = w
	return nil
}

func (s *mockStore) ListNotifications(ctx context.Context, unreadOnly bool) ([]domain.TriggerNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TriggerNotification
	for _, n := range s.notifications {
		if !unreadOnly || !n.Read {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *mockStore) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].Read = true
			return nil
		}
	}
	return ErrNotificationNotFound
}

// recordingEmitter captures emitted notifications.
type recordingEmitter struct {
	mu   sync.Mutex
	sent []domain.TriggerNotification
	ch   chan domain.TriggerNotification
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{ch: make(chan domain.TriggerNotification, 16)}
}

func (e *recordingEmitter) Emit(ctx context.Context, n domain.TriggerNotification) error {
	e.mu.Lock()
	e.sent = append(e.sent, n)
	e.mu.Unlock()
	select {
	case e.ch <- n:
	default:
	}
	return nil
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}
