// Package storetest holds the behaviour every pacer store must share.
// Store packages call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/pacing"
	"github.com/djlord-it/pacer/internal/sniper"
	"github.com/djlord-it/pacer/internal/testutil"
)

type Store interface {
	pacing.Store
	sniper.Store
	ListDestinations(ctx context.Context) ([]domain.DestinationState, error)
	ListRecords(ctx context.Context, destination string, since time.Time) ([]domain.ActionRecord, error)
	PruneRecords(ctx context.Context, cutoff time.Time) (int, error)
	InsertPending(ctx context.Context, a domain.PendingAction) error
	UpdatePending(ctx context.Context, a domain.PendingAction) error
	DeletePending(ctx context.Context, id uuid.UUID) error
	ListPending(ctx context.Context) ([]domain.PendingAction, error)
}

// Run exercises s through every store operation. newStore must return an
// empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("DestinationState", func(t *testing.T) { testDestinationState(t, newStore(t)) })
	t.Run("DispatchTimes", func(t *testing.T) { testDispatchTimes(t, newStore(t)) })
	t.Run("DuplicateRecord", func(t *testing.T) { testDuplicateRecord(t, newStore(t)) })
	t.Run("PruneRecords", func(t *testing.T) { testPruneRecords(t, newStore(t)) })
	t.Run("Pending", func(t *testing.T) { testPending(t, newStore(t)) })
	t.Run("Watches", func(t *testing.T) { testWatches(t, newStore(t)) })
	t.Run("TriggerOnce", func(t *testing.T) { testTriggerOnce(t, newStore(t)) })
	t.Run("Expire", func(t *testing.T) { testExpire(t, newStore(t)) })
	t.Run("Notifications", func(t *testing.T) { testNotifications(t, newStore(t)) })
}

func record(dest string, at time.Time) domain.ActionRecord {
	return domain.ActionRecord{
		ActionID:     uuid.New(),
		Destination:  dest,
		Kind:         domain.ActionKindComment,
		ThreadID:     "t1",
		ExternalID:   "ext-" + at.Format("150405"),
		Fingerprint:  domain.Fingerprint("content"),
		DispatchedAt: at,
	}
}

func testDestinationState(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)

	st, err := s.GetDestinationState(ctx, "r/a")
	require.NoError(t, err)
	assert.Equal(t, "r/a", st.Destination)
	assert.True(t, st.ColdStart())

	want := domain.DestinationState{
		Destination:    "r/a",
		LastDispatchAt: testutil.Epoch,
		Consecutive:    2,
		CooldownUntil:  testutil.Epoch.Add(time.Hour),
		NextSpacing:    11*time.Minute + 3*time.Second,
	}
	require.NoError(t, s.RecordDispatch(ctx, record("r/a", testutil.Epoch), want))

	got, err := s.GetDestinationState(ctx, "r/a")
	require.NoError(t, err)
	assert.Equal(t, want.Destination, got.Destination)
	assert.True(t, want.LastDispatchAt.Equal(got.LastDispatchAt))
	assert.True(t, want.CooldownUntil.Equal(got.CooldownUntil))
	assert.Equal(t, want.Consecutive, got.Consecutive)
	assert.Equal(t, want.NextSpacing, got.NextSpacing)

	// Zero cooldown round-trips as zero.
	want.CooldownUntil = time.Time{}
	want.LastDispatchAt = testutil.Epoch.Add(time.Hour)
	require.NoError(t, s.RecordDispatch(ctx, record("r/a", want.LastDispatchAt), want))
	got, err = s.GetDestinationState(ctx, "r/a")
	require.NoError(t, err)
	assert.True(t, got.CooldownUntil.IsZero())

	all, err := s.ListDestinations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "r/a", all[0].Destination)
}

func testDispatchTimes(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	base := testutil.Epoch
	state := domain.DestinationState{Destination: "r/a"}

	for _, off := range []time.Duration{2 * time.Hour, 0, time.Hour} {
		state.LastDispatchAt = base.Add(off)
		require.NoError(t, s.RecordDispatch(ctx, record("r/a", base.Add(off)), state))
	}
	require.NoError(t, s.RecordDispatch(ctx, record("r/b", base.Add(30*time.Minute)), domain.DestinationState{Destination: "r/b"}))

	times, err := s.DispatchTimesSince(ctx, "r/a", base)
	require.NoError(t, err)
	require.Len(t, times, 2, "since is exclusive")
	assert.True(t, times[0].Equal(base.Add(time.Hour)))
	assert.True(t, times[1].Equal(base.Add(2*time.Hour)))

	recs, err := s.ListRecords(ctx, "r/a", time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, recs[0].DispatchedAt.Equal(base))
	assert.Equal(t, domain.ActionKindComment, recs[0].Kind)

	all, err := s.ListRecords(ctx, "", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testDuplicateRecord(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	rec := record("r/a", testutil.Epoch)
	state := domain.DestinationState{Destination: "r/a", LastDispatchAt: testutil.Epoch, Consecutive: 1}
	require.NoError(t, s.RecordDispatch(ctx, rec, state))

	changed := state
	changed.Consecutive = 9
	err := s.RecordDispatch(ctx, rec, changed)
	assert.ErrorIs(t, err, pacing.ErrDuplicateRecord)

	exists, err := s.RecordExists(ctx, rec.ActionID)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.RecordExists(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := s.GetDestinationState(ctx, "r/a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Consecutive, "state must not change on a duplicate record")
}

func testPruneRecords(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	base := testutil.Epoch
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * 24 * time.Hour)
		require.NoError(t, s.RecordDispatch(ctx, record("r/a", at), domain.DestinationState{Destination: "r/a", LastDispatchAt: at}))
	}

	n, err := s.PruneRecords(ctx, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := s.ListRecords(ctx, "r/a", time.Time{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func testPending(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	a := domain.PendingAction{
		ID:          uuid.New(),
		Destination: "r/a",
		ThreadID:    "t1",
		Kind:        domain.ActionKindPost,
		Content:     "hello",
		Priority:    4,
		NotBefore:   testutil.Epoch,
		Triggers:    []string{"what app", "link?"},
		CreatedAt:   testutil.Epoch,
		Seq:         2,
	}
	b := a
	b.ID = uuid.New()
	b.Triggers = nil
	b.Seq = 1

	require.NoError(t, s.InsertPending(ctx, a))
	require.NoError(t, s.InsertPending(ctx, b))
	require.Error(t, s.InsertPending(ctx, a))

	list, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "ordered by seq")
	assert.Equal(t, a.Triggers, list[1].Triggers)
	assert.Empty(t, list[0].Triggers)
	assert.Equal(t, domain.ActionKindPost, list[1].Kind)
	assert.True(t, list[1].NotBefore.Equal(testutil.Epoch))

	a.Attempts = 2
	a.NotBefore = testutil.Epoch.Add(2 * time.Minute)
	require.NoError(t, s.UpdatePending(ctx, a))
	list, err = s.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, list[1].Attempts)
	assert.True(t, list[1].NotBefore.Equal(a.NotBefore))

	require.NoError(t, s.DeletePending(ctx, a.ID))
	require.NoError(t, s.DeletePending(ctx, a.ID))
	assert.Error(t, s.UpdatePending(ctx, a))

	list, err = s.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func watch(thread string, created time.Time) domain.SniperWatch {
	exp := created.Add(72 * time.Hour)
	return domain.SniperWatch{
		ID:          uuid.New(),
		ThreadID:    thread,
		Destination: "r/a",
		ActionID:    uuid.New(),
		Fingerprint: "fp",
		Triggers:    []string{"what app"},
		State:       domain.WatchStateWatching,
		CreatedAt:   created,
		ExpiresAt:   &exp,
		Watermark:   created,
	}
}

func testWatches(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	w := watch("t1", testutil.Epoch)
	require.NoError(t, s.InsertWatch(ctx, w))

	err := s.InsertWatch(ctx, watch("t1", testutil.Epoch.Add(time.Minute)))
	assert.ErrorIs(t, err, sniper.ErrActiveWatch)

	got, err := s.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Triggers, got.Triggers)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(*w.ExpiresAt))
	assert.Nil(t, got.TriggeredAt)

	active, err := s.ActiveWatchForThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, w.ID, active.ID)

	_, err = s.ActiveWatchForThread(ctx, "t2")
	assert.ErrorIs(t, err, sniper.ErrWatchNotFound)
	_, err = s.GetWatch(ctx, uuid.New())
	assert.ErrorIs(t, err, sniper.ErrWatchNotFound)

	mark := testutil.Epoch.Add(5 * time.Minute)
	require.NoError(t, s.AdvanceWatermark(ctx, w.ID, mark))
	require.NoError(t, s.AdvanceWatermark(ctx, w.ID, testutil.Epoch.Add(time.Minute)))
	got, err = s.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Watermark.Equal(mark), "watermark must not move backwards")

	noExpiry := watch("t3", testutil.Epoch.Add(time.Second))
	noExpiry.ExpiresAt = nil
	require.NoError(t, s.InsertWatch(ctx, noExpiry))

	all, err := s.ListWatches(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, w.ID, all[0].ID)
	assert.Nil(t, all[1].ExpiresAt)
}

func testTriggerOnce(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	w := watch("t1", testutil.Epoch)
	require.NoError(t, s.InsertWatch(ctx, w))

	at := testutil.Epoch.Add(time.Hour)
	triggered := w
	triggered.State = domain.WatchStateTriggered
	triggered.TriggeredAt = &at
	triggered.Watermark = at

	n := domain.TriggerNotification{
		ID:          uuid.New(),
		WatchID:     w.ID,
		ThreadID:    w.ThreadID,
		Destination: w.Destination,
		Trigger:     "what app",
		Reply:       domain.Reply{ID: "r1", Author: "bob", Text: "what app is this??", CreatedAt: at},
		DetectedAt:  at,
	}
	require.NoError(t, s.TriggerWatch(ctx, triggered, n))

	second := n
	second.ID = uuid.New()
	assert.ErrorIs(t, s.TriggerWatch(ctx, triggered, second), sniper.ErrWatchTerminal)

	notes, err := s.ListNotifications(ctx, false)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, n.Reply.Text, notes[0].Reply.Text)
	assert.True(t, notes[0].Reply.CreatedAt.Equal(at))

	got, err := s.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WatchStateTriggered, got.State)
	require.NotNil(t, got.TriggeredAt)
	assert.True(t, got.TriggeredAt.Equal(at))

	// A triggered watch frees the thread for a new one.
	require.NoError(t, s.InsertWatch(ctx, watch("t1", at)))

	triggeredOnly, err := s.ListWatches(ctx, domain.WatchStateTriggered)
	require.NoError(t, err)
	assert.Len(t, triggeredOnly, 1)
}

func testExpire(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	w := watch("t1", testutil.Epoch)
	require.NoError(t, s.InsertWatch(ctx, w))

	require.NoError(t, s.ExpireWatch(ctx, w.ID))
	assert.ErrorIs(t, s.ExpireWatch(ctx, w.ID), sniper.ErrWatchTerminal)
	assert.ErrorIs(t, s.ExpireWatch(ctx, uuid.New()), sniper.ErrWatchNotFound)

	got, err := s.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WatchStateExpired, got.State)

	expired, err := s.ListWatches(ctx, domain.WatchStateExpired)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
	watching, err := s.ListWatches(ctx, domain.WatchStateWatching)
	require.NoError(t, err)
	assert.Empty(t, watching)
}

func testNotifications(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	var ids []uuid.UUID
	for i, thread := range []string{"t1", "t2"} {
		w := watch(thread, testutil.Epoch)
		require.NoError(t, s.InsertWatch(ctx, w))
		at := testutil.Epoch.Add(time.Duration(i+1) * time.Minute)
		w.State = domain.WatchStateTriggered
		w.TriggeredAt = &at
		n := domain.TriggerNotification{
			ID: uuid.New(), WatchID: w.ID, ThreadID: thread, Destination: "r/a",
			Trigger: "what app", Reply: domain.Reply{ID: "r", Text: "what app?", CreatedAt: at}, DetectedAt: at,
		}
		require.NoError(t, s.TriggerWatch(ctx, w, n))
		ids = append(ids, n.ID)
	}

	require.NoError(t, s.MarkNotificationRead(ctx, ids[0]))
	assert.ErrorIs(t, s.MarkNotificationRead(ctx, uuid.New()), sniper.ErrNotificationNotFound)

	unread, err := s.ListNotifications(ctx, true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, ids[1], unread[0].ID)

	all, err := s.ListNotifications(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ids[1], all[0].ID, "newest first")
	assert.Equal(t, ids[0], all[1].ID)
	assert.True(t, all[1].Read)
}
