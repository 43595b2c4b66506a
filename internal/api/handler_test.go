package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/pacer/internal/dedup"
	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/pacing"
	"github.com/djlord-it/pacer/internal/queue"
	"github.com/djlord-it/pacer/internal/scheduler"
	"github.com/djlord-it/pacer/internal/sniper"
	"github.com/djlord-it/pacer/internal/store/memory"
	"github.com/djlord-it/pacer/internal/testutil"
)

type nopEmitter struct{}

func (nopEmitter) Emit(ctx context.Context, n domain.TriggerNotification) error { return nil }

// mockHealthChecker implements HealthChecker for handler tests.
type mockHealthChecker struct {
	err error
}

func (m mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

type fixture struct {
	h       *Handler
	store   *memory.Store
	engine  *pacing.Engine
	sched   *scheduler.Scheduler
	monitor *sniper.Monitor
	clk     *testutil.FakeClock
}

func (f fixture) pending(t *testing.T) []domain.PendingAction {
	t.Helper()
	pending, err := f.sched.Pending(testutil.TestContext(t))
	require.NoError(t, err)
	return pending
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := testutil.Logger(t)
	clk := testutil.NewFakeClock(testutil.Epoch)
	store := memory.New()
	engine := pacing.New(pacing.Config{
		MinDelay:   10 * time.Minute,
		MaxDelay:   10 * time.Minute,
		MaxPerDay:  5,
		BurstLimit: 3,
		Cooldown:   time.Hour,
	}, store, logger).WithRand(testutil.Rand())
	detector := dedup.New(dedup.DefaultConfig(), logger)
	sched := scheduler.New(scheduler.DefaultConfig(), store, queue.New(engine), detector, nil, logger).WithClock(clk.Now)
	monitor := sniper.New(sniper.Config{TTL: 72 * time.Hour}, store, nopEmitter{}, logger).WithClock(clk.Now)

	h := NewHandler(sched, engine, monitor, logger).WithClock(clk.Now)
	return fixture{h: h, store: store, engine: engine, sched: sched, monitor: monitor, clk: clk}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func (f fixture) propose(t *testing.T, dest, thread, content string) scheduler.Verdict {
	t.Helper()
	v, err := f.sched.Propose(testutil.TestContext(t), scheduler.Proposal{
		Destination: dest,
		ThreadID:    thread,
		Content:     content,
		Existing:    []string{},
	})
	require.NoError(t, err)
	require.True(t, v.Accepted)
	return v
}

func TestHealth_Simple(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{Status: "ok"}, decode[HealthResponse](t, rec))
}

func TestHealth_Verbose(t *testing.T) {
	f := newFixture(t)
	f.h.WithHealthChecker(mockHealthChecker{})
	f.propose(t, "r/a", "t1", "Whisper runs locally on my laptop for free")

	rec := f.do(t, http.MethodGet, "/health?verbose=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "healthy", resp.Components["database"])
	assert.Equal(t, "1 pending", resp.Components["queue"])
}

func TestHealth_VerboseDegraded(t *testing.T) {
	f := newFixture(t)
	f.h.WithHealthChecker(mockHealthChecker{err: errors.New("connection refused")})

	rec := f.do(t, http.MethodGet, "/health?verbose=true", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Components["database"], "connection refused")
}

func TestProposeAction_Accepted(t *testing.T) {
	f := newFixture(t)
	body := `{
		"destination": "r/productivity",
		"thread_id": "t3_abc",
		"content": "Local processing keeps everything offline and private",
		"priority": 4,
		"triggers": ["what app"],
		"existing": ["I use Otter.ai for transcription"]
	}`

	rec := f.do(t, http.MethodPost, "/actions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[VerdictResponse](t, rec)
	assert.True(t, resp.Accepted)
	require.NotNil(t, resp.Action)
	assert.Equal(t, "r/productivity", resp.Action.Destination)
	assert.Equal(t, "comment", resp.Action.Kind)
	assert.Equal(t, 4, resp.Action.Priority)
	assert.Equal(t, []string{"what app"}, resp.Action.Triggers)
	assert.Equal(t, formatTime(testutil.Epoch), resp.Action.NotBefore)
	assert.False(t, resp.Evaluation.IsDuplicate)

	assert.Len(t, f.pending(t), 1)
	pending, err := f.store.ListPending(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestProposeAction_Duplicate(t *testing.T) {
	f := newFixture(t)
	body := `{
		"destination": "r/productivity",
		"thread_id": "t3_abc",
		"content": "I recommend Otter.ai, it's great!",
		"existing": ["I use Otter.ai for transcription"]
	}`

	rec := f.do(t, http.MethodPost, "/actions", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	resp := decode[VerdictResponse](t, rec)
	assert.False(t, resp.Accepted)
	assert.Equal(t, string(domain.ReasonDuplicateContent), resp.Reason)
	assert.True(t, resp.Evaluation.IsDuplicate)
	assert.Equal(t, "I use Otter.ai for transcription", resp.Evaluation.MatchedText)
	assert.Nil(t, resp.Action)
	assert.Empty(t, f.pending(t))
}

func TestProposeAction_InsufficientContent(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/actions",
		`{"destination": "r/a", "thread_id": "t1", "content": "Great app!", "existing": []}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(domain.ReasonInsufficientContent), decode[VerdictResponse](t, rec).Reason)
}

func TestProposeAction_BadRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"invalid json", `{"destination":`, "invalid json"},
		{"missing destination", `{"thread_id": "t1", "content": "some words here"}`, "destination is required"},
		{"missing thread", `{"destination": "r/a", "content": "some words here"}`, "thread_id is required"},
		{"missing content", `{"destination": "r/a", "thread_id": "t1"}`, "content is required"},
		{"bad kind", `{"destination": "r/a", "thread_id": "t1", "content": "x", "kind": "dm"}`, "kind must be"},
		{"bad priority", `{"destination": "r/a", "thread_id": "t1", "content": "x", "priority": 9}`, "priority must be between 1 and 5"},
		{"bad not_before", `{"destination": "r/a", "thread_id": "t1", "content": "x", "not_before": "tomorrow"}`, "invalid not_before"},
		{"empty trigger", `{"destination": "r/a", "thread_id": "t1", "content": "x", "triggers": [" "]}`, "empty phrases"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, "/actions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[ErrorResponse](t, rec).Error, tt.wantErr)
		})
	}
}

func TestProposeAction_BodyTooLarge(t *testing.T) {
	f := newFixture(t)
	body := `{"content": "` + strings.Repeat("a", 2<<20) + `"}`
	rec := f.do(t, http.MethodPost, "/actions", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "request body too large", decode[ErrorResponse](t, rec).Error)
}

func TestListActions(t *testing.T) {
	f := newFixture(t)
	f.propose(t, "r/a", "t1", "Whisper runs locally on my laptop for free")
	f.propose(t, "r/b", "t2", "Descript handles transcription and editing in one place")
	f.propose(t, "r/a", "t3", "Local processing keeps everything offline and private")

	resp := decode[ListActionsResponse](t, f.do(t, http.MethodGet, "/actions", ""))
	assert.Len(t, resp.Actions, 3)

	resp = decode[ListActionsResponse](t, f.do(t, http.MethodGet, "/actions?destination=r/a", ""))
	require.Len(t, resp.Actions, 2)
	assert.Equal(t, "t1", resp.Actions[0].ThreadID)
	assert.Equal(t, "t3", resp.Actions[1].ThreadID)

	resp = decode[ListActionsResponse](t, f.do(t, http.MethodGet, "/actions?limit=1&offset=1", ""))
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, "t2", resp.Actions[0].ThreadID)
}

func TestListActions_Empty(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/actions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"actions": []}`, rec.Body.String())
}

func TestListActions_SharedStore(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	// Persisted by another instance sharing the store.
	a := domain.PendingAction{
		ID:          uuid.New(),
		Destination: "r/a",
		ThreadID:    "t9",
		Kind:        domain.ActionKindComment,
		Content:     "accepted by another instance",
		Priority:    3,
		NotBefore:   testutil.Epoch,
		CreatedAt:   testutil.Epoch,
		Seq:         1,
	}
	require.NoError(t, f.store.InsertPending(ctx, a))

	resp := decode[ListActionsResponse](t, f.do(t, http.MethodGet, "/actions", ""))
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, "t9", resp.Actions[0].ThreadID)

	rec := f.do(t, http.MethodDelete, "/actions/"+a.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	pending, err := f.store.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListActions_Pagination(t *testing.T) {
	tests := []struct {
		query   string
		wantErr string
	}{
		{"limit=1001", "limit exceeds maximum of 1000"},
		{"limit=-1", "out of range"},
		{"limit=abc", "invalid syntax"},
		{"offset=-5", "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodGet, "/actions?"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[ErrorResponse](t, rec).Error, tt.wantErr)
		})
	}
}

func TestCancelAction(t *testing.T) {
	f := newFixture(t)
	v := f.propose(t, "r/a", "t1", "Whisper runs locally on my laptop for free")

	rec := f.do(t, http.MethodDelete, "/actions/"+v.Action.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, f.pending(t))

	rec = f.do(t, http.MethodDelete, "/actions/"+v.Action.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/actions/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid action id", decode[ErrorResponse](t, rec).Error)
}

func TestPacingStatus(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	rec := f.do(t, http.MethodGet, "/destinations/fresh/pacing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cold := decode[PacingResponse](t, rec)
	assert.True(t, cold.Allowed)
	assert.Equal(t, pacing.ReasonOK, cold.Reason)
	assert.Empty(t, cold.LastDispatchAt)

	require.NoError(t, f.engine.RecordDispatch(ctx, domain.ActionRecord{
		ActionID:     uuid.New(),
		Destination:  "blog",
		Kind:         domain.ActionKindPost,
		ThreadID:     "t1",
		DispatchedAt: testutil.Epoch,
	}))
	f.clk.Advance(time.Minute)

	resp := decode[PacingResponse](t, f.do(t, http.MethodGet, "/destinations/blog/pacing", ""))
	assert.Equal(t, "blog", resp.Destination)
	assert.False(t, resp.Allowed)
	assert.Equal(t, pacing.ReasonMinSpacing, resp.Reason)
	assert.Equal(t, formatTime(testutil.Epoch.Add(10*time.Minute)), resp.NextEligible)
	assert.Equal(t, formatTime(testutil.Epoch), resp.LastDispatchAt)
	assert.Equal(t, 1, resp.Consecutive)
	assert.Equal(t, 1, resp.DispatchesInWindow)
	assert.False(t, resp.InFlight)
}

func (f fixture) deploy(t *testing.T, thread string) domain.SniperWatch {
	t.Helper()
	w, err := f.monitor.Deploy(testutil.TestContext(t), sniper.DeployRequest{
		ThreadID:    thread,
		Destination: "r/a",
		ActionID:    uuid.New(),
		Triggers:    []string{"what app"},
	})
	require.NoError(t, err)
	return w
}

func (f fixture) trigger(t *testing.T, thread string) *domain.TriggerNotification {
	t.Helper()
	f.clk.Advance(time.Minute)
	n, err := f.monitor.Observe(testutil.TestContext(t), thread, []domain.Reply{
		{ID: "r1", Author: "curious", Text: "Nice, what app is that?", CreatedAt: f.clk.Now()},
	})
	require.NoError(t, err)
	require.NotNil(t, n)
	return n
}

func TestListWatches(t *testing.T) {
	f := newFixture(t)
	w1 := f.deploy(t, "t1")
	f.deploy(t, "t2")
	f.trigger(t, "t2")

	resp := decode[ListWatchesResponse](t, f.do(t, http.MethodGet, "/watches", ""))
	assert.Len(t, resp.Watches, 2)

	resp = decode[ListWatchesResponse](t, f.do(t, http.MethodGet, "/watches?state=watching", ""))
	require.Len(t, resp.Watches, 1)
	assert.Equal(t, w1.ID.String(), resp.Watches[0].ID)
	assert.Equal(t, "watching", resp.Watches[0].State)
	assert.Equal(t, formatTime(testutil.Epoch.Add(72*time.Hour)), resp.Watches[0].ExpiresAt)
	assert.Empty(t, resp.Watches[0].TriggeredAt)

	resp = decode[ListWatchesResponse](t, f.do(t, http.MethodGet, "/watches?state=triggered", ""))
	require.Len(t, resp.Watches, 1)
	assert.NotEmpty(t, resp.Watches[0].TriggeredAt)

	rec := f.do(t, http.MethodGet, "/watches?state=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotifications_ListAndMarkRead(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "t1")
	n := f.trigger(t, "t1")

	resp := decode[ListNotificationsResponse](t, f.do(t, http.MethodGet, "/notifications?unread=true", ""))
	require.Len(t, resp.Notifications, 1)
	got := resp.Notifications[0]
	assert.Equal(t, n.ID.String(), got.ID)
	assert.Equal(t, "what app", got.Trigger)
	assert.Equal(t, "curious", got.ReplyAuthor)
	assert.False(t, got.Read)

	rec := f.do(t, http.MethodPost, "/notifications/"+n.ID.String()+"/read", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	resp = decode[ListNotificationsResponse](t, f.do(t, http.MethodGet, "/notifications?unread=true", ""))
	assert.Empty(t, resp.Notifications)

	resp = decode[ListNotificationsResponse](t, f.do(t, http.MethodGet, "/notifications", ""))
	require.Len(t, resp.Notifications, 1)
	assert.True(t, resp.Notifications[0].Read)
}

func TestMarkRead_Errors(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/notifications/"+uuid.NewString()+"/read", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/notifications/nope/read", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRecords(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/records", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "disabled without a record source")

	f.h.WithRecords(f.store)
	require.NoError(t, f.engine.RecordDispatch(testutil.TestContext(t), domain.ActionRecord{
		ActionID:     uuid.New(),
		Destination:  "r/a",
		Kind:         domain.ActionKindComment,
		ThreadID:     "t1",
		ExternalID:   "ext-1",
		DispatchedAt: testutil.Epoch,
	}))
	f.clk.Advance(time.Hour)

	resp := decode[ListRecordsResponse](t, f.do(t, http.MethodGet, "/records?destination=r/a", ""))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "ext-1", resp.Records[0].ExternalID)

	since := formatTime(testutil.Epoch.Add(time.Minute))
	resp = decode[ListRecordsResponse](t, f.do(t, http.MethodGet, "/records?since="+since, ""))
	assert.Empty(t, resp.Records)

	rec = f.do(t, http.MethodGet, "/records?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/evaluate", `{"content": "x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "disabled without an evaluator")

	f.h.WithEvaluator(dedup.New(dedup.DefaultConfig(), nil))

	rec = f.do(t, http.MethodPost, "/evaluate",
		`{"content": "I recommend Otter.ai, it's great!", "existing": ["I use Otter.ai for transcription"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[EvaluationResponse](t, rec)
	assert.True(t, resp.IsDuplicate)
	assert.Greater(t, resp.Score, 0.6)

	rec = f.do(t, http.MethodPost, "/evaluate", `{"content": "ok", "existing": []}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/evaluate", `{"existing": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/jobs"},
		{http.MethodPut, "/actions"},
	} {
		rec := f.do(t, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, "not found", decode[ErrorResponse](t, rec).Error)
	}
}
