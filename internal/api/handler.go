package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/clock"
	"github.com/djlord-it/pacer/internal/dedup"
	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/logging"
	"github.com/djlord-it/pacer/internal/pacing"
	"github.com/djlord-it/pacer/internal/scheduler"
	"github.com/djlord-it/pacer/internal/sniper"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = "1M"

type Scheduler interface {
	Propose(ctx context.Context, p scheduler.Proposal) (scheduler.Verdict, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Pending(ctx context.Context) ([]domain.PendingAction, error)
}

type Pacer interface {
	Status(ctx context.Context, destination string, now time.Time) (pacing.Status, error)
}

type Watches interface {
	Watches(ctx context.Context, state domain.WatchState) ([]domain.SniperWatch, error)
	Notifications(ctx context.Context, unreadOnly bool) ([]domain.TriggerNotification, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
}

// Records lists dispatched actions. Optional.
type Records interface {
	ListRecords(ctx context.Context, destination string, since time.Time) ([]domain.ActionRecord, error)
}

// Evaluator scores a proposal without queueing it. Optional.
type Evaluator interface {
	Evaluate(proposed string, existing []string) (dedup.Evaluation, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	echo      *echo.Echo
	scheduler Scheduler
	pacer     Pacer
	watches   Watches
	records   Records
	evaluator Evaluator
	db        HealthChecker
	clock     clock.Func
	logger    *zap.Logger
}

func NewHandler(s Scheduler, p Pacer, w Watches, logger *zap.Logger) *Handler {
	h := &Handler{
		scheduler: s,
		pacer:     p,
		watches:   w,
		clock:     time.Now,
		logger:    logging.OrNop(logger).Named("api"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(maxRequestBodySize))

	e.GET("/health", h.health)
	e.POST("/actions", h.proposeAction)
	e.GET("/actions", h.listActions)
	e.DELETE("/actions/:id", h.cancelAction)
	e.POST("/evaluate", h.evaluate)
	e.GET("/records", h.listRecords)
	e.GET("/destinations/:destination/pacing", h.pacingStatus)
	e.GET("/watches", h.listWatches)
	e.GET("/notifications", h.listNotifications)
	e.POST("/notifications/:id/read", h.markRead)

	h.echo = e
	return h
}

// WithRecords enables GET /records.
func (h *Handler) WithRecords(r Records) *Handler {
	h.records = r
	return h
}

// WithEvaluator enables POST /evaluate.
func (h *Handler) WithEvaluator(ev Evaluator) *Handler {
	h.evaluator = ev
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) WithClock(fn clock.Func) *Handler {
	h.clock = fn
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.echo.ServeHTTP(w, r)
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(c echo.Context) error {
	if c.QueryParam("verbose") != "true" || h.db == nil {
		return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}
	if pending, err := h.scheduler.Pending(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["queue"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["queue"] = strconv.Itoa(len(pending)) + " pending"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, resp)
}

func (h *Handler) proposeAction(c echo.Context) error {
	var req ProposeRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid json")
	}
	p, err := req.proposal()
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}

	verdict, err := h.scheduler.Propose(c.Request().Context(), p)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidProposal) {
			return writeError(c, http.StatusBadRequest, err.Error())
		}
		h.logger.Error("propose failed", zap.Error(err))
		return writeError(c, http.StatusInternalServerError, "failed to queue action")
	}

	resp := toVerdictResponse(verdict)
	if !verdict.Accepted {
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) listActions(c echo.Context) error {
	limit, offset, err := parsePagination(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}
	destination := c.QueryParam("destination")

	pending, err := h.scheduler.Pending(c.Request().Context())
	if err != nil {
		h.logger.Error("list actions failed", zap.Error(err))
		return writeError(c, http.StatusInternalServerError, "failed to list actions")
	}

	resp := ListActionsResponse{Actions: []ActionResponse{}}
	skipped := 0
	for _, a := range pending {
		if destination != "" && a.Destination != destination {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(resp.Actions) == limit {
			break
		}
		resp.Actions = append(resp.Actions, toActionResponse(a))
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) cancelAction(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid action id")
	}
	if err := h.scheduler.Cancel(c.Request().Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrActionNotFound) {
			return writeError(c, http.StatusNotFound, "action not found")
		}
		h.logger.Error("cancel failed", zap.String("action_id", id.String()), zap.Error(err))
		return writeError(c, http.StatusInternalServerError, "failed to cancel action")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) evaluate(c echo.Context) error {
	if h.evaluator == nil {
		return writeError(c, http.StatusNotFound, "not found")
	}
	var req EvaluateRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid json")
	}
	if req.Content == "" {
		return writeError(c, http.StatusBadRequest, "content is required")
	}

	ev, err := h.evaluator.Evaluate(req.Content, req.Existing)
	if err != nil {
		if errors.Is(err, dedup.ErrInsufficientContent) {
			return writeError(c, http.StatusUnprocessableEntity, err.Error())
		}
		return writeError(c, http.StatusInternalServerError, "failed to evaluate")
	}
	return c.JSON(http.StatusOK, toEvaluationResponse(ev))
}

func (h *Handler) listRecords(c echo.Context) error {
	if h.records == nil {
		return writeError(c, http.StatusNotFound, "not found")
	}
	since := h.clock().Add(-pacing.Window)
	if s := c.QueryParam("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return writeError(c, http.StatusBadRequest, "since must be an RFC3339 timestamp")
		}
		since = t
	}

	records, err := h.records.ListRecords(c.Request().Context(), c.QueryParam("destination"), since)
	if err != nil {
		h.logger.Error("list records failed", zap.Error(err))
		return writeError(c, http.StatusInternalServerError, "failed to list records")
	}

	resp := ListRecordsResponse{Records: make([]RecordResponse, len(records))}
	for i, r := range records {
		resp.Records[i] = toRecordResponse(r)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) pacingStatus(c echo.Context) error {
	destination := c.Param("destination")
	status, err := h.pacer.Status(c.Request().Context(), destination, h.clock())
	if err != nil {
		h.logger.Error("pacing status failed", zap.String("destination", destination), zap.Error(err))
		return writeError(c, http.StatusInternalServerError, "failed to read pacing state")
	}
	return c.JSON(http.StatusOK, toPacingResponse(destination, status))
}

func (h *Handler) listWatches(c echo.Context) error {
	state := domain.WatchState(c.QueryParam("state"))
	switch state {
	case "", domain.WatchStateWatching, domain.WatchStateTriggered, domain.WatchStateExpired:
	default:
		return writeError(c, http.StatusBadRequest, "state must be watching, triggered or expired")
	}

	watches, err := h.watches.Watches(c.Request().Context(), state)
	if err != nil {
		h.logger.Error("list watches failed", zap.Error(err))
		return writeError(c, http.StatusInternalServerError, "failed to list watches")
	}

	resp := ListWatchesResponse{Watches: make([]WatchResponse, len(watches))}
	for i, w := range watches {
		resp.Watches[i] = toWatchResponse(w)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) listNotifications(c echo.Context) error {
	unread := c.QueryParam("unread") == "true"
	notes, err := h.watches.Notifications(c.Request().Context(), unread)
	if err != nil {
		h.logger.Error("list notifications failed", zap.Error(err))
		return writeError(c, http.StatusInternalServerError, "failed to list notifications")
	}

	resp := ListNotificationsResponse{Notifications: make([]NotificationResponse, len(notes))}
	for i, n := range notes {
		resp.Notifications[i] = toNotificationResponse(n)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) markRead(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid notification id")
	}
	if err := h.watches.MarkRead(c.Request().Context(), id); err != nil {
		if errors.Is(err, sniper.ErrNotificationNotFound) {
			return writeError(c, http.StatusNotFound, "notification not found")
		}
		h.logger.Error("mark read failed", zap.String("notification_id", id.String()), zap.Error(err))
		return writeError(c, http.StatusInternalServerError, "failed to mark notification read")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleError renders errors that escape handlers (unknown routes, body
// limit, panics) in the same shape as handler errors.
func (h *Handler) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := "internal error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch status {
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			msg = "not found"
			status = http.StatusNotFound
		case http.StatusRequestEntityTooLarge:
			msg = "request body too large"
		default:
			msg = http.StatusText(status)
		}
	} else {
		h.logger.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
	}
	if err := writeError(c, status, msg); err != nil {
		h.logger.Warn("json encode error", zap.Error(err))
	}
}

func writeError(c echo.Context, status int, msg string) error {
	return c.JSON(status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(c echo.Context) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := c.QueryParam("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := c.QueryParam("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
