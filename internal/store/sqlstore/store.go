// Package sqlstore persists pacer state over database/sql. The same queries
// serve SQLite and PostgreSQL; only placeholder syntax differs.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/pacing"
	"github.com/djlord-it/pacer/internal/sniper"
)

var ErrPendingNotFound = errors.New("pending action not found")

type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var placeholder = regexp.MustCompile(`\$\d+`)

func (s *Store) q(query string) string {
	if s.dialect == DialectSQLite {
		return placeholder.ReplaceAllString(query, "?")
	}
	return query
}

// Pacing state

func (s *Store) GetDestinationState(ctx context.Context, destination string) (domain.DestinationState, error) {
	st := domain.DestinationState{Destination: destination}
	var last, cooldown, spacing int64
	err := s.db.QueryRowContext(ctx, s.q(queryGetDestination), destination).
		Scan(&last, &st.Consecutive, &cooldown, &spacing)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return domain.DestinationState{}, err
	}
	st.LastDispatchAt = fromNanos(last)
	st.CooldownUntil = fromNanos(cooldown)
	st.NextSpacing = time.Duration(spacing)
	return st, nil
}

func (s *Store) ListDestinations(ctx context.Context) ([]domain.DestinationState, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryListDestinations))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DestinationState
	for rows.Next() {
		var st domain.DestinationState
		var last, cooldown, spacing int64
		if err := rows.Scan(&st.Destination, &last, &st.Consecutive, &cooldown, &spacing); err != nil {
			return nil, err
		}
		st.LastDispatchAt = fromNanos(last)
		st.CooldownUntil = fromNanos(cooldown)
		st.NextSpacing = time.Duration(spacing)
		result = append(result, st)
	}
	return result, rows.Err()
}

func (s *Store) DispatchTimesSince(ctx context.Context, destination string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryDispatchTimesSince), destination, toNanos(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []time.Time
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		result = append(result, fromNanos(n))
	}
	return result, rows.Err()
}

func (s *Store) RecordExists(ctx context.Context, actionID uuid.UUID) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(queryRecordExists), actionID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordDispatch inserts rec and saves state in one transaction. A repeated
// ActionID leaves both untouched and returns pacing.ErrDuplicateRecord.
func (s *Store) RecordDispatch(ctx context.Context, rec domain.ActionRecord, state domain.DestinationState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(queryInsertRecord),
		rec.ActionID,
		rec.Destination,
		string(rec.Kind),
		rec.ThreadID,
		rec.ExternalID,
		rec.Fingerprint,
		toNanos(rec.DispatchedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", pacing.ErrDuplicateRecord, rec.ActionID)
	}

	_, err = tx.ExecContext(ctx, s.q(queryUpsertDestination),
		state.Destination,
		toNanos(state.LastDispatchAt),
		state.Consecutive,
		toNanos(state.CooldownUntil),
		int64(state.NextSpacing),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ListRecords returns a destination's records after since, oldest first.
// An empty destination lists every destination.
func (s *Store) ListRecords(ctx context.Context, destination string, since time.Time) ([]domain.ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryListRecords), destination, destination, toNanos(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ActionRecord
	for rows.Next() {
		var rec domain.ActionRecord
		var kind string
		var at int64
		err := rows.Scan(
			&rec.ActionID,
			&rec.Destination,
			&kind,
			&rec.ThreadID,
			&rec.ExternalID,
			&rec.Fingerprint,
			&at,
		)
		if err != nil {
			return nil, err
		}
		rec.Kind = domain.ActionKind(kind)
		rec.DispatchedAt = fromNanos(at)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// PruneRecords deletes records dispatched before cutoff.
func (s *Store) PruneRecords(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(queryPruneRecords), toNanos(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Pending actions

func (s *Store) InsertPending(ctx context.Context, a domain.PendingAction) error {
	triggers, err := encodeTriggers(a.Triggers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(queryInsertPending),
		a.ID,
		a.Destination,
		a.ThreadID,
		string(a.Kind),
		a.Content,
		a.Priority,
		toNanos(a.NotBefore),
		triggers,
		a.Attempts,
		toNanos(a.CreatedAt),
		int64(a.Seq),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("pending action %s already exists", a.ID)
		}
		return err
	}
	return nil
}

func (s *Store) UpdatePending(ctx context.Context, a domain.PendingAction) error {
	triggers, err := encodeTriggers(a.Triggers)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(queryUpdatePending),
		a.Priority,
		toNanos(a.NotBefore),
		triggers,
		a.Attempts,
		a.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrPendingNotFound, a.ID)
	}
	return nil
}

// DeletePending is idempotent.
func (s *Store) DeletePending(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, s.q(queryDeletePending), id)
	return err
}

func (s *Store) ListPending(ctx context.Context) ([]domain.PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryListPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.PendingAction
	for rows.Next() {
		var a domain.PendingAction
		var kind, triggers string
		var notBefore, created, seq int64
		err := rows.Scan(
			&a.ID,
			&a.Destination,
			&a.ThreadID,
			&kind,
			&a.Content,
			&a.Priority,
			&notBefore,
			&triggers,
			&a.Attempts,
			&created,
			&seq,
		)
		if err != nil {
			return nil, err
		}
		a.Kind = domain.ActionKind(kind)
		a.NotBefore = fromNanos(notBefore)
		a.CreatedAt = fromNanos(created)
		a.Seq = uint64(seq)
		if a.Triggers, err = decodeTriggers(triggers); err != nil {
			return nil, fmt.Errorf("pending action %s: %w", a.ID, err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// Sniper watches

// InsertWatch relies on a partial unique index to allow one watching watch per thread.
func (s *Store) InsertWatch(ctx context.Context, w domain.SniperWatch) error {
	triggers, err := encodeTriggers(w.Triggers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(queryInsertWatch),
		w.ID,
		w.ThreadID,
		w.Destination,
		w.ActionID,
		w.Fingerprint,
		triggers,
		string(w.State),
		toNanos(w.CreatedAt),
		nullNanos(w.ExpiresAt),
		nullNanos(w.TriggeredAt),
		toNanos(w.Watermark),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: thread %s", sniper.ErrActiveWatch, w.ThreadID)
		}
		return err
	}
	return nil
}

func (s *Store) GetWatch(ctx context.Context, id uuid.UUID) (domain.SniperWatch, error) {
	w, err := scanWatch(s.db.QueryRowContext(ctx, s.q(queryGetWatch), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SniperWatch{}, fmt.Errorf("%w: %s", sniper.ErrWatchNotFound, id)
	}
	return w, err
}

func (s *Store) ActiveWatchForThread(ctx context.Context, threadID string) (domain.SniperWatch, error) {
	w, err := scanWatch(s.db.QueryRowContext(ctx, s.q(queryActiveWatchForThread), threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SniperWatch{}, fmt.Errorf("%w: thread %s", sniper.ErrWatchNotFound, threadID)
	}
	return w, err
}

func (s *Store) ListWatches(ctx context.Context, state domain.WatchState) ([]domain.SniperWatch, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryListWatches), string(state), string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.SniperWatch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// AdvanceWatermark never moves a watermark backwards.
func (s *Store) AdvanceWatermark(ctx context.Context, id uuid.UUID, watermark time.Time) error {
	n := toNanos(watermark)
	res, err := s.db.ExecContext(ctx, s.q(queryAdvanceWatermark), n, id, n)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		_, err := s.watchState(ctx, s.db, id)
		return err
	}
	return nil
}

// TriggerWatch moves w to triggered and inserts n in one transaction.
func (s *Store) TriggerWatch(ctx context.Context, w domain.SniperWatch, n domain.TriggerNotification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(queryTriggerWatch),
		nullNanos(w.TriggeredAt),
		toNanos(w.Watermark),
		w.ID,
	)
	if err != nil {
		return err
	}
	if err := s.checkTransition(ctx, tx, res, w.ID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.q(queryInsertNotification),
		n.ID,
		n.WatchID,
		n.ThreadID,
		n.Destination,
		n.Trigger,
		n.Reply.ID,
		n.Reply.Author,
		n.Reply.Text,
		toNanos(n.Reply.CreatedAt),
		toNanos(n.DetectedAt),
		boolInt(n.Read),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ExpireWatch(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, s.q(queryExpireWatch), id)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, s.db, res, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// checkTransition distinguishes a missing watch from a terminal one when a
// guarded update matched no row.
func (s *Store) checkTransition(ctx context.Context, q querier, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	state, err := s.watchState(ctx, q, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", sniper.ErrWatchTerminal, id, state)
}

func (s *Store) watchState(ctx context.Context, q querier, id uuid.UUID) (domain.WatchState, error) {
	var state string
	err := q.QueryRowContext(ctx, s.q(queryWatchState), id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", sniper.ErrWatchNotFound, id)
	}
	if err != nil {
		return "", err
	}
	return domain.WatchState(state), nil
}

func (s *Store) ListNotifications(ctx context.Context, unreadOnly bool) ([]domain.TriggerNotification, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryListNotifications), boolInt(unreadOnly))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.TriggerNotification
	for rows.Next() {
		var n domain.TriggerNotification
		var replyAt, detected int64
		var read int
		err := rows.Scan(
			&n.ID,
			&n.WatchID,
			&n.ThreadID,
			&n.Destination,
			&n.Trigger,
			&n.Reply.ID,
			&n.Reply.Author,
			&n.Reply.Text,
			&replyAt,
			&detected,
			&read,
		)
		if err != nil {
			return nil, err
		}
		n.Reply.CreatedAt = fromNanos(replyAt)
		n.DetectedAt = fromNanos(detected)
		n.Read = read != 0
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, s.q(queryMarkNotificationRead), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", sniper.ErrNotificationNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWatch(row rowScanner) (domain.SniperWatch, error) {
	var w domain.SniperWatch
	var triggers, state string
	var created, watermark int64
	var expires, triggered sql.NullInt64
	err := row.Scan(
		&w.ID,
		&w.ThreadID,
		&w.Destination,
		&w.ActionID,
		&w.Fingerprint,
		&triggers,
		&state,
		&created,
		&expires,
		&triggered,
		&watermark,
	)
	if err != nil {
		return domain.SniperWatch{}, err
	}
	w.State = domain.WatchState(state)
	w.CreatedAt = fromNanos(created)
	w.Watermark = fromNanos(watermark)
	w.ExpiresAt = fromNull(expires)
	w.TriggeredAt = fromNull(triggered)
	if w.Triggers, err = decodeTriggers(triggers); err != nil {
		return domain.SniperWatch{}, fmt.Errorf("watch %s: %w", w.ID, err)
	}
	return w, nil
}

// isDuplicateKeyError reports a unique violation from any of the drivers.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// 23505 is the PostgreSQL unique_violation code (lib/pq and pgx).
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeTriggers(triggers []string) (string, error) {
	if len(triggers) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(triggers)
	if err != nil {
		return "", fmt.Errorf("encode triggers: %w", err)
	}
	return string(b), nil
}

func decodeTriggers(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode triggers: %w", err)
	}
	return out, nil
}

// Compile-time interface assertions
var (
	_ pacing.Store = (*Store)(nil)
	_ sniper.Store = (*Store)(nil)
)
