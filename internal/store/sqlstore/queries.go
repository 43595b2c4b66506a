package sqlstore

// Queries use $N placeholders in ascending order, each at most once, so the
// SQLite rebinding to ? stays positional.

const queryGetDestination = `
SELECT last_dispatch_at, consecutive, cooldown_until, next_spacing_ns
FROM destinations
WHERE destination = $1
`

const queryListDestinations = `
SELECT destination, last_dispatch_at, consecutive, cooldown_until, next_spacing_ns
FROM destinations
ORDER BY destination
`

const queryUpsertDestination = `
INSERT INTO destinations (destination, last_dispatch_at, consecutive, cooldown_until, next_spacing_ns)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (destination) DO UPDATE SET
    last_dispatch_at = excluded.last_dispatch_at,
    consecutive      = excluded.consecutive,
    cooldown_until   = excluded.cooldown_until,
    next_spacing_ns  = excluded.next_spacing_ns
`

const queryInsertRecord = `
INSERT INTO action_records (action_id, destination, kind, thread_id, external_id, fingerprint, dispatched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (action_id) DO NOTHING
`

const queryRecordExists = `
SELECT COUNT(*) FROM action_records WHERE action_id = $1
`

const queryDispatchTimesSince = `
SELECT dispatched_at
FROM action_records
WHERE destination = $1 AND dispatched_at > $2
ORDER BY dispatched_at
`

const queryListRecords = `
SELECT action_id, destination, kind, thread_id, external_id, fingerprint, dispatched_at
FROM action_records
WHERE ($1 = '' OR destination = $2) AND dispatched_at > $3
ORDER BY dispatched_at
`

const queryPruneRecords = `
DELETE FROM action_records WHERE dispatched_at < $1
`

const queryInsertPending = `
INSERT INTO pending_actions (id, destination, thread_id, kind, content, priority, not_before, triggers, attempts, created_at, seq)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const queryUpdatePending = `
UPDATE pending_actions
SET priority = $1, not_before = $2, triggers = $3, attempts = $4
WHERE id = $5
`

const queryDeletePending = `
DELETE FROM pending_actions WHERE id = $1
`

const queryListPending = `
SELECT id, destination, thread_id, kind, content, priority, not_before, triggers, attempts, created_at, seq
FROM pending_actions
ORDER BY seq
`

const watchColumns = `id, thread_id, destination, action_id, fingerprint, triggers, state, created_at, expires_at, triggered_at, watermark`

const queryInsertWatch = `
INSERT INTO sniper_watches (` + watchColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const queryGetWatch = `
SELECT ` + watchColumns + `
FROM sniper_watches
WHERE id = $1
`

const queryActiveWatchForThread = `
SELECT ` + watchColumns + `
FROM sniper_watches
WHERE thread_id = $1 AND state = 'watching'
`

const queryListWatches = `
SELECT ` + watchColumns + `
FROM sniper_watches
WHERE ($1 = '' OR state = $2)
ORDER BY created_at
`

const queryAdvanceWatermark = `
UPDATE sniper_watches
SET watermark = $1
WHERE id = $2 AND watermark < $3
`

const queryWatchState = `
SELECT state FROM sniper_watches WHERE id = $1
`

// Guarded on state so concurrent observers cannot both trigger one watch.
const queryTriggerWatch = `
UPDATE sniper_watches
SET state = 'triggered', triggered_at = $1, watermark = $2
WHERE id = $3 AND state = 'watching'
`

const queryExpireWatch = `
UPDATE sniper_watches
SET state = 'expired'
WHERE id = $1 AND state = 'watching'
`

const queryInsertNotification = `
INSERT INTO trigger_notifications (id, watch_id, thread_id, destination, trigger_phrase, reply_id, reply_author, reply_text, reply_created_at, detected_at, is_read)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const queryListNotifications = `
SELECT id, watch_id, thread_id, destination, trigger_phrase, reply_id, reply_author, reply_text, reply_created_at, detected_at, is_read
FROM trigger_notifications
WHERE ($1 = 0 OR is_read = 0)
ORDER BY detected_at DESC
`

const queryMarkNotificationRead = `
UPDATE trigger_notifications SET is_read = 1 WHERE id = $1
`
