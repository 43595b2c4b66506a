package sqlstore

// Timestamps are stored as UTC unix nanoseconds; 0 is the zero time.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS destinations (
    destination      TEXT PRIMARY KEY,
    last_dispatch_at BIGINT NOT NULL,
    consecutive      INTEGER NOT NULL,
    cooldown_until   BIGINT NOT NULL,
    next_spacing_ns  BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS action_records (
    action_id     TEXT PRIMARY KEY,
    destination   TEXT NOT NULL,
    kind          TEXT NOT NULL,
    thread_id     TEXT NOT NULL,
    external_id   TEXT NOT NULL,
    fingerprint   TEXT NOT NULL,
    dispatched_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS action_records_destination_time
    ON action_records (destination, dispatched_at)`,
	`CREATE TABLE IF NOT EXISTS pending_actions (
    id          TEXT PRIMARY KEY,
    destination TEXT NOT NULL,
    thread_id   TEXT NOT NULL,
    kind        TEXT NOT NULL,
    content     TEXT NOT NULL,
    priority    INTEGER NOT NULL,
    not_before  BIGINT NOT NULL,
    triggers    TEXT NOT NULL,
    attempts    INTEGER NOT NULL,
    created_at  BIGINT NOT NULL,
    seq         BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS sniper_watches (
    id           TEXT PRIMARY KEY,
    thread_id    TEXT NOT NULL,
    destination  TEXT NOT NULL,
    action_id    TEXT NOT NULL,
    fingerprint  TEXT NOT NULL,
    triggers     TEXT NOT NULL,
    state        TEXT NOT NULL,
    created_at   BIGINT NOT NULL,
    expires_at   BIGINT,
    triggered_at BIGINT,
    watermark    BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sniper_watches_one_active
    ON sniper_watches (thread_id) WHERE state = 'watching'`,
	`CREATE TABLE IF NOT EXISTS trigger_notifications (
    id               TEXT PRIMARY KEY,
    watch_id         TEXT NOT NULL,
    thread_id        TEXT NOT NULL,
    destination      TEXT NOT NULL,
    trigger_phrase   TEXT NOT NULL,
    reply_id         TEXT NOT NULL,
    reply_author     TEXT NOT NULL,
    reply_text       TEXT NOT NULL,
    reply_created_at BIGINT NOT NULL,
    detected_at      BIGINT NOT NULL,
    is_read          INTEGER NOT NULL
)`,
}
