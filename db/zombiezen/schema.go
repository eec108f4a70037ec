package zombiezen

// schema bootstraps the store. Statements are idempotent so boot can always
// run the full script.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    email      TEXT NOT NULL UNIQUE,
    name       TEXT NOT NULL DEFAULT '',
    plan_id    TEXT NOT NULL,
    credits    INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS plans (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    hourly_limit    INTEGER NOT NULL DEFAULT 0,
    minute_limit    INTEGER NOT NULL DEFAULT 0,
    concurrency     INTEGER NOT NULL DEFAULT 0,
    monthly_credits INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS api_keys (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL REFERENCES users(id),
    prefix       TEXT NOT NULL,
    hash         TEXT NOT NULL,
    active       INTEGER NOT NULL DEFAULT 1,
    created_at   TEXT NOT NULL,
    last_used_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);

CREATE TABLE IF NOT EXISTS credit_ledger (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    job_id     TEXT NOT NULL DEFAULT '',
    delta      INTEGER NOT NULL,
    reason     TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_user ON credit_ledger(user_id, created_at);

CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    api_key_id          TEXT NOT NULL DEFAULT '',
    type                TEXT NOT NULL,
    request             TEXT NOT NULL,
    status              TEXT NOT NULL,
    result_url          TEXT NOT NULL DEFAULT '',
    result_meta         TEXT NOT NULL DEFAULT '',
    analysis_result     TEXT NOT NULL DEFAULT '',
    error_message       TEXT NOT NULL DEFAULT '',
    last_failure_reason TEXT NOT NULL DEFAULT '',
    retry_count         INTEGER NOT NULL DEFAULT 0,
    max_retries         INTEGER NOT NULL DEFAULT 3,
    is_retryable        INTEGER NOT NULL DEFAULT 1,
    retry_type          TEXT NOT NULL DEFAULT 'none',
    next_retry_at       TEXT NOT NULL DEFAULT '',
    locked_by           TEXT NOT NULL DEFAULT '',
    locked_at           TEXT NOT NULL DEFAULT '',
    webhook_url         TEXT NOT NULL DEFAULT '',
    webhook_sent        INTEGER NOT NULL DEFAULT 0,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL,
    started_at          TEXT NOT NULL DEFAULT '',
    completed_at        TEXT NOT NULL DEFAULT '',
    processing_time_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_retry ON jobs(status, next_retry_at);

CREATE TABLE IF NOT EXISTS webhook_configs (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    url         TEXT NOT NULL,
    secret      TEXT NOT NULL,
    events      TEXT NOT NULL,
    is_active   INTEGER NOT NULL DEFAULT 1,
    description TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_configs_user ON webhook_configs(user_id);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id               TEXT PRIMARY KEY,
    config_id        TEXT NOT NULL,
    user_id          TEXT NOT NULL,
    event            TEXT NOT NULL,
    payload          TEXT NOT NULL,
    signature        TEXT NOT NULL,
    status           TEXT NOT NULL,
    url              TEXT NOT NULL,
    attempts         INTEGER NOT NULL DEFAULT 0,
    max_attempts     INTEGER NOT NULL DEFAULT 3,
    last_attempt_at  TEXT NOT NULL DEFAULT '',
    next_retry_at    TEXT NOT NULL DEFAULT '',
    response_code    INTEGER NOT NULL DEFAULT 0,
    response_body    TEXT NOT NULL DEFAULT '',
    response_time_ms INTEGER NOT NULL DEFAULT 0,
    error            TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_user ON webhook_deliveries(user_id, created_at);

CREATE TABLE IF NOT EXISTS logs (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    time    TEXT NOT NULL,
    level   INTEGER NOT NULL,
    message TEXT NOT NULL,
    attrs   TEXT NOT NULL DEFAULT ''
);
`
