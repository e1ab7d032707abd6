package auth

// Schema is the auth database schema. Idempotent, applied on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id                  TEXT PRIMARY KEY,
    username            TEXT NOT NULL UNIQUE,
    email               TEXT NOT NULL,
    full_name           TEXT,
    role                TEXT NOT NULL DEFAULT 'user',
    is_active           INTEGER NOT NULL DEFAULT 1,
    password_hash       TEXT NOT NULL,
    rate_limit_requests INTEGER NOT NULL DEFAULT 0,
    rate_limit_window   INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL,
    last_login          INTEGER
);

CREATE TABLE IF NOT EXISTS api_keys (
    key_id              TEXT PRIMARY KEY,
    key_hash            TEXT NOT NULL,
    user_id             TEXT NOT NULL REFERENCES users(id),
    name                TEXT NOT NULL,
    scopes              TEXT NOT NULL DEFAULT 'read',
    is_active           INTEGER NOT NULL DEFAULT 1,
    created_at          INTEGER NOT NULL,
    expires_at          INTEGER,
    last_used           INTEGER,
    total_requests      INTEGER NOT NULL DEFAULT 0,
    rate_limit_requests INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
`
