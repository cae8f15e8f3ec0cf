package store

// Schema is the DDL of the recording database.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    url        TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    meta       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC);

-- One row per recorded event. payload is the packed event.
CREATE TABLE IF NOT EXISTS events (
    session_id TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    type       INTEGER NOT NULL,
    source     INTEGER NOT NULL DEFAULT -1,
    ts         INTEGER NOT NULL,
    payload    BLOB NOT NULL,
    PRIMARY KEY (session_id, seq),
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(session_id, type, seq);
`
