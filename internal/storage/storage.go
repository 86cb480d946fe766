// Package storage opens and migrates the SQLite database shared by the
// credential, reputation, attestation and risk-event stores.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	key_id TEXT PRIMARY KEY,
	secret TEXT NOT NULL,
	org_id TEXT NOT NULL,
	agent_id TEXT,
	scopes TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	tier TEXT NOT NULL DEFAULT 'standard',
	expires_at TEXT,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_used_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credentials_org ON credentials(org_id);

CREATE TABLE IF NOT EXISTS reputation_snapshots (
	id TEXT PRIMARY KEY,
	subject_type TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	window TEXT NOT NULL,
	score INTEGER NOT NULL,
	breakdown TEXT NOT NULL,
	computed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_subject
	ON reputation_snapshots(subject_type, subject_id, window, computed_at DESC);

CREATE TABLE IF NOT EXISTS attestations (
	id TEXT PRIMARY KEY,
	issuer_org_id TEXT NOT NULL,
	subject_type TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	scopes TEXT NOT NULL DEFAULT '',
	weight INTEGER NOT NULL,
	note TEXT,
	revoked_at TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attestations_subject
	ON attestations(subject_type, subject_id);

CREATE TABLE IF NOT EXISTS risk_events (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	actor_id TEXT,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	metadata TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_events_org ON risk_events(org_id, created_at);
CREATE INDEX IF NOT EXISTS idx_risk_events_type ON risk_events(org_id, event_type, created_at);

CREATE TABLE IF NOT EXISTS usage_events (
	id TEXT PRIMARY KEY,
	subject_type TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	outcome TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_events_subject
	ON usage_events(subject_type, subject_id, created_at);
`

// Open opens (or creates) the SQLite database and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL improves concurrent read performance; harmless for :memory:.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return db, nil
}
