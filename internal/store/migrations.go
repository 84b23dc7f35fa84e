package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all Forge tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	// One row per named, stateful object (schedulers, mostly). The
	// (name, class) pair maps to a stable integer id so persisted state
	// survives reconfiguration.
	`CREATE TABLE IF NOT EXISTS objects (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		name  TEXT NOT NULL,
		class TEXT NOT NULL,
		UNIQUE (name, class)
	)`,

	`CREATE TABLE IF NOT EXISTS object_state (
		objectid   INTEGER NOT NULL REFERENCES objects(id),
		name       TEXT NOT NULL,
		value_json TEXT NOT NULL,
		UNIQUE (objectid, name)
	)`,

	`CREATE TABLE IF NOT EXISTS changes (
		changeid       INTEGER PRIMARY KEY AUTOINCREMENT,
		author         TEXT NOT NULL DEFAULT '',
		branch         TEXT NOT NULL DEFAULT '',
		revision       TEXT NOT NULL DEFAULT '',
		repository     TEXT NOT NULL DEFAULT '',
		project        TEXT NOT NULL DEFAULT '',
		codebase       TEXT NOT NULL DEFAULT '',
		category       TEXT NOT NULL DEFAULT '',
		comments       TEXT NOT NULL DEFAULT '',
		files          TEXT NOT NULL DEFAULT '[]',
		properties     TEXT NOT NULL DEFAULT '{}',
		when_timestamp TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sourcestampsets (
		id INTEGER PRIMARY KEY AUTOINCREMENT
	)`,

	`CREATE TABLE IF NOT EXISTS sourcestamps (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		setid      INTEGER NOT NULL REFERENCES sourcestampsets(id),
		branch     TEXT,
		revision   TEXT,
		repository TEXT NOT NULL DEFAULT '',
		project    TEXT NOT NULL DEFAULT '',
		codebase   TEXT NOT NULL DEFAULT '',
		changeids  TEXT NOT NULL DEFAULT '[]'
	)`,

	`CREATE TABLE IF NOT EXISTS buildsets (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		external_idstring TEXT NOT NULL DEFAULT '',
		reason            TEXT NOT NULL DEFAULT '',
		setid             INTEGER NOT NULL REFERENCES sourcestampsets(id),
		submitted_at      TEXT NOT NULL,
		complete          INTEGER NOT NULL DEFAULT 0,
		results           INTEGER,
		properties        TEXT NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS buildrequests (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		buildsetid   INTEGER NOT NULL REFERENCES buildsets(id),
		buildername  TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		complete     INTEGER NOT NULL DEFAULT 0,
		results      INTEGER
	)`,

	`CREATE INDEX IF NOT EXISTS idx_object_state_objectid ON object_state(objectid)`,
	`CREATE INDEX IF NOT EXISTS idx_changes_branch ON changes(branch)`,
	`CREATE INDEX IF NOT EXISTS idx_changes_codebase ON changes(codebase)`,
	`CREATE INDEX IF NOT EXISTS idx_sourcestamps_setid ON sourcestamps(setid)`,
	`CREATE INDEX IF NOT EXISTS idx_buildsets_complete ON buildsets(complete)`,
	`CREATE INDEX IF NOT EXISTS idx_buildrequests_buildsetid ON buildrequests(buildsetid)`,
	// Claim query for downstream build execution (builder + open requests)
	`CREATE INDEX IF NOT EXISTS idx_buildrequests_buildername ON buildrequests(buildername, complete)`,
}

// migrate applies every schema statement in order.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			// Include the first line of the statement for context.
			first := strings.SplitN(strings.TrimSpace(stmt), "\n", 2)[0]
			return &migrationError{stmt: first, err: err}
		}
	}
	return nil
}

type migrationError struct {
	stmt string
	err  error
}

func (e *migrationError) Error() string {
	return "migrate: " + e.stmt + ": " + e.err.Error()
}

func (e *migrationError) Unwrap() error {
	return e.err
}
