// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package db opens the primary rhizo-server database and owns its
// schema. The resource tree, revision history, message queue, and
// controller side-tables share one SQLite file because their
// invariants span tables: a revision insert and the owning resource's
// current-revision pointer must commit together, and a resource
// mutation and its notification message should not be torn apart by a
// crash. Store packages (resource, revision, msgqueue, notify) take
// the pool this package returns and write SQL against the shared
// schema.
package db

import (
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/rhizolab/rhizo-server/lib/sqlitepool"
)

// Schema is the complete primary-database DDL. Every statement is
// idempotent so the script can run on each pooled connection.
const Schema = `
CREATE TABLE IF NOT EXISTS resources (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id              INTEGER,
	organization_id        INTEGER,
	name                   TEXT NOT NULL,
	type                   INTEGER NOT NULL,
	permissions            BLOB,
	system_attributes      BLOB,
	user_attributes        BLOB,
	deleted                INTEGER NOT NULL DEFAULT 0,
	creation_timestamp     INTEGER NOT NULL,
	modification_timestamp INTEGER NOT NULL,
	last_revision_id       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_resources_parent ON resources(parent_id, name);
CREATE INDEX IF NOT EXISTS idx_resources_type ON resources(type);

CREATE TABLE IF NOT EXISTS resource_revisions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	resource_id INTEGER NOT NULL,
	timestamp   INTEGER NOT NULL,
	data        BLOB
);
CREATE INDEX IF NOT EXISTS idx_revisions_resource ON resource_revisions(resource_id, timestamp);

CREATE TABLE IF NOT EXISTS messages (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp            INTEGER NOT NULL,
	sender_controller_id INTEGER,
	sender_user_id       INTEGER,
	folder_id            INTEGER NOT NULL,
	type                 TEXT NOT NULL,
	parameters           BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

CREATE TABLE IF NOT EXISTS controller_status (
	id                         INTEGER PRIMARY KEY,
	client_version             TEXT NOT NULL DEFAULT '',
	last_connect_timestamp     INTEGER,
	last_watchdog_timestamp    INTEGER,
	watchdog_notification_sent INTEGER NOT NULL DEFAULT 0,
	attributes                 BLOB
);

CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_name     TEXT,
	email_address TEXT,
	password_hash TEXT NOT NULL DEFAULT '',
	full_name     TEXT NOT NULL DEFAULT '',
	role          INTEGER NOT NULL DEFAULT 0,
	deleted       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS organization_users (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER NOT NULL,
	user_id         INTEGER NOT NULL,
	is_admin        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_org_users_user ON organization_users(user_id);

CREATE TABLE IF NOT EXISTS keys (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id         INTEGER,
	creation_user_id        INTEGER,
	access_as_user_id       INTEGER,
	access_as_controller_id INTEGER,
	key_hash                TEXT NOT NULL,
	lookup_hash             TEXT NOT NULL,
	revocation_timestamp    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_keys_lookup ON keys(lookup_hash);

CREATE TABLE IF NOT EXISTS pins (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	pin                INTEGER NOT NULL,
	code               TEXT NOT NULL,
	creation_timestamp INTEGER NOT NULL,
	enter_timestamp    INTEGER,
	user_id            INTEGER,
	controller_id      INTEGER,
	key_created        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS action_throttles (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	controller_id INTEGER,
	user_id       INTEGER,
	type          TEXT NOT NULL,
	recent_usage  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_throttles_controller ON action_throttles(controller_id, type);

CREATE TABLE IF NOT EXISTS outgoing_messages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	controller_id INTEGER,
	user_id       INTEGER,
	timestamp     INTEGER NOT NULL,
	recipients    TEXT NOT NULL,
	message       TEXT NOT NULL
);
`

// Config holds the parameters for opening the primary database.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// PoolSize is the connection pool size. Zero means the
	// sqlitepool default.
	PoolSize int

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Open opens the primary database, creating the schema on each pooled
// connection's first use.
func Open(cfg Config) (*sqlitepool.Pool, error) {
	return sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, Schema, nil)
		},
	})
}
