// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the rhizo-server SQLite connection pool.
//
// The resource tree, revision history, message queue, and controller
// status tables all live in one SQLite database; this package wraps
// zombiezen.com/go/sqlite with the pragmas that make that workable
// under concurrent connection handlers: WAL journal mode (readers
// never block the single writer), NORMAL synchronous (transactions
// survive process crashes), and a busy timeout so contending writers
// wait instead of failing with SQLITE_BUSY.
//
// The pool exposes the zombiezen Take/Put model directly. Connections
// are not safe for concurrent use — each goroutine must hold its own
// connection for the duration of its work. There is no query-builder
// layer: stores write SQL and use sqlitex.Execute and
// sqlitex.ImmediateTransaction directly.
package sqlitepool
