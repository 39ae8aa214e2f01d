// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package msgqueue is the durable message queue. Messages are
// commands and events addressed to a folder: a message "arrives at"
// its folder and is visible to subscribers of that folder. Every
// message is written to the database before any live delivery, so a
// subscriber that reconnects can catch up from its last-seen id, and a
// cleaner prunes messages past the retention window.
package msgqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/rhizolab/rhizo-server/lib/clock"
	"github.com/rhizolab/rhizo-server/lib/codec"
	"github.com/rhizolab/rhizo-server/lib/sqlitepool"
)

// DefaultRetention is how long messages stay in the queue.
const DefaultRetention = time.Hour

// Message is one queued message.
type Message struct {
	// ID is the queue position; ids are strictly increasing.
	ID int64

	// Timestamp is when the message was enqueued.
	Timestamp time.Time

	// SenderControllerID and SenderUserID identify the sender; at most
	// one is non-zero. Both zero means the server itself.
	SenderControllerID int64
	SenderUserID       int64

	// FolderID is the folder the message arrives at.
	FolderID int64

	// Type names the message ("update_sequence", "send_email", or any
	// application-defined command).
	Type string

	// Params is the free-form message body.
	Params map[string]any
}

// Publisher receives a copy of every enqueued message for delivery on
// an external transport (MQTT). Publish failures are logged, never
// propagated: the database row is the durable copy.
type Publisher interface {
	PublishMessage(ctx context.Context, msg *Message) error
}

// Config holds the dependencies for a Queue.
type Config struct {
	// Pool is the primary database pool. Required.
	Pool *sqlitepool.Pool

	// Publisher, when set, mirrors every enqueued message to an
	// external transport.
	Publisher Publisher

	// Retention overrides DefaultRetention when positive.
	Retention time.Duration

	// Clock supplies timestamps. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Queue is the durable message queue. Safe for concurrent use.
type Queue struct {
	pool      *sqlitepool.Pool
	publisher Publisher
	retention time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("msgqueue: Pool is required")
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{
		pool:      cfg.Pool,
		publisher: cfg.Publisher,
		retention: retention,
		clock:     c,
		logger:    logger,
	}, nil
}

// EnqueueParams are the inputs to Enqueue.
type EnqueueParams struct {
	// FolderID is the destination folder. Required.
	FolderID int64

	// Type names the message. Required.
	Type string

	// Params is the free-form message body.
	Params map[string]any

	// SenderControllerID and SenderUserID identify the sender; leave
	// both zero for server-originated messages.
	SenderControllerID int64
	SenderUserID       int64
}

// Enqueue appends a message to the queue and, once it is durable,
// mirrors it to the external publisher if one is configured.
func (q *Queue) Enqueue(ctx context.Context, params EnqueueParams) (*Message, error) {
	if params.FolderID == 0 {
		return nil, fmt.Errorf("msgqueue: FolderID is required")
	}
	if params.Type == "" {
		return nil, fmt.Errorf("msgqueue: Type is required")
	}
	if params.SenderControllerID != 0 && params.SenderUserID != 0 {
		return nil, fmt.Errorf("msgqueue: message cannot have two senders")
	}

	body := params.Params
	if body == nil {
		body = map[string]any{}
	}
	blob, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("msgqueue: encoding parameters: %w", err)
	}

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	now := q.clock.Now().UTC()
	err = sqlitex.Execute(conn, `
		INSERT INTO messages (timestamp, sender_controller_id, sender_user_id, folder_id, type, parameters)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			now.UnixNano(),
			nullableID(params.SenderControllerID), nullableID(params.SenderUserID),
			params.FolderID, params.Type, blob,
		}})
	id := conn.LastInsertRowID()
	q.pool.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("msgqueue: inserting message: %w", err)
	}

	msg := &Message{
		ID:                 id,
		Timestamp:          now,
		SenderControllerID: params.SenderControllerID,
		SenderUserID:       params.SenderUserID,
		FolderID:           params.FolderID,
		Type:               params.Type,
		Params:             body,
	}
	if q.publisher != nil {
		if err := q.publisher.PublishMessage(ctx, msg); err != nil {
			q.logger.Error("external publish failed", "message_id", msg.ID, "type", msg.Type, "error", err)
		}
	}
	return msg, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// LatestID returns the id of the newest message, zero for an empty
// queue. Pollers start their cursor here so they only see messages
// enqueued after they began.
func (q *Queue) LatestID(ctx context.Context) (int64, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer q.pool.Put(conn)

	var id int64
	err = sqlitex.Execute(conn, "SELECT COALESCE(MAX(id), 0) FROM messages",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("msgqueue: reading latest id: %w", err)
	}
	return id, nil
}

// After returns messages with id greater than afterID in id order, up
// to limit (zero means no cap).
func (q *Queue) After(ctx context.Context, afterID int64, limit int) ([]*Message, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer q.pool.Put(conn)

	query := `SELECT id, timestamp, sender_controller_id, sender_user_id, folder_id, type, parameters
		FROM messages WHERE id > ? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var messages []*Message
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			msg := &Message{
				ID:                 stmt.ColumnInt64(0),
				Timestamp:          time.Unix(0, stmt.ColumnInt64(1)).UTC(),
				SenderControllerID: stmt.ColumnInt64(2),
				SenderUserID:       stmt.ColumnInt64(3),
				FolderID:           stmt.ColumnInt64(4),
				Type:               stmt.ColumnText(5),
			}
			if n := stmt.ColumnLen(6); n > 0 {
				blob := make([]byte, n)
				stmt.ColumnBytes(6, blob)
				if err := codec.Unmarshal(blob, &msg.Params); err != nil {
					return fmt.Errorf("message %d: decoding parameters: %w", msg.ID, err)
				}
			}
			messages = append(messages, msg)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("msgqueue: reading after %d: %w", afterID, err)
	}
	return messages, nil
}

// CleanOnce deletes messages older than the retention window and
// returns how many went.
func (q *Queue) CleanOnce(ctx context.Context) (int64, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer q.pool.Put(conn)

	cutoff := q.clock.Now().UTC().Add(-q.retention).UnixNano()
	err = sqlitex.Execute(conn, "DELETE FROM messages WHERE timestamp < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		return 0, fmt.Errorf("msgqueue: cleaning: %w", err)
	}
	deleted := int64(conn.Changes())
	if deleted > 0 {
		q.logger.Info("message queue cleaned", "deleted", deleted)
	}
	return deleted, nil
}

// cleanInterval is how often the retention sweep runs.
const cleanInterval = 5 * time.Minute

// RunCleaner prunes expired messages periodically until ctx is
// cancelled.
func (q *Queue) RunCleaner(ctx context.Context) {
	ticker := q.clock.NewTicker(cleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.CleanOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error("message queue clean failed", "error", err)
			}
		}
	}
}
