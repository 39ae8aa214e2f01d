// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify sends email and SMS on behalf of controllers and
// users, with per-sender rate limiting and an audit trail. A
// misbehaving device in a message loop must not burn through an SMS
// budget: each sender gets a sliding-window allowance per channel, and
// every accepted send is recorded in the outgoing_messages table.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/rhizolab/rhizo-server/lib/clock"
	"github.com/rhizolab/rhizo-server/lib/codec"
	"github.com/rhizolab/rhizo-server/lib/sqlitepool"
)

// ErrThrottled is returned when a sender has exhausted its
// sliding-window allowance for a channel.
var ErrThrottled = errors.New("notify: rate limit exceeded")

const (
	// throttleWindow is the sliding window for the send allowance.
	throttleWindow = time.Hour

	// throttleLimit is how many sends one identity gets per window per
	// channel.
	throttleLimit = 10
)

// EmailSender delivers email.
type EmailSender interface {
	SendEmail(ctx context.Context, recipients []string, subject, body string) error
}

// TextSender delivers SMS messages.
type TextSender interface {
	SendText(ctx context.Context, recipients []string, body string) error
}

// Config holds the dependencies for a Notifier.
type Config struct {
	// Pool is the primary database pool. Required.
	Pool *sqlitepool.Pool

	// Email delivers email. Nil disables the channel.
	Email EmailSender

	// Text delivers SMS. Nil disables the channel.
	Text TextSender

	// Clock supplies timestamps. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Notifier sends throttled, audited notifications. Safe for
// concurrent use.
type Notifier struct {
	pool   *sqlitepool.Pool
	email  EmailSender
	text   TextSender
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("notify: Pool is required")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Notifier{
		pool:   cfg.Pool,
		email:  cfg.Email,
		text:   cfg.Text,
		clock:  c,
		logger: logger,
	}, nil
}

// Sender identifies who a notification is sent on behalf of, for
// throttling and audit. At most one field is non-zero; the zero value
// is the server itself.
type Sender struct {
	ControllerID int64
	UserID       int64
}

// SendEmail sends an email on behalf of sender.
func (n *Notifier) SendEmail(ctx context.Context, sender Sender, recipients []string, subject, body string) error {
	if n.email == nil {
		return fmt.Errorf("notify: email channel not configured")
	}
	if err := n.allow(ctx, sender, "email"); err != nil {
		return err
	}
	if err := n.email.SendEmail(ctx, recipients, subject, body); err != nil {
		return fmt.Errorf("notify: sending email: %w", err)
	}
	n.audit(ctx, sender, recipients, subject+"\n"+body)
	return nil
}

// SendText sends an SMS on behalf of sender.
func (n *Notifier) SendText(ctx context.Context, sender Sender, recipients []string, body string) error {
	if n.text == nil {
		return fmt.Errorf("notify: text channel not configured")
	}
	if err := n.allow(ctx, sender, "text"); err != nil {
		return err
	}
	if err := n.text.SendText(ctx, recipients, body); err != nil {
		return fmt.Errorf("notify: sending text: %w", err)
	}
	n.audit(ctx, sender, recipients, body)
	return nil
}

// allow consumes one unit of the sender's sliding-window allowance for
// a channel, or returns ErrThrottled. The usage history is a CBOR list
// of send timestamps on the action_throttles row.
func (n *Notifier) allow(ctx context.Context, sender Sender, channel string) (err error) {
	conn, err := n.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer n.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("notify: begin throttle check: %w", err)
	}
	defer endFn(&err)

	var rowID int64
	var usage []int64
	err = sqlitex.Execute(conn, `
		SELECT id, recent_usage FROM action_throttles
		WHERE IFNULL(controller_id, 0) = ? AND IFNULL(user_id, 0) = ? AND type = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sender.ControllerID, sender.UserID, channel},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rowID = stmt.ColumnInt64(0)
				blob := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, blob)
				return codec.Unmarshal(blob, &usage)
			},
		})
	if err != nil {
		return fmt.Errorf("notify: reading throttle: %w", err)
	}

	now := n.clock.Now().UTC()
	cutoff := now.Add(-throttleWindow).UnixNano()
	recent := usage[:0]
	for _, ts := range usage {
		if ts > cutoff {
			recent = append(recent, ts)
		}
	}
	if len(recent) >= throttleLimit {
		n.logger.Warn("notification throttled",
			"controller_id", sender.ControllerID, "user_id", sender.UserID, "channel", channel)
		return fmt.Errorf("%w: %d %s sends in the last hour", ErrThrottled, len(recent), channel)
	}
	recent = append(recent, now.UnixNano())

	blob, err := codec.Marshal(recent)
	if err != nil {
		return fmt.Errorf("notify: encoding throttle usage: %w", err)
	}
	if rowID == 0 {
		err = sqlitex.Execute(conn, `
			INSERT INTO action_throttles (controller_id, user_id, type, recent_usage)
			VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				nullableID(sender.ControllerID), nullableID(sender.UserID), channel, blob,
			}})
	} else {
		err = sqlitex.Execute(conn,
			"UPDATE action_throttles SET recent_usage = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{blob, rowID}})
	}
	if err != nil {
		return fmt.Errorf("notify: writing throttle: %w", err)
	}
	return nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// audit records an accepted send. Audit failures are logged, not
// propagated: the notification already went out.
func (n *Notifier) audit(ctx context.Context, sender Sender, recipients []string, message string) {
	conn, err := n.pool.Take(ctx)
	if err != nil {
		n.logger.Error("outgoing message audit failed", "error", err)
		return
	}
	defer n.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO outgoing_messages (controller_id, user_id, timestamp, recipients, message)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			nullableID(sender.ControllerID), nullableID(sender.UserID),
			n.clock.Now().UTC().UnixNano(),
			strings.Join(recipients, ","), message,
		}})
	if err != nil {
		n.logger.Error("outgoing message audit failed", "error", err)
	}
}

// SplitRecipients parses a comma-separated recipient list into email
// addresses and phone numbers: anything with an @ is email, the rest
// are treated as SMS numbers.
func SplitRecipients(list string) (emails, phones []string) {
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "@") {
			emails = append(emails, item)
		} else {
			phones = append(phones, item)
		}
	}
	return emails, phones
}
