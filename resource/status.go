// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/rhizolab/rhizo-server/lib/codec"
)

// ControllerStatus is the mutable side record of a controller folder:
// connectivity bookkeeping plus free-form status attributes reported
// by the device (client software version details, clock correction).
type ControllerStatus struct {
	// ControllerID is the controller folder's resource id.
	ControllerID int64

	// ClientVersion is the device software version from its last
	// connect.
	ClientVersion string

	// LastConnectTime is when the controller last opened a live
	// connection. Zero if never.
	LastConnectTime time.Time

	// LastWatchdogTime is when the controller last checked in. Zero if
	// never.
	LastWatchdogTime time.Time

	// WatchdogNotificationSent is set once an offline alert has gone
	// out, so a silent controller produces one notification rather
	// than one per sweep.
	WatchdogNotificationSent bool

	// Attributes are free-form status values keyed by name. The server
	// itself reads "timestamp_correction", the clock drift (in
	// seconds) applied to this controller's reported timestamps.
	Attributes map[string]any
}

// ControllerStatus reads the status record for a controller.
func (s *Store) ControllerStatus(ctx context.Context, controllerID int64) (*ControllerStatus, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return controllerStatusConn(conn, controllerID)
}

func controllerStatusConn(conn *sqlite.Conn, controllerID int64) (*ControllerStatus, error) {
	var status *ControllerStatus
	err := sqlitex.Execute(conn, `
		SELECT id, client_version, last_connect_timestamp, last_watchdog_timestamp,
			watchdog_notification_sent, attributes
		FROM controller_status WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{controllerID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status = &ControllerStatus{
					ControllerID:             stmt.ColumnInt64(0),
					ClientVersion:            stmt.ColumnText(1),
					WatchdogNotificationSent: stmt.ColumnInt64(4) != 0,
				}
				if ts := stmt.ColumnInt64(2); ts != 0 {
					status.LastConnectTime = time.Unix(0, ts).UTC()
				}
				if ts := stmt.ColumnInt64(3); ts != 0 {
					status.LastWatchdogTime = time.Unix(0, ts).UTC()
				}
				if n := stmt.ColumnLen(5); n > 0 {
					blob := make([]byte, n)
					stmt.ColumnBytes(5, blob)
					return codec.Unmarshal(blob, &status.Attributes)
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("resource: reading controller status %d: %w", controllerID, err)
	}
	if status == nil {
		return nil, fmt.Errorf("%w: controller status %d", ErrNotFound, controllerID)
	}
	return status, nil
}

// RecordConnect notes that a controller opened a live connection, and
// which client version it runs.
func (s *Store) RecordConnect(ctx context.Context, controllerID int64, clientVersion string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().UTC().UnixNano()
	err = sqlitex.Execute(conn, `
		UPDATE controller_status
		SET client_version = ?, last_connect_timestamp = ?, last_watchdog_timestamp = ?,
			watchdog_notification_sent = 0
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{clientVersion, now, now, controllerID}})
	if err != nil {
		return fmt.Errorf("resource: recording connect for %d: %w", controllerID, err)
	}
	return nil
}

// RecordWatchdog notes a watchdog check-in from a live controller. A
// check-in re-arms the offline notification.
func (s *Store) RecordWatchdog(ctx context.Context, controllerID int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().UTC().UnixNano()
	err = sqlitex.Execute(conn, `
		UPDATE controller_status
		SET last_watchdog_timestamp = ?, watchdog_notification_sent = 0
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{now, controllerID}})
	if err != nil {
		return fmt.Errorf("resource: recording watchdog for %d: %w", controllerID, err)
	}
	return nil
}

// SetStatusAttributes merges attrs into a controller's status
// attribute map. Existing keys not named in attrs are preserved.
func (s *Store) SetStatusAttributes(ctx context.Context, controllerID int64, attrs map[string]any) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("resource: begin status update: %w", err)
	}
	defer endFn(&err)

	status, err := controllerStatusConn(conn, controllerID)
	if err != nil {
		return err
	}
	merged := status.Attributes
	if merged == nil {
		merged = make(map[string]any, len(attrs))
	}
	for key, value := range attrs {
		merged[key] = value
	}
	blob, err := codec.Marshal(merged)
	if err != nil {
		return fmt.Errorf("resource: encoding status attributes: %w", err)
	}
	err = sqlitex.Execute(conn,
		"UPDATE controller_status SET attributes = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{blob, controllerID}})
	if err != nil {
		return fmt.Errorf("resource: writing status attributes for %d: %w", controllerID, err)
	}
	return nil
}

// TimestampCorrection returns the clock drift applied to a
// controller's reported timestamps, zero if none is recorded.
func (s *Store) TimestampCorrection(ctx context.Context, controllerID int64) (time.Duration, error) {
	status, err := s.ControllerStatus(ctx, controllerID)
	if err != nil {
		return 0, err
	}
	seconds, ok := status.Attributes["timestamp_correction"].(float64)
	if !ok {
		return 0, nil
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// WatchdogAlert names a controller whose watchdog has expired and who
// should be told about it.
type WatchdogAlert struct {
	// Controller is the silent controller.
	Controller *Resource

	// Recipients is the comma-separated notification target list from
	// the controller's watchdog configuration.
	Recipients string
}

// WatchdogExpired returns the controllers with a watchdog configured
// whose last check-in is older than their watchdog window and for whom
// no notification has gone out yet. Controllers that have never
// checked in are skipped: the timer starts at first contact.
func (s *Store) WatchdogExpired(ctx context.Context) ([]WatchdogAlert, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var controllers []*Resource
	err = sqlitex.Execute(conn,
		"SELECT "+resourceColumns+" FROM resources WHERE type = ? AND deleted = 0",
		&sqlitex.ExecOptions{
			Args: []any{int(KindControllerFolder)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := rowToResource(stmt)
				if err != nil {
					return err
				}
				controllers = append(controllers, r)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("resource: listing controllers: %w", err)
	}

	now := s.clock.Now().UTC()
	var alerts []WatchdogAlert
	for _, controller := range controllers {
		minutes := controller.SystemAttrs.WatchdogMinutes
		if minutes <= 0 || controller.SystemAttrs.WatchdogRecipients == "" {
			continue
		}
		status, err := controllerStatusConn(conn, controller.ID)
		if err != nil {
			s.logger.Error("watchdog sweep: missing status record", "controller_id", controller.ID, "error", err)
			continue
		}
		if status.WatchdogNotificationSent || status.LastWatchdogTime.IsZero() {
			continue
		}
		if now.Sub(status.LastWatchdogTime) > time.Duration(minutes)*time.Minute {
			alerts = append(alerts, WatchdogAlert{
				Controller: controller,
				Recipients: controller.SystemAttrs.WatchdogRecipients,
			})
		}
	}
	return alerts, nil
}

// MarkWatchdogNotified records that an offline alert went out for a
// controller, suppressing repeats until it checks in again.
func (s *Store) MarkWatchdogNotified(ctx context.Context, controllerID int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE controller_status SET watchdog_notification_sent = 1 WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{controllerID}})
	if err != nil {
		return fmt.Errorf("resource: marking watchdog notified for %d: %w", controllerID, err)
	}
	return nil
}
