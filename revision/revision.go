// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package revision stores the revisioned payloads of files and
// sequences. Each append creates an immutable revision; the owning
// resource's current-revision pointer advances in the same transaction
// for small payloads, and only after the bulk object is durably
// written for large ones — a crash can orphan a blob but never leave a
// pointer at data that does not exist.
//
// Payloads below the inline threshold live directly in the revision
// row. Larger payloads go to the blob store, keyed by organization,
// resource, and revision id.
package revision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/rhizolab/rhizo-server/blobstore"
	"github.com/rhizolab/rhizo-server/lib/clock"
	"github.com/rhizolab/rhizo-server/lib/sqlitepool"
)

var (
	// ErrNotFound is returned when a revision does not exist or a
	// resource has no data.
	ErrNotFound = errors.New("revision: not found")

	// ErrDataIntegrity is returned when a revision row exists but its
	// bulk payload is missing or corrupt. This is an internal error,
	// never a not-found: the metadata says the data should be there.
	ErrDataIntegrity = errors.New("revision: data integrity failure")
)

// DefaultInlineThreshold is the payload size, in bytes, below which
// revisions are stored inline in the database row.
const DefaultInlineThreshold = 1000

// Config holds the dependencies for a Store.
type Config struct {
	// Pool is the primary database pool. Required.
	Pool *sqlitepool.Pool

	// Blobs is the bulk payload store. Required.
	Blobs blobstore.Store

	// InlineThreshold overrides DefaultInlineThreshold when positive.
	InlineThreshold int

	// Clock supplies timestamps. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Store provides revision history access. Safe for concurrent use.
type Store struct {
	pool      *sqlitepool.Pool
	blobs     blobstore.Store
	threshold int
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("revision: Pool is required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("revision: Blobs is required")
	}
	threshold := cfg.InlineThreshold
	if threshold <= 0 {
		threshold = DefaultInlineThreshold
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		pool:      cfg.Pool,
		blobs:     cfg.Blobs,
		threshold: threshold,
		clock:     c,
		logger:    logger,
	}, nil
}

// Revision is one immutable payload version.
type Revision struct {
	// ID is the revision id, unique across all resources.
	ID int64

	// ResourceID is the owning resource.
	ResourceID int64

	// Timestamp is the data time of the revision: when the value was
	// measured, not when the server stored it.
	Timestamp time.Time

	// Data is the payload.
	Data []byte
}

// AppendParams are the inputs to Append.
type AppendParams struct {
	// ResourceID is the owning resource. Required.
	ResourceID int64

	// OrgID is the owning organization, used in blob keys. Required.
	OrgID int64

	// Timestamp is the data time. Zero means the current time.
	Timestamp time.Time

	// Data is the payload.
	Data []byte
}

// Append stores a new revision and advances the owning resource's
// current-revision pointer.
func (s *Store) Append(ctx context.Context, params AppendParams) (*Revision, error) {
	if params.ResourceID == 0 {
		return nil, fmt.Errorf("revision: ResourceID is required")
	}
	timestamp := params.Timestamp
	if timestamp.IsZero() {
		timestamp = s.clock.Now()
	}
	timestamp = timestamp.UTC()

	if len(params.Data) < s.threshold {
		return s.appendInline(ctx, params, timestamp)
	}
	return s.appendBlob(ctx, params, timestamp)
}

// appendInline writes the row and the pointer in one transaction.
func (s *Store) appendInline(ctx context.Context, params AppendParams, timestamp time.Time) (_ *Revision, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("revision: begin append: %w", err)
	}
	defer endFn(&err)

	revID, err := insertRow(conn, params.ResourceID, timestamp, params.Data)
	if err != nil {
		return nil, err
	}
	if err := advancePointer(conn, params.ResourceID, revID, timestamp); err != nil {
		return nil, err
	}
	return &Revision{ID: revID, ResourceID: params.ResourceID, Timestamp: timestamp, Data: params.Data}, nil
}

// appendBlob writes the row first (data NULL), then the blob, then the
// pointer. The pointer never advances before the blob is durable; a
// failed blob write rolls the row back.
func (s *Store) appendBlob(ctx context.Context, params AppendParams, timestamp time.Time) (*Revision, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	revID, err := insertRow(conn, params.ResourceID, timestamp, nil)
	if err != nil {
		return nil, err
	}

	key := blobstore.Key(params.OrgID, params.ResourceID, revID)
	if err := s.blobs.Write(key, params.Data); err != nil {
		if dbErr := sqlitex.Execute(conn, "DELETE FROM resource_revisions WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{revID}}); dbErr != nil {
			s.logger.Error("revision row orphaned after blob failure", "revision_id", revID, "error", dbErr)
		}
		return nil, fmt.Errorf("revision: writing blob for %d: %w", revID, err)
	}

	if err := advancePointer(conn, params.ResourceID, revID, timestamp); err != nil {
		return nil, err
	}
	return &Revision{ID: revID, ResourceID: params.ResourceID, Timestamp: timestamp, Data: params.Data}, nil
}

func insertRow(conn *sqlite.Conn, resourceID int64, timestamp time.Time, data []byte) (int64, error) {
	var dataArg any
	if data != nil {
		dataArg = data
	}
	err := sqlitex.Execute(conn,
		"INSERT INTO resource_revisions (resource_id, timestamp, data) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{resourceID, timestamp.UnixNano(), dataArg}})
	if err != nil {
		return 0, fmt.Errorf("revision: inserting row for resource %d: %w", resourceID, err)
	}
	return conn.LastInsertRowID(), nil
}

func advancePointer(conn *sqlite.Conn, resourceID, revID int64, timestamp time.Time) error {
	err := sqlitex.Execute(conn,
		"UPDATE resources SET last_revision_id = ?, modification_timestamp = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{revID, timestamp.UnixNano(), resourceID}})
	if err != nil {
		return fmt.Errorf("revision: advancing pointer for resource %d: %w", resourceID, err)
	}
	return nil
}

// rowToRevision reads (id, resource_id, timestamp, data) columns.
func rowToRevision(stmt *sqlite.Stmt) *Revision {
	rev := &Revision{
		ID:         stmt.ColumnInt64(0),
		ResourceID: stmt.ColumnInt64(1),
		Timestamp:  time.Unix(0, stmt.ColumnInt64(2)).UTC(),
	}
	if n := stmt.ColumnLen(3); n > 0 {
		rev.Data = make([]byte, n)
		stmt.ColumnBytes(3, rev.Data)
	} else if stmt.ColumnType(3) == sqlite.TypeNull {
		rev.Data = nil
	} else {
		rev.Data = []byte{}
	}
	return rev
}

// loadData fills in the payload for a row whose data lives in the blob
// store. A missing or corrupt blob is ErrDataIntegrity.
func (s *Store) loadData(rev *Revision, orgID int64) error {
	if rev.Data != nil {
		return nil
	}
	key := blobstore.Key(orgID, rev.ResourceID, rev.ID)
	data, err := s.blobs.Read(key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrIntegrity) {
			s.logger.Error("revision payload unreadable", "revision_id", rev.ID, "key", key, "error", err)
			return fmt.Errorf("%w: revision %d: %v", ErrDataIntegrity, rev.ID, err)
		}
		return fmt.Errorf("revision: reading blob for %d: %w", rev.ID, err)
	}
	rev.Data = data
	return nil
}

// Current returns the resource's current revision with its payload.
// Resources with no data return ErrNotFound.
func (s *Store) Current(ctx context.Context, resourceID, orgID int64) (*Revision, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var revID int64
	err = sqlitex.Execute(conn,
		"SELECT last_revision_id FROM resources WHERE id = ? AND last_revision_id IS NOT NULL",
		&sqlitex.ExecOptions{
			Args: []any{resourceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				revID = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("revision: reading pointer for resource %d: %w", resourceID, err)
	}
	if revID == 0 {
		return nil, fmt.Errorf("%w: resource %d has no data", ErrNotFound, resourceID)
	}
	return s.getConn(conn, resourceID, orgID, revID)
}

// Get returns one pinned revision of a resource with its payload.
func (s *Store) Get(ctx context.Context, resourceID, orgID, revisionID int64) (*Revision, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return s.getConn(conn, resourceID, orgID, revisionID)
}

func (s *Store) getConn(conn *sqlite.Conn, resourceID, orgID, revisionID int64) (*Revision, error) {
	var rev *Revision
	err := sqlitex.Execute(conn,
		"SELECT id, resource_id, timestamp, data FROM resource_revisions WHERE id = ? AND resource_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{revisionID, resourceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rev = rowToRevision(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("revision: reading %d: %w", revisionID, err)
	}
	if rev == nil {
		return nil, fmt.Errorf("%w: revision %d of resource %d", ErrNotFound, revisionID, resourceID)
	}
	if err := s.loadData(rev, orgID); err != nil {
		return nil, err
	}
	return rev, nil
}

// RangeParams select a slice of a resource's history.
type RangeParams struct {
	// ResourceID and OrgID identify the resource.
	ResourceID int64
	OrgID      int64

	// Start and End bound the data timestamps, inclusive start,
	// exclusive end. Zero values mean unbounded.
	Start time.Time
	End   time.Time

	// Limit caps the number of revisions returned, newest first when
	// Descending. Zero means no cap.
	Limit int

	// Descending returns newest-first order.
	Descending bool

	// MetadataOnly skips payload loading for revisions stored in the
	// blob tier (inline payloads come along for free).
	MetadataOnly bool
}

// Range returns revisions of a resource ordered by data timestamp.
func (s *Store) Range(ctx context.Context, params RangeParams) ([]*Revision, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := "SELECT id, resource_id, timestamp, data FROM resource_revisions WHERE resource_id = ?"
	args := []any{params.ResourceID}
	if !params.Start.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, params.Start.UnixNano())
	}
	if !params.End.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, params.End.UnixNano())
	}
	if params.Descending {
		query += " ORDER BY timestamp DESC, id DESC"
	} else {
		query += " ORDER BY timestamp ASC, id ASC"
	}
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	var revisions []*Revision
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			revisions = append(revisions, rowToRevision(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("revision: range for resource %d: %w", params.ResourceID, err)
	}

	if !params.MetadataOnly {
		for _, rev := range revisions {
			if err := s.loadData(rev, params.OrgID); err != nil {
				return nil, err
			}
		}
	}
	return revisions, nil
}

// Count returns the number of revisions a resource has.
func (s *Store) Count(ctx context.Context, resourceID int64) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM resource_revisions WHERE resource_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{resourceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("revision: counting resource %d: %w", resourceID, err)
	}
	return count, nil
}

// Truncate deletes the oldest revisions of a resource until at most
// keep remain, removing any blob-tier payloads along the way. The
// current revision survives as long as keep >= 1.
func (s *Store) Truncate(ctx context.Context, resourceID, orgID int64, keep int64) (deleted int64, err error) {
	if keep < 1 {
		return 0, fmt.Errorf("revision: keep must be at least 1")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	total, err := s.Count(ctx, resourceID)
	if err != nil {
		return 0, err
	}
	excess := total - keep
	if excess <= 0 {
		return 0, nil
	}

	// Collect the victims oldest-first, remembering which ones hold
	// blob-tier payloads.
	type victim struct {
		id      int64
		hasBlob bool
	}
	var victims []victim
	err = sqlitex.Execute(conn, `
		SELECT id, data IS NULL FROM resource_revisions
		WHERE resource_id = ? ORDER BY timestamp ASC, id ASC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{resourceID, excess},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				victims = append(victims, victim{
					id:      stmt.ColumnInt64(0),
					hasBlob: stmt.ColumnInt64(1) != 0,
				})
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("revision: selecting truncation victims for %d: %w", resourceID, err)
	}

	for _, v := range victims {
		err = sqlitex.Execute(conn, "DELETE FROM resource_revisions WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{v.id}})
		if err != nil {
			return deleted, fmt.Errorf("revision: deleting %d: %w", v.id, err)
		}
		if v.hasBlob {
			key := blobstore.Key(orgID, resourceID, v.id)
			if err := s.blobs.Delete(key); err != nil {
				// Orphaned blobs waste space but break nothing.
				s.logger.Warn("blob cleanup failed during truncation", "key", key, "error", err)
			}
		}
		deleted++
	}
	s.logger.Info("revision history truncated", "resource_id", resourceID, "deleted", deleted, "kept", keep)
	return deleted, nil
}
