// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package resource

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

	"github.com/rhizolab/rhizo-server/access"
	"github.com/rhizolab/rhizo-server/lib/clock"
	"github.com/rhizolab/rhizo-server/lib/codec"
	"github.com/rhizolab/rhizo-server/lib/sqlitepool"
)

var (
	// ErrNotFound is returned when a resource id or path does not
	// resolve to a live resource.
	ErrNotFound = errors.New("resource: not found")

	// ErrExists is returned when a create or move would collide with a
	// sibling of the same name.
	ErrExists = errors.New("resource: name already exists")

	// ErrInvalidName is returned for names that cannot be path
	// segments.
	ErrInvalidName = errors.New("resource: invalid name")

	// ErrNotFolder is returned when a non-folder is used as a parent.
	ErrNotFolder = errors.New("resource: not a folder")

	// ErrCycle is returned when a move would place a folder inside its
	// own subtree.
	ErrCycle = errors.New("resource: move would create a cycle")
)

// Config holds the dependencies for a Store.
type Config struct {
	// Pool is the primary database pool. Required.
	Pool *sqlitepool.Pool

	// Clock supplies timestamps. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Store provides access to the resource tree and identity tables.
// Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("resource: Pool is required")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{pool: cfg.Pool, clock: c, logger: logger}, nil
}

// rowToResource decodes one resources row. The SELECT column order is
// fixed across every query in this package:
//
//	id, parent_id, organization_id, name, type, permissions,
//	system_attributes, user_attributes, deleted,
//	creation_timestamp, modification_timestamp, last_revision_id
func rowToResource(stmt *sqlite.Stmt) (*Resource, error) {
	r := &Resource{
		ID:               stmt.ColumnInt64(0),
		ParentID:         stmt.ColumnInt64(1),
		OrganizationID:   stmt.ColumnInt64(2),
		Name:             stmt.ColumnText(3),
		Kind:             Kind(stmt.ColumnInt64(4)),
		Deleted:          stmt.ColumnInt64(8) != 0,
		CreationTime:     time.Unix(0, stmt.ColumnInt64(9)).UTC(),
		ModificationTime: time.Unix(0, stmt.ColumnInt64(10)).UTC(),
		LastRevisionID:   stmt.ColumnInt64(11),
	}
	if n := stmt.ColumnLen(5); n > 0 {
		blob := make([]byte, n)
		stmt.ColumnBytes(5, blob)
		if err := codec.Unmarshal(blob, &r.Permissions); err != nil {
			return nil, fmt.Errorf("resource %d: decoding permissions: %w", r.ID, err)
		}
	}
	if n := stmt.ColumnLen(6); n > 0 {
		blob := make([]byte, n)
		stmt.ColumnBytes(6, blob)
		if err := codec.Unmarshal(blob, &r.SystemAttrs); err != nil {
			return nil, fmt.Errorf("resource %d: decoding system attributes: %w", r.ID, err)
		}
	}
	if n := stmt.ColumnLen(7); n > 0 {
		blob := make([]byte, n)
		stmt.ColumnBytes(7, blob)
		if err := codec.Unmarshal(blob, &r.UserAttrs); err != nil {
			return nil, fmt.Errorf("resource %d: decoding user attributes: %w", r.ID, err)
		}
	}
	return r, nil
}

const resourceColumns = `id, parent_id, organization_id, name, type, permissions,
	system_attributes, user_attributes, deleted,
	creation_timestamp, modification_timestamp, last_revision_id`

// getConn reads one resource by id on an existing connection. Deleted
// resources are returned (callers filter); missing rows are
// ErrNotFound.
func getConn(conn *sqlite.Conn, id int64) (*Resource, error) {
	var r *Resource
	err := sqlitex.Execute(conn,
		"SELECT "+resourceColumns+" FROM resources WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				r, err = rowToResource(stmt)
				return err
			},
		})
	if err != nil {
		return nil, fmt.Errorf("resource: reading %d: %w", id, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return r, nil
}

// Get returns the resource with the given id. Soft-deleted resources
// are ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Resource, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	r, err := getConn(conn, id)
	if err != nil {
		return nil, err
	}
	if r.Deleted {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return r, nil
}

// childByName looks up a live child by exact name. If the exact name
// is missing and the name contains spaces or underscores, the lookup
// retries with the two swapped, so controllers that flatten spaces to
// underscores still resolve the path a human typed.
func childByName(conn *sqlite.Conn, parentID int64, name string) (*Resource, error) {
	lookup := func(n string) (*Resource, error) {
		var r *Resource
		err := sqlitex.Execute(conn,
			"SELECT "+resourceColumns+" FROM resources WHERE parent_id = ? AND name = ? AND deleted = 0",
			&sqlitex.ExecOptions{
				Args: []any{parentID, n},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					r, err = rowToResource(stmt)
					return err
				},
			})
		return r, err
	}

	r, err := lookup(name)
	if err != nil {
		return nil, fmt.Errorf("resource: child lookup %q: %w", name, err)
	}
	if r != nil {
		return r, nil
	}
	var alternate string
	if strings.Contains(name, "_") {
		alternate = strings.ReplaceAll(name, "_", " ")
	} else if strings.Contains(name, " ") {
		alternate = strings.ReplaceAll(name, " ", "_")
	}
	if alternate != "" {
		r, err = lookup(alternate)
		if err != nil {
			return nil, fmt.Errorf("resource: child lookup %q: %w", alternate, err)
		}
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return r, nil
}

// Child returns the live child of parentID with the given name.
func (s *Store) Child(ctx context.Context, parentID int64, name string) (*Resource, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return childByName(conn, parentID, name)
}

// Resolve walks a slash-separated path from the root and returns the
// resource it names.
func (s *Store) Resolve(ctx context.Context, path string) (*Resource, error) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return resolveConn(conn, segments)
}

func resolveConn(conn *sqlite.Conn, segments []string) (*Resource, error) {
	var current *Resource
	parentID := int64(0)
	for _, segment := range segments {
		r, err := childByName(conn, parentID, segment)
		if err != nil {
			return nil, err
		}
		current = r
		parentID = r.ID
	}
	return current, nil
}

// Path reconstructs the absolute path of a resource, with a leading
// slash.
func (s *Store) Path(ctx context.Context, id int64) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	var segments []string
	for id != 0 {
		r, err := getConn(conn, id)
		if err != nil {
			return "", err
		}
		segments = append(segments, r.Name)
		id = r.ParentID
		if len(segments) > 100 {
			return "", fmt.Errorf("resource: path depth exceeds 100, tree is corrupt")
		}
	}
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return "/" + strings.Join(segments, "/"), nil
}

// Children lists the live children of a folder, ordered by name.
func (s *Store) Children(ctx context.Context, parentID int64) ([]*Resource, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var children []*Resource
	err = sqlitex.Execute(conn,
		"SELECT "+resourceColumns+" FROM resources WHERE parent_id = ? AND deleted = 0 ORDER BY name",
		&sqlitex.ExecOptions{
			Args: []any{parentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := rowToResource(stmt)
				if err != nil {
					return err
				}
				children = append(children, r)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("resource: listing children of %d: %w", parentID, err)
	}
	return children, nil
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	// ParentID is the containing folder, or 0 for a top-level
	// resource. Only organization folders may be top-level.
	ParentID int64

	// Name is the path segment.
	Name string

	// Kind is the resource kind.
	Kind Kind

	// Permissions is the initial grant list. Nil inherits.
	Permissions []access.Entry

	// SystemAttrs and UserAttrs are the initial attributes.
	SystemAttrs SystemAttrs
	UserAttrs   map[string]any

	// CreatorUserID, when creating an organization folder, becomes the
	// organization's first admin. Ignored otherwise.
	CreatorUserID int64
}

// Create adds a resource to the tree. Kind-specific provisioning
// (organization bootstrap, controller status and telemetry children)
// happens in the same transaction, so a controller either fully exists
// or not at all.
func (s *Store) Create(ctx context.Context, params CreateParams) (_ *Resource, err error) {
	if err := validateName(params.Name); err != nil {
		return nil, err
	}
	if err := validateKind(params); err != nil {
		return nil, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("resource: begin create: %w", err)
	}
	defer endFn(&err)

	r, err := s.createConn(conn, params)
	if err != nil {
		return nil, err
	}
	s.logger.Info("resource created", "id", r.ID, "name", r.Name, "kind", r.Kind.String())
	return r, nil
}

// createConn inserts a resource inside an open transaction. Recursive:
// provisioning hooks create children through it.
func (s *Store) createConn(conn *sqlite.Conn, params CreateParams) (*Resource, error) {
	orgID := int64(0)
	if params.ParentID != 0 {
		parent, err := getConn(conn, params.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.Deleted {
			return nil, fmt.Errorf("%w: parent %d", ErrNotFound, params.ParentID)
		}
		// Sequences may hold derived sequences (image thumbnails);
		// everything else needs a folder parent.
		sequenceChild := parent.Kind == KindSequence && params.Kind == KindSequence
		if !parent.Kind.IsFolder() && !sequenceChild {
			return nil, fmt.Errorf("%w: parent %d is a %s", ErrNotFolder, parent.ID, parent.Kind)
		}
		orgID = parent.OrganizationID
	} else if params.Kind != KindOrganizationFolder {
		return nil, fmt.Errorf("resource: only organizations may be top-level, not %s", params.Kind)
	}

	taken, err := nameTaken(conn, params.ParentID, params.Name)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: %q in folder %d", ErrExists, params.Name, params.ParentID)
	}

	now := s.clock.Now().UTC()
	permBlob, sysBlob, userBlob, err := encodeAttrs(params.Permissions, params.SystemAttrs, params.UserAttrs)
	if err != nil {
		return nil, err
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO resources (parent_id, organization_id, name, type, permissions,
			system_attributes, user_attributes, deleted, creation_timestamp,
			modification_timestamp, last_revision_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, NULL)`,
		&sqlitex.ExecOptions{Args: []any{
			params.ParentID, orgID, params.Name, int(params.Kind),
			permBlob, sysBlob, userBlob, now.UnixNano(), now.UnixNano(),
		}})
	if err != nil {
		return nil, fmt.Errorf("resource: inserting %q: %w", params.Name, err)
	}

	r := &Resource{
		ID:               conn.LastInsertRowID(),
		ParentID:         params.ParentID,
		OrganizationID:   orgID,
		Name:             params.Name,
		Kind:             params.Kind,
		Permissions:      params.Permissions,
		SystemAttrs:      params.SystemAttrs,
		UserAttrs:        params.UserAttrs,
		CreationTime:     now,
		ModificationTime: now,
	}

	if err := s.provision(conn, r, params); err != nil {
		return nil, err
	}
	return r, nil
}

func nameTaken(conn *sqlite.Conn, parentID int64, name string) (bool, error) {
	taken := false
	err := sqlitex.Execute(conn,
		"SELECT 1 FROM resources WHERE parent_id = ? AND name = ? AND deleted = 0",
		&sqlitex.ExecOptions{
			Args: []any{parentID, name},
			ResultFunc: func(*sqlite.Stmt) error {
				taken = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("resource: checking name %q: %w", name, err)
	}
	return taken, nil
}

func encodeAttrs(perms []access.Entry, sys SystemAttrs, user map[string]any) (permBlob, sysBlob, userBlob []byte, err error) {
	if perms != nil {
		permBlob, err = codec.Marshal(perms)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("resource: encoding permissions: %w", err)
		}
	}
	sysBlob, err = codec.Marshal(sys)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resource: encoding system attributes: %w", err)
	}
	if user != nil {
		userBlob, err = codec.Marshal(user)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("resource: encoding user attributes: %w", err)
		}
	}
	return permBlob, sysBlob, userBlob, nil
}

// UpdateParams are the optional mutations applied by Update. Nil
// fields are left unchanged.
type UpdateParams struct {
	// Name renames the resource.
	Name *string

	// NewParentID moves the resource to another folder.
	NewParentID *int64

	// Permissions replaces the resource's own grant list. An empty
	// non-nil list clears it back to full inheritance.
	Permissions *[]access.Entry

	// SystemAttrs replaces the system attributes wholesale.
	SystemAttrs *SystemAttrs

	// UserAttrs replaces the user attributes wholesale.
	UserAttrs *map[string]any
}

// Update applies the non-nil mutations in params to a resource. Rename
// and move revalidate sibling uniqueness at the destination; a move
// additionally rejects placing a folder inside its own subtree.
func (s *Store) Update(ctx context.Context, id int64, params UpdateParams) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("resource: begin update: %w", err)
	}
	defer endFn(&err)

	r, err := getConn(conn, id)
	if err != nil {
		return err
	}
	if r.Deleted {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	name := r.Name
	if params.Name != nil && *params.Name != r.Name {
		if err := validateName(*params.Name); err != nil {
			return err
		}
		name = *params.Name
	}
	parentID := r.ParentID
	if params.NewParentID != nil && *params.NewParentID != r.ParentID {
		parentID = *params.NewParentID
		parent, err := getConn(conn, parentID)
		if err != nil {
			return err
		}
		if parent.Deleted {
			return fmt.Errorf("%w: parent %d", ErrNotFound, parentID)
		}
		if !parent.Kind.IsFolder() {
			return fmt.Errorf("%w: parent %d is a %s", ErrNotFolder, parent.ID, parent.Kind)
		}
		if parent.OrganizationID != r.OrganizationID {
			return fmt.Errorf("resource: cannot move %d across organizations", id)
		}
		if r.Kind.IsFolder() {
			inSubtree, err := isDescendant(conn, parentID, id)
			if err != nil {
				return err
			}
			if inSubtree || parentID == id {
				return fmt.Errorf("%w: %d into %d", ErrCycle, id, parentID)
			}
		}
	}
	if name != r.Name || parentID != r.ParentID {
		taken, err := nameTaken(conn, parentID, name)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: %q in folder %d", ErrExists, name, parentID)
		}
	}

	perms := r.Permissions
	if params.Permissions != nil {
		perms = *params.Permissions
		if len(perms) == 0 {
			perms = nil
		}
	}
	sys := r.SystemAttrs
	if params.SystemAttrs != nil {
		sys = *params.SystemAttrs
	}
	userAttrs := r.UserAttrs
	if params.UserAttrs != nil {
		userAttrs = *params.UserAttrs
	}
	permBlob, sysBlob, userBlob, err := encodeAttrs(perms, sys, userAttrs)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	err = sqlitex.Execute(conn, `
		UPDATE resources SET parent_id = ?, name = ?, permissions = ?,
			system_attributes = ?, user_attributes = ?, modification_timestamp = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			parentID, name, permBlob, sysBlob, userBlob, now.UnixNano(), id,
		}})
	if err != nil {
		return fmt.Errorf("resource: updating %d: %w", id, err)
	}
	return nil
}

// isDescendant reports whether candidate lies in the subtree rooted at
// root.
func isDescendant(conn *sqlite.Conn, candidate, root int64) (bool, error) {
	id := candidate
	for depth := 0; id != 0; depth++ {
		if depth > 100 {
			return false, fmt.Errorf("resource: ancestry depth exceeds 100, tree is corrupt")
		}
		r, err := getConn(conn, id)
		if err != nil {
			return false, err
		}
		if r.ParentID == root {
			return true, nil
		}
		id = r.ParentID
	}
	return false, nil
}

// SoftDelete removes a resource from view. With dataOnly, the resource
// itself stays live but its entire revision history is purged and the
// current-revision pointer cleared — the shape for wiping a sequence
// without tearing down subscriptions to it. Deleting a folder does not
// cascade; children become unreachable but keep their rows.
func (s *Store) SoftDelete(ctx context.Context, id int64, dataOnly bool) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("resource: begin delete: %w", err)
	}
	defer endFn(&err)

	r, err := getConn(conn, id)
	if err != nil {
		return err
	}
	if r.Deleted {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	now := s.clock.Now().UTC().UnixNano()
	if dataOnly {
		err = sqlitex.Execute(conn, "DELETE FROM resource_revisions WHERE resource_id = ?",
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return fmt.Errorf("resource: purging revisions of %d: %w", id, err)
		}
		err = sqlitex.Execute(conn,
			"UPDATE resources SET last_revision_id = NULL, modification_timestamp = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{now, id}})
		if err != nil {
			return fmt.Errorf("resource: clearing revision pointer of %d: %w", id, err)
		}
		s.logger.Info("resource data purged", "id", id)
		return nil
	}

	err = sqlitex.Execute(conn,
		"UPDATE resources SET deleted = 1, modification_timestamp = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{now, id}})
	if err != nil {
		return fmt.Errorf("resource: deleting %d: %w", id, err)
	}
	s.logger.Info("resource deleted", "id", id, "name", r.Name)
	return nil
}

// DescendantFolderIDs returns folderID plus every live folder beneath
// it, breadth-first. The visited set guards against parent-pointer
// corruption; a healthy tree never needs it.
func (s *Store) DescendantFolderIDs(ctx context.Context, folderID int64) ([]int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	visited := map[int64]bool{folderID: true}
	result := []int64{folderID}
	queue := []int64{folderID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		err := sqlitex.Execute(conn,
			"SELECT id FROM resources WHERE parent_id = ? AND deleted = 0 AND type BETWEEN 10 AND 19",
			&sqlitex.ExecOptions{
				Args: []any{current},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id := stmt.ColumnInt64(0)
					if !visited[id] {
						visited[id] = true
						result = append(result, id)
						queue = append(queue, id)
					}
					return nil
				},
			})
		if err != nil {
			return nil, fmt.Errorf("resource: walking folder %d: %w", current, err)
		}
	}
	return result, nil
}

// ListKind returns every live resource of one kind. Used by
// background sweeps (sequence truncation) that visit all sequences or
// all controllers.
func (s *Store) ListKind(ctx context.Context, kind Kind) ([]*Resource, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var resources []*Resource
	err = sqlitex.Execute(conn,
		"SELECT "+resourceColumns+" FROM resources WHERE type = ? AND deleted = 0",
		&sqlitex.ExecOptions{
			Args: []any{int(kind)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := rowToResource(stmt)
				if err != nil {
					return err
				}
				resources = append(resources, r)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("resource: listing kind %s: %w", kind, err)
	}
	return resources, nil
}

// EffectivePermissions resolves the grant list that governs a
// resource: its own entries merged over everything inherited from its
// ancestors, nearest ancestor winning per (type, subject) pair.
func (s *Store) EffectivePermissions(ctx context.Context, id int64) ([]access.Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return effectivePermissionsConn(conn, id)
}

func effectivePermissionsConn(conn *sqlite.Conn, id int64) ([]access.Entry, error) {
	// Own lists from the resource up to the root, nearest first.
	var chain [][]access.Entry
	for current := id; current != 0; {
		r, err := getConn(conn, current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r.Permissions)
		current = r.ParentID
		if len(chain) > 100 {
			return nil, fmt.Errorf("resource: ancestry depth exceeds 100, tree is corrupt")
		}
	}
	var effective []access.Entry
	for i := len(chain) - 1; i >= 0; i-- {
		effective = access.Merge(chain[i], effective)
	}
	return effective, nil
}
