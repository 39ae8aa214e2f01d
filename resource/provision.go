// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/rhizolab/rhizo-server/access"
)

// validateKind applies kind-specific checks before any row is written.
func validateKind(params CreateParams) error {
	switch params.Kind {
	case KindBasicFolder, KindOrganizationFolder, KindControllerFolder,
		KindRemoteFolder, KindFile, KindApp:
		return nil
	case KindSequence:
		switch params.SystemAttrs.DataType {
		case SequenceNumeric, SequenceText, SequenceImage:
			return nil
		default:
			return fmt.Errorf("resource: sequence %q needs a data type", params.Name)
		}
	default:
		return fmt.Errorf("resource: unknown kind %d", int(params.Kind))
	}
}

// provision runs kind-specific setup after the resource row exists,
// inside the creating transaction.
func (s *Store) provision(conn *sqlite.Conn, r *Resource, params CreateParams) error {
	switch r.Kind {
	case KindOrganizationFolder:
		return s.provisionOrganization(conn, r, params.CreatorUserID)
	case KindControllerFolder:
		return s.provisionController(conn, r)
	default:
		return nil
	}
}

// provisionOrganization bootstraps a new organization: the folder's
// organization id is its own resource id, its members get write access
// by default, and the creating user becomes the first admin.
func (s *Store) provisionOrganization(conn *sqlite.Conn, r *Resource, creatorUserID int64) error {
	r.OrganizationID = r.ID
	if r.Permissions == nil {
		r.Permissions = []access.Entry{
			{Type: access.OrgUsers, SubjectID: r.ID, Level: access.LevelWrite},
			{Type: access.OrgControllers, SubjectID: r.ID, Level: access.LevelWrite},
		}
	}
	permBlob, _, _, err := encodeAttrs(r.Permissions, SystemAttrs{}, nil)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn,
		"UPDATE resources SET organization_id = ?, permissions = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{r.ID, permBlob, r.ID}})
	if err != nil {
		return fmt.Errorf("resource: finishing organization %d: %w", r.ID, err)
	}

	if creatorUserID != 0 {
		err = sqlitex.Execute(conn,
			"INSERT INTO organization_users (organization_id, user_id, is_admin) VALUES (?, ?, 1)",
			&sqlitex.ExecOptions{Args: []any{r.ID, creatorUserID}})
		if err != nil {
			return fmt.Errorf("resource: adding creator to organization %d: %w", r.ID, err)
		}
	}
	return nil
}

// telemetrySequences are the standard per-controller health series
// created under the status folder.
var telemetrySequences = []struct {
	name  string
	units string
}{
	{"free_disk_space", "bytes"},
	{"processor_usage", "percent"},
	{"messages_sent", ""},
	{"messages_received", ""},
	{"serial_errors", ""},
}

// provisionController gives a new controller its standard furniture: a
// status record, a text log sequence, and a status folder holding the
// telemetry sequences clients report into.
func (s *Store) provisionController(conn *sqlite.Conn, r *Resource) error {
	err := sqlitex.Execute(conn,
		"INSERT INTO controller_status (id, client_version, watchdog_notification_sent) VALUES (?, '', 0)",
		&sqlitex.ExecOptions{Args: []any{r.ID}})
	if err != nil {
		return fmt.Errorf("resource: creating status record for controller %d: %w", r.ID, err)
	}

	logInterval := 0
	if _, err := s.createConn(conn, CreateParams{
		ParentID: r.ID,
		Name:     "log",
		Kind:     KindSequence,
		SystemAttrs: SystemAttrs{
			DataType:           SequenceText,
			MaxHistory:         10000,
			MinStorageInterval: &logInterval,
		},
	}); err != nil {
		return fmt.Errorf("resource: creating controller log: %w", err)
	}

	statusFolder, err := s.createConn(conn, CreateParams{
		ParentID: r.ID,
		Name:     "status",
		Kind:     KindBasicFolder,
	})
	if err != nil {
		return fmt.Errorf("resource: creating controller status folder: %w", err)
	}
	for _, seq := range telemetrySequences {
		if _, err := s.createConn(conn, CreateParams{
			ParentID: statusFolder.ID,
			Name:     seq.name,
			Kind:     KindSequence,
			SystemAttrs: SystemAttrs{
				DataType:   SequenceNumeric,
				MaxHistory: 10000,
				Units:      seq.units,
			},
		}); err != nil {
			return fmt.Errorf("resource: creating telemetry sequence %s: %w", seq.name, err)
		}
	}
	return nil
}
