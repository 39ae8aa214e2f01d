// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"archive/zip"
	"context"
	"errors"
	"net/http"

	"github.com/rhizolab/rhizo-server/resource"
	"github.com/rhizolab/rhizo-server/revision"
)

// zipByteLimit caps the uncompressed aggregate of a folder download.
const zipByteLimit = 500 << 20

// getZip streams the folder subtree as a zip archive: every file's
// current revision, named by its path relative to the folder. The walk
// stops once the uncompressed total reaches the cap; an archive
// truncated this way is still a valid zip of what fit.
func (s *Server) getZip(ctx context.Context, w http.ResponseWriter, folder *resource.Resource) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+folder.Name+`.zip"`)

	archive := zip.NewWriter(w)
	remaining := int64(zipByteLimit)
	if err := s.zipFolder(ctx, archive, folder, "", &remaining); err != nil {
		// Headers are already on the wire; all we can do is log and
		// close out what was written.
		s.logger.Error("zip download aborted", "folder_id", folder.ID, "error", err)
	}
	if err := archive.Close(); err != nil {
		s.logger.Error("closing zip failed", "folder_id", folder.ID, "error", err)
	}
}

var errZipFull = errors.New("api: zip size cap reached")

func (s *Server) zipFolder(ctx context.Context, archive *zip.Writer, folder *resource.Resource, prefix string, remaining *int64) error {
	children, err := s.resources.Children(ctx, folder.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		name := prefix + child.Name
		switch {
		case child.Kind.IsFolder():
			if err := s.zipFolder(ctx, archive, child, name+"/", remaining); err != nil {
				return err
			}
		case child.Kind == resource.KindFile && child.LastRevisionID != 0:
			rev, err := s.revisions.Current(ctx, child.ID, child.OrganizationID)
			if errors.Is(err, revision.ErrNotFound) || errors.Is(err, revision.ErrDataIntegrity) {
				s.logger.Warn("skipping file in zip", "resource_id", child.ID, "error", err)
				continue
			}
			if err != nil {
				return err
			}
			*remaining -= int64(len(rev.Data))
			if *remaining < 0 {
				return errZipFull
			}
			entry, err := archive.CreateHeader(&zip.FileHeader{
				Name:     name,
				Method:   zip.Deflate,
				Modified: rev.Timestamp,
			})
			if err != nil {
				return err
			}
			if _, err := entry.Write(rev.Data); err != nil {
				return err
			}
		}
	}
	return nil
}
