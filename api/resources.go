// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rhizolab/rhizo-server/access"
	"github.com/rhizolab/rhizo-server/resource"
	"github.com/rhizolab/rhizo-server/revision"
	"github.com/rhizolab/rhizo-server/sequence"
)

// resourceMeta is the JSON shape of resource metadata responses.
type resourceMeta struct {
	ID               int64                `json:"id"`
	Path             string               `json:"path"`
	Name             string               `json:"name"`
	Type             string               `json:"type"`
	Permissions      []access.Entry       `json:"permissions,omitempty"`
	SystemAttributes resource.SystemAttrs `json:"system_attributes"`
	UserAttributes   map[string]any       `json:"user_attributes,omitempty"`
	CreationTime     time.Time            `json:"creation_time"`
	ModificationTime time.Time            `json:"modification_time"`
	LastRevisionID   int64                `json:"last_revision_id,omitempty"`
}

func (s *Server) meta(ctx context.Context, r *resource.Resource) resourceMeta {
	path, err := s.resources.Path(ctx, r.ID)
	if err != nil {
		path = r.Name
	}
	return resourceMeta{
		ID:               r.ID,
		Path:             path,
		Name:             r.Name,
		Type:             r.Kind.String(),
		Permissions:      r.Permissions,
		SystemAttributes: r.SystemAttrs,
		UserAttributes:   r.UserAttrs,
		CreationTime:     r.CreationTime,
		ModificationTime: r.ModificationTime,
		LastRevisionID:   r.LastRevisionID,
	}
}

// revisionJSON is the JSON shape of one revision in history responses.
// Image payloads are base64; everything else is a string.
type revisionJSON struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Value     string    `json:"value,omitempty"`
	Data      string    `json:"data,omitempty"`
}

func revisionToJSON(rev *revision.Revision, dataType resource.SequenceDataType) revisionJSON {
	out := revisionJSON{ID: rev.ID, Timestamp: rev.Timestamp}
	if dataType == resource.SequenceImage {
		out.Data = base64.StdEncoding.EncodeToString(rev.Data)
	} else {
		out.Value = string(rev.Data)
	}
	return out
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target, err := s.resources.Resolve(ctx, requestPath(r))
	if err != nil {
		notFound(w)
		return
	}
	level, err := s.levelFor(ctx, target.ID)
	if err != nil || level < access.LevelRead {
		notFound(w)
		return
	}

	query := r.URL.Query()
	switch {
	case query.Get("meta") != "":
		s.getMeta(ctx, w, target, query.Get("recursive") != "")
	case target.Kind.IsFolder() && query.Get("download") != "":
		s.getZip(ctx, w, target)
	case target.Kind.IsFolder():
		s.getChildren(ctx, w, target)
	case target.Kind == resource.KindSequence && hasHistoryParams(query):
		s.getHistory(ctx, w, r, target)
	default:
		s.getContent(ctx, w, r, target)
	}
}

func (s *Server) getMeta(ctx context.Context, w http.ResponseWriter, target *resource.Resource, recursive bool) {
	out := s.meta(ctx, target)
	if !recursive || !target.Kind.IsFolder() {
		writeJSON(w, http.StatusOK, out)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource": out,
		"children": s.listRecursive(ctx, target.ID),
	})
}

func (s *Server) listRecursive(ctx context.Context, folderID int64) []resourceMeta {
	out := []resourceMeta{}
	children, err := s.resources.Children(ctx, folderID)
	if err != nil {
		s.logger.Error("listing children failed", "folder_id", folderID, "error", err)
		return out
	}
	for _, child := range children {
		out = append(out, s.meta(ctx, child))
		if child.Kind.IsFolder() {
			out = append(out, s.listRecursive(ctx, child.ID)...)
		}
	}
	return out
}

func (s *Server) getChildren(ctx context.Context, w http.ResponseWriter, target *resource.Resource) {
	children, err := s.resources.Children(ctx, target.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	out := make([]resourceMeta, 0, len(children))
	for _, child := range children {
		out = append(out, s.meta(ctx, child))
	}
	writeJSON(w, http.StatusOK, out)
}

func hasHistoryParams(query map[string][]string) bool {
	for _, key := range []string{"count", "start", "end"} {
		if len(query[key]) > 0 {
			return true
		}
	}
	return false
}

func (s *Server) getHistory(ctx context.Context, w http.ResponseWriter, r *http.Request, target *resource.Resource) {
	query := r.URL.Query()
	params := revision.RangeParams{
		ResourceID: target.ID,
		OrgID:      target.OrganizationID,
	}
	if raw := query.Get("count"); raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil || count < 0 {
			writeError(w, http.StatusBadRequest, "malformed count")
			return
		}
		params.Limit = count
		params.Descending = true
	}
	var err error
	if params.Start, err = parseTimeParam(query.Get("start")); err != nil {
		writeError(w, http.StatusBadRequest, "malformed start")
		return
	}
	if params.End, err = parseTimeParam(query.Get("end")); err != nil {
		writeError(w, http.StatusBadRequest, "malformed end")
		return
	}

	revisions, err := s.revisions.Range(ctx, params)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	out := make([]revisionJSON, 0, len(revisions))
	for _, rev := range revisions {
		out = append(out, revisionToJSON(rev, target.SystemAttrs.DataType))
	}
	writeJSON(w, http.StatusOK, out)
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// getContent returns the current (or a pinned) revision. Files come
// back as raw bytes; sequence values come back as JSON.
func (s *Server) getContent(ctx context.Context, w http.ResponseWriter, r *http.Request, target *resource.Resource) {
	var rev *revision.Revision
	var err error
	if raw := r.URL.Query().Get("rev"); raw != "" {
		revID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "malformed rev")
			return
		}
		rev, err = s.revisions.Get(ctx, target.ID, target.OrganizationID, revID)
	} else {
		rev, err = s.revisions.Current(ctx, target.ID, target.OrganizationID)
	}
	switch {
	case errors.Is(err, revision.ErrNotFound):
		notFound(w)
		return
	case errors.Is(err, revision.ErrDataIntegrity):
		s.logger.Error("revision payload missing", "resource_id", target.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "revision data unavailable")
		return
	case err != nil:
		s.writeStoreError(w, err)
		return
	}

	if target.Kind == resource.KindSequence {
		writeJSON(w, http.StatusOK, revisionToJSON(rev, target.SystemAttrs.DataType))
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(target.SystemAttrs.FileType))
	w.WriteHeader(http.StatusOK)
	w.Write(rev.Data)
}

func contentTypeFor(fileType string) string {
	switch strings.ToLower(fileType) {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "csv":
		return "text/csv"
	case "md", "txt":
		return "text/plain; charset=utf-8"
	case "json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// createRequest is the JSON body for POST.
type createRequest struct {
	Type             string               `json:"type"`
	Permissions      []access.Entry       `json:"permissions"`
	SystemAttributes resource.SystemAttrs `json:"system_attributes"`
	UserAttributes   map[string]any       `json:"user_attributes"`

	// Contents, when present, becomes the first revision.
	Contents string `json:"contents"`
}

// kindFromName maps API type names back onto kinds.
func kindFromName(name string) (resource.Kind, bool) {
	switch name {
	case "basic_folder", "folder":
		return resource.KindBasicFolder, true
	case "organization_folder":
		return resource.KindOrganizationFolder, true
	case "controller_folder":
		return resource.KindControllerFolder, true
	case "remote_folder":
		return resource.KindRemoteFolder, true
	case "file":
		return resource.KindFile, true
	case "sequence":
		return resource.KindSequence, true
	case "app":
		return resource.KindApp, true
	default:
		return 0, false
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := requestPath(r)
	segments := resource.SplitPath(path)
	if len(segments) == 0 {
		writeError(w, http.StatusBadRequest, "missing resource path")
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	kind, ok := kindFromName(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown resource type")
		return
	}

	actor := actorFrom(ctx)
	var parentID int64
	if len(segments) == 1 {
		// Top-level resources are organizations, minted by system
		// admins.
		if !actor.SystemAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	} else {
		parent, err := s.resources.Resolve(ctx, strings.Join(segments[:len(segments)-1], "/"))
		if err != nil {
			notFound(w)
			return
		}
		level, err := s.levelFor(ctx, parent.ID)
		if err != nil || level < access.LevelWrite {
			notFound(w)
			return
		}
		parentID = parent.ID
	}

	created, err := s.resources.Create(ctx, resource.CreateParams{
		ParentID:      parentID,
		Name:          segments[len(segments)-1],
		Kind:          kind,
		Permissions:   req.Permissions,
		SystemAttrs:   req.SystemAttributes,
		UserAttrs:     req.UserAttributes,
		CreatorUserID: actor.UserID,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if req.Contents != "" {
		if _, err := s.revisions.Append(ctx, revision.AppendParams{
			ResourceID: created.ID,
			OrgID:      created.OrganizationID,
			Data:       []byte(req.Contents),
		}); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, s.meta(ctx, created))
}

// updateRequest is the JSON body for PUT. Absent fields are left
// unchanged.
type updateRequest struct {
	Name             *string               `json:"name"`
	Parent           *string               `json:"parent"`
	Permissions      *[]access.Entry       `json:"permissions"`
	SystemAttributes *resource.SystemAttrs `json:"system_attributes"`
	UserAttributes   *map[string]any       `json:"user_attributes"`

	// Value appends a sequence value through the rate-limited recorder.
	Value *string `json:"value"`

	// Contents appends a file revision.
	Contents *string `json:"contents"`

	// Timestamp is the data time for Value, RFC 3339. Empty means now.
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target, err := s.resources.Resolve(ctx, requestPath(r))
	if err != nil {
		notFound(w)
		return
	}
	level, err := s.levelFor(ctx, target.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if level < access.LevelRead {
		notFound(w)
		return
	}
	if level < access.LevelWrite {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	params := resource.UpdateParams{
		Name:        req.Name,
		Permissions: req.Permissions,
		SystemAttrs: req.SystemAttributes,
		UserAttrs:   req.UserAttributes,
	}
	if req.Parent != nil {
		parent, err := s.resources.Resolve(ctx, *req.Parent)
		if err != nil {
			notFound(w)
			return
		}
		parentLevel, err := s.levelFor(ctx, parent.ID)
		if err != nil || parentLevel < access.LevelWrite {
			notFound(w)
			return
		}
		params.NewParentID = &parent.ID
	}
	if params != (resource.UpdateParams{}) {
		if err := s.resources.Update(ctx, target.ID, params); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}

	if req.Value != nil && target.Kind == resource.KindSequence {
		timestamp, err := parseTimeParam(req.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed timestamp")
			return
		}
		actor := actorFrom(ctx)
		if _, err := s.recorder.Record(ctx, sequence.RecordParams{
			SequenceID:         target.ID,
			Value:              []byte(*req.Value),
			Timestamp:          timestamp,
			SenderControllerID: actor.ControllerID,
			SenderUserID:       actor.UserID,
		}); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	if req.Contents != nil && target.Kind != resource.KindSequence {
		if _, err := s.revisions.Append(ctx, revision.AppendParams{
			ResourceID: target.ID,
			OrgID:      target.OrganizationID,
			Data:       []byte(*req.Contents),
		}); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}

	updated, err := s.resources.Get(ctx, target.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.meta(ctx, updated))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target, err := s.resources.Resolve(ctx, requestPath(r))
	if err != nil {
		notFound(w)
		return
	}
	level, err := s.levelFor(ctx, target.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if level < access.LevelRead {
		notFound(w)
		return
	}
	if level < access.LevelWrite {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	dataOnly := r.URL.Query().Get("data_only") != ""
	if err := s.resources.SoftDelete(ctx, target.ID, dataOnly); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
