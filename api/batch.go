// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rhizolab/rhizo-server/access"
	"github.com/rhizolab/rhizo-server/resource"
	"github.com/rhizolab/rhizo-server/sequence"
)

// batchValue is one reported data point.
type batchValue struct {
	Value     string `json:"value"`
	Timestamp string `json:"timestamp"`
}

// batchRequest is the JSON body for PUT /api/v1/sequences: many values
// across many sequences under one folder, reported in one request.
type batchRequest struct {
	// Folder is the common ancestor; sequence keys are relative to it.
	Folder string `json:"folder"`

	// Now is the client's own clock at send time, RFC 3339. When it
	// disagrees with the server clock by more than the drift tolerance,
	// the whole batch is shifted by the difference.
	Now string `json:"now"`

	Values map[string][]batchValue `json:"values"`
}

type batchResponse struct {
	Stored            int     `json:"stored"`
	Skipped           int     `json:"skipped"`
	CorrectionSeconds float64 `json:"correction_seconds,omitempty"`
}

func (s *Server) handleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Folder == "" || len(req.Values) == 0 {
		writeError(w, http.StatusBadRequest, "folder and values are required")
		return
	}

	folder, err := s.resources.Resolve(ctx, req.Folder)
	if err != nil {
		notFound(w)
		return
	}
	level, err := s.levelFor(ctx, folder.ID)
	if err != nil || level < access.LevelRead {
		notFound(w)
		return
	}
	if level < access.LevelWrite {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	clientNow, err := parseTimeParam(req.Now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed now")
		return
	}
	serverNow := s.clock.Now().UTC()

	// The correction measured on an earlier batch keeps winning until a
	// fresh measurement moves far enough away from it; batches that omit
	// their clock reuse it outright.
	var stored time.Duration
	if folder.Kind == resource.KindControllerFolder {
		if stored, err = s.resources.TimestampCorrection(ctx, folder.ID); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	correction, fresh := sequence.ResolveCorrection(clientNow, serverNow, stored)

	actor := actorFrom(ctx)
	resp := batchResponse{}
	for relPath, values := range req.Values {
		seq, err := s.resources.Resolve(ctx, req.Folder+"/"+relPath)
		if err != nil || seq.Kind != resource.KindSequence {
			writeError(w, http.StatusBadRequest, "unknown sequence: "+relPath)
			return
		}

		timestamps := make([]time.Time, len(values))
		for i, value := range values {
			if timestamps[i], err = parseTimeParam(value.Timestamp); err != nil {
				writeError(w, http.StatusBadRequest, "malformed timestamp")
				return
			}
		}
		timestamps = sequence.AdjustTimestamps(timestamps, correction, serverNow)

		for i, value := range values {
			result, err := s.recorder.Record(ctx, sequence.RecordParams{
				SequenceID:         seq.ID,
				Value:              []byte(value.Value),
				Timestamp:          timestamps[i],
				SenderControllerID: actor.ControllerID,
				SenderUserID:       actor.UserID,
			})
			if err != nil {
				s.writeStoreError(w, err)
				return
			}
			if result.Stored {
				resp.Stored++
			} else {
				resp.Skipped++
			}
		}
	}

	resp.CorrectionSeconds = correction.Seconds()

	// A freshly measured correction is kept on the controller's status
	// record; later batches reuse it.
	if fresh && folder.Kind == resource.KindControllerFolder {
		if err := s.resources.SetStatusAttributes(ctx, folder.ID, map[string]any{
			"timestamp_correction": correction.Seconds(),
		}); err != nil {
			s.logger.Error("persisting timestamp correction failed", "controller_id", folder.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
