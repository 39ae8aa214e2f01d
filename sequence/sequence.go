// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package sequence records values into sequence resources: rate-limited
// storage, live update events, image thumbnails, and history
// truncation.
//
// Recording and broadcasting are deliberately independent: every
// accepted value produces an update message for live subscribers, but
// the value is only stored as a revision when the sequence's minimum
// storage interval has elapsed since the last stored value. A sensor
// reporting once a second still animates dashboards while the database
// grows at the configured rate.
package sequence

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rhizolab/rhizo-server/lib/clock"
	"github.com/rhizolab/rhizo-server/msgqueue"
	"github.com/rhizolab/rhizo-server/resource"
	"github.com/rhizolab/rhizo-server/revision"
)

// Config holds the dependencies for a Recorder.
type Config struct {
	// Resources is the tree store. Required.
	Resources *resource.Store

	// Revisions is the revision store. Required.
	Revisions *revision.Store

	// Queue receives update events for live fan-out. Optional: a nil
	// queue records without broadcasting.
	Queue *msgqueue.Queue

	// Clock supplies timestamps. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Recorder writes values into sequences. Safe for concurrent use.
type Recorder struct {
	resources *resource.Store
	revisions *revision.Store
	queue     *msgqueue.Queue
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a Recorder.
func New(cfg Config) (*Recorder, error) {
	if cfg.Resources == nil || cfg.Revisions == nil {
		return nil, fmt.Errorf("sequence: Resources and Revisions are required")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{
		resources: cfg.Resources,
		revisions: cfg.Revisions,
		queue:     cfg.Queue,
		clock:     c,
		logger:    logger,
	}, nil
}

// RecordParams are the inputs to Record.
type RecordParams struct {
	// SequenceID names the target sequence. Required.
	SequenceID int64

	// Value is the raw value bytes: a formatted number, a text line,
	// or an encoded image.
	Value []byte

	// Timestamp is the data time. Zero means the current time.
	Timestamp time.Time

	// SenderControllerID and SenderUserID identify who reported the
	// value, carried on the update event for self-echo suppression.
	SenderControllerID int64
	SenderUserID       int64
}

// Result reports what Record did with a value.
type Result struct {
	// Stored is true when the value became a revision. False means the
	// minimum storage interval had not elapsed; the value was still
	// broadcast.
	Stored bool

	// RevisionID is the new revision when Stored.
	RevisionID int64
}

// Record accepts one value for a sequence.
func (r *Recorder) Record(ctx context.Context, params RecordParams) (*Result, error) {
	seq, err := r.resources.Get(ctx, params.SequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Kind != resource.KindSequence {
		return nil, fmt.Errorf("sequence: resource %d is a %s, not a sequence", seq.ID, seq.Kind)
	}

	timestamp := params.Timestamp
	if timestamp.IsZero() {
		timestamp = r.clock.Now()
	}
	timestamp = timestamp.UTC()

	result := &Result{}
	var thumbRevisionID int64
	interval := seq.SystemAttrs.EffectiveMinStorageInterval()
	if interval == 0 || seq.LastRevisionID == 0 || timestamp.Sub(seq.ModificationTime) >= interval {
		rev, err := r.revisions.Append(ctx, revision.AppendParams{
			ResourceID: seq.ID,
			OrgID:      seq.OrganizationID,
			Timestamp:  timestamp,
			Data:       params.Value,
		})
		if err != nil {
			return nil, err
		}
		result.Stored = true
		result.RevisionID = rev.ID

		if seq.SystemAttrs.DataType == resource.SequenceImage {
			thumbRevisionID, err = r.storeThumbnail(ctx, seq, params.Value, timestamp)
			if err != nil {
				// A bad frame should not reject the recording.
				r.logger.Warn("thumbnail generation failed", "sequence_id", seq.ID, "error", err)
			}
		}
	}

	if r.queue != nil {
		if err := r.emitUpdate(ctx, seq, params, timestamp, result.RevisionID, thumbRevisionID); err != nil {
			r.logger.Error("update event failed", "sequence_id", seq.ID, "error", err)
		}
	}
	return result, nil
}

// emitUpdate broadcasts the new value to the sequence's parent folder,
// where folder subscribers pick it up. Image payloads are announced
// without their bytes: the event carries the frame's revision id and
// the thumbnail's, and live viewers fetch whichever size they render
// over HTTP.
func (r *Recorder) emitUpdate(ctx context.Context, seq *resource.Resource, params RecordParams, timestamp time.Time, revisionID, thumbRevisionID int64) error {
	path, err := r.resources.Path(ctx, seq.ID)
	if err != nil {
		return err
	}
	eventParams := map[string]any{
		"id":        seq.ID,
		"name":      path,
		"timestamp": timestamp.Format(time.RFC3339Nano),
	}
	if seq.SystemAttrs.DataType == resource.SequenceImage {
		eventParams["image"] = true
		if revisionID != 0 {
			eventParams["revision_id"] = revisionID
		}
		if thumbRevisionID != 0 {
			eventParams["thumbnail_revision_id"] = thumbRevisionID
		}
	} else {
		eventParams["value"] = string(params.Value)
	}
	_, err = r.queue.Enqueue(ctx, msgqueue.EnqueueParams{
		FolderID:           seq.ParentID,
		Type:               "sequence_update",
		Params:             eventParams,
		SenderControllerID: params.SenderControllerID,
		SenderUserID:       params.SenderUserID,
	})
	return err
}
