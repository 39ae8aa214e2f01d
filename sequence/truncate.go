// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package sequence

import (
	"context"
	"errors"
	"time"

	"github.com/rhizolab/rhizo-server/resource"
)

// truncationBuffer is how far past its history bound a sequence may
// grow before the sweep trims it. Trimming in chunks keeps the sweep
// from issuing thousands of single-row deletes on busy sequences.
const truncationBuffer = 1000

// DefaultTruncateInterval is how often the history sweep runs.
const DefaultTruncateInterval = time.Hour

// TruncateOnce trims every sequence whose history exceeds its bound by
// more than the buffer, back down to the bound. Returns the number of
// revisions deleted across all sequences.
func (r *Recorder) TruncateOnce(ctx context.Context) (int64, error) {
	sequences, err := r.resources.ListKind(ctx, resource.KindSequence)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, seq := range sequences {
		limit := seq.SystemAttrs.EffectiveMaxHistory()
		count, err := r.revisions.Count(ctx, seq.ID)
		if err != nil {
			return total, err
		}
		if count <= limit+truncationBuffer {
			continue
		}
		deleted, err := r.revisions.Truncate(ctx, seq.ID, seq.OrganizationID, limit)
		if err != nil {
			return total, err
		}
		total += deleted
	}
	if total > 0 {
		r.logger.Info("sequence history sweep", "deleted", total)
	}
	return total, nil
}

// RunTruncator runs the history sweep periodically until ctx is
// cancelled.
func (r *Recorder) RunTruncator(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTruncateInterval
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.TruncateOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("sequence history sweep failed", "error", err)
			}
		}
	}
}
