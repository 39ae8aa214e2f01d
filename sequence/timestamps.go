// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package sequence

import "time"

// Controllers report a batch of values stamped with their own clock,
// plus their idea of the current time. Device clocks drift — some
// boards boot thinking it is 1970 — so the server compares the
// reported "now" against its own and shifts the whole batch when the
// gap is large enough to matter. The correction is persisted on the
// controller's status record and reused on later batches, so a device
// with a jittery but consistently wrong clock gets one stable offset
// instead of a slightly different one per batch.
const (
	// driftTolerance is the clock gap below which reported timestamps
	// are taken as-is.
	driftTolerance = 30 * time.Second

	// replaceTolerance is how far a fresh drift measurement may move
	// from the persisted correction before the persisted value is
	// replaced. Inside the band the persisted correction keeps winning.
	replaceTolerance = 100 * time.Second

	// futureTolerance is how far into the server's future a corrected
	// timestamp may land before it is clamped to the server's now.
	futureTolerance = 100 * time.Second
)

// ResolveCorrection picks the clock correction for one batch. clientNow
// is the device's current time as it reported it (zero means the batch
// did not carry one) and stored is the correction persisted from an
// earlier batch. fresh reports that the returned correction is a new
// measurement the caller should persist; a measurement within
// replaceTolerance of the stored correction defers to it.
func ResolveCorrection(clientNow, serverNow time.Time, stored time.Duration) (correction time.Duration, fresh bool) {
	if clientNow.IsZero() {
		return stored, false
	}
	offset := serverNow.Sub(clientNow)
	if offset < driftTolerance && offset > -driftTolerance {
		// The device clock agrees with ours; reported timestamps stand
		// on their own.
		return 0, false
	}
	if delta := offset - stored; stored != 0 && delta <= replaceTolerance && delta >= -replaceTolerance {
		return stored, false
	}
	return offset, true
}

// AdjustTimestamps applies a clock correction to a batch of
// device-reported timestamps. A zero timestamp means the device did
// not stamp the value; it becomes the server's now. Corrected
// timestamps landing implausibly far in the server's future are
// clamped back to the server's now — a value cannot have been measured
// later than it arrived.
func AdjustTimestamps(timestamps []time.Time, correction time.Duration, serverNow time.Time) []time.Time {
	limit := serverNow.Add(futureTolerance)
	adjusted := make([]time.Time, len(timestamps))
	for i, ts := range timestamps {
		if ts.IsZero() {
			adjusted[i] = serverNow
			continue
		}
		ts = ts.Add(correction)
		if ts.After(limit) {
			ts = serverNow
		}
		adjusted[i] = ts
	}
	return adjusted
}
