// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Read when no object exists at the key.
var ErrNotFound = errors.New("blobstore: object not found")

// ErrIntegrity is returned by Read when an object exists but is
// corrupt: truncated header, size mismatch, or checksum failure.
// Callers surface this as an internal data-integrity error, never as
// a plain not-found.
var ErrIntegrity = errors.New("blobstore: object integrity check failed")

// Store is the bulk storage interface. Implementations must be safe
// for concurrent use.
type Store interface {
	// Write stores data at key, overwriting any existing object.
	Write(key string, data []byte) error

	// Read returns the payload stored at key. Returns ErrNotFound if
	// no object exists, ErrIntegrity if the object is corrupt.
	Read(key string) ([]byte, error)

	// Exists reports whether an object exists at key.
	Exists(key string) (bool, error)

	// Delete removes the object at key. Deleting a missing object is
	// not an error.
	Delete(key string) error
}

// Key derives the storage key for a revision payload. The resource id
// is zero-padded to nine digits and split into three-digit groups:
//
//	<orgID>/012/345/678/<resourceID>_<revisionID>
//
// The grouping bounds directory fan-out: one million resources per
// organization spread across at most 1000 entries per level.
func Key(orgID, resourceID, revisionID int64) string {
	padded := fmt.Sprintf("%09d", resourceID)
	group := padded[len(padded)-9:]
	return fmt.Sprintf("%d/%s/%s/%s/%d_%d",
		orgID, group[0:3], group[3:6], group[6:9], resourceID, revisionID)
}
