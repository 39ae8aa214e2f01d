// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore provides bulk storage for large revision payloads.
// Small payloads live inline in the revisions table; anything above
// the inline threshold is written here, addressed by a deterministic
// key derived from (organization id, resource id, revision id).
//
// Keys are digit-grouped so that a busy organization's objects spread
// across a directory tree instead of piling into one flat namespace.
//
// The filesystem implementation stores each object with a small
// header: a compression tag (none, lz4, or zstd), the uncompressed
// size, and a BLAKE3 checksum of the uncompressed payload. Reads
// verify the checksum; a mismatch or truncation surfaces
// [ErrIntegrity], which callers must treat as a data-integrity fault
// rather than a plain not-found.
package blobstore
