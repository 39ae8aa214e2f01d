// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package revision

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rhizolab/rhizo-server/blobstore"
	"github.com/rhizolab/rhizo-server/db"
	"github.com/rhizolab/rhizo-server/lib/clock"
)

var testEpoch = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

const testOrgID = 1

func newTestStore(t *testing.T) (*Store, *blobstore.FS, *clock.FakeClock) {
	t.Helper()
	pool, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "rhizo.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	blobs, err := blobstore.OpenFS(blobstore.FSConfig{
		Root:        t.TempDir(),
		Compression: blobstore.CompressionZstd,
	})
	if err != nil {
		t.Fatalf("OpenFS: %v", err)
	}

	fc := clock.Fake(testEpoch)
	store, err := New(Config{Pool: pool, Blobs: blobs, Clock: fc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, blobs, fc
}

func TestAppendInline(t *testing.T) {
	store, blobs, _ := newTestStore(t)
	ctx := context.Background()

	rev, err := store.Append(ctx, AppendParams{
		ResourceID: 7, OrgID: testOrgID, Data: []byte("21.5"),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !rev.Timestamp.Equal(testEpoch) {
		t.Errorf("timestamp = %v, want clock time %v", rev.Timestamp, testEpoch)
	}

	current, err := store.Current(ctx, 7, testOrgID)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current.ID != rev.ID || !bytes.Equal(current.Data, []byte("21.5")) {
		t.Errorf("current = %+v", current)
	}

	// Small payloads never reach the blob tier.
	exists, err := blobs.Exists(blobstore.Key(testOrgID, 7, rev.ID))
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("inline payload was written to the blob store")
	}
}

func TestAppendBlob(t *testing.T) {
	store, blobs, _ := newTestStore(t)
	ctx := context.Background()

	payload := []byte(strings.Repeat("frame-data ", 200))
	rev, err := store.Append(ctx, AppendParams{
		ResourceID: 7, OrgID: testOrgID, Data: payload,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	exists, err := blobs.Exists(blobstore.Key(testOrgID, 7, rev.ID))
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("large payload missing from blob store")
	}

	current, err := store.Current(ctx, 7, testOrgID)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if !bytes.Equal(current.Data, payload) {
		t.Error("payload mismatch after blob round trip")
	}
}

func TestCurrentNoData(t *testing.T) {
	store, _, _ := newTestStore(t)
	if _, err := store.Current(context.Background(), 99, testOrgID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Current with no data = %v, want ErrNotFound", err)
	}
}

func TestPinnedGet(t *testing.T) {
	store, _, fc := newTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, AppendParams{ResourceID: 7, OrgID: testOrgID, Data: []byte("v1")})
	if err != nil {
		t.Fatal(err)
	}
	fc.Advance(time.Minute)
	second, err := store.Append(ctx, AppendParams{ResourceID: 7, OrgID: testOrgID, Data: []byte("v2")})
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, 7, testOrgID, first.ID)
	if err != nil {
		t.Fatalf("Get pinned: %v", err)
	}
	if !bytes.Equal(got.Data, []byte("v1")) {
		t.Errorf("pinned data = %q, want v1", got.Data)
	}

	current, err := store.Current(ctx, 7, testOrgID)
	if err != nil {
		t.Fatal(err)
	}
	if current.ID != second.ID {
		t.Errorf("current id = %d, want %d", current.ID, second.ID)
	}

	// A revision id from another resource does not leak.
	if _, err := store.Get(ctx, 8, testOrgID, first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-resource get = %v, want ErrNotFound", err)
	}
}

func TestMissingBlobIsIntegrityError(t *testing.T) {
	store, blobs, _ := newTestStore(t)
	ctx := context.Background()

	payload := []byte(strings.Repeat("x", 2000))
	rev, err := store.Append(ctx, AppendParams{ResourceID: 7, OrgID: testOrgID, Data: payload})
	if err != nil {
		t.Fatal(err)
	}
	if err := blobs.Delete(blobstore.Key(testOrgID, 7, rev.ID)); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Current(ctx, 7, testOrgID); !errors.Is(err, ErrDataIntegrity) {
		t.Fatalf("Current with missing blob = %v, want ErrDataIntegrity", err)
	}
}

func TestRange(t *testing.T) {
	store, _, fc := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, AppendParams{
			ResourceID: 7, OrgID: testOrgID, Data: []byte{byte('a' + i)},
		}); err != nil {
			t.Fatal(err)
		}
		fc.Advance(time.Minute)
	}

	// Inclusive start, exclusive end.
	revs, err := store.Range(ctx, RangeParams{
		ResourceID: 7,
		OrgID:      testOrgID,
		Start:      testEpoch.Add(time.Minute),
		End:        testEpoch.Add(4 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(revs) != 3 {
		t.Fatalf("Range returned %d revisions, want 3", len(revs))
	}
	if string(revs[0].Data) != "b" || string(revs[2].Data) != "d" {
		t.Errorf("range data = %q..%q", revs[0].Data, revs[2].Data)
	}

	// Newest-first with a cap.
	revs, err = store.Range(ctx, RangeParams{
		ResourceID: 7, OrgID: testOrgID, Limit: 2, Descending: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 2 || string(revs[0].Data) != "e" {
		t.Errorf("descending range = %d entries, first %q", len(revs), revs[0].Data)
	}
}

func TestTruncate(t *testing.T) {
	store, blobs, fc := newTestStore(t)
	ctx := context.Background()

	large := []byte(strings.Repeat("y", 1500))
	var firstID int64
	for i := 0; i < 6; i++ {
		rev, err := store.Append(ctx, AppendParams{ResourceID: 7, OrgID: testOrgID, Data: large})
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			firstID = rev.ID
		}
		fc.Advance(time.Minute)
	}

	deleted, err := store.Truncate(ctx, 7, testOrgID, 4)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	count, err := store.Count(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("count = %d after truncation, want 4", count)
	}

	// The oldest blob went with its row.
	exists, err := blobs.Exists(blobstore.Key(testOrgID, 7, firstID))
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("truncated revision's blob still exists")
	}

	// Truncating an already-small history is a no-op.
	deleted, err = store.Truncate(ctx, 7, testOrgID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Errorf("no-op truncate deleted %d", deleted)
	}
}
