// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package sequence

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"path/filepath"
	"testing"
	"time"

	"github.com/rhizolab/rhizo-server/blobstore"
	"github.com/rhizolab/rhizo-server/db"
	"github.com/rhizolab/rhizo-server/lib/clock"
	"github.com/rhizolab/rhizo-server/msgqueue"
	"github.com/rhizolab/rhizo-server/resource"
	"github.com/rhizolab/rhizo-server/revision"
)

var testEpoch = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	recorder  *Recorder
	resources *resource.Store
	revisions *revision.Store
	queue     *msgqueue.Queue
	fc        *clock.FakeClock
	org       *resource.Resource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "rhizo.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fc := clock.Fake(testEpoch)
	resources, err := resource.New(resource.Config{Pool: pool, Clock: fc})
	if err != nil {
		t.Fatal(err)
	}
	blobs, err := blobstore.OpenFS(blobstore.FSConfig{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	revisions, err := revision.New(revision.Config{Pool: pool, Blobs: blobs, Clock: fc})
	if err != nil {
		t.Fatal(err)
	}
	queue, err := msgqueue.New(msgqueue.Config{Pool: pool, Clock: fc})
	if err != nil {
		t.Fatal(err)
	}
	recorder, err := New(Config{
		Resources: resources, Revisions: revisions, Queue: queue, Clock: fc,
	})
	if err != nil {
		t.Fatal(err)
	}

	org, err := resources.Create(context.Background(), resource.CreateParams{
		Name: "acme", Kind: resource.KindOrganizationFolder,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		recorder: recorder, resources: resources, revisions: revisions,
		queue: queue, fc: fc, org: org,
	}
}

func (f *fixture) createSequence(t *testing.T, name string, attrs resource.SystemAttrs) *resource.Resource {
	t.Helper()
	seq, err := f.resources.Create(context.Background(), resource.CreateParams{
		ParentID:    f.org.ID,
		Name:        name,
		Kind:        resource.KindSequence,
		SystemAttrs: attrs,
	})
	if err != nil {
		t.Fatalf("creating sequence: %v", err)
	}
	return seq
}

func TestRecordThrottling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := f.createSequence(t, "temperature", resource.SystemAttrs{
		DataType: resource.SequenceNumeric,
	})

	// First value always stores.
	res, err := f.recorder.Record(ctx, RecordParams{SequenceID: seq.ID, Value: []byte("21.5")})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !res.Stored {
		t.Error("first value not stored")
	}

	// Ten seconds later: inside the default 50s interval, broadcast
	// only.
	f.fc.Advance(10 * time.Second)
	res, err = f.recorder.Record(ctx, RecordParams{SequenceID: seq.ID, Value: []byte("21.6")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stored {
		t.Error("throttled value was stored")
	}

	// Sixty seconds after the stored value: stores again.
	f.fc.Advance(50 * time.Second)
	res, err = f.recorder.Record(ctx, RecordParams{SequenceID: seq.ID, Value: []byte("21.7")})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stored {
		t.Error("value past interval not stored")
	}

	count, err := f.revisions.Count(ctx, seq.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("revision count = %d, want 2", count)
	}

	// Every value, stored or not, produced an update event.
	messages, err := f.queue.After(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 3 {
		t.Fatalf("update events = %d, want 3", len(messages))
	}
	for _, msg := range messages {
		if msg.Type != "sequence_update" || msg.FolderID != f.org.ID {
			t.Errorf("event = %+v", msg)
		}
	}
	if messages[1].Params["value"] != "21.6" || messages[1].Params["name"] != "/acme/temperature" {
		t.Errorf("throttled event params = %v", messages[1].Params)
	}
	if id, _ := messages[1].Params["id"].(int64); id != seq.ID {
		t.Errorf("event id = %v, want %d", messages[1].Params["id"], seq.ID)
	}
}

func TestTextSequencesAreUnthrottled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := f.createSequence(t, "log", resource.SystemAttrs{
		DataType: resource.SequenceText,
	})

	for _, line := range []string{"boot", "ready"} {
		res, err := f.recorder.Record(ctx, RecordParams{SequenceID: seq.ID, Value: []byte(line)})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Stored {
			t.Errorf("text value %q not stored", line)
		}
	}
}

func TestRecordRejectsNonSequence(t *testing.T) {
	f := newFixture(t)
	if _, err := f.recorder.Record(context.Background(), RecordParams{
		SequenceID: f.org.ID, Value: []byte("x"),
	}); err == nil {
		t.Fatal("recording into a folder accepted")
	}
}

func encodeTestFrame(t *testing.T, width, height int) []byte {
	t.Helper()
	frame := image.NewRGBA(image.Rect(0, 0, width, height))
	var buffer bytes.Buffer
	if err := jpeg.Encode(&buffer, frame, nil); err != nil {
		t.Fatalf("encoding test frame: %v", err)
	}
	return buffer.Bytes()
}

func TestImageThumbnail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	interval := 0
	seq := f.createSequence(t, "camera", resource.SystemAttrs{
		DataType:           resource.SequenceImage,
		MinStorageInterval: &interval,
	})

	if _, err := f.recorder.Record(ctx, RecordParams{
		SequenceID: seq.ID,
		Value:      encodeTestFrame(t, 640, 480),
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	thumb, err := f.resources.Child(ctx, seq.ID, "thumbnail-240-x")
	if err != nil {
		t.Fatalf("thumbnail child missing: %v", err)
	}
	rev, err := f.revisions.Current(ctx, thumb.ID, thumb.OrganizationID)
	if err != nil {
		t.Fatalf("thumbnail revision: %v", err)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(rev.Data))
	if err != nil {
		t.Fatalf("decoding thumbnail: %v", err)
	}
	bounds := decoded.Bounds()
	if bounds.Dx() != 240 || bounds.Dy() != 180 {
		t.Errorf("thumbnail size = %dx%d, want 240x180", bounds.Dx(), bounds.Dy())
	}

	// The update event announces the frame without carrying it: the
	// revision ids let a viewer fetch the full frame or the thumbnail.
	frameRev, err := f.revisions.Current(ctx, seq.ID, seq.OrganizationID)
	if err != nil {
		t.Fatal(err)
	}
	messages, err := f.queue.After(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 {
		t.Fatalf("events = %d, want 1", len(messages))
	}
	params := messages[0].Params
	if params["image"] != true || params["name"] != "/acme/camera" {
		t.Errorf("image event params = %v", params)
	}
	if id, _ := params["id"].(int64); id != seq.ID {
		t.Errorf("event id = %v, want %d", params["id"], seq.ID)
	}
	if id, _ := params["revision_id"].(int64); id != frameRev.ID {
		t.Errorf("event revision_id = %v, want %d", params["revision_id"], frameRev.ID)
	}
	if id, _ := params["thumbnail_revision_id"].(int64); id != rev.ID {
		t.Errorf("event thumbnail_revision_id = %v, want %d", params["thumbnail_revision_id"], rev.ID)
	}
	if _, carried := params["value"]; carried {
		t.Error("image bytes carried in update event")
	}

	// A small frame passes through unscaled.
	f.fc.Advance(time.Second)
	if _, err := f.recorder.Record(ctx, RecordParams{
		SequenceID: seq.ID,
		Value:      encodeTestFrame(t, 120, 90),
	}); err != nil {
		t.Fatal(err)
	}
	rev, err = f.revisions.Current(ctx, thumb.ID, thumb.OrganizationID)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err = jpeg.Decode(bytes.NewReader(rev.Data))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Bounds().Dx() != 120 {
		t.Errorf("small frame scaled to %d wide", decoded.Bounds().Dx())
	}
}

func TestTruncationSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := f.createSequence(t, "log", resource.SystemAttrs{
		DataType:   resource.SequenceText,
		MaxHistory: 5,
	})

	// Below bound + buffer: the sweep leaves it alone.
	for i := 0; i < 10; i++ {
		if _, err := f.recorder.Record(ctx, RecordParams{SequenceID: seq.ID, Value: []byte("line")}); err != nil {
			t.Fatal(err)
		}
		f.fc.Advance(time.Second)
	}
	deleted, err := f.recorder.TruncateOnce(ctx)
	if err != nil {
		t.Fatalf("TruncateOnce: %v", err)
	}
	if deleted != 0 {
		t.Errorf("sweep inside buffer deleted %d", deleted)
	}

	// Past bound + buffer: trimmed back to the bound.
	for i := 0; i < 1000; i++ {
		if _, err := f.recorder.Record(ctx, RecordParams{SequenceID: seq.ID, Value: []byte("line")}); err != nil {
			t.Fatal(err)
		}
		f.fc.Advance(time.Second)
	}
	deleted, err = f.recorder.TruncateOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1005 {
		t.Errorf("sweep deleted %d, want 1005", deleted)
	}
	count, err := f.revisions.Count(ctx, seq.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 5 {
		t.Errorf("count after sweep = %d, want 5", count)
	}
}

func TestResolveCorrection(t *testing.T) {
	serverNow := testEpoch

	// In-tolerance clocks need no correction, stored or not.
	correction, fresh := ResolveCorrection(serverNow.Add(-10*time.Second), serverNow, 0)
	if correction != 0 || fresh {
		t.Errorf("in-tolerance = (%v, %v)", correction, fresh)
	}
	correction, fresh = ResolveCorrection(serverNow.Add(-10*time.Second), serverNow, 5*time.Minute)
	if correction != 0 || fresh {
		t.Errorf("in-tolerance with stored = (%v, %v)", correction, fresh)
	}

	// A device clock five minutes behind measures a fresh correction.
	correction, fresh = ResolveCorrection(serverNow.Add(-5*time.Minute), serverNow, 0)
	if correction != 5*time.Minute || !fresh {
		t.Errorf("first measurement = (%v, %v)", correction, fresh)
	}

	// Jitter around the stored correction keeps the stored value: a
	// measurement thirty seconds away does not move it.
	correction, fresh = ResolveCorrection(serverNow.Add(-270*time.Second), serverNow, 5*time.Minute)
	if correction != 5*time.Minute || fresh {
		t.Errorf("jittered measurement = (%v, %v)", correction, fresh)
	}

	// A measurement far outside the band replaces the stored value.
	correction, fresh = ResolveCorrection(serverNow.Add(-20*time.Minute), serverNow, 5*time.Minute)
	if correction != 20*time.Minute || !fresh {
		t.Errorf("diverged measurement = (%v, %v)", correction, fresh)
	}

	// A batch without a client clock reuses the stored correction.
	correction, fresh = ResolveCorrection(time.Time{}, serverNow, 5*time.Minute)
	if correction != 5*time.Minute || fresh {
		t.Errorf("no client clock = (%v, %v)", correction, fresh)
	}
}

func TestAdjustTimestamps(t *testing.T) {
	serverNow := testEpoch
	batch := []time.Time{
		serverNow.Add(-7 * time.Minute),
		serverNow.Add(-6 * time.Minute),
	}

	// Zero correction passes timestamps through.
	adjusted := AdjustTimestamps(batch, 0, serverNow)
	if !adjusted[0].Equal(batch[0]) {
		t.Error("uncorrected timestamps modified")
	}

	// The whole batch shifts by the correction.
	adjusted = AdjustTimestamps(batch, 5*time.Minute, serverNow)
	if !adjusted[0].Equal(batch[0].Add(5 * time.Minute)) {
		t.Errorf("adjusted[0] = %v", adjusted[0])
	}

	// Unstamped values take the server's now, uncorrected.
	adjusted = AdjustTimestamps([]time.Time{{}}, 5*time.Minute, serverNow)
	if !adjusted[0].Equal(serverNow) {
		t.Errorf("unstamped value = %v, want %v", adjusted[0], serverNow)
	}

	// Implausibly future timestamps clamp to the server's now.
	adjusted = AdjustTimestamps([]time.Time{serverNow.Add(10 * time.Minute)}, 0, serverNow)
	if !adjusted[0].Equal(serverNow) {
		t.Errorf("future timestamp = %v, want clamp to %v", adjusted[0], serverNow)
	}
}
