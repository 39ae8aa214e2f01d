// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rhizolab/rhizo-server/blobstore"
	"github.com/rhizolab/rhizo-server/db"
	"github.com/rhizolab/rhizo-server/fanout"
	"github.com/rhizolab/rhizo-server/msgqueue"
	"github.com/rhizolab/rhizo-server/resource"
	"github.com/rhizolab/rhizo-server/revision"
	"github.com/rhizolab/rhizo-server/sequence"
)

// readTimeout bounds how long a test waits for a frame to arrive
// through the real-clock fan-out loop.
const readTimeout = 5 * time.Second

type fixture struct {
	resources *resource.Store
	revisions *revision.Store
	queue     *msgqueue.Queue

	server *httptest.Server

	org        *resource.Resource
	controller *resource.Resource
	key        string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	pool, err := db.Open(db.Config{Path: filepath.Join(dir, "rhizo.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	blobs, err := blobstore.OpenFS(blobstore.FSConfig{Root: filepath.Join(dir, "blobs")})
	if err != nil {
		t.Fatal(err)
	}
	resources, err := resource.New(resource.Config{Pool: pool})
	if err != nil {
		t.Fatal(err)
	}
	revisions, err := revision.New(revision.Config{Pool: pool, Blobs: blobs})
	if err != nil {
		t.Fatal(err)
	}
	queue, err := msgqueue.New(msgqueue.Config{Pool: pool})
	if err != nil {
		t.Fatal(err)
	}
	recorder, err := sequence.New(sequence.Config{Resources: resources, Revisions: revisions, Queue: queue})
	if err != nil {
		t.Fatal(err)
	}
	registry := fanout.NewRegistry()
	engine, err := fanout.NewEngine(fanout.Config{
		Queue:        queue,
		Registry:     registry,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	engineCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go engine.Run(engineCtx)

	server, err := NewServer(Config{
		Resources: resources,
		Revisions: revisions,
		Recorder:  recorder,
		Queue:     queue,
		Registry:  registry,
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	user, err := resources.CreateUser(ctx, resource.CreateUserParams{
		UserName: "alice", Email: "alice@example.com", Password: "hunter22",
	})
	if err != nil {
		t.Fatal(err)
	}
	org, err := resources.Create(ctx, resource.CreateParams{
		Name: "acme", Kind: resource.KindOrganizationFolder, CreatorUserID: user.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	controller, err := resources.Create(ctx, resource.CreateParams{
		ParentID: org.ID, Name: "pump", Kind: resource.KindControllerFolder,
	})
	if err != nil {
		t.Fatal(err)
	}
	key, _, err := resources.CreateKey(ctx, resource.KeyParams{
		OrganizationID:       org.ID,
		CreationUserID:       user.ID,
		AccessAsControllerID: controller.ID,
	})
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		resources:  resources,
		revisions:  revisions,
		queue:      queue,
		server:     ts,
		org:        org,
		controller: controller,
		key:        key,
	}
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

// dial opens an authenticated connection. password "k-..." is key
// auth; anything else is user auth.
func (f *fixture) dial(t *testing.T, username, password string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Basic "+basicAuth(username, password))
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func basicAuth(username, password string) string {
	req, _ := http.NewRequest("GET", "http://localhost/", nil)
	req.SetBasicAuth(username, password)
	return strings.TrimPrefix(req.Header.Get("Authorization"), "Basic ")
}

func sendFrame(t *testing.T, ws *websocket.Conn, frame Frame) {
	t.Helper()
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	var frame Frame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestUpgradeRequiresAuth(t *testing.T) {
	f := newFixture(t)
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	if err == nil {
		t.Fatal("anonymous dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v", resp)
	}
}

func TestBadCredentialsRejected(t *testing.T) {
	f := newFixture(t)
	header := http.Header{}
	header.Set("Authorization", "Basic "+basicAuth("alice", "wrong"))
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	if err == nil {
		t.Fatal("bad password accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v", resp)
	}
}

func TestPingPong(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "alice", "hunter22")

	sendFrame(t, ws, Frame{Type: "ping"})
	frame := readFrame(t, ws)
	if frame.Type != "pong" {
		t.Fatalf("frame type = %q, want pong", frame.Type)
	}
}

func TestKeyAuthRecordsConnect(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "", f.key)

	// Round-trip a ping so the connection setup has finished before
	// the status read.
	sendFrame(t, ws, Frame{Type: "ping"})
	if frame := readFrame(t, ws); frame.Type != "pong" {
		t.Fatalf("frame type = %q, want pong", frame.Type)
	}

	status, err := f.resources.ControllerStatus(context.Background(), f.controller.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.LastConnectTime.IsZero() {
		t.Error("connect time not recorded")
	}
}

func TestCommandFanOut(t *testing.T) {
	f := newFixture(t)

	device := f.dial(t, "", f.key)
	sendFrame(t, device, Frame{Type: "subscribe", Parameters: map[string]any{
		"folders": []any{"/acme/pump"},
	}})

	// Round-trip a ping so the subscription is registered before the
	// dashboard sends its command.
	sendFrame(t, device, Frame{Type: "ping"})
	if frame := readFrame(t, device); frame.Type != "pong" {
		t.Fatalf("frame type = %q, want pong", frame.Type)
	}

	dashboard := f.dial(t, "alice", "hunter22")
	sendFrame(t, dashboard, Frame{Type: "set_relay", Parameters: map[string]any{
		"folder": "/acme/pump",
		"relay":  2,
	}})

	frame := readFrame(t, device)
	if frame.Type != "set_relay" {
		t.Fatalf("frame type = %q, want set_relay", frame.Type)
	}
	if relay, _ := frame.Parameters["relay"].(float64); relay != 2 {
		t.Errorf("relay = %v", frame.Parameters["relay"])
	}
}

func TestSubscribeSelfFolder(t *testing.T) {
	f := newFixture(t)

	// A controller can subscribe to its own folder without knowing its
	// path.
	device := f.dial(t, "", f.key)
	sendFrame(t, device, Frame{Type: "subscribe", Parameters: map[string]any{
		"folders": []any{"self"},
	}})
	sendFrame(t, device, Frame{Type: "ping"})
	if frame := readFrame(t, device); frame.Type != "pong" {
		t.Fatalf("frame type = %q, want pong", frame.Type)
	}

	dashboard := f.dial(t, "alice", "hunter22")
	sendFrame(t, dashboard, Frame{Type: "restart", Parameters: map[string]any{
		"folder": "/acme/pump",
	}})

	frame := readFrame(t, device)
	if frame.Type != "restart" {
		t.Fatalf("frame type = %q, want restart", frame.Type)
	}
}

func TestSubscribeMessageTypeFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.resources.Create(ctx, resource.CreateParams{
		ParentID: f.controller.ID, Name: "temperature", Kind: resource.KindSequence,
		SystemAttrs: resource.SystemAttrs{DataType: resource.SequenceNumeric},
	}); err != nil {
		t.Fatal(err)
	}

	dashboard := f.dial(t, "alice", "hunter22")
	sendFrame(t, dashboard, Frame{Type: "subscribe", Parameters: map[string]any{
		"folders":      []any{"/acme/pump"},
		"message_type": "sequence_update",
	}})
	sendFrame(t, dashboard, Frame{Type: "ping"})
	if frame := readFrame(t, dashboard); frame.Type != "pong" {
		t.Fatalf("frame type = %q, want pong", frame.Type)
	}

	// The command lands in the folder first; an unfiltered subscriber
	// would see it before the update.
	device := f.dial(t, "", f.key)
	sendFrame(t, device, Frame{Type: "set_relay", Parameters: map[string]any{
		"folder": "/acme/pump",
		"relay":  1,
	}})
	sendFrame(t, device, Frame{Type: "update_sequence", Parameters: map[string]any{
		"sequence": "temperature",
		"value":    "19.0",
	}})

	frame := readFrame(t, dashboard)
	if frame.Type != "sequence_update" {
		t.Fatalf("frame type = %q, want sequence_update only", frame.Type)
	}
}

func TestUpdateSequenceFrame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seq, err := f.resources.Create(ctx, resource.CreateParams{
		ParentID: f.controller.ID, Name: "temperature", Kind: resource.KindSequence,
		SystemAttrs: resource.SystemAttrs{DataType: resource.SequenceNumeric},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The dashboard watches the controller folder for update events.
	dashboard := f.dial(t, "alice", "hunter22")
	sendFrame(t, dashboard, Frame{Type: "subscribe", Parameters: map[string]any{
		"folders": []any{"/acme/pump"},
	}})
	sendFrame(t, dashboard, Frame{Type: "ping"})
	if frame := readFrame(t, dashboard); frame.Type != "pong" {
		t.Fatalf("frame type = %q, want pong", frame.Type)
	}

	device := f.dial(t, "", f.key)
	sendFrame(t, device, Frame{Type: "update_sequence", Parameters: map[string]any{
		"sequence": "temperature",
		"value":    "21.5",
	}})

	frame := readFrame(t, dashboard)
	if frame.Type != "sequence_update" {
		t.Fatalf("frame type = %q, want sequence_update", frame.Type)
	}
	if name, _ := frame.Parameters["name"].(string); name != "/acme/pump/temperature" {
		t.Errorf("name = %v", frame.Parameters["name"])
	}
	if id, _ := frame.Parameters["id"].(float64); int64(id) != seq.ID {
		t.Errorf("id = %v, want %d", frame.Parameters["id"], seq.ID)
	}
	if value, _ := frame.Parameters["value"].(string); value != "21.5" {
		t.Errorf("value = %v", frame.Parameters["value"])
	}

	rev, err := f.revisions.Current(ctx, seq.ID, f.org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(rev.Data) != "21.5" {
		t.Errorf("stored value = %q", rev.Data)
	}
}

func TestWatchdogFrame(t *testing.T) {
	f := newFixture(t)
	device := f.dial(t, "", f.key)

	sendFrame(t, device, Frame{Type: "watchdog"})
	sendFrame(t, device, Frame{Type: "ping"})
	if frame := readFrame(t, device); frame.Type != "pong" {
		t.Fatalf("frame type = %q, want pong", frame.Type)
	}

	status, err := f.resources.ControllerStatus(context.Background(), f.controller.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.LastWatchdogTime.IsZero() {
		t.Error("watchdog time not recorded")
	}
}

func TestSubscribeDeniedFolderLooksMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A second organization alice has no access to.
	if _, err := f.resources.Create(ctx, resource.CreateParams{
		Name: "rival", Kind: resource.KindOrganizationFolder,
	}); err != nil {
		t.Fatal(err)
	}

	ws := f.dial(t, "alice", "hunter22")
	sendFrame(t, ws, Frame{Type: "subscribe", Parameters: map[string]any{
		"folders": []any{"/rival"},
	}})
	frame := readFrame(t, ws)
	if frame.Type != "error" {
		t.Fatalf("frame type = %q, want error", frame.Type)
	}
	if message, _ := frame.Parameters["message"].(string); !strings.Contains(message, "not found") {
		t.Errorf("message = %q", message)
	}
}

func TestWriteResourceFrame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	file, err := f.resources.Create(ctx, resource.CreateParams{
		ParentID: f.controller.ID, Name: "config.yaml", Kind: resource.KindFile,
	})
	if err != nil {
		t.Fatal(err)
	}

	device := f.dial(t, "", f.key)
	sendFrame(t, device, Frame{Type: "write_resource", Parameters: map[string]any{
		"path": "config.yaml",
		"data": "interval: 5",
	}})
	sendFrame(t, device, Frame{Type: "ping"})
	if frame := readFrame(t, device); frame.Type != "pong" {
		t.Fatalf("frame type = %q, want pong", frame.Type)
	}

	rev, err := f.revisions.Current(ctx, file.ID, f.org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(rev.Data) != "interval: 5" {
		t.Errorf("stored data = %q", rev.Data)
	}
}
