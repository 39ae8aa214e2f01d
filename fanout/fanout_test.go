// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rhizolab/rhizo-server/db"
	"github.com/rhizolab/rhizo-server/lib/clock"
	"github.com/rhizolab/rhizo-server/lib/testutil"
	"github.com/rhizolab/rhizo-server/msgqueue"
)

var testEpoch = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// channelSubscriber pushes deliveries onto a buffered channel.
type channelSubscriber struct {
	ch   chan *msgqueue.Message
	fail bool
}

func newChannelSubscriber() *channelSubscriber {
	return &channelSubscriber{ch: make(chan *msgqueue.Message, 16)}
}

func (s *channelSubscriber) Deliver(msg *msgqueue.Message) error {
	if s.fail {
		return errors.New("connection gone")
	}
	s.ch <- msg
	return nil
}

type fixture struct {
	queue    *msgqueue.Queue
	registry *Registry
	fc       *clock.FakeClock
	cancel   context.CancelFunc
}

func startEngine(t *testing.T) *fixture {
	t.Helper()
	pool, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "rhizo.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fc := clock.Fake(testEpoch)
	queue, err := msgqueue.New(msgqueue.Config{Pool: pool, Clock: fc})
	if err != nil {
		t.Fatalf("msgqueue.New: %v", err)
	}
	registry := NewRegistry()
	engine, err := NewEngine(Config{Queue: queue, Registry: registry, Clock: fc})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)

	return &fixture{queue: queue, registry: registry, fc: fc, cancel: cancel}
}

// waitDeliver advances the fake clock through poll intervals until the
// subscriber receives a message.
func (f *fixture) waitDeliver(t *testing.T, sub *channelSubscriber) *msgqueue.Message {
	t.Helper()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				f.fc.Advance(DefaultPollInterval)
				time.Sleep(time.Millisecond)
			}
		}
	}()
	return testutil.RequireReceive(t, sub.ch, 5*time.Second, "waiting for delivery")
}

// requireQuiet advances through several poll intervals and fails if
// anything arrives.
func (f *fixture) requireQuiet(t *testing.T, sub *channelSubscriber) {
	t.Helper()
	for i := 0; i < 5; i++ {
		f.fc.Advance(DefaultPollInterval)
		select {
		case msg := <-sub.ch:
			t.Fatalf("unexpected delivery: %+v", msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDeliveryByFolder(t *testing.T) {
	f := startEngine(t)
	ctx := context.Background()

	sub := newChannelSubscriber()
	f.registry.Subscribe(sub, Options{FolderIDs: []int64{5}})

	if _, err := f.queue.Enqueue(ctx, msgqueue.EnqueueParams{FolderID: 6, Type: "other"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Enqueue(ctx, msgqueue.EnqueueParams{
		FolderID: 5, Type: "update", Params: map[string]any{"value": "21.5"},
	}); err != nil {
		t.Fatal(err)
	}

	msg := f.waitDeliver(t, sub)
	if msg.FolderID != 5 || msg.Type != "update" {
		t.Errorf("delivered = %+v", msg)
	}
	// The folder-6 message never arrives.
	f.requireQuiet(t, sub)
}

func TestSelfEchoSuppression(t *testing.T) {
	f := startEngine(t)
	ctx := context.Background()

	sub := newChannelSubscriber()
	f.registry.Subscribe(sub, Options{FolderIDs: []int64{5}, SenderControllerID: 9})

	// The connection's own message is suppressed; another sender's is
	// not.
	if _, err := f.queue.Enqueue(ctx, msgqueue.EnqueueParams{
		FolderID: 5, Type: "update", SenderControllerID: 9,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Enqueue(ctx, msgqueue.EnqueueParams{
		FolderID: 5, Type: "update", SenderControllerID: 4,
	}); err != nil {
		t.Fatal(err)
	}

	msg := f.waitDeliver(t, sub)
	if msg.SenderControllerID != 4 {
		t.Errorf("delivered sender = %d, want 4", msg.SenderControllerID)
	}
	f.requireQuiet(t, sub)
}

func TestMessageTypeFilter(t *testing.T) {
	f := startEngine(t)
	ctx := context.Background()

	sub := newChannelSubscriber()
	f.registry.Subscribe(sub, Options{FolderIDs: []int64{5}, MessageType: "set_relay"})

	if _, err := f.queue.Enqueue(ctx, msgqueue.EnqueueParams{FolderID: 5, Type: "update"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Enqueue(ctx, msgqueue.EnqueueParams{FolderID: 5, Type: "set_relay"}); err != nil {
		t.Fatal(err)
	}

	msg := f.waitDeliver(t, sub)
	if msg.Type != "set_relay" {
		t.Errorf("delivered type = %q", msg.Type)
	}
	f.requireQuiet(t, sub)
}

func TestAddFolders(t *testing.T) {
	f := startEngine(t)
	ctx := context.Background()

	sub := newChannelSubscriber()
	subscription := f.registry.Subscribe(sub, Options{FolderIDs: []int64{5}})
	subscription.AddFolders(7)

	if _, err := f.queue.Enqueue(ctx, msgqueue.EnqueueParams{FolderID: 7, Type: "update"}); err != nil {
		t.Fatal(err)
	}
	msg := f.waitDeliver(t, sub)
	if msg.FolderID != 7 {
		t.Errorf("delivered folder = %d", msg.FolderID)
	}
}

func TestFailedSubscriberPruned(t *testing.T) {
	f := startEngine(t)
	ctx := context.Background()

	sub := newChannelSubscriber()
	sub.fail = true
	f.registry.Subscribe(sub, Options{FolderIDs: []int64{5}})
	if f.registry.Len() != 1 {
		t.Fatal("subscription not registered")
	}

	if _, err := f.queue.Enqueue(ctx, msgqueue.EnqueueParams{FolderID: 5, Type: "update"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for f.registry.Len() != 0 {
		f.fc.Advance(DefaultPollInterval)
		select {
		case <-deadline:
			t.Fatal("failed subscriber was not pruned")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartWatermark(t *testing.T) {
	// Messages enqueued before the engine starts are not delivered
	// live.
	pool, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "rhizo.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })

	fc := clock.Fake(testEpoch)
	queue, err := msgqueue.New(msgqueue.Config{Pool: pool, Clock: fc})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := queue.Enqueue(ctx, msgqueue.EnqueueParams{FolderID: 5, Type: "stale"}); err != nil {
		t.Fatal(err)
	}

	registry := NewRegistry()
	engine, err := NewEngine(Config{Queue: queue, Registry: registry, Clock: fc})
	if err != nil {
		t.Fatal(err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go engine.Run(runCtx)

	sub := newChannelSubscriber()
	registry.Subscribe(sub, Options{FolderIDs: []int64{5}})
	f := &fixture{queue: queue, registry: registry, fc: fc}
	f.requireQuiet(t, sub)

	if _, err := queue.Enqueue(ctx, msgqueue.EnqueueParams{FolderID: 5, Type: "fresh"}); err != nil {
		t.Fatal(err)
	}
	msg := f.waitDeliver(t, sub)
	if msg.Type != "fresh" {
		t.Errorf("delivered type = %q, want fresh", msg.Type)
	}
}
