// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package fanout delivers queued messages to live subscribers. A
// subscription names the folders a connection watches (optionally
// narrowed to one message type); the engine polls the durable queue
// and pushes each new message to every matching subscriber
// concurrently. A subscriber whose delivery fails is pruned — dead
// connections must not stall the loop.
//
// Messages a connection sent itself are not echoed back to it.
package fanout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rhizolab/rhizo-server/lib/clock"
	"github.com/rhizolab/rhizo-server/msgqueue"
)

// DefaultPollInterval is how often the engine checks the queue for new
// messages.
const DefaultPollInterval = 500 * time.Millisecond

// Subscriber receives matching messages. Deliver must be safe for
// concurrent use and should not block indefinitely; returning an error
// removes the subscription.
type Subscriber interface {
	Deliver(msg *msgqueue.Message) error
}

// Options configure a subscription.
type Options struct {
	// FolderIDs are the folders to watch. More can be added later with
	// AddFolders.
	FolderIDs []int64

	// MessageType, when non-empty, narrows the subscription to one
	// message type.
	MessageType string

	// SenderControllerID and SenderUserID identify the subscribing
	// connection, for self-echo suppression: messages with a matching
	// sender are skipped.
	SenderControllerID int64
	SenderUserID       int64
}

// Subscription is a registered subscriber. Close it to stop
// deliveries.
type Subscription struct {
	registry *Registry
	sub      Subscriber

	messageType        string
	senderControllerID int64
	senderUserID       int64

	mu      sync.Mutex
	folders map[int64]bool
	closed  bool
}

// AddFolders extends the subscription to more folders.
func (s *Subscription) AddFolders(folderIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range folderIDs {
		s.folders[id] = true
	}
}

// Close removes the subscription. Idempotent.
func (s *Subscription) Close() {
	s.registry.remove(s)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// matches reports whether msg should be delivered to this
// subscription.
func (s *Subscription) matches(msg *msgqueue.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.folders[msg.FolderID] {
		return false
	}
	if s.messageType != "" && s.messageType != msg.Type {
		return false
	}
	if s.senderControllerID != 0 && s.senderControllerID == msg.SenderControllerID {
		return false
	}
	if s.senderUserID != 0 && s.senderUserID == msg.SenderUserID {
		return false
	}
	return true
}

// Registry holds the live subscriptions. Safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	subs map[*Subscription]bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[*Subscription]bool)}
}

// Subscribe registers sub for the folders in opts.
func (r *Registry) Subscribe(sub Subscriber, opts Options) *Subscription {
	s := &Subscription{
		registry:           r,
		sub:                sub,
		messageType:        opts.MessageType,
		senderControllerID: opts.SenderControllerID,
		senderUserID:       opts.SenderUserID,
		folders:            make(map[int64]bool, len(opts.FolderIDs)),
	}
	for _, id := range opts.FolderIDs {
		s.folders[id] = true
	}
	r.mu.Lock()
	r.subs[s] = true
	r.mu.Unlock()
	return s
}

func (r *Registry) remove(s *Subscription) {
	r.mu.Lock()
	delete(r.subs, s)
	r.mu.Unlock()
}

// snapshot returns the current subscriptions.
func (r *Registry) snapshot() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := make([]*Subscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	return subs
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Config holds the dependencies for an Engine.
type Config struct {
	// Queue is the durable message source. Required.
	Queue *msgqueue.Queue

	// Registry holds the subscriptions. Required.
	Registry *Registry

	// PollInterval overrides DefaultPollInterval when positive.
	PollInterval time.Duration

	// Clock drives the poll loop. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Engine polls the queue and fans messages out to subscribers.
type Engine struct {
	queue    *msgqueue.Queue
	registry *Registry
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Queue == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("fanout: Queue and Registry are required")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		queue:    cfg.Queue,
		registry: cfg.Registry,
		interval: interval,
		clock:    c,
		logger:   logger,
	}, nil
}

// batchLimit caps how many messages one poll drains, bounding memory
// when the engine falls behind.
const batchLimit = 500

// Run polls the queue until ctx is cancelled. The cursor starts at the
// current end of the queue: only messages enqueued after Run begins
// are delivered live; reconnecting clients fetch older messages
// through the queue's own cursor reads.
func (e *Engine) Run(ctx context.Context) error {
	cursor, err := e.queue.LatestID(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("fanout engine started", "cursor", cursor)

	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for {
			messages, err := e.queue.After(ctx, cursor, batchLimit)
			if err != nil {
				e.logger.Error("fanout poll failed", "error", err)
				break
			}
			if len(messages) == 0 {
				break
			}
			for _, msg := range messages {
				e.dispatch(msg)
				cursor = msg.ID
			}
			if len(messages) < batchLimit {
				break
			}
		}
	}
}

// dispatch delivers one message to every matching subscriber in
// parallel and prunes the ones that fail.
func (e *Engine) dispatch(msg *msgqueue.Message) {
	var wg sync.WaitGroup
	for _, s := range e.registry.snapshot() {
		if !s.matches(msg) {
			continue
		}
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			if err := s.sub.Deliver(msg); err != nil {
				e.logger.Warn("subscriber delivery failed, pruning",
					"message_id", msg.ID, "type", msg.Type, "error", err)
				s.Close()
			}
		}(s)
	}
	wg.Wait()
}
