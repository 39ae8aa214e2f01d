// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rhizolab/rhizo-server/access"
	"github.com/rhizolab/rhizo-server/fanout"
	"github.com/rhizolab/rhizo-server/lib/clock"
	"github.com/rhizolab/rhizo-server/msgqueue"
	"github.com/rhizolab/rhizo-server/notify"
	"github.com/rhizolab/rhizo-server/resource"
	"github.com/rhizolab/rhizo-server/revision"
	"github.com/rhizolab/rhizo-server/sequence"
)

// Config holds the dependencies for a Server.
type Config struct {
	// Resources, Revisions, Recorder, Queue, and Registry are the
	// domain stores the protocol operates on. All required.
	Resources *resource.Store
	Revisions *revision.Store
	Recorder  *sequence.Recorder
	Queue     *msgqueue.Queue
	Registry  *fanout.Registry

	// Notifier handles send_email and send_text_message. Optional;
	// nil rejects those frames.
	Notifier *notify.Notifier

	// Clock supplies timestamps. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Server upgrades HTTP requests to live connections and runs the
// protocol on them.
type Server struct {
	resources *resource.Store
	revisions *revision.Store
	recorder  *sequence.Recorder
	queue     *msgqueue.Queue
	registry  *fanout.Registry
	notifier  *notify.Notifier
	clock     clock.Clock
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Resources == nil || cfg.Revisions == nil || cfg.Recorder == nil ||
		cfg.Queue == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("live: Resources, Revisions, Recorder, Queue, and Registry are required")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		resources: cfg.Resources,
		revisions: cfg.Revisions,
		recorder:  cfg.Recorder,
		queue:     cfg.Queue,
		registry:  cfg.Registry,
		notifier:  cfg.Notifier,
		clock:     c,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser dashboards connect from their own origins; the
			// key or session is the access control, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// authenticate resolves the connection's actor from basic auth: an API
// key in the password position, or a user name and password.
func (s *Server) authenticate(r *http.Request) (access.Actor, error) {
	username, password, ok := r.BasicAuth()
	if !ok || password == "" {
		return access.Actor{}, resource.ErrAuthFailed
	}
	if strings.HasPrefix(password, "k-") {
		return s.resources.AuthenticateKey(r.Context(), password)
	}
	user, err := s.resources.AuthenticateUser(r.Context(), username, password)
	if err != nil {
		return access.Actor{}, err
	}
	return s.resources.ActorForUser(r.Context(), user.ID)
}

// ServeHTTP upgrades the request and runs the connection until either
// side closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, err := s.authenticate(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="rhizo-server"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:       ws,
		server:   s,
		actor:    actor,
		outgoing: make(chan []byte, outgoingBuffer),
		logger:   s.logger.With("controller_id", actor.ControllerID, "user_id", actor.UserID),
		cancel:   cancel,
	}
	c.homeFolderID = actor.ControllerID

	if actor.ControllerID != 0 {
		version := r.Header.Get("X-Client-Version")
		if err := s.resources.RecordConnect(ctx, actor.ControllerID, version); err != nil {
			s.logger.Error("recording connect failed", "controller_id", actor.ControllerID, "error", err)
		}
	}
	c.logger.Info("live connection opened")

	go c.writePump(ctx)
	c.readPump(ctx)

	c.closeSubscriptions()
	ws.Close()
	c.logger.Info("live connection closed")
}

// dispatch handles one inbound frame.
func (s *Server) dispatch(ctx context.Context, c *conn, frame Frame) {
	switch frame.Type {
	case "subscribe":
		s.handleSubscribe(ctx, c, frame)
	case "watchdog":
		s.handleWatchdog(ctx, c)
	case "ping":
		c.send(Frame{Type: "pong"})
	case "update_sequence":
		s.handleUpdateSequence(ctx, c, frame)
	case "write_resource":
		s.handleWriteResource(ctx, c, frame)
	case "send_email":
		s.handleSendEmail(ctx, c, frame)
	case "send_text_message":
		s.handleSendText(ctx, c, frame)
	default:
		s.handleCommand(ctx, c, frame)
	}
}

// resolvePath resolves a client-supplied path. Paths without a leading
// slash are relative to the connection's home folder.
func (s *Server) resolvePath(ctx context.Context, c *conn, path string) (*resource.Resource, error) {
	if !strings.HasPrefix(path, "/") && c.homeFolderID != 0 {
		home, err := s.resources.Path(ctx, c.homeFolderID)
		if err != nil {
			return nil, err
		}
		path = home + "/" + path
	}
	return s.resources.Resolve(ctx, path)
}

// levelFor evaluates the connection's access to a resource.
func (s *Server) levelFor(ctx context.Context, c *conn, resourceID int64) (access.Level, error) {
	perms, err := s.resources.EffectivePermissions(ctx, resourceID)
	if err != nil {
		return access.LevelNone, err
	}
	return access.Evaluate(perms, c.actor), nil
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func (s *Server) handleSubscribe(ctx context.Context, c *conn, frame Frame) {
	folders, _ := frame.Parameters["folders"].([]any)
	if len(folders) == 0 {
		c.sendError("subscribe needs folders")
		return
	}
	recursive, _ := frame.Parameters["recursive"].(bool)
	messageType := stringParam(frame.Parameters, "message_type")

	var folderIDs []int64
	for _, item := range folders {
		path, _ := item.(string)
		folder, err := s.resolveSubscribeFolder(ctx, c, path)
		if err != nil {
			c.sendError(fmt.Sprintf("folder not found: %s", path))
			continue
		}
		level, err := s.levelFor(ctx, c, folder.ID)
		if err != nil || level < access.LevelRead {
			// Indistinguishable from a missing folder on purpose.
			c.sendError(fmt.Sprintf("folder not found: %s", path))
			continue
		}
		if recursive {
			ids, err := s.resources.DescendantFolderIDs(ctx, folder.ID)
			if err != nil {
				c.sendError(fmt.Sprintf("folder not found: %s", path))
				continue
			}
			folderIDs = append(folderIDs, ids...)
		} else {
			folderIDs = append(folderIDs, folder.ID)
		}
		c.logger.Debug("subscribed", "folder_id", folder.ID, "recursive", recursive, "message_type", messageType)
	}
	if len(folderIDs) == 0 {
		return
	}

	// Each subscribe frame registers its own subscription so its type
	// filter narrows only the folders it named.
	sub := s.registry.Subscribe(c, fanout.Options{
		FolderIDs:          folderIDs,
		MessageType:        messageType,
		SenderControllerID: c.actor.ControllerID,
		SenderUserID:       c.actor.UserID,
	})
	c.subscriptions = append(c.subscriptions, sub)
}

// resolveSubscribeFolder resolves one entry of a subscribe frame's
// folder list. The sentinel "self" (or "[self]") names the connected
// controller's own folder.
func (s *Server) resolveSubscribeFolder(ctx context.Context, c *conn, path string) (*resource.Resource, error) {
	if path == "self" || path == "[self]" {
		if c.actor.ControllerID == 0 {
			return nil, fmt.Errorf("live: connection has no controller folder")
		}
		return s.resources.Get(ctx, c.actor.ControllerID)
	}
	return s.resolvePath(ctx, c, path)
}

func (s *Server) handleWatchdog(ctx context.Context, c *conn) {
	if c.actor.ControllerID == 0 {
		c.sendError("watchdog frames come from controllers")
		return
	}
	if err := s.resources.RecordWatchdog(ctx, c.actor.ControllerID); err != nil {
		s.logger.Error("watchdog record failed", "controller_id", c.actor.ControllerID, "error", err)
	}
}

func (s *Server) handleUpdateSequence(ctx context.Context, c *conn, frame Frame) {
	path := stringParam(frame.Parameters, "sequence")
	value := stringParam(frame.Parameters, "value")
	if path == "" {
		c.sendError("update_sequence needs a sequence")
		return
	}
	seq, err := s.resolvePath(ctx, c, path)
	if err != nil {
		c.sendError(fmt.Sprintf("sequence not found: %s", path))
		return
	}
	level, err := s.levelFor(ctx, c, seq.ID)
	if err != nil || level < access.LevelWrite {
		c.sendError(fmt.Sprintf("sequence not found: %s", path))
		return
	}

	var timestamp time.Time
	if raw := stringParam(frame.Parameters, "timestamp"); raw != "" {
		timestamp, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.sendError("malformed timestamp")
			return
		}
	}
	_, err = s.recorder.Record(ctx, sequence.RecordParams{
		SequenceID:         seq.ID,
		Value:              []byte(value),
		Timestamp:          timestamp,
		SenderControllerID: c.actor.ControllerID,
		SenderUserID:       c.actor.UserID,
	})
	if err != nil {
		s.logger.Error("sequence update failed", "sequence_id", seq.ID, "error", err)
		c.sendError("sequence update failed")
	}
}

func (s *Server) handleWriteResource(ctx context.Context, c *conn, frame Frame) {
	path := stringParam(frame.Parameters, "path")
	data := stringParam(frame.Parameters, "data")
	if path == "" {
		c.sendError("write_resource needs a path")
		return
	}
	target, err := s.resolvePath(ctx, c, path)
	if err != nil {
		c.sendError(fmt.Sprintf("resource not found: %s", path))
		return
	}
	level, err := s.levelFor(ctx, c, target.ID)
	if err != nil || level < access.LevelWrite {
		c.sendError(fmt.Sprintf("resource not found: %s", path))
		return
	}
	if _, err := s.revisions.Append(ctx, revision.AppendParams{
		ResourceID: target.ID,
		OrgID:      target.OrganizationID,
		Data:       []byte(data),
	}); err != nil {
		s.logger.Error("resource write failed", "resource_id", target.ID, "error", err)
		c.sendError("write failed")
	}
}

func (s *Server) handleSendEmail(ctx context.Context, c *conn, frame Frame) {
	if s.notifier == nil {
		c.sendError("email is not configured")
		return
	}
	recipients, _ := notify.SplitRecipients(stringParam(frame.Parameters, "recipients"))
	if len(recipients) == 0 {
		c.sendError("send_email needs recipients")
		return
	}
	err := s.notifier.SendEmail(ctx,
		notify.Sender{ControllerID: c.actor.ControllerID, UserID: c.actor.UserID},
		recipients,
		stringParam(frame.Parameters, "subject"),
		stringParam(frame.Parameters, "body"))
	if err != nil {
		if errors.Is(err, notify.ErrThrottled) {
			c.sendError("rate limit exceeded")
		} else {
			s.logger.Error("email send failed", "error", err)
			c.sendError("email send failed")
		}
	}
}

func (s *Server) handleSendText(ctx context.Context, c *conn, frame Frame) {
	if s.notifier == nil {
		c.sendError("text messaging is not configured")
		return
	}
	_, phones := notify.SplitRecipients(stringParam(frame.Parameters, "recipients"))
	if len(phones) == 0 {
		c.sendError("send_text_message needs recipients")
		return
	}
	err := s.notifier.SendText(ctx,
		notify.Sender{ControllerID: c.actor.ControllerID, UserID: c.actor.UserID},
		phones,
		stringParam(frame.Parameters, "message"))
	if err != nil {
		if errors.Is(err, notify.ErrThrottled) {
			c.sendError("rate limit exceeded")
		} else {
			s.logger.Error("text send failed", "error", err)
			c.sendError("text send failed")
		}
	}
}

// handleCommand enqueues an application-defined frame for fan-out to
// the target folder's subscribers.
func (s *Server) handleCommand(ctx context.Context, c *conn, frame Frame) {
	path := stringParam(frame.Parameters, "folder")
	var folderID int64
	if path != "" {
		folder, err := s.resolvePath(ctx, c, path)
		if err != nil {
			c.sendError(fmt.Sprintf("folder not found: %s", path))
			return
		}
		folderID = folder.ID
	} else if c.homeFolderID != 0 {
		folderID = c.homeFolderID
	} else {
		c.sendError("frame needs a folder")
		return
	}

	level, err := s.levelFor(ctx, c, folderID)
	if err != nil || level < access.LevelWrite {
		c.sendError(fmt.Sprintf("folder not found: %s", path))
		return
	}

	params := make(map[string]any, len(frame.Parameters))
	for key, value := range frame.Parameters {
		if key != "folder" {
			params[key] = value
		}
	}
	if _, err := s.queue.Enqueue(ctx, msgqueue.EnqueueParams{
		FolderID:           folderID,
		Type:               frame.Type,
		Params:             params,
		SenderControllerID: c.actor.ControllerID,
		SenderUserID:       c.actor.UserID,
	}); err != nil {
		s.logger.Error("command enqueue failed", "type", frame.Type, "error", err)
		c.sendError("command failed")
	}
}
