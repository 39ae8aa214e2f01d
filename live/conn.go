// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rhizolab/rhizo-server/access"
	"github.com/rhizolab/rhizo-server/fanout"
	"github.com/rhizolab/rhizo-server/msgqueue"
)

// Frame is one JSON message on the wire, in either direction.
type Frame struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
}

const (
	// outgoingBuffer is the per-connection send queue. A connection
	// that stays this far behind is considered dead and pruned.
	outgoingBuffer = 64

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second
)

// conn is one live connection.
type conn struct {
	ws     *websocket.Conn
	server *Server
	actor  access.Actor

	// homeFolderID is the folder relative paths resolve against: the
	// controller's own folder for controller connections, zero
	// otherwise.
	homeFolderID int64

	outgoing chan []byte
	logger   *slog.Logger

	// subscriptions are the fan-out registrations this connection has
	// made, one per subscribe frame. Appended from the read loop only;
	// closed after it exits.
	subscriptions []*fanout.Subscription

	cancel context.CancelFunc
}

// closeSubscriptions removes the connection from the fan-out registry.
func (c *conn) closeSubscriptions() {
	for _, sub := range c.subscriptions {
		sub.Close()
	}
}

// Deliver implements fanout.Subscriber. It must not block the fan-out
// loop: a full send queue fails the delivery, which prunes the
// subscription.
func (c *conn) Deliver(msg *msgqueue.Message) error {
	frame, err := json.Marshal(Frame{
		Type:       msg.Type,
		Parameters: msg.Params,
		Timestamp:  msg.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("live: encoding frame: %w", err)
	}
	select {
	case c.outgoing <- frame:
		return nil
	default:
		return fmt.Errorf("live: send queue full")
	}
}

// send queues a server-originated frame, dropping it if the connection
// is backed up.
func (c *conn) send(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("frame encoding failed", "type", frame.Type, "error", err)
		return
	}
	select {
	case c.outgoing <- data:
	default:
		c.logger.Warn("dropping frame, send queue full", "type", frame.Type)
	}
}

// sendError reports a request failure to the client.
func (c *conn) sendError(message string) {
	c.send(Frame{Type: "error", Parameters: map[string]any{"message": message}})
}

// writePump drains the outgoing queue onto the socket.
func (c *conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.outgoing:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed, closing connection", "error", err)
				c.cancel()
				return
			}
		}
	}
}

// readPump reads frames and dispatches them until the socket closes.
func (c *conn) readPump(ctx context.Context) {
	defer c.cancel()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("malformed frame")
			continue
		}
		if frame.Type == "" {
			c.sendError("frame has no type")
			continue
		}
		c.server.dispatch(ctx, c, frame)
	}
}
