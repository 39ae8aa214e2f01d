// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rhizolab/rhizo-server/lib/config"
	"github.com/rhizolab/rhizo-server/msgqueue"
	"github.com/rhizolab/rhizo-server/resource"
)

// publishTimeout bounds how long a broker publish may block the
// mirror; the database row is the durable copy either way.
const publishTimeout = 5 * time.Second

// MQTTPublisher mirrors queued messages onto an MQTT broker. The topic
// is the destination folder's path without the leading slash, so a
// message to /acme/greenhouse publishes on acme/greenhouse.
type MQTTPublisher struct {
	client    mqtt.Client
	resources *resource.Store
	logger    *slog.Logger
}

// mqttEnvelope is the JSON wire shape of a mirrored message.
type mqttEnvelope struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
	Timestamp  string         `json:"timestamp"`
}

// NewMQTTPublisher connects to the broker and returns a publisher.
func NewMQTTPublisher(cfg config.MQTTConfig, resources *resource.Store, logger *slog.Logger) (*MQTTPublisher, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("notify: mqtt host is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	scheme := "tcp"
	options := mqtt.NewClientOptions()
	if cfg.UseTLS == nil || *cfg.UseTLS {
		scheme = "tls"
		options.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	options.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	options.SetClientID("rhizo-server")
	options.SetAutoReconnect(true)
	options.SetConnectRetry(true)
	options.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt broker connected", "host", cfg.Host)
	})
	options.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt broker connection lost", "error", err)
	})

	client := mqtt.NewClient(options)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		// Keep the client: auto-reconnect will bring the broker up in
		// the background.
		logger.Warn("mqtt broker connect pending", "host", cfg.Host)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("notify: connecting to mqtt broker %s: %w", cfg.Host, err)
	}

	return &MQTTPublisher{client: client, resources: resources, logger: logger}, nil
}

// PublishMessage implements msgqueue.Publisher.
func (p *MQTTPublisher) PublishMessage(ctx context.Context, msg *msgqueue.Message) error {
	path, err := p.resources.Path(ctx, msg.FolderID)
	if err != nil {
		return fmt.Errorf("notify: resolving topic for folder %d: %w", msg.FolderID, err)
	}
	topic := path[1:]

	payload, err := json.Marshal(mqttEnvelope{
		Type:       msg.Type,
		Parameters: msg.Params,
		Timestamp:  msg.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("notify: encoding mqtt payload: %w", err)
	}

	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("notify: mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("notify: mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
