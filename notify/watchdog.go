// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rhizolab/rhizo-server/lib/clock"
	"github.com/rhizolab/rhizo-server/resource"
)

// watchdogInterval is how often the offline sweep runs.
const watchdogInterval = time.Minute

// WatchdogConfig holds the dependencies for a Watchdog.
type WatchdogConfig struct {
	// Resources is the tree store. Required.
	Resources *resource.Store

	// Notifier sends the offline alerts. Required.
	Notifier *Notifier

	// Enabled gates actual sending. Development deployments sweep and
	// log but do not alert anyone.
	Enabled bool

	// Clock drives the sweep loop. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Watchdog alerts the configured recipients when a controller goes
// silent past its watchdog window.
type Watchdog struct {
	resources *resource.Store
	notifier  *Notifier
	enabled   bool
	clock     clock.Clock
	logger    *slog.Logger
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(cfg WatchdogConfig) (*Watchdog, error) {
	if cfg.Resources == nil || cfg.Notifier == nil {
		return nil, fmt.Errorf("notify: Resources and Notifier are required")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watchdog{
		resources: cfg.Resources,
		notifier:  cfg.Notifier,
		enabled:   cfg.Enabled,
		clock:     c,
		logger:    logger,
	}, nil
}

// SweepOnce checks every controller's watchdog and sends offline
// alerts. Returns the number of controllers alerted on.
func (w *Watchdog) SweepOnce(ctx context.Context) (int, error) {
	alerts, err := w.resources.WatchdogExpired(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, alert := range alerts {
		controller := alert.Controller
		path, err := w.resources.Path(ctx, controller.ID)
		if err != nil {
			path = controller.Name
		}
		w.logger.Warn("controller watchdog expired", "controller_id", controller.ID, "path", path)

		if w.enabled {
			subject := fmt.Sprintf("controller offline: %s", path)
			body := fmt.Sprintf("The controller at %s has stopped checking in.", path)
			emails, phones := SplitRecipients(alert.Recipients)
			if len(emails) > 0 {
				if err := w.notifier.SendEmail(ctx, Sender{}, emails, subject, body); err != nil {
					w.logger.Error("watchdog email failed", "controller_id", controller.ID, "error", err)
					continue
				}
			}
			if len(phones) > 0 {
				if err := w.notifier.SendText(ctx, Sender{}, phones, body); err != nil {
					w.logger.Error("watchdog text failed", "controller_id", controller.ID, "error", err)
					continue
				}
			}
		}

		if err := w.resources.MarkWatchdogNotified(ctx, controller.ID); err != nil {
			w.logger.Error("marking watchdog notified failed", "controller_id", controller.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// Run sweeps periodically until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("watchdog sweep failed", "error", err)
			}
		}
	}
}
