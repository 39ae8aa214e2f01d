// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// rhizo-server is the IoT backend daemon: the REST and WebSocket
// listener plus every background loop (fan-out, queue cleaning,
// sequence truncation, controller watchdog) in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/pflag"

	"github.com/rhizolab/rhizo-server/api"
	"github.com/rhizolab/rhizo-server/blobstore"
	"github.com/rhizolab/rhizo-server/db"
	"github.com/rhizolab/rhizo-server/fanout"
	"github.com/rhizolab/rhizo-server/lib/config"
	"github.com/rhizolab/rhizo-server/live"
	"github.com/rhizolab/rhizo-server/msgqueue"
	"github.com/rhizolab/rhizo-server/notify"
	"github.com/rhizolab/rhizo-server/resource"
	"github.com/rhizolab/rhizo-server/revision"
	"github.com/rhizolab/rhizo-server/sequence"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rhizo-server:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		verbose    bool
	)
	pflag.StringVar(&configPath, "config", os.Getenv(config.EnvVar), "path to the YAML config file")
	pflag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	pflag.Parse()

	if configPath == "" {
		return fmt.Errorf("no config file: pass --config or set %s", config.EnvVar)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Open(db.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	compression, err := blobstore.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return err
	}
	blobs, err := blobstore.OpenFS(blobstore.FSConfig{
		Root:        cfg.Storage.Root,
		Compression: compression,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	resources, err := resource.New(resource.Config{Pool: pool, Logger: logger})
	if err != nil {
		return err
	}
	revisions, err := revision.New(revision.Config{
		Pool:            pool,
		Blobs:           blobs,
		InlineThreshold: cfg.Storage.InlineThreshold,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	var publisher msgqueue.Publisher
	if cfg.MQTT.Host != "" {
		mqtt, err := notify.NewMQTTPublisher(cfg.MQTT, resources, logger)
		if err != nil {
			return err
		}
		defer mqtt.Close()
		publisher = mqtt
	}
	queue, err := msgqueue.New(msgqueue.Config{
		Pool:      pool,
		Publisher: publisher,
		Retention: cfg.Messaging.Retention,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	recorder, err := sequence.New(sequence.Config{
		Resources: resources,
		Revisions: revisions,
		Queue:     queue,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	var email notify.EmailSender
	if cfg.Email.Server != "" {
		if email, err = notify.NewSMTPSender(cfg.Email); err != nil {
			return err
		}
	}
	var text notify.TextSender
	if cfg.SMS.AccountSID != "" {
		if text, err = notify.NewTwilioSender(cfg.SMS); err != nil {
			return err
		}
	}
	notifier, err := notify.New(notify.Config{Pool: pool, Email: email, Text: text, Logger: logger})
	if err != nil {
		return err
	}
	watchdog, err := notify.NewWatchdog(notify.WatchdogConfig{
		Resources: resources,
		Notifier:  notifier,
		Enabled:   cfg.Environment == config.Production,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	registry := fanout.NewRegistry()
	engine, err := fanout.NewEngine(fanout.Config{
		Queue:        queue,
		Registry:     registry,
		PollInterval: cfg.Messaging.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	restServer, err := api.NewServer(api.Config{
		Resources: resources,
		Revisions: revisions,
		Recorder:  recorder,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	liveServer, err := live.NewServer(live.Config{
		Resources: resources,
		Revisions: revisions,
		Recorder:  recorder,
		Queue:     queue,
		Registry:  registry,
		Notifier:  notifier,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Handle("/api/v1/websocket", liveServer)
	router.Mount("/", restServer.Router())

	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("fanout engine stopped", "error", err)
		}
	}()
	go queue.RunCleaner(ctx)
	go recorder.RunTruncator(ctx, sequence.DefaultTruncateInterval)
	go watchdog.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: router,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- httpServer.ListenAndServe()
	}()
	logger.Info("rhizo-server running",
		"listen", cfg.HTTP.Listen,
		"environment", string(cfg.Environment),
		"mqtt", cfg.MQTT.Host != "",
	)

	select {
	case err := <-serveDone:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	<-serveDone
	return nil
}
