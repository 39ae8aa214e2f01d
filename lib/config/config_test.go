// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"
)

const baseConfig = `
environment: development
http:
  listen: ":8080"
database:
  path: /var/rhizo/rhizo.db
storage:
  root: /var/rhizo/storage
production:
  http:
    listen: ":80"
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(baseConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTP.Listen != ":8080" {
		t.Errorf("listen = %q, want :8080", cfg.HTTP.Listen)
	}
	if cfg.Storage.Compression != "zstd" {
		t.Errorf("compression = %q, want zstd", cfg.Storage.Compression)
	}
	if cfg.Storage.InlineThreshold != 1000 {
		t.Errorf("inline threshold = %d, want 1000", cfg.Storage.InlineThreshold)
	}
	if cfg.Messaging.PollInterval != 500*time.Millisecond {
		t.Errorf("poll interval = %v, want 500ms", cfg.Messaging.PollInterval)
	}
	if cfg.Messaging.Retention != time.Hour {
		t.Errorf("retention = %v, want 1h", cfg.Messaging.Retention)
	}
	if !*cfg.MQTT.UseTLS {
		t.Error("MQTT TLS should default to enabled")
	}
}

func TestEnvironmentOverride(t *testing.T) {
	cfg, err := Parse([]byte("environment: production\ndatabase:\n  path: /db\nstorage:\n  root: /s\nproduction:\n  http:\n    listen: \":80\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTP.Listen != ":80" {
		t.Errorf("listen = %q, want production override :80", cfg.HTTP.Listen)
	}
}

func TestMissingRequired(t *testing.T) {
	if _, err := Parse([]byte("environment: development\n")); err == nil {
		t.Fatal("expected error for missing database path")
	}
}

func TestBadCompression(t *testing.T) {
	if _, err := Parse([]byte("database:\n  path: /db\nstorage:\n  root: /s\n  compression: gzip\n")); err == nil {
		t.Fatal("expected error for unknown compression codec")
	}
}
