// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// EnvVar is the environment variable naming the config file.
const EnvVar = "RHIZO_CONFIG"

// Config is the master configuration for rhizo-server.
type Config struct {
	// Environment identifies the deployment type. Watchdog
	// notifications are only sent in production.
	Environment Environment `yaml:"environment"`

	// HTTP configures the REST and WebSocket listener.
	HTTP HTTPConfig `yaml:"http"`

	// Database configures the primary SQLite database.
	Database DatabaseConfig `yaml:"database"`

	// Storage configures the bulk blob store for large revisions.
	Storage StorageConfig `yaml:"storage"`

	// Messaging configures the message queue and fan-out loop.
	Messaging MessagingConfig `yaml:"messaging"`

	// MQTT configures the optional outbound MQTT publisher. Disabled
	// when Host is empty.
	MQTT MQTTConfig `yaml:"mqtt"`

	// Email configures the outbound SMTP sender. Disabled when
	// Server is empty.
	Email EmailConfig `yaml:"email"`

	// SMS configures the outbound text-message sender. Disabled when
	// AccountSID is empty.
	SMS SMSConfig `yaml:"sms"`

	// Per-environment overrides, applied after the base config.
	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that can be overridden per environment.
type Overrides struct {
	HTTP      *HTTPConfig      `yaml:"http,omitempty"`
	Database  *DatabaseConfig  `yaml:"database,omitempty"`
	Storage   *StorageConfig   `yaml:"storage,omitempty"`
	Messaging *MessagingConfig `yaml:"messaging,omitempty"`
	MQTT      *MQTTConfig      `yaml:"mqtt,omitempty"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	// Listen is the address passed to net.Listen, e.g. ":5000".
	Listen string `yaml:"listen"`
}

// DatabaseConfig configures the primary SQLite database.
type DatabaseConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero means the
	// sqlitepool default.
	PoolSize int `yaml:"pool_size"`
}

// StorageConfig configures the bulk blob store.
type StorageConfig struct {
	// Root is the base directory for blob objects.
	Root string `yaml:"root"`

	// Compression selects the blob compression codec: "none", "lz4",
	// or "zstd". Default "zstd".
	Compression string `yaml:"compression"`

	// InlineThreshold is the revision payload size in bytes below
	// which data is stored inline in the database rather than in the
	// blob store. Default 1000.
	InlineThreshold int `yaml:"inline_threshold"`
}

// MessagingConfig configures queue polling and retention.
type MessagingConfig struct {
	// PollInterval is how often the fan-out loop polls the queue for
	// new messages. Default 500ms.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Retention is how long queued messages are kept before the
	// cleaner deletes them. Default 1h.
	Retention time.Duration `yaml:"retention"`
}

// MQTTConfig configures the outbound MQTT publisher.
type MQTTConfig struct {
	// Host is the broker hostname. Empty disables MQTT publishing.
	Host string `yaml:"host"`

	// Port is the broker port. Default 8883.
	Port int `yaml:"port"`

	// UseTLS enables TLS on the broker connection. Default true.
	UseTLS *bool `yaml:"use_tls,omitempty"`
}

// EmailConfig configures the outbound SMTP sender.
type EmailConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	UserName string `yaml:"user_name"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// SMSConfig configures the outbound text-message sender.
type SMSConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

// Load reads and parses the config file at path, applies defaults and
// the matching environment override section, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// LoadFromEnv loads the config file named by the RHIZO_CONFIG
// environment variable.
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("config: %s is not set", EnvVar)
	}
	return Load(path)
}

// Parse parses raw YAML config bytes, applies defaults and the
// matching environment override section, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}

	switch cfg.Environment {
	case Development, Production:
	case "":
		cfg.Environment = Development
	default:
		return nil, fmt.Errorf("config: unknown environment %q", cfg.Environment)
	}

	var overrides *Overrides
	if cfg.Environment == Development {
		overrides = cfg.Development
	} else {
		overrides = cfg.Production
	}
	if overrides != nil {
		applyOverrides(&cfg, overrides)
	}

	applyDefaults(&cfg)

	if cfg.Database.Path == "" {
		return nil, fmt.Errorf("config: database.path is required")
	}
	if cfg.Storage.Root == "" {
		return nil, fmt.Errorf("config: storage.root is required")
	}
	switch cfg.Storage.Compression {
	case "none", "lz4", "zstd":
	default:
		return nil, fmt.Errorf("config: unknown storage.compression %q", cfg.Storage.Compression)
	}
	return &cfg, nil
}

func applyOverrides(cfg *Config, o *Overrides) {
	if o.HTTP != nil {
		cfg.HTTP = *o.HTTP
	}
	if o.Database != nil {
		cfg.Database = *o.Database
	}
	if o.Storage != nil {
		cfg.Storage = *o.Storage
	}
	if o.Messaging != nil {
		cfg.Messaging = *o.Messaging
	}
	if o.MQTT != nil {
		cfg.MQTT = *o.MQTT
	}
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":5000"
	}
	if cfg.Storage.Compression == "" {
		cfg.Storage.Compression = "zstd"
	}
	if cfg.Storage.InlineThreshold == 0 {
		cfg.Storage.InlineThreshold = 1000
	}
	if cfg.Messaging.PollInterval == 0 {
		cfg.Messaging.PollInterval = 500 * time.Millisecond
	}
	if cfg.Messaging.Retention == 0 {
		cfg.Messaging.Retention = time.Hour
	}
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 8883
	}
	if cfg.MQTT.UseTLS == nil {
		enabled := true
		cfg.MQTT.UseTLS = &enabled
	}
}
