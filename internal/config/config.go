// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

// Package config loads service configuration using Koanf v2 with layered
// sources (highest priority wins):
//
//  1. Environment variables (SERVER_PORT, QUEUE_URL, LOG_LEVEL, ...)
//  2. Optional YAML config file (config.yaml, or CONFIG_PATH)
//  3. Built-in defaults
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the notification service.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Queue    QueueConfig    `koanf:"queue"`
	Presence PresenceConfig `koanf:"presence"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the listen address.
	// Env: SERVER_HOST (default: 0.0.0.0)
	Host string `koanf:"host"`

	// Port is the listen port.
	// Env: SERVER_PORT (default: 8080)
	Port int `koanf:"port"`

	// Timeout bounds request read/write.
	// Env: SERVER_TIMEOUT (default: 30s)
	Timeout time.Duration `koanf:"timeout"`

	// ShutdownTimeout is how long graceful shutdown waits for in-flight
	// requests. Env: SERVER_SHUTDOWN_TIMEOUT (default: 10s)
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// CORSOrigins lists allowed origins. The original service ran with
	// open CORS; "*" preserves that but can be narrowed in production.
	// Env: SERVER_CORS_ORIGINS (comma-separated)
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs / RateLimitWindow configure per-IP rate limiting
	// on the API. Env: SERVER_RATE_LIMIT_REQS, SERVER_RATE_LIMIT_WINDOW
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// DatabaseConfig holds notification store settings.
type DatabaseConfig struct {
	// Path is the sqlite database file. ":memory:" is accepted for tests.
	// Env: DATABASE_PATH (default: /data/notifications.db)
	Path string `koanf:"path"`

	// BusyTimeout is the sqlite busy handler timeout.
	// Env: DATABASE_BUSY_TIMEOUT (default: 5s)
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// QueueConfig holds the durable delivery queue settings (NATS JetStream
// via Watermill).
type QueueConfig struct {
	// URL is the NATS server connection URL.
	// Env: QUEUE_URL (default: nats://127.0.0.1:4222)
	URL string `koanf:"url"`

	// EmbeddedServer runs an in-process nats-server, for single-binary
	// deployments without external infrastructure.
	// Env: QUEUE_EMBEDDED (default: true)
	EmbeddedServer bool `koanf:"embedded"`

	// StoreDir is the JetStream storage directory for the embedded server.
	// Env: QUEUE_STORE_DIR (default: /data/nats/jetstream)
	StoreDir string `koanf:"store_dir"`

	// MaxMemory / MaxStore bound embedded JetStream resources in bytes.
	MaxMemory int64 `koanf:"max_memory"`
	MaxStore  int64 `koanf:"max_store"`

	// StreamName is the JetStream stream holding job and dead subjects.
	// Env: QUEUE_STREAM_NAME (default: NOTIFICATIONS)
	StreamName string `koanf:"stream_name"`

	// StreamMaxAge is how long undelivered jobs are retained.
	// Env: QUEUE_STREAM_MAX_AGE (default: 168h)
	StreamMaxAge time.Duration `koanf:"stream_max_age"`

	// DuplicateWindow is the JetStream msg-ID deduplication window.
	DuplicateWindow time.Duration `koanf:"duplicate_window"`

	// DurableName / QueueGroup identify the worker consumer. The queue
	// group is what guarantees each job is claimed by exactly one
	// worker instance at a time.
	DurableName string `koanf:"durable_name"`
	QueueGroup  string `koanf:"queue_group"`

	// SubscribersCount is the number of concurrent worker goroutines
	// per subject. Env: QUEUE_SUBSCRIBERS (default: 4)
	SubscribersCount int `koanf:"subscribers"`

	// AckWait is how long JetStream waits for an ack before redelivery.
	AckWait time.Duration `koanf:"ack_wait"`

	// MaxAckPending bounds unacknowledged in-flight jobs.
	MaxAckPending int `koanf:"max_ack_pending"`

	// DefaultMaxAttempts is the delivery attempt ceiling for jobs that
	// do not carry their own. Env: QUEUE_DEFAULT_MAX_ATTEMPTS (default: 3)
	DefaultMaxAttempts int `koanf:"default_max_attempts"`

	// Retry backoff between delivery attempts.
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval"`
	RetryMultiplier      float64       `koanf:"retry_multiplier"`

	// DeadLetterMaxEntries bounds the in-memory dead-letter store.
	// Env: QUEUE_DEAD_LETTER_MAX_ENTRIES (default: 10000)
	DeadLetterMaxEntries int `koanf:"dead_letter_max_entries"`

	// CloseTimeout is how long the worker router waits for in-flight
	// handlers on shutdown.
	CloseTimeout time.Duration `koanf:"close_timeout"`
}

// PresenceConfig holds real-time connection settings.
type PresenceConfig struct {
	// SendBuffer is the per-connection outbound buffer. A connection
	// whose buffer is full is treated as stale and unregistered.
	// Env: PRESENCE_SEND_BUFFER (default: 64)
	SendBuffer int `koanf:"send_buffer"`

	// WriteTimeout bounds a single websocket write.
	// Env: PRESENCE_WRITE_TIMEOUT (default: 10s)
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// PongTimeout is the keepalive deadline; pings are sent at 9/10 of it.
	// Env: PRESENCE_PONG_TIMEOUT (default: 60s)
	PongTimeout time.Duration `koanf:"pong_timeout"`

	// MaxMessageSize bounds inbound client messages in bytes.
	MaxMessageSize int64 `koanf:"max_message_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level: trace, debug, info, warn, error. Env: LOG_LEVEL
	Level string `koanf:"level"`
	// Format: json or console. Env: LOG_FORMAT
	Format string `koanf:"format"`
	// Caller includes file:line in log entries. Env: LOG_CALLER
	Caller bool `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. These are
// layered under the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Path:        "/data/notifications.db",
			BusyTimeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			URL:                  "nats://127.0.0.1:4222",
			EmbeddedServer:       true,
			StoreDir:             "/data/nats/jetstream",
			MaxMemory:            1 << 30,  // 1GB
			MaxStore:             10 << 30, // 10GB
			StreamName:           "NOTIFICATIONS",
			StreamMaxAge:         7 * 24 * time.Hour,
			DuplicateWindow:      2 * time.Minute,
			DurableName:          "notification-worker",
			QueueGroup:           "workers",
			SubscribersCount:     4,
			AckWait:              30 * time.Second,
			MaxAckPending:        1000,
			DefaultMaxAttempts:   3,
			RetryInitialInterval: 100 * time.Millisecond,
			RetryMaxInterval:     time.Minute,
			RetryMultiplier:      2.0,
			DeadLetterMaxEntries: 10000,
			CloseTimeout:         30 * time.Second,
		},
		Presence: PresenceConfig{
			SendBuffer:     64,
			WriteTimeout:   10 * time.Second,
			PongTimeout:    60 * time.Second,
			MaxMessageSize: 512 * 1024, // 512 KB
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks configuration invariants that would otherwise surface
// as confusing runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if !c.Queue.EmbeddedServer && c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required when the embedded server is disabled")
	}
	if c.Queue.StreamName == "" {
		return fmt.Errorf("queue.stream_name must not be empty")
	}
	if c.Queue.DefaultMaxAttempts < 1 {
		return fmt.Errorf("queue.default_max_attempts must be at least 1, got %d", c.Queue.DefaultMaxAttempts)
	}
	if c.Queue.SubscribersCount < 1 {
		return fmt.Errorf("queue.subscribers must be at least 1, got %d", c.Queue.SubscribersCount)
	}
	if c.Presence.SendBuffer < 1 {
		return fmt.Errorf("presence.send_buffer must be at least 1, got %d", c.Presence.SendBuffer)
	}
	return nil
}
