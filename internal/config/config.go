// Package config loads kernel configuration from the environment, in the
// same style as the teacher's cmd/registry/main.go: plain env-var lookups
// with typed defaults, no config file or flag parsing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// StoreKind selects the persistence adapter (spec.md §6.3 KERNEL_STORE).
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreSQL    StoreKind = "sql"
	StoreFile   StoreKind = "file"
)

// Config holds every KERNEL_*/EVENT_*/BUS_* setting spec.md §6.3 names.
type Config struct {
	RPCAddr string
	Store   StoreKind

	DatabaseURL string
	PersistPath string

	NodeID               string
	HeartbeatMs          int
	ElectionTimeoutMs    int
	RedisURL             string
	RedisPassword        string

	EventEnvelopeSecret   string
	EventSignatureVersion string

	BusURL     string
	BusSubject string

	SubscriberQueueBound int
	FireGraceMs          int64
	MaxCompensationMs    int64
	SettleTimeoutMs       int64
}

// HeartbeatInterval returns HeartbeatMs as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

// ElectionTimeout returns ElectionTimeoutMs as a time.Duration.
func (c Config) ElectionTimeout() time.Duration {
	return time.Duration(c.ElectionTimeoutMs) * time.Millisecond
}

// SettleTimeout returns SettleTimeoutMs as a time.Duration.
func (c Config) SettleTimeout() time.Duration {
	return time.Duration(c.SettleTimeoutMs) * time.Millisecond
}

// BusEnabled reports whether a message bus sink was configured. Absence of
// BUS_URL disables the bus sink, per spec.md §6.3.
func (c Config) BusEnabled() bool { return c.BusURL != "" }

// Load reads configuration from the process environment, applying the
// defaults spec.md §6.3 documents.
func Load() (Config, error) {
	cfg := Config{
		RPCAddr:               envOr("KERNEL_RPC_ADDR", ":7650"),
		Store:                 StoreKind(envOr("KERNEL_STORE", string(StoreMemory))),
		DatabaseURL:           os.Getenv("KERNEL_DATABASE_URL"),
		PersistPath:           envOr("KERNEL_PERSIST_PATH", "./kernel-data"),
		NodeID:                envOr("KERNEL_NODE_ID", defaultNodeID()),
		HeartbeatMs:           envIntOr("KERNEL_HEARTBEAT_MS", 250),
		ElectionTimeoutMs:     envIntOr("KERNEL_ELECTION_TIMEOUT_MS", 1500),
		RedisURL:              envOr("REDIS_URL", "localhost:6379"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		EventEnvelopeSecret:   os.Getenv("EVENT_ENVELOPE_SECRET"),
		EventSignatureVersion: envOr("EVENT_SIGNATURE_VERSION", "hmac-sha256-v1"),
		BusURL:                os.Getenv("BUS_URL"),
		BusSubject:            envOr("BUS_SUBJECT", "minoots.timer"),
		SubscriberQueueBound:  envIntOr("KERNEL_SUBSCRIBER_QUEUE_BOUND", 128),
		FireGraceMs:           envInt64Or("KERNEL_FIRE_GRACE_MS", 2000),
		MaxCompensationMs:     envInt64Or("KERNEL_MAX_COMPENSATION_MS", 500),
		SettleTimeoutMs:       envInt64Or("KERNEL_SETTLE_TIMEOUT_MS", 30000),
	}

	switch cfg.Store {
	case StoreMemory, StoreSQL, StoreFile:
	default:
		return Config{}, fmt.Errorf("config: invalid KERNEL_STORE %q (want memory, sql, or file)", cfg.Store)
	}
	if cfg.Store == StoreSQL && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: KERNEL_DATABASE_URL is required when KERNEL_STORE=sql")
	}
	if cfg.EventEnvelopeSecret == "" {
		return Config{}, fmt.Errorf("config: EVENT_ENVELOPE_SECRET is required")
	}
	return cfg, nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "kernel-node"
	}
	return host
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envInt64Or(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}
