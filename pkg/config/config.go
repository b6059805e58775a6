// Package config loads the gateway's runtime configuration: identity,
// listener address, lease/queue/retention timing, ring buffer limits, and
// optional Redis/gRPC peer settings. Values are sourced from the process
// environment, with an optional .env file loaded first (godotenv), mirroring
// the teacher's own env-first, file-fallback convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the umbrella configuration object returned by Load and passed
// by handle to every subsystem at startup.
type Config struct {
	GatewayID  string
	ListenAddr string
	GRPCAddr   string
	DatabaseURL string
	RedisURL    string // empty disables the lease notifier

	Lease      *LeaseConfig
	Retention  *RetentionConfig
	Session    *SessionConfig
	RingBuffer *RingBufferConfig
	Gateway    *GatewayConfig
}

// Load reads configuration from the environment, optionally loading envPath
// first (missing file is not an error — matches the teacher's main.go,
// which continues on existing environment variables).
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			// Absence of the .env file is expected in many deployments.
			// Any error loading it is discarded: Load neither fails nor
			// reports it, and continues with the process environment.
			_ = err
		}
	}

	cfg := &Config{
		GatewayID:   getEnv("GATEWAY_ID", generateGatewayID()),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		GRPCAddr:    getEnv("GRPC_ADDR", ":9090"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		Lease:       DefaultLeaseConfig(),
		Retention:   DefaultRetentionConfig(),
		Session:     DefaultSessionConfig(),
		RingBuffer:  DefaultRingBufferConfig(),
		Gateway:     DefaultGatewayConfig(),
	}

	if v := os.Getenv("LEASE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LEASE_TIMEOUT: %w", err)
		}
		cfg.Lease.LeaseTimeout = d
		cfg.Lease.RenewInterval = d / 3
	}
	if err := applyRetentionEnv(cfg.Retention); err != nil {
		return nil, err
	}
	if v := os.Getenv("RING_BUFFER_MAX_EVENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RING_BUFFER_MAX_EVENTS: %w", err)
		}
		cfg.RingBuffer.MaxEvents = n
	}
	if v := os.Getenv("RING_BUFFER_MAX_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RING_BUFFER_MAX_BYTES: %w", err)
		}
		cfg.RingBuffer.MaxBytes = n
	}
	if v := os.Getenv("SUBSCRIBER_QUEUE_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SUBSCRIBER_QUEUE_DEPTH: %w", err)
		}
		cfg.RingBuffer.SubscriberQueueDepth = n
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.Gateway.HeartbeatInterval = d
	}
	if v := os.Getenv("INPUT_DEDUP_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid INPUT_DEDUP_WINDOW: %w", err)
		}
		cfg.Session.InputDedupWindow = d
	}
	if v := os.Getenv("PERSISTENCE_MAX_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PERSISTENCE_MAX_BATCH_SIZE: %w", err)
		}
		cfg.Gateway.PersistBatchSize = n
	}
	if v := os.Getenv("PERSISTENCE_MAX_FLUSH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PERSISTENCE_MAX_FLUSH_INTERVAL: %w", err)
		}
		cfg.Gateway.PersistFlushInterval = d
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// applyRetentionEnv overrides a RetentionConfig's fields from the process
// environment in place. Factored out of Load so the hot-reload Holder (see
// reload.go) can re-derive just the retention subset from a changed .env
// file without touching the ring-buffer/session settings a live actor
// already depends on.
func applyRetentionEnv(r *RetentionConfig) error {
	if v := os.Getenv("CLEANUP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CLEANUP_INTERVAL: %w", err)
		}
		r.CleanupInterval = d
	}
	if v := os.Getenv("STALE_LEASE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid STALE_LEASE_TIMEOUT: %w", err)
		}
		r.StaleLeaseTimeout = d
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
		}
		r.IdleTimeout = d
	}
	if v := os.Getenv("MAX_SESSION_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_SESSION_AGE: %w", err)
		}
		r.MaxSessionAge = d
	}
	if v := os.Getenv("EVENT_RETENTION_TAIL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid EVENT_RETENTION_TAIL: %w", err)
		}
		r.EventRetentionTail = d
	}
	return nil
}
