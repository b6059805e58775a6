package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"GATEWAY_ID", "LISTEN_ADDR", "LEASE_TIMEOUT", "CLEANUP_INTERVAL",
		"IDLE_TIMEOUT", "MAX_SESSION_AGE", "RING_BUFFER_MAX_EVENTS",
		"RING_BUFFER_MAX_BYTES", "SUBSCRIBER_QUEUE_DEPTH", "HEARTBEAT_INTERVAL",
		"INPUT_DEDUP_WINDOW",
	} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}

	cfg, err := Load("")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.GatewayID)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Lease.LeaseTimeout)
	assert.Equal(t, 10*time.Second, cfg.Lease.RenewInterval)
	assert.Equal(t, 500, cfg.RingBuffer.MaxEvents)
	assert.Equal(t, 5*time.Minute, cfg.Session.InputDedupWindow)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("GATEWAY_ID", "gw-1")
	t.Setenv("LEASE_TIMEOUT", "45s")
	t.Setenv("RING_BUFFER_MAX_EVENTS", "1000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "gw-1", cfg.GatewayID)
	assert.Equal(t, 45*time.Second, cfg.Lease.LeaseTimeout)
	assert.Equal(t, 1000, cfg.RingBuffer.MaxEvents)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("LEASE_TIMEOUT", "not-a-duration")
	_, err := Load("")
	require.Error(t, err)
}
