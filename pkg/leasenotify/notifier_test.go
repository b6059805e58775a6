package leasenotify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *Notifier) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	n, err := New(mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return mr, n
}

func TestNotifier_PublishSubscribe(t *testing.T) {
	_, n := setupMiniRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Change, 1)
	go func() {
		_ = n.Subscribe(ctx, func(c Change) { received <- c })
	}()

	// give the subscriber goroutine a moment to register before publishing.
	require.Eventually(t, func() bool {
		return n.client.Publish(context.Background(), n.channel, "").Err() == nil
	}, time.Second, time.Millisecond)

	require.NoError(t, n.Publish(context.Background(), "sess-1", "gw-2", true))

	select {
	case change := <-received:
		assert.Equal(t, "sess-1", change.SessionID)
		assert.Equal(t, "gw-2", change.GatewayID)
		assert.True(t, change.Claimed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published change")
	}
}

func TestNotifier_New_FailsOnUnreachableAddr(t *testing.T) {
	_, err := New("127.0.0.1:1", nil)
	assert.Error(t, err)
}
