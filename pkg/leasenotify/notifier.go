// Package leasenotify publishes and observes lease-ownership changes across
// gateway processes over Redis pub/sub, grounded on the ManuGH-xg2g pack
// module's internal/cache redis.go client-construction idiom. It is a
// best-effort fast path only — the Cleanup Scheduler's sweeps and the
// Session Manager's own lease renewal loop remain the source of truth; a
// missed notification just means a peer finds out about a steal on its next
// poll instead of immediately.
package leasenotify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultChannel = "sessionbroker:lease-changes"

// Change is one lease-ownership transition as carried by Publish and
// Subscribe (spec.md §4.3, §9 "gRPC peer control" / multi-gateway
// coordination). Nothing in this module calls Publish: the Session Manager
// does not announce its claims or releases here.
type Change struct {
	SessionID string    `json:"sessionId"`
	GatewayID string    `json:"gatewayId"`
	Claimed   bool      `json:"claimed"`
	At        time.Time `json:"at"`
}

// Notifier publishes Change events and lets callers subscribe to them.
type Notifier struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// New connects to addr and verifies reachability with a bounded ping,
// mirroring the teacher's NewRedisCache connect-then-Ping construction.
func New(addr string, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("leasenotify: redis connection failed: %w", err)
	}

	return &Notifier{client: client, channel: defaultChannel, logger: logger}, nil
}

// Publish announces a lease ownership transition for sessionID.
func (n *Notifier) Publish(ctx context.Context, sessionID, gatewayID string, claimed bool) error {
	data, err := json.Marshal(Change{SessionID: sessionID, GatewayID: gatewayID, Claimed: claimed, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("leasenotify: marshal change: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("leasenotify: publish: %w", err)
	}
	return nil
}

// Subscribe runs handler for every Change received until ctx is canceled.
// It logs and skips malformed payloads rather than failing the whole loop.
func (n *Notifier) Subscribe(ctx context.Context, handler func(Change)) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				n.logger.Warn("leasenotify: malformed change payload", "error", err)
				continue
			}
			handler(change)
		}
	}
}

// Close releases the underlying Redis client.
func (n *Notifier) Close() error {
	return n.client.Close()
}
