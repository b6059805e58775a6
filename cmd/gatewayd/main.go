// Command gatewayd runs one instance of the multi-gateway session broker
// (spec.md §2): the Gateway Frontend, Session Manager, Cleanup Scheduler,
// Persistence Writer, optional Redis lease notifier, and gRPC peer-control
// listener, all sharing one Durable Store connection and one shutdown
// signal, in the style of the teacher's cmd/tarsy/main.go wiring and
// ManuGH-xg2g's cmd/daemon/main.go signal.NotifyContext-driven shutdown.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/codeready-toolchain/sessionbroker/pkg/actor"
	"github.com/codeready-toolchain/sessionbroker/pkg/cleanup"
	"github.com/codeready-toolchain/sessionbroker/pkg/config"
	"github.com/codeready-toolchain/sessionbroker/pkg/dedup"
	"github.com/codeready-toolchain/sessionbroker/pkg/eventlog"
	"github.com/codeready-toolchain/sessionbroker/pkg/gateway"
	"github.com/codeready-toolchain/sessionbroker/pkg/leasenotify"
	"github.com/codeready-toolchain/sessionbroker/pkg/manager"
	"github.com/codeready-toolchain/sessionbroker/pkg/metrics"
	"github.com/codeready-toolchain/sessionbroker/pkg/model"
	"github.com/codeready-toolchain/sessionbroker/pkg/peercontrol"
	"github.com/codeready-toolchain/sessionbroker/pkg/persistence"
	"github.com/codeready-toolchain/sessionbroker/pkg/version"
)

// unconnectedAgentSink is the boundary this repo stops at: container
// lifecycle and agent-specific adapters are out of scope (spec.md §1
// Non-goals), so the core only needs something that satisfies
// actor.AgentSink. A real deployment replaces this with a sink that dials
// the per-session agent endpoint the container lifecycle manager hands
// back; here it logs a warning and drops the input (Send returns nil), so a
// session that never gets a real sink wired in shows up in the logs on
// every input rather than silently swallowing it.
type unconnectedAgentSink struct {
	sessionID string
	logger    *slog.Logger
}

func (s *unconnectedAgentSink) Send(ctx context.Context, data []byte) error {
	s.logger.Warn("gatewayd: no agent connector wired, dropping input", "sessionId", s.sessionID, "bytes", len(data))
	return nil
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", ""), "directory containing a .env file (optional)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	envPath := ""
	if *configDir != "" {
		envPath = filepath.Join(*configDir, ".env")
	}

	cfg, err := config.Load(envPath)
	if err != nil {
		logger.Error("gatewayd: failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("gatewayd: starting", "version", version.Full(), "gatewayId", cfg.GatewayID, "listenAddr", cfg.ListenAddr, "grpcAddr", cfg.GRPCAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := eventlog.NewStore(ctx, eventlog.DefaultPostgresConfig(cfg.DatabaseURL))
	if err != nil {
		logger.Error("gatewayd: failed to connect to durable store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("gatewayd: error closing durable store", "error", err)
		}
	}()

	var notifier *leasenotify.Notifier
	if cfg.RedisURL != "" {
		notifier, err = leasenotify.New(cfg.RedisURL, logger.With("component", "leasenotify"))
		if err != nil {
			logger.Error("gatewayd: failed to connect to redis lease notifier", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := notifier.Close(); err != nil {
				logger.Warn("gatewayd: error closing lease notifier", "error", err)
			}
		}()
	}

	writer := newPersistenceWriter(cfg, store, logger)

	dedupCache := dedup.New(cfg.Session.InputDedupWindow)

	mgr := manager.New(
		manager.Config{
			GatewayID:                   cfg.GatewayID,
			LeaseTimeout:                cfg.Lease.LeaseTimeout,
			RenewInterval:               cfg.Lease.RenewInterval,
			MaxEvents:                   cfg.RingBuffer.MaxEvents,
			MaxBytes:                    cfg.RingBuffer.MaxBytes,
			SubscriberQueueDepth:        cfg.RingBuffer.SubscriberQueueDepth,
			AwaitingInputDefaultTimeout: cfg.Session.AwaitingInputDefaultTimeout,
		},
		manager.Deps{
			SessionStore:    store,
			EventStore:      store,
			ConnectionStore: store,
			Writer:          writer,
			Dedup:           dedupCache,
			Agents: func(session model.Session) actor.AgentSink {
				return &unconnectedAgentSink{sessionID: session.ID, logger: logger}
			},
			Logger: logger.With("component", "manager"),
		},
	)

	scheduler := cleanup.New(
		cleanup.Config{
			Interval:           cfg.Retention.CleanupInterval,
			StaleLeaseTimeout:  cfg.Retention.StaleLeaseTimeout,
			IdleTimeout:        cfg.Retention.IdleTimeout,
			MaxSessionAge:      cfg.Retention.MaxSessionAge,
			EventRetentionTail: cfg.Retention.EventRetentionTail,
		},
		store, store, store,
		logger.With("component", "cleanup"),
	)

	configHolder := config.NewHolder(envPath, cfg.Retention, logger.With("component", "config"))
	configHolder.OnChange(func(r config.RetentionConfig) {
		scheduler.UpdateConfig(cleanup.Config{
			StaleLeaseTimeout:  r.StaleLeaseTimeout,
			IdleTimeout:        r.IdleTimeout,
			MaxSessionAge:      r.MaxSessionAge,
			EventRetentionTail: r.EventRetentionTail,
		})
	})

	gw := gateway.NewServer(
		mgr,
		gateway.HeaderTokenValidator{},
		gateway.Config{
			HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
			InboundRateLimit:  cfg.Gateway.InboundRateLimit,
			InboundRateBurst:  cfg.Gateway.InboundRateBurst,
		},
		metrics.Handler(),
		func(ctx context.Context) error { return store.DB().PingContext(ctx) },
		logger.With("component", "gateway"),
	)
	gin.SetMode(getEnv("GIN_MODE", gin.ReleaseMode))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("gatewayd: failed to bind grpc peer-control listener", "error", err)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer()
	peercontrol.RegisterPeerControlServer(grpcServer, peercontrol.NewServer(mgr, logger.With("component", "peercontrol")))

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		writer.Run(gctx)
		return nil
	})
	group.Go(func() error {
		mgr.Start(gctx)
		return nil
	})
	group.Go(func() error {
		scheduler.Start(gctx)
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})
	group.Go(func() error {
		if err := configHolder.StartWatcher(gctx); err != nil {
			logger.Warn("gatewayd: config hot-reload watcher disabled", "error", err)
			return nil
		}
		<-gctx.Done()
		configHolder.Stop()
		return nil
	})
	if notifier != nil {
		group.Go(func() error {
			return notifier.Subscribe(gctx, func(change leasenotify.Change) {
				logger.Debug("gatewayd: lease change notification", "sessionId", change.SessionID, "gatewayId", change.GatewayID, "claimed", change.Claimed)
			})
		})
	}
	group.Go(func() error {
		logger.Info("gatewayd: grpc peer-control listening", "addr", cfg.GRPCAddr)
		return grpcServer.Serve(grpcListener)
	})
	group.Go(func() error {
		logger.Info("gatewayd: http gateway listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// Ordered teardown: stop accepting new work (gateway, grpc) before
	// stopping the manager's lease renewal loop and flushing the persistence
	// writer. Resident actors are not removed one by one here; mgr.Stop only
	// halts the renewal loop.
	group.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gatewayd: http server shutdown error", "error", err)
		}
		grpcServer.GracefulStop()
		mgr.Stop()
		writer.Stop()

		return nil
	})

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("gatewayd: fatal error", "error", err)
		os.Exit(1)
	}

	logger.Info("gatewayd: shutdown complete")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// newPersistenceWriter translates pkg/config.GatewayConfig's Persist* fields
// into a persistence.Config and wires its hard-error callback into the
// structured logger.
func newPersistenceWriter(cfg *config.Config, store eventlog.EventStore, logger *slog.Logger) *persistence.Writer {
	return persistence.New(
		store,
		persistence.Config{
			MaxBatchSize:     cfg.Gateway.PersistBatchSize,
			MaxFlushInterval: cfg.Gateway.PersistFlushInterval,
			InitialBackoff:   cfg.Gateway.PersistBackoffBase,
			MaxBackoff:       cfg.Gateway.PersistBackoffCap,
			MaxRetries:       cfg.Gateway.PersistMaxRetries,
		},
		func(err error, pending int) {
			logger.Error("gatewayd: persistence writer paused after exhausting retries", "error", err, "pending", pending)
		},
		logger.With("component", "persistence"),
	)
}
