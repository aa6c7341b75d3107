// Command kernel runs the horology kernel's gRPC server.
//
// # Clustering
//
// Multiple nodes sharing the same REDIS_URL participate in the same
// leader election over one fixed lease key, each identified by its own
// KERNEL_NODE_ID: exactly one node at a time owns the timing wheel and
// command log writer. The lease's monotonic epoch is recorded on every
// log entry; the stores do not compare it.
//
// # Configuration
//
// See internal/config for every KERNEL_*/EVENT_*/BUS_*/REDIS_*
// environment variable and its default.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/minoots/kernel/internal/config"
	"github.com/minoots/kernel/internal/coordinator"
	"github.com/minoots/kernel/internal/events"
	"github.com/minoots/kernel/internal/kernel"
	"github.com/minoots/kernel/internal/kernelrpc"
	"github.com/minoots/kernel/internal/store"
	"github.com/minoots/kernel/internal/store/filelog"
	"github.com/minoots/kernel/internal/store/memory"
	"github.com/minoots/kernel/internal/store/sqlstore"
	"github.com/minoots/kernel/internal/telemetry"

	"goa.design/pulse/rmap"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewClueLogger()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	leaseMap, err := rmap.Join(ctx, "kernel-leases", rdb)
	if err != nil {
		return fmt.Errorf("join lease map: %w", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		Map:        coordinator.RMapLeaseMap{M: leaseMap},
		Key:        "kernel:leader",
		NodeID:     cfg.NodeID,
		Addr:       cfg.RPCAddr,
		TTL:        cfg.ElectionTimeout(),
		RenewEvery: cfg.HeartbeatInterval(),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	signer := events.NewSigner([]byte(cfg.EventEnvelopeSecret), cfg.EventSignatureVersion)
	hub := events.NewHub(signer, nil, logger)

	k, err := kernel.New(ctx, kernel.Config{
		NodeID:            cfg.NodeID,
		RPCAddr:           cfg.RPCAddr,
		FireGrace:         time.Duration(cfg.FireGraceMs) * time.Millisecond,
		SettleTimeout:     cfg.SettleTimeout(),
		MaxCompensationMs: cfg.MaxCompensationMs,
		Store:             st,
		Coordinator:       coord,
		Hub:               hub,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("create kernel: %w", err)
	}

	kernelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go k.Run(kernelCtx)
	defer k.Close()

	log.Printf("starting kernel on %s (node_id=%s)", cfg.RPCAddr, cfg.NodeID)
	return serve(ctx, cfg.RPCAddr, k, hub, logger)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.Store {
	case config.StoreSQL:
		st, err := sqlstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case config.StoreFile:
		st, err := filelog.Open(cfg.PersistPath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func serve(ctx context.Context, addr string, k *kernel.Kernel, hub *events.Hub, logger telemetry.Logger) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer()
	srv := kernelrpc.NewServer(k, hub, logger)
	grpcServer.RegisterService(&kernelrpc.ServiceDesc, srv)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
	case <-sigCh:
	case err := <-errCh:
		return err
	}

	grpcServer.GracefulStop()
	return nil
}
