package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veloshop/chainpay/internal/api"
	"github.com/veloshop/chainpay/internal/cache"
	"github.com/veloshop/chainpay/internal/chain"
	"github.com/veloshop/chainpay/internal/config"
	"github.com/veloshop/chainpay/internal/contract"
	"github.com/veloshop/chainpay/internal/events"
	"github.com/veloshop/chainpay/internal/order"
	"github.com/veloshop/chainpay/internal/verify"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Degraded start is deliberate: the pipeline runs without dedup
		// while the cache is down rather than refusing all traffic.
		log.Warn("redis unreachable at startup", zap.Error(err))
	}
	payCache := cache.New(rdb)

	// ── Contract descriptor loader ────────────────────────────────────────────
	loader := contract.NewLoader(
		contract.FileSource{Path: cfg.Contract.ArtifactPath},
		cfg.Chain.NetworkID,
		log,
	)

	// ── Ledger transports ─────────────────────────────────────────────────────
	mgr := chain.NewManager(chain.EthDialer{}, cfg.Chain.RPCURL, cfg.Chain.WSURL, log)
	mgr.Connect(ctx)
	defer mgr.Close()

	ledger := chain.NewLedger(mgr, loader)
	monitor := chain.NewMonitor(mgr, log)

	// ── Verification pipeline ─────────────────────────────────────────────────
	orders := order.NewRedisStore(rdb)
	pipeline := verify.NewPipeline(payCache, ledger, mgr, orders, log)

	// ── Background workers ────────────────────────────────────────────────────
	subscriber := events.NewSubscriber(mgr, loader, payCache, log)
	go loader.Run(ctx)
	go monitor.Run(ctx)
	go func() {
		// Start declines while the push transport or the descriptor is
		// still coming up; re-invoke it so the monitor's reconnect work
		// eventually takes effect. Once running, the subscriber manages
		// its own bounded rebuilds and is not restarted.
		for !subscriber.Start(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(15 * time.Second):
			}
		}
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())

	handler := api.NewHandler(pipeline, monitor, payCache, log)
	handler.RegisterHealth(r)
	handler.Register(r.Group("/api"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
