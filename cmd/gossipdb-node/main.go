package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gossipdb/gossipdb/internal/config"
	"github.com/gossipdb/gossipdb/pkg/gossipdb"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting gossipdb node",
		zap.String("node_id", cfg.NodeID),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Bool("secure_mode", cfg.SecureMode),
		zap.String("resolver_mode", cfg.ResolverMode),
		zap.Int("gossip_fanout", cfg.GossipFanout))

	engine, err := gossipdb.Open(cfg, nil, logger)
	if err != nil {
		logger.Fatal("failed to open gossipdb engine", zap.Error(err))
	}

	http.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down gracefully")
	if err := engine.Close(); err != nil {
		logger.Warn("error during engine shutdown", zap.Error(err))
	}
	metricsServer.Close()
	logger.Info("shutdown complete")
}
