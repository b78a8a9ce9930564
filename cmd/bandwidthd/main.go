// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// bandwidthd is the bandwidth node daemon. It meters bandwidth
// contribution into epochs, settles reward entries with the paired
// companion app, and serves a read-only JSON-RPC diagnostic surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/log"

	"github.com/FlinnBella/cryptonode/daemon"
	"github.com/FlinnBella/cryptonode/rpc"
	"github.com/FlinnBella/cryptonode/storage"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	// Parse flags
	var (
		listenAddr     = flag.String("listen", ":9732", "JSON-RPC listen address")
		deviceName     = flag.String("name", "bandwidth-node", "Device name")
		epochDuration  = flag.Duration("epoch", 10*time.Minute, "Metering epoch duration")
		sampleInterval = flag.Duration("sample", 5*time.Second, "Bandwidth sample interval")
		rewardRate     = flag.Float64("rate", 0.001/(1<<20), "Reward per byte")
		rewardCap      = flag.Float64("cap", 1.0, "Reward cap per epoch")
		showVersion    = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("bandwidthd version %s (commit %s)\n", version, commit)
		os.Exit(0)
	}

	logger := log.New("component", "bandwidthd")

	// Create config
	config := daemon.DefaultConfig()
	config.DeviceName = *deviceName
	config.EpochDuration = *epochDuration
	config.SampleInterval = *sampleInterval
	config.RewardRate = *rewardRate
	config.RewardCap = *rewardCap

	// Create service
	store := storage.NewMemoryStore()
	service, err := daemon.New(config, store, logger)
	if err != nil {
		logger.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start service
	if err := service.Start(ctx); err != nil {
		logger.Error("failed to start service", "error", err)
		os.Exit(1)
	}

	// Serve the diagnostic RPC surface
	handler, err := rpc.NewHandler(service)
	if err != nil {
		logger.Error("failed to create RPC handler", "error", err)
		os.Exit(1)
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", handler)
	server := &http.Server{Addr: *listenAddr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("RPC server failed", "error", err)
			sigCh <- syscall.SIGTERM
		}
	}()

	logger.Info("bandwidthd started",
		"device", service.DeviceID(),
		"listen", *listenAddr,
		"version", version,
	)

	// Wait for shutdown signal
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	if err := service.Stop(); err != nil {
		logger.Error("error during shutdown", "error", err)
		os.Exit(1)
	}
	store.Close()

	logger.Info("shutdown complete")
}
