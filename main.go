package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/speedrun-hq/htlc-relayer/pkg/config"
	"github.com/speedrun-hq/htlc-relayer/pkg/relayer"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := relayer.NewService(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create relayer service: %v", err)
	}

	// Set up signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		log.Println("Received termination signal, shutting down gracefully...")
		cancel()
	}()

	log.Printf("Starting the relayer service for %v...", cfg.EnabledChains())
	if err := service.Start(ctx); err != nil {
		log.Fatalf("Relayer service stopped: %v", err)
	}
}
