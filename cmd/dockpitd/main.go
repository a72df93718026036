package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dockpit/internal/container"
	"dockpit/internal/logging"
	"dockpit/internal/server"
)

var version = "dev"

func main() {
	level, err := logging.ParseLevel(os.Getenv("DOCKPIT_LOG_LEVEL"))
	if err != nil {
		log.Printf("WARN: %v; defaulting to info", err)
	}
	logger := logging.New(os.Stderr, level)

	port := os.Getenv("PORT")
	if port == "" {
		port = "3001"
	}
	network := os.Getenv("DOCKPIT_NETWORK")
	if network == "" {
		network = "dockpit"
	}
	runtime := container.NewCLI(os.Getenv("DOCKPIT_RUNTIME"), network)

	srv, err := server.NewGinServer(
		server.WithGinVersion(version),
		server.WithAddr(":"+port),
		server.WithRuntime(runtime),
		server.WithLogger(logger),
		server.WithContainerEvents(os.Getenv("DOCKPIT_DISABLE_CONTAINER_EVENTS") != "1"),
	)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize server: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("FATAL: Server failed: %v", err)
	}
	logger.Info("dockpit coordinator stopped")
}
