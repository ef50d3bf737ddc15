package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/peerdrop/peerdrop/internal/logger"
	"github.com/peerdrop/peerdrop/internal/protocol"
	"github.com/peerdrop/peerdrop/internal/relay"
)

func main() {
	log := logger.NewLogger()
	if os.Getenv("DEBUG") != "" {
		log = logger.NewDebugLogger()
	}

	port := protocol.DefaultRelayPort
	if env := os.Getenv("PORT"); env != "" {
		p, err := strconv.Atoi(env)
		if err != nil {
			log.Error("Invalid PORT", "value", env)
			os.Exit(1)
		}
		port = p
	}

	srv, err := relay.NewServer(relay.Config{
		Addr:   fmt.Sprintf(":%d", port),
		Logger: log,
	})
	if err != nil {
		log.Error("Failed to start relay", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	log.Info("Relay listening", "addr", srv.Addr())

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error("Relay stopped", "err", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown failed", "err", err)
	}
}
