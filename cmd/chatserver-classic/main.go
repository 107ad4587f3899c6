// Command chatserver-classic runs generation a: the thread-per-connection
// null-terminated text protocol server, with an in-memory account
// directory and no persistence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/dusklabs/relaychat/internal/classic"
	"github.com/dusklabs/relaychat/internal/config"
	"github.com/dusklabs/relaychat/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	port := 8080
	if raw := os.Getenv("PORT"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid PORT: %v\n", err)
			return 2
		}
		port = p
	}

	logger, err := logging.NewLogger(config.LoggingConfig{Level: "info"}, "chatserver-classic", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 2
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := classic.NewServer(logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, fmt.Sprintf("0.0.0.0:%d", port))
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return 1
		}
	}
	return 0
}
