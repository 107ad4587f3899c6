// Command chatserver-solo runs generation b: the request/response surface
// with a server-push Initiate stream, backed by an in-memory store and no
// replication. It is the same core as chatserverd with the peer registry
// left unconstructed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/dusklabs/relaychat/internal/chatcore"
	"github.com/dusklabs/relaychat/internal/config"
	"github.com/dusklabs/relaychat/internal/logging"
	"github.com/dusklabs/relaychat/internal/metrics"
	"github.com/dusklabs/relaychat/internal/store"
	"github.com/dusklabs/relaychat/internal/transport"
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

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 2
	}
	cfg.Server.Port = port

	logger, err := logging.NewLogger(cfg.Logging, "chatserver-solo", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 2
	}
	defer logger.Sync() //nolint:errcheck

	db, err := store.Open(":memory:")
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer db.Close()

	metricsRegistry := metrics.NewRegistry()
	svc := chatcore.New(chatcore.Options{Store: db, Log: logger, Metrics: metricsRegistry})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transportServer := transport.NewServer(cfg.Server, logger, svc, metricsRegistry)
	if err := transportServer.Start(ctx); err != nil {
		logger.Fatal("client transport start failed", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	transportServer.Stop()
	logger.Info("chatserver-solo stopped")
	return 0
}
