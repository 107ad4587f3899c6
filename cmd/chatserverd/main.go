// Command chatserverd runs the fully replicated generation-c chat server:
// persistent storage plus active-active replication against any peers
// reachable from a bootstrap address.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	_ "go.uber.org/automaxprocs"

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
	fs := pflag.NewFlagSet("chatserverd", pflag.ContinueOnError)
	cluster := fs.String("cluster", "", "HOST:PORT of an existing cluster member to join on startup")
	selfDestruct := fs.Int("self-destruct", 0, "terminate the process after this many minutes; 0 disables")
	advertise := fs.String("advertise", "localhost", "host peers should use to reach this replica's replica_port")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	args := fs.Args()
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: chatserverd <chat_port> <replica_port> <database_path> [--cluster HOST:PORT] [--self-destruct MINUTES]")
		return 2
	}

	chatPort, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid chat_port: %v\n", err)
		return 2
	}
	replicaPort, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid replica_port: %v\n", err)
		return 2
	}
	databasePath := args[2]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 2
	}
	cfg.Server.Port = chatPort
	cfg.Replica.Port = replicaPort
	cfg.Store.Path = databasePath
	cfg.Replica.Bootstrap = *cluster
	cfg.Replica.Identity = fmt.Sprintf("%s:%d", *advertise, replicaPort)
	if *selfDestruct > 0 {
		cfg.Replica.SelfDestruct = time.Duration(*selfDestruct) * time.Minute
	}

	logger, err := logging.NewLogger(cfg.Logging, "chatserverd", cfg.Replica.Identity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 2
	}
	defer logger.Sync() //nolint:errcheck

	// automaxprocs's init() already adjusted GOMAXPROCS to the container's
	// CPU quota; this just reports what it landed on.
	logger.Info("runtime GOMAXPROCS", zap.Int("value", runtime.GOMAXPROCS(0)))

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer db.Close()

	metricsRegistry := metrics.NewRegistry()

	svc := chatcore.New(chatcore.Options{
		Identity: cfg.Replica.Identity,
		Store:    db,
		Log:      logger,
		Metrics:  metricsRegistry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Replica.SelfDestruct > 0 {
		timer := time.AfterFunc(cfg.Replica.SelfDestruct, func() {
			logger.Info("self-destruct timer elapsed", zap.Duration("after", cfg.Replica.SelfDestruct))
			stop()
		})
		defer timer.Stop()
	}

	transportServer := transport.NewServer(cfg.Server, logger, svc, metricsRegistry)
	if err := transportServer.Start(ctx); err != nil {
		logger.Fatal("client transport start failed", zap.Error(err))
	}

	replicaServer := chatcore.NewReplicaServer(svc, logger)
	replicaErrCh := make(chan error, 1)
	go func() {
		replicaErrCh <- replicaServer.Serve(ctx, fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Replica.Port))
	}()

	if cfg.Replica.Bootstrap != "" {
		if err := svc.Outreach(ctx, cfg.Replica.Bootstrap); err != nil {
			logger.Warn("initial cluster outreach failed", zap.String("bootstrap", cfg.Replica.Bootstrap), zap.Error(err))
		}
	}

	go metricsRegistry.SampleSystem(ctx, 5*time.Second)

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg.Metrics, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-replicaErrCh:
		if err != nil {
			logger.Fatal("replica server error", zap.Error(err))
		}
		stop()
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("metrics http server error", zap.Error(err))
		}
		stop()
	}

	transportServer.Stop()
	replicaServer.Close()
	logger.Info("chatserverd stopped")
	return 0
}

func runHTTPServer(ctx context.Context, cfg config.MetricsConfig, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	if !cfg.Enabled {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle(cfg.Endpoint, metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
