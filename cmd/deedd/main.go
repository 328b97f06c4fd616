package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"deedledger/config"
	"deedledger/core"
	"deedledger/core/events"
	"deedledger/native/escrow"
	"deedledger/observability/logging"
	telemetry "deedledger/observability/otel"
	"deedledger/rpc"
	"deedledger/services/eventlog"
)

const (
	serviceName     = "deedd"
	logLevelEnv     = "DEED_LOG_LEVEL"
	shutdownTimeout = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	logLevel := flag.String("log-level", os.Getenv(logLevelEnv), "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(serviceName, cfg.Environment, *logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("deedd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// node bundles the long-lived components of a running daemon.
type node struct {
	ledger *core.Ledger
	events *eventlog.SQLiteStore
	server *http.Server
}

func newNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	roles, err := cfg.EscrowRoles()
	if err != nil {
		return nil, err
	}
	genesis, err := cfg.GenesisBalances()
	if err != nil {
		return nil, err
	}
	policy, err := escrow.LoadCancellationPolicy(strings.TrimSpace(cfg.CancellationPolicyFile))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	eventPath := strings.TrimSpace(cfg.EventLogPath)
	if eventPath == "" {
		eventPath = filepath.Join(cfg.DataDir, "events.db")
	}
	store, err := eventlog.NewSQLiteStore(eventPath)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	store.SetLogger(logger)

	ledger, err := core.OpenLedger(cfg.DataDir, core.LedgerOptions{
		Roles:   roles,
		Genesis: genesis,
		Policy:  policy,
		Emitter: events.Fanout{store, logging.EventLogger{Logger: logger}},
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	srv, err := rpc.NewServer(ledger, store, rpc.ServerConfig{
		MaxBodyBytes:       cfg.RPCMaxBodyBytes,
		RateLimitPerSecond: cfg.RPCRateLimitPerSecond,
		RateLimitBurst:     cfg.RPCRateLimitBurst,
		SignatureSkew:      time.Duration(cfg.RPCSignatureSkew) * time.Second,
		TrustProxyHeaders:  cfg.RPCTrustProxyHeaders,
		BearerToken:        cfg.RPCBearerToken,
	}, logger)
	if err != nil {
		ledger.Close()
		_ = store.Close()
		return nil, err
	}

	return &node{
		ledger: ledger,
		events: store,
		server: &http.Server{
			Addr:              cfg.ListenAddress,
			Handler:           srv.Router(),
			ReadHeaderTimeout: time.Duration(cfg.RPCReadHeaderTimeout) * time.Second,
			ReadTimeout:       time.Duration(cfg.RPCReadTimeout) * time.Second,
			WriteTimeout:      time.Duration(cfg.RPCWriteTimeout) * time.Second,
			IdleTimeout:       time.Duration(cfg.RPCIdleTimeout) * time.Second,
		},
	}, nil
}

func (n *node) Close() error {
	n.ledger.Close()
	return n.events.Close()
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Telemetry.Enabled {
		otelCfg := telemetry.Config{
			ServiceName: serviceName,
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      true,
		}
		otelCfg.ApplyEnv()
		shutdown, err := telemetry.Init(ctx, otelCfg)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	n, err := newNode(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn("close event log", slog.Any("error", err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("deedd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("data_dir", cfg.DataDir))
		errCh <- n.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown rpc server: %w", err)
	}
	return nil
}
