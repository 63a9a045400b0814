package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wagerchain/cmd/internal/passphrase"
	"wagerchain/config"
	"wagerchain/core/events"
	"wagerchain/core/genesis"
	"wagerchain/core/state"
	"wagerchain/native/factory"
	"wagerchain/observability/logging"
	"wagerchain/observability/metrics"
	telemetry "wagerchain/observability/otel"
	"wagerchain/rpc"
	"wagerchain/storage"
)

const (
	operatorPassEnv = "WAGER_OPERATOR_PASS"
	eventHistory    = 4096
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFile := flag.String("genesis", "", "Optional JSON genesis document replacing the config allocations")
	flag.Parse()

	passSource := passphrase.NewSource(operatorPassEnv, "Enter operator keystore passphrase")
	cfg, err := config.Load(*configFile, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if path := strings.TrimSpace(*genesisFile); path != "" {
		spec, err := genesis.LoadSpec(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load genesis: %v\n", err)
			os.Exit(1)
		}
		cfg.Genesis = *spec
	}

	env := cfg.Env
	if override := strings.TrimSpace(os.Getenv("WAGER_ENV")); override != "" {
		env = override
	}
	logger := logging.Setup("wagerd", env, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "wagerd",
		Environment: env,
		Endpoint:    cfg.Otel.Endpoint,
		Insecure:    cfg.Otel.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Otel.Headers),
	})
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	n, err := newNode(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start node", slog.Any("error", err))
		os.Exit(1)
	}
	defer n.Close()

	if err := n.server.Serve(ctx, cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

type node struct {
	db      storage.Database
	ledger  *state.Manager
	factory *factory.Factory
	server  *rpc.Server
}

// newNode opens the ledger under cfg.DataDir, applies genesis once and
// restores (or deploys) the factory before building the RPC server.
func newNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*node, error) {
	addrs, err := cfg.Factory.Addresses()
	if err != nil {
		return nil, err
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	fail := func(err error) (*node, error) {
		db.Close()
		return nil, err
	}

	ledger := state.NewManager(db)
	recorder := events.NewRecorder(eventHistory)
	wagerMetrics := metrics.Wager()
	ledger.SetEmitter(events.MultiEmitter{recorder, wagerMetrics})

	applied, err := genesis.Apply(ctx, ledger, &cfg.Genesis)
	if err != nil {
		return fail(fmt.Errorf("apply genesis: %w", err))
	}
	if applied {
		logger.Info("Genesis allocations applied",
			slog.Int("accounts", len(cfg.Genesis.Accounts)),
			slog.Int("tokens", len(cfg.Genesis.Tokens)))
	}

	f, err := factory.Open(ctx, ledger, factory.Config{
		Address:      addrs.Address,
		Owner:        addrs.Owner,
		FeeBps:       cfg.Factory.FeeBps,
		FeeRecipient: addrs.FeeRecipient,
	})
	if err != nil {
		return fail(fmt.Errorf("open factory: %w", err))
	}
	feeBps, recipient := f.FeeInfo(ctx)
	wagerMetrics.SetFeeBps(feeBps)
	if owner := f.Owner(ctx); owner != addrs.Owner || feeBps != cfg.Factory.FeeBps || recipient != addrs.FeeRecipient {
		logger.Warn("Persisted factory settings differ from config; keeping persisted values",
			slog.String("owner", owner.Hex()),
			slog.Int("fee_bps", int(feeBps)),
			slog.String("fee_recipient", recipient.Hex()))
	}
	logger.Info("Factory ready",
		slog.String("factory", f.Address().Hex()),
		slog.Uint64("bets", f.TotalEscrows(ctx)))

	server, err := rpc.NewServer(ledger, f, rpc.ServerConfig{
		Auth: rpc.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
		},
		RateLimit: rpc.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
			TrustProxyHeaders: cfg.RateLimit.TrustProxyHeaders,
		},
		ReadTimeout:  time.Duration(cfg.RPCReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.RPCWriteTimeoutSecs) * time.Second,
		Recorder:     recorder,
		Metrics:      wagerMetrics,
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}
	return &node{db: db, ledger: ledger, factory: f, server: server}, nil
}

func (n *node) Close() {
	if n != nil && n.db != nil {
		n.db.Close()
	}
}
