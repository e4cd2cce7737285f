package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/inomad/custody-backend/api/auth"
	"github.com/inomad/custody-backend/api/recoveryapi"
	"github.com/inomad/custody-backend/api/servers"
	"github.com/inomad/custody-backend/api/walletapi"
	"github.com/inomad/custody-backend/cmd/flags"
	"github.com/inomad/custody-backend/common"
	"github.com/inomad/custody-backend/config"
	"github.com/inomad/custody-backend/cryptoutils"
	"github.com/inomad/custody-backend/kms"
	"github.com/inomad/custody-backend/metrics"
	"github.com/inomad/custody-backend/recovery"
	"github.com/inomad/custody-backend/shares"
	"github.com/urfave/cli/v2"
)

var WalletdServiceLogFlag = flags.LogServiceFlagFn("walletd")

func main() {
	app := &cli.App{
		Name:  "walletd",
		Usage: "Serve custodial wallet key custody and recovery",
		Flags: append([]cli.Flag{
			flags.ConfigFileFlag,
			flags.ListenAddrFlag,
			flags.AdminListenAddrFlag,
			UnsealTimeoutFlag,
			WalletdServiceLogFlag,
		}, flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	cfg := config.Default()
	if path := cCtx.String(flags.ConfigFileFlag.Name); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return err
		}
	}
	flags.ApplyServerOverrides(cCtx, &cfg.Server)

	logger := flags.SetupLogger(cCtx, cfg.Log)
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	masterKey, err := SetupMasterKey(ctx, cCtx, cfg, logger)
	if err != nil {
		logger.Error("Failed to obtain master key", "err", err)
		return err
	}
	defer cryptoutils.WipeBytes(masterKey)

	deps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize components", "err", err)
		return err
	}
	defer deps.Close()

	registry := metrics.NewRegistry()
	m := metrics.New(common.PackageName, registry)

	custody, err := kms.NewCustodyService(kms.Config{
		MasterKey: masterKey,
		ChainID:   big.NewInt(cfg.Custody.ChainID),
	}, deps.store, deps.escrow, deps.directory, logger, kms.WithMetrics(m))
	if err != nil {
		logger.Error("Failed to create custody service", "err", err)
		return err
	}
	devices := shares.NewRegistry(deps.store, logger, shares.WithMetrics(m))

	coordinator, err := recovery.NewCoordinator(recovery.Config{
		ApprovalURL:     cfg.Recovery.ApprovalURL,
		NotifyTimeout:   cfg.Recovery.NotifyTimeout,
		MaxCodeAttempts: cfg.Recovery.MaxCodeAttempts,
	}, deps.store, custody, devices, deps.directory, deps.notifier, logger,
		recovery.WithMetrics(m),
		recovery.WithAttemptLimiter(deps.limiter),
	)
	if err != nil {
		logger.Error("Failed to create recovery coordinator", "err", err)
		return err
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		logger.Error("Failed to create authenticator", "err", err)
		return err
	}
	requireAuth := authenticator.Middleware(logger)

	server := servers.New(
		flags.ConfigureServer(cfg.Server, logger, cfg.Server.ListenAddr, registry),
		walletapi.NewHandler(logger, custody, devices, coordinator, requireAuth),
		recoveryapi.NewHandler(logger, coordinator, requireAuth),
	)
	server.RunInBackground()

	logger.Info("Server is running, press Ctrl+C to stop", "chain_id", cfg.Custody.ChainID)
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}
