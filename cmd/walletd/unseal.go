package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/inomad/custody-backend/api/servers"
	"github.com/inomad/custody-backend/api/unsealapi"
	"github.com/inomad/custody-backend/cmd/flags"
	"github.com/inomad/custody-backend/config"
	"github.com/inomad/custody-backend/kms"
	"github.com/urfave/cli/v2"
)

var UnsealTimeoutFlag = &cli.DurationFlag{
	Name:  "unseal-timeout",
	Value: 24 * time.Hour,
	Usage: "how long a sealed start waits for operator shares",
}

// SetupMasterKey returns the master key. With an operators file and no
// configured key it serves the unseal API on the admin address and blocks
// until enough operators have submitted their shares.
func SetupMasterKey(ctx context.Context, cCtx *cli.Context, cfg *config.Config, logger *slog.Logger) ([]byte, error) {
	if !cfg.Sealed() {
		return cfg.MasterKeyBytes()
	}

	logger.Info("Starting sealed, waiting for operator shares", "operators_file", cfg.Custody.OperatorsFile)

	f, err := os.Open(cfg.Custody.OperatorsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open operators file: %w", err)
	}
	defer f.Close()

	operators, err := kms.LoadOperators(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load operators: %w", err)
	}
	unsealCfg := operators.UnsealConfig()
	if unsealCfg.KeyCheck == "" {
		logger.Warn("Operators file has no key_check, a wrong set of shares cannot be detected")
	}

	unsealer, err := kms.NewMasterKeyUnsealer(unsealCfg)
	if err != nil {
		return nil, fmt.Errorf("could not initialize unsealer: %w", err)
	}
	handler, err := unsealapi.NewHandler(logger, unsealer, unsealCfg.Operators)
	if err != nil {
		return nil, fmt.Errorf("could not initialize unseal handler: %w", err)
	}

	srvCfg := flags.ConfigureServer(cfg.Server, logger, cfg.Server.AdminListenAddr, nil)
	srvCfg.DrainDuration = 0
	adminServer := servers.New(srvCfg, handler)
	adminServer.RunInBackground()
	defer adminServer.Shutdown()

	ctx, cancel := context.WithTimeout(ctx, cCtx.Duration(UnsealTimeoutFlag.Name))
	defer cancel()

	masterKey, err := handler.WaitForUnseal(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, errors.New("master key unseal timed out")
	}
	if err != nil {
		return nil, err
	}
	logger.Info("Master key unsealed")
	return masterKey, nil
}
