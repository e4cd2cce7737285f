package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/inomad/custody-backend/api"
	"github.com/inomad/custody-backend/common"
	"github.com/inomad/custody-backend/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

// SetupLogger builds the process logger from the log section of cfg. Flags
// given on the command line win over the file.
func SetupLogger(cCtx *cli.Context, cfg config.LogConfig) (log *slog.Logger) {
	if cCtx.IsSet(LogJsonFlag.Name) {
		cfg.JSON = cCtx.Bool(LogJsonFlag.Name)
	}
	if cCtx.IsSet(LogDebugFlag.Name) {
		cfg.Debug = cCtx.Bool(LogDebugFlag.Name)
	}
	if cCtx.IsSet("log-service") {
		cfg.Service = cCtx.String("log-service")
	}

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cfg.Debug,
		JSON:    cfg.JSON,
		Service: cfg.Service,
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ApplyServerOverrides copies explicitly set server flags into cfg.
func ApplyServerOverrides(cCtx *cli.Context, cfg *config.ServerConfig) {
	if cCtx.IsSet(ListenAddrFlag.Name) {
		cfg.ListenAddr = cCtx.String(ListenAddrFlag.Name)
	}
	if cCtx.IsSet(AdminListenAddrFlag.Name) {
		cfg.AdminListenAddr = cCtx.String(AdminListenAddrFlag.Name)
	}
	if cCtx.IsSet(MetricsAddrFlag.Name) {
		cfg.MetricsAddr = cCtx.String(MetricsAddrFlag.Name)
	}
	if cCtx.IsSet(PprofFlag.Name) {
		cfg.EnablePprof = cCtx.Bool(PprofFlag.Name)
	}
	if cCtx.IsSet(DrainSecondsFlag.Name) {
		cfg.DrainDuration = time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second
	}
}

// ConfigureServer builds the HTTP server config for listenAddr. Only the
// server given a gatherer exposes metrics.
func ConfigureServer(cfg config.ServerConfig, logger *slog.Logger, listenAddr string, gatherer prometheus.Gatherer) *api.HTTPServerConfig {
	metricsAddr := ""
	if gatherer != nil {
		metricsAddr = cfg.MetricsAddr
	}
	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Gatherer:                 gatherer,
		Log:                      logger,
		EnablePprof:              cfg.EnablePprof,
		DrainDuration:            cfg.DrainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              cfg.ReadTimeout,
		WriteTimeout:             cfg.WriteTimeout,
	}
}

var ConfigFileFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	EnvVars: []string{"WALLETD_CONFIG"},
	Usage:   "path to the YAML configuration file",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Usage: "address to listen on for the wallet API (overrides server.listen_addr)",
}

var AdminListenAddrFlag = &cli.StringFlag{
	Name:  "admin-listen-addr",
	Usage: "address to listen on for the unseal API (overrides server.admin_listen_addr)",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
