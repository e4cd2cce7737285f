package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inomad/custody-backend/config"
	"github.com/inomad/custody-backend/cryptoutils"
	"github.com/inomad/custody-backend/directory"
	"github.com/inomad/custody-backend/interfaces"
	"github.com/inomad/custody-backend/notify"
	"github.com/inomad/custody-backend/recovery"
	"github.com/inomad/custody-backend/storage"
	"github.com/inomad/custody-backend/store"
	"github.com/redis/go-redis/v9"
)

// components holds the infrastructure walletd wires into its services, and
// what needs closing on shutdown.
type components struct {
	store     interfaces.Store
	escrow    *storage.RecoveryEscrow
	directory interfaces.IdentityDirectory
	notifier  interfaces.Notifier
	limiter   recovery.AttemptLimiter

	closers []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	var db *sql.DB
	if cfg.Database.PostgresDSN != "" {
		db, err = store.OpenPostgres(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = db.Close() })
		if err := store.Migrate(ctx, db); err != nil {
			return nil, err
		}
		c.store = store.NewPostgres(db)
		logger.Info("Using Postgres store")
	} else {
		c.store = store.NewMemory()
		logger.Warn("No database configured, custody state is kept in memory and lost on restart")
	}

	if c.escrow, err = buildEscrow(cfg.Escrow, logger); err != nil {
		return nil, err
	}

	switch cfg.Directory.Source {
	case "postgres":
		if db == nil {
			return nil, errors.New("directory source postgres needs database.postgres_dsn")
		}
		if err := directory.Migrate(ctx, db); err != nil {
			return nil, err
		}
		c.directory = directory.NewPostgres(db)
	default:
		if cfg.Directory.StaticFile != "" {
			if c.directory, err = directory.LoadStaticFile(cfg.Directory.StaticFile); err != nil {
				return nil, err
			}
		} else {
			c.directory = directory.NewStatic()
		}
	}

	switch cfg.Notify.Sink {
	case "kafka":
		k := cfg.Notify.Kafka
		n, err := notify.NewKafkaNotifier(ctx, notify.KafkaConfig{
			Brokers:           k.Brokers,
			Topic:             k.Topic,
			ClientID:          k.ClientID,
			EnsureTopic:       k.EnsureTopic,
			Partitions:        k.Partitions,
			ReplicationFactor: k.ReplicationFactor,
		}, logger)
		if err != nil {
			return nil, err
		}
		c.notifier = n
		c.closers = append(c.closers, n.Close)
	default:
		c.notifier = notify.NewLogNotifier(logger, cfg.Notify.RevealCodes)
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		client := redis.NewClient(opts)
		c.closers = append(c.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		c.limiter = recovery.NewRedisLimiter(client)
		logger.Info("Using Redis code attempt limiter")
	}

	return c, nil
}

func buildEscrow(cfg config.EscrowConfig, logger *slog.Logger) (*storage.RecoveryEscrow, error) {
	factory := storage.NewStorageBackendFactory(logger, storage.WithVaultToken(cfg.VaultToken))

	locations := make([]interfaces.StorageBackendLocation, 0, len(cfg.Locations))
	for _, loc := range cfg.Locations {
		locations = append(locations, interfaces.StorageBackendLocation(loc))
	}

	var (
		backend interfaces.StorageBackend
		err     error
	)
	if len(locations) == 1 {
		backend, err = factory.StorageBackendFor(locations[0])
	} else {
		backend, err = factory.CreateMultiBackend(locations)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow backend: %w", err)
	}

	recipients, err := cryptoutils.ParseEscrowRecipients(strings.Join(cfg.Recipients, "\n"))
	if err != nil {
		return nil, fmt.Errorf("invalid escrow recipients: %w", err)
	}
	return storage.NewRecoveryEscrow(backend, recipients, logger)
}
