// Package config loads the walletd configuration file.
//
// The file is YAML. Secret values are normally written as ${VAR} references
// and expanded from the environment at load time so the file itself can be
// checked in. Command line flags override individual fields after loading.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/inomad/custody-backend/cryptoutils"
	"github.com/inomad/custody-backend/interfaces"
	"gopkg.in/yaml.v3"
)

// Config is the complete walletd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Custody   CustodyConfig   `yaml:"custody"`
	Auth      AuthConfig      `yaml:"auth"`
	Escrow    EscrowConfig    `yaml:"escrow"`
	Database  DatabaseConfig  `yaml:"database"`
	Directory DirectoryConfig `yaml:"directory"`
	Notify    NotifyConfig    `yaml:"notify"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Redis     RedisConfig     `yaml:"redis"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	// AdminListenAddr serves the unseal API while the master key is sealed.
	AdminListenAddr string        `yaml:"admin_listen_addr"`
	EnablePprof     bool          `yaml:"pprof"`
	DrainDuration   time.Duration `yaml:"drain_duration"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

type LogConfig struct {
	JSON    bool   `yaml:"json"`
	Debug   bool   `yaml:"debug"`
	Service string `yaml:"service"`
}

type CustodyConfig struct {
	// MasterKey is the hex encoded 32-byte key sealing server shares.
	MasterKey string `yaml:"master_key"`
	// OperatorsFile enables sealed start: the master key is rebuilt from
	// operator shares instead of being read from MasterKey.
	OperatorsFile string `yaml:"operators_file"`
	ChainID       int64  `yaml:"chain_id"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type EscrowConfig struct {
	// Locations are storage URIs (file://, s3://, vault://). With more than
	// one, deposits are replicated to all of them.
	Locations  []string `yaml:"locations"`
	Recipients []string `yaml:"recipients"`
	VaultToken string   `yaml:"vault_token"`
}

type DatabaseConfig struct {
	// PostgresDSN selects the Postgres store. Empty keeps state in memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

type DirectoryConfig struct {
	// Source is "static" or "postgres".
	Source     string `yaml:"source"`
	StaticFile string `yaml:"static_file"`
}

type NotifyConfig struct {
	// Sink is "log" or "kafka".
	Sink        string      `yaml:"sink"`
	RevealCodes bool        `yaml:"reveal_codes"`
	Kafka       KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`
	Topic             string   `yaml:"topic"`
	ClientID          string   `yaml:"client_id"`
	EnsureTopic       bool     `yaml:"ensure_topic"`
	Partitions        int32    `yaml:"partitions"`
	ReplicationFactor int16    `yaml:"replication_factor"`
}

type RecoveryConfig struct {
	ApprovalURL     string        `yaml:"approval_url"`
	NotifyTimeout   time.Duration `yaml:"notify_timeout"`
	MaxCodeAttempts int           `yaml:"max_code_attempts"`
}

type RedisConfig struct {
	// URL enables the shared code attempt limiter.
	URL string `yaml:"url"`
}

// Default returns the base configuration the file is merged into.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8080",
			MetricsAddr:     "127.0.0.1:8090",
			AdminListenAddr: "127.0.0.1:8081",
			DrainDuration:   45 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    30 * time.Second,
		},
		Log:       LogConfig{Service: "walletd"},
		Custody:   CustodyConfig{ChainID: 1},
		Auth:      AuthConfig{Issuer: "inomad"},
		Directory: DirectoryConfig{Source: "static"},
		Notify: NotifyConfig{
			Sink: "log",
			Kafka: KafkaConfig{
				Topic:             "custody.notifications",
				ClientID:          "walletd",
				Partitions:        3,
				ReplicationFactor: 1,
			},
		},
		Recovery: RecoveryConfig{
			NotifyTimeout:   10 * time.Second,
			MaxCodeAttempts: 5,
		},
	}
}

// LoadFile reads path over Default and expands ${VAR} references from the
// environment. Unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is LoadFile without the file.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(strings.NewReader(expandVars(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// MasterKeyBytes decodes Custody.MasterKey.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(c.Custody.MasterKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("custody.master_key is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("custody.master_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Sealed reports whether the master key comes from operator shares.
func (c *Config) Sealed() bool {
	return c.Custody.MasterKey == "" && c.Custody.OperatorsFile != ""
}

// Validate reports every problem that would prevent startup.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	switch {
	case c.Custody.MasterKey != "":
		if _, err := c.MasterKeyBytes(); err != nil {
			errs = append(errs, err)
		}
	case c.Custody.OperatorsFile != "":
		if c.Server.AdminListenAddr == "" {
			errs = append(errs, errors.New("server.admin_listen_addr is required for sealed start"))
		}
	default:
		errs = append(errs, errors.New("custody.master_key or custody.operators_file is required"))
	}
	if c.Custody.ChainID <= 0 {
		errs = append(errs, fmt.Errorf("custody.chain_id must be positive, got %d", c.Custody.ChainID))
	}

	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 characters"))
	}

	if len(c.Escrow.Locations) == 0 {
		errs = append(errs, errors.New("escrow.locations is required"))
	}
	for _, loc := range c.Escrow.Locations {
		if err := interfaces.StorageBackendLocation(loc).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("escrow location %q: %w", loc, err))
		}
	}
	if len(c.Escrow.Recipients) == 0 {
		errs = append(errs, errors.New("escrow.recipients is required"))
	} else if _, err := cryptoutils.ParseEscrowRecipients(strings.Join(c.Escrow.Recipients, "\n")); err != nil {
		errs = append(errs, fmt.Errorf("escrow.recipients: %w", err))
	}

	switch c.Directory.Source {
	case "static":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			errs = append(errs, errors.New("directory.source postgres needs database.postgres_dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown directory.source %q", c.Directory.Source))
	}

	switch c.Notify.Sink {
	case "log":
	case "kafka":
		if len(c.Notify.Kafka.Brokers) == 0 || c.Notify.Kafka.Topic == "" {
			errs = append(errs, errors.New("notify.kafka needs brokers and topic"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify.sink %q", c.Notify.Sink))
	}

	if c.Recovery.ApprovalURL == "" {
		errs = append(errs, errors.New("recovery.approval_url is required"))
	}

	return errors.Join(errs...)
}
