package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/inomad/custody-backend/interfaces"
)

// StorageBackendFactory creates escrow backends from location URIs.
type StorageBackendFactory struct {
	log        *slog.Logger
	vaultToken string
}

// FactoryOption configures a StorageBackendFactory.
type FactoryOption func(*StorageBackendFactory)

// WithVaultToken sets the token used by vault:// backends. Tokens are never
// read from the URI.
func WithVaultToken(token string) FactoryOption {
	return func(sf *StorageBackendFactory) {
		sf.vaultToken = token
	}
}

func NewStorageBackendFactory(logger *slog.Logger, opts ...FactoryOption) *StorageBackendFactory {
	sf := &StorageBackendFactory{log: logger}
	for _, opt := range opts {
		opt(sf)
	}
	return sf
}

// StorageBackendFor creates a backend from a location URI.
//
// Supported schemes:
//   - file:///absolute/path
//   - s3://bucket/prefix?region=..&endpoint=..&sse=..&path_style=true
//   - vault://host:port/mount/path?tls=true&ca_cert=/path/ca.pem
func (sf *StorageBackendFactory) StorageBackendFor(locationURI interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if err := locationURI.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(string(locationURI))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "s3":
		return sf.createS3Backend(u)
	case "vault":
		return sf.createVaultBackend(u)
	case "file":
		return sf.createFileBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend builds a replicated backend. URIs that fail to parse or
// connect are logged and skipped; at least one must succeed.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend", "err", err, "locationURI", string(uri))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

func (sf *StorageBackendFactory) createS3Backend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating S3 backend", "bucket", u.Host)

	query := u.Query()
	pathStyle, _ := strconv.ParseBool(query.Get("path_style"))

	cfg := S3Config{
		Bucket:               u.Host,
		Prefix:               strings.TrimPrefix(u.Path, "/"),
		Region:               query.Get("region"),
		Endpoint:             query.Get("endpoint"),
		ServerSideEncryption: query.Get("sse"),
		PathStyle:            pathStyle,
	}
	if u.User != nil {
		cfg.AccessKey = u.User.Username()
		cfg.SecretKey, _ = u.User.Password()
	}
	return NewS3Backend(cfg, sf.log)
}

func (sf *StorageBackendFactory) createVaultBackend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating Vault backend", "host", u.Host)

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: vault URI needs a mount path, e.g. vault://host:8200/secret/custody", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	scheme := "https"
	if useTLS, err := strconv.ParseBool(query.Get("tls")); err == nil && !useTLS {
		scheme = "http"
	}

	cfg := VaultConfig{
		Address:   fmt.Sprintf("%s://%s", scheme, u.Host),
		MountPath: parts[0],
		Token:     sf.vaultToken,
		CACert:    query.Get("ca_cert"),
	}
	if len(parts) == 2 {
		cfg.DataPath = parts[1]
	}
	return NewVaultBackend(cfg, sf.log)
}

func (sf *StorageBackendFactory) createFileBackend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating file backend", "uri", u.String())

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, u.String())
	}
	return NewFileBackend(path, sf.log)
}
