package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/inomad/custody-backend/interfaces"
)

// MultiStorageBackend replicates blobs across several backends.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch returns the first copy whose hash matches id. Copies that fail the
// hash check are skipped. If every reachable backend reports the blob
// missing, ErrContentNotFound is returned.
func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	var errs []error
	for _, backend := range m.backends {
		blob, err := m.fetchOne(ctx, backend, id, contentType)
		if err == nil {
			return blob, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if allNotFound(errs) {
		return nil, interfaces.ErrContentNotFound
	}
	m.log.Error("Escrow blob unreadable on every replica", "content_id", id.String(), "replicas", len(m.backends))
	return nil, fmt.Errorf("fetching %s: %w", id, errors.Join(errs...))
}

func (m *MultiStorageBackend) fetchOne(ctx context.Context, backend interfaces.StorageBackend, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	if !backend.Available(ctx) {
		return nil, interfaces.ErrBackendUnavailable
	}
	blob, err := backend.Fetch(ctx, id, contentType)
	if err != nil {
		m.log.Debug("Replica fetch failed", "backend_name", backend.Name(), "content_id", id.String(), "err", err)
		return nil, err
	}
	if !interfaces.ComputeID(blob).Equal(id) {
		m.log.Warn("Replica returned a corrupted blob", "backend_name", backend.Name(), "content_id", id.String())
		return nil, errors.New("content hash mismatch")
	}
	return blob, nil
}

// Store writes to every available backend and succeeds when at least one
// write succeeds.
func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}
		got, err := backend.Store(ctx, data, contentType)
		if err == nil && !got.Equal(id) {
			err = fmt.Errorf("replica addressed blob as %s", got)
		}
		if err != nil {
			m.log.Warn("Replica store failed", "backend_name", backend.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}

	replicas := len(m.backends) - len(errs)
	if replicas == 0 {
		return id, fmt.Errorf("no replica stored %s: %w", id, errors.Join(errs...))
	}
	m.log.Debug("Escrow blob replicated", "content_id", id.String(), "replicas", replicas, "duration", time.Since(start))
	return id, nil
}

// Available reports whether any backend is available.
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

func (m *MultiStorageBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}

func allNotFound(errs []error) bool {
	if len(errs) == 0 {
		return false
	}
	found := false
	for _, err := range errs {
		if errors.Is(err, interfaces.ErrBackendUnavailable) {
			continue
		}
		if !errors.Is(err, interfaces.ErrContentNotFound) {
			return false
		}
		found = true
	}
	return found
}
