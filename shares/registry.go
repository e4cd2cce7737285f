package shares

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/inomad/custody-backend/interfaces"
	"github.com/inomad/custody-backend/metrics"
)

const (
	eventRegistered = "registered"
	eventRefreshed  = "refreshed"
	eventRevoked    = "revoked"

	// ReasonRecoveryCompleted is recorded on devices revoked by a completed
	// recovery.
	ReasonRecoveryCompleted = "recovery_completed"
	// ReasonUserRevoked is recorded when the owner removes a device.
	ReasonUserRevoked = "user_revoked"
)

// Registry tracks which devices hold a device share. It never sees share
// bytes.
type Registry struct {
	store   interfaces.Store
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

type Option func(*Registry)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func NewRegistry(store interfaces.Store, log *slog.Logger, opts ...Option) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		store: store,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RegisterDevice binds a device to the wallet. It is idempotent: an already
// active device only has its last use refreshed. The first device to register
// claims the DEVICE row written at provisioning; later devices get the next
// free index.
func (r *Registry) RegisterDevice(ctx context.Context, walletID, deviceID, deviceName, userAgent string) (*interfaces.KeyShare, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", interfaces.ErrInvalidArgument)
	}

	var (
		result *interfaces.KeyShare
		event  string
	)
	err := r.store.RunInTx(ctx, func(tx interfaces.Store) error {
		// Locks the wallet row so concurrent registrations serialize.
		if _, err := tx.GetWallet(ctx, walletID); err != nil {
			return err
		}
		rows, err := tx.ListShares(ctx, walletID, interfaces.ShareDevice)
		if err != nil {
			return err
		}

		now := r.now().UTC()
		if existing := findActive(rows, deviceID); existing != nil {
			existing.LastUsedAt = &now
			result, event = existing, eventRefreshed
			return tx.UpdateShare(ctx, existing)
		}

		if unbound := findActive(rows, ""); unbound != nil {
			unbound.DeviceID = deviceID
			unbound.DeviceName = deviceName
			unbound.UserAgent = userAgent
			unbound.LastUsedAt = &now
			result, event = unbound, eventRegistered
			return tx.UpdateShare(ctx, unbound)
		}

		row := &interfaces.KeyShare{
			ID:         uuid.NewString(),
			WalletID:   walletID,
			Kind:       interfaces.ShareDevice,
			Index:      nextIndex(rows),
			DeviceID:   deviceID,
			DeviceName: deviceName,
			UserAgent:  userAgent,
			Active:     true,
			CreatedAt:  now,
			LastUsedAt: &now,
		}
		result, event = row, eventRegistered
		return tx.CreateShares(ctx, []*interfaces.KeyShare{row})
	})
	if err != nil {
		return nil, err
	}

	r.metrics.DeviceEvent(event)
	r.log.Info("Device share registered", "wallet_id", walletID, "device_id", deviceID, "index", result.Index, "event", event)
	return result, nil
}

// RevokeDevice deactivates every active row of deviceID. It returns
// ErrNotFound when the device holds no active share.
func (r *Registry) RevokeDevice(ctx context.Context, walletID, deviceID, reason string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device id is required", interfaces.ErrInvalidArgument)
	}

	var revoked int
	err := r.store.RunInTx(ctx, func(tx interfaces.Store) error {
		if _, err := tx.GetWallet(ctx, walletID); err != nil {
			return err
		}
		var err error
		revoked, err = r.revoke(ctx, tx, walletID, reason, func(s *interfaces.KeyShare) bool {
			return s.DeviceID == deviceID
		})
		return err
	})
	if err != nil {
		return err
	}
	if revoked == 0 {
		return fmt.Errorf("%w: no active share for device %s", interfaces.ErrNotFound, deviceID)
	}

	r.log.Info("Device share revoked", "wallet_id", walletID, "device_id", deviceID, "reason", reason)
	return nil
}

// RevokeAllDevices deactivates every active DEVICE row of the wallet,
// including an unclaimed provisioning row. With a non-nil tx the writes join
// the caller's transaction.
func (r *Registry) RevokeAllDevices(ctx context.Context, tx interfaces.Store, walletID, reason string) (int, error) {
	if tx == nil {
		tx = r.store
	}
	revoked, err := r.revoke(ctx, tx, walletID, reason, func(*interfaces.KeyShare) bool { return true })
	if err != nil {
		return 0, err
	}
	r.log.Info("Revoked all device shares", "wallet_id", walletID, "count", revoked, "reason", reason)
	return revoked, nil
}

func (r *Registry) revoke(ctx context.Context, tx interfaces.Store, walletID, reason string, match func(*interfaces.KeyShare) bool) (int, error) {
	rows, err := tx.ListShares(ctx, walletID, interfaces.ShareDevice)
	if err != nil {
		return 0, err
	}

	now := r.now().UTC()
	revoked := 0
	for _, row := range rows {
		if !row.Active || !match(row) {
			continue
		}
		row.Revoke(reason, now)
		if err := tx.UpdateShare(ctx, row); err != nil {
			return revoked, err
		}
		revoked++
		r.metrics.DeviceEvent(eventRevoked)
	}
	return revoked, nil
}

// GetActiveDevices lists bound, active devices, most recently used first.
func (r *Registry) GetActiveDevices(ctx context.Context, walletID string) ([]*interfaces.KeyShare, error) {
	rows, err := r.store.ListShares(ctx, walletID, interfaces.ShareDevice)
	if err != nil {
		return nil, err
	}
	return interfaces.ActiveDevicesByRecency(rows), nil
}

// AuthorizeDevice returns the active row of deviceID. Devices that never
// registered, and devices revoked by their owner or by a completed recovery,
// get ErrDeviceNotAuthorized until they register again.
func (r *Registry) AuthorizeDevice(ctx context.Context, walletID, deviceID string) (*interfaces.KeyShare, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", interfaces.ErrInvalidArgument)
	}
	rows, err := r.store.ListShares(ctx, walletID, interfaces.ShareDevice)
	if err != nil {
		return nil, err
	}
	row := findActive(rows, deviceID)
	if row == nil {
		r.log.Warn("Signing refused for inactive device", "wallet_id", walletID, "device_id", deviceID)
		return nil, fmt.Errorf("%w: %s", interfaces.ErrDeviceNotAuthorized, deviceID)
	}
	return row, nil
}

// TouchDevice refreshes the last use of an active device. Unknown or revoked
// devices are ignored.
func (r *Registry) TouchDevice(ctx context.Context, walletID, deviceID string) error {
	if deviceID == "" {
		return nil
	}
	rows, err := r.store.ListShares(ctx, walletID, interfaces.ShareDevice)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return err
	}

	now := r.now().UTC()
	for _, row := range rows {
		if !row.Active || row.DeviceID != deviceID {
			continue
		}
		row.LastUsedAt = &now
		if err := r.store.UpdateShare(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func findActive(rows []*interfaces.KeyShare, deviceID string) *interfaces.KeyShare {
	for _, row := range rows {
		if row.Active && row.DeviceID == deviceID {
			return row
		}
	}
	return nil
}

// nextIndex is one past the highest index ever used, so slots of revoked
// rows are never reused.
func nextIndex(rows []*interfaces.KeyShare) int {
	next := 0
	for _, row := range rows {
		if row.Index >= next {
			next = row.Index + 1
		}
	}
	return next
}
