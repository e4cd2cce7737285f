package shares

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/inomad/custody-backend/interfaces"
	"github.com/inomad/custody-backend/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *store.Memory, *fakeClock) {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemory()

	require.NoError(t, mem.CreateWallet(ctx, &interfaces.Wallet{
		ID:             "w1",
		UserID:         "u1",
		Address:        "0x00000000000000000000000000000000000000a1",
		ServerShareEnc: "sealed",
		Status:         interfaces.WalletActive,
		RecoveryMethod: interfaces.RecoverySocial,
		CreatedAt:      clock.Now(),
	}))
	require.NoError(t, mem.CreateShares(ctx, []*interfaces.KeyShare{
		{ID: "s-dev", WalletID: "w1", Kind: interfaces.ShareDevice, Index: 0, Active: true, CreatedAt: clock.Now()},
		{ID: "s-srv", WalletID: "w1", Kind: interfaces.ShareServer, Index: 1, Active: true, CreatedAt: clock.Now()},
		{ID: "s-rec", WalletID: "w1", Kind: interfaces.ShareRecovery, Index: 2, Active: true, CreatedAt: clock.Now()},
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(mem, logger, WithClock(clock.Now)), mem, clock
}

func deviceRows(t *testing.T, mem *store.Memory) []*interfaces.KeyShare {
	t.Helper()
	rows, err := mem.ListShares(context.Background(), "w1", interfaces.ShareDevice)
	require.NoError(t, err)
	return rows
}

func TestRegisterDevice_ClaimsProvisioningRow(t *testing.T) {
	ctx := context.Background()
	reg, mem, _ := newTestRegistry(t)

	share, err := reg.RegisterDevice(ctx, "w1", "laptop", "Work laptop", "Firefox")
	require.NoError(t, err)
	assert.Equal(t, "s-dev", share.ID)
	assert.Equal(t, 0, share.Index)

	rows := deviceRows(t, mem)
	require.Len(t, rows, 1)
	assert.Equal(t, "laptop", rows[0].DeviceID)
	assert.Equal(t, "Work laptop", rows[0].DeviceName)
	assert.Equal(t, "Firefox", rows[0].UserAgent)
}

func TestRegisterDevice_Idempotent(t *testing.T) {
	ctx := context.Background()
	reg, mem, clock := newTestRegistry(t)

	first, err := reg.RegisterDevice(ctx, "w1", "phone", "Phone", "Safari")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	second, err := reg.RegisterDevice(ctx, "w1", "phone", "Phone", "Safari")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	rows := deviceRows(t, mem)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].LastUsedAt)
	assert.True(t, rows[0].LastUsedAt.Equal(clock.Now()))
}

func TestRegisterDevice_IndexesNeverCollide(t *testing.T) {
	ctx := context.Background()
	reg, mem, _ := newTestRegistry(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.RegisterDevice(ctx, "w1", id, "", "")
		require.NoError(t, err)
	}
	require.NoError(t, reg.RevokeDevice(ctx, "w1", "b", "lost"))

	d, err := reg.RegisterDevice(ctx, "w1", "d", "", "")
	require.NoError(t, err)
	assert.Equal(t, 3, d.Index, "index of a revoked row must not be reused")

	// Re-registering a revoked device creates a fresh row.
	b, err := reg.RegisterDevice(ctx, "w1", "b", "", "")
	require.NoError(t, err)
	assert.Equal(t, 4, b.Index)

	seen := map[int]bool{}
	for _, row := range deviceRows(t, mem) {
		assert.False(t, seen[row.Index], "duplicate index %d", row.Index)
		seen[row.Index] = true
	}
	assert.Len(t, seen, 5)
}

func TestRegisterDevice_Validation(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	_, err := reg.RegisterDevice(ctx, "w1", "", "", "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = reg.RegisterDevice(ctx, "missing", "laptop", "", "")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRegisterDevice_Concurrent(t *testing.T) {
	ctx := context.Background()
	reg, mem, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.RegisterDevice(ctx, "w1", "tablet", "", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, deviceRows(t, mem), 1)
}

func TestRevokeDevice(t *testing.T) {
	ctx := context.Background()
	reg, mem, clock := newTestRegistry(t)

	_, err := reg.RegisterDevice(ctx, "w1", "laptop", "", "")
	require.NoError(t, err)
	_, err = reg.RegisterDevice(ctx, "w1", "phone", "", "")
	require.NoError(t, err)

	require.NoError(t, reg.RevokeDevice(ctx, "w1", "laptop", "stolen"))

	active, err := reg.GetActiveDevices(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "phone", active[0].DeviceID)

	for _, row := range deviceRows(t, mem) {
		if row.DeviceID != "laptop" {
			continue
		}
		assert.False(t, row.Active)
		assert.Equal(t, "stolen", row.RevokedReason)
		require.NotNil(t, row.RevokedAt)
		assert.True(t, row.RevokedAt.Equal(clock.Now()))
	}

	assert.ErrorIs(t, reg.RevokeDevice(ctx, "w1", "laptop", "again"), interfaces.ErrNotFound)
	assert.ErrorIs(t, reg.RevokeDevice(ctx, "w1", "", "x"), interfaces.ErrInvalidArgument)
}

func TestGetActiveDevices_OrderedByLastUse(t *testing.T) {
	ctx := context.Background()
	reg, _, clock := newTestRegistry(t)

	for _, id := range []string{"first", "second", "third"} {
		_, err := reg.RegisterDevice(ctx, "w1", id, "", "")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	require.NoError(t, reg.TouchDevice(ctx, "w1", "first"))

	active, err := reg.GetActiveDevices(ctx, "w1")
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, d := range active {
		ids = append(ids, d.DeviceID)
	}
	assert.Equal(t, []string{"first", "third", "second"}, ids)
}

func TestTouchDevice(t *testing.T) {
	ctx := context.Background()
	reg, mem, clock := newTestRegistry(t)

	_, err := reg.RegisterDevice(ctx, "w1", "laptop", "", "")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, reg.TouchDevice(ctx, "w1", "laptop"))
	rows := deviceRows(t, mem)
	assert.True(t, rows[0].LastUsedAt.Equal(clock.Now()))

	assert.NoError(t, reg.TouchDevice(ctx, "w1", "unknown"))
	assert.NoError(t, reg.TouchDevice(ctx, "missing-wallet", "laptop"))

	require.NoError(t, reg.RevokeDevice(ctx, "w1", "laptop", "lost"))
	clock.Advance(time.Hour)
	require.NoError(t, reg.TouchDevice(ctx, "w1", "laptop"))
	rows = deviceRows(t, mem)
	assert.False(t, rows[0].LastUsedAt.Equal(clock.Now()), "revoked devices are not touched")
}

func TestAuthorizeDevice(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	_, err := reg.AuthorizeDevice(ctx, "w1", "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	_, err = reg.AuthorizeDevice(ctx, "w1", "laptop")
	assert.ErrorIs(t, err, interfaces.ErrDeviceNotAuthorized, "the unclaimed provisioning row authorizes nobody")

	_, err = reg.RegisterDevice(ctx, "w1", "laptop", "", "")
	require.NoError(t, err)
	row, err := reg.AuthorizeDevice(ctx, "w1", "laptop")
	require.NoError(t, err)
	assert.Equal(t, "laptop", row.DeviceID)

	require.NoError(t, reg.RevokeDevice(ctx, "w1", "laptop", ReasonUserRevoked))
	_, err = reg.AuthorizeDevice(ctx, "w1", "laptop")
	assert.ErrorIs(t, err, interfaces.ErrDeviceNotAuthorized)

	_, err = reg.RegisterDevice(ctx, "w1", "laptop", "", "")
	require.NoError(t, err)
	_, err = reg.RevokeAllDevices(ctx, nil, "w1", ReasonRecoveryCompleted)
	require.NoError(t, err)
	_, err = reg.AuthorizeDevice(ctx, "w1", "laptop")
	assert.ErrorIs(t, err, interfaces.ErrDeviceNotAuthorized)
}

func TestRevokeAllDevices(t *testing.T) {
	ctx := context.Background()
	reg, mem, _ := newTestRegistry(t)

	for _, id := range []string{"a", "b"} {
		_, err := reg.RegisterDevice(ctx, "w1", id, "", "")
		require.NoError(t, err)
	}

	var revoked int
	err := mem.RunInTx(ctx, func(tx interfaces.Store) error {
		var err error
		revoked, err = reg.RevokeAllDevices(ctx, tx, "w1", ReasonRecoveryCompleted)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	active, err := reg.GetActiveDevices(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, active)

	for _, row := range deviceRows(t, mem) {
		assert.Equal(t, ReasonRecoveryCompleted, row.RevokedReason)
	}

	// Server and recovery rows are untouched.
	all, err := mem.ListShares(ctx, "w1", "")
	require.NoError(t, err)
	for _, row := range all {
		if row.Kind != interfaces.ShareDevice {
			assert.True(t, row.Active)
		}
	}
}
