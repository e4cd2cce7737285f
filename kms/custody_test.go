package kms

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/inomad/custody-backend/cryptoutils"
	"github.com/inomad/custody-backend/interfaces"
	"github.com/inomad/custody-backend/metrics"
	"github.com/inomad/custody-backend/storage"
	"github.com/inomad/custody-backend/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testMasterKey = bytes.Repeat([]byte{0x42}, cryptoutils.MasterKeyLength)

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) LookupUser(ctx context.Context, userID string) (*interfaces.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.User), args.Error(1)
}

func (m *mockDirectory) BindWalletAddress(ctx context.Context, userID, address string) error {
	return m.Called(ctx, userID, address).Error(0)
}

func (m *mockDirectory) SocialGraph(ctx context.Context, userID string) (*interfaces.SocialGraph, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.SocialGraph), args.Error(1)
}

type testEnv struct {
	svc      *CustodyService
	store    *store.Memory
	escrow   *storage.RecoveryEscrow
	identity *age.X25519Identity
	dir      *mockDirectory
	metrics  *metrics.Metrics
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	backend, err := storage.NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	escrow, err := storage.NewRecoveryEscrow(backend, []age.Recipient{identity.Recipient()}, testLogger())
	require.NoError(t, err)

	dir := &mockDirectory{}
	dir.On("BindWalletAddress", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	mem := store.NewMemory()
	m := metrics.New("test", metrics.NewRegistry())
	svc, err := NewCustodyService(Config{MasterKey: testMasterKey, ChainID: big.NewInt(1337)}, mem, escrow, dir, testLogger(), WithMetrics(m))
	require.NoError(t, err)

	return &testEnv{svc: svc, store: mem, escrow: escrow, identity: identity, dir: dir, metrics: m}
}

func TestNewCustodyService_RequiresMasterKey(t *testing.T) {
	mem := store.NewMemory()
	escrow := &storage.RecoveryEscrow{}

	_, err := NewCustodyService(Config{}, mem, escrow, nil, testLogger())
	assert.Error(t, err)

	_, err = NewCustodyService(Config{MasterKey: make([]byte, 16)}, mem, escrow, nil, testLogger())
	assert.Error(t, err)

	_, err = NewCustodyService(Config{MasterKey: testMasterKey}, mem, nil, nil, testLogger())
	assert.Error(t, err)

	_, err = NewCustodyService(Config{MasterKey: testMasterKey}, mem, escrow, nil, testLogger())
	assert.NoError(t, err)
}

func TestCreateWallet(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	created, err := env.svc.CreateWallet(ctx, "user-1", "")
	require.NoError(t, err)
	require.Len(t, created.DeviceShare, cryptoutils.ShareLength)
	assert.True(t, common.IsHexAddress(created.Address))

	wallet, err := env.store.GetWallet(ctx, created.WalletID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", wallet.UserID)
	assert.Equal(t, created.Address, wallet.Address)
	assert.Equal(t, interfaces.WalletActive, wallet.Status)
	assert.Equal(t, interfaces.RecoverySocial, wallet.RecoveryMethod)
	assert.NotEmpty(t, wallet.ServerShareEnc)
	assert.NotContains(t, wallet.ServerShareEnc, hex.EncodeToString(created.DeviceShare))

	rows, err := env.store.ListShares(ctx, created.WalletID, "")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	kinds := map[interfaces.ShareKind]int{}
	for _, row := range rows {
		kinds[row.Kind] = row.Index
		assert.True(t, row.Active)
	}
	assert.Equal(t, map[interfaces.ShareKind]int{
		interfaces.ShareDevice:   0,
		interfaces.ShareServer:   1,
		interfaces.ShareRecovery: 2,
	}, kinds)

	env.dir.AssertCalled(t, "BindWalletAddress", mock.Anything, "user-1", created.Address)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.WalletsCreated.WithLabelValues(originCreated)))

	_, err = env.svc.CreateWallet(ctx, "user-1", interfaces.RecoveryEmail)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)

	_, err = env.svc.CreateWallet(ctx, "user-2", "CARRIER_PIGEON")
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestCreateWallet_EscrowedShareRecoversKeyWithDeviceShare(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	created, err := env.svc.CreateWallet(ctx, "user-1", interfaces.RecoveryEmail)
	require.NoError(t, err)

	wallet, err := env.store.GetWallet(ctx, created.WalletID)
	require.NoError(t, err)

	recoveryShare, err := env.escrow.Retrieve(ctx, wallet.RecoveryShareRef, env.identity)
	require.NoError(t, err)

	key, err := cryptoutils.Combine(created.DeviceShare, recoveryShare)
	require.NoError(t, err)
	address, err := cryptoutils.AddressOf(key)
	require.NoError(t, err)
	assert.Equal(t, created.Address, address.Hex())
}

func TestCreateWallet_BindFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.dir.ExpectedCalls = nil
	env.dir.On("BindWalletAddress", mock.Anything, "user-1", mock.Anything).Return(assert.AnError)

	_, err := env.svc.CreateWallet(ctx, "user-1", "")
	assert.NoError(t, err)
}

func TestSignMessage(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t)
	WithClock(func() time.Time { return clock })(env.svc)

	created, err := env.svc.CreateWallet(ctx, "user-1", "")
	require.NoError(t, err)

	sigHex, err := env.svc.SignMessage(ctx, created.WalletID, created.DeviceShare, []byte("approve budget"))
	require.NoError(t, err)

	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	signer, err := cryptoutils.RecoverMessageSigner([]byte("approve budget"), sig)
	require.NoError(t, err)
	assert.Equal(t, created.Address, signer.Hex())

	wallet, err := env.store.GetWallet(ctx, created.WalletID)
	require.NoError(t, err)
	require.NotNil(t, wallet.LastUsedAt)
	assert.True(t, wallet.LastUsedAt.Equal(clock))

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SignOperations.WithLabelValues(signKindMessage, metrics.OutcomeOK)))
}

func TestSignTransaction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	created, err := env.svc.CreateWallet(ctx, "user-1", "")
	require.NoError(t, err)

	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	tests := []struct {
		name    string
		req     TxRequest
		chainID *big.Int
		txType  uint8
	}{
		{
			name: "dynamic fee on default chain",
			req: TxRequest{
				Nonce: 3, To: &to, Value: big.NewInt(1000), Gas: 21000,
				GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(30),
			},
			chainID: big.NewInt(1337),
			txType:  types.DynamicFeeTxType,
		},
		{
			name: "legacy on explicit chain",
			req: TxRequest{
				ChainID: big.NewInt(5), Nonce: 0, To: &to, Value: big.NewInt(1), Gas: 21000,
				GasPrice: big.NewInt(10),
			},
			chainID: big.NewInt(5),
			txType:  types.LegacyTxType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed, err := env.svc.SignTransaction(ctx, created.WalletID, created.DeviceShare, tt.req)
			require.NoError(t, err)

			raw, err := hexutil.Decode(signed.Raw)
			require.NoError(t, err)
			var tx types.Transaction
			require.NoError(t, tx.UnmarshalBinary(raw))

			assert.Equal(t, tt.txType, tx.Type())
			assert.Equal(t, tx.Hash().Hex(), signed.Hash)
			assert.Equal(t, tt.req.Nonce, tx.Nonce())

			sender, err := types.Sender(types.LatestSignerForChainID(tt.chainID), &tx)
			require.NoError(t, err)
			assert.Equal(t, created.Address, sender.Hex())
		})
	}
}

func TestReconstructSigner_FailureModes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	created, err := env.svc.CreateWallet(ctx, "user-1", "")
	require.NoError(t, err)
	other, err := env.svc.CreateWallet(ctx, "user-2", "")
	require.NoError(t, err)

	flipped := append([]byte(nil), created.DeviceShare...)
	flipped[0] ^= 0xff

	require.NoError(t, env.store.CreateWallet(ctx, &interfaces.Wallet{
		ID: "no-share", UserID: "user-3", Address: "0x0000000000000000000000000000000000000003",
		Status: interfaces.WalletActive, RecoveryMethod: interfaces.RecoverySocial, CreatedAt: time.Now(),
	}))

	foreignKey, err := cryptoutils.DeriveShareKey(bytes.Repeat([]byte{1}, cryptoutils.MasterKeyLength), "tampered")
	require.NoError(t, err)
	foreignBlob, err := cryptoutils.SealShare(foreignKey, make([]byte, cryptoutils.ShareLength), []byte("tampered"))
	require.NoError(t, err)
	require.NoError(t, env.store.CreateWallet(ctx, &interfaces.Wallet{
		ID: "tampered", UserID: "user-4", Address: "0x0000000000000000000000000000000000000004",
		ServerShareEnc: foreignBlob, Status: interfaces.WalletActive,
		RecoveryMethod: interfaces.RecoverySocial, CreatedAt: time.Now(),
	}))

	tests := []struct {
		name        string
		walletID    string
		deviceShare []byte
		expected    error
	}{
		{name: "unknown wallet", walletID: "missing", deviceShare: created.DeviceShare, expected: interfaces.ErrNotFound},
		{name: "no server share", walletID: "no-share", deviceShare: created.DeviceShare, expected: interfaces.ErrServerShareUnavailable},
		{name: "server share sealed under another key", walletID: "tampered", deviceShare: created.DeviceShare, expected: interfaces.ErrAuthenticationFailed},
		{name: "short device share", walletID: created.WalletID, deviceShare: created.DeviceShare[:10], expected: interfaces.ErrInvalidShareFormat},
		{name: "corrupted device share", walletID: created.WalletID, deviceShare: flipped, expected: interfaces.ErrShareMismatch},
		{name: "device share of another wallet", walletID: created.WalletID, deviceShare: other.DeviceShare, expected: interfaces.ErrShareMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := env.svc.ReconstructSigner(ctx, tt.walletID, tt.deviceShare)
			assert.ErrorIs(t, err, tt.expected)
			assert.Nil(t, signer)
		})
	}

	_, err = env.svc.SignMessage(ctx, created.WalletID, flipped, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrShareMismatch)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SignOperations.WithLabelValues(signKindMessage, metrics.OutcomeError)))

	wallet, err := env.store.GetWallet(ctx, created.WalletID)
	require.NoError(t, err)
	assert.Nil(t, wallet.LastUsedAt, "failed reconstructions must not touch the wallet")
}

func TestMigrateFromPrivateKey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey)
	rawKey := hexutil.Encode(crypto.FromECDSA(key))

	env.dir.On("LookupUser", mock.Anything, "bound-elsewhere").
		Return(&interfaces.User{ID: "bound-elsewhere", WalletAddress: "0x00000000000000000000000000000000000000aa"}, nil)
	env.dir.On("LookupUser", mock.Anything, "bound-same").
		Return(&interfaces.User{ID: "bound-same", WalletAddress: address.Hex()}, nil)
	env.dir.On("LookupUser", mock.Anything, "stranger").Return(nil, interfaces.ErrNotFound)
	env.dir.On("LookupUser", mock.Anything, "broken").Return(nil, assert.AnError)

	_, err = env.svc.MigrateFromPrivateKey(ctx, "bound-same", "not-a-key")
	assert.ErrorIs(t, err, interfaces.ErrInvalidKey)

	_, err = env.svc.MigrateFromPrivateKey(ctx, "bound-elsewhere", rawKey)
	assert.ErrorIs(t, err, interfaces.ErrAddressMismatch)

	_, err = env.svc.MigrateFromPrivateKey(ctx, "broken", rawKey)
	assert.ErrorIs(t, err, assert.AnError)

	migrated, err := env.svc.MigrateFromPrivateKey(ctx, "bound-same", rawKey[2:])
	require.NoError(t, err)
	assert.Equal(t, address.Hex(), migrated.Address)

	sigHex, err := env.svc.SignMessage(ctx, migrated.WalletID, migrated.DeviceShare, []byte("hi"))
	require.NoError(t, err)
	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	recovered, err := cryptoutils.RecoverMessageSigner([]byte("hi"), sig)
	require.NoError(t, err)
	assert.Equal(t, address, recovered)

	_, err = env.svc.MigrateFromPrivateKey(ctx, "bound-same", rawKey)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)

	// Same key for a second user collides on the address.
	_, err = env.svc.MigrateFromPrivateKey(ctx, "stranger", rawKey)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.WalletsCreated.WithLabelValues(originMigrated)))
}

func TestWalletStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.svc.WalletStatus(ctx, "user-1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	created, err := env.svc.CreateWallet(ctx, "user-1", interfaces.RecoveryPhone)
	require.NoError(t, err)

	now := time.Now().UTC()
	earlier := now.Add(-time.Hour)
	require.NoError(t, env.store.CreateShares(ctx, []*interfaces.KeyShare{
		{ID: "d1", WalletID: created.WalletID, Kind: interfaces.ShareDevice, Index: 1, DeviceID: "laptop", Active: true, CreatedAt: now, LastUsedAt: &earlier},
		{ID: "d2", WalletID: created.WalletID, Kind: interfaces.ShareDevice, Index: 2, DeviceID: "phone", Active: true, CreatedAt: now, LastUsedAt: &now},
		{ID: "d3", WalletID: created.WalletID, Kind: interfaces.ShareDevice, Index: 3, DeviceID: "old", Active: false, CreatedAt: now},
	}))
	require.NoError(t, env.store.CreateGuardian(ctx, &interfaces.RecoveryGuardian{
		ID: "g1", WalletID: created.WalletID, Type: interfaces.GuardianFriend, Ref: "friend@example.org", CreatedAt: now,
	}))

	view, err := env.svc.WalletStatus(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, created.Address, view.Address)
	assert.Equal(t, interfaces.WalletActive, view.Status)
	assert.Equal(t, interfaces.RecoveryPhone, view.RecoveryMethod)
	assert.Equal(t, 1, view.GuardianCount)
	require.Len(t, view.Devices, 2)
	assert.Equal(t, "phone", view.Devices[0].DeviceID)
	assert.Equal(t, "laptop", view.Devices[1].DeviceID)
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	created, err := env.svc.CreateWallet(ctx, "user-1", "")
	require.NoError(t, err)

	assert.ErrorIs(t, env.svc.SetStatus(ctx, nil, created.WalletID, "FROZEN"), interfaces.ErrInvalidArgument)
	assert.ErrorIs(t, env.svc.SetStatus(ctx, nil, "missing", interfaces.WalletRecoveryMode), interfaces.ErrNotFound)

	err = env.store.RunInTx(ctx, func(tx interfaces.Store) error {
		return env.svc.SetStatus(ctx, tx, created.WalletID, interfaces.WalletRecoveryMode)
	})
	require.NoError(t, err)

	wallet, err := env.store.GetWallet(ctx, created.WalletID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.WalletRecoveryMode, wallet.Status)
}
