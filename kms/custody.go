package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/inomad/custody-backend/cryptoutils"
	"github.com/inomad/custody-backend/interfaces"
	"github.com/inomad/custody-backend/metrics"
)

const (
	originCreated  = "created"
	originMigrated = "migrated"

	signKindTransaction = "transaction"
	signKindMessage     = "message"
)

// Config holds the secrets and chain parameters of the custody service.
type Config struct {
	// MasterKey seals server shares. It must be exactly 32 bytes and must be
	// the same across restarts, otherwise stored shares become unreadable.
	MasterKey []byte
	// ChainID is the default chain for transaction signing.
	ChainID *big.Int
}

// ShareEscrow keeps recovery shares out of the server's reach.
type ShareEscrow interface {
	Deposit(ctx context.Context, share []byte) (string, error)
}

// CustodyService owns the wallet lifecycle: provisioning, migration and
// signing with a device share supplied per call.
type CustodyService struct {
	masterKey []byte
	chainID   *big.Int

	store     interfaces.Store
	escrow    ShareEscrow
	directory interfaces.IdentityDirectory
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
}

// Option configures a CustodyService.
type Option func(*CustodyService)

// WithMetrics records signing and provisioning metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *CustodyService) {
		c.metrics = m
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *CustodyService) {
		c.now = now
	}
}

// NewCustodyService validates cfg and wires the service. There is no
// fallback master key: a missing or short key is a startup error.
func NewCustodyService(cfg Config, store interfaces.Store, escrow ShareEscrow, directory interfaces.IdentityDirectory, log *slog.Logger, opts ...Option) (*CustodyService, error) {
	if len(cfg.MasterKey) != cryptoutils.MasterKeyLength {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", cryptoutils.MasterKeyLength, len(cfg.MasterKey))
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if escrow == nil {
		return nil, errors.New("recovery share escrow is required")
	}
	if log == nil {
		log = slog.Default()
	}

	chainID := cfg.ChainID
	if chainID == nil {
		chainID = big.NewInt(1)
	}

	c := &CustodyService{
		masterKey: append([]byte(nil), cfg.MasterKey...),
		chainID:   new(big.Int).Set(chainID),
		store:     store,
		escrow:    escrow,
		directory: directory,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ProvisionedWallet is returned once, at creation or migration. DeviceShare
// is not kept anywhere on the server; losing it means going through recovery.
type ProvisionedWallet struct {
	WalletID    string
	Address     string
	DeviceShare []byte
}

// CreateWallet generates a signing key for userID, splits it and persists the
// wallet. An empty method defaults to SOCIAL recovery.
func (c *CustodyService) CreateWallet(ctx context.Context, userID string, method interfaces.RecoveryMethod) (*ProvisionedWallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", interfaces.ErrInvalidArgument)
	}
	if method == "" {
		method = interfaces.RecoverySocial
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: unknown recovery method %q", interfaces.ErrInvalidArgument, method)
	}
	if err := c.ensureNoWallet(ctx, userID); err != nil {
		return nil, err
	}

	key, err := cryptoutils.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(key)

	return c.provision(ctx, userID, key, method, originCreated)
}

// MigrateFromPrivateKey provisions a wallet around an existing key. If the
// user already has a bound address, the key must control it.
func (c *CustodyService) MigrateFromPrivateKey(ctx context.Context, userID, rawKey string) (*ProvisionedWallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", interfaces.ErrInvalidArgument)
	}

	key, err := cryptoutils.ParseSigningKey(rawKey)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(key)

	address, err := cryptoutils.AddressOf(key)
	if err != nil {
		return nil, err
	}

	if c.directory != nil {
		user, err := c.directory.LookupUser(ctx, userID)
		switch {
		case errors.Is(err, interfaces.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("failed to look up user: %w", err)
		case user.WalletAddress != "" && !strings.EqualFold(user.WalletAddress, address.Hex()):
			return nil, interfaces.ErrAddressMismatch
		}
	}

	if err := c.ensureNoWallet(ctx, userID); err != nil {
		return nil, err
	}
	return c.provision(ctx, userID, key, interfaces.RecoverySocial, originMigrated)
}

func (c *CustodyService) ensureNoWallet(ctx context.Context, userID string) error {
	_, err := c.store.GetWalletByUser(ctx, userID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: user already has a wallet", interfaces.ErrAlreadyExists)
	case errors.Is(err, interfaces.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (c *CustodyService) provision(ctx context.Context, userID string, key []byte, method interfaces.RecoveryMethod, origin string) (*ProvisionedWallet, error) {
	address, err := cryptoutils.AddressOf(key)
	if err != nil {
		return nil, err
	}

	parts, err := cryptoutils.Split(key)
	if err != nil {
		return nil, err
	}
	defer parts.Wipe()

	walletID := uuid.NewString()
	serverShareEnc, err := c.sealServerShare(walletID, parts.Server)
	if err != nil {
		return nil, err
	}

	recoveryRef, err := c.escrow.Deposit(ctx, parts.Recovery)
	if err != nil {
		return nil, fmt.Errorf("failed to escrow recovery share: %w", err)
	}

	now := c.now().UTC()
	wallet := &interfaces.Wallet{
		ID:               walletID,
		UserID:           userID,
		Address:          address.Hex(),
		ServerShareEnc:   serverShareEnc,
		RecoveryShareRef: recoveryRef,
		Status:           interfaces.WalletActive,
		RecoveryMethod:   method,
		CreatedAt:        now,
	}
	rows := []*interfaces.KeyShare{
		{ID: uuid.NewString(), WalletID: walletID, Kind: interfaces.ShareDevice, Index: 0, Active: true, CreatedAt: now},
		{ID: uuid.NewString(), WalletID: walletID, Kind: interfaces.ShareServer, Index: 1, Active: true, CreatedAt: now},
		{ID: uuid.NewString(), WalletID: walletID, Kind: interfaces.ShareRecovery, Index: 2, Active: true, CreatedAt: now},
	}

	err = c.store.RunInTx(ctx, func(tx interfaces.Store) error {
		if err := tx.CreateWallet(ctx, wallet); err != nil {
			return err
		}
		return tx.CreateShares(ctx, rows)
	})
	if err != nil {
		// The escrowed blob is content addressed and sealed, an orphan is harmless.
		c.log.Warn("Wallet provisioning failed after escrow deposit", "user_id", userID, "recovery_ref", recoveryRef, "err", err)
		return nil, fmt.Errorf("failed to persist wallet: %w", err)
	}

	if c.directory != nil {
		if err := c.directory.BindWalletAddress(ctx, userID, wallet.Address); err != nil {
			c.log.Warn("Failed to bind wallet address to user", "user_id", userID, "address", wallet.Address, "err", err)
		}
	}

	c.metrics.WalletCreated(origin)
	c.log.Info("Provisioned wallet", "wallet_id", walletID, "user_id", userID, "address", wallet.Address, "origin", origin)

	return &ProvisionedWallet{
		WalletID:    walletID,
		Address:     wallet.Address,
		DeviceShare: append([]byte(nil), parts.Device...),
	}, nil
}

func (c *CustodyService) sealServerShare(walletID string, share []byte) (string, error) {
	shareKey, err := cryptoutils.DeriveShareKey(c.masterKey, walletID)
	if err != nil {
		return "", err
	}
	defer cryptoutils.WipeBytes(shareKey)
	return cryptoutils.SealShare(shareKey, share, []byte(walletID))
}

func (c *CustodyService) openServerShare(w *interfaces.Wallet) ([]byte, error) {
	shareKey, err := cryptoutils.DeriveShareKey(c.masterKey, w.ID)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(shareKey)
	return cryptoutils.OpenShare(shareKey, w.ServerShareEnc, []byte(w.ID))
}

// ReconstructSigner combines deviceShare with the wallet's server share. The
// returned signer must be wiped by the caller right after use.
func (c *CustodyService) ReconstructSigner(ctx context.Context, walletID string, deviceShare []byte) (*cryptoutils.Signer, error) {
	start := c.now()
	defer c.metrics.ObserveReconstruct(start)

	wallet, err := c.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if wallet.ServerShareEnc == "" {
		return nil, interfaces.ErrServerShareUnavailable
	}
	if len(deviceShare) != cryptoutils.ShareLength {
		return nil, fmt.Errorf("%w: device share must be %d bytes", interfaces.ErrInvalidShareFormat, cryptoutils.ShareLength)
	}

	serverShare, err := c.openServerShare(wallet)
	if err != nil {
		c.log.Warn("Failed to open server share", "wallet_id", walletID, "err", err)
		return nil, err
	}
	defer cryptoutils.WipeBytes(serverShare)

	// A share from this wallet's split never carries the server share's tag.
	if deviceShare[cryptoutils.ShareLength-1] == serverShare[cryptoutils.ShareLength-1] {
		return nil, interfaces.ErrShareMismatch
	}

	key, err := cryptoutils.Combine(deviceShare, serverShare)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(key)

	signer, err := cryptoutils.NewSigner(key)
	if err != nil {
		// Foreign shares can combine into a scalar outside the curve order.
		return nil, interfaces.ErrShareMismatch
	}
	if !strings.EqualFold(signer.Address().Hex(), wallet.Address) {
		signer.Wipe()
		c.log.Warn("Device share does not match wallet", "wallet_id", walletID)
		return nil, interfaces.ErrShareMismatch
	}

	if err := c.store.TouchWallet(ctx, walletID, c.now().UTC()); err != nil {
		c.log.Warn("Failed to update wallet last use", "wallet_id", walletID, "err", err)
	}
	return signer, nil
}

// TxRequest describes a transaction to sign. Setting GasPrice produces a
// legacy transaction, otherwise a dynamic fee one.
type TxRequest struct {
	ChainID   *big.Int
	Nonce     uint64
	To        *common.Address
	Value     *big.Int
	Gas       uint64
	GasPrice  *big.Int
	GasTipCap *big.Int
	GasFeeCap *big.Int
	Data      []byte
}

// SignedTx is an RLP encoded signed transaction and its hash.
type SignedTx struct {
	Raw  string `json:"raw"`
	Hash string `json:"hash"`
}

func (c *CustodyService) buildTx(req TxRequest) *types.Transaction {
	chainID := req.ChainID
	if chainID == nil {
		chainID = c.chainID
	}
	if req.GasPrice != nil {
		return types.NewTx(&types.LegacyTx{
			Nonce:    req.Nonce,
			GasPrice: req.GasPrice,
			Gas:      req.Gas,
			To:       req.To,
			Value:    req.Value,
			Data:     req.Data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     req.Nonce,
		GasTipCap: req.GasTipCap,
		GasFeeCap: req.GasFeeCap,
		Gas:       req.Gas,
		To:        req.To,
		Value:     req.Value,
		Data:      req.Data,
	})
}

// SignTransaction signs req with the wallet key. Nothing is broadcast.
func (c *CustodyService) SignTransaction(ctx context.Context, walletID string, deviceShare []byte, req TxRequest) (result *SignedTx, err error) {
	defer func() { c.metrics.SignOperation(signKindTransaction, err) }()

	signer, err := c.ReconstructSigner(ctx, walletID, deviceShare)
	if err != nil {
		return nil, err
	}
	defer signer.Wipe()

	chainID := req.ChainID
	if chainID == nil {
		chainID = c.chainID
	}
	signed, err := signer.SignTx(c.buildTx(req), chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	c.log.Info("Signed transaction", "wallet_id", walletID, "tx_hash", signed.Hash().Hex())
	return &SignedTx{Raw: hexutil.Encode(raw), Hash: signed.Hash().Hex()}, nil
}

// SignMessage returns a personal_sign signature over message.
func (c *CustodyService) SignMessage(ctx context.Context, walletID string, deviceShare []byte, message []byte) (sig string, err error) {
	defer func() { c.metrics.SignOperation(signKindMessage, err) }()

	signer, err := c.ReconstructSigner(ctx, walletID, deviceShare)
	if err != nil {
		return "", err
	}
	defer signer.Wipe()

	raw, err := signer.SignMessage(message)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return hexutil.Encode(raw), nil
}

// GetWallet returns the wallet of userID.
func (c *CustodyService) GetWallet(ctx context.Context, userID string) (*interfaces.Wallet, error) {
	return c.store.GetWalletByUser(ctx, userID)
}

// WalletStatus assembles the status view of the user's wallet.
func (c *CustodyService) WalletStatus(ctx context.Context, userID string) (*interfaces.WalletView, error) {
	wallet, err := c.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	guardians, err := c.store.CountGuardians(ctx, wallet.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count guardians: %w", err)
	}
	rows, err := c.store.ListShares(ctx, wallet.ID, interfaces.ShareDevice)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	devices := []interfaces.DeviceView{}
	for _, row := range interfaces.ActiveDevicesByRecency(rows) {
		devices = append(devices, interfaces.NewDeviceView(row))
	}

	return &interfaces.WalletView{
		ID:             wallet.ID,
		Address:        wallet.Address,
		Status:         wallet.Status,
		RecoveryMethod: wallet.RecoveryMethod,
		GuardianCount:  guardians,
		Devices:        devices,
		CreatedAt:      wallet.CreatedAt,
		LastUsedAt:     wallet.LastUsedAt,
	}, nil
}

// SetStatus flips the wallet status. With a non-nil tx the write joins the
// caller's transaction.
func (c *CustodyService) SetStatus(ctx context.Context, tx interfaces.Store, walletID string, status interfaces.WalletStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown wallet status %q", interfaces.ErrInvalidArgument, status)
	}
	if tx == nil {
		tx = c.store
	}
	if err := tx.UpdateWalletStatus(ctx, walletID, status); err != nil {
		return err
	}
	c.log.Info("Wallet status changed", "wallet_id", walletID, "status", status)
	return nil
}
