package interfaces

import (
	"context"
	"time"
)

// WalletStore persists Wallet rows. At most one wallet exists per user and per
// address; violations return ErrAlreadyExists.
type WalletStore interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (*Wallet, error)
	// GetWalletByAddress matches addresses case-insensitively.
	GetWalletByAddress(ctx context.Context, address string) (*Wallet, error)
	UpdateWalletStatus(ctx context.Context, id string, status WalletStatus) error
	TouchWallet(ctx context.Context, id string, at time.Time) error
}

// ShareStore persists KeyShare metadata rows. Rows are never deleted.
type ShareStore interface {
	CreateShares(ctx context.Context, shares []*KeyShare) error
	ListShares(ctx context.Context, walletID string, kind ShareKind) ([]*KeyShare, error)
	UpdateShare(ctx context.Context, s *KeyShare) error
}

// GuardianStore persists RecoveryGuardian rows.
type GuardianStore interface {
	CreateGuardian(ctx context.Context, g *RecoveryGuardian) error
	GetGuardian(ctx context.Context, id string) (*RecoveryGuardian, error)
	ListGuardians(ctx context.Context, walletID string) ([]*RecoveryGuardian, error)
	CountGuardians(ctx context.Context, walletID string) (int, error)
	// FindGuardianByUser returns the guardian of walletID linked to userID.
	FindGuardianByUser(ctx context.Context, walletID, userID string) (*RecoveryGuardian, error)
	UpdateGuardian(ctx context.Context, g *RecoveryGuardian) error
	ResetGuardianApprovals(ctx context.Context, walletID string) error
}

// SessionStore persists RecoverySession rows. At most one session per wallet
// may be in an active status; violations return ErrAlreadyInProgress.
type SessionStore interface {
	CreateSession(ctx context.Context, s *RecoverySession) error
	GetSession(ctx context.Context, id string) (*RecoverySession, error)
	// FindActiveSession returns the PENDING or APPROVING session of a wallet.
	FindActiveSession(ctx context.Context, walletID string) (*RecoverySession, error)
	UpdateSession(ctx context.Context, s *RecoverySession) error
}

// Store is the persisted state of the custody core: four logical tables.
type Store interface {
	WalletStore
	ShareStore
	GuardianStore
	SessionStore

	// RunInTx runs fn against a transactional view of the store. Rows read
	// through the view are locked until fn returns; a returned error rolls
	// back every write made through it.
	RunInTx(ctx context.Context, fn func(tx Store) error) error
}
