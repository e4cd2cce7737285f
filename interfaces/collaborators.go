package interfaces

import "context"

// CodeContext describes why a verification code was sent.
type CodeContext struct {
	Channel       RecoveryMethod
	WalletAddress string
	SessionID     string
}

// Notifier delivers recovery messages. The core does not care about
// transport and tolerates non-delivery: every error is logged and dropped.
type Notifier interface {
	SendCode(ctx context.Context, destination, code string, codeCtx CodeContext) error
	NotifyGuardian(ctx context.Context, destination, requesterName, walletRef, approvalLink string) error
	NotifyRecoveryComplete(ctx context.Context, destination, walletRef string) error
}

// User is the subset of an identity record the custody core reads.
type User struct {
	ID            string
	Username      string
	Email         string
	Phone         string
	WalletAddress string
}

// FamilyUnit is one family the user belongs to.
type FamilyUnit struct {
	SpouseID         string
	RepresentativeID string
	AdultChildIDs    []string
}

// Organization is one organisation the user is a member of.
type Organization struct {
	Name     string
	LeaderID string
}

// SocialGraph is the relationship data used to suggest guardians.
type SocialGraph struct {
	Families      []FamilyUnit
	Organizations []Organization
}

// IdentityDirectory resolves users and their relationships. Lookups of
// unknown users return ErrNotFound.
type IdentityDirectory interface {
	LookupUser(ctx context.Context, userID string) (*User, error)
	BindWalletAddress(ctx context.Context, userID, address string) error
	SocialGraph(ctx context.Context, userID string) (*SocialGraph, error)
}
