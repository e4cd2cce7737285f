package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inomad/custody-backend/interfaces"
	"github.com/inomad/custody-backend/metrics"
)

const (
	defaultNotifyTimeout   = 10 * time.Second
	defaultMaxCodeAttempts = 5
)

// WalletStatusSetter flips wallet status, joining the caller's transaction.
type WalletStatusSetter interface {
	SetStatus(ctx context.Context, tx interfaces.Store, walletID string, status interfaces.WalletStatus) error
}

// DeviceRevoker revokes the device shares of a wallet once recovery
// completes.
type DeviceRevoker interface {
	RevokeAllDevices(ctx context.Context, tx interfaces.Store, walletID, reason string) (int, error)
}

// Config tunes the coordinator.
type Config struct {
	// ApprovalURL prefixes the session id in guardian approval links.
	ApprovalURL string
	// NotifyTimeout bounds notification delivery after a state change.
	NotifyTimeout time.Duration
	// MaxCodeAttempts is the number of wrong codes a session tolerates.
	MaxCodeAttempts int
}

// Coordinator manages guardians and recovery sessions.
type Coordinator struct {
	cfg       Config
	store     interfaces.Store
	wallets   WalletStatusSetter
	devices   DeviceRevoker
	directory interfaces.IdentityDirectory
	notifier  interfaces.Notifier
	limiter   AttemptLimiter
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
	newCode   func() (string, error)
}

type Option func(*Coordinator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithAttemptLimiter replaces the in-process limiter, typically with a
// RedisLimiter shared by all replicas.
func WithAttemptLimiter(l AttemptLimiter) Option {
	return func(c *Coordinator) {
		c.limiter = l
	}
}

// WithCodeGenerator overrides verification code generation.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(c *Coordinator) {
		c.newCode = gen
	}
}

func NewCoordinator(
	cfg Config,
	store interfaces.Store,
	wallets WalletStatusSetter,
	devices DeviceRevoker,
	directory interfaces.IdentityDirectory,
	notifier interfaces.Notifier,
	log *slog.Logger,
	opts ...Option,
) (*Coordinator, error) {
	switch {
	case store == nil:
		return nil, errors.New("store is required")
	case wallets == nil:
		return nil, errors.New("wallet status setter is required")
	case devices == nil:
		return nil, errors.New("device revoker is required")
	case directory == nil:
		return nil, errors.New("identity directory is required")
	case notifier == nil:
		return nil, errors.New("notifier is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = defaultMaxCodeAttempts
	}

	c := &Coordinator{
		cfg:       cfg,
		store:     store,
		wallets:   wallets,
		devices:   devices,
		directory: directory,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
		newCode:   GenerateCode,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.limiter == nil {
		c.limiter = NewMemoryLimiter(c.now)
	}
	return c, nil
}

// GuardianInput describes a guardian to add.
type GuardianInput struct {
	Type         interfaces.GuardianType
	Ref          string
	Name         string
	LinkedUserID string
}

// AddGuardian registers an unconfirmed guardian. A wallet holds at most
// MaxGuardiansPerWallet guardians and a user can guard a wallet only once.
func (c *Coordinator) AddGuardian(ctx context.Context, walletID string, in GuardianInput) (*interfaces.RecoveryGuardian, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown guardian type %q", interfaces.ErrInvalidArgument, in.Type)
	}
	if strings.TrimSpace(in.Ref) == "" {
		return nil, fmt.Errorf("%w: guardian reference is required", interfaces.ErrInvalidArgument)
	}

	guardian := &interfaces.RecoveryGuardian{
		ID:           uuid.NewString(),
		WalletID:     walletID,
		Type:         in.Type,
		Ref:          strings.TrimSpace(in.Ref),
		Name:         in.Name,
		LinkedUserID: in.LinkedUserID,
		CreatedAt:    c.now().UTC(),
	}

	err := c.store.RunInTx(ctx, func(tx interfaces.Store) error {
		wallet, err := tx.GetWallet(ctx, walletID)
		if err != nil {
			return err
		}
		if in.LinkedUserID != "" && in.LinkedUserID == wallet.UserID {
			return fmt.Errorf("%w: owners cannot guard their own wallet", interfaces.ErrInvalidArgument)
		}

		count, err := tx.CountGuardians(ctx, walletID)
		if err != nil {
			return err
		}
		if count >= interfaces.MaxGuardiansPerWallet {
			return fmt.Errorf("%w: wallet already has %d guardians", interfaces.ErrLimitExceeded, count)
		}

		if in.LinkedUserID != "" {
			_, err := tx.FindGuardianByUser(ctx, walletID, in.LinkedUserID)
			switch {
			case err == nil:
				return fmt.Errorf("%w: user already guards this wallet", interfaces.ErrAlreadyExists)
			case !errors.Is(err, interfaces.ErrNotFound):
				return err
			}
		}
		return tx.CreateGuardian(ctx, guardian)
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("Guardian added", "wallet_id", walletID, "guardian_id", guardian.ID, "type", guardian.Type)
	return guardian, nil
}

// ListGuardians returns the wallet's guardians, confirmed ones first.
func (c *Coordinator) ListGuardians(ctx context.Context, walletID string) ([]*interfaces.RecoveryGuardian, error) {
	guardians, err := c.store.ListGuardians(ctx, walletID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(guardians, func(i, j int) bool {
		return guardians[i].Confirmed && !guardians[j].Confirmed
	})
	return guardians, nil
}

// ConfirmGuardian is the out-of-band acceptance by the guardian's own user.
// Confirming twice is a no-op.
func (c *Coordinator) ConfirmGuardian(ctx context.Context, guardianID, userID string) (*interfaces.RecoveryGuardian, error) {
	var guardian *interfaces.RecoveryGuardian
	err := c.store.RunInTx(ctx, func(tx interfaces.Store) error {
		g, err := tx.GetGuardian(ctx, guardianID)
		if err != nil {
			return err
		}
		if g.LinkedUserID == "" || g.LinkedUserID != userID {
			return interfaces.ErrInvalidGuardian
		}
		guardian = g
		if g.Confirmed {
			return nil
		}
		g.Confirmed = true
		return tx.UpdateGuardian(ctx, g)
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("Guardian confirmed", "wallet_id", guardian.WalletID, "guardian_id", guardianID)
	return guardian, nil
}

// SuggestGuardians derives candidate guardians from the user's social graph.
// It never fails: unknown users and directory errors yield no suggestions.
func (c *Coordinator) SuggestGuardians(ctx context.Context, userID string) []interfaces.GuardianSuggestion {
	suggestions := []interfaces.GuardianSuggestion{}

	if _, err := c.directory.LookupUser(ctx, userID); err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			c.log.Warn("Failed to look up user for guardian suggestions", "user_id", userID, "err", err)
		}
		return suggestions
	}
	graph, err := c.directory.SocialGraph(ctx, userID)
	if err != nil {
		c.log.Warn("Failed to load social graph", "user_id", userID, "err", err)
		return suggestions
	}

	seen := map[string]bool{userID: true}
	add := func(candidateID string, typ interfaces.GuardianType, label, relationship string, trust interfaces.TrustTier) {
		if candidateID == "" || seen[candidateID] {
			return
		}
		seen[candidateID] = true

		s := interfaces.GuardianSuggestion{
			Type:         typ,
			UserID:       candidateID,
			Ref:          candidateID,
			Name:         label,
			Relationship: relationship,
			Trust:        trust,
		}
		if u, err := c.directory.LookupUser(ctx, candidateID); err == nil && u.Username != "" {
			s.Name = u.Username
		}
		suggestions = append(suggestions, s)
	}

	for _, family := range graph.Families {
		add(family.SpouseID, interfaces.GuardianSpouse, "", "Spouse", interfaces.TrustHigh)
		add(family.RepresentativeID, interfaces.GuardianKhuralRep, "Khural Representative", "Khural Representative", interfaces.TrustHigh)
		for _, child := range family.AdultChildIDs {
			add(child, interfaces.GuardianFamily, "", "Child", interfaces.TrustMedium)
		}
	}
	for _, org := range graph.Organizations {
		add(org.LeaderID, interfaces.GuardianFriend, "Org Leader", "Organization Leader", interfaces.TrustMedium)
	}
	return suggestions
}
