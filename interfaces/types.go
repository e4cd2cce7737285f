package interfaces

import (
	"sort"
	"time"
)

// WalletStatus is the lifecycle state of a custodial wallet.
type WalletStatus string

const (
	// WalletActive wallets can sign with a device share.
	WalletActive WalletStatus = "ACTIVE"
	// WalletRecoveryMode wallets have an open recovery session.
	WalletRecoveryMode WalletStatus = "RECOVERY_MODE"
)

// Valid reports whether s is a known wallet status.
func (s WalletStatus) Valid() bool {
	return s == WalletActive || s == WalletRecoveryMode
}

// RecoveryMethod selects how a recovery session is verified.
type RecoveryMethod string

const (
	RecoveryEmail  RecoveryMethod = "EMAIL"
	RecoveryPhone  RecoveryMethod = "PHONE"
	RecoverySocial RecoveryMethod = "SOCIAL"
)

// Valid reports whether m is a known recovery method.
func (m RecoveryMethod) Valid() bool {
	switch m {
	case RecoveryEmail, RecoveryPhone, RecoverySocial:
		return true
	default:
		return false
	}
}

// ShareKind identifies which custody domain a key share belongs to.
type ShareKind string

const (
	ShareDevice   ShareKind = "DEVICE"
	ShareServer   ShareKind = "SERVER"
	ShareRecovery ShareKind = "RECOVERY"
)

// GuardianType describes the relationship of a guardian to the wallet owner.
type GuardianType string

const (
	GuardianSpouse    GuardianType = "SPOUSE"
	GuardianFamily    GuardianType = "FAMILY"
	GuardianFriend    GuardianType = "FRIEND"
	GuardianKhuralRep GuardianType = "KHURAL_REP"
	GuardianOther     GuardianType = "OTHER"
)

// Valid reports whether t is a known guardian type.
func (t GuardianType) Valid() bool {
	switch t {
	case GuardianSpouse, GuardianFamily, GuardianFriend, GuardianKhuralRep, GuardianOther:
		return true
	default:
		return false
	}
}

// TrustTier ranks a guardian suggestion.
type TrustTier string

const (
	TrustHigh   TrustTier = "HIGH"
	TrustMedium TrustTier = "MEDIUM"
	TrustLow    TrustTier = "LOW"
)

// MaxGuardiansPerWallet caps the number of guardians a wallet may register.
const MaxGuardiansPerWallet = 5

// Wallet identifies one user's custodial signing key.
//
// ServerShareEnc is the only persisted representation of key material that the
// server can open; it is sealed under a key derived from the configured master key
// and must never be logged. RecoveryShareRef points at the age-encrypted recovery
// share in the escrow storage backend.
type Wallet struct {
	ID               string
	UserID           string
	Address          string
	ServerShareEnc   string
	RecoveryShareRef string
	Status           WalletStatus
	RecoveryMethod   RecoveryMethod
	CreatedAt        time.Time
	LastUsedAt       *time.Time
}

// KeyShare is share metadata. It never carries secret bytes.
type KeyShare struct {
	ID            string
	WalletID      string
	Kind          ShareKind
	Index         int
	DeviceID      string
	DeviceName    string
	UserAgent     string
	Active        bool
	RevokedReason string
	RevokedAt     *time.Time
	CreatedAt     time.Time
	LastUsedAt    *time.Time
}

// Revoke marks the share inactive. Revocation is permanent.
func (s *KeyShare) Revoke(reason string, now time.Time) {
	s.Active = false
	s.RevokedReason = reason
	s.RevokedAt = &now
}

// RecoveryGuardian is a third party entitled to approve social recovery.
type RecoveryGuardian struct {
	ID               string
	WalletID         string
	Type             GuardianType
	Ref              string
	Name             string
	LinkedUserID     string
	Confirmed        bool
	RecoveryApproved bool
	ApprovedAt       *time.Time
	CreatedAt        time.Time
}

// GuardianSuggestion is a candidate guardian derived from the social graph.
type GuardianSuggestion struct {
	Type         GuardianType `json:"type"`
	UserID       string       `json:"userId,omitempty"`
	Ref          string       `json:"ref"`
	Name         string       `json:"name,omitempty"`
	Relationship string       `json:"relationship"`
	Trust        TrustTier    `json:"trust"`
}

// WalletView is the read model served by the wallet status surface.
type WalletView struct {
	ID             string         `json:"id"`
	Address        string         `json:"address"`
	Status         WalletStatus   `json:"status"`
	RecoveryMethod RecoveryMethod `json:"recoveryMethod"`
	GuardianCount  int            `json:"guardianCount"`
	Devices        []DeviceView   `json:"devices"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastUsedAt     *time.Time     `json:"lastUsedAt,omitempty"`
}

// DeviceView is the public projection of a DEVICE share row.
type DeviceView struct {
	DeviceID   string     `json:"deviceId"`
	DeviceName string     `json:"deviceName,omitempty"`
	UserAgent  string     `json:"userAgent,omitempty"`
	Index      int        `json:"index"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// NewDeviceView projects a KeyShare row.
func NewDeviceView(s *KeyShare) DeviceView {
	return DeviceView{
		DeviceID:   s.DeviceID,
		DeviceName: s.DeviceName,
		UserAgent:  s.UserAgent,
		Index:      s.Index,
		LastUsedAt: s.LastUsedAt,
	}
}

// ActiveDevicesByRecency keeps active DEVICE rows bound to a device and
// orders them by most recent use. Rows that were never used sort last, oldest
// registration first.
func ActiveDevicesByRecency(rows []*KeyShare) []*KeyShare {
	active := make([]*KeyShare, 0, len(rows))
	for _, s := range rows {
		if s.Active && s.Kind == ShareDevice && s.DeviceID != "" {
			active = append(active, s)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i].LastUsedAt, active[j].LastUsedAt
		switch {
		case a != nil && b != nil:
			return a.After(*b)
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
	})
	return active
}
