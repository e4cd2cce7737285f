package interfaces

import (
	"fmt"
	"time"
)

// SessionStatus is the state of a recovery session.
//
//	PENDING ──approve──▶ APPROVING ──complete──▶ COMPLETED
//	   │                    │
//	   └──────expire────────┴──────────────────▶ EXPIRED
//
// PENDING may also complete directly (EMAIL/PHONE methods). COMPLETED and
// EXPIRED are terminal.
type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionApproving SessionStatus = "APPROVING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionExpired   SessionStatus = "EXPIRED"
)

// RecoverySessionTTL is the fixed lifetime of a recovery session.
const RecoverySessionTTL = 24 * time.Hour

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:   {SessionApproving, SessionCompleted, SessionExpired},
	SessionApproving: {SessionApproving, SessionCompleted, SessionExpired},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the status counts towards the one-open-session rule.
func (s SessionStatus) Active() bool {
	return s == SessionPending || s == SessionApproving
}

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionExpired
}

// RecoverySession is one recovery attempt for a wallet.
//
// VerificationCodeHash holds the SHA-256 digest of the EMAIL/PHONE code; the
// cleartext code only exists in the outbound notification.
type RecoverySession struct {
	ID                   string
	WalletID             string
	Status               SessionStatus
	Method               RecoveryMethod
	VerificationCodeHash string
	RequiredApprovals    int
	CurrentApprovals     int
	CreatedAt            time.Time
	ExpiresAt            time.Time
	CompletedAt          *time.Time
}

// IsExpiredAt reports whether the session is past its deadline or already
// marked expired.
func (s *RecoverySession) IsExpiredAt(now time.Time) bool {
	return s.Status == SessionExpired || now.After(s.ExpiresAt)
}

func (s *RecoverySession) transition(to SessionStatus) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	return nil
}

// Approve records one more guardian approval. Only SOCIAL sessions accept
// approvals.
func (s *RecoverySession) Approve() error {
	if s.Method != RecoverySocial {
		return fmt.Errorf("%w: %s sessions do not take guardian approvals", ErrInvalidTransition, s.Method)
	}
	if err := s.transition(SessionApproving); err != nil {
		return err
	}
	s.CurrentApprovals++
	return nil
}

// Complete moves the session to COMPLETED.
func (s *RecoverySession) Complete(now time.Time) error {
	if err := s.transition(SessionCompleted); err != nil {
		return err
	}
	s.CompletedAt = &now
	return nil
}

// Expire moves the session to EXPIRED.
func (s *RecoverySession) Expire() error {
	return s.transition(SessionExpired)
}

// HasQuorum reports whether enough guardians approved.
func (s *RecoverySession) HasQuorum() bool {
	return s.CurrentApprovals >= s.RequiredApprovals
}

// RequiredApprovalsFor returns the social quorum for a number of confirmed
// guardians: the ceiling of half.
func RequiredApprovalsFor(confirmed int) int {
	return (confirmed + 1) / 2
}
