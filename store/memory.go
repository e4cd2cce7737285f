package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/inomad/custody-backend/interfaces"
)

// Memory is an in-process Store. A transaction holds the store lock for its
// whole duration and works on a copy of the tables that is swapped in on
// success, so a failed closure leaves no trace.
type Memory struct {
	mu     sync.Mutex
	tables *memTables
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: newMemTables()}
}

type memTables struct {
	wallets   map[string]*interfaces.Wallet
	shares    map[string]*interfaces.KeyShare
	guardians map[string]*interfaces.RecoveryGuardian
	sessions  map[string]*interfaces.RecoverySession
}

func newMemTables() *memTables {
	return &memTables{
		wallets:   make(map[string]*interfaces.Wallet),
		shares:    make(map[string]*interfaces.KeyShare),
		guardians: make(map[string]*interfaces.RecoveryGuardian),
		sessions:  make(map[string]*interfaces.RecoverySession),
	}
}

func (t *memTables) clone() *memTables {
	c := newMemTables()
	for k, v := range t.wallets {
		c.wallets[k] = copyWallet(v)
	}
	for k, v := range t.shares {
		c.shares[k] = copyShare(v)
	}
	for k, v := range t.guardians {
		c.guardians[k] = copyGuardian(v)
	}
	for k, v := range t.sessions {
		c.sessions[k] = copySession(v)
	}
	return c
}

// RunInTx runs fn with exclusive access to the store.
func (m *Memory) RunInTx(ctx context.Context, fn func(tx interfaces.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.tables.clone()
	if err := fn(&memTx{tables: work}); err != nil {
		return err
	}
	m.tables = work
	return nil
}

func (m *Memory) view() *memTx {
	return &memTx{tables: m.tables}
}

func (m *Memory) CreateWallet(ctx context.Context, w *interfaces.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().CreateWallet(ctx, w)
}

func (m *Memory) GetWallet(ctx context.Context, id string) (*interfaces.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetWallet(ctx, id)
}

func (m *Memory) GetWalletByUser(ctx context.Context, userID string) (*interfaces.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetWalletByUser(ctx, userID)
}

func (m *Memory) GetWalletByAddress(ctx context.Context, address string) (*interfaces.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetWalletByAddress(ctx, address)
}

func (m *Memory) UpdateWalletStatus(ctx context.Context, id string, status interfaces.WalletStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpdateWalletStatus(ctx, id, status)
}

func (m *Memory) TouchWallet(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().TouchWallet(ctx, id, at)
}

func (m *Memory) CreateShares(ctx context.Context, shares []*interfaces.KeyShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().CreateShares(ctx, shares)
}

func (m *Memory) ListShares(ctx context.Context, walletID string, kind interfaces.ShareKind) ([]*interfaces.KeyShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListShares(ctx, walletID, kind)
}

func (m *Memory) UpdateShare(ctx context.Context, s *interfaces.KeyShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpdateShare(ctx, s)
}

func (m *Memory) CreateGuardian(ctx context.Context, g *interfaces.RecoveryGuardian) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().CreateGuardian(ctx, g)
}

func (m *Memory) GetGuardian(ctx context.Context, id string) (*interfaces.RecoveryGuardian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetGuardian(ctx, id)
}

func (m *Memory) ListGuardians(ctx context.Context, walletID string) ([]*interfaces.RecoveryGuardian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListGuardians(ctx, walletID)
}

func (m *Memory) CountGuardians(ctx context.Context, walletID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().CountGuardians(ctx, walletID)
}

func (m *Memory) FindGuardianByUser(ctx context.Context, walletID, userID string) (*interfaces.RecoveryGuardian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().FindGuardianByUser(ctx, walletID, userID)
}

func (m *Memory) UpdateGuardian(ctx context.Context, g *interfaces.RecoveryGuardian) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpdateGuardian(ctx, g)
}

func (m *Memory) ResetGuardianApprovals(ctx context.Context, walletID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ResetGuardianApprovals(ctx, walletID)
}

func (m *Memory) CreateSession(ctx context.Context, s *interfaces.RecoverySession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().CreateSession(ctx, s)
}

func (m *Memory) GetSession(ctx context.Context, id string) (*interfaces.RecoverySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetSession(ctx, id)
}

func (m *Memory) FindActiveSession(ctx context.Context, walletID string) (*interfaces.RecoverySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().FindActiveSession(ctx, walletID)
}

func (m *Memory) UpdateSession(ctx context.Context, s *interfaces.RecoverySession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpdateSession(ctx, s)
}

// memTx operates on tables without locking. The caller holds Memory.mu.
type memTx struct {
	tables *memTables
}

// RunInTx on an open transaction joins it.
func (t *memTx) RunInTx(_ context.Context, fn func(tx interfaces.Store) error) error {
	return fn(t)
}

func (t *memTx) CreateWallet(_ context.Context, w *interfaces.Wallet) error {
	if _, ok := t.tables.wallets[w.ID]; ok {
		return fmt.Errorf("%w: wallet %s", interfaces.ErrAlreadyExists, w.ID)
	}
	for _, existing := range t.tables.wallets {
		if existing.UserID == w.UserID {
			return fmt.Errorf("%w: wallet for user %s", interfaces.ErrAlreadyExists, w.UserID)
		}
		if strings.EqualFold(existing.Address, w.Address) {
			return fmt.Errorf("%w: wallet with address %s", interfaces.ErrAlreadyExists, w.Address)
		}
	}
	t.tables.wallets[w.ID] = copyWallet(w)
	return nil
}

func (t *memTx) GetWallet(_ context.Context, id string) (*interfaces.Wallet, error) {
	w, ok := t.tables.wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", interfaces.ErrNotFound, id)
	}
	return copyWallet(w), nil
}

func (t *memTx) GetWalletByUser(_ context.Context, userID string) (*interfaces.Wallet, error) {
	for _, w := range t.tables.wallets {
		if w.UserID == userID {
			return copyWallet(w), nil
		}
	}
	return nil, fmt.Errorf("%w: wallet for user %s", interfaces.ErrNotFound, userID)
}

func (t *memTx) GetWalletByAddress(_ context.Context, address string) (*interfaces.Wallet, error) {
	for _, w := range t.tables.wallets {
		if strings.EqualFold(w.Address, address) {
			return copyWallet(w), nil
		}
	}
	return nil, fmt.Errorf("%w: wallet with address %s", interfaces.ErrNotFound, address)
}

func (t *memTx) UpdateWalletStatus(_ context.Context, id string, status interfaces.WalletStatus) error {
	w, ok := t.tables.wallets[id]
	if !ok {
		return fmt.Errorf("%w: wallet %s", interfaces.ErrNotFound, id)
	}
	w.Status = status
	return nil
}

func (t *memTx) TouchWallet(_ context.Context, id string, at time.Time) error {
	w, ok := t.tables.wallets[id]
	if !ok {
		return fmt.Errorf("%w: wallet %s", interfaces.ErrNotFound, id)
	}
	w.LastUsedAt = &at
	return nil
}

func (t *memTx) CreateShares(_ context.Context, shares []*interfaces.KeyShare) error {
	pending := make(map[string]struct{}, len(shares))
	for _, s := range shares {
		if _, ok := t.tables.shares[s.ID]; ok {
			return fmt.Errorf("%w: share %s", interfaces.ErrAlreadyExists, s.ID)
		}
		slot := fmt.Sprintf("%s/%s/%d", s.WalletID, s.Kind, s.Index)
		if _, ok := pending[slot]; ok {
			return fmt.Errorf("%w: share slot %s", interfaces.ErrAlreadyExists, slot)
		}
		for _, existing := range t.tables.shares {
			if existing.WalletID == s.WalletID && existing.Kind == s.Kind && existing.Index == s.Index {
				return fmt.Errorf("%w: share slot %s", interfaces.ErrAlreadyExists, slot)
			}
		}
		pending[slot] = struct{}{}
	}
	for _, s := range shares {
		t.tables.shares[s.ID] = copyShare(s)
	}
	return nil
}

// ListShares returns the shares of a wallet ordered by index. An empty kind
// lists every kind.
func (t *memTx) ListShares(_ context.Context, walletID string, kind interfaces.ShareKind) ([]*interfaces.KeyShare, error) {
	var out []*interfaces.KeyShare
	for _, s := range t.tables.shares {
		if s.WalletID != walletID || (kind != "" && s.Kind != kind) {
			continue
		}
		out = append(out, copyShare(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (t *memTx) UpdateShare(_ context.Context, s *interfaces.KeyShare) error {
	if _, ok := t.tables.shares[s.ID]; !ok {
		return fmt.Errorf("%w: share %s", interfaces.ErrNotFound, s.ID)
	}
	t.tables.shares[s.ID] = copyShare(s)
	return nil
}

func (t *memTx) CreateGuardian(_ context.Context, g *interfaces.RecoveryGuardian) error {
	if _, ok := t.tables.guardians[g.ID]; ok {
		return fmt.Errorf("%w: guardian %s", interfaces.ErrAlreadyExists, g.ID)
	}
	t.tables.guardians[g.ID] = copyGuardian(g)
	return nil
}

func (t *memTx) GetGuardian(_ context.Context, id string) (*interfaces.RecoveryGuardian, error) {
	g, ok := t.tables.guardians[id]
	if !ok {
		return nil, fmt.Errorf("%w: guardian %s", interfaces.ErrNotFound, id)
	}
	return copyGuardian(g), nil
}

// ListGuardians returns the guardians of a wallet in creation order.
func (t *memTx) ListGuardians(_ context.Context, walletID string) ([]*interfaces.RecoveryGuardian, error) {
	var out []*interfaces.RecoveryGuardian
	for _, g := range t.tables.guardians {
		if g.WalletID == walletID {
			out = append(out, copyGuardian(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) CountGuardians(_ context.Context, walletID string) (int, error) {
	n := 0
	for _, g := range t.tables.guardians {
		if g.WalletID == walletID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) FindGuardianByUser(_ context.Context, walletID, userID string) (*interfaces.RecoveryGuardian, error) {
	for _, g := range t.tables.guardians {
		if g.WalletID == walletID && g.LinkedUserID != "" && g.LinkedUserID == userID {
			return copyGuardian(g), nil
		}
	}
	return nil, fmt.Errorf("%w: guardian for user %s", interfaces.ErrNotFound, userID)
}

func (t *memTx) UpdateGuardian(_ context.Context, g *interfaces.RecoveryGuardian) error {
	if _, ok := t.tables.guardians[g.ID]; !ok {
		return fmt.Errorf("%w: guardian %s", interfaces.ErrNotFound, g.ID)
	}
	t.tables.guardians[g.ID] = copyGuardian(g)
	return nil
}

func (t *memTx) ResetGuardianApprovals(_ context.Context, walletID string) error {
	for _, g := range t.tables.guardians {
		if g.WalletID == walletID {
			g.RecoveryApproved = false
			g.ApprovedAt = nil
		}
	}
	return nil
}

func (t *memTx) CreateSession(_ context.Context, s *interfaces.RecoverySession) error {
	if _, ok := t.tables.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %s", interfaces.ErrAlreadyExists, s.ID)
	}
	if err := t.checkSingleActive(s); err != nil {
		return err
	}
	t.tables.sessions[s.ID] = copySession(s)
	return nil
}

func (t *memTx) GetSession(_ context.Context, id string) (*interfaces.RecoverySession, error) {
	s, ok := t.tables.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", interfaces.ErrNotFound, id)
	}
	return copySession(s), nil
}

func (t *memTx) FindActiveSession(_ context.Context, walletID string) (*interfaces.RecoverySession, error) {
	for _, s := range t.tables.sessions {
		if s.WalletID == walletID && s.Status.Active() {
			return copySession(s), nil
		}
	}
	return nil, fmt.Errorf("%w: active session for wallet %s", interfaces.ErrNotFound, walletID)
}

func (t *memTx) UpdateSession(_ context.Context, s *interfaces.RecoverySession) error {
	if _, ok := t.tables.sessions[s.ID]; !ok {
		return fmt.Errorf("%w: session %s", interfaces.ErrNotFound, s.ID)
	}
	if err := t.checkSingleActive(s); err != nil {
		return err
	}
	t.tables.sessions[s.ID] = copySession(s)
	return nil
}

func (t *memTx) checkSingleActive(s *interfaces.RecoverySession) error {
	if !s.Status.Active() {
		return nil
	}
	for _, existing := range t.tables.sessions {
		if existing.ID != s.ID && existing.WalletID == s.WalletID && existing.Status.Active() {
			return fmt.Errorf("%w: wallet %s", interfaces.ErrAlreadyInProgress, s.WalletID)
		}
	}
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyWallet(w *interfaces.Wallet) *interfaces.Wallet {
	c := *w
	c.LastUsedAt = copyTime(w.LastUsedAt)
	return &c
}

func copyShare(s *interfaces.KeyShare) *interfaces.KeyShare {
	c := *s
	c.RevokedAt = copyTime(s.RevokedAt)
	c.LastUsedAt = copyTime(s.LastUsedAt)
	return &c
}

func copyGuardian(g *interfaces.RecoveryGuardian) *interfaces.RecoveryGuardian {
	c := *g
	c.ApprovedAt = copyTime(g.ApprovedAt)
	return &c
}

func copySession(s *interfaces.RecoverySession) *interfaces.RecoverySession {
	c := *s
	c.CompletedAt = copyTime(s.CompletedAt)
	return &c
}
