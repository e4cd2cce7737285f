package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/inomad/custody-backend/interfaces"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultTxTimeout = 5 * time.Second

	uniqueViolation     = "23505"
	oneActiveSessionKey = "recovery_sessions_one_active_key"
)

// Migrate applies the custody schema. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres persists custody state in PostgreSQL through lib/pq.
type Postgres struct {
	db        *sql.DB
	q         queryer
	inTx      bool
	txTimeout time.Duration
}

// PostgresOption configures a Postgres store.
type PostgresOption func(*Postgres)

// WithTxTimeout bounds transactions started without a context deadline.
func WithTxTimeout(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		if d > 0 {
			p.txTimeout = d
		}
	}
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		db:        db,
		q:         db,
		txTimeout: defaultTxTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// OpenPostgres opens and pings a database from a lib/pq DSN.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// RunInTx runs fn inside a database transaction. Reads made through the
// transactional store take row locks (SELECT ... FOR UPDATE).
func (p *Postgres) RunInTx(ctx context.Context, fn func(tx interfaces.Store) error) error {
	if p.inTx {
		return fn(p)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.txTimeout)
		defer cancel()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&Postgres{db: p.db, q: tx, inTx: true, txTimeout: p.txTimeout}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapPQError(err))
	}
	return nil
}

func (p *Postgres) forUpdate() string {
	if p.inTx {
		return " FOR UPDATE"
	}
	return ""
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		if pqErr.Constraint == oneActiveSessionKey {
			return fmt.Errorf("%w: %s", interfaces.ErrAlreadyInProgress, pqErr.Message)
		}
		return fmt.Errorf("%w: %s", interfaces.ErrAlreadyExists, pqErr.Message)
	}
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, what)
	}
	return fmt.Errorf("query %s: %w", what, err)
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, what)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type scanner interface {
	Scan(dest ...any) error
}

// Wallets

const walletColumns = `id, user_id, address, server_share_enc, recovery_share_ref, status, recovery_method, created_at, last_used_at`

func scanWallet(row scanner) (*interfaces.Wallet, error) {
	var (
		w        interfaces.Wallet
		lastUsed sql.NullTime
	)
	if err := row.Scan(&w.ID, &w.UserID, &w.Address, &w.ServerShareEnc, &w.RecoveryShareRef,
		&w.Status, &w.RecoveryMethod, &w.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	w.LastUsedAt = timePtr(lastUsed)
	return &w, nil
}

func (p *Postgres) CreateWallet(ctx context.Context, w *interfaces.Wallet) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.UserID, w.Address, w.ServerShareEnc, w.RecoveryShareRef,
		string(w.Status), string(w.RecoveryMethod), w.CreatedAt, nullTime(w.LastUsedAt))
	if err != nil {
		return fmt.Errorf("create wallet: %w", mapPQError(err))
	}
	return nil
}

func (p *Postgres) GetWallet(ctx context.Context, id string) (*interfaces.Wallet, error) {
	w, err := scanWallet(p.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`+p.forUpdate(), id))
	if err != nil {
		return nil, notFound(err, "wallet "+id)
	}
	return w, nil
}

func (p *Postgres) GetWalletByUser(ctx context.Context, userID string) (*interfaces.Wallet, error) {
	w, err := scanWallet(p.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`+p.forUpdate(), userID))
	if err != nil {
		return nil, notFound(err, "wallet for user "+userID)
	}
	return w, nil
}

func (p *Postgres) GetWalletByAddress(ctx context.Context, address string) (*interfaces.Wallet, error) {
	w, err := scanWallet(p.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE lower(address) = lower($1)`+p.forUpdate(), address))
	if err != nil {
		return nil, notFound(err, "wallet with address "+address)
	}
	return w, nil
}

func (p *Postgres) UpdateWalletStatus(ctx context.Context, id string, status interfaces.WalletStatus) error {
	res, err := p.q.ExecContext(ctx, `UPDATE wallets SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update wallet status: %w", err)
	}
	return expectRow(res, "wallet "+id)
}

func (p *Postgres) TouchWallet(ctx context.Context, id string, at time.Time) error {
	res, err := p.q.ExecContext(ctx, `UPDATE wallets SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch wallet: %w", err)
	}
	return expectRow(res, "wallet "+id)
}

// Key shares

const shareColumns = `id, wallet_id, kind, idx, device_id, device_name, user_agent, active, revoked_reason, revoked_at, created_at, last_used_at`

func scanShare(row scanner) (*interfaces.KeyShare, error) {
	var (
		s         interfaces.KeyShare
		revokedAt sql.NullTime
		lastUsed  sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.WalletID, &s.Kind, &s.Index, &s.DeviceID, &s.DeviceName, &s.UserAgent,
		&s.Active, &s.RevokedReason, &revokedAt, &s.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	s.RevokedAt = timePtr(revokedAt)
	s.LastUsedAt = timePtr(lastUsed)
	return &s, nil
}

func (p *Postgres) CreateShares(ctx context.Context, shares []*interfaces.KeyShare) error {
	insert := func(q queryer) error {
		for _, s := range shares {
			_, err := q.ExecContext(ctx, `INSERT INTO key_shares (`+shareColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				s.ID, s.WalletID, string(s.Kind), s.Index, s.DeviceID, s.DeviceName, s.UserAgent,
				s.Active, s.RevokedReason, nullTime(s.RevokedAt), s.CreatedAt, nullTime(s.LastUsedAt))
			if err != nil {
				return fmt.Errorf("create share: %w", mapPQError(err))
			}
		}
		return nil
	}
	if p.inTx || len(shares) == 1 {
		return insert(p.q)
	}
	return p.RunInTx(ctx, func(tx interfaces.Store) error {
		return insert(tx.(*Postgres).q)
	})
}

// ListShares returns the shares of a wallet ordered by index. An empty kind
// lists every kind.
func (p *Postgres) ListShares(ctx context.Context, walletID string, kind interfaces.ShareKind) ([]*interfaces.KeyShare, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+shareColumns+` FROM key_shares
		WHERE wallet_id = $1 AND ($2 = '' OR kind = $2)
		ORDER BY kind, idx`+p.forUpdate(), walletID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	var out []*interfaces.KeyShare
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateShare(ctx context.Context, s *interfaces.KeyShare) error {
	res, err := p.q.ExecContext(ctx, `UPDATE key_shares SET
			device_id = $2, device_name = $3, user_agent = $4, active = $5,
			revoked_reason = $6, revoked_at = $7, last_used_at = $8
		WHERE id = $1`,
		s.ID, s.DeviceID, s.DeviceName, s.UserAgent, s.Active, s.RevokedReason, nullTime(s.RevokedAt), nullTime(s.LastUsedAt))
	if err != nil {
		return fmt.Errorf("update share: %w", err)
	}
	return expectRow(res, "share "+s.ID)
}

// Guardians

const guardianColumns = `id, wallet_id, type, ref, name, linked_user_id, confirmed, recovery_approved, approved_at, created_at`

func scanGuardian(row scanner) (*interfaces.RecoveryGuardian, error) {
	var (
		g          interfaces.RecoveryGuardian
		approvedAt sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.WalletID, &g.Type, &g.Ref, &g.Name, &g.LinkedUserID,
		&g.Confirmed, &g.RecoveryApproved, &approvedAt, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.ApprovedAt = timePtr(approvedAt)
	return &g, nil
}

func (p *Postgres) CreateGuardian(ctx context.Context, g *interfaces.RecoveryGuardian) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO recovery_guardians (`+guardianColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		g.ID, g.WalletID, string(g.Type), g.Ref, g.Name, g.LinkedUserID,
		g.Confirmed, g.RecoveryApproved, nullTime(g.ApprovedAt), g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create guardian: %w", mapPQError(err))
	}
	return nil
}

func (p *Postgres) GetGuardian(ctx context.Context, id string) (*interfaces.RecoveryGuardian, error) {
	g, err := scanGuardian(p.q.QueryRowContext(ctx, `SELECT `+guardianColumns+` FROM recovery_guardians WHERE id = $1`+p.forUpdate(), id))
	if err != nil {
		return nil, notFound(err, "guardian "+id)
	}
	return g, nil
}

// ListGuardians returns the guardians of a wallet in creation order.
func (p *Postgres) ListGuardians(ctx context.Context, walletID string) ([]*interfaces.RecoveryGuardian, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+guardianColumns+` FROM recovery_guardians
		WHERE wallet_id = $1 ORDER BY created_at, id`+p.forUpdate(), walletID)
	if err != nil {
		return nil, fmt.Errorf("list guardians: %w", err)
	}
	defer rows.Close()

	var out []*interfaces.RecoveryGuardian
	for rows.Next() {
		g, err := scanGuardian(rows)
		if err != nil {
			return nil, fmt.Errorf("scan guardian: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *Postgres) CountGuardians(ctx context.Context, walletID string) (int, error) {
	var n int
	if err := p.q.QueryRowContext(ctx, `SELECT count(*) FROM recovery_guardians WHERE wallet_id = $1`, walletID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count guardians: %w", err)
	}
	return n, nil
}

func (p *Postgres) FindGuardianByUser(ctx context.Context, walletID, userID string) (*interfaces.RecoveryGuardian, error) {
	g, err := scanGuardian(p.q.QueryRowContext(ctx, `SELECT `+guardianColumns+` FROM recovery_guardians
		WHERE wallet_id = $1 AND linked_user_id = $2 AND linked_user_id <> ''
		ORDER BY created_at LIMIT 1`+p.forUpdate(), walletID, userID))
	if err != nil {
		return nil, notFound(err, "guardian for user "+userID)
	}
	return g, nil
}

func (p *Postgres) UpdateGuardian(ctx context.Context, g *interfaces.RecoveryGuardian) error {
	res, err := p.q.ExecContext(ctx, `UPDATE recovery_guardians SET
			name = $2, linked_user_id = $3, confirmed = $4, recovery_approved = $5, approved_at = $6
		WHERE id = $1`,
		g.ID, g.Name, g.LinkedUserID, g.Confirmed, g.RecoveryApproved, nullTime(g.ApprovedAt))
	if err != nil {
		return fmt.Errorf("update guardian: %w", err)
	}
	return expectRow(res, "guardian "+g.ID)
}

func (p *Postgres) ResetGuardianApprovals(ctx context.Context, walletID string) error {
	_, err := p.q.ExecContext(ctx, `UPDATE recovery_guardians SET recovery_approved = FALSE, approved_at = NULL
		WHERE wallet_id = $1`, walletID)
	if err != nil {
		return fmt.Errorf("reset guardian approvals: %w", err)
	}
	return nil
}

// Sessions

const sessionColumns = `id, wallet_id, status, method, verification_code_hash, required_approvals, current_approvals, created_at, expires_at, completed_at`

func scanSession(row scanner) (*interfaces.RecoverySession, error) {
	var (
		s           interfaces.RecoverySession
		completedAt sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.WalletID, &s.Status, &s.Method, &s.VerificationCodeHash,
		&s.RequiredApprovals, &s.CurrentApprovals, &s.CreatedAt, &s.ExpiresAt, &completedAt); err != nil {
		return nil, err
	}
	s.CompletedAt = timePtr(completedAt)
	return &s, nil
}

func (p *Postgres) CreateSession(ctx context.Context, s *interfaces.RecoverySession) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO recovery_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.WalletID, string(s.Status), string(s.Method), s.VerificationCodeHash,
		s.RequiredApprovals, s.CurrentApprovals, s.CreatedAt, s.ExpiresAt, nullTime(s.CompletedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", mapPQError(err))
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*interfaces.RecoverySession, error) {
	s, err := scanSession(p.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM recovery_sessions WHERE id = $1`+p.forUpdate(), id))
	if err != nil {
		return nil, notFound(err, "session "+id)
	}
	return s, nil
}

func (p *Postgres) FindActiveSession(ctx context.Context, walletID string) (*interfaces.RecoverySession, error) {
	s, err := scanSession(p.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM recovery_sessions
		WHERE wallet_id = $1 AND status IN ('PENDING', 'APPROVING')`+p.forUpdate(), walletID))
	if err != nil {
		return nil, notFound(err, "active session for wallet "+walletID)
	}
	return s, nil
}

func (p *Postgres) UpdateSession(ctx context.Context, s *interfaces.RecoverySession) error {
	res, err := p.q.ExecContext(ctx, `UPDATE recovery_sessions SET
			status = $2, current_approvals = $3, completed_at = $4
		WHERE id = $1`,
		s.ID, string(s.Status), s.CurrentApprovals, nullTime(s.CompletedAt))
	if err != nil {
		return fmt.Errorf("update session: %w", mapPQError(err))
	}
	return expectRow(res, "session "+s.ID)
}
