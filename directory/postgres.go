package directory

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/inomad/custody-backend/interfaces"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the identity tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply directory schema: %w", err)
	}
	return nil
}

// Postgres reads identity records from the host application's database.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) LookupUser(ctx context.Context, userID string) (*interfaces.User, error) {
	u := &interfaces.User{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, username, email, phone, COALESCE(wallet_address, '') FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Username, &u.Email, &u.Phone, &u.WalletAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", interfaces.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return u, nil
}

func (p *Postgres) BindWalletAddress(ctx context.Context, userID, address string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET wallet_address = $2 WHERE id = $1`, userID, address)
	if err != nil {
		return fmt.Errorf("bind wallet address: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: user %s", interfaces.ErrNotFound, userID)
	}
	return nil
}

func (p *Postgres) SocialGraph(ctx context.Context, userID string) (*interfaces.SocialGraph, error) {
	if _, err := p.LookupUser(ctx, userID); err != nil {
		return nil, err
	}

	graph := &interfaces.SocialGraph{}
	families, err := p.families(ctx, userID)
	if err != nil {
		return nil, err
	}
	graph.Families = families

	rows, err := p.db.QueryContext(ctx, `
		SELECT o.name, COALESCE(o.leader_id, '')
		FROM organizations o
		JOIN organization_members m ON m.org_id = o.id
		WHERE m.user_id = $1
		ORDER BY o.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query organizations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var org interfaces.Organization
		if err := rows.Scan(&org.Name, &org.LeaderID); err != nil {
			return nil, err
		}
		graph.Organizations = append(graph.Organizations, org)
	}
	return graph, rows.Err()
}

func (p *Postgres) families(ctx context.Context, userID string) ([]interfaces.FamilyUnit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id,
		       CASE WHEN husband_id = $1 THEN COALESCE(wife_id, '') ELSE COALESCE(husband_id, '') END,
		       COALESCE(representative_id, '')
		FROM family_units
		WHERE husband_id = $1 OR wife_id = $1
		ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query families: %w", err)
	}
	defer rows.Close()

	var (
		ids      []string
		families []interfaces.FamilyUnit
	)
	for rows.Next() {
		var (
			id string
			f  interfaces.FamilyUnit
		)
		if err := rows.Scan(&id, &f.SpouseID, &f.RepresentativeID); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		families = append(families, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	children, err := p.db.QueryContext(ctx, `
		SELECT family_id, child_id
		FROM family_children
		WHERE adult AND family_id = ANY($1)
		ORDER BY family_id, child_id`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer children.Close()

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	for children.Next() {
		var familyID, childID string
		if err := children.Scan(&familyID, &childID); err != nil {
			return nil, err
		}
		i := index[familyID]
		families[i].AdultChildIDs = append(families[i].AdultChildIDs, childID)
	}
	return families, children.Err()
}
