package store

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GatewayGroupRepository manages sites. Every gateway belongs to
// exactly one group, and resources connect to groups rather than to
// individual gateways.
type GatewayGroupRepository struct {
	db *pgxpool.Pool
}

// NewGatewayGroupRepository creates a new GatewayGroupRepository.
func NewGatewayGroupRepository(db *pgxpool.Pool) *GatewayGroupRepository {
	return &GatewayGroupRepository{db: db}
}

// Create inserts a gateway group.
func (r *GatewayGroupRepository) Create(ctx context.Context, g *GatewayGroup) error {
	g.ID = uuid.New()
	g.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO gateway_groups (id, account_id, name, deleted_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Exec(ctx, query, g.ID, g.AccountID, g.Name, g.DeletedAt, g.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("gateway group %q: %w", g.Name, ErrConflict)
		}
		return err
	}
	return nil
}

// GetByID retrieves a non-deleted gateway group.
func (r *GatewayGroupRepository) GetByID(ctx context.Context, accountID, id uuid.UUID) (*GatewayGroup, error) {
	query := `SELECT * FROM gateway_groups WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	rows, err := r.db.Query(ctx, query, accountID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanGatewayGroup(rows)
}

// List returns all non-deleted gateway groups of an account.
func (r *GatewayGroupRepository) List(ctx context.Context, accountID uuid.UUID) ([]*GatewayGroup, error) {
	query := `SELECT * FROM gateway_groups WHERE account_id = $1 AND deleted_at IS NULL ORDER BY name`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*GatewayGroup
	for rows.Next() {
		g, err := scanGatewayGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SoftDelete marks the group deleted. Gateways in the group stop being
// eligible for new flows once the group is gone.
func (r *GatewayGroupRepository) SoftDelete(ctx context.Context, accountID, id uuid.UUID) error {
	query := `UPDATE gateway_groups SET deleted_at = now() WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, accountID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanGatewayGroup(rows pgx.Rows) (*GatewayGroup, error) {
	var g GatewayGroup
	err := rows.Scan(&g.ID, &g.AccountID, &g.Name, &g.DeletedAt, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GatewayRepository persists gateways. Like clients, rows are upserted
// on session connect keyed by their deploy-time external id.
type GatewayRepository struct {
	db *pgxpool.Pool
}

// NewGatewayRepository creates a new GatewayRepository.
func NewGatewayRepository(db *pgxpool.Pool) *GatewayRepository {
	return &GatewayRepository{db: db}
}

// Upsert inserts the gateway or refreshes an existing row with the
// same external id in the group. Tunnel addresses survive the update.
func (r *GatewayRepository) Upsert(ctx context.Context, g *Gateway) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now

	query := `
		INSERT INTO gateways (
			id, account_id, group_id, external_id, name, public_key,
			ipv4, ipv6, last_seen_version, last_seen_remote_ip,
			last_seen_at, deleted_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (group_id, external_id) DO UPDATE SET
			name = EXCLUDED.name,
			public_key = EXCLUDED.public_key,
			last_seen_version = EXCLUDED.last_seen_version,
			last_seen_remote_ip = EXCLUDED.last_seen_remote_ip,
			last_seen_at = EXCLUDED.last_seen_at,
			deleted_at = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING *`
	rows, err := r.db.Query(ctx, query,
		g.ID, g.AccountID, g.GroupID, g.ExternalID, g.Name, g.PublicKey,
		g.IPv4, g.IPv6, g.LastSeenVersion, g.LastSeenRemoteIP,
		g.LastSeenAt, g.DeletedAt, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return ErrNotFound
	}
	updated, err := r.scan(rows)
	if err != nil {
		return err
	}
	*g = *updated
	return nil
}

// GetByID retrieves a non-deleted gateway.
func (r *GatewayRepository) GetByID(ctx context.Context, accountID, id uuid.UUID) (*Gateway, error) {
	query := `SELECT * FROM gateways WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	return r.scanOne(ctx, query, accountID, id)
}

// List returns all non-deleted gateways of an account.
func (r *GatewayRepository) List(ctx context.Context, accountID uuid.UUID) ([]*Gateway, error) {
	query := `SELECT * FROM gateways WHERE account_id = $1 AND deleted_at IS NULL ORDER BY created_at`
	return r.list(ctx, query, accountID)
}

// ListByGroups returns the non-deleted gateways in any of the given
// groups. The broker intersects this with the presence registry to
// find gateways eligible to serve a resource.
func (r *GatewayRepository) ListByGroups(ctx context.Context, accountID uuid.UUID, groupIDs []uuid.UUID) ([]*Gateway, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	query := `SELECT * FROM gateways WHERE account_id = $1 AND group_id = ANY($2) AND deleted_at IS NULL ORDER BY created_at`
	return r.list(ctx, query, accountID, groupIDs)
}

// SetAddresses records the allocated tunnel addresses.
func (r *GatewayRepository) SetAddresses(ctx context.Context, accountID, id uuid.UUID, ipv4, ipv6 netip.Addr) error {
	query := `UPDATE gateways SET ipv4 = $3, ipv6 = $4, updated_at = now() WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, accountID, id, ipv4, ipv6)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen refreshes last_seen_at, called on heartbeats.
func (r *GatewayRepository) TouchLastSeen(ctx context.Context, accountID, id uuid.UUID, at time.Time) error {
	query := `UPDATE gateways SET last_seen_at = $3 WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, accountID, id, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks the gateway deleted. The next Upsert with the same
// external id resurrects the row.
func (r *GatewayRepository) SoftDelete(ctx context.Context, accountID, id uuid.UUID) error {
	query := `UPDATE gateways SET deleted_at = now(), updated_at = now() WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, accountID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GatewayRepository) list(ctx context.Context, query string, args ...any) ([]*Gateway, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gateways []*Gateway
	for rows.Next() {
		g, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, g)
	}
	return gateways, rows.Err()
}

func (r *GatewayRepository) scanOne(ctx context.Context, query string, args ...any) (*Gateway, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return r.scan(rows)
}

// scan reads one gateway; column order matches the gateways table.
func (r *GatewayRepository) scan(rows pgx.Rows) (*Gateway, error) {
	var g Gateway
	err := rows.Scan(
		&g.ID, &g.AccountID, &g.GroupID, &g.ExternalID, &g.Name, &g.PublicKey,
		&g.IPv4, &g.IPv6, &g.LastSeenVersion, &g.LastSeenRemoteIP,
		&g.LastSeenAt, &g.DeletedAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}
