package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RelayGroupRepository manages relay groups. A group with a nil
// account id belongs to the global pool serving every account without
// self-hosted relays.
type RelayGroupRepository struct {
	db *pgxpool.Pool
}

// NewRelayGroupRepository creates a new RelayGroupRepository.
func NewRelayGroupRepository(db *pgxpool.Pool) *RelayGroupRepository {
	return &RelayGroupRepository{db: db}
}

// Create inserts a relay group.
func (r *RelayGroupRepository) Create(ctx context.Context, g *RelayGroup) error {
	g.ID = uuid.New()
	g.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO relay_groups (id, account_id, name, deleted_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Exec(ctx, query, g.ID, g.AccountID, g.Name, g.DeletedAt, g.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("relay group %q: %w", g.Name, ErrConflict)
		}
		return err
	}
	return nil
}

// GetByID retrieves a non-deleted relay group.
func (r *RelayGroupRepository) GetByID(ctx context.Context, id uuid.UUID) (*RelayGroup, error) {
	query := `SELECT * FROM relay_groups WHERE id = $1 AND deleted_at IS NULL`
	rows, err := r.db.Query(ctx, query, id)
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
	return scanRelayGroup(rows)
}

// List returns the non-deleted relay groups owned by an account.
func (r *RelayGroupRepository) List(ctx context.Context, accountID uuid.UUID) ([]*RelayGroup, error) {
	query := `SELECT * FROM relay_groups WHERE account_id = $1 AND deleted_at IS NULL ORDER BY name`
	return r.list(ctx, query, accountID)
}

// ListGlobal returns the non-deleted groups of the global pool.
func (r *RelayGroupRepository) ListGlobal(ctx context.Context) ([]*RelayGroup, error) {
	query := `SELECT * FROM relay_groups WHERE account_id IS NULL AND deleted_at IS NULL ORDER BY name`
	return r.list(ctx, query)
}

// SoftDelete marks the group deleted.
func (r *RelayGroupRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE relay_groups SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RelayGroupRepository) list(ctx context.Context, query string, args ...any) ([]*RelayGroup, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*RelayGroup
	for rows.Next() {
		g, err := scanRelayGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func scanRelayGroup(rows pgx.Rows) (*RelayGroup, error) {
	var g RelayGroup
	err := rows.Scan(&g.ID, &g.AccountID, &g.Name, &g.DeletedAt, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// RelayRepository persists STUN/TURN endpoints. Rows are upserted on
// session connect keyed by their addresses within the group.
type RelayRepository struct {
	db *pgxpool.Pool
}

// NewRelayRepository creates a new RelayRepository.
func NewRelayRepository(db *pgxpool.Pool) *RelayRepository {
	return &RelayRepository{db: db}
}

// Upsert inserts the relay or refreshes an existing row with the same
// addresses in the group.
func (r *RelayRepository) Upsert(ctx context.Context, relay *Relay) error {
	if relay.ID == uuid.Nil {
		relay.ID = uuid.New()
	}
	now := time.Now().UTC()
	relay.CreatedAt = now
	relay.UpdatedAt = now

	query := `
		INSERT INTO relays (
			id, group_id, account_id, ipv4, ipv6, port, lat, lon,
			last_seen_version, last_seen_at, deleted_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (group_id, ipv4, ipv6, port) DO UPDATE SET
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			last_seen_version = EXCLUDED.last_seen_version,
			last_seen_at = EXCLUDED.last_seen_at,
			deleted_at = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING *`
	rows, err := r.db.Query(ctx, query,
		relay.ID, relay.GroupID, relay.AccountID, relay.IPv4, relay.IPv6, relay.Port,
		relay.Lat, relay.Lon, relay.LastSeenVersion, relay.LastSeenAt,
		relay.DeletedAt, relay.CreatedAt, relay.UpdatedAt,
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
	*relay = *updated
	return nil
}

// GetByID retrieves a non-deleted relay.
func (r *RelayRepository) GetByID(ctx context.Context, id uuid.UUID) (*Relay, error) {
	query := `SELECT * FROM relays WHERE id = $1 AND deleted_at IS NULL`
	rows, err := r.db.Query(ctx, query, id)
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

// ListByAccount returns the non-deleted self-hosted relays of an
// account.
func (r *RelayRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*Relay, error) {
	query := `SELECT * FROM relays WHERE account_id = $1 AND deleted_at IS NULL ORDER BY created_at`
	return r.list(ctx, query, accountID)
}

// ListGlobal returns the non-deleted relays of the global pool.
func (r *RelayRepository) ListGlobal(ctx context.Context) ([]*Relay, error) {
	query := `SELECT * FROM relays WHERE account_id IS NULL AND deleted_at IS NULL ORDER BY created_at`
	return r.list(ctx, query)
}

// TouchLastSeen refreshes last_seen_at, called on heartbeats.
func (r *RelayRepository) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE relays SET last_seen_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, id, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks the relay deleted.
func (r *RelayRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE relays SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RelayRepository) list(ctx context.Context, query string, args ...any) ([]*Relay, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relays []*Relay
	for rows.Next() {
		relay, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		relays = append(relays, relay)
	}
	return relays, rows.Err()
}

// scan reads one relay; column order matches the relays table.
func (r *RelayRepository) scan(rows pgx.Rows) (*Relay, error) {
	var relay Relay
	err := rows.Scan(
		&relay.ID, &relay.GroupID, &relay.AccountID, &relay.IPv4, &relay.IPv6, &relay.Port,
		&relay.Lat, &relay.Lon, &relay.LastSeenVersion, &relay.LastSeenAt,
		&relay.DeletedAt, &relay.CreatedAt, &relay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &relay, nil
}
