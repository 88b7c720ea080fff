package store

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClientRepository persists client devices. Rows are created or
// refreshed on session connect and keep their tunnel addresses across
// reconnects.
type ClientRepository struct {
	db *pgxpool.Pool
}

// NewClientRepository creates a new ClientRepository.
func NewClientRepository(db *pgxpool.Pool) *ClientRepository {
	return &ClientRepository{db: db}
}

// Upsert inserts the client or, when the actor already registered this
// device, refreshes its name, key and last-seen fields. Tunnel
// addresses are assigned once and survive the update.
func (r *ClientRepository) Upsert(ctx context.Context, c *Client) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	query := `
		INSERT INTO clients (
			id, account_id, actor_id, external_id, name, public_key,
			ipv4, ipv6, last_seen_version, last_seen_remote_ip,
			last_seen_region, last_seen_city, lat, lon, last_seen_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (account_id, actor_id, external_id) DO UPDATE SET
			name = EXCLUDED.name,
			public_key = EXCLUDED.public_key,
			last_seen_version = EXCLUDED.last_seen_version,
			last_seen_remote_ip = EXCLUDED.last_seen_remote_ip,
			last_seen_region = EXCLUDED.last_seen_region,
			last_seen_city = EXCLUDED.last_seen_city,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at
		RETURNING *`
	rows, err := r.db.Query(ctx, query,
		c.ID, c.AccountID, c.ActorID, c.ExternalID, c.Name, c.PublicKey,
		c.IPv4, c.IPv6, c.LastSeenVersion, c.LastSeenRemoteIP,
		c.LastSeenRegion, c.LastSeenCity, c.Lat, c.Lon, c.LastSeenAt,
		c.CreatedAt, c.UpdatedAt,
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
	*c = *updated
	return nil
}

// GetByID retrieves a client.
func (r *ClientRepository) GetByID(ctx context.Context, accountID, id uuid.UUID) (*Client, error) {
	query := `SELECT * FROM clients WHERE account_id = $1 AND id = $2`
	return r.scanOne(ctx, query, accountID, id)
}

// List returns all clients of an account.
func (r *ClientRepository) List(ctx context.Context, accountID uuid.UUID) ([]*Client, error) {
	query := `SELECT * FROM clients WHERE account_id = $1 ORDER BY created_at`
	return r.list(ctx, query, accountID)
}

// ListByActor returns the devices one actor has registered.
func (r *ClientRepository) ListByActor(ctx context.Context, accountID, actorID uuid.UUID) ([]*Client, error) {
	query := `SELECT * FROM clients WHERE account_id = $1 AND actor_id = $2 ORDER BY created_at`
	return r.list(ctx, query, accountID, actorID)
}

// SetAddresses records the allocated tunnel addresses.
func (r *ClientRepository) SetAddresses(ctx context.Context, accountID, id uuid.UUID, ipv4, ipv6 netip.Addr) error {
	query := `UPDATE clients SET ipv4 = $3, ipv6 = $4, updated_at = now() WHERE account_id = $1 AND id = $2`
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
func (r *ClientRepository) TouchLastSeen(ctx context.Context, accountID, id uuid.UUID, at time.Time) error {
	query := `UPDATE clients SET last_seen_at = $3 WHERE account_id = $1 AND id = $2`
	tag, err := r.db.Exec(ctx, query, accountID, id, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ClientRepository) list(ctx context.Context, query string, args ...any) ([]*Client, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (r *ClientRepository) scanOne(ctx context.Context, query string, args ...any) (*Client, error) {
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

// scan reads one client; column order matches the clients table.
func (r *ClientRepository) scan(rows pgx.Rows) (*Client, error) {
	var c Client
	err := rows.Scan(
		&c.ID, &c.AccountID, &c.ActorID, &c.ExternalID, &c.Name, &c.PublicKey,
		&c.IPv4, &c.IPv6, &c.LastSeenVersion, &c.LastSeenRemoteIP,
		&c.LastSeenRegion, &c.LastSeenCity, &c.Lat, &c.Lon, &c.LastSeenAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
