package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FlowRepository records authorized client→gateway connections for
// auditing. Flows are append-only.
type FlowRepository struct {
	db *pgxpool.Pool
}

// NewFlowRepository creates a new FlowRepository.
func NewFlowRepository(db *pgxpool.Pool) *FlowRepository {
	return &FlowRepository{db: db}
}

// Create inserts a flow.
func (r *FlowRepository) Create(ctx context.Context, f *Flow) error {
	f.ID = uuid.New()
	if f.AuthorizedAt.IsZero() {
		f.AuthorizedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO flows (
			id, account_id, client_id, gateway_id, policy_id, resource_id,
			token_id, authorized_at, expires_at, client_remote_ip, gateway_remote_ip
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.Exec(ctx, query,
		f.ID, f.AccountID, f.ClientID, f.GatewayID, f.PolicyID, f.ResourceID,
		f.TokenID, f.AuthorizedAt, f.ExpiresAt, f.ClientRemoteIP, f.GatewayRemoteIP,
	)
	return err
}

// ListByAccount returns the most recent flows of an account, newest
// first, capped at limit.
func (r *FlowRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*Flow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM flows WHERE account_id = $1 ORDER BY authorized_at DESC LIMIT $2`
	return r.list(ctx, query, accountID, limit)
}

// ListByClient returns the most recent flows of one client.
func (r *FlowRepository) ListByClient(ctx context.Context, accountID, clientID uuid.UUID, limit int) ([]*Flow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM flows WHERE account_id = $1 AND client_id = $2 ORDER BY authorized_at DESC LIMIT $3`
	return r.list(ctx, query, accountID, clientID, limit)
}

func (r *FlowRepository) list(ctx context.Context, query string, args ...any) ([]*Flow, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// scan reads one flow; column order matches the flows table.
func (r *FlowRepository) scan(rows pgx.Rows) (*Flow, error) {
	var f Flow
	err := rows.Scan(
		&f.ID, &f.AccountID, &f.ClientID, &f.GatewayID, &f.PolicyID, &f.ResourceID,
		&f.TokenID, &f.AuthorizedAt, &f.ExpiresAt, &f.ClientRemoteIP, &f.GatewayRemoteIP,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
