package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TokenRepository persists credentials. Rows are never removed;
// revocation nulls the hash so the token stops authenticating while
// the audit trail survives.
type TokenRepository struct {
	db *pgxpool.Pool
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create inserts a token. The caller supplies the secret hash.
func (r *TokenRepository) Create(ctx context.Context, t *Token) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO tokens (
			id, account_id, kind, hash, actor_id, identity_id,
			gateway_group_id, relay_group_id, expires_at, last_seen_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.Exec(ctx, query,
		t.ID, t.AccountID, t.Kind, t.Hash, t.ActorID, t.IdentityID,
		t.GatewayGroupID, t.RelayGroupID, t.ExpiresAt, t.LastSeenAt, t.CreatedAt,
	)
	return err
}

// GetByID retrieves a token regardless of revocation state. Callers
// decide what a nil hash or a past expiry means.
func (r *TokenRepository) GetByID(ctx context.Context, id uuid.UUID) (*Token, error) {
	query := `SELECT * FROM tokens WHERE id = $1`
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

// ListByAccount returns all tokens of an account, revoked included.
func (r *TokenRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*Token, error) {
	query := `SELECT * FROM tokens WHERE account_id = $1 ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// Revoke nulls the token hash. Revoking an already revoked token is a
// no-op; an unknown id returns ErrNotFound.
func (r *TokenRepository) Revoke(ctx context.Context, accountID, id uuid.UUID) error {
	query := `UPDATE tokens SET hash = NULL WHERE account_id = $1 AND id = $2`
	tag, err := r.db.Exec(ctx, query, accountID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeForActor revokes every token held by one actor. Used when an
// actor is disabled or deleted so no stale credential outlives them.
// Returns the ids revoked so sessions can be disconnected.
func (r *TokenRepository) RevokeForActor(ctx context.Context, accountID, actorID uuid.UUID) ([]uuid.UUID, error) {
	query := `UPDATE tokens SET hash = NULL WHERE account_id = $1 AND actor_id = $2 AND hash IS NOT NULL RETURNING id`
	rows, err := r.db.Query(ctx, query, accountID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchLastSeen refreshes last_seen_at on successful authentication.
func (r *TokenRepository) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE tokens SET last_seen_at = $2 WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scan reads one token; column order matches the tokens table.
func (r *TokenRepository) scan(rows pgx.Rows) (*Token, error) {
	var t Token
	err := rows.Scan(
		&t.ID, &t.AccountID, &t.Kind, &t.Hash, &t.ActorID, &t.IdentityID,
		&t.GatewayGroupID, &t.RelayGroupID, &t.ExpiresAt, &t.LastSeenAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
