package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdentityRepository provides CRUD for provider identities.
type IdentityRepository struct {
	db *pgxpool.Pool
}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository(db *pgxpool.Pool) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// Create inserts a new identity. (provider_id, provider_identifier)
// must be unique among non-deleted identities.
func (r *IdentityRepository) Create(ctx context.Context, i *Identity) error {
	i.ID = uuid.New()
	i.CreatedAt = time.Now().UTC()
	if i.ProviderState == nil {
		i.ProviderState = []byte(`{}`)
	}

	query := `
		INSERT INTO identities (
			id, account_id, actor_id, provider_id, provider_identifier,
			provider_state, last_seen_at, deleted_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		i.ID, i.AccountID, i.ActorID, i.ProviderID, i.ProviderIdentifier,
		i.ProviderState, i.LastSeenAt, i.DeletedAt, i.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("identity %s/%s: %w", i.ProviderID, i.ProviderIdentifier, ErrConflict)
	}
	return err
}

// GetByID retrieves a non-deleted identity scoped to an account.
func (r *IdentityRepository) GetByID(ctx context.Context, accountID, id uuid.UUID) (*Identity, error) {
	query := `SELECT * FROM identities WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	return r.scanOne(ctx, query, accountID, id)
}

// ListByActor returns an actor's non-deleted identities.
func (r *IdentityRepository) ListByActor(ctx context.Context, accountID, actorID uuid.UUID) ([]*Identity, error) {
	query := `SELECT * FROM identities WHERE account_id = $1 AND actor_id = $2 AND deleted_at IS NULL ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, accountID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []*Identity
	for rows.Next() {
		i, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, i)
	}
	return identities, rows.Err()
}

// Touch records that the identity authenticated just now.
func (r *IdentityRepository) Touch(ctx context.Context, accountID, id uuid.UUID, at time.Time) error {
	query := `UPDATE identities SET last_seen_at = $3 WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, accountID, id, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks the identity deleted, cutting its tokens loose at
// the next authentication.
func (r *IdentityRepository) SoftDelete(ctx context.Context, accountID, id uuid.UUID) error {
	query := `UPDATE identities SET deleted_at = now() WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, accountID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *IdentityRepository) scanOne(ctx context.Context, query string, args ...any) (*Identity, error) {
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

// scan reads one identity; column order matches the identities table.
func (r *IdentityRepository) scan(rows pgx.Rows) (*Identity, error) {
	var i Identity
	err := rows.Scan(
		&i.ID, &i.AccountID, &i.ActorID, &i.ProviderID, &i.ProviderIdentifier,
		&i.ProviderState, &i.LastSeenAt, &i.DeletedAt, &i.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}
