package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AccountRepository provides CRUD for tenant accounts.
type AccountRepository struct {
	db *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create inserts a new account.
func (r *AccountRepository) Create(ctx context.Context, a *Account) error {
	features, err := json.Marshal(a.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}

	a.ID = uuid.New()
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.UpstreamDNS == nil {
		a.UpstreamDNS = []string{}
	}

	query := `
		INSERT INTO accounts (
			id, slug, name, upstream_dns, features,
			disabled_at, deleted_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.db.Exec(ctx, query,
		a.ID, a.Slug, a.Name, a.UpstreamDNS, features,
		a.DisabledAt, a.DeletedAt, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("slug %q: %w", a.Slug, ErrConflict)
	}
	return err
}

// GetByID retrieves a non-deleted account.
func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := `SELECT * FROM accounts WHERE id = $1 AND deleted_at IS NULL`
	return r.scanOne(ctx, query, id)
}

// GetBySlug retrieves a non-deleted account by its slug.
func (r *AccountRepository) GetBySlug(ctx context.Context, slug string) (*Account, error) {
	query := `SELECT * FROM accounts WHERE slug = $1 AND deleted_at IS NULL`
	return r.scanOne(ctx, query, slug)
}

// List returns all non-deleted accounts, newest first.
func (r *AccountRepository) List(ctx context.Context) ([]*Account, error) {
	query := `SELECT * FROM accounts WHERE deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateConfig replaces the account's upstream DNS list and feature
// switches. Connected client sessions learn about it via the
// config_changed fan-out the caller publishes.
func (r *AccountRepository) UpdateConfig(ctx context.Context, id uuid.UUID, upstreamDNS []string, features AccountFeatures) error {
	raw, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	if upstreamDNS == nil {
		upstreamDNS = []string{}
	}

	query := `
		UPDATE accounts
		SET upstream_dns = $2, features = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, id, upstreamDNS, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks the account deleted. Sessions of the account are
// torn down by the callers once the write commits.
func (r *AccountRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE accounts SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AccountRepository) scanOne(ctx context.Context, query string, args ...any) (*Account, error) {
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

// scan reads one account; column order matches the accounts table.
func (r *AccountRepository) scan(rows pgx.Rows) (*Account, error) {
	var a Account
	var featuresRaw []byte

	err := rows.Scan(
		&a.ID, &a.Slug, &a.Name, &a.UpstreamDNS, &featuresRaw,
		&a.DisabledAt, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(featuresRaw) > 0 {
		if err := json.Unmarshal(featuresRaw, &a.Features); err != nil {
			return nil, fmt.Errorf("unmarshal features: %w", err)
		}
	}
	return &a, nil
}
