package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/MeshPortal/internal/policy"
)

// PolicyRepository provides CRUD for policies. A policy grants one
// actor group access to one resource, optionally narrowed by
// conditions.
type PolicyRepository struct {
	db *pgxpool.Pool
}

// NewPolicyRepository creates a new PolicyRepository.
func NewPolicyRepository(db *pgxpool.Pool) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// Create inserts a policy. At most one non-deleted policy may exist
// per (actor group, resource) pair; a duplicate returns ErrConflict.
// Conditions are validated before insert.
func (r *PolicyRepository) Create(ctx context.Context, p *Policy) error {
	for _, cond := range p.Conditions {
		if err := policy.Validate(cond); err != nil {
			return fmt.Errorf("invalid condition: %w", err)
		}
	}
	conditions, err := json.Marshal(conditionsOrEmpty(p.Conditions))
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}

	p.ID = uuid.New()
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	query := `
		INSERT INTO policies (
			id, account_id, actor_group_id, resource_id, description,
			conditions, disabled_at, deleted_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.db.Exec(ctx, query,
		p.ID, p.AccountID, p.ActorGroupID, p.ResourceID, p.Description,
		conditions, p.DisabledAt, p.DeletedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("policy for group %s and resource %s: %w", p.ActorGroupID, p.ResourceID, ErrConflict)
		}
		return err
	}
	return nil
}

// GetByID retrieves a non-deleted policy.
func (r *PolicyRepository) GetByID(ctx context.Context, accountID, id uuid.UUID) (*Policy, error) {
	query := `SELECT * FROM policies WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	return r.scanOne(ctx, query, accountID, id)
}

// List returns all non-deleted policies of an account.
func (r *PolicyRepository) List(ctx context.Context, accountID uuid.UUID) ([]*Policy, error) {
	query := `SELECT * FROM policies WHERE account_id = $1 AND deleted_at IS NULL ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ListByResource returns the non-deleted policies targeting a resource.
func (r *PolicyRepository) ListByResource(ctx context.Context, accountID, resourceID uuid.UUID) ([]*Policy, error) {
	query := `SELECT * FROM policies WHERE account_id = $1 AND resource_id = $2 AND deleted_at IS NULL ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, accountID, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// Update rewrites description and conditions.
func (r *PolicyRepository) Update(ctx context.Context, p *Policy) error {
	for _, cond := range p.Conditions {
		if err := policy.Validate(cond); err != nil {
			return fmt.Errorf("invalid condition: %w", err)
		}
	}
	conditions, err := json.Marshal(conditionsOrEmpty(p.Conditions))
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE policies SET description = $3, conditions = $4, updated_at = $5
		WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, p.AccountID, p.ID, p.Description, conditions, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Disable stops the policy from granting access. Disabling an already
// disabled policy is a no-op.
func (r *PolicyRepository) Disable(ctx context.Context, accountID, id uuid.UUID) (*Policy, error) {
	query := `
		UPDATE policies SET disabled_at = now(), updated_at = now()
		WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL AND disabled_at IS NULL`
	if _, err := r.db.Exec(ctx, query, accountID, id); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, accountID, id)
}

// Enable reverses Disable. Enabling an enabled policy is a no-op.
func (r *PolicyRepository) Enable(ctx context.Context, accountID, id uuid.UUID) (*Policy, error) {
	query := `
		UPDATE policies SET disabled_at = NULL, updated_at = now()
		WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL AND disabled_at IS NOT NULL`
	if _, err := r.db.Exec(ctx, query, accountID, id); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, accountID, id)
}

// SoftDelete marks the policy deleted, freeing the (group, resource)
// pair for a future policy.
func (r *PolicyRepository) SoftDelete(ctx context.Context, accountID, id uuid.UUID) error {
	query := `UPDATE policies SET deleted_at = now(), updated_at = now() WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, accountID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PolicyRepository) scanOne(ctx context.Context, query string, args ...any) (*Policy, error) {
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
	return scanPolicy(rows)
}

// scanPolicy reads one policy; column order matches the policies table.
func scanPolicy(rows pgx.Rows) (*Policy, error) {
	var p Policy
	var conditionsRaw []byte

	err := rows.Scan(
		&p.ID, &p.AccountID, &p.ActorGroupID, &p.ResourceID, &p.Description,
		&conditionsRaw, &p.DisabledAt, &p.DeletedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(conditionsRaw) > 0 {
		if err := json.Unmarshal(conditionsRaw, &p.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	return &p, nil
}

func conditionsOrEmpty(c []policy.Condition) []policy.Condition {
	if c == nil {
		return []policy.Condition{}
	}
	return c
}
