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

// ResourceRepository provides CRUD for resources and their gateway
// group connections, plus the visibility derivation used by client
// sessions.
type ResourceRepository struct {
	db *pgxpool.Pool
}

// NewResourceRepository creates a new ResourceRepository.
func NewResourceRepository(db *pgxpool.Pool) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// Create inserts a resource and its gateway group connections.
func (r *ResourceRepository) Create(ctx context.Context, res *Resource) error {
	filters, err := json.Marshal(filtersOrEmpty(res.Filters))
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}

	res.ID = uuid.New()
	now := time.Now().UTC()
	res.CreatedAt = now
	res.UpdatedAt = now

	return runTx(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		query := `
			INSERT INTO resources (
				id, account_id, type, name, address, address_description,
				filters, deleted_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
		_, err := tx.Exec(ctx, query,
			res.ID, res.AccountID, res.Type, res.Name, res.Address, res.AddressDescription,
			filters, res.DeletedAt, res.CreatedAt, res.UpdatedAt,
		)
		if err != nil {
			return err
		}
		return replaceConnections(ctx, tx, res)
	})
}

// Update rewrites the mutable fields and connections of a resource.
func (r *ResourceRepository) Update(ctx context.Context, res *Resource) error {
	filters, err := json.Marshal(filtersOrEmpty(res.Filters))
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	res.UpdatedAt = time.Now().UTC()

	return runTx(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		query := `
			UPDATE resources SET
				name = $3, address = $4, address_description = $5,
				filters = $6, updated_at = $7
			WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
		tag, err := tx.Exec(ctx, query,
			res.AccountID, res.ID, res.Name, res.Address, res.AddressDescription,
			filters, res.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return replaceConnections(ctx, tx, res)
	})
}

// GetByID retrieves a non-deleted resource with its gateway groups.
func (r *ResourceRepository) GetByID(ctx context.Context, accountID, id uuid.UUID) (*Resource, error) {
	query := `SELECT * FROM resources WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	res, err := r.scanOne(ctx, query, accountID, id)
	if err != nil {
		return nil, err
	}
	if err := r.loadGroups(ctx, []*Resource{res}); err != nil {
		return nil, err
	}
	return res, nil
}

// List returns all non-deleted resources of an account with their
// gateway groups.
func (r *ResourceRepository) List(ctx context.Context, accountID uuid.UUID) ([]*Resource, error) {
	query := `SELECT * FROM resources WHERE account_id = $1 AND deleted_at IS NULL ORDER BY created_at`
	resources, err := r.list(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	if err := r.loadGroups(ctx, resources); err != nil {
		return nil, err
	}
	return resources, nil
}

// SoftDelete marks the resource deleted.
func (r *ResourceRepository) SoftDelete(ctx context.Context, accountID, id uuid.UUID) error {
	query := `UPDATE resources SET deleted_at = now(), updated_at = now() WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, accountID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// VisibleToActor derives the deduplicated resource set an actor may
// see: memberships, then granting policies (non-deleted, non-disabled),
// then non-deleted resources. Gateway groups are loaded for rendering.
func (r *ResourceRepository) VisibleToActor(ctx context.Context, accountID, actorID uuid.UUID) ([]*Resource, error) {
	query := `
		SELECT DISTINCT ON (res.id) res.* FROM resources res
		JOIN policies p ON p.resource_id = res.id AND p.deleted_at IS NULL AND p.disabled_at IS NULL
		JOIN groups g ON g.id = p.actor_group_id AND g.deleted_at IS NULL
		JOIN memberships m ON m.group_id = g.id AND m.actor_id = $2
		WHERE res.account_id = $1 AND res.deleted_at IS NULL
		ORDER BY res.id, res.created_at`
	resources, err := r.list(ctx, query, accountID, actorID)
	if err != nil {
		return nil, err
	}
	if err := r.loadGroups(ctx, resources); err != nil {
		return nil, err
	}
	return resources, nil
}

// PoliciesGranting returns the non-deleted, non-disabled policies that
// give the actor access to one resource. The broker evaluates their
// conditions; any conforming policy authorizes the flow.
func (r *ResourceRepository) PoliciesGranting(ctx context.Context, accountID, actorID, resourceID uuid.UUID) ([]*Policy, error) {
	query := `
		SELECT p.* FROM policies p
		JOIN groups g ON g.id = p.actor_group_id AND g.deleted_at IS NULL
		JOIN memberships m ON m.group_id = g.id AND m.actor_id = $2
		WHERE p.account_id = $1 AND p.resource_id = $3
		  AND p.deleted_at IS NULL AND p.disabled_at IS NULL
		ORDER BY p.created_at`
	rows, err := r.db.Query(ctx, query, accountID, actorID, resourceID)
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

// GatewayGroupIDs returns the sites a resource is connected to.
func (r *ResourceRepository) GatewayGroupIDs(ctx context.Context, resourceID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT gateway_group_id FROM resource_connections WHERE resource_id = $1`
	rows, err := r.db.Query(ctx, query, resourceID)
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

func replaceConnections(ctx context.Context, tx pgx.Tx, res *Resource) error {
	if _, err := tx.Exec(ctx, `DELETE FROM resource_connections WHERE resource_id = $1`, res.ID); err != nil {
		return err
	}
	for _, gg := range res.GatewayGroups {
		query := `INSERT INTO resource_connections (resource_id, gateway_group_id, created_at) VALUES ($1, $2, now())`
		if _, err := tx.Exec(ctx, query, res.ID, gg.ID); err != nil {
			return err
		}
	}
	return nil
}

// loadGroups fills GatewayGroups for each resource in one query.
func (r *ResourceRepository) loadGroups(ctx context.Context, resources []*Resource) error {
	if len(resources) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(resources))
	byID := make(map[uuid.UUID]*Resource, len(resources))
	for i, res := range resources {
		ids[i] = res.ID
		byID[res.ID] = res
		res.GatewayGroups = nil
	}

	query := `
		SELECT rc.resource_id, gg.id, gg.account_id, gg.name, gg.deleted_at, gg.created_at
		FROM resource_connections rc
		JOIN gateway_groups gg ON gg.id = rc.gateway_group_id AND gg.deleted_at IS NULL
		WHERE rc.resource_id = ANY($1)
		ORDER BY gg.name`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var resourceID uuid.UUID
		var gg GatewayGroup
		if err := rows.Scan(&resourceID, &gg.ID, &gg.AccountID, &gg.Name, &gg.DeletedAt, &gg.CreatedAt); err != nil {
			return err
		}
		if res, ok := byID[resourceID]; ok {
			res.GatewayGroups = append(res.GatewayGroups, gg)
		}
	}
	return rows.Err()
}

func (r *ResourceRepository) list(ctx context.Context, query string, args ...any) ([]*Resource, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []*Resource
	for rows.Next() {
		res, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, res)
	}
	return resources, rows.Err()
}

func (r *ResourceRepository) scanOne(ctx context.Context, query string, args ...any) (*Resource, error) {
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

// scan reads one resource; column order matches the resources table.
func (r *ResourceRepository) scan(rows pgx.Rows) (*Resource, error) {
	var res Resource
	var filtersRaw []byte

	err := rows.Scan(
		&res.ID, &res.AccountID, &res.Type, &res.Name, &res.Address, &res.AddressDescription,
		&filtersRaw, &res.DeletedAt, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(filtersRaw) > 0 {
		if err := json.Unmarshal(filtersRaw, &res.Filters); err != nil {
			return nil, fmt.Errorf("unmarshal filters: %w", err)
		}
	}
	return &res, nil
}

func filtersOrEmpty(f []Filter) []Filter {
	if f == nil {
		return []Filter{}
	}
	return f
}
