package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GroupRepository provides CRUD for actor groups and their
// memberships.
type GroupRepository struct {
	db *pgxpool.Pool
}

// NewGroupRepository creates a new GroupRepository.
func NewGroupRepository(db *pgxpool.Pool) *GroupRepository {
	return &GroupRepository{db: db}
}

// Create inserts a new group.
func (r *GroupRepository) Create(ctx context.Context, g *Group) error {
	g.ID = uuid.New()
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now

	query := `
		INSERT INTO groups (id, account_id, name, deleted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query, g.ID, g.AccountID, g.Name, g.DeletedAt, g.CreatedAt, g.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("group %q: %w", g.Name, ErrConflict)
	}
	return err
}

// GetByID retrieves a non-deleted group scoped to an account.
func (r *GroupRepository) GetByID(ctx context.Context, accountID, id uuid.UUID) (*Group, error) {
	query := `SELECT * FROM groups WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	return r.scanOne(ctx, query, accountID, id)
}

// List returns all non-deleted groups of an account.
func (r *GroupRepository) List(ctx context.Context, accountID uuid.UUID) ([]*Group, error) {
	query := `SELECT * FROM groups WHERE account_id = $1 AND deleted_at IS NULL ORDER BY name`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SoftDelete marks the group deleted. Policies bound to it stop
// granting on the next derivation.
func (r *GroupRepository) SoftDelete(ctx context.Context, accountID, id uuid.UUID) error {
	query := `UPDATE groups SET deleted_at = now(), updated_at = now() WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, accountID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMember creates the (actor, group) edge. Adding an existing member
// is a no-op success.
func (r *GroupRepository) AddMember(ctx context.Context, accountID, groupID, actorID uuid.UUID) error {
	query := `
		INSERT INTO memberships (account_id, group_id, actor_id, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (group_id, actor_id) DO NOTHING`
	_, err := r.db.Exec(ctx, query, accountID, groupID, actorID)
	return err
}

// RemoveMember destroys the (actor, group) edge.
func (r *GroupRepository) RemoveMember(ctx context.Context, accountID, groupID, actorID uuid.UUID) error {
	query := `DELETE FROM memberships WHERE account_id = $1 AND group_id = $2 AND actor_id = $3`
	tag, err := r.db.Exec(ctx, query, accountID, groupID, actorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GroupIDsForActor returns the ids of non-deleted groups the actor
// belongs to. This is step one of the resource derivation.
func (r *GroupRepository) GroupIDsForActor(ctx context.Context, accountID, actorID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT m.group_id FROM memberships m
		JOIN groups g ON g.id = m.group_id AND g.deleted_at IS NULL
		WHERE m.account_id = $1 AND m.actor_id = $2`
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

// MemberIDs returns the actor ids belonging to a group.
func (r *GroupRepository) MemberIDs(ctx context.Context, accountID, groupID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT actor_id FROM memberships WHERE account_id = $1 AND group_id = $2`
	rows, err := r.db.Query(ctx, query, accountID, groupID)
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

func (r *GroupRepository) scanOne(ctx context.Context, query string, args ...any) (*Group, error) {
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

// scan reads one group; column order matches the groups table.
func (r *GroupRepository) scan(rows pgx.Rows) (*Group, error) {
	var g Group
	err := rows.Scan(&g.ID, &g.AccountID, &g.Name, &g.DeletedAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}
