package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Last-admin protection failures. Every account must keep at least one
// enabled, non-deleted admin at all times.
var (
	ErrCantDisableLastAdmin = errors.New("cant_disable_the_last_admin")
	ErrCantDeleteLastAdmin  = errors.New("cant_delete_the_last_admin")
	ErrCantDemoteLastAdmin  = errors.New("cant_demote_the_last_admin")
)

// ActorRepository provides CRUD and lifecycle transitions for actors.
type ActorRepository struct {
	db *pgxpool.Pool
}

// NewActorRepository creates a new ActorRepository.
func NewActorRepository(db *pgxpool.Pool) *ActorRepository {
	return &ActorRepository{db: db}
}

// Create inserts a new actor.
func (r *ActorRepository) Create(ctx context.Context, a *Actor) error {
	a.ID = uuid.New()
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	query := `
		INSERT INTO actors (
			id, account_id, type, role, name,
			disabled_at, deleted_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		a.ID, a.AccountID, a.Type, a.Role, a.Name,
		a.DisabledAt, a.DeletedAt, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// GetByID retrieves a non-deleted actor scoped to an account.
func (r *ActorRepository) GetByID(ctx context.Context, accountID, id uuid.UUID) (*Actor, error) {
	query := `SELECT * FROM actors WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`
	return r.scanOne(ctx, query, accountID, id)
}

// List returns all non-deleted actors of an account, newest first.
func (r *ActorRepository) List(ctx context.Context, accountID uuid.UUID) ([]*Actor, error) {
	query := `SELECT * FROM actors WHERE account_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []*Actor
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// Disable marks an actor disabled. Disabling an already-disabled actor
// is a no-op success. Disabling the last enabled admin fails with
// ErrCantDisableLastAdmin; the check and the write share a serializable
// transaction so two racing disables cannot both win.
func (r *ActorRepository) Disable(ctx context.Context, accountID, id uuid.UUID) (*Actor, error) {
	var out *Actor
	err := inSerializableTx(ctx, r.db, func(tx pgx.Tx) error {
		a, err := r.lockedGet(ctx, tx, accountID, id)
		if err != nil {
			return err
		}
		if a.DisabledAt != nil {
			out = a
			return nil
		}
		if a.Role == RoleAdmin {
			others, err := otherActiveAdmins(ctx, tx, accountID, id)
			if err != nil {
				return err
			}
			if others == 0 {
				return ErrCantDisableLastAdmin
			}
		}

		query := `UPDATE actors SET disabled_at = now(), updated_at = now() WHERE account_id = $1 AND id = $2 RETURNING disabled_at, updated_at`
		if err := tx.QueryRow(ctx, query, accountID, id).Scan(&a.DisabledAt, &a.UpdatedAt); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// Enable clears the disabled flag. Idempotent.
func (r *ActorRepository) Enable(ctx context.Context, accountID, id uuid.UUID) (*Actor, error) {
	query := `
		UPDATE actors SET disabled_at = NULL, updated_at = now()
		WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL
		RETURNING *`
	return r.scanOne(ctx, query, accountID, id)
}

// Delete soft-deletes an actor. A second delete returns ErrNotFound.
// Deleting the last enabled admin fails with ErrCantDeleteLastAdmin
// under the same serializable protection as Disable.
func (r *ActorRepository) Delete(ctx context.Context, accountID, id uuid.UUID) (*Actor, error) {
	var out *Actor
	err := inSerializableTx(ctx, r.db, func(tx pgx.Tx) error {
		a, err := r.lockedGet(ctx, tx, accountID, id)
		if err != nil {
			return err
		}
		if a.Role == RoleAdmin && a.DisabledAt == nil {
			others, err := otherActiveAdmins(ctx, tx, accountID, id)
			if err != nil {
				return err
			}
			if others == 0 {
				return ErrCantDeleteLastAdmin
			}
		}

		query := `UPDATE actors SET deleted_at = now(), updated_at = now() WHERE account_id = $1 AND id = $2 RETURNING deleted_at, updated_at`
		if err := tx.QueryRow(ctx, query, accountID, id).Scan(&a.DeletedAt, &a.UpdatedAt); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// UpdateRole changes an actor's role. Demoting the last enabled admin
// fails with ErrCantDemoteLastAdmin.
func (r *ActorRepository) UpdateRole(ctx context.Context, accountID, id uuid.UUID, role ActorRole) (*Actor, error) {
	var out *Actor
	err := inSerializableTx(ctx, r.db, func(tx pgx.Tx) error {
		a, err := r.lockedGet(ctx, tx, accountID, id)
		if err != nil {
			return err
		}
		if a.Role == role {
			out = a
			return nil
		}
		if a.Role == RoleAdmin && a.DisabledAt == nil {
			others, err := otherActiveAdmins(ctx, tx, accountID, id)
			if err != nil {
				return err
			}
			if others == 0 {
				return ErrCantDemoteLastAdmin
			}
		}

		query := `UPDATE actors SET role = $3, updated_at = now() WHERE account_id = $1 AND id = $2 RETURNING updated_at`
		if err := tx.QueryRow(ctx, query, accountID, id, role).Scan(&a.UpdatedAt); err != nil {
			return err
		}
		a.Role = role
		out = a
		return nil
	})
	return out, err
}

// lockedGet fetches the actor row FOR UPDATE inside tx.
func (r *ActorRepository) lockedGet(ctx context.Context, tx pgx.Tx, accountID, id uuid.UUID) (*Actor, error) {
	query := `SELECT * FROM actors WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL FOR UPDATE`
	rows, err := tx.Query(ctx, query, accountID, id)
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

// otherActiveAdmins counts enabled, non-deleted admins besides the one
// being mutated.
func otherActiveAdmins(ctx context.Context, tx pgx.Tx, accountID, exceptID uuid.UUID) (int, error) {
	var n int
	query := `
		SELECT COUNT(*) FROM actors
		WHERE account_id = $1 AND id != $2
		  AND role = 'admin' AND disabled_at IS NULL AND deleted_at IS NULL`
	if err := tx.QueryRow(ctx, query, accountID, exceptID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *ActorRepository) scanOne(ctx context.Context, query string, args ...any) (*Actor, error) {
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

// scan reads one actor; column order matches the actors table.
func (r *ActorRepository) scan(rows pgx.Rows) (*Actor, error) {
	var a Actor
	err := rows.Scan(
		&a.ID, &a.AccountID, &a.Type, &a.Role, &a.Name,
		&a.DisabledAt, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
