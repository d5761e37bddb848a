package invite

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portraitly/backend/internal/models"
)

const inviteColumns = `id, team_id, email, token_hash, person_id, credits_allocated, allocated_at,
	expires_at, used_at, created_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

func (r *PgRepository) Create(ctx context.Context, inv *models.Invite) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO invites (id, team_id, email, token_hash, credits_allocated, allocated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, inv.ID, inv.TeamID, inv.Email, inv.TokenHash, inv.CreditsAllocated, inv.AllocatedAt, inv.ExpiresAt).Scan(&inv.CreatedAt)
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Invite, error) {
	return scanInvite(r.pool.QueryRow(ctx, `SELECT `+inviteColumns+` FROM invites WHERE id = $1`, id))
}

func (r *PgRepository) GetByTokenHash(ctx context.Context, hash string) (*models.Invite, error) {
	return scanInvite(r.pool.QueryRow(ctx, `SELECT `+inviteColumns+` FROM invites WHERE token_hash = $1`, hash))
}

// SetAllocation only succeeds on an invite that has never been allocated.
func (r *PgRepository) SetAllocation(ctx context.Context, id uuid.UUID, amount int, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invites SET credits_allocated = $2, allocated_at = $3
		WHERE id = $1 AND allocated_at IS NULL
	`, id, amount, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyAllocated
	}
	return nil
}

func (r *PgRepository) Accept(ctx context.Context, id uuid.UUID, p *models.Person, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO persons (id, user_id, team_id, email, name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, p.ID, p.UserID, p.TeamID, p.Email, p.Name).Scan(&p.CreatedAt)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE invites SET person_id = $2, used_at = $3
		WHERE id = $1 AND used_at IS NULL
	`, id, p.ID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyAccepted
	}
	return tx.Commit(ctx)
}

func scanInvite(row pgx.Row) (*models.Invite, error) {
	var inv models.Invite
	err := row.Scan(&inv.ID, &inv.TeamID, &inv.Email, &inv.TokenHash, &inv.PersonID, &inv.CreditsAllocated,
		&inv.AllocatedAt, &inv.ExpiresAt, &inv.UsedAt, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
