package generation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portraitly/backend/internal/entitlement"
	"github.com/portraitly/backend/internal/models"
)

const generationColumns = `id, person_id, user_id, team_id, invite_id, status, generation_type, credit_source,
	cost_credits, is_original, original_generation_id, max_regenerations, remaining_regenerations,
	selfie_keys, result_keys, failure_reason, job_attempts, deleted, created_at, updated_at,
	processing_at, completed_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

func (r *PgRepository) CreateTx(ctx context.Context, tx pgx.Tx, g *models.Generation) error {
	return tx.QueryRow(ctx, `
		INSERT INTO generations (id, person_id, user_id, team_id, invite_id, status, generation_type, credit_source,
			cost_credits, is_original, original_generation_id, max_regenerations, remaining_regenerations, selfie_keys)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`, g.ID, g.PersonID, g.UserID, g.TeamID, g.InviteID, g.Status, g.GenerationType, g.CreditSource,
		g.CostCredits, g.IsOriginal, g.OriginalGenerationID, g.MaxRegenerations, g.RemainingRegenerations,
		g.SelfieKeys).Scan(&g.CreatedAt, &g.UpdatedAt)
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	return scanGeneration(r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id))
}

// GetForUpdate locks the generation row. Call within a transaction.
func (r *PgRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Generation, error) {
	return scanGeneration(tx.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1 FOR UPDATE`, id))
}

func (r *PgRepository) UpdateStatusTx(ctx context.Context, tx pgx.Tx, g *models.Generation) error {
	_, err := tx.Exec(ctx, `
		UPDATE generations
		SET status = $2, result_keys = $3, failure_reason = $4, job_attempts = $5,
			processing_at = $6, completed_at = $7, updated_at = $8
		WHERE id = $1
	`, g.ID, g.Status, g.ResultKeys, g.FailureReason, g.JobAttempts, g.ProcessingAt, g.CompletedAt, g.UpdatedAt)
	return err
}

// ConsumeRegenerationTx takes one slot from a completed, visible original.
// The row lock it takes serializes concurrent regenerations of the same
// original.
func (r *PgRepository) ConsumeRegenerationTx(ctx context.Context, tx pgx.Tx, originalID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE generations
		SET remaining_regenerations = remaining_regenerations - 1, updated_at = now()
		WHERE id = $1 AND is_original AND status = 'completed' AND NOT deleted AND remaining_regenerations > 0
	`, originalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrRegenerationLimitExceeded
	}
	return nil
}

// CountRegenerations counts every regeneration of an original, deleted ones
// included.
func (r *PgRepository) CountRegenerations(ctx context.Context, originalID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM generations WHERE original_generation_id = $1`, originalID).Scan(&n)
	return n, err
}

func (r *PgRepository) SoftDelete(ctx context.Context, id, personID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generations SET deleted = true, updated_at = now()
		WHERE id = $1 AND person_id = $2
	`, id, personID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) ListByPerson(ctx context.Context, personID uuid.UUID, limit int) ([]*models.Generation, error) {
	return r.list(ctx, `
		SELECT `+generationColumns+` FROM generations
		WHERE person_id = $1 AND NOT deleted
		ORDER BY created_at DESC
		LIMIT $2
	`, personID, limit)
}

func (r *PgRepository) ListUnrefunded(ctx context.Context, limit int) ([]*models.Generation, error) {
	return r.list(ctx, `
		SELECT `+generationColumns+` FROM generations g
		WHERE g.status = 'failed' AND g.cost_credits > 0
			AND NOT EXISTS (
				SELECT 1 FROM credit_transactions c
				WHERE c.generation_id = g.id AND c.type = 'refund'
			)
		ORDER BY g.updated_at
		LIMIT $1
	`, limit)
}

func (r *PgRepository) list(ctx context.Context, sql string, args ...any) ([]*models.Generation, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	err := row.Scan(&g.ID, &g.PersonID, &g.UserID, &g.TeamID, &g.InviteID, &g.Status, &g.GenerationType, &g.CreditSource,
		&g.CostCredits, &g.IsOriginal, &g.OriginalGenerationID, &g.MaxRegenerations, &g.RemainingRegenerations,
		&g.SelfieKeys, &g.ResultKeys, &g.FailureReason, &g.JobAttempts, &g.Deleted, &g.CreatedAt, &g.UpdatedAt,
		&g.ProcessingAt, &g.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}
