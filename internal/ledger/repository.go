package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portraitly/backend/internal/models"
)

const transactionColumns = `id, amount, user_id, team_id, person_id, type, plan_tier, plan_period,
	generation_id, invite_id, description, created_at`

// Repository is the Postgres Store. Per-scope serialization uses
// transaction-scoped advisory locks, so it holds across API processes.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) AppendTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	return insertTx(ctx, tx, t)
}

// DebitTx runs inside the caller's transaction. It:
// a) takes pg_advisory_xact_lock on every key the debit touches (sorted)
// b) sums each guard's filters, now that competing debits are blocked
// c) inserts the debit row only if every guard holds
func (r *Repository) DebitTx(ctx context.Context, tx pgx.Tx, d Debit) error {
	if err := lockKeys(ctx, tx, d.LockKeys()); err != nil {
		return err
	}
	err := d.Check(func(filters []Filter) (int, error) {
		return sumTx(ctx, tx, filters)
	})
	if err != nil {
		return mapPgErr(err)
	}
	return insertTx(ctx, tx, d.Transaction)
}

func (r *Repository) RefundTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) (bool, error) {
	if s, ok := t.Scope(); ok {
		if err := lockKeys(ctx, tx, []string{s.Key()}); err != nil {
			return false, err
		}
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, amount, user_id, team_id, person_id, type, plan_tier, plan_period,
			generation_id, invite_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (generation_id) WHERE type = 'refund' DO NOTHING
		RETURNING created_at
	`, t.ID, t.Amount, t.UserID, t.TeamID, t.PersonID, string(t.Type), t.PlanTier, t.PlanPeriod,
		t.GenerationID, t.InviteID, t.Description).Scan(&t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapPgErr(err)
	}
	return true, nil
}

func (r *Repository) Sum(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE `+where, args...).Scan(&total)
	return total, err
}

// Query streams matching rows newest first. Every range over the returned
// sequence re-runs the query.
func (r *Repository) Query(ctx context.Context, f Filter) iter.Seq2[*models.CreditTransaction, error] {
	return func(yield func(*models.CreditTransaction, error) bool) {
		where, args := f.where()
		sql := `SELECT ` + transactionColumns + ` FROM credit_transactions WHERE ` + where +
			` ORDER BY created_at DESC, id DESC`
		if f.Limit > 0 {
			sql += fmt.Sprintf(" LIMIT %d", f.Limit)
		}
		rows, err := r.pool.Query(ctx, sql, args...)
		if err != nil {
			yield(nil, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTransaction(rows)
			if !yield(t, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func lockKeys(ctx context.Context, tx pgx.Tx, keys []string) error {
	for _, k := range keys {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, k); err != nil {
			return mapPgErr(fmt.Errorf("lock %s: %w", k, err))
		}
	}
	return nil
}

func sumTx(ctx context.Context, tx pgx.Tx, filters []Filter) (int, error) {
	total := 0
	for _, f := range filters {
		where, args := f.where()
		var n int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE `+where, args...).Scan(&n); err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func insertTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, amount, user_id, team_id, person_id, type, plan_tier, plan_period,
			generation_id, invite_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, t.ID, t.Amount, t.UserID, t.TeamID, t.PersonID, string(t.Type), t.PlanTier, t.PlanPeriod,
		t.GenerationID, t.InviteID, t.Description).Scan(&t.CreatedAt)
	return mapPgErr(err)
}

func scanTransaction(row pgx.Row) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	var typ string
	err := row.Scan(&t.ID, &t.Amount, &t.UserID, &t.TeamID, &t.PersonID, &typ, &t.PlanTier, &t.PlanPeriod,
		&t.GenerationID, &t.InviteID, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = models.TransactionType(typ)
	return &t, nil
}
