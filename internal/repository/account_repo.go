package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portraitly/backend/internal/models"
)

// ErrNotFound is returned when a user, team or person does not exist.
var ErrNotFound = errors.New("not found")

// AccountRepo reads and writes users, teams and persons.
type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) CreateUser(ctx context.Context, u *models.User) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, plan_tier, plan_period)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, u.ID, u.Email, u.PlanTier, u.PlanPeriod).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (r *AccountRepo) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, plan_tier, plan_period, created_at, updated_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.PlanTier, &u.PlanPeriod, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// PlanTier returns the plan tier of a user. It feeds the effective team
// balance rule.
func (r *AccountRepo) PlanTier(ctx context.Context, userID uuid.UUID) (string, error) {
	var tier string
	err := r.pool.QueryRow(ctx, `SELECT plan_tier FROM users WHERE id = $1`, userID).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return tier, err
}

func (r *AccountRepo) UpdatePlan(ctx context.Context, userID uuid.UUID, tier, period string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET plan_tier = $2, plan_period = $3, updated_at = now() WHERE id = $1
	`, userID, tier, period)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTeam inserts the team and the owner's person row in one transaction.
func (r *AccountRepo) CreateTeam(ctx context.Context, t *models.Team, owner *models.Person) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx, `
		INSERT INTO teams (id, name, owner_id) VALUES ($1, $2, $3)
		RETURNING created_at
	`, t.ID, t.Name, t.OwnerID).Scan(&t.CreatedAt); err != nil {
		return err
	}
	owner.TeamID = &t.ID
	if err := insertPerson(ctx, tx, owner); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *AccountRepo) GetTeam(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	var t models.Team
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, owner_id, created_at FROM teams WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.OwnerID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *AccountRepo) CreatePerson(ctx context.Context, p *models.Person) error {
	return insertPerson(ctx, r.pool, p)
}

func (r *AccountRepo) GetPerson(ctx context.Context, id uuid.UUID) (*models.Person, error) {
	var p models.Person
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, team_id, email, name, created_at FROM persons WHERE id = $1
	`, id).Scan(&p.ID, &p.UserID, &p.TeamID, &p.Email, &p.Name, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertPerson(ctx context.Context, q querier, p *models.Person) error {
	return q.QueryRow(ctx, `
		INSERT INTO persons (id, user_id, team_id, email, name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, p.ID, p.UserID, p.TeamID, p.Email, p.Name).Scan(&p.CreatedAt)
}
