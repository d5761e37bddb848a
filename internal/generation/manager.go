// Package generation owns the generation state machine and the credit
// effects tied to it: one debit when a generation is created and one refund
// if it fails.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/portraitly/backend/internal/entitlement"
	"github.com/portraitly/backend/internal/ledger"
	"github.com/portraitly/backend/internal/models"
	"github.com/portraitly/backend/internal/observability"
)

var (
	ErrNotFound             = errors.New("generation not found")
	ErrInvalidTransition    = errors.New("invalid generation status transition")
	ErrNotEnoughSelfies     = fmt.Errorf("at least %d selfies are required", models.MinSelfies)
	ErrNotOriginal          = errors.New("regenerations must reference an original generation")
	ErrOriginalNotCompleted = errors.New("original generation has not completed")
	ErrRefundFailure        = errors.New("refund could not be issued")
)

// Repository persists generations. Methods taking a pgx.Tx run inside the
// caller's transaction.
type Repository interface {
	CreateTx(ctx context.Context, tx pgx.Tx, g *models.Generation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Generation, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, g *models.Generation) error
	// ConsumeRegenerationTx decrements the original's remaining slots if any
	// are left and fails with entitlement.ErrRegenerationLimitExceeded if not.
	ConsumeRegenerationTx(ctx context.Context, tx pgx.Tx, originalID uuid.UUID) error
	CountRegenerations(ctx context.Context, originalID uuid.UUID) (int, error)
	SoftDelete(ctx context.Context, id, personID uuid.UUID) error
	ListByPerson(ctx context.Context, personID uuid.UUID, limit int) ([]*models.Generation, error)
	// ListUnrefunded returns failed paid generations that have no refund row.
	ListUnrefunded(ctx context.Context, limit int) ([]*models.Generation, error)
}

// Ledger is the subset of *ledger.Service the manager writes through.
type Ledger interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	DebitTx(ctx context.Context, tx pgx.Tx, d ledger.Debit) (uuid.UUID, error)
	Refund(ctx context.Context, t *models.CreditTransaction) (uuid.UUID, bool, error)
	Find(ctx context.Context, f ledger.Filter) (*models.CreditTransaction, error)
	Invalidate(scopes ...models.Scope)
}

// Entitlements is the subset of *entitlement.Resolver the manager consults.
type Entitlements interface {
	ResolveCreditSource(ctx context.Context, actor models.Actor, genType string) (entitlement.Source, error)
	Afford(ctx context.Context, src entitlement.Source, cost int) error
	ResolveRegenerationBudget(ctx context.Context, original *models.Generation) (entitlement.Budget, error)
	RetryDebit(ctx context.Context, fn func(ctx context.Context) error) error
}

// InviteUsage records a guest's spend against its invite allocation.
// *invite.Service satisfies it.
type InviteUsage interface {
	RecordUsageTx(ctx context.Context, tx pgx.Tx, inviteID uuid.UUID, amount int, generationID *uuid.UUID) (uuid.UUID, error)
}

// EnqueueTxFunc enqueues the generation job inside the create transaction,
// so a generation never exists without its job.
type EnqueueTxFunc func(ctx context.Context, tx pgx.Tx, generationID uuid.UUID) error

// EnqueueRefundFunc hands a refund that exhausted its in-process retries to
// the durable job queue.
type EnqueueRefundFunc func(ctx context.Context, generationID uuid.UUID) error

type Config struct {
	GenerationCost    int
	RegenerationCost  int
	MaxRegenerations  int
	RefundMaxAttempts int
}

type Manager struct {
	repo          Repository
	ledger        Ledger
	entitlements  Entitlements
	invites       InviteUsage
	enqueue       EnqueueTxFunc
	enqueueRefund EnqueueRefundFunc
	cfg           Config
	refundBackoff func() backoff.BackOff
	metrics       *observability.Metrics
	log           *slog.Logger
	now           func() time.Time
}

func NewManager(repo Repository, l Ledger, e Entitlements, invites InviteUsage, enqueue EnqueueTxFunc,
	enqueueRefund EnqueueRefundFunc, cfg Config, metrics *observability.Metrics, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RefundMaxAttempts < 1 {
		cfg.RefundMaxAttempts = 5
	}
	return &Manager{
		repo:          repo,
		ledger:        l,
		entitlements:  e,
		invites:       invites,
		enqueue:       enqueue,
		enqueueRefund: enqueueRefund,
		cfg:           cfg,
		metrics:       metrics,
		log:           log,
		now:           time.Now,
		refundBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

type CreateRequest struct {
	Type                 string     `json:"generation_type"`
	SelfieKeys           []string   `json:"selfie_keys"`
	OriginalGenerationID *uuid.UUID `json:"original_generation_id,omitempty"`
}

// Create validates the request, then inserts the pending generation, debits
// the resolved source and enqueues its job in one transaction. The whole
// unit is retried if the debit loses a race for the scope.
func (m *Manager) Create(ctx context.Context, actor models.Actor, req CreateRequest) (*models.Generation, error) {
	if len(req.SelfieKeys) < models.MinSelfies {
		return nil, ErrNotEnoughSelfies
	}

	genType := req.Type
	cost := m.cfg.GenerationCost
	var original *models.Generation
	if req.OriginalGenerationID != nil {
		var err error
		original, err = m.regenerationOriginal(ctx, actor, *req.OriginalGenerationID)
		if err != nil {
			return nil, err
		}
		genType = original.GenerationType
		cost = m.cfg.RegenerationCost
	}

	src, err := m.entitlements.ResolveCreditSource(ctx, actor, genType)
	if err != nil {
		return nil, err
	}
	if err := m.entitlements.Afford(ctx, src, cost); err != nil {
		return nil, err
	}

	var g *models.Generation
	err = m.entitlements.RetryDebit(ctx, func(ctx context.Context) error {
		g = m.newGeneration(actor, genType, src, cost, original, req.SelfieKeys)
		return m.createTx(ctx, g, src, original)
	})
	if err != nil {
		return nil, err
	}

	m.ledger.Invalidate(src.Scope)
	m.metrics.GenerationCreated(src.Kind)
	m.log.Info("generation created", "generation_id", g.ID, "source", src.Kind, "scope", src.Scope.Key(), "cost", cost)
	return g, nil
}

func (m *Manager) createTx(ctx context.Context, g *models.Generation, src entitlement.Source, original *models.Generation) error {
	tx, err := m.ledger.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if original != nil {
		if err := m.repo.ConsumeRegenerationTx(ctx, tx, original.ID); err != nil {
			return err
		}
	}
	// The usage row references the generation, so the generation goes first.
	if err := m.repo.CreateTx(ctx, tx, g); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	if g.CostCredits > 0 {
		if err := m.debit(ctx, tx, g, src); err != nil {
			return err
		}
	}
	if err := m.enqueue(ctx, tx, g.ID); err != nil {
		return fmt.Errorf("enqueue generation job: %w", err)
	}
	return tx.Commit(ctx)
}

// debit writes the usage row of g. Guest spend goes through the invite
// service so the allocation is re-read inside the transaction.
func (m *Manager) debit(ctx context.Context, tx pgx.Tx, g *models.Generation, src entitlement.Source) error {
	if src.InviteID != nil && m.invites != nil {
		_, err := m.invites.RecordUsageTx(ctx, tx, *src.InviteID, g.CostCredits, &g.ID)
		return err
	}
	_, err := m.ledger.DebitTx(ctx, tx, src.Debit(g.CostCredits, g.ID, "generation "+g.ID.String()))
	return err
}

func (m *Manager) regenerationOriginal(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Generation, error) {
	original, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if original.Deleted || original.PersonID != actor.PersonID {
		return nil, ErrNotFound
	}
	if !original.IsOriginal {
		return nil, ErrNotOriginal
	}
	if original.Status != models.GenerationCompleted {
		return nil, ErrOriginalNotCompleted
	}
	budget, err := m.entitlements.ResolveRegenerationBudget(ctx, original)
	if err != nil {
		return nil, err
	}
	if err := budget.Check(); err != nil {
		return nil, err
	}
	return original, nil
}

func (m *Manager) newGeneration(actor models.Actor, genType string, src entitlement.Source, cost int, original *models.Generation, selfies []string) *models.Generation {
	g := &models.Generation{
		ID:             uuid.New(),
		PersonID:       actor.PersonID,
		UserID:         actor.UserID,
		InviteID:       src.InviteID,
		Status:         models.GenerationPending,
		GenerationType: genType,
		CreditSource:   src.Kind,
		CostCredits:    cost,
		IsOriginal:     original == nil,
		SelfieKeys:     selfies,
	}
	if genType == models.GenerationTypeTeam {
		g.TeamID = actor.TeamID
	}
	if original == nil {
		g.MaxRegenerations = m.cfg.MaxRegenerations
		g.RemainingRegenerations = m.cfg.MaxRegenerations
	} else {
		oid := original.ID
		g.OriginalGenerationID = &oid
	}
	return g
}

// transition applies fn to the locked generation and persists the result if
// fn reports a change.
func (m *Manager) transition(ctx context.Context, id uuid.UUID, fn func(g *models.Generation) (bool, error)) (*models.Generation, error) {
	tx, err := m.ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	g, err := m.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	changed, err := fn(g)
	if err != nil {
		return nil, err
	}
	if !changed {
		return g, nil
	}
	g.UpdatedAt = m.now()
	if err := m.repo.UpdateStatusTx(ctx, tx, g); err != nil {
		return nil, fmt.Errorf("update generation %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// MarkProcessing records that the job system picked the generation up. It
// has no credit effect.
func (m *Manager) MarkProcessing(ctx context.Context, id uuid.UUID, attempts int) (*models.Generation, error) {
	return m.transition(ctx, id, func(g *models.Generation) (bool, error) {
		switch g.Status {
		case models.GenerationPending:
			now := m.now()
			g.Status, g.ProcessingAt, g.JobAttempts = models.GenerationProcessing, &now, attempts
			return true, nil
		case models.GenerationProcessing:
			if attempts > g.JobAttempts {
				g.JobAttempts = attempts
				return true, nil
			}
			return false, nil
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Status, models.GenerationProcessing)
	})
}

// MarkCompleted is terminal and has no credit effect. Repeating it is a no-op.
func (m *Manager) MarkCompleted(ctx context.Context, id uuid.UUID, resultKeys []string) (*models.Generation, error) {
	return m.transition(ctx, id, func(g *models.Generation) (bool, error) {
		switch g.Status {
		case models.GenerationPending, models.GenerationProcessing:
			now := m.now()
			g.Status, g.CompletedAt = models.GenerationCompleted, &now
			if len(resultKeys) > 0 {
				g.ResultKeys = resultKeys
			}
			return true, nil
		case models.GenerationCompleted:
			return false, nil
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Status, models.GenerationCompleted)
	})
}

// MarkFailed is terminal. Once the status is committed the debit is
// refunded; a repeated failure re-runs the refund, which is a no-op if it
// was already issued.
func (m *Manager) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*models.Generation, error) {
	g, err := m.transition(ctx, id, func(g *models.Generation) (bool, error) {
		switch g.Status {
		case models.GenerationPending, models.GenerationProcessing:
			now := m.now()
			g.Status, g.FailureReason, g.CompletedAt = models.GenerationFailed, &reason, &now
			return true, nil
		case models.GenerationFailed:
			return false, nil
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Status, models.GenerationFailed)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("generation failed", "generation_id", id, "reason", reason)
	if err := m.refundWithRetry(ctx, g); err != nil {
		return g, err
	}
	return g, nil
}

func (m *Manager) refundWithRetry(ctx context.Context, g *models.Generation) error {
	if g.CostCredits <= 0 {
		return nil
	}
	_, err := backoff.Retry(ctx, func() (bool, error) {
		created, err := m.EnsureRefund(ctx, g)
		if err != nil && isPermanent(err) {
			return false, backoff.Permanent(err)
		}
		return created, err
	},
		backoff.WithBackOff(m.refundBackoff()),
		backoff.WithMaxTries(uint(m.cfg.RefundMaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			m.log.Warn("refund attempt failed", "generation_id", g.ID, "error", err, "backoff", d)
		}),
	)
	if err == nil {
		return nil
	}

	m.metrics.RefundExhausted()
	m.log.Error("refund retries exhausted", "generation_id", g.ID, "cost", g.CostCredits, "error", err)
	if m.enqueueRefund != nil {
		if qerr := m.enqueueRefund(context.WithoutCancel(ctx), g.ID); qerr != nil {
			m.log.Error("enqueue refund job failed", "generation_id", g.ID, "error", qerr)
		}
	}
	return fmt.Errorf("%w: generation %s: %w", ErrRefundFailure, g.ID, err)
}

func isPermanent(err error) bool {
	return errors.Is(err, ledger.ErrInvalidScope) ||
		errors.Is(err, ledger.ErrInvalidAmount) ||
		errors.Is(err, ledger.ErrInvalidType) ||
		errors.Is(err, context.Canceled)
}

// EnsureRefund issues the refund for a failed generation unless one exists.
// The refund mirrors the original debit: same scope, same invite tag, the
// opposite amount. It returns false if nothing was written.
func (m *Manager) EnsureRefund(ctx context.Context, g *models.Generation) (bool, error) {
	if g.Status != models.GenerationFailed {
		return false, fmt.Errorf("%w: refund of %s generation", ErrInvalidTransition, g.Status)
	}
	id := g.ID
	debit, err := m.ledger.Find(ctx, ledger.Filter{
		GenerationID: &id,
		Types:        []models.TransactionType{models.TxUsage, models.TxInviteUsage},
	})
	if err != nil {
		return false, fmt.Errorf("find debit of %s: %w", g.ID, err)
	}
	if debit == nil {
		return false, nil
	}
	scope, ok := debit.Scope()
	if !ok {
		return false, ledger.ErrInvalidScope
	}
	refund := &models.CreditTransaction{
		Amount:       -debit.Amount,
		Type:         models.TxRefund,
		GenerationID: &id,
		InviteID:     debit.InviteID,
		Description:  "refund for failed generation " + id.String(),
	}
	refund.SetScope(scope)
	_, created, err := m.ledger.Refund(ctx, refund)
	if err != nil {
		return false, err
	}
	if created {
		m.metrics.RefundIssued()
		m.log.Info("refund issued", "generation_id", id, "scope", scope.Key(), "amount", refund.Amount)
	}
	return created, nil
}

// RefundByID loads a generation and ensures its refund. Used by the durable
// refund job.
func (m *Manager) RefundByID(ctx context.Context, id uuid.UUID) (bool, error) {
	g, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return m.EnsureRefund(ctx, g)
}

// ReconcileRefunds refunds failed paid generations that still have no
// refund row, e.g. after a crash between the status commit and the refund.
func (m *Manager) ReconcileRefunds(ctx context.Context, limit int) (int, error) {
	pending, err := m.repo.ListUnrefunded(ctx, limit)
	if err != nil {
		return 0, err
	}
	issued := 0
	var errs []error
	for _, g := range pending {
		created, err := m.EnsureRefund(ctx, g)
		if err != nil {
			errs = append(errs, fmt.Errorf("generation %s: %w", g.ID, err))
			continue
		}
		if created {
			issued++
		}
	}
	if issued > 0 {
		m.log.Warn("reconciled missing refunds", "count", issued)
	}
	return issued, errors.Join(errs...)
}

// SoftDelete hides a generation from its owner. Its debit and its
// regeneration slot are kept.
func (m *Manager) SoftDelete(ctx context.Context, actor models.Actor, id uuid.UUID) error {
	return m.repo.SoftDelete(ctx, id, actor.PersonID)
}

// Lookup returns a generation regardless of owner. Background jobs only.
func (m *Manager) Lookup(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	return m.repo.GetByID(ctx, id)
}

// Get returns a generation visible to actor.
func (m *Manager) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Generation, error) {
	g, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Deleted || g.PersonID != actor.PersonID {
		return nil, ErrNotFound
	}
	return g, nil
}

func (m *Manager) ListByPerson(ctx context.Context, actor models.Actor, limit int) ([]*models.Generation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return m.repo.ListByPerson(ctx, actor.PersonID, limit)
}

// RegenerationBudget reports the quota of an original visible to actor.
func (m *Manager) RegenerationBudget(ctx context.Context, actor models.Actor, id uuid.UUID) (entitlement.Budget, error) {
	g, err := m.Get(ctx, actor, id)
	if err != nil {
		return entitlement.Budget{}, err
	}
	if !g.IsOriginal {
		return entitlement.Budget{}, ErrNotOriginal
	}
	return m.entitlements.ResolveRegenerationBudget(ctx, g)
}
