package ledger

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/portraitly/backend/internal/models"
)

// Service is the single writer path for credit rows. It validates every row
// before it reaches the Store and tells listeners which scope changed.
type Service struct {
	store Store
	log   *slog.Logger

	mu        sync.RWMutex
	listeners []func(models.Scope)
}

func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log}
}

// OnAppend registers fn to be called with the scope of every appended row.
func (s *Service) OnAppend(fn func(models.Scope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Invalidate notifies listeners that scopes changed, e.g. after a commit.
func (s *Service) Invalidate(scopes ...models.Scope) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range scopes {
		for _, fn := range s.listeners {
			fn(sc)
		}
	}
}

func (s *Service) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.store.Begin(ctx)
}

// Validate rejects malformed rows. Nothing is written for an invalid row.
func Validate(t *models.CreditTransaction) error {
	if _, ok := t.Scope(); !ok {
		return ErrInvalidScope
	}
	if t.Amount == 0 {
		return ErrInvalidAmount
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, t.Type)
	}
	return nil
}

// Append durably writes t in its own transaction and returns its id.
func (s *Service) Append(ctx context.Context, t *models.CreditTransaction) (uuid.UUID, error) {
	if err := Validate(t); err != nil {
		return uuid.Nil, err
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)
	id, err := s.AppendTx(ctx, tx, t)
	if err != nil {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	s.notify(t)
	return id, nil
}

// AppendTx writes t inside the caller's transaction.
func (s *Service) AppendTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) (uuid.UUID, error) {
	if err := Validate(t); err != nil {
		return uuid.Nil, err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if err := s.store.AppendTx(ctx, tx, t); err != nil {
		return uuid.Nil, fmt.Errorf("append %s: %w", t.Type, err)
	}
	s.notify(t)
	return t.ID, nil
}

// Debit runs DebitTx in its own transaction.
func (s *Service) Debit(ctx context.Context, d Debit) (uuid.UUID, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)
	id, err := s.DebitTx(ctx, tx, d)
	if err != nil {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, mapPgErr(err)
	}
	s.notify(d.Transaction)
	return id, nil
}

// DebitTx appends a negative row only if every guard still holds while the
// debit's keys are locked. Guard failures return the guard's error and
// write nothing.
func (s *Service) DebitTx(ctx context.Context, tx pgx.Tx, d Debit) (uuid.UUID, error) {
	t := d.Transaction
	if err := Validate(t); err != nil {
		return uuid.Nil, err
	}
	if t.Amount > 0 {
		return uuid.Nil, fmt.Errorf("%w: debit amount must be negative", ErrInvalidAmount)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if err := s.store.DebitTx(ctx, tx, d); err != nil {
		return uuid.Nil, err
	}
	s.notify(t)
	return t.ID, nil
}

// Refund appends a refund row for t.GenerationID unless one exists.
// created is false when the refund had already been issued.
func (s *Service) Refund(ctx context.Context, t *models.CreditTransaction) (id uuid.UUID, created bool, err error) {
	if err := Validate(t); err != nil {
		return uuid.Nil, false, err
	}
	if t.Type != models.TxRefund || t.GenerationID == nil {
		return uuid.Nil, false, fmt.Errorf("%w: refund must be typed refund and reference a generation", ErrInvalidType)
	}
	if t.Amount < 0 {
		return uuid.Nil, false, fmt.Errorf("%w: refund amount must be positive", ErrInvalidAmount)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return uuid.Nil, false, err
	}
	defer tx.Rollback(ctx)
	created, err = s.store.RefundTx(ctx, tx, t)
	if err != nil {
		return uuid.Nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, false, err
	}
	if created {
		s.notify(t)
	}
	return t.ID, created, nil
}

// Sum adds up the rows matched by each filter.
func (s *Service) Sum(ctx context.Context, filters ...Filter) (int, error) {
	total := 0
	for _, f := range filters {
		n, err := s.store.Sum(ctx, f)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (s *Service) Query(ctx context.Context, f Filter) iter.Seq2[*models.CreditTransaction, error] {
	return s.store.Query(ctx, f)
}

// Find returns the newest row matching f, or nil.
func (s *Service) Find(ctx context.Context, f Filter) (*models.CreditTransaction, error) {
	f.Limit = 1
	for t, err := range s.store.Query(ctx, f) {
		return t, err
	}
	return nil, nil
}

func (s *Service) notify(t *models.CreditTransaction) {
	if sc, ok := t.Scope(); ok {
		s.Invalidate(sc)
	}
}
