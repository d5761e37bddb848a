// Package ledgertest provides an in-memory ledger.Store whose transactions
// hold per-key locks until Commit or Rollback, mirroring the advisory-lock
// semantics of the Postgres repository.
package ledgertest

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/portraitly/backend/internal/ledger"
	"github.com/portraitly/backend/internal/models"
)

type Store struct {
	mu    sync.Mutex
	rows  []*models.CreditTransaction
	locks map[string]chan struct{}
	clock time.Time

	// FailAppends makes the next n appends (including refunds) fail with Err.
	failMu      sync.Mutex
	FailAppends int
	Err         error
}

func New() *Store {
	return &Store{
		locks: make(map[string]chan struct{}),
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

var _ ledger.Store = (*Store)(nil)

// Seed commits rows directly, bypassing validation. Used to model
// historical data.
func (s *Store) Seed(rows ...*models.CreditTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		cp := *r
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = s.tick()
		}
		s.rows = append(s.rows, &cp)
	}
}

// Rows returns a copy of every committed row in append order.
func (s *Store) Rows() []models.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CreditTransaction, len(s.rows))
	for i, r := range s.rows {
		out[i] = *r
	}
	return out
}

// RowsOfType returns committed rows of type t.
func (s *Store) RowsOfType(t models.TransactionType) []models.CreditTransaction {
	var out []models.CreditTransaction
	for _, r := range s.Rows() {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	return &Tx{store: s, held: map[string]bool{}}, nil
}

func (s *Store) AppendTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	if err := s.injected(); err != nil {
		return err
	}
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	if sc, ok := t.Scope(); ok {
		if err := mt.lock(ctx, sc.Key()); err != nil {
			return err
		}
	}
	mt.stage(t)
	return nil
}

func (s *Store) DebitTx(ctx context.Context, tx pgx.Tx, d ledger.Debit) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	for _, k := range d.LockKeys() {
		if err := mt.lock(ctx, k); err != nil {
			return err
		}
	}
	err = d.Check(func(filters []ledger.Filter) (int, error) {
		return mt.sum(filters), nil
	})
	if err != nil {
		return err
	}
	if err := s.injected(); err != nil {
		return err
	}
	mt.stage(d.Transaction)
	return nil
}

func (s *Store) RefundTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) (bool, error) {
	mt, err := s.txOf(tx)
	if err != nil {
		return false, err
	}
	if sc, ok := t.Scope(); ok {
		if err := mt.lock(ctx, sc.Key()); err != nil {
			return false, err
		}
	}
	if err := s.injected(); err != nil {
		return false, err
	}
	for _, r := range mt.visible() {
		if r.Type == models.TxRefund && r.GenerationID != nil && *r.GenerationID == *t.GenerationID {
			return false, nil
		}
	}
	mt.stage(t)
	return true, nil
}

func (s *Store) Sum(_ context.Context, f ledger.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, r := range s.rows {
		if f.Matches(r) {
			total += r.Amount
		}
	}
	return total, nil
}

func (s *Store) Query(_ context.Context, f ledger.Filter) iter.Seq2[*models.CreditTransaction, error] {
	return func(yield func(*models.CreditTransaction, error) bool) {
		s.mu.Lock()
		snapshot := slices.Clone(s.rows)
		s.mu.Unlock()
		n := 0
		for i := len(snapshot) - 1; i >= 0; i-- {
			if !f.Matches(snapshot[i]) {
				continue
			}
			cp := *snapshot[i]
			if !yield(&cp, nil) {
				return
			}
			n++
			if f.Limit > 0 && n >= f.Limit {
				return
			}
		}
	}
}

func (s *Store) injected() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.FailAppends > 0 {
		s.FailAppends--
		if s.Err != nil {
			return s.Err
		}
		return errors.New("ledgertest: injected append failure")
	}
	return nil
}

// SetFailures arms the next n appends to fail with err.
func (s *Store) SetFailures(n int, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.FailAppends = n
	s.Err = err
}

func (s *Store) txOf(tx pgx.Tx) (*Tx, error) {
	mt, ok := tx.(*Tx)
	if !ok || mt.store != s {
		return nil, errors.New("ledgertest: foreign transaction")
	}
	if mt.done {
		return nil, pgx.ErrTxClosed
	}
	return mt, nil
}

func (s *Store) sem(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

// tick returns strictly increasing timestamps so newest-first ordering is stable.
func (s *Store) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

// Tx is an in-memory pgx.Tx. Staged rows become visible on Commit.
type Tx struct {
	store       *Store
	mu          sync.Mutex
	held        map[string]bool
	order       []string
	staged      []*models.CreditTransaction
	afterCommit []func()
	done        bool
}

var _ pgx.Tx = (*Tx)(nil)

// AfterCommit runs fn when tx commits, or immediately when tx is not an
// in-memory transaction. Fakes of other repositories use it to take part in
// the same unit of work.
func AfterCommit(tx pgx.Tx, fn func()) {
	if mt, ok := tx.(*Tx); ok {
		mt.mu.Lock()
		mt.afterCommit = append(mt.afterCommit, fn)
		mt.mu.Unlock()
		return
	}
	fn()
}

func (t *Tx) lock(ctx context.Context, key string) error {
	t.mu.Lock()
	if t.held[key] {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	select {
	case t.store.sem(key) <- struct{}{}:
	case <-ctx.Done():
		return errors.Join(ledger.ErrDoubleSpendConflict, ctx.Err())
	}
	t.mu.Lock()
	t.held[key] = true
	t.order = append(t.order, key)
	t.mu.Unlock()
	return nil
}

func (t *Tx) stage(r *models.CreditTransaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *r
	t.staged = append(t.staged, &cp)
}

func (t *Tx) visible() []*models.CreditTransaction {
	t.store.mu.Lock()
	rows := slices.Clone(t.store.rows)
	t.store.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	return append(rows, t.staged...)
}

func (t *Tx) sum(filters []ledger.Filter) int {
	total := 0
	for _, r := range t.visible() {
		for _, f := range filters {
			if f.Matches(r) {
				total += r.Amount
			}
		}
	}
	return total
}

func (t *Tx) release() {
	t.mu.Lock()
	keys := t.order
	t.order, t.held, t.done = nil, map[string]bool{}, true
	t.mu.Unlock()
	for _, k := range keys {
		<-t.store.sem(k)
	}
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	staged, hooks := t.staged, t.afterCommit
	t.mu.Unlock()

	t.store.mu.Lock()
	for _, r := range staged {
		r.CreatedAt = t.store.tick()
		t.store.rows = append(t.store.rows, r)
	}
	t.store.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	t.release()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	t.staged = nil
	t.mu.Unlock()
	t.release()
	return nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("ledgertest: nested transactions unsupported") }
func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }
