package ledger

import (
	"context"
	"iter"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/portraitly/backend/internal/models"
)

// Store is the persistence contract behind Service. Implementations append
// rows only; there is no update or delete.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	AppendTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error
	// DebitTx serializes on every key of d, evaluates the guards against
	// committed rows and appends d.Transaction only if all of them hold.
	DebitTx(ctx context.Context, tx pgx.Tx, d Debit) error
	// RefundTx appends t unless a refund for t.GenerationID already exists.
	RefundTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) (bool, error)
	Sum(ctx context.Context, f Filter) (int, error)
	Query(ctx context.Context, f Filter) iter.Seq2[*models.CreditTransaction, error]
}

// Guard is one affordability condition of a debit: Base plus the sum of the
// rows matched by Filters must cover the debit's cost.
type Guard struct {
	Base    int
	Filters []Filter
	// Err is returned when the guard fails. Defaults to ErrInsufficientCredits.
	Err error
}

// Satisfied reports whether sum covers cost under this guard.
func (g Guard) Satisfied(sum, cost int) bool {
	return g.Base+sum >= cost
}

func (g Guard) failure() error {
	if g.Err != nil {
		return g.Err
	}
	return ErrInsufficientCredits
}

// Debit is a conditional append: Transaction (negative amount) is written
// only when every guard holds at commit time.
type Debit struct {
	Transaction *models.CreditTransaction
	Guards      []Guard
}

// Cost is the positive number of credits the debit consumes.
func (d Debit) Cost() int {
	return -d.Transaction.Amount
}

// LockKeys lists the sorted, de-duplicated keys the debit serializes on.
func (d Debit) LockKeys() []string {
	var keys []string
	if s, ok := d.Transaction.Scope(); ok {
		keys = append(keys, s.Key())
	}
	if d.Transaction.InviteID != nil {
		keys = append(keys, "invite:"+d.Transaction.InviteID.String())
	}
	for _, g := range d.Guards {
		for _, f := range g.Filters {
			keys = append(keys, f.LockKeys()...)
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// Check evaluates every guard with sum, which returns the total for a set of
// filters. It is shared by store implementations.
func (d Debit) Check(sum func(filters []Filter) (int, error)) error {
	cost := d.Cost()
	for _, g := range d.Guards {
		total, err := sum(g.Filters)
		if err != nil {
			return err
		}
		if !g.Satisfied(total, cost) {
			return g.failure()
		}
	}
	return nil
}
