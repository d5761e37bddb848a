package ledger

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrInvalidScope is returned when a row sets zero or more than one scope identifier.
	ErrInvalidScope = errors.New("ledger: transaction must set exactly one scope")
	// ErrInvalidAmount is returned for zero amounts and for debits/refunds with the wrong sign.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	ErrInvalidType   = errors.New("ledger: unknown transaction type")

	// ErrInsufficientCredits is returned when a debit guard fails. Nothing is written.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrDoubleSpendConflict signals that a concurrent writer won the race for
	// the same scope. Callers retry the whole unit of work.
	ErrDoubleSpendConflict = errors.New("ledger: concurrent debit conflict")
)

// mapPgErr converts serialization, deadlock and lock-timeout failures into
// ErrDoubleSpendConflict and leaves every other error untouched.
func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return errors.Join(ErrDoubleSpendConflict, err)
		}
	}
	return err
}
