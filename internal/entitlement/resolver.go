// Package entitlement decides which balance pays for a generation and
// whether it can. All checks here are advisory: the authoritative check is
// the guarded debit, which re-evaluates the same filters under lock.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/portraitly/backend/internal/ledger"
	"github.com/portraitly/backend/internal/models"
	"github.com/portraitly/backend/internal/observability"
)

var (
	ErrRegenerationLimitExceeded = errors.New("regeneration limit exceeded")
	ErrNotTeamMember             = errors.New("actor does not belong to a team")
	ErrInvalidGenerationType     = errors.New("unknown generation type")
)

// Balances is the subset of balance.Calculator the resolver reads.
type Balances interface {
	Balance(ctx context.Context, s models.Scope) (int, error)
	EffectiveTeamFilters(ctx context.Context, userID *uuid.UUID, teamID uuid.UUID) ([]ledger.Filter, error)
}

// Summer adds up ledger rows for arbitrary filters.
type Summer interface {
	Sum(ctx context.Context, filters ...ledger.Filter) (int, error)
}

// Allocations resolves the allocation guard of an invite. It fails with
// invite.ErrInviteExpired for expired invites.
type Allocations interface {
	UsageGuard(ctx context.Context, inviteID uuid.UUID) (ledger.Guard, error)
}

// Regenerations counts follow-up generations of an original.
type Regenerations interface {
	CountRegenerations(ctx context.Context, originalID uuid.UUID) (int, error)
}

// Source is a resolved payer for one generation.
type Source struct {
	Kind     string // models.CreditSource*
	Scope    models.Scope
	InviteID *uuid.UUID
	TxType   models.TransactionType
	// Guards are evaluated by the debit under lock and by CanAfford without.
	Guards []ledger.Guard
}

// Debit builds the guarded usage row for cost credits.
func (s Source) Debit(cost int, generationID uuid.UUID, description string) ledger.Debit {
	t := &models.CreditTransaction{
		Amount:       -cost,
		Type:         s.TxType,
		GenerationID: &generationID,
		InviteID:     s.InviteID,
		Description:  description,
	}
	t.SetScope(s.Scope)
	return ledger.Debit{Transaction: t, Guards: s.Guards}
}

// Budget is the regeneration quota of one original generation.
type Budget struct {
	Max       int `json:"max"`
	Remaining int `json:"remaining"`
}

// Check returns ErrRegenerationLimitExceeded when no slot is left.
func (b Budget) Check() error {
	if b.Remaining <= 0 {
		return ErrRegenerationLimitExceeded
	}
	return nil
}

type Resolver struct {
	ledger        Summer
	balances      Balances
	allocations   Allocations
	regenerations Regenerations
	retries       int
	backoff       func() backoff.BackOff
	metrics       *observability.Metrics
	log           *slog.Logger
}

type Options struct {
	// DebitRetries bounds attempts of a debit that lost a concurrent race.
	DebitRetries int
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

func NewResolver(l Summer, b Balances, a Allocations, r Regenerations, opts Options) *Resolver {
	res := &Resolver{
		ledger:        l,
		balances:      b,
		allocations:   a,
		regenerations: r,
		retries:       opts.DebitRetries,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 250 * time.Millisecond
			return b
		},
	}
	if res.retries < 1 {
		res.retries = 3
	}
	if res.log == nil {
		res.log = slog.Default()
	}
	return res
}

// ResolveCreditSource picks the scope that pays for a request of genType.
//
//	personal, registered user -> individual scope
//	personal, guest person    -> person scope
//	team, member              -> team scope, effective team balance
//	team, invited guest       -> team scope, capped by the invite allocation
func (r *Resolver) ResolveCreditSource(ctx context.Context, actor models.Actor, genType string) (Source, error) {
	switch genType {
	case models.GenerationTypePersonal:
		var s models.Scope
		kind := models.CreditSourceIndividual
		if actor.UserID != nil {
			s = models.IndividualScope(*actor.UserID)
		} else {
			s = models.PersonScope(actor.PersonID)
			kind = models.CreditSourcePerson
		}
		return Source{
			Kind:   kind,
			Scope:  s,
			TxType: models.TxUsage,
			Guards: []ledger.Guard{{Filters: []ledger.Filter{ledger.ScopeFilter(s)}}},
		}, nil

	case models.GenerationTypeTeam:
		if actor.TeamID == nil {
			return Source{}, ErrNotTeamMember
		}
		team := models.TeamScope(*actor.TeamID)
		if actor.IsGuest() {
			allocation, err := r.allocations.UsageGuard(ctx, *actor.InviteID)
			if err != nil {
				return Source{}, err
			}
			inviteID := *actor.InviteID
			return Source{
				Kind:     models.CreditSourceTeam,
				Scope:    team,
				InviteID: &inviteID,
				TxType:   models.TxInviteUsage,
				Guards: []ledger.Guard{
					{Filters: []ledger.Filter{ledger.ScopeFilter(team)}},
					allocation,
				},
			}, nil
		}
		filters, err := r.balances.EffectiveTeamFilters(ctx, actor.UserID, *actor.TeamID)
		if err != nil {
			return Source{}, err
		}
		return Source{
			Kind:   models.CreditSourceTeam,
			Scope:  team,
			TxType: models.TxUsage,
			Guards: []ledger.Guard{{Filters: filters}},
		}, nil
	}
	return Source{}, fmt.Errorf("%w: %q", ErrInvalidGenerationType, genType)
}

// CanAfford evaluates the source's guards against current balances. A zero
// cost is always affordable. Cached balances may only say yes; a no is
// always read from the ledger.
func (r *Resolver) CanAfford(ctx context.Context, src Source, cost int) (bool, error) {
	if cost <= 0 {
		return true, nil
	}
	for _, g := range src.Guards {
		var sum int
		var err error
		if len(g.Filters) == 1 && g.Filters[0].Scope != nil && g.Base == 0 {
			sum, err = r.balances.Balance(ctx, *g.Filters[0].Scope)
			// The cache only sees this process's appends. A refusal is
			// confirmed against the ledger before it is reported.
			if err == nil && !g.Satisfied(sum, cost) {
				sum, err = r.ledger.Sum(ctx, g.Filters...)
			}
		} else {
			sum, err = r.ledger.Sum(ctx, g.Filters...)
		}
		if err != nil {
			return false, err
		}
		if !g.Satisfied(sum, cost) {
			return false, nil
		}
	}
	return true, nil
}

// Afford is CanAfford returning the failing guard's error, so callers can
// tell an exhausted allocation from an empty team pool.
func (r *Resolver) Afford(ctx context.Context, src Source, cost int) error {
	if cost <= 0 {
		return nil
	}
	for _, g := range src.Guards {
		ok, err := r.CanAfford(ctx, Source{Guards: []ledger.Guard{g}}, cost)
		if err != nil {
			return err
		}
		if !ok {
			if g.Err != nil {
				return g.Err
			}
			return ledger.ErrInsufficientCredits
		}
	}
	return nil
}

// ResolveRegenerationBudget derives the remaining quota of original from the
// number of regenerations that reference it. Soft-deleted regenerations
// still hold their slot.
func (r *Resolver) ResolveRegenerationBudget(ctx context.Context, original *models.Generation) (Budget, error) {
	n, err := r.regenerations.CountRegenerations(ctx, original.ID)
	if err != nil {
		return Budget{}, fmt.Errorf("count regenerations of %s: %w", original.ID, err)
	}
	b := Budget{Max: original.MaxRegenerations, Remaining: original.MaxRegenerations - n}
	if b.Remaining < 0 {
		b.Remaining = 0
	}
	return b, nil
}

// RetryDebit runs fn until it stops failing with ErrDoubleSpendConflict or
// the retry budget is spent. An exhausted budget surfaces as
// ErrInsufficientCredits; any other error is returned immediately.
func (r *Resolver) RetryDebit(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ledger.ErrDoubleSpendConflict) {
			r.metrics.DebitConflict()
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(r.backoff()),
		backoff.WithMaxTries(uint(r.retries)),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.log.Warn("debit conflict, retrying", "error", err, "backoff", d)
		}),
	)
	if err != nil && errors.Is(err, ledger.ErrDoubleSpendConflict) {
		return fmt.Errorf("%w: %w", ledger.ErrInsufficientCredits, err)
	}
	return err
}
