// Package balance derives credit balances from ledger rows. Nothing here
// stores a balance; every value is a sum over the ledger, optionally served
// from a short-lived cache.
package balance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/portraitly/backend/internal/ledger"
	"github.com/portraitly/backend/internal/models"
	"github.com/portraitly/backend/internal/observability"
)

// Summer adds up ledger rows. *ledger.Service satisfies it.
type Summer interface {
	Sum(ctx context.Context, filters ...ledger.Filter) (int, error)
}

// PlanLookup returns a user's current plan tier.
type PlanLookup interface {
	PlanTier(ctx context.Context, userID uuid.UUID) (string, error)
}

type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

type Calculator struct {
	ledger  Summer
	plans   PlanLookup
	cache   *lru.LRU[string, int]
	metrics *observability.Metrics
	log     *slog.Logger
}

// NewCalculator builds a Calculator. A zero CacheSize or CacheTTL disables
// caching.
func NewCalculator(l Summer, plans PlanLookup, opts Options) *Calculator {
	c := &Calculator{ledger: l, plans: plans, metrics: opts.Metrics, log: opts.Logger}
	if c.log == nil {
		c.log = slog.Default()
	}
	if opts.CacheSize > 0 && opts.CacheTTL > 0 {
		c.cache = lru.NewLRU[string, int](opts.CacheSize, nil, opts.CacheTTL)
	}
	return c
}

func (c *Calculator) IndividualBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	return c.Balance(ctx, models.IndividualScope(userID))
}

// TeamBalance is the raw team pool. It can legitimately go negative for
// pro owners spending unmigrated individual credit, so it raises no alarm.
func (c *Calculator) TeamBalance(ctx context.Context, teamID uuid.UUID) (int, error) {
	return c.Balance(ctx, models.TeamScope(teamID))
}

func (c *Calculator) PersonBalance(ctx context.Context, personID uuid.UUID) (int, error) {
	return c.Balance(ctx, models.PersonScope(personID))
}

// Balance is the sum of every row in scope s.
func (c *Calculator) Balance(ctx context.Context, s models.Scope) (int, error) {
	n, err := c.cached(ctx, "bal|"+s.Key(), []ledger.Filter{ledger.ScopeFilter(s)})
	if err != nil {
		return 0, err
	}
	if s.Kind != models.ScopeTeam {
		c.alarm(s.Kind, s.Key(), n)
	}
	return n, nil
}

// EffectiveTeamFilters returns the filters whose sum is the team balance
// userID may spend. For pro users it adds their positive individual rows
// tagged pro that were never moved to a team. Debit guards reuse the same
// filters, so what is displayed and what is enforced cannot diverge.
func (c *Calculator) EffectiveTeamFilters(ctx context.Context, userID *uuid.UUID, teamID uuid.UUID) ([]ledger.Filter, error) {
	filters := []ledger.Filter{ledger.ScopeFilter(models.TeamScope(teamID))}
	if userID == nil || c.plans == nil {
		return filters, nil
	}
	tier, err := c.plans.PlanTier(ctx, *userID)
	if err != nil {
		return nil, fmt.Errorf("plan tier for %s: %w", userID, err)
	}
	if tier != models.PlanTierPro {
		return filters, nil
	}
	uid := *userID
	return append(filters, ledger.Filter{
		UserID:       &uid,
		TeamIsNull:   true,
		PlanTier:     models.PlanTierPro,
		PositiveOnly: true,
	}), nil
}

// EffectiveTeamBalance is the team balance as seen by userID.
func (c *Calculator) EffectiveTeamBalance(ctx context.Context, userID, teamID uuid.UUID) (int, error) {
	filters, err := c.EffectiveTeamFilters(ctx, &userID, teamID)
	if err != nil {
		return 0, err
	}
	key := "eff|" + models.IndividualScope(userID).Key() + "|" + models.TeamScope(teamID).Key()
	n, err := c.cached(ctx, key, filters)
	if err != nil {
		return 0, err
	}
	c.alarm(models.ScopeTeam, key, n)
	return n, nil
}

// Invalidate drops every cached balance that depends on s.
func (c *Calculator) Invalidate(s models.Scope) {
	if c.cache == nil {
		return
	}
	k := s.Key()
	for _, key := range c.cache.Keys() {
		if strings.Contains(key, k) {
			c.cache.Remove(key)
		}
	}
}

func (c *Calculator) cached(ctx context.Context, key string, filters []ledger.Filter) (int, error) {
	if c.cache != nil {
		if n, ok := c.cache.Get(key); ok {
			c.metrics.CacheHit()
			return n, nil
		}
		c.metrics.CacheMiss()
	}
	n, err := c.ledger.Sum(ctx, filters...)
	if err != nil {
		return 0, fmt.Errorf("sum %s: %w", key, err)
	}
	if c.cache != nil {
		c.cache.Add(key, n)
	}
	return n, nil
}

func (c *Calculator) alarm(kind models.ScopeKind, key string, n int) {
	if n >= 0 {
		return
	}
	c.log.Error("negative credit balance", "scope", key, "balance", n)
	c.metrics.NegativeBalanceSeen(string(kind))
}
