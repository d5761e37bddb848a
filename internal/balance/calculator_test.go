package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portraitly/backend/internal/ledger"
	"github.com/portraitly/backend/internal/ledger/ledgertest"
	"github.com/portraitly/backend/internal/models"
	"github.com/portraitly/backend/internal/observability"
)

type plans map[uuid.UUID]string

func (p plans) PlanTier(_ context.Context, id uuid.UUID) (string, error) {
	tier, ok := p[id]
	if !ok {
		return "", errors.New("user not found")
	}
	return tier, nil
}

func credit(s models.Scope, amount int, typ models.TransactionType, tier string) *models.CreditTransaction {
	t := &models.CreditTransaction{Amount: amount, Type: typ}
	t.SetScope(s)
	if tier != "" {
		t.PlanTier = &tier
	}
	return t
}

func setup(p plans, opts Options) (*Calculator, *ledger.Service, *ledgertest.Store) {
	store := ledgertest.New()
	svc := ledger.NewService(store, nil)
	calc := NewCalculator(svc, p, opts)
	svc.OnAppend(calc.Invalidate)
	return calc, svc, store
}

func TestEffectiveTeamBalance_ProIncludesUnmigratedCredit(t *testing.T) {
	ctx := context.Background()
	user, team := uuid.New(), uuid.New()
	calc, _, store := setup(plans{user: models.PlanTierPro}, Options{})

	store.Seed(
		credit(models.IndividualScope(user), 10, models.TxPurchase, models.PlanTierPro),
		credit(models.IndividualScope(user), 3, models.TxGrant, "individual"),
		credit(models.TeamScope(team), 5, models.TxPurchase, ""),
	)

	eff, err := calc.EffectiveTeamBalance(ctx, user, team)
	require.NoError(t, err)
	assert.Equal(t, 15, eff)

	raw, err := calc.TeamBalance(ctx, team)
	require.NoError(t, err)
	assert.Equal(t, 5, raw)

	ind, err := calc.IndividualBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 13, ind)
}

func TestEffectiveTeamBalance_NonProIsTeamBalance(t *testing.T) {
	ctx := context.Background()
	user, team := uuid.New(), uuid.New()
	calc, _, store := setup(plans{user: "individual"}, Options{})

	store.Seed(
		credit(models.IndividualScope(user), 10, models.TxPurchase, models.PlanTierPro),
		credit(models.TeamScope(team), 5, models.TxPurchase, ""),
	)

	eff, err := calc.EffectiveTeamBalance(ctx, user, team)
	require.NoError(t, err)
	assert.Equal(t, 5, eff)
}

// Individual usage does not reduce the unmigrated term; only positive
// pro-tagged rows count toward it.
func TestEffectiveTeamBalance_IgnoresNegativeIndividualRows(t *testing.T) {
	ctx := context.Background()
	user, team := uuid.New(), uuid.New()
	calc, _, store := setup(plans{user: models.PlanTierPro}, Options{})

	store.Seed(
		credit(models.IndividualScope(user), 8, models.TxPurchase, models.PlanTierPro),
		credit(models.IndividualScope(user), -4, models.TxUsage, ""),
		credit(models.TeamScope(team), 2, models.TxGrant, ""),
		credit(models.TeamScope(team), -6, models.TxUsage, ""),
	)

	eff, err := calc.EffectiveTeamBalance(ctx, user, team)
	require.NoError(t, err)
	assert.Equal(t, 4, eff)

	raw, err := calc.TeamBalance(ctx, team)
	require.NoError(t, err)
	assert.Equal(t, -4, raw)
}

func TestEffectiveTeamFilters_PlanLookupError(t *testing.T) {
	calc, _, _ := setup(plans{}, Options{})
	uid := uuid.New()
	_, err := calc.EffectiveTeamFilters(context.Background(), &uid, uuid.New())
	require.Error(t, err)

	filters, err := calc.EffectiveTeamFilters(context.Background(), nil, uuid.New())
	require.NoError(t, err)
	assert.Len(t, filters, 1)
}

func TestBalance_CacheInvalidatedOnAppend(t *testing.T) {
	ctx := context.Background()
	user, team := uuid.New(), uuid.New()
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	calc, svc, _ := setup(plans{user: models.PlanTierPro}, Options{CacheSize: 16, CacheTTL: time.Minute, Metrics: m})

	_, err := svc.Append(ctx, credit(models.TeamScope(team), 7, models.TxPurchase, ""))
	require.NoError(t, err)

	eff, err := calc.EffectiveTeamBalance(ctx, user, team)
	require.NoError(t, err)
	assert.Equal(t, 7, eff)
	_, err = calc.EffectiveTeamBalance(ctx, user, team)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BalanceCacheHits))

	// A pro purchase on the individual scope must drop the effective entry.
	_, err = svc.Append(ctx, credit(models.IndividualScope(user), 3, models.TxPurchase, models.PlanTierPro))
	require.NoError(t, err)

	eff, err = calc.EffectiveTeamBalance(ctx, user, team)
	require.NoError(t, err)
	assert.Equal(t, 10, eff)
}

func TestBalance_NegativeRaisesAlarm(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	calc, _, store := setup(plans{}, Options{Metrics: m})

	person := uuid.New()
	store.Seed(credit(models.PersonScope(person), -3, models.TxUsage, ""))

	n, err := calc.PersonBalance(ctx, person)
	require.NoError(t, err)
	assert.Equal(t, -3, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NegativeBalance.WithLabelValues("person")))

	team := uuid.New()
	store.Seed(credit(models.TeamScope(team), -1, models.TxUsage, ""))
	_, err = calc.TeamBalance(ctx, team)
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.NegativeBalance.WithLabelValues("team")))
}
