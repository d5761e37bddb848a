package handlers

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/portraitly/backend/internal/ledger"
	"github.com/portraitly/backend/internal/models"
)

// CreditLedger is the subset of ledger.Service the handler uses.
type CreditLedger interface {
	Append(ctx context.Context, t *models.CreditTransaction) (uuid.UUID, error)
	Query(ctx context.Context, f ledger.Filter) iter.Seq2[*models.CreditTransaction, error]
}

// BalanceReader is the subset of balance.Calculator the handler uses.
type BalanceReader interface {
	IndividualBalance(ctx context.Context, userID uuid.UUID) (int, error)
	TeamBalance(ctx context.Context, teamID uuid.UUID) (int, error)
	PersonBalance(ctx context.Context, personID uuid.UUID) (int, error)
	EffectiveTeamBalance(ctx context.Context, userID, teamID uuid.UUID) (int, error)
}

// InviteReader returns an invite with its usage filled in.
type InviteReader interface {
	Get(ctx context.Context, inviteID uuid.UUID) (*models.Invite, error)
}

// CreditHandler serves /api/v1/credits endpoints.
type CreditHandler struct {
	Ledger   CreditLedger
	Balances BalanceReader
	Invites  InviteReader
	Logger   *slog.Logger
}

const (
	defaultTxLimit = 50
	maxTxLimit     = 500
)

type inviteBalance struct {
	ID        uuid.UUID `json:"id"`
	Allocated int       `json:"allocated"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
}

type balanceResponse struct {
	Person        int            `json:"person"`
	Individual    *int           `json:"individual,omitempty"`
	Team          *int           `json:"team,omitempty"`
	EffectiveTeam *int           `json:"effective_team,omitempty"`
	Invite        *inviteBalance `json:"invite,omitempty"`
}

// Balance handles GET /api/v1/credits/balance. Guests see their invite
// allocation instead of the team pool.
func (h *CreditHandler) Balance(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	log := logger(h.Logger)

	var resp balanceResponse
	var err error
	if resp.Person, err = h.Balances.PersonBalance(ctx, actor.PersonID); err != nil {
		writeError(w, log, "person balance", err)
		return
	}
	if actor.UserID != nil {
		n, err := h.Balances.IndividualBalance(ctx, *actor.UserID)
		if err != nil {
			writeError(w, log, "individual balance", err)
			return
		}
		resp.Individual = &n
	}

	switch {
	case actor.IsGuest():
		inv, err := h.Invites.Get(ctx, *actor.InviteID)
		if err != nil {
			writeError(w, log, "invite balance", err)
			return
		}
		resp.Invite = &inviteBalance{
			ID:        inv.ID,
			Allocated: inv.CreditsAllocated,
			Used:      inv.CreditsUsed,
			Remaining: inv.Remaining(),
		}
	case actor.TeamID != nil:
		team, err := h.Balances.TeamBalance(ctx, *actor.TeamID)
		if err != nil {
			writeError(w, log, "team balance", err)
			return
		}
		resp.Team = &team
		if actor.UserID != nil {
			eff, err := h.Balances.EffectiveTeamBalance(ctx, *actor.UserID, *actor.TeamID)
			if err != nil {
				writeError(w, log, "effective team balance", err)
				return
			}
			resp.EffectiveTeam = &eff
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Transactions handles GET /api/v1/credits/transactions?scope=&limit=.
// Rows are returned newest first.
func (h *CreditHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var f ledger.Filter
	switch kind := q.Get("scope"); kind {
	case "", string(models.ScopePerson):
		f = ledger.ScopeFilter(models.PersonScope(actor.PersonID))
	case string(models.ScopeIndividual):
		if actor.UserID == nil {
			http.Error(w, `{"error":"no individual account"}`, http.StatusForbidden)
			return
		}
		f = ledger.ScopeFilter(models.IndividualScope(*actor.UserID))
	case string(models.ScopeTeam):
		if actor.TeamID == nil {
			http.Error(w, `{"error":"not a team member"}`, http.StatusForbidden)
			return
		}
		if actor.IsGuest() {
			// Guests only see what they spent through their invite.
			f = ledger.InviteFilter(*actor.InviteID)
		} else {
			f = ledger.ScopeFilter(models.TeamScope(*actor.TeamID))
		}
	default:
		http.Error(w, `{"error":"unknown scope"}`, http.StatusBadRequest)
		return
	}

	f.Limit = defaultTxLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		f.Limit = min(n, maxTxLimit)
	}

	list := []*models.CreditTransaction{}
	for t, err := range h.Ledger.Query(r.Context(), f) {
		if err != nil {
			writeError(w, logger(h.Logger), "query transactions", err)
			return
		}
		list = append(list, t)
	}
	writeJSON(w, http.StatusOK, list)
}

type grantRequest struct {
	Scope       models.Scope           `json:"scope"`
	Amount      int                    `json:"amount"`
	Type        models.TransactionType `json:"type"`
	PlanTier    *string                `json:"plan_tier,omitempty"`
	PlanPeriod  *string                `json:"plan_period,omitempty"`
	Description string                 `json:"description"`
}

var grantTypes = map[models.TransactionType]bool{
	models.TxPurchase:  true,
	models.TxGrant:     true,
	models.TxMigration: true,
}

// Grant handles POST /api/v1/credits/grants (admin only). It appends a
// positive purchase, grant or migration row.
func (h *CreditHandler) Grant(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorOr401(w, r); !ok {
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = models.TxGrant
	}
	if !grantTypes[req.Type] {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "type must be purchase, grant or migration", Code: "validation_failed"})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "amount must be > 0", Code: "validation_failed"})
		return
	}
	if req.Scope.ID == uuid.Nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "scope id is required", Code: "validation_failed"})
		return
	}

	t := &models.CreditTransaction{
		Amount:      req.Amount,
		Type:        req.Type,
		PlanTier:    req.PlanTier,
		PlanPeriod:  req.PlanPeriod,
		Description: req.Description,
	}
	t.SetScope(req.Scope)
	id, err := h.Ledger.Append(r.Context(), t)
	if err != nil {
		writeError(w, logger(h.Logger), "grant credits", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}
