package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/portraitly/backend/internal/middleware"
	"github.com/portraitly/backend/internal/models"
	"github.com/portraitly/backend/internal/repository"
)

// Accounts is the subset of repository.AccountRepo the dashboard reads.
type Accounts interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetPerson(ctx context.Context, id uuid.UUID) (*models.Person, error)
	GetTeam(ctx context.Context, id uuid.UUID) (*models.Team, error)
	UpdatePlan(ctx context.Context, userID uuid.UUID, tier, period string) error
}

// Invalidator drops cached balances after a plan change.
type Invalidator interface {
	Invalidate(s models.Scope)
}

type Handler struct {
	accounts Accounts
	cache    Invalidator
	log      *slog.Logger
}

func NewHandler(accounts Accounts, cache Invalidator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{accounts: accounts, cache: cache, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type meResponse struct {
	Person *models.Person `json:"person"`
	User   *models.User   `json:"user,omitempty"`
	Team   *models.Team   `json:"team,omitempty"`
	Guest  bool           `json:"guest"`
	Owner  bool           `json:"team_owner"`
}

// GET /api/v1/account/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	resp := meResponse{Guest: actor.IsGuest()}

	var err error
	if resp.Person, err = h.accounts.GetPerson(ctx, actor.PersonID); err != nil {
		h.notFoundOr500(w, "get person failed", err)
		return
	}
	if actor.UserID != nil {
		if resp.User, err = h.accounts.GetUser(ctx, *actor.UserID); err != nil {
			h.notFoundOr500(w, "get user failed", err)
			return
		}
	}
	if actor.TeamID != nil {
		if resp.Team, err = h.accounts.GetTeam(ctx, *actor.TeamID); err != nil {
			h.notFoundOr500(w, "get team failed", err)
			return
		}
		resp.Owner = actor.UserID != nil && resp.Team.OwnerID == *actor.UserID
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /api/v1/admin/users/{id}/plan
//
// Changing the tier changes which individual credits count toward the
// user's effective team balance, so cached balances are dropped.
func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	var body struct {
		PlanTier   string `json:"plan_tier"`
		PlanPeriod string `json:"plan_period"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PlanTier == "" {
		http.Error(w, "plan_tier is required", http.StatusBadRequest)
		return
	}
	if err := h.accounts.UpdatePlan(r.Context(), userID, body.PlanTier, body.PlanPeriod); err != nil {
		h.notFoundOr500(w, "update plan failed", err)
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(models.IndividualScope(userID))
	}
	h.log.Info("plan updated", "user_id", userID, "plan_tier", body.PlanTier)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) notFoundOr500(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.log.Error(msg, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
