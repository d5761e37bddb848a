package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/portraitly/backend/internal/models"
)

// Invites is the subset of invite.Service the handler drives.
type Invites interface {
	Create(ctx context.Context, teamID uuid.UUID, email string, credits int) (*models.Invite, string, error)
	Allocate(ctx context.Context, inviteID uuid.UUID, amount int) error
	Get(ctx context.Context, inviteID uuid.UUID) (*models.Invite, error)
	Accept(ctx context.Context, token, name string) (*models.Person, error)
}

// InviteHandler serves /api/v1/invites endpoints.
type InviteHandler struct {
	Invites Invites
	Logger  *slog.Logger
}

type createInviteRequest struct {
	Email   string `json:"email"`
	Credits int    `json:"credits"`
}

type createInviteResponse struct {
	Invite *models.Invite `json:"invite"`
	Token  string         `json:"token"`
}

// Create handles POST /api/v1/invites. Only registered team members may
// invite; the allocation is checked against the team balance now.
func (h *InviteHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	if actor.TeamID == nil || actor.IsGuest() {
		http.Error(w, `{"error":"only team members can invite"}`, http.StatusForbidden)
		return
	}
	var req createInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	inv, token, err := h.Invites.Create(r.Context(), *actor.TeamID, req.Email, req.Credits)
	if err != nil {
		writeError(w, logger(h.Logger), "create invite", err)
		return
	}
	writeJSON(w, http.StatusCreated, createInviteResponse{Invite: inv, Token: token})
}

type allocateRequest struct {
	Credits int `json:"credits"`
}

// Allocate handles POST /api/v1/invites/{id}/allocation for invites sent
// without credits. An invite is allocated at most once.
func (h *InviteHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	inv, ok := h.teamInvite(w, r, actor, id, false)
	if !ok {
		return
	}
	if err := h.Invites.Allocate(r.Context(), inv.ID, req.Credits); err != nil {
		writeError(w, logger(h.Logger), "allocate invite", err)
		return
	}
	inv, err := h.Invites.Get(r.Context(), inv.ID)
	if err != nil {
		writeError(w, logger(h.Logger), "get invite", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// Get handles GET /api/v1/invites/{id}: allocation and usage. Visible to
// members of the inviting team and to the guest holding the invite.
func (h *InviteHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, ok := h.teamInvite(w, r, actor, id, true)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

type acceptRequest struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

// Accept handles POST /api/v1/invites/accept. The token is the credential,
// so the route is unauthenticated.
func (h *InviteHandler) Accept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		http.Error(w, `{"error":"token is required"}`, http.StatusBadRequest)
		return
	}
	p, err := h.Invites.Accept(r.Context(), req.Token, req.Name)
	if err != nil {
		writeError(w, logger(h.Logger), "accept invite", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// teamInvite loads an invite the actor may see. Foreign invites read as
// not found.
func (h *InviteHandler) teamInvite(w http.ResponseWriter, r *http.Request, actor models.Actor, id uuid.UUID, guestOK bool) (*models.Invite, bool) {
	inv, err := h.Invites.Get(r.Context(), id)
	if err != nil {
		writeError(w, logger(h.Logger), "get invite", err)
		return nil, false
	}
	member := actor.TeamID != nil && *actor.TeamID == inv.TeamID && !actor.IsGuest()
	holder := guestOK && actor.IsGuest() && *actor.InviteID == inv.ID
	if !member && !holder {
		http.Error(w, `{"error":"invite not found"}`, http.StatusNotFound)
		return nil, false
	}
	return inv, true
}
