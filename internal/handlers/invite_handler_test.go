package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/portraitly/backend/internal/invite"
	"github.com/portraitly/backend/internal/ledger"
	"github.com/portraitly/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockInvites struct {
	invites     map[uuid.UUID]*models.Invite
	createErr   error
	allocateErr error
	acceptErr   error
	allocated   int
}

func newMockInvites() *mockInvites { return &mockInvites{invites: map[uuid.UUID]*models.Invite{}} }

func (m *mockInvites) Create(_ context.Context, teamID uuid.UUID, email string, credits int) (*models.Invite, string, error) {
	if m.createErr != nil {
		return nil, "", m.createErr
	}
	inv := &models.Invite{ID: uuid.New(), TeamID: teamID, Email: email, CreditsAllocated: credits, ExpiresAt: time.Now().Add(time.Hour)}
	m.invites[inv.ID] = inv
	return inv, "raw-token", nil
}

func (m *mockInvites) Allocate(_ context.Context, id uuid.UUID, amount int) error {
	if m.allocateErr != nil {
		return m.allocateErr
	}
	m.allocated = amount
	m.invites[id].CreditsAllocated = amount
	return nil
}

func (m *mockInvites) Get(_ context.Context, id uuid.UUID) (*models.Invite, error) {
	inv, ok := m.invites[id]
	if !ok {
		return nil, invite.ErrNotFound
	}
	return inv, nil
}

func (m *mockInvites) Accept(_ context.Context, _, name string) (*models.Person, error) {
	if m.acceptErr != nil {
		return nil, m.acceptErr
	}
	return &models.Person{ID: uuid.New(), Name: name}, nil
}

func teamActor(team uuid.UUID) models.Actor {
	a := newActor()
	a.TeamID = &team
	return a
}

// =====================================================================
// POST /api/v1/invites
// =====================================================================

func TestCreateInvite(t *testing.T) {
	invites := newMockInvites()
	h := &InviteHandler{Invites: invites}
	team := uuid.New()

	body := `{"email":"guest@example.com","credits":8}`
	rec := httptest.NewRecorder()
	h.Create(rec, withActor(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), teamActor(team)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createInviteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token != "raw-token" || resp.Invite.TeamID != team || resp.Invite.CreditsAllocated != 8 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if strings.Contains(rec.Body.String(), "token_hash") {
		t.Error("token hash must not be serialized")
	}
}

func TestCreateInvite_Forbidden(t *testing.T) {
	h := &InviteHandler{Invites: newMockInvites()}
	team, inv := uuid.New(), uuid.New()
	guest := models.Actor{PersonID: uuid.New(), TeamID: &team, InviteID: &inv}

	for name, actor := range map[string]models.Actor{"no team": newActor(), "guest": guest} {
		rec := httptest.NewRecorder()
		h.Create(rec, withActor(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"x@y"}`)), actor))
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", name, rec.Code)
		}
	}
}

func TestCreateInvite_TeamTooPoor(t *testing.T) {
	invites := newMockInvites()
	invites.createErr = ledger.ErrInsufficientCredits
	h := &InviteHandler{Invites: invites}

	rec := httptest.NewRecorder()
	h.Create(rec, withActor(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"x@y","credits":500}`)), teamActor(uuid.New())))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
}

// =====================================================================
// POST /api/v1/invites/{id}/allocation
// =====================================================================

func TestAllocateInvite(t *testing.T) {
	invites := newMockInvites()
	h := &InviteHandler{Invites: invites}
	team := uuid.New()
	inv := &models.Invite{ID: uuid.New(), TeamID: team}
	invites.invites[inv.ID] = inv

	req := withActor(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"credits":6}`)), teamActor(team))
	req.SetPathValue("id", inv.ID.String())
	rec := httptest.NewRecorder()
	h.Allocate(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if invites.allocated != 6 {
		t.Errorf("expected allocation of 6, got %d", invites.allocated)
	}

	invites.allocateErr = invite.ErrAlreadyAllocated
	req = withActor(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"credits":6}`)), teamActor(team))
	req.SetPathValue("id", inv.ID.String())
	rec = httptest.NewRecorder()
	h.Allocate(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second allocation: expected 409, got %d", rec.Code)
	}
}

func TestAllocateInvite_ForeignTeam(t *testing.T) {
	invites := newMockInvites()
	h := &InviteHandler{Invites: invites}
	inv := &models.Invite{ID: uuid.New(), TeamID: uuid.New()}
	invites.invites[inv.ID] = inv

	req := withActor(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"credits":6}`)), teamActor(uuid.New()))
	req.SetPathValue("id", inv.ID.String())
	rec := httptest.NewRecorder()
	h.Allocate(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if invites.allocated != 0 {
		t.Error("foreign invite must not be allocated")
	}
}

// =====================================================================
// GET /api/v1/invites/{id}
// =====================================================================

func TestGetInvite_Visibility(t *testing.T) {
	invites := newMockInvites()
	h := &InviteHandler{Invites: invites}
	team := uuid.New()
	inv := &models.Invite{ID: uuid.New(), TeamID: team, CreditsAllocated: 10, CreditsUsed: 4}
	invites.invites[inv.ID] = inv

	holder := models.Actor{PersonID: uuid.New(), TeamID: &team, InviteID: &inv.ID}
	otherID := uuid.New()
	otherGuest := models.Actor{PersonID: uuid.New(), TeamID: &team, InviteID: &otherID}

	cases := []struct {
		name  string
		actor models.Actor
		want  int
	}{
		{"team member", teamActor(team), http.StatusOK},
		{"invite holder", holder, http.StatusOK},
		{"other guest of same team", otherGuest, http.StatusNotFound},
		{"stranger", teamActor(uuid.New()), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := withActor(httptest.NewRequest(http.MethodGet, "/", nil), tc.actor)
			req.SetPathValue("id", inv.ID.String())
			rec := httptest.NewRecorder()
			h.Get(rec, req)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

// =====================================================================
// POST /api/v1/invites/accept
// =====================================================================

func TestAcceptInvite(t *testing.T) {
	invites := newMockInvites()
	h := &InviteHandler{Invites: invites}

	rec := httptest.NewRecorder()
	h.Accept(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"token":"abc","name":"Ada"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	cases := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"missing token", nil, `{"name":"Ada"}`, http.StatusBadRequest},
		{"expired", invite.ErrInviteExpired, `{"token":"abc"}`, http.StatusGone},
		{"already accepted", invite.ErrAlreadyAccepted, `{"token":"abc"}`, http.StatusConflict},
		{"unknown token", invite.ErrNotFound, `{"token":"abc"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			invites.acceptErr = tc.err
			rec := httptest.NewRecorder()
			h.Accept(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body)))
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
