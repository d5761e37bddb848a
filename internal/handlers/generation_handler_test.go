package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/portraitly/backend/internal/entitlement"
	"github.com/portraitly/backend/internal/generation"
	"github.com/portraitly/backend/internal/invite"
	"github.com/portraitly/backend/internal/ledger"
	"github.com/portraitly/backend/internal/middleware"
	"github.com/portraitly/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockGenerations struct {
	createErr error
	lastReq   generation.CreateRequest
	gens      map[uuid.UUID]*models.Generation
	deleted   []uuid.UUID
	budget    entitlement.Budget
	status    generation.JobStatus
	statusErr error
}

func newMockGenerations() *mockGenerations {
	return &mockGenerations{gens: map[uuid.UUID]*models.Generation{}}
}

func (m *mockGenerations) Create(_ context.Context, actor models.Actor, req generation.CreateRequest) (*models.Generation, error) {
	m.lastReq = req
	if m.createErr != nil {
		return nil, m.createErr
	}
	g := &models.Generation{ID: uuid.New(), PersonID: actor.PersonID, Status: models.GenerationPending, CostCredits: 4}
	m.gens[g.ID] = g
	return g, nil
}

func (m *mockGenerations) Get(_ context.Context, actor models.Actor, id uuid.UUID) (*models.Generation, error) {
	g, ok := m.gens[id]
	if !ok || g.PersonID != actor.PersonID {
		return nil, generation.ErrNotFound
	}
	return g, nil
}

func (m *mockGenerations) ListByPerson(_ context.Context, actor models.Actor, _ int) ([]*models.Generation, error) {
	var out []*models.Generation
	for _, g := range m.gens {
		if g.PersonID == actor.PersonID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *mockGenerations) SoftDelete(_ context.Context, _ models.Actor, id uuid.UUID) error {
	if _, ok := m.gens[id]; !ok {
		return generation.ErrNotFound
	}
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockGenerations) RegenerationBudget(context.Context, models.Actor, uuid.UUID) (entitlement.Budget, error) {
	return m.budget, nil
}

func (m *mockGenerations) HandleJobStatus(_ context.Context, st generation.JobStatus) (*models.Generation, error) {
	m.status = st
	id, _ := uuid.Parse(st.JobID)
	g := &models.Generation{ID: id, Status: models.GenerationFailed}
	if m.statusErr != nil {
		return g, m.statusErr
	}
	return g, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func withActor(r *http.Request, a models.Actor) *http.Request {
	return r.WithContext(middleware.WithActor(r.Context(), a))
}

func newActor() models.Actor {
	user := uuid.New()
	return models.Actor{UserID: &user, PersonID: uuid.New()}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return e
}

// =====================================================================
// POST /api/v1/generations
// =====================================================================

func TestCreateGeneration_Created(t *testing.T) {
	gens := newMockGenerations()
	h := &GenerationHandler{Generations: gens, Logger: slog.Default()}

	body := `{"generation_type":"team","selfie_keys":["a.jpg","b.jpg"]}`
	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/generations", strings.NewReader(body)), newActor())
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if gens.lastReq.Type != models.GenerationTypeTeam || len(gens.lastReq.SelfieKeys) != 2 {
		t.Errorf("request not forwarded: %+v", gens.lastReq)
	}
	var g models.Generation
	if err := json.Unmarshal(rec.Body.Bytes(), &g); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if g.Status != models.GenerationPending {
		t.Errorf("expected pending, got %q", g.Status)
	}
}

func TestCreateGeneration_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"insufficient credits", fmt.Errorf("debit: %w", ledger.ErrInsufficientCredits), http.StatusPaymentRequired, "insufficient_credits"},
		{"allocation exceeded", invite.ErrAllocationExceeded, http.StatusPaymentRequired, "allocation_exceeded"},
		{"regeneration limit", entitlement.ErrRegenerationLimitExceeded, http.StatusConflict, "regeneration_limit_exceeded"},
		{"conflict", ledger.ErrDoubleSpendConflict, http.StatusConflict, "conflict"},
		{"not enough selfies", generation.ErrNotEnoughSelfies, http.StatusUnprocessableEntity, "validation_failed"},
		{"bad type", entitlement.ErrInvalidGenerationType, http.StatusUnprocessableEntity, "validation_failed"},
		{"not a team member", entitlement.ErrNotTeamMember, http.StatusForbidden, "forbidden"},
		{"invite expired", invite.ErrInviteExpired, http.StatusGone, "invite_expired"},
		{"original missing", generation.ErrNotFound, http.StatusNotFound, "not_found"},
		{"unexpected", fmt.Errorf("db down"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gens := newMockGenerations()
			gens.createErr = tc.err
			h := &GenerationHandler{Generations: gens}

			body := `{"generation_type":"personal","selfie_keys":["a","b"]}`
			req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/generations", strings.NewReader(body)), newActor())
			rec := httptest.NewRecorder()
			h.Create(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			if e := decodeError(t, rec); e.Code != tc.code {
				t.Errorf("expected code %q, got %q", tc.code, e.Code)
			}
		})
	}
}

func TestCreateGeneration_Unauthorized(t *testing.T) {
	h := &GenerationHandler{Generations: newMockGenerations()}
	rec := httptest.NewRecorder()
	h.Create(rec, httptest.NewRequest(http.MethodPost, "/api/v1/generations", strings.NewReader(`{}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateGeneration_InvalidJSON(t *testing.T) {
	h := &GenerationHandler{Generations: newMockGenerations()}
	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/generations", strings.NewReader(`{`)), newActor())
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// =====================================================================
// GET / DELETE /api/v1/generations/{id}
// =====================================================================

func TestGetGeneration_OwnerOnly(t *testing.T) {
	gens := newMockGenerations()
	h := &GenerationHandler{Generations: gens}
	owner := newActor()
	g := &models.Generation{ID: uuid.New(), PersonID: owner.PersonID, Status: models.GenerationCompleted}
	gens.gens[g.ID] = g

	req := withActor(httptest.NewRequest(http.MethodGet, "/api/v1/generations/"+g.ID.String(), nil), owner)
	req.SetPathValue("id", g.ID.String())
	rec := httptest.NewRecorder()
	h.Get(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d", rec.Code)
	}

	req = withActor(httptest.NewRequest(http.MethodGet, "/api/v1/generations/"+g.ID.String(), nil), newActor())
	req.SetPathValue("id", g.ID.String())
	rec = httptest.NewRecorder()
	h.Get(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stranger: expected 404, got %d", rec.Code)
	}
}

func TestGetGeneration_BadID(t *testing.T) {
	h := &GenerationHandler{Generations: newMockGenerations()}
	req := withActor(httptest.NewRequest(http.MethodGet, "/api/v1/generations/nope", nil), newActor())
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()
	h.Get(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeleteGeneration(t *testing.T) {
	gens := newMockGenerations()
	h := &GenerationHandler{Generations: gens}
	owner := newActor()
	g := &models.Generation{ID: uuid.New(), PersonID: owner.PersonID}
	gens.gens[g.ID] = g

	req := withActor(httptest.NewRequest(http.MethodDelete, "/api/v1/generations/"+g.ID.String(), nil), owner)
	req.SetPathValue("id", g.ID.String())
	rec := httptest.NewRecorder()
	h.Delete(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(gens.deleted) != 1 || gens.deleted[0] != g.ID {
		t.Errorf("expected soft delete of %s, got %v", g.ID, gens.deleted)
	}
}

func TestListGenerations_EmptyIsArray(t *testing.T) {
	h := &GenerationHandler{Generations: newMockGenerations()}
	req := withActor(httptest.NewRequest(http.MethodGet, "/api/v1/generations", nil), newActor())
	rec := httptest.NewRecorder()
	h.List(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected [], got %s", rec.Body.String())
	}
}

func TestRegenerations(t *testing.T) {
	gens := newMockGenerations()
	gens.budget = entitlement.Budget{Max: 2, Remaining: 1}
	h := &GenerationHandler{Generations: gens}

	id := uuid.New()
	req := withActor(httptest.NewRequest(http.MethodGet, "/", nil), newActor())
	req.SetPathValue("id", id.String())
	rec := httptest.NewRecorder()
	h.Regenerations(rec, req)

	var b entitlement.Budget
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b != gens.budget {
		t.Errorf("expected %+v, got %+v", gens.budget, b)
	}
}

// =====================================================================
// POST /api/v1/generations/{id}/status
// =====================================================================

func TestStatusCallback_FillsJobID(t *testing.T) {
	gens := newMockGenerations()
	h := &GenerationHandler{Generations: gens}
	id := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"failedReason":"gpu oom","attemptsMade":3}`))
	req.SetPathValue("id", id.String())
	rec := httptest.NewRecorder()
	h.Status(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gens.status.JobID != id.String() || gens.status.FailedReason == nil || *gens.status.FailedReason != "gpu oom" {
		t.Errorf("unexpected status forwarded: %+v", gens.status)
	}
}

func TestStatusCallback_MismatchedJobID(t *testing.T) {
	h := &GenerationHandler{Generations: newMockGenerations()}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(fmt.Sprintf(`{"jobId":%q}`, uuid.New())))
	req.SetPathValue("id", uuid.New().String())
	rec := httptest.NewRecorder()
	h.Status(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusCallback_RefundPending(t *testing.T) {
	gens := newMockGenerations()
	gens.statusErr = fmt.Errorf("%w: retries exhausted", generation.ErrRefundFailure)
	h := &GenerationHandler{Generations: gens}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"failedReason":"x"}`))
	req.SetPathValue("id", uuid.New().String())
	rec := httptest.NewRecorder()
	h.Status(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.RefundPending {
		t.Error("expected refund_pending")
	}
}

func TestStatusCallback_InvalidTransition(t *testing.T) {
	gens := newMockGenerations()
	gens.statusErr = generation.ErrInvalidTransition
	h := &GenerationHandler{Generations: gens}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"finishedOn":1700000000000}`))
	req.SetPathValue("id", uuid.New().String())
	rec := httptest.NewRecorder()
	h.Status(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}
