package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/portraitly/backend/internal/entitlement"
	"github.com/portraitly/backend/internal/generation"
	"github.com/portraitly/backend/internal/models"
)

// Generations is the subset of generation.Manager the handler drives.
type Generations interface {
	Create(ctx context.Context, actor models.Actor, req generation.CreateRequest) (*models.Generation, error)
	Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Generation, error)
	ListByPerson(ctx context.Context, actor models.Actor, limit int) ([]*models.Generation, error)
	SoftDelete(ctx context.Context, actor models.Actor, id uuid.UUID) error
	RegenerationBudget(ctx context.Context, actor models.Actor, id uuid.UUID) (entitlement.Budget, error)
	HandleJobStatus(ctx context.Context, st generation.JobStatus) (*models.Generation, error)
}

// GenerationHandler serves /api/v1/generations endpoints.
type GenerationHandler struct {
	Generations Generations
	Logger      *slog.Logger
}

// Create handles POST /api/v1/generations.
// Resolve source -> debit + insert + enqueue in one tx -> 201.
func (h *GenerationHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	var req generation.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	g, err := h.Generations.Create(r.Context(), actor, req)
	if err != nil {
		writeError(w, logger(h.Logger), "create generation", err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// List handles GET /api/v1/generations?limit=N.
func (h *GenerationHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.Generations.ListByPerson(r.Context(), actor, limit)
	if err != nil {
		writeError(w, logger(h.Logger), "list generations", err)
		return
	}
	if list == nil {
		list = []*models.Generation{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /api/v1/generations/{id}.
func (h *GenerationHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g, err := h.Generations.Get(r.Context(), actor, id)
	if err != nil {
		writeError(w, logger(h.Logger), "get generation", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Delete handles DELETE /api/v1/generations/{id}. Credits are not returned.
func (h *GenerationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Generations.SoftDelete(r.Context(), actor, id); err != nil {
		writeError(w, logger(h.Logger), "delete generation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Regenerations handles GET /api/v1/generations/{id}/regenerations.
func (h *GenerationHandler) Regenerations(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := h.Generations.RegenerationBudget(r.Context(), actor, id)
	if err != nil {
		writeError(w, logger(h.Logger), "regeneration budget", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type statusResponse struct {
	Generation    *models.Generation `json:"generation"`
	RefundPending bool               `json:"refund_pending,omitempty"`
}

// Status handles POST /api/v1/generations/{id}/status, the job system
// callback. The secret is checked by middleware.
func (h *GenerationHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var st generation.JobStatus
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if st.JobID == "" {
		st.JobID = id.String()
	}
	if st.JobID != id.String() {
		http.Error(w, `{"error":"job id does not match path"}`, http.StatusBadRequest)
		return
	}

	g, err := h.Generations.HandleJobStatus(r.Context(), st)
	if errors.Is(err, generation.ErrRefundFailure) && g != nil {
		// Status is committed; the refund was handed to the durable queue.
		writeJSON(w, http.StatusAccepted, statusResponse{Generation: g, RefundPending: true})
		return
	}
	if err != nil {
		writeError(w, logger(h.Logger), "job status", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Generation: g})
}
