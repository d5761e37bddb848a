package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/portraitly/backend/internal/entitlement"
	"github.com/portraitly/backend/internal/generation"
	"github.com/portraitly/backend/internal/invite"
	"github.com/portraitly/backend/internal/ledger"
	"github.com/portraitly/backend/internal/middleware"
	"github.com/portraitly/backend/internal/models"
	"github.com/portraitly/backend/internal/repository"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps domain errors onto an HTTP status and a stable code the
// client can act on.
func statusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits", "not enough credits for this generation"
	case errors.Is(err, invite.ErrAllocationExceeded):
		return http.StatusPaymentRequired, "allocation_exceeded", "your invite allocation is used up; ask the team owner for more credits"
	case errors.Is(err, entitlement.ErrRegenerationLimitExceeded):
		return http.StatusConflict, "regeneration_limit_exceeded", "no regenerations left for this generation"
	case errors.Is(err, ledger.ErrDoubleSpendConflict):
		return http.StatusConflict, "conflict", "another request is spending the same credits; try again"
	case errors.Is(err, generation.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, invite.ErrAlreadyAllocated), errors.Is(err, invite.ErrAlreadyAccepted):
		return http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, invite.ErrInviteExpired):
		return http.StatusGone, "invite_expired", "this invite has expired"
	case errors.Is(err, entitlement.ErrNotTeamMember), errors.Is(err, invite.ErrNotAccepted):
		return http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, generation.ErrNotFound), errors.Is(err, invite.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, generation.ErrNotEnoughSelfies),
		errors.Is(err, generation.ErrNotOriginal),
		errors.Is(err, generation.ErrOriginalNotCompleted),
		errors.Is(err, generation.ErrInvalidJobID),
		errors.Is(err, entitlement.ErrInvalidGenerationType),
		errors.Is(err, invite.ErrInvalidAllocation),
		errors.Is(err, invite.ErrInvalidEmail),
		errors.Is(err, ledger.ErrInvalidScope),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidType):
		return http.StatusUnprocessableEntity, "validation_failed", err.Error()
	}
	return http.StatusInternalServerError, "internal", "internal error"
}

func writeError(w http.ResponseWriter, log *slog.Logger, msg string, err error) {
	status, code, text := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error(msg, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: text, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func actorOr401(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}
	return actor, ok
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
