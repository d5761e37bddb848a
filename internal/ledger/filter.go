package ledger

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/portraitly/backend/internal/models"
)

// Filter selects ledger rows. Zero fields are ignored; set fields are ANDed.
type Filter struct {
	Scope        *models.Scope
	UserID       *uuid.UUID // raw user_id column, independent of Scope
	TeamIsNull   bool
	PlanTier     string
	PositiveOnly bool
	Types        []models.TransactionType
	InviteID     *uuid.UUID
	GenerationID *uuid.UUID
	Since        time.Time // inclusive
	Until        time.Time // exclusive
	Limit        int       // Query only
}

// ScopeFilter matches every row of one balance.
func ScopeFilter(s models.Scope) Filter {
	return Filter{Scope: &s}
}

// InviteFilter matches every row attributed to an invite, whatever its type.
func InviteFilter(inviteID uuid.UUID) Filter {
	return Filter{InviteID: &inviteID}
}

// Matches evaluates the filter against a single row in memory.
func (f Filter) Matches(t *models.CreditTransaction) bool {
	if f.Scope != nil {
		s, ok := t.Scope()
		if !ok || s != *f.Scope {
			return false
		}
	}
	if f.UserID != nil && (t.UserID == nil || *t.UserID != *f.UserID) {
		return false
	}
	if f.TeamIsNull && t.TeamID != nil {
		return false
	}
	if f.PlanTier != "" && (t.PlanTier == nil || *t.PlanTier != f.PlanTier) {
		return false
	}
	if f.PositiveOnly && t.Amount <= 0 {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, t.Type) {
		return false
	}
	if f.InviteID != nil && (t.InviteID == nil || *t.InviteID != *f.InviteID) {
		return false
	}
	if f.GenerationID != nil && (t.GenerationID == nil || *t.GenerationID != *f.GenerationID) {
		return false
	}
	if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !t.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// LockKeys returns the serialization keys a debit guarded by this filter
// must hold.
func (f Filter) LockKeys() []string {
	var keys []string
	if f.Scope != nil {
		keys = append(keys, f.Scope.Key())
	}
	if f.UserID != nil {
		keys = append(keys, models.IndividualScope(*f.UserID).Key())
	}
	if f.InviteID != nil {
		keys = append(keys, "invite:"+f.InviteID.String())
	}
	return keys
}

func scopeColumn(k models.ScopeKind) string {
	switch k {
	case models.ScopeIndividual:
		return "user_id"
	case models.ScopeTeam:
		return "team_id"
	default:
		return "person_id"
	}
}

// where renders the filter as a SQL predicate with positional arguments
// starting at $1.
func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.Scope != nil {
		add(scopeColumn(f.Scope.Kind)+" = ?", f.Scope.ID)
	}
	if f.UserID != nil {
		add("user_id = ?", *f.UserID)
	}
	if f.TeamIsNull {
		conds = append(conds, "team_id IS NULL")
	}
	if f.PlanTier != "" {
		add("plan_tier = ?", f.PlanTier)
	}
	if f.PositiveOnly {
		conds = append(conds, "amount > 0")
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("type = ANY(?)", types)
	}
	if f.InviteID != nil {
		add("invite_id = ?", *f.InviteID)
	}
	if f.GenerationID != nil {
		add("generation_id = ?", *f.GenerationID)
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < ?", f.Until)
	}
	if len(conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conds, " AND "), args
}
