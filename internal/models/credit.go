package models

import (
	"time"

	"github.com/google/uuid"
)

// ScopeKind names the credit-holding entity a ledger row contributes to.
type ScopeKind string

const (
	ScopeIndividual ScopeKind = "individual"
	ScopeTeam       ScopeKind = "team"
	ScopePerson     ScopeKind = "person"
)

// Scope identifies one balance.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

func IndividualScope(userID uuid.UUID) Scope { return Scope{Kind: ScopeIndividual, ID: userID} }
func TeamScope(teamID uuid.UUID) Scope       { return Scope{Kind: ScopeTeam, ID: teamID} }
func PersonScope(personID uuid.UUID) Scope   { return Scope{Kind: ScopePerson, ID: personID} }

// Key is the stable string form used for locks and cache entries.
func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID.String()
}

func (s Scope) String() string { return s.Key() }

// Credit transaction types.
type TransactionType string

const (
	TxPurchase         TransactionType = "purchase"
	TxGrant            TransactionType = "grant"
	TxUsage            TransactionType = "usage"
	TxRefund           TransactionType = "refund"
	TxMigration        TransactionType = "migration"
	TxInviteAllocation TransactionType = "invite_allocation"
	TxInviteUsage      TransactionType = "invite_usage"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxGrant, TxUsage, TxRefund, TxMigration, TxInviteAllocation, TxInviteUsage:
		return true
	}
	return false
}

// PlanTierPro is the only tier with the unmigrated-credit team rule.
const PlanTierPro = "pro"

// CreditTransaction is one immutable ledger row. Exactly one of UserID,
// TeamID and PersonID is set. GenerationID and InviteID are attribution
// tags only.
type CreditTransaction struct {
	ID           uuid.UUID       `json:"id"`
	Amount       int             `json:"amount"`
	UserID       *uuid.UUID      `json:"user_id,omitempty"`
	TeamID       *uuid.UUID      `json:"team_id,omitempty"`
	PersonID     *uuid.UUID      `json:"person_id,omitempty"`
	Type         TransactionType `json:"type"`
	PlanTier     *string         `json:"plan_tier,omitempty"`
	PlanPeriod   *string         `json:"plan_period,omitempty"`
	GenerationID *uuid.UUID      `json:"generation_id,omitempty"`
	InviteID     *uuid.UUID      `json:"invite_id,omitempty"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Scope returns the scope the row contributes to. ok is false unless exactly
// one scope identifier is set.
func (t *CreditTransaction) Scope() (Scope, bool) {
	var s Scope
	n := 0
	if t.UserID != nil {
		s, n = IndividualScope(*t.UserID), n+1
	}
	if t.TeamID != nil {
		s, n = TeamScope(*t.TeamID), n+1
	}
	if t.PersonID != nil {
		s, n = PersonScope(*t.PersonID), n+1
	}
	return s, n == 1
}

// SetScope clears all scope identifiers and sets the one matching s.
func (t *CreditTransaction) SetScope(s Scope) {
	t.UserID, t.TeamID, t.PersonID = nil, nil, nil
	id := s.ID
	switch s.Kind {
	case ScopeIndividual:
		t.UserID = &id
	case ScopeTeam:
		t.TeamID = &id
	case ScopePerson:
		t.PersonID = &id
	}
}
