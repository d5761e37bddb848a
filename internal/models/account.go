package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a registered account. Plan metadata drives the pro-tier
// effective team balance rule.
type User struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	PlanTier   string    `json:"plan_tier"`
	PlanPeriod string    `json:"plan_period,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Team struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	OwnerID   uuid.UUID `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Person is the durable identity of a human inside a team. UserID is nil
// for invited guests that have not registered.
type Person struct {
	ID        uuid.UUID  `json:"id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	TeamID    *uuid.UUID `json:"team_id,omitempty"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
}

// Actor is an already-authenticated caller. InviteID is set when the caller
// authenticated with an invite token.
type Actor struct {
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	PersonID uuid.UUID  `json:"person_id"`
	TeamID   *uuid.UUID `json:"team_id,omitempty"`
	InviteID *uuid.UUID `json:"invite_id,omitempty"`
	Admin    bool       `json:"-"`
}

// IsGuest reports whether the actor acts through an invite allocation.
func (a Actor) IsGuest() bool { return a.InviteID != nil }
