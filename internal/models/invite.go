package models

import (
	"time"

	"github.com/google/uuid"
)

// Invite carries a credit sub-budget carved out of a team pool. The credits
// themselves stay in the team scope; CreditsUsed is derived from ledger rows
// tagged with the invite id.
type Invite struct {
	ID               uuid.UUID  `json:"id"`
	TeamID           uuid.UUID  `json:"team_id"`
	Email            string     `json:"email"`
	TokenHash        string     `json:"-"`
	PersonID         *uuid.UUID `json:"person_id,omitempty"`
	CreditsAllocated int        `json:"credits_allocated"`
	CreditsUsed      int        `json:"credits_used"`
	AllocatedAt      *time.Time `json:"allocated_at,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	UsedAt           *time.Time `json:"used_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Expired reports whether the invite is past its expiry at now.
func (i *Invite) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Remaining is the allocation left to spend.
func (i *Invite) Remaining() int {
	r := i.CreditsAllocated - i.CreditsUsed
	if r < 0 {
		return 0
	}
	return r
}
