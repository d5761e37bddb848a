package models

import (
	"time"

	"github.com/google/uuid"
)

// Generation status enums.
const (
	GenerationPending    = "pending"
	GenerationProcessing = "processing"
	GenerationCompleted  = "completed"
	GenerationFailed     = "failed"
)

// Generation types.
const (
	GenerationTypePersonal = "personal"
	GenerationTypeTeam     = "team"
)

// Credit sources recorded on a generation.
const (
	CreditSourceIndividual = "individual"
	CreditSourceTeam       = "team"
	CreditSourcePerson     = "person"
)

// MinSelfies is the number of selfies a generation request must carry.
const MinSelfies = 2

type Generation struct {
	ID                     uuid.UUID  `json:"id"`
	PersonID               uuid.UUID  `json:"person_id"`
	UserID                 *uuid.UUID `json:"user_id,omitempty"`
	TeamID                 *uuid.UUID `json:"team_id,omitempty"`
	InviteID               *uuid.UUID `json:"invite_id,omitempty"`
	Status                 string     `json:"status"`
	GenerationType         string     `json:"generation_type"`
	CreditSource           string     `json:"credit_source"`
	CostCredits            int        `json:"cost_credits"`
	IsOriginal             bool       `json:"is_original"`
	OriginalGenerationID   *uuid.UUID `json:"original_generation_id,omitempty"`
	MaxRegenerations       int        `json:"max_regenerations"`
	RemainingRegenerations int        `json:"remaining_regenerations"`
	SelfieKeys             []string   `json:"selfie_keys"`
	ResultKeys             []string   `json:"result_keys,omitempty"`
	FailureReason          *string    `json:"failure_reason,omitempty"`
	JobAttempts            int        `json:"job_attempts"`
	Deleted                bool       `json:"deleted"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	ProcessingAt           *time.Time `json:"processing_at,omitempty"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the generation reached completed or failed.
func (g *Generation) Terminal() bool {
	return g.Status == GenerationCompleted || g.Status == GenerationFailed
}
