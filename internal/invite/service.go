// Package invite manages team invites and the credit sub-budget each one
// carries. Allocated credits are never moved out of the team pool; usage is
// tracked by tagging team debits with the invite id.
package invite

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/portraitly/backend/internal/ledger"
	"github.com/portraitly/backend/internal/models"
)

var (
	ErrNotFound           = errors.New("invite not found")
	ErrInviteExpired      = errors.New("invite expired")
	ErrAlreadyAllocated   = errors.New("invite credits already allocated")
	ErrAlreadyAccepted    = errors.New("invite already accepted")
	ErrNotAccepted        = errors.New("invite not accepted yet")
	ErrInvalidAllocation  = errors.New("invalid invite allocation")
	ErrInvalidEmail       = errors.New("invite email is required")
	ErrAllocationExceeded = errors.New("invite allocation exceeded")
)

type Repository interface {
	Create(ctx context.Context, inv *models.Invite) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Invite, error)
	GetByTokenHash(ctx context.Context, hash string) (*models.Invite, error)
	// SetAllocation records the allocation unless one exists.
	SetAllocation(ctx context.Context, id uuid.UUID, amount int, at time.Time) error
	// Accept creates the guest person and links it to the invite, once.
	Accept(ctx context.Context, id uuid.UUID, p *models.Person, at time.Time) error
}

// Ledger is the subset of *ledger.Service the invite service writes through.
type Ledger interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	DebitTx(ctx context.Context, tx pgx.Tx, d ledger.Debit) (uuid.UUID, error)
	Sum(ctx context.Context, filters ...ledger.Filter) (int, error)
	Invalidate(scopes ...models.Scope)
}

type Balances interface {
	TeamBalance(ctx context.Context, teamID uuid.UUID) (int, error)
}

// Identity is what an invite token resolves to. PersonID is nil until the
// invite has been accepted.
type Identity struct {
	InviteID  uuid.UUID  `json:"invite_id"`
	PersonID  *uuid.UUID `json:"person_id,omitempty"`
	TeamID    uuid.UUID  `json:"team_id"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Actor turns an accepted invite into a guest actor.
func (i Identity) Actor() (models.Actor, error) {
	if i.PersonID == nil {
		return models.Actor{}, ErrNotAccepted
	}
	team, inv := i.TeamID, i.InviteID
	return models.Actor{PersonID: *i.PersonID, TeamID: &team, InviteID: &inv}, nil
}

type Service struct {
	repo     Repository
	ledger   Ledger
	balances Balances
	ttl      time.Duration
	now      func() time.Time
	log      *slog.Logger
}

func NewService(repo Repository, l Ledger, b Balances, ttl time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Service{repo: repo, ledger: l, balances: b, ttl: ttl, now: time.Now, log: log}
}

// Create issues an invite for email and allocates credits to it. The raw
// token is returned once; only its hash is stored.
func (s *Service) Create(ctx context.Context, teamID uuid.UUID, email string, credits int) (*models.Invite, string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, "", ErrInvalidEmail
	}
	if credits < 0 {
		return nil, "", fmt.Errorf("%w: %d", ErrInvalidAllocation, credits)
	}
	if credits > 0 {
		if err := s.checkTeamBalance(ctx, teamID, credits); err != nil {
			return nil, "", err
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, "", err
	}
	now := s.now()
	inv := &models.Invite{
		ID:        uuid.New(),
		TeamID:    teamID,
		Email:     email,
		TokenHash: HashToken(token),
		ExpiresAt: now.Add(s.ttl),
	}
	if credits > 0 {
		inv.CreditsAllocated = credits
		inv.AllocatedAt = &now
	}
	if err := s.repo.Create(ctx, inv); err != nil {
		return nil, "", fmt.Errorf("create invite: %w", err)
	}
	s.log.Info("invite created", "invite_id", inv.ID, "team_id", teamID, "credits", credits)
	return inv, token, nil
}

// Allocate grants amount credits to an invite created without any. It is
// checked against the team balance now and reserves nothing.
func (s *Service) Allocate(ctx context.Context, inviteID uuid.UUID, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAllocation, amount)
	}
	inv, err := s.repo.GetByID(ctx, inviteID)
	if err != nil {
		return err
	}
	if inv.Expired(s.now()) {
		return ErrInviteExpired
	}
	if inv.AllocatedAt != nil {
		return ErrAlreadyAllocated
	}
	if err := s.checkTeamBalance(ctx, inv.TeamID, amount); err != nil {
		return err
	}
	return s.repo.SetAllocation(ctx, inviteID, amount, s.now())
}

// Get returns the invite with CreditsUsed filled in.
func (s *Service) Get(ctx context.Context, inviteID uuid.UUID) (*models.Invite, error) {
	inv, err := s.repo.GetByID(ctx, inviteID)
	if err != nil {
		return nil, err
	}
	if inv.CreditsUsed, err = s.CreditsUsed(ctx, inviteID); err != nil {
		return nil, err
	}
	return inv, nil
}

// CreditsUsed is the negated sum of every ledger row tagged with the invite.
// Refunds of failed generations carry the tag too and give credits back.
func (s *Service) CreditsUsed(ctx context.Context, inviteID uuid.UUID) (int, error) {
	sum, err := s.ledger.Sum(ctx, ledger.InviteFilter(inviteID))
	if err != nil {
		return 0, fmt.Errorf("credits used by invite %s: %w", inviteID, err)
	}
	return -sum, nil
}

// UsageGuard returns the debit guard enforcing
// creditsUsed + amount <= creditsAllocated.
func (s *Service) UsageGuard(ctx context.Context, inviteID uuid.UUID) (ledger.Guard, error) {
	inv, err := s.repo.GetByID(ctx, inviteID)
	if err != nil {
		return ledger.Guard{}, err
	}
	if inv.Expired(s.now()) {
		return ledger.Guard{}, ErrInviteExpired
	}
	return guardFor(inv), nil
}

func guardFor(inv *models.Invite) ledger.Guard {
	return ledger.Guard{
		Base:    inv.CreditsAllocated,
		Filters: []ledger.Filter{ledger.InviteFilter(inv.ID)},
		Err:     ErrAllocationExceeded,
	}
}

// RecordUsageTx debits amount from the invite's team inside tx. It fails
// with ErrAllocationExceeded when the invite's cap would be passed, however
// large the team balance is.
func (s *Service) RecordUsageTx(ctx context.Context, tx pgx.Tx, inviteID uuid.UUID, amount int, generationID *uuid.UUID) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, fmt.Errorf("%w: usage must be positive", ledger.ErrInvalidAmount)
	}
	inv, err := s.repo.GetByID(ctx, inviteID)
	if err != nil {
		return uuid.Nil, err
	}
	if inv.Expired(s.now()) {
		return uuid.Nil, ErrInviteExpired
	}
	team := models.TeamScope(inv.TeamID)
	id := inv.ID
	t := &models.CreditTransaction{
		Amount:       -amount,
		Type:         models.TxInviteUsage,
		InviteID:     &id,
		GenerationID: generationID,
		Description:  "invite usage",
	}
	t.SetScope(team)
	return s.ledger.DebitTx(ctx, tx, ledger.Debit{
		Transaction: t,
		Guards: []ledger.Guard{
			{Filters: []ledger.Filter{ledger.ScopeFilter(team)}},
			guardFor(inv),
		},
	})
}

// RecordUsage runs RecordUsageTx in its own transaction.
func (s *Service) RecordUsage(ctx context.Context, inviteID uuid.UUID, amount int, generationID *uuid.UUID) (uuid.UUID, error) {
	tx, err := s.ledger.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)
	id, err := s.RecordUsageTx(ctx, tx, inviteID, amount, generationID)
	if err != nil {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	if inv, err := s.repo.GetByID(ctx, inviteID); err == nil {
		s.ledger.Invalidate(models.TeamScope(inv.TeamID))
	}
	return id, nil
}

// Resolve validates a raw invite token.
func (s *Service) Resolve(ctx context.Context, token string) (Identity, error) {
	inv, err := s.repo.GetByTokenHash(ctx, HashToken(token))
	if err != nil {
		return Identity{}, err
	}
	if inv.Expired(s.now()) {
		return Identity{}, ErrInviteExpired
	}
	return Identity{InviteID: inv.ID, PersonID: inv.PersonID, TeamID: inv.TeamID, ExpiresAt: inv.ExpiresAt}, nil
}

// Accept creates the guest's person record and binds it to the invite.
func (s *Service) Accept(ctx context.Context, token, name string) (*models.Person, error) {
	inv, err := s.repo.GetByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	now := s.now()
	if inv.Expired(now) {
		return nil, ErrInviteExpired
	}
	if inv.UsedAt != nil {
		return nil, ErrAlreadyAccepted
	}
	team := inv.TeamID
	p := &models.Person{
		ID:     uuid.New(),
		TeamID: &team,
		Email:  inv.Email,
		Name:   strings.TrimSpace(name),
	}
	if err := s.repo.Accept(ctx, inv.ID, p, now); err != nil {
		return nil, err
	}
	s.log.Info("invite accepted", "invite_id", inv.ID, "person_id", p.ID)
	return p, nil
}

func (s *Service) checkTeamBalance(ctx context.Context, teamID uuid.UUID, amount int) error {
	bal, err := s.balances.TeamBalance(ctx, teamID)
	if err != nil {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: team has %d, invite needs %d", ledger.ErrInsufficientCredits, bal, amount)
	}
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate invite token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken is the stored form of an invite token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
