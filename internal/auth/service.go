package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/portraitly/backend/internal/models"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingPerson = errors.New("token carries no person")
)

const defaultTTL = 24 * time.Hour

// claims carries the identity of an authenticated caller. Sub is the user id
// and is empty for guests that never registered.
type claims struct {
	jwt.RegisteredClaims
	PersonID string `json:"pid"`
	TeamID   string `json:"tid,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
}

// TokenService signs and validates HS256 bearer tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for actor. Used by ops tooling and tests.
func (s *TokenService) Issue(actor models.Actor) (string, error) {
	if actor.PersonID == uuid.Nil {
		return "", ErrMissingPerson
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		PersonID: actor.PersonID.String(),
		Admin:    actor.Admin,
	}
	if actor.UserID != nil {
		c.Subject = actor.UserID.String()
	}
	if actor.TeamID != nil {
		c.TeamID = actor.TeamID.String()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

// Validate parses token and returns the actor it names.
func (s *TokenService) Validate(token string) (models.Actor, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return models.Actor{}, ErrInvalidToken
	}

	var actor models.Actor
	actor.Admin = c.Admin
	if actor.PersonID, err = uuid.Parse(c.PersonID); err != nil {
		return models.Actor{}, ErrMissingPerson
	}
	if c.Subject != "" {
		id, err := uuid.Parse(c.Subject)
		if err != nil {
			return models.Actor{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
		}
		actor.UserID = &id
	}
	if c.TeamID != "" {
		id, err := uuid.Parse(c.TeamID)
		if err != nil {
			return models.Actor{}, fmt.Errorf("%w: bad team", ErrInvalidToken)
		}
		actor.TeamID = &id
	}
	return actor, nil
}
