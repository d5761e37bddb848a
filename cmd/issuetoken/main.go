// Command issuetoken signs a bearer token for local development and ops.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/portraitly/backend/internal/auth"
	"github.com/portraitly/backend/internal/config"
	"github.com/portraitly/backend/internal/models"
)

type tokenEnv struct {
	JWTSecret string `env:"JWT_SECRET,required"`
}

func main() {
	person := flag.String("person", "", "person id (required)")
	user := flag.String("user", "", "user id; empty for guests")
	team := flag.String("team", "", "team id")
	admin := flag.Bool("admin", false, "grant the admin claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	var env tokenEnv
	if err := config.ParseEnv(&env); err != nil {
		slog.Error("load env", "error", err)
		os.Exit(1)
	}

	actor, err := actorFromFlags(*person, *user, *team, *admin)
	if err != nil {
		slog.Error("invalid flags", "error", err)
		os.Exit(2)
	}
	tok, err := auth.NewTokenService(env.JWTSecret, *ttl).Issue(actor)
	if err != nil {
		slog.Error("issue token", "error", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}

func actorFromFlags(person, user, team string, admin bool) (models.Actor, error) {
	var a models.Actor
	var err error
	if a.PersonID, err = uuid.Parse(person); err != nil {
		return a, fmt.Errorf("-person: %w", err)
	}
	if user != "" {
		id, err := uuid.Parse(user)
		if err != nil {
			return a, fmt.Errorf("-user: %w", err)
		}
		a.UserID = &id
	}
	if team != "" {
		id, err := uuid.Parse(team)
		if err != nil {
			return a, fmt.Errorf("-team: %w", err)
		}
		a.TeamID = &id
	}
	a.Admin = admin
	return a, nil
}
