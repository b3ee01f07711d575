package identity

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Repository resolves API tokens to actors from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ResolveToken verifies a token of the form "<actor id>.<secret>" against the
// stored bcrypt hash and returns the actor.
func (r *Repository) ResolveToken(ctx context.Context, token string) (Actor, error) {
	idPart, secret, ok := strings.Cut(token, ".")
	if !ok || secret == "" {
		return Actor{}, ErrInvalidToken
	}
	actorID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Actor{}, ErrInvalidToken
	}

	var (
		actor      Actor
		tokenHash  string
		roleString string
	)
	err = r.pool.QueryRow(ctx, `SELECT id, name, role, token_hash FROM actors WHERE id=$1 AND active`, actorID).
		Scan(&actor.ID, &actor.Name, &roleString, &tokenHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Actor{}, ErrInvalidToken
		}
		return Actor{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(secret)); err != nil {
		return Actor{}, ErrInvalidToken
	}
	actor.Role = Role(roleString)
	if !actor.Role.IsValid() {
		return Actor{}, ErrInvalidToken
	}
	return actor, nil
}

// HashSecret produces the bcrypt hash stored for a token secret. Used by
// provisioning tooling when issuing actor credentials.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
