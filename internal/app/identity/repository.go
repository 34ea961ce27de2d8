package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

type User struct {
	ID           string
	Username     string
	PasswordHash string
	CoupleID     string
}

type Couple struct {
	ID      string `json:"id"`
	UserA   string `json:"user_a"`
	UserB   string `json:"user_b"`
	LinkedA time.Time
}

type PartnerInvite struct {
	Code      string     `json:"code"`
	UserID    string     `json:"user_id"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

type RefreshToken struct {
	TokenID   string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	CreateUser(ctx context.Context, user User) error
	FindUserByUsername(ctx context.Context, username string) (User, error)
	FindUserByID(ctx context.Context, userID string) (User, error)

	CreateInvite(ctx context.Context, invite PartnerInvite) error
	ClaimInvite(ctx context.Context, code, coupleID, claimantUserID string) (Couple, error)
	CoupleForUser(ctx context.Context, userID string) (Couple, error)
	UnlinkUser(ctx context.Context, userID string) error

	CreateRefreshToken(ctx context.Context, token RefreshToken) error
	FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenID string) error
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
  id text PRIMARY KEY,
  username text NOT NULL UNIQUE,
  password_hash text NOT NULL,
  couple_id text,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const alterUsersCoupleSQL = `
ALTER TABLE users
ADD COLUMN IF NOT EXISTS couple_id text`

const createCouplesSQL = `
CREATE TABLE IF NOT EXISTS couples (
  id text PRIMARY KEY,
  user_a text NOT NULL REFERENCES users(id),
  user_b text NOT NULL REFERENCES users(id),
  linked_at timestamptz NOT NULL DEFAULT now()
)`

const createPartnerInvitesSQL = `
CREATE TABLE IF NOT EXISTS partner_invites (
  code text PRIMARY KEY,
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  claimed_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createRefreshTokensSQL = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
  token_id text PRIMARY KEY,
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  token_hash text NOT NULL UNIQUE,
  expires_at timestamptz NOT NULL,
  revoked_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
)`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createUsersSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, alterUsersCoupleSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createCouplesSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createPartnerInvitesSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createRefreshTokensSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user User) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3)`,
		user.ID, user.Username, user.PasswordHash,
	)
	return err
}

func (r *PostgresRepository) FindUserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	var coupleID *string
	err := r.Pool.QueryRow(ctx,
		`SELECT id, username, password_hash, couple_id FROM users WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &coupleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	if coupleID != nil {
		u.CoupleID = *coupleID
	}
	return u, nil
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, userID string) (User, error) {
	var u User
	var coupleID *string
	err := r.Pool.QueryRow(ctx,
		`SELECT id, username, password_hash, couple_id FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &coupleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	if coupleID != nil {
		u.CoupleID = *coupleID
	}
	return u, nil
}

func (r *PostgresRepository) CreateInvite(ctx context.Context, invite PartnerInvite) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO partner_invites (code, user_id) VALUES ($1, $2)`,
		invite.Code, invite.UserID,
	)
	return err
}

// ClaimInvite links the claimant with the inviter inside one transaction:
// it marks the invite claimed, creates the couple row, and stamps couple_id
// on both user rows. An already-claimed code scans as not found. A claimant
// redeeming their own code rolls back with ErrSelfLink before any row lands.
func (r *PostgresRepository) ClaimInvite(ctx context.Context, code, coupleID, claimantUserID string) (Couple, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Couple{}, err
	}
	defer tx.Rollback(ctx)

	var inviterID string
	err = tx.QueryRow(ctx,
		`UPDATE partner_invites SET claimed_at = now()
		 WHERE code = $1 AND claimed_at IS NULL
		 RETURNING user_id`,
		code,
	).Scan(&inviterID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Couple{}, ErrNotFound
		}
		return Couple{}, err
	}
	if inviterID == claimantUserID {
		return Couple{}, ErrSelfLink
	}

	couple := Couple{ID: coupleID, UserA: inviterID, UserB: claimantUserID}
	if _, err := tx.Exec(ctx,
		`INSERT INTO couples (id, user_a, user_b) VALUES ($1, $2, $3)`,
		couple.ID, couple.UserA, couple.UserB,
	); err != nil {
		return Couple{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET couple_id = $1 WHERE id = $2 OR id = $3`,
		couple.ID, couple.UserA, couple.UserB,
	); err != nil {
		return Couple{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Couple{}, err
	}
	return couple, nil
}

func (r *PostgresRepository) CoupleForUser(ctx context.Context, userID string) (Couple, error) {
	var c Couple
	err := r.Pool.QueryRow(ctx,
		`SELECT c.id, c.user_a, c.user_b, c.linked_at
		 FROM couples c
		 INNER JOIN users u ON u.couple_id = c.id
		 WHERE u.id = $1`,
		userID,
	).Scan(&c.ID, &c.UserA, &c.UserB, &c.LinkedA)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Couple{}, ErrNotFound
		}
		return Couple{}, err
	}
	return c, nil
}

// UnlinkUser clears couple_id for both partners. The couple row and its
// entities are kept; relinking starts a fresh scope.
func (r *PostgresRepository) UnlinkUser(ctx context.Context, userID string) error {
	res, err := r.Pool.Exec(ctx,
		`UPDATE users SET couple_id = NULL
		 WHERE couple_id = (SELECT couple_id FROM users WHERE id = $1)
		   AND couple_id IS NOT NULL`,
		userID,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO refresh_tokens (token_id, user_id, token_hash, expires_at) VALUES ($1, $2, $3, $4)`,
		token.TokenID, token.UserID, token.TokenHash, token.ExpiresAt,
	)
	return err
}

func (r *PostgresRepository) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var rt RefreshToken
	err := r.Pool.QueryRow(ctx,
		`SELECT token_id, user_id, token_hash, expires_at, revoked_at
		 FROM refresh_tokens
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()`,
		tokenHash,
	).Scan(&rt.TokenID, &rt.UserID, &rt.TokenHash, &rt.ExpiresAt, &rt.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, err
	}
	return rt, nil
}

func (r *PostgresRepository) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE token_id = $1`,
		tokenID,
	)
	return err
}
