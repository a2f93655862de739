package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/billingworks/billing-api/internal/models"
)

// Store-agnostic sentinels. Revoked is kept distinct from not-found so the
// service can spot replay of an already-rotated token.
var (
	ErrTokenNotFound = errors.New("refresh token not found")
	ErrTokenRevoked  = errors.New("refresh token revoked")
)

// TokenRepository is the PostgreSQL refresh-token store.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new instance of TokenRepository.
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Save persists a new refresh token record.
func (r *TokenRepository) Save(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO refresh_tokens (id, user_id, token, expires_at, created_at, revoked, revoked_at) VALUES (:id, :user_id, :token, :expires_at, :created_at, :revoked, :revoked_at)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// Find returns a refresh token record by its opaque value.
func (r *TokenRepository) Find(ctx context.Context, value string) (*models.RefreshToken, error) {
	const query = `SELECT id, user_id, token, expires_at, created_at, revoked, revoked_at FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, value); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// Rotate revokes the presented token and persists its successor in one
// transaction. The revocation is a compare-and-swap on the revoked flag, so
// of two concurrent rotations of the same token exactly one wins; the loser
// sees ErrTokenRevoked.
func (r *TokenRepository) Rotate(ctx context.Context, presented string, successor *models.RefreshToken) (*models.RefreshToken, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()

	const consume = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE token = $1 AND revoked = FALSE AND expires_at > $2 RETURNING id, user_id, token, expires_at, created_at, revoked, revoked_at`
	var consumed models.RefreshToken
	if err := tx.QueryRowxContext(ctx, consume, presented, now).StructScan(&consumed); err != nil {
		if err == sql.ErrNoRows {
			return nil, r.classifyMiss(ctx, tx, presented, now)
		}
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}

	successor.UserID = consumed.UserID
	if successor.ID == "" {
		successor.ID = uuid.NewString()
	}
	if successor.CreatedAt.IsZero() {
		successor.CreatedAt = now
	}
	const insert = `INSERT INTO refresh_tokens (id, user_id, token, expires_at, created_at, revoked, revoked_at) VALUES (:id, :user_id, :token, :expires_at, :created_at, :revoked, :revoked_at)`
	if _, err := tx.NamedExecContext(ctx, insert, successor); err != nil {
		return nil, fmt.Errorf("persist successor token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rotate: %w", err)
	}
	return &consumed, nil
}

// Revoke marks a token as revoked. Revoking an already-revoked token returns
// ErrTokenRevoked so the caller can decide whether that is an error.
func (r *TokenRepository) Revoke(ctx context.Context, value string, at time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE token = $1 AND revoked = FALSE`
	result, err := r.db.ExecContext(ctx, query, value, at)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if affected == 0 {
		const probe = `SELECT revoked FROM refresh_tokens WHERE token = $1 LIMIT 1`
		var revoked bool
		if err := r.db.GetContext(ctx, &revoked, probe, value); err != nil {
			if err == sql.ErrNoRows {
				return ErrTokenNotFound
			}
			return fmt.Errorf("probe refresh token: %w", err)
		}
		if revoked {
			return ErrTokenRevoked
		}
		return ErrTokenNotFound
	}
	return nil
}

// classifyMiss distinguishes why the CAS update matched nothing.
func (r *TokenRepository) classifyMiss(ctx context.Context, tx *sqlx.Tx, presented string, now time.Time) error {
	const probe = `SELECT revoked, expires_at FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var row struct {
		Revoked   bool      `db:"revoked"`
		ExpiresAt time.Time `db:"expires_at"`
	}
	if err := tx.QueryRowxContext(ctx, probe, presented).StructScan(&row); err != nil {
		if err == sql.ErrNoRows {
			return ErrTokenNotFound
		}
		return fmt.Errorf("probe refresh token: %w", err)
	}
	if row.Revoked {
		return ErrTokenRevoked
	}
	// Not revoked, so the CAS missed on expiry.
	return ErrTokenNotFound
}
