package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/billingworks/billing-api/internal/models"
)

func newTokenRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func tokenColumns() []string {
	return []string{"id", "user_id", "token", "expires_at", "created_at", "revoked", "revoked_at"}
}

func TestTokenRepositorySave(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	repo := NewTokenRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO refresh_tokens")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	token := &models.RefreshToken{
		UserID:    1,
		Token:     "opaque-value",
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	}
	require.NoError(t, repo.Save(context.Background(), token))
	require.NotEmpty(t, token.ID)
	require.False(t, token.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryFind(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	repo := NewTokenRepository(db)
	now := time.Now().UTC()
	rows := sqlmock.NewRows(tokenColumns()).
		AddRow("tok-1", int64(1), "opaque-value", now.Add(time.Hour), now, false, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, token, expires_at, created_at, revoked, revoked_at FROM refresh_tokens WHERE token = $1")).
		WithArgs("opaque-value").
		WillReturnRows(rows)

	found, err := repo.Find(context.Background(), "opaque-value")
	require.NoError(t, err)
	require.Equal(t, "tok-1", found.ID)
	require.Equal(t, int64(1), found.UserID)
	require.False(t, found.Revoked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryFindNotFound(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	repo := NewTokenRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, token, expires_at, created_at, revoked, revoked_at FROM refresh_tokens")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(tokenColumns()))

	_, err := repo.Find(context.Background(), "missing")
	require.ErrorIs(t, err, ErrTokenNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryRotate(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	repo := NewTokenRepository(db)
	now := time.Now().UTC()
	revokedAt := now

	mock.ExpectBegin()
	consumed := sqlmock.NewRows(tokenColumns()).
		AddRow("tok-old", int64(7), "old-value", now.Add(time.Hour), now.Add(-time.Hour), true, revokedAt)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE token = $1 AND revoked = FALSE AND expires_at > $2 RETURNING")).
		WithArgs("old-value", sqlmock.AnyArg()).
		WillReturnRows(consumed)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO refresh_tokens")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	successor := &models.RefreshToken{
		Token:     "new-value",
		ExpiresAt: now.Add(7 * 24 * time.Hour),
	}
	old, err := repo.Rotate(context.Background(), "old-value", successor)
	require.NoError(t, err)
	require.Equal(t, "tok-old", old.ID)
	// The successor inherits the consumed token's owner.
	require.Equal(t, int64(7), successor.UserID)
	require.NotEmpty(t, successor.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryRotateRevokedToken(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	repo := NewTokenRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE")).
		WithArgs("replayed-value", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(tokenColumns()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT revoked, expires_at FROM refresh_tokens")).
		WithArgs("replayed-value").
		WillReturnRows(sqlmock.NewRows([]string{"revoked", "expires_at"}).AddRow(true, now.Add(time.Hour)))
	mock.ExpectRollback()

	_, err := repo.Rotate(context.Background(), "replayed-value", &models.RefreshToken{Token: "new-value"})
	require.ErrorIs(t, err, ErrTokenRevoked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryRotateExpiredToken(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	repo := NewTokenRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE")).
		WithArgs("stale-value", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(tokenColumns()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT revoked, expires_at FROM refresh_tokens")).
		WithArgs("stale-value").
		WillReturnRows(sqlmock.NewRows([]string{"revoked", "expires_at"}).AddRow(false, now.Add(-time.Hour)))
	mock.ExpectRollback()

	_, err := repo.Rotate(context.Background(), "stale-value", &models.RefreshToken{Token: "new-value"})
	require.ErrorIs(t, err, ErrTokenNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryRotateUnknownToken(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	repo := NewTokenRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE")).
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(tokenColumns()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT revoked, expires_at FROM refresh_tokens")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"revoked", "expires_at"}))
	mock.ExpectRollback()

	_, err := repo.Rotate(context.Background(), "missing", &models.RefreshToken{Token: "new-value"})
	require.ErrorIs(t, err, ErrTokenNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryRevoke(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	repo := NewTokenRepository(db)
	at := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE token = $1 AND revoked = FALSE")).
		WithArgs("opaque-value", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Revoke(context.Background(), "opaque-value", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryRevokeAlreadyRevoked(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	repo := NewTokenRepository(db)
	at := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE")).
		WithArgs("opaque-value", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT revoked FROM refresh_tokens")).
		WithArgs("opaque-value").
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}).AddRow(true))

	err := repo.Revoke(context.Background(), "opaque-value", at)
	require.ErrorIs(t, err, ErrTokenRevoked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryRevokeUnknownToken(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	repo := NewTokenRepository(db)
	at := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE")).
		WithArgs("missing", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT revoked FROM refresh_tokens")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}))

	err := repo.Revoke(context.Background(), "missing", at)
	require.ErrorIs(t, err, ErrTokenNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
