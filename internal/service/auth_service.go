package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/billingworks/billing-api/internal/models"
	"github.com/billingworks/billing-api/internal/repository"
	appErrors "github.com/billingworks/billing-api/pkg/errors"
	"github.com/billingworks/billing-api/pkg/token"
)

// UserLookup reads users from the identity store. Not-found is signalled
// with sql.ErrNoRows regardless of the backing store.
type UserLookup interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id int64, ts time.Time) error
}

// TokenStore is the durable refresh-token association. Rotate must claim the
// presented token and persist the successor as one logical transaction,
// stamping the successor with the consumed token's user id; of two
// concurrent rotations of the same token exactly one may succeed.
type TokenStore interface {
	Save(ctx context.Context, token *models.RefreshToken) error
	Find(ctx context.Context, value string) (*models.RefreshToken, error)
	Rotate(ctx context.Context, presented string, successor *models.RefreshToken) (*models.RefreshToken, error)
	Revoke(ctx context.Context, value string, at time.Time) error
}

// PasswordVerifier checks a plaintext password against a stored verifier.
// Implementations must not leak timing information about the mismatch.
type PasswordVerifier interface {
	Verify(hash, password string) bool
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	RefreshTokenExpiry time.Duration
}

// AuthService orchestrates the session lifecycle: credential check, token
// issuance, rotation, and revocation.
type AuthService struct {
	users     UserLookup
	tokens    TokenStore
	codec     *token.Codec
	verifier  PasswordVerifier
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	config    AuthConfig
}

// NewAuthService constructs an AuthService instance. A nil tokens store
// leaves refresh and logout unavailable; a nil metrics service disables
// counters.
func NewAuthService(users UserLookup, tokens TokenStore, codec *token.Codec, verifier PasswordVerifier, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if verifier == nil {
		verifier = BcryptVerifier{}
	}
	if config.RefreshTokenExpiry <= 0 {
		config.RefreshTokenExpiry = 7 * 24 * time.Hour
	}
	return &AuthService{
		users:     users,
		tokens:    tokens,
		codec:     codec,
		verifier:  verifier,
		validator: validate,
		logger:    logger,
		metrics:   metrics,
		config:    config,
	}
}

// Login authenticates a user and returns a new session.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.Session, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "username and password are required")
	}
	if strings.TrimSpace(req.UserName) == "" || strings.TrimSpace(req.Password) == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "username and password are required")
	}

	user, err := s.users.FindByUsername(ctx, req.UserName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Equalize timing with the password-mismatch path.
			s.verifier.Verify(timingEqualizerHash, req.Password)
			s.recordLogin(false)
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid username or password")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !user.Active {
		s.recordLogin(false)
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}

	if !s.verifier.Verify(user.PasswordHash, req.Password) {
		s.recordLogin(false)
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid username or password")
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}

	if err := s.users.UpdateLastLogin(ctx, user.UserID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.Int64("user_id", user.UserID), zap.Error(err))
	}

	s.recordLogin(true)
	s.logger.Info("user logged in", zap.Int64("user_id", user.UserID), zap.String("role", string(user.Role)))
	return session, nil
}

// Refresh rotates the presented refresh token into a new session. The
// presented token is revoked in the same store operation that persists its
// successor.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*models.Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "refresh token is required")
	}
	if s.tokens == nil {
		return nil, appErrors.Clone(appErrors.ErrNotImplemented, "refresh is not available")
	}

	successorValue, err := s.codec.IssueRefreshToken()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	now := time.Now().UTC()
	successor := &models.RefreshToken{
		Token:     successorValue,
		ExpiresAt: now.Add(s.config.RefreshTokenExpiry),
		CreatedAt: now,
	}

	consumed, err := s.tokens.Rotate(ctx, refreshToken, successor)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTokenRevoked):
			// Possible replay of a stolen token; surfaced to the caller as a
			// plain authentication failure.
			s.logger.Warn("revoked refresh token presented",
				zap.String("event", "security"),
				zap.Time("at", now),
			)
			if s.metrics != nil {
				s.metrics.RecordRevokedTokenReplay()
			}
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired refresh token")
		case errors.Is(err, repository.ErrTokenNotFound):
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired refresh token")
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
		}
	}

	user, err := s.users.FindByID(ctx, consumed.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "associated user no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}

	accessToken, accessExpiry, err := s.codec.IssueAccessToken(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	if s.metrics != nil {
		s.metrics.RecordTokenRotation()
	}

	return &models.Session{
		Success:            true,
		AccessToken:        accessToken,
		AccessTokenExpiry:  accessExpiry,
		RefreshToken:       successor.Token,
		RefreshTokenExpiry: successor.ExpiresAt,
		User: models.UserInfo{
			UserID:   user.UserID,
			Username: user.Username,
			Role:     user.Role,
		},
	}, nil
}

// Logout revokes the presented refresh token. Revoking an already-revoked
// token succeeds, so double logout is harmless.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return appErrors.Clone(appErrors.ErrInvalidInput, "refresh token is required")
	}
	if s.tokens == nil {
		return appErrors.Clone(appErrors.ErrNotImplemented, "logout is not available")
	}

	err := s.tokens.Revoke(ctx, refreshToken, time.Now().UTC())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrTokenRevoked):
		return nil
	case errors.Is(err, repository.ErrTokenNotFound):
		return appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
}

// issueSession creates the token pair for a freshly authenticated user and
// persists the refresh token when a store is wired.
func (s *AuthService) issueSession(ctx context.Context, user *models.User) (*models.Session, error) {
	accessToken, accessExpiry, err := s.codec.IssueAccessToken(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	refreshValue, err := s.codec.IssueRefreshToken()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	now := time.Now().UTC()
	record := &models.RefreshToken{
		UserID:    user.UserID,
		Token:     refreshValue,
		ExpiresAt: now.Add(s.config.RefreshTokenExpiry),
		CreatedAt: now,
	}

	if s.tokens != nil {
		if err := s.tokens.Save(ctx, record); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
		}
	}

	return &models.Session{
		Success:            true,
		AccessToken:        accessToken,
		AccessTokenExpiry:  accessExpiry,
		RefreshToken:       record.Token,
		RefreshTokenExpiry: record.ExpiresAt,
		User: models.UserInfo{
			UserID:   user.UserID,
			Username: user.Username,
			Role:     user.Role,
		},
	}, nil
}

func (s *AuthService) recordLogin(success bool) {
	if s.metrics != nil {
		s.metrics.RecordLogin(success)
	}
}
