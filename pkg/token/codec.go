// Package token creates and verifies the credentials used by the session
// lifecycle: signed stateless access tokens and opaque refresh token values.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/billingworks/billing-api/internal/models"
	appErrors "github.com/billingworks/billing-api/pkg/errors"
)

const refreshTokenBytes = 32

// Config carries the signing material and access-token lifetime.
type Config struct {
	Secret            string
	Issuer            string
	Audience          []string
	AccessTokenExpiry time.Duration
}

// Codec issues and validates tokens. It keeps no state beyond its
// configuration and is safe for concurrent use.
type Codec struct {
	secret   []byte
	issuer   string
	audience jwt.ClaimStrings
	expiry   time.Duration
	now      func() time.Time
}

// NewCodec constructs a Codec from the given configuration.
func NewCodec(cfg Config) *Codec {
	expiry := cfg.AccessTokenExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &Codec{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		expiry:   expiry,
		now:      time.Now,
	}
}

// IssueAccessToken signs a short-lived access token for the user and returns
// it together with its expiry instant.
func (c *Codec) IssueAccessToken(user *models.User) (string, time.Time, error) {
	issuedAt := c.now().UTC()
	expiresAt := issuedAt.Add(c.expiry)
	claims := &models.AccessClaims{
		UserID:   user.UserID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   strconv.FormatInt(user.UserID, 10),
			Audience:  c.audience,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// IssueRefreshToken returns a cryptographically random opaque value. It
// carries no embedded claims; the store owns its lifecycle.
func (c *Codec) IssueRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Validate parses an access token and returns its claims. The check is
// signature plus expiry only; access tokens are intentionally not revocable.
func (c *Codec) Validate(raw string) (*models.AccessClaims, error) {
	tok, err := jwt.ParseWithClaims(raw, &models.AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := tok.Claims.(*models.AccessClaims)
	if !ok || !tok.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	return claims, nil
}
