package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/billingworks/billing-api/internal/models"
	appErrors "github.com/billingworks/billing-api/pkg/errors"
)

const (
	loginPath   = "/api/Login/login"
	refreshPath = "/api/Login/refresh"
	logoutPath  = "/api/Login/logout"
	mePath      = "/api/Login/me"
)

// BillingClient is the remote front-end to the billing API's session
// endpoints, as consumed by the desktop shell and other services. It maps
// HTTP statuses onto the shared error taxonomy.
type BillingClient struct {
	api *Client
}

// NewBillingClient wraps a shared resilient client.
func NewBillingClient(api *Client) *BillingClient {
	return &BillingClient{api: api}
}

// Login exchanges credentials for a session.
func (b *BillingClient) Login(ctx context.Context, username, password string) (*models.Session, error) {
	req := models.LoginRequest{UserName: username, Password: password}
	session, err := Post[models.Session](ctx, b.api, loginPath, req, "")
	if err != nil {
		return nil, mapStatusError(err)
	}
	return &session, nil
}

// Refresh rotates a refresh token into a new session.
func (b *BillingClient) Refresh(ctx context.Context, refreshToken string) (*models.Session, error) {
	req := models.RefreshRequest{RefreshToken: refreshToken}
	session, err := Post[models.Session](ctx, b.api, refreshPath, req, "")
	if err != nil {
		return nil, mapStatusError(err)
	}
	return &session, nil
}

// Logout revokes a refresh token.
func (b *BillingClient) Logout(ctx context.Context, refreshToken string) error {
	req := models.RefreshRequest{RefreshToken: refreshToken}
	if _, err := Post[struct{}](ctx, b.api, logoutPath, req, ""); err != nil {
		return mapStatusError(err)
	}
	return nil
}

// Me returns the user summary for a bearer token.
func (b *BillingClient) Me(ctx context.Context, accessToken string) (*models.UserInfo, error) {
	info, err := Get[models.UserInfo](ctx, b.api, mePath, nil, accessToken)
	if err != nil {
		return nil, mapStatusError(err)
	}
	return &info, nil
}

// mapStatusError translates a StatusError into the taxonomy so callers can
// tell a bad password from a network blip.
func mapStatusError(err error) error {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return err
	}

	message := serverMessage(statusErr.Body)
	switch statusErr.StatusCode {
	case http.StatusBadRequest:
		if message == "" {
			message = appErrors.ErrInvalidInput.Message
		}
		return appErrors.Wrap(statusErr, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, message)
	case http.StatusUnauthorized:
		if message == "" {
			message = appErrors.ErrUnauthorized.Message
		}
		return appErrors.Wrap(statusErr, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, message)
	case http.StatusNotImplemented:
		return appErrors.Wrap(statusErr, appErrors.ErrNotImplemented.Code, appErrors.ErrNotImplemented.Status, appErrors.ErrNotImplemented.Message)
	default:
		return appErrors.Wrap(statusErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, statusErr.Error())
	}
}

func serverMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Message
}
