// Package oauth wraps the authorization-code flow used to connect Google
// calendars: building the consent URL, exchanging the callback code and
// refreshing access tokens.
package oauth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"github.com/macjediwizard/crmcalsync/internal/provider"
)

// Authenticator performs code exchange and token refresh for one provider.
type Authenticator interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*provider.Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (*provider.Token, error)
}

// OAuth2Authenticator implements Authenticator on top of oauth2.Config.
type OAuth2Authenticator struct {
	config *oauth2.Config
}

// NewGoogle creates an authenticator for Google Calendar.
func NewGoogle(clientID, clientSecret, redirectURL string) *OAuth2Authenticator {
	return New(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{calendar.CalendarScope},
	})
}

// New wraps an arbitrary oauth2 configuration. Tests point it at a fake
// token endpoint.
func New(cfg *oauth2.Config) *OAuth2Authenticator {
	return &OAuth2Authenticator{config: cfg}
}

// AuthCodeURL returns the consent page URL. Offline access with forced
// consent makes Google issue a refresh token on every connect.
func (a *OAuth2Authenticator) AuthCodeURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an authorization code for tokens.
func (a *OAuth2Authenticator) ExchangeCode(ctx context.Context, code string) (*provider.Token, error) {
	if code == "" {
		return nil, errors.New("authorization code is empty")
	}
	tok, err := a.config.Exchange(ctx, code)
	if err != nil {
		return nil, classify("exchange code", err)
	}
	return toToken(tok, ""), nil
}

// RefreshToken obtains a new access token. When the provider does not rotate
// the refresh token, the one passed in is kept.
func (a *OAuth2Authenticator) RefreshToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	if refreshToken == "" {
		return nil, provider.ErrNoRefreshToken
	}
	tok, err := a.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify("refresh token", err)
	}
	return toToken(tok, refreshToken), nil
}

func toToken(tok *oauth2.Token, fallbackRefresh string) *provider.Token {
	out := &provider.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = fallbackRefresh
	}
	return out
}

// classify turns token endpoint failures into provider taxonomy errors.
func classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%s: %w: %s", op, provider.ErrInvalidGrant, re.ErrorDescription)
		}
		if re.Response != nil {
			return fmt.Errorf("%s: %w", op, &provider.StatusError{
				Code:    re.Response.StatusCode,
				Message: re.ErrorCode,
				Err:     err,
			})
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
