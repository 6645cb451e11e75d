package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var (
	ErrOIDCInit         = errors.New("OIDC initialization failed")
	ErrTokenExchange    = errors.New("token exchange failed")
	ErrTokenVerify      = errors.New("token verification failed")
	ErrMissingEmail     = errors.New("email claim is required")
	ErrEmailNotVerified = errors.New("email is not verified")
)

// OIDCClaims represents the claims extracted from an ID token.
type OIDCClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name"`
}

// Identity checks an operator login. *OIDCProvider is the production
// implementation.
type Identity interface {
	AuthCodeURL(state string) string
	Login(ctx context.Context, code string) (*OIDCClaims, error)
}

// OIDCProvider handles operator login against an OIDC issuer.
type OIDCProvider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	config   oauth2.Config
}

// NewOIDCProvider discovers the issuer and creates a provider.
func NewOIDCProvider(ctx context.Context, issuer, clientID, clientSecret, redirectURL string) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create provider: %w", ErrOIDCInit, err)
	}

	return &OIDCProvider{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
	}, nil
}

// AuthCodeURL returns the URL to redirect the operator to for login.
func (p *OIDCProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Login exchanges the authorization code and returns the verified claims.
// The userinfo endpoint fills in an email the ID token does not carry.
func (p *OIDCProvider) Login(ctx context.Context, code string) (*OIDCClaims, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	claims, err := p.verifyIDToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if claims.Email == "" {
		info, err := p.userInfo(ctx, token)
		if err != nil {
			return nil, err
		}
		claims.Email, claims.EmailVerified = info.Email, info.EmailVerified
		if claims.Name == "" {
			claims.Name = info.Name
		}
	}
	return claims, checkClaims(claims)
}

func (p *OIDCProvider) verifyIDToken(ctx context.Context, token *oauth2.Token) (*OIDCClaims, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing id_token", ErrTokenVerify)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenVerify, err)
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %w", ErrTokenVerify, err)
	}
	return &claims, nil
}

func (p *OIDCProvider) userInfo(ctx context.Context, token *oauth2.Token) (*OIDCClaims, error) {
	userInfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	var claims OIDCClaims
	if err := userInfo.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse user info: %w", err)
	}
	verified := userInfo.EmailVerified
	claims.Subject = userInfo.Subject
	claims.Email = userInfo.Email
	claims.EmailVerified = &verified
	return &claims, nil
}

// checkClaims requires an email and rejects one the issuer marks unverified.
// Issuers that omit email_verified are trusted.
func checkClaims(claims *OIDCClaims) error {
	if claims.Email == "" {
		return ErrMissingEmail
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return ErrEmailNotVerified
	}
	return nil
}
