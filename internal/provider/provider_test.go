package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string { return s.name }
func (s stubAdapter) CreateEvent(context.Context, Credentials, string, *NormalizedEvent) (string, error) {
	return "", nil
}
func (s stubAdapter) UpdateEvent(context.Context, Credentials, string, string, *NormalizedEvent) error {
	return nil
}
func (s stubAdapter) DeleteEvent(context.Context, Credentials, string, string) error { return nil }
func (s stubAdapter) ListEvents(context.Context, Credentials, string, time.Time, time.Time) ([]*NormalizedEvent, error) {
	return nil, nil
}
func (s stubAdapter) TestConnection(context.Context, Credentials, string) error { return nil }
func (s stubAdapter) RefreshToken(context.Context, string) (*Token, error)     { return nil, nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{Google}, stubAdapter{Apple})

	if a, err := r.Get("GOOGLE"); err != nil || a.Name() != Google {
		t.Errorf("Get(GOOGLE) = %v, %v", a, err)
	}
	if _, err := r.Get("outlook"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("expected ErrUnsupportedProvider, got %v", err)
	}
	if names := r.Names(); len(names) != 2 || names[0] != Apple {
		t.Errorf("Names() = %v", names)
	}
}

func TestCredentialsExpiresWithin(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		expiry time.Time
		want   bool
	}{
		{"three minutes left", now.Add(3 * time.Minute), true},
		{"exactly at buffer", now.Add(5 * time.Minute), true},
		{"ten minutes left", now.Add(10 * time.Minute), false},
		{"already expired", now.Add(-time.Minute), true},
		{"unknown expiry", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Credentials{Expiry: tt.expiry}
			if got := c.ExpiresWithin(5*time.Minute, now); got != tt.want {
				t.Errorf("ExpiresWithin = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		auth      bool
		permanent bool
	}{
		{"401", &StatusError{Code: 401}, true, false},
		{"403", &StatusError{Code: 403}, true, false},
		{"404", &StatusError{Code: 404}, false, true},
		{"410", &StatusError{Code: 410}, false, true},
		{"503", &StatusError{Code: 503}, false, false},
		{"wrapped 401", fmt.Errorf("update event: %w", &StatusError{Code: 401}), true, false},
		{"token keyword", errors.New("oauth2: token expired and refresh token is not set"), true, false},
		{"invalid_grant keyword", errors.New("oauth2: \"invalid_grant\" \"Token has been revoked\""), true, false},
		{"plain network", errors.New("connection reset by peer"), false, false},
		{"unsupported", fmt.Errorf("%w: outlook", ErrUnsupportedProvider), false, true},
		{"canceled", context.Canceled, false, true},
		{"nil", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthError(tt.err); got != tt.auth {
				t.Errorf("IsAuthError = %v, want %v", got, tt.auth)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.permanent)
			}
		})
	}

	if !errors.Is(&StatusError{Code: 429}, ErrTransient) {
		t.Error("429 should be transient")
	}
}

func TestIsUnrecoverableRefresh(t *testing.T) {
	if !IsUnrecoverableRefresh(ErrInvalidGrant) {
		t.Error("ErrInvalidGrant should be unrecoverable")
	}
	if !IsUnrecoverableRefresh(fmt.Errorf("refresh: %w", ErrNoRefreshToken)) {
		t.Error("missing refresh token should be unrecoverable")
	}
	if !IsUnrecoverableRefresh(errors.New(`oauth2: "invalid_grant"`)) {
		t.Error("invalid_grant text should be unrecoverable")
	}
	if IsUnrecoverableRefresh(errors.New("dial tcp: i/o timeout")) {
		t.Error("network failure should be recoverable")
	}
}
