package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidState = errors.New("invalid oauth state")

const stateTTL = 10 * time.Minute

// StateClaims bind an OAuth round trip to the owner who started it.
type StateClaims struct {
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// StateSigner issues and verifies signed OAuth state values.
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

// NewStateSigner creates a signer with an HMAC secret.
func NewStateSigner(secret string) *StateSigner {
	return &StateSigner{secret: []byte(secret), now: time.Now}
}

// Sign returns a state value naming the owner and provider.
func (s *StateSigner) Sign(userID, providerName string) (string, error) {
	now := s.now()
	claims := StateClaims{
		Provider: providerName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of a state value.
func (s *StateSigner) Verify(state string) (*StateClaims, error) {
	claims := &StateClaims{}
	token, err := jwt.ParseWithClaims(state, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if !token.Valid || claims.Subject == "" || claims.Provider == "" {
		return nil, ErrInvalidState
	}
	return claims, nil
}
