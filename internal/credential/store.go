// Package credential decrypts connection tokens for adapter calls and keeps
// them fresh. Plaintext tokens never leave this package except as the
// per-call provider.Credentials value.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/crypto"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/provider"
)

// ErrConnectionExpired means the owner must re-authorize the connection.
var ErrConnectionExpired = errors.New("connection expired: re-authentication required")

// Store loads, refreshes and persists connection credentials.
type Store struct {
	db        *db.DB
	encryptor *crypto.Encryptor
	registry  *provider.Registry
	buffer    time.Duration
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a credential store. Tokens expiring within buffer are
// refreshed before use.
func NewStore(database *db.DB, encryptor *crypto.Encryptor, registry *provider.Registry, buffer time.Duration) *Store {
	return &Store{
		db:        database,
		encryptor: encryptor,
		registry:  registry,
		buffer:    buffer,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Credentials decrypts the connection's tokens.
func (s *Store) Credentials(conn *db.CalendarConnection) (provider.Credentials, error) {
	access, err := s.encryptor.Decrypt(conn.AccessToken)
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := s.encryptor.Decrypt(conn.RefreshToken)
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	creds := provider.Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		Username:     conn.CalDAVUsername,
	}
	if conn.TokenExpiresAt != nil {
		creds.Expiry = *conn.TokenExpiresAt
	}
	return creds, nil
}

// NeedsRefresh reports whether the access token expires within the buffer.
func (s *Store) NeedsRefresh(conn *db.CalendarConnection) bool {
	if conn.TokenExpiresAt == nil {
		return false
	}
	return !conn.TokenExpiresAt.After(s.now().Add(s.buffer))
}

// Seal encrypts tok onto conn without persisting it.
func (s *Store) Seal(conn *db.CalendarConnection, tok *provider.Token) error {
	access, err := s.encryptor.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := s.encryptor.Encrypt(tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	conn.AccessToken = access
	conn.RefreshToken = refresh
	conn.TokenExpiresAt = nil
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		conn.TokenExpiresAt = &expiry
	}
	return nil
}

// Refresh obtains a new access token and persists it before returning. A
// refresh another caller finished while this one waited is reused. When the
// provider rejects the refresh for good, the connection is marked expired
// and ErrConnectionExpired is returned.
func (s *Store) Refresh(ctx context.Context, conn *db.CalendarConnection) (provider.Credentials, error) {
	lock := s.lockFor(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	if latest, err := s.db.GetConnectionByID(conn.ID); err == nil && latest.AccessToken != conn.AccessToken {
		conn.AccessToken = latest.AccessToken
		conn.RefreshToken = latest.RefreshToken
		conn.TokenExpiresAt = latest.TokenExpiresAt
		if !s.NeedsRefresh(conn) {
			slog.Debug("using token refreshed concurrently", "connection_id", conn.ID)
			return s.Credentials(conn)
		}
	}

	creds, err := s.Credentials(conn)
	if err != nil {
		return provider.Credentials{}, err
	}
	adapter, err := s.registry.Get(string(conn.Provider))
	if err != nil {
		return provider.Credentials{}, err
	}

	tok, err := adapter.RefreshToken(ctx, creds.RefreshToken)
	if err != nil {
		if provider.IsUnrecoverableRefresh(err) {
			if markErr := s.MarkExpired(conn, err.Error()); markErr != nil {
				slog.Error("failed to mark connection expired", "connection_id", conn.ID, "error", markErr)
			}
			return provider.Credentials{}, fmt.Errorf("%w: %w", ErrConnectionExpired, err)
		}
		return provider.Credentials{}, fmt.Errorf("token refresh failed: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = creds.RefreshToken
	}

	updated := *conn
	if err := s.Seal(&updated, tok); err != nil {
		return provider.Credentials{}, err
	}
	if err := s.db.SaveConnectionTokens(conn.ID, updated.AccessToken, updated.RefreshToken, updated.TokenExpiresAt); err != nil {
		return provider.Credentials{}, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	conn.AccessToken = updated.AccessToken
	conn.RefreshToken = updated.RefreshToken
	conn.TokenExpiresAt = updated.TokenExpiresAt

	slog.Info("refreshed access token", "connection_id", conn.ID, "provider", conn.Provider)
	return provider.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Username:     conn.CalDAVUsername,
		Expiry:       tok.Expiry,
	}, nil
}

// MarkExpired flags the connection so no further sync is attempted until
// the owner reconnects.
func (s *Store) MarkExpired(conn *db.CalendarConnection, reason string) error {
	conn.SyncStatus = db.StatusExpired
	conn.LastError = reason
	return s.db.UpdateConnectionStatus(conn.ID, db.StatusExpired, reason)
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}
