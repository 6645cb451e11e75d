package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
)

const (
	sessionName     = "crmcalsync_session"
	loginStateName  = "crmcalsync_login_state"
	sessionMaxAge   = 7 * 24 * 60 * 60 // 7 days in seconds
	loginStateAge   = 10 * 60
	csrfTokenLength = 32
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("invalid session data")
)

// SessionData is the operator identity kept in the session cookie.
type SessionData struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CSRFToken string `json:"csrf_token"`
}

// SessionManager manages operator sessions.
type SessionManager struct {
	store  *sessions.CookieStore
	secure bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager(secret string, secure bool) *SessionManager {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}

	return &SessionManager{
		store:  store,
		secure: secure,
	}
}

// Get retrieves the session data from the request.
func (sm *SessionManager) Get(r *http.Request) (*SessionData, error) {
	session, err := sm.store.Get(r, sessionName)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	userID, ok := session.Values["user_id"].(string)
	if !ok || userID == "" {
		return nil, ErrSessionNotFound
	}

	data := &SessionData{UserID: userID}
	data.Email, _ = session.Values["email"].(string)
	data.Name, _ = session.Values["name"].(string)
	data.CSRFToken, _ = session.Values["csrf_token"].(string)
	return data, nil
}

// OwnerID returns the logged-in owner of the request, or "".
func (sm *SessionManager) OwnerID(r *http.Request) string {
	data, err := sm.Get(r)
	if err != nil {
		return ""
	}
	return data.UserID
}

// Set stores the session data.
func (sm *SessionManager) Set(w http.ResponseWriter, r *http.Request, data *SessionData) error {
	session, err := sm.store.Get(r, sessionName)
	if err != nil {
		// Create a new session if the current one is invalid
		session, err = sm.store.New(r, sessionName)
		if err != nil {
			return err
		}
	}

	if data.CSRFToken == "" {
		csrfToken, err := randomToken(csrfTokenLength)
		if err != nil {
			return err
		}
		data.CSRFToken = csrfToken
	}

	session.Values["user_id"] = data.UserID
	session.Values["email"] = data.Email
	session.Values["name"] = data.Name
	session.Values["csrf_token"] = data.CSRFToken

	return session.Save(r, w)
}

// Clear removes the session.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) error {
	session, err := sm.store.Get(r, sessionName)
	if err != nil {
		return nil // Session doesn't exist, nothing to clear
	}

	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// SetLoginState stores the OIDC login state for CSRF protection.
func (sm *SessionManager) SetLoginState(w http.ResponseWriter, r *http.Request, state string) error {
	session, err := sm.store.Get(r, loginStateName)
	if err != nil {
		session, err = sm.store.New(r, loginStateName)
		if err != nil {
			return err
		}
	}

	session.Values["state"] = state
	session.Options.MaxAge = loginStateAge

	return session.Save(r, w)
}

// PopLoginState retrieves and clears the OIDC login state.
func (sm *SessionManager) PopLoginState(w http.ResponseWriter, r *http.Request) (string, error) {
	session, err := sm.store.Get(r, loginStateName)
	if err != nil {
		return "", err
	}

	state, ok := session.Values["state"].(string)
	if !ok || state == "" {
		return "", ErrInvalidSession
	}

	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		return "", err
	}
	return state, nil
}

// GenerateState generates a random state string for the OIDC login.
func GenerateState() (string, error) {
	return randomToken(32)
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
