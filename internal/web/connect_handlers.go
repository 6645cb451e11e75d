package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/crmcalsync/internal/auth"
	"github.com/macjediwizard/crmcalsync/internal/caldav"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
	"github.com/macjediwizard/crmcalsync/internal/provider"
)

const googlePrimaryCalendar = "primary"

// categorizeConnectionError returns a user-friendly message for a failed
// calendar connection without exposing internal details.
func categorizeConnectionError(err error) string {
	if err == nil {
		return "Connection failed"
	}
	if provider.IsAuthError(err) {
		return "Authentication failed. Please check your credentials."
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup"):
		return "Server not found. Please check the URL."
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused. Please verify the server is running."
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "Connection timed out. Please try again."
	case strings.Contains(errStr, "403") || strings.Contains(errStr, "forbidden"):
		return "Access denied. Please check your permissions."
	case errors.Is(err, provider.ErrNotFound) || strings.Contains(errStr, "not found"):
		return "Calendar not found."
	case strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls"):
		return "SSL/TLS error. Please verify the server certificate."
	default:
		return "Connection failed. Please check your settings."
	}
}

// APIOAuthStart returns the consent URL for an OAuth provider. The state
// names the logged-in owner so the callback can attach the connection.
func (h *Handlers) APIOAuthStart(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	p := db.Provider(c.Param("provider"))

	authenticator, ok := h.authenticators[p]
	if !ok {
		h.respondError(c, http.StatusBadRequest, "Provider does not use OAuth", nil)
		return
	}

	state, err := h.states.Sign(session.UserID, string(p))
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to create state", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": authenticator.AuthCodeURL(state)})
}

// OAuthCallback exchanges the authorization code and creates or reconnects
// the owner's connection for the provider.
func (h *Handlers) OAuthCallback(c *gin.Context) {
	p := db.Provider(c.Param("provider"))
	authenticator, ok := h.authenticators[p]
	if !ok {
		h.respondError(c, http.StatusNotFound, "Unknown provider", nil)
		return
	}

	claims, err := h.states.Verify(c.Query("state"))
	if err != nil || claims.Provider != string(p) {
		h.respondError(c, http.StatusBadRequest, "Invalid state parameter", err)
		return
	}
	// a logged-in operator may only complete their own flow
	if session, err := h.session.Get(c.Request); err == nil && session.UserID != claims.Subject {
		h.respondError(c, http.StatusForbidden, "State belongs to another user", nil)
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		h.redirectAfterConnect(c, p, "denied")
		return
	}

	tok, err := authenticator.ExchangeCode(c.Request.Context(), c.Query("code"))
	if err != nil {
		h.respondError(c, http.StatusBadGateway, "Failed to exchange code", err)
		return
	}

	conn := &db.CalendarConnection{
		UserID:     claims.Subject,
		Provider:   p,
		CalendarID: googlePrimaryCalendar,
	}
	if _, err := h.saveConnection(conn, tok); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to save connection", err)
		return
	}
	h.syncInBackground(conn.ID)

	h.redirectAfterConnect(c, p, "connected")
}

func (h *Handlers) redirectAfterConnect(c *gin.Context, p db.Provider, result string) {
	q := url.Values{}
	q.Set("provider", string(p))
	q.Set("result", result)
	c.Redirect(http.StatusFound, "/?"+q.Encode())
}

// saveConnection stores tok on the owner's active connection for the
// provider, creating it when there is none. It reports whether a new
// connection was created.
func (h *Handlers) saveConnection(conn *db.CalendarConnection, tok *provider.Token) (bool, error) {
	existing, err := h.db.GetActiveConnection(conn.UserID, conn.Provider)
	switch {
	case err == nil:
		// OAuth reconnects keep the calendar the owner picked
		if conn.Provider == db.ProviderApple {
			existing.CalendarID = conn.CalendarID
			existing.CalDAVUsername = conn.CalDAVUsername
		}
		if err := h.credentials.Seal(existing, tok); err != nil {
			return false, err
		}
		if err := h.db.ReconnectConnection(existing); err != nil {
			return false, err
		}
		*conn = *existing
		if h.notifier != nil {
			h.notifier.ClearState(conn.ID)
		}
		slog.Info("connection re-authenticated", "connection_id", conn.ID, "provider", conn.Provider)
		return false, h.reschedule(conn)
	case !errors.Is(err, db.ErrNotFound):
		return false, err
	}

	if err := h.credentials.Seal(conn, tok); err != nil {
		return false, err
	}
	conn.SyncDirection = db.DirectionCRMToCalendar
	conn.SyncInterval = h.defaultInterval()
	if err := h.db.CreateConnection(conn); err != nil {
		return false, err
	}
	slog.Info("connection created", "connection_id", conn.ID, "provider", conn.Provider)
	return true, nil
}

// syncInBackground runs a first sync for a new or re-authenticated
// connection so the owner does not wait for the next scheduled run.
func (h *Handlers) syncInBackground(connectionID string) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.TriggerSync(connectionID, engine.SyncOptions{}); err != nil {
		slog.Info("initial sync not started", "connection_id", connectionID, "error", err)
	}
}

func (h *Handlers) reschedule(conn *db.CalendarConnection) error {
	if h.scheduler == nil {
		return nil
	}
	return h.scheduler.Reschedule(conn)
}

// APIAppleRequest carries app-specific password credentials for iCloud.
type APIAppleRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	CalendarID string `json:"calendar_id"`
}

func (r *APIAppleRequest) credentials() provider.Credentials {
	return provider.Credentials{Username: r.Username, AccessToken: r.Password}
}

func decodeAppleRequest(c *gin.Context) (*APIAppleRequest, bool) {
	var req APIAppleRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return nil, false
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return nil, false
	}
	return &req, true
}

func (h *Handlers) discover(c *gin.Context, req *APIAppleRequest) ([]caldav.Calendar, bool) {
	calendars, err := h.apple.DiscoverCalendars(c.Request.Context(), req.credentials())
	if err != nil {
		slog.Warn("calendar discovery failed", "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": categorizeConnectionError(err)})
		return nil, false
	}
	if len(calendars) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "No calendars found for this account"})
		return nil, false
	}
	return calendars, true
}

// APIDiscoverCalendars lists the iCloud calendars of an account.
func (h *Handlers) APIDiscoverCalendars(c *gin.Context) {
	req, ok := decodeAppleRequest(c)
	if !ok {
		return
	}
	calendars, ok := h.discover(c, req)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, calendars)
}

// APIConnectApple connects an iCloud calendar. Without calendar_id the
// first discovered calendar is used.
func (h *Handlers) APIConnectApple(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	req, ok := decodeAppleRequest(c)
	if !ok {
		return
	}
	calendars, ok := h.discover(c, req)
	if !ok {
		return
	}

	calendarID := req.CalendarID
	if calendarID == "" {
		calendarID = calendars[0].Path
	} else if !slices.ContainsFunc(calendars, func(cal caldav.Calendar) bool { return cal.Path == calendarID }) {
		h.respondError(c, http.StatusBadRequest, "Calendar not found for this account", nil)
		return
	}

	conn := &db.CalendarConnection{
		UserID:         session.UserID,
		Provider:       db.ProviderApple,
		CalendarID:     calendarID,
		CalDAVUsername: req.Username,
	}
	created, err := h.saveConnection(conn, &provider.Token{AccessToken: req.Password})
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to save connection", err)
		return
	}

	h.syncInBackground(conn.ID)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, h.connectionToAPI(conn))
}
