package web

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/crmcalsync/internal/activity"
	"github.com/macjediwizard/crmcalsync/internal/auth"
	"github.com/macjediwizard/crmcalsync/internal/caldav"
	"github.com/macjediwizard/crmcalsync/internal/config"
	"github.com/macjediwizard/crmcalsync/internal/credential"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/notify"
	"github.com/macjediwizard/crmcalsync/internal/oauth"
	"github.com/macjediwizard/crmcalsync/internal/provider"
	"github.com/macjediwizard/crmcalsync/internal/scheduler"
	"github.com/macjediwizard/crmcalsync/internal/websocket"
)

const redirectCookie = "redirect_after_login"

// CalendarDiscoverer lists the CalDAV calendars visible to a set of
// credentials.
type CalendarDiscoverer interface {
	DiscoverCalendars(ctx context.Context, creds provider.Credentials) ([]caldav.Calendar, error)
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Config      *config.Config
	DB          *db.DB
	Identity    auth.Identity
	Session     *auth.SessionManager
	Credentials *credential.Store
	// Authenticators run the OAuth flow per provider. Apple has none: it
	// connects with an app-specific password.
	Authenticators map[db.Provider]oauth.Authenticator
	States         *oauth.StateSigner
	Apple          CalendarDiscoverer
	Scheduler      *scheduler.Scheduler
	Activity       *activity.Tracker
	Notifier       *notify.Notifier
	Hub            *websocket.Hub
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg            *config.Config
	db             *db.DB
	identity       auth.Identity
	session        *auth.SessionManager
	credentials    *credential.Store
	authenticators map[db.Provider]oauth.Authenticator
	states         *oauth.StateSigner
	apple          CalendarDiscoverer
	scheduler      *scheduler.Scheduler
	activity       *activity.Tracker
	notifier       *notify.Notifier
	hub            *websocket.Hub
	started        time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		cfg:            d.Config,
		db:             d.DB,
		identity:       d.Identity,
		session:        d.Session,
		credentials:    d.Credentials,
		authenticators: d.Authenticators,
		states:         d.States,
		apple:          d.Apple,
		scheduler:      d.Scheduler,
		activity:       d.Activity,
		notifier:       d.Notifier,
		hub:            d.Hub,
		started:        time.Now(),
	}
}

// HealthReport is returned by the health endpoints.
type HealthReport struct {
	Status    string            `json:"status"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (h *Handlers) check() (HealthReport, bool) {
	report := HealthReport{
		Status:    "healthy",
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Checks:    map[string]string{"database": "ok"},
		Timestamp: time.Now().UTC(),
	}
	if err := h.db.Ping(); err != nil {
		slog.Error("health check: database ping failed", "error", err)
		report.Status = "unhealthy"
		report.Checks["database"] = "unreachable"
		return report, false
	}
	if h.scheduler != nil {
		report.Checks["scheduled_connections"] = strconv.Itoa(h.scheduler.GetJobCount())
	}
	return report, true
}

// HealthCheck returns a full health report.
func (h *Handlers) HealthCheck(c *gin.Context) {
	report, ok := h.check()
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, HealthReport{
		Status:    "alive",
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	})
}

// Readiness reports whether the database is usable.
func (h *Handlers) Readiness(c *gin.Context) {
	report, ok := h.check()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	report.Status = "ready"
	c.JSON(http.StatusOK, report)
}

// Login initiates OIDC authentication.
func (h *Handlers) Login(c *gin.Context) {
	state, err := auth.GenerateState()
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to generate state", err)
		return
	}

	if err := h.session.SetLoginState(c.Writer, c.Request, state); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to save state", err)
		return
	}

	if redirect := c.Query("redirect"); IsSafeRedirectURL(redirect) {
		c.SetCookie(redirectCookie, redirect, 600, "/", "", h.secureCookies(), true)
	}

	c.Redirect(http.StatusFound, h.identity.AuthCodeURL(state))
}

// Callback handles the OIDC callback.
func (h *Handlers) Callback(c *gin.Context) {
	savedState, err := h.session.PopLoginState(c.Writer, c.Request)
	if err != nil || c.Query("state") != savedState {
		h.respondError(c, http.StatusBadRequest, "Invalid state parameter", err)
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		h.respondError(c, http.StatusBadRequest, "Authentication failed", nil)
		return
	}

	claims, err := h.identity.Login(c.Request.Context(), c.Query("code"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "Failed to verify login", err)
		return
	}

	user, err := h.db.GetOrCreateUser(claims.Email, claims.Name)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to create user", err)
		return
	}

	sessionData := &auth.SessionData{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	}
	if err := h.session.Set(c.Writer, c.Request, sessionData); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to create session", err)
		return
	}
	slog.Info("operator logged in", "user_id", user.ID)

	redirectURL := "/"
	if cookie, err := c.Cookie(redirectCookie); err == nil && cookie != "" {
		if IsSafeRedirectURL(cookie) {
			redirectURL = cookie
		}
		c.SetCookie(redirectCookie, "", -1, "/", "", h.secureCookies(), true)
	}
	c.Redirect(http.StatusFound, redirectURL)
}

// Logout clears the session.
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.session.Clear(c.Writer, c.Request); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to logout", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// respondError sends a JSON error. err is logged server-side only.
func (h *Handlers) respondError(c *gin.Context, status int, message string, err error) {
	if err != nil {
		slog.Warn(message, "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func (h *Handlers) secureCookies() bool {
	return h.cfg != nil && h.cfg.IsProduction()
}
