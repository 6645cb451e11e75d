package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/crmcalsync/internal/auth"
	"github.com/macjediwizard/crmcalsync/internal/conflict"
	"github.com/macjediwizard/crmcalsync/internal/credential"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
	"github.com/macjediwizard/crmcalsync/internal/scheduler"
)

const (
	defaultStatsDays = 7
	maxStatsDays     = 90
	logsPageSize     = 20
	maxWindowDays    = 365
)

// APIConnection is a connection as returned by the API. Tokens are never
// included.
type APIConnection struct {
	*db.CalendarConnection
	ResolutionStrategy conflict.Strategy `json:"resolution_strategy"`
	NextSyncAt         *time.Time        `json:"next_sync_at,omitempty"`
	Syncing            bool              `json:"syncing"`
}

// APIAuthStatus represents auth status response.
type APIAuthStatus struct {
	Authenticated bool     `json:"authenticated"`
	User          *APIUser `json:"user,omitempty"`
	CSRFToken     string   `json:"csrf_token,omitempty"`
}

// APIUser represents a user in JSON format.
type APIUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// APISyncRequest is the optional body of a manual sync.
type APISyncRequest struct {
	Force      bool `json:"force"`
	WindowDays int  `json:"window_days"`
}

// APISettingsRequest holds owner-editable connection settings. Absent
// fields are left unchanged.
type APISettingsRequest struct {
	CalendarID         *string            `json:"calendar_id"`
	SyncDirection      *db.SyncDirection  `json:"sync_direction"`
	AutoSync           *bool              `json:"auto_sync"`
	SyncInterval       *int               `json:"sync_interval"`
	ResolutionStrategy *conflict.Strategy `json:"resolution_strategy"`
}

func (h *Handlers) connectionToAPI(conn *db.CalendarConnection) *APIConnection {
	api := &APIConnection{CalendarConnection: conn}
	strategy, err := conflict.ParseStrategy(conn.ResolutionStrategy)
	if err != nil {
		strategy = conflict.DefaultStrategy()
	}
	api.ResolutionStrategy = strategy
	if h.scheduler != nil {
		api.NextSyncAt = h.scheduler.NextRun(conn.ID)
	}
	if h.activity != nil {
		api.Syncing = h.activity.IsSyncing(conn.ID)
	}
	return api
}

// ownedConnection loads the connection named in the path. Connections of
// other owners are reported as missing.
func (h *Handlers) ownedConnection(c *gin.Context) (*db.CalendarConnection, bool) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		h.respondError(c, http.StatusUnauthorized, "Unauthorized", nil)
		return nil, false
	}

	conn, err := h.db.GetConnectionByID(c.Param("connectionId"))
	if err != nil || conn.UserID != session.UserID {
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			h.respondError(c, http.StatusInternalServerError, "Failed to load connection", err)
			return nil, false
		}
		h.respondError(c, http.StatusNotFound, "Connection not found", nil)
		return nil, false
	}
	return conn, true
}

// APIAuthStatus returns the authentication status and the CSRF token the
// client must echo on state-changing calls.
func (h *Handlers) APIAuthStatus(c *gin.Context) {
	session, err := h.session.Get(c.Request)
	if err != nil {
		c.JSON(http.StatusOK, APIAuthStatus{Authenticated: false})
		return
	}

	c.JSON(http.StatusOK, APIAuthStatus{
		Authenticated: true,
		User: &APIUser{
			ID:    session.UserID,
			Email: session.Email,
			Name:  session.Name,
		},
		CSRFToken: session.CSRFToken,
	})
}

// APIListConnections returns the owner's connections.
func (h *Handlers) APIListConnections(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	conns, err := h.db.GetConnectionsByUserID(session.UserID)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to load connections", err)
		return
	}

	out := make([]*APIConnection, len(conns))
	for i, conn := range conns {
		out[i] = h.connectionToAPI(conn)
	}
	c.JSON(http.StatusOK, out)
}

// APIDisconnect soft-disconnects a connection.
func (h *Handlers) APIDisconnect(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}
	if !conn.IsActive {
		h.respondError(c, http.StatusConflict, "Connection is already disconnected", nil)
		return
	}

	if err := h.db.DisconnectConnection(conn.ID); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to disconnect", err)
		return
	}
	if h.scheduler != nil {
		h.scheduler.RemoveJob(conn.ID)
	}
	if h.notifier != nil {
		h.notifier.ClearState(conn.ID)
	}

	c.JSON(http.StatusOK, gin.H{"message": "Disconnected"})
}

// APIUpdateSettings changes direction, auto sync, interval, calendar or
// resolution strategy of a connection.
func (h *Handlers) APIUpdateSettings(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}
	if !conn.IsActive {
		h.respondError(c, http.StatusConflict, "Connection is disconnected", nil)
		return
	}

	var req APISettingsRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if msg := h.applySettings(conn, &req); msg != "" {
		h.respondError(c, http.StatusBadRequest, msg, nil)
		return
	}

	if err := h.db.UpdateConnectionSettings(conn); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to save settings", err)
		return
	}
	if h.scheduler != nil {
		if err := h.scheduler.Reschedule(conn); err != nil {
			h.respondError(c, http.StatusInternalServerError, "Failed to schedule connection", err)
			return
		}
	}

	c.JSON(http.StatusOK, h.connectionToAPI(conn))
}

// applySettings validates req and copies it onto conn. It returns a user
// facing message when req is invalid.
func (h *Handlers) applySettings(conn *db.CalendarConnection, req *APISettingsRequest) string {
	if req.CalendarID != nil {
		if *req.CalendarID == "" {
			return "calendar_id must not be empty"
		}
		conn.CalendarID = *req.CalendarID
	}
	if req.SyncDirection != nil {
		if !req.SyncDirection.IsValid() {
			return "invalid sync_direction"
		}
		conn.SyncDirection = *req.SyncDirection
	}
	if req.SyncInterval != nil {
		if *req.SyncInterval < h.cfg.Sync.MinInterval || *req.SyncInterval > h.cfg.Sync.MaxInterval {
			return "sync_interval must be between " + strconv.Itoa(h.cfg.Sync.MinInterval) +
				" and " + strconv.Itoa(h.cfg.Sync.MaxInterval) + " seconds"
		}
		conn.SyncInterval = *req.SyncInterval
	}
	if req.AutoSync != nil {
		conn.AutoSync = *req.AutoSync
	}
	if conn.AutoSync && conn.SyncInterval <= 0 {
		conn.SyncInterval = h.defaultInterval()
	}
	if req.ResolutionStrategy != nil {
		s := *req.ResolutionStrategy
		if s.Strategy == "" {
			s.Strategy = conflict.CRMWins
		}
		if err := s.Validate(); err != nil {
			return err.Error()
		}
		encoded, err := s.Encode()
		if err != nil {
			return "invalid resolution_strategy"
		}
		conn.ResolutionStrategy = encoded
	}
	return ""
}

func (h *Handlers) defaultInterval() int {
	const fallback = 900
	switch {
	case fallback < h.cfg.Sync.MinInterval:
		return h.cfg.Sync.MinInterval
	case h.cfg.Sync.MaxInterval > 0 && fallback > h.cfg.Sync.MaxInterval:
		return h.cfg.Sync.MaxInterval
	}
	return fallback
}

// APISync runs a sync for a connection and returns its result. Expired and
// disconnected connections are refused with 409.
func (h *Handlers) APISync(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}

	var req APISyncRequest
	if c.Request.ContentLength > 0 {
		if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
			h.respondError(c, http.StatusBadRequest, "Invalid request body", nil)
			return
		}
	}
	if req.WindowDays < 0 || req.WindowDays > maxWindowDays {
		h.respondError(c, http.StatusBadRequest, "window_days must be between 0 and 365", nil)
		return
	}

	switch {
	case !conn.IsActive:
		h.respondError(c, http.StatusConflict, "Connection is disconnected", nil)
		return
	case conn.SyncStatus == db.StatusExpired:
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":  "Connection requires re-authentication",
			"status": db.StatusExpired,
		})
		return
	}

	result, err := h.scheduler.SyncNow(c.Request.Context(), conn, engine.SyncOptions{
		WindowDays: req.WindowDays,
		ForceSync:  req.Force,
	})
	switch {
	case errors.Is(err, scheduler.ErrSyncInProgress):
		h.respondError(c, http.StatusConflict, "Sync already in progress", nil)
	case errors.Is(err, credential.ErrConnectionExpired):
		c.AbortWithStatusJSON(http.StatusConflict, result)
	case errors.Is(err, engine.ErrConnectionInactive):
		h.respondError(c, http.StatusConflict, "Connection is disconnected", nil)
	case err != nil && result != nil:
		// the calendar could not be reached; details are in the result
		c.AbortWithStatusJSON(http.StatusBadGateway, result)
	case err != nil:
		h.respondError(c, http.StatusInternalServerError, "Sync failed", err)
	default:
		c.JSON(http.StatusOK, result)
	}
}

// APISyncStats returns aggregated log statistics for the last ?days days.
func (h *Handlers) APISyncStats(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}

	days := defaultStatsDays
	if d := c.Query("days"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed < 1 {
			h.respondError(c, http.StatusBadRequest, "days must be a positive number", nil)
			return
		}
		days = min(parsed, maxStatsDays)
	}

	stats, err := h.db.GetSyncStats(conn.ID, time.Now().AddDate(0, 0, -days))
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to load stats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"days":              days,
		"stats":             stats,
		"status":            conn.SyncStatus,
		"last_sync_at":      conn.LastSyncAt,
		"pending_conflicts": conn.PendingConflicts,
	})
}

// APISyncLogs returns a page of a connection's sync logs, newest first.
func (h *Handlers) APISyncLogs(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}

	page := 1
	if p := c.Query("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}

	total, err := h.db.CountSyncLogs(conn.ID)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to load logs", err)
		return
	}
	logs, err := h.db.GetSyncLogs(conn.ID, logsPageSize, (page-1)*logsPageSize)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to load logs", err)
		return
	}
	if logs == nil {
		logs = []*db.SyncLog{}
	}

	totalPages := max((total+logsPageSize-1)/logsPageSize, 1)
	c.JSON(http.StatusOK, gin.H{
		"logs":        logs,
		"page":        page,
		"total":       total,
		"total_pages": totalPages,
	})
}

// APIActivity returns the owner's running and recent syncs.
func (h *Handlers) APIActivity(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	c.JSON(http.StatusOK, h.activity.GetAll(session.UserID))
}
