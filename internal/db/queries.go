package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GetOrCreateUser returns an existing user by email or creates a new one.
func (db *DB) GetOrCreateUser(email, name string) (*User, error) {
	user, err := db.GetUserByEmail(email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	user = &User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `INSERT INTO users (id, email, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := db.conn.Exec(query, user.ID, user.Email, user.Name, formatTime(now), formatTime(now)); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// GetUserByEmail returns a user by their email address.
func (db *DB) GetUserByEmail(email string) (*User, error) {
	return db.getUser(`SELECT id, email, name, created_at, updated_at FROM users WHERE email = ?`, email)
}

// GetUserByID returns a user by their ID.
func (db *DB) GetUserByID(id string) (*User, error) {
	return db.getUser(`SELECT id, email, name, created_at, updated_at FROM users WHERE id = ?`, id)
}

func (db *DB) getUser(query string, arg string) (*User, error) {
	user := &User{}
	var createdAt, updatedAt string
	err := db.conn.QueryRow(query, arg).Scan(&user.ID, &user.Email, &user.Name, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if user.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return user, nil
}

const connectionColumns = `id, user_id, provider, calendar_id, caldav_username, access_token, refresh_token,
	token_expires_at, sync_direction, auto_sync, sync_interval, sync_status, last_error, last_sync_at,
	pending_conflicts, resolution_strategy, is_active, created_at, updated_at`

// CreateConnection inserts a new connection. A second active connection for
// the same owner and provider is rejected with ErrDuplicate.
func (db *DB) CreateConnection(conn *CalendarConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	conn.IsActive = true
	if conn.SyncDirection == "" {
		conn.SyncDirection = DirectionCRMToCalendar
	}
	if conn.SyncStatus == "" {
		conn.SyncStatus = StatusConnected
	}

	query := `INSERT INTO calendar_connections (` + connectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		conn.ID, conn.UserID, conn.Provider, conn.CalendarID, conn.CalDAVUsername,
		conn.AccessToken, conn.RefreshToken, nullTime(conn.TokenExpiresAt),
		conn.SyncDirection, conn.AutoSync, conn.SyncInterval, conn.SyncStatus, conn.LastError,
		nullTime(conn.LastSyncAt), conn.PendingConflicts, conn.ResolutionStrategy, conn.IsActive,
		formatTime(conn.CreatedAt), formatTime(conn.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

// GetConnectionByID returns a connection by its ID.
func (db *DB) GetConnectionByID(id string) (*CalendarConnection, error) {
	row := db.conn.QueryRow(`SELECT `+connectionColumns+` FROM calendar_connections WHERE id = ?`, id)
	return scanConnection(row)
}

// GetActiveConnection returns the owner's active connection for a provider.
func (db *DB) GetActiveConnection(userID string, provider Provider) (*CalendarConnection, error) {
	row := db.conn.QueryRow(`SELECT `+connectionColumns+` FROM calendar_connections
		WHERE user_id = ? AND provider = ? AND is_active = 1`, userID, provider)
	return scanConnection(row)
}

// GetConnectionsByUserID returns all connections of an owner, newest first.
func (db *DB) GetConnectionsByUserID(userID string) ([]*CalendarConnection, error) {
	return db.queryConnections(`SELECT `+connectionColumns+` FROM calendar_connections
		WHERE user_id = ? ORDER BY is_active DESC, created_at DESC`, userID)
}

// GetAutoSyncConnections returns active connections the scheduler should run.
// Expired connections are left alone until the owner re-authenticates.
func (db *DB) GetAutoSyncConnections() ([]*CalendarConnection, error) {
	return db.queryConnections(`SELECT `+connectionColumns+` FROM calendar_connections
		WHERE is_active = 1 AND auto_sync = 1 AND sync_status != ?`, StatusExpired)
}

func (db *DB) queryConnections(query string, args ...any) ([]*CalendarConnection, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []*CalendarConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return conns, nil
}

// SaveConnectionTokens stores freshly issued (already encrypted) tokens and
// marks the connection usable again.
func (db *DB) SaveConnectionTokens(id, accessToken, refreshToken string, expiresAt *time.Time) error {
	query := `UPDATE calendar_connections SET access_token = ?, refresh_token = ?, token_expires_at = ?,
		updated_at = ? WHERE id = ?`
	return db.execOne(query, accessToken, refreshToken, nullTime(expiresAt), formatTime(time.Now()), id)
}

// ReconnectConnection replaces credentials on an existing active connection
// after the owner re-authenticated, clearing any expired state.
func (db *DB) ReconnectConnection(conn *CalendarConnection) error {
	conn.UpdatedAt = time.Now().UTC()
	conn.SyncStatus = StatusConnected
	conn.LastError = ""
	query := `UPDATE calendar_connections SET calendar_id = ?, caldav_username = ?, access_token = ?,
		refresh_token = ?, token_expires_at = ?, sync_status = ?, last_error = '', updated_at = ?
		WHERE id = ? AND is_active = 1`
	return db.execOne(query, conn.CalendarID, conn.CalDAVUsername, conn.AccessToken, conn.RefreshToken,
		nullTime(conn.TokenExpiresAt), conn.SyncStatus, formatTime(conn.UpdatedAt), conn.ID)
}

// UpdateConnectionStatus sets the connection status and last error.
func (db *DB) UpdateConnectionStatus(id string, status ConnectionStatus, lastError string) error {
	query := `UPDATE calendar_connections SET sync_status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	return db.execOne(query, status, lastError, formatTime(time.Now()), id)
}

// FinishConnectionSync records the outcome of a completed sync run.
func (db *DB) FinishConnectionSync(id string, status ConnectionStatus, lastError string, pendingConflicts int, at time.Time) error {
	query := `UPDATE calendar_connections SET sync_status = ?, last_error = ?, pending_conflicts = ?,
		last_sync_at = ?, updated_at = ? WHERE id = ?`
	return db.execOne(query, status, lastError, pendingConflicts, formatTime(at), formatTime(time.Now()), id)
}

// UpdateConnectionSettings stores owner-editable settings.
func (db *DB) UpdateConnectionSettings(conn *CalendarConnection) error {
	conn.UpdatedAt = time.Now().UTC()
	query := `UPDATE calendar_connections SET calendar_id = ?, sync_direction = ?, auto_sync = ?,
		sync_interval = ?, resolution_strategy = ?, updated_at = ? WHERE id = ?`
	return db.execOne(query, conn.CalendarID, conn.SyncDirection, conn.AutoSync, conn.SyncInterval,
		conn.ResolutionStrategy, formatTime(conn.UpdatedAt), conn.ID)
}

// DisconnectConnection soft-deactivates a connection and wipes its tokens.
// The row is kept so sync logs stay attached to it.
func (db *DB) DisconnectConnection(id string) error {
	query := `UPDATE calendar_connections SET is_active = 0, sync_status = ?, access_token = '',
		refresh_token = '', token_expires_at = NULL, auto_sync = 0, updated_at = ?
		WHERE id = ? AND is_active = 1`
	return db.execOne(query, StatusDisconnected, formatTime(time.Now()), id)
}

// execOne runs an update and reports ErrNotFound when no row matched.
func (db *DB) execOne(query string, args ...any) error {
	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to execute update: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConnection(row scanner) (*CalendarConnection, error) {
	conn := &CalendarConnection{}
	var tokenExpiresAt, lastSyncAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&conn.ID, &conn.UserID, &conn.Provider, &conn.CalendarID, &conn.CalDAVUsername,
		&conn.AccessToken, &conn.RefreshToken, &tokenExpiresAt, &conn.SyncDirection,
		&conn.AutoSync, &conn.SyncInterval, &conn.SyncStatus, &conn.LastError, &lastSyncAt,
		&conn.PendingConflicts, &conn.ResolutionStrategy, &conn.IsActive, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	if conn.TokenExpiresAt, err = parseNullTime(tokenExpiresAt); err != nil {
		return nil, err
	}
	if conn.LastSyncAt, err = parseNullTime(lastSyncAt); err != nil {
		return nil, err
	}
	if conn.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if conn.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return conn, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
