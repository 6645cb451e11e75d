package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const appointmentColumns = `id, user_id, title, description, location, start_time, end_time, status,
	customer_id, property_id, google_event_id, apple_event_id, calendar_sync_status,
	calendar_sync_error, calendar_synced_at, created_at, updated_at`

// externalIDColumn maps a provider to its event id column on appointments.
func externalIDColumn(p Provider) (string, error) {
	switch p {
	case ProviderGoogle:
		return "google_event_id", nil
	case ProviderApple:
		return "apple_event_id", nil
	}
	return "", fmt.Errorf("unknown provider %q", p)
}

// CreateAppointment inserts an appointment.
func (db *DB) CreateAppointment(appt *Appointment) error {
	if appt.ID == "" {
		appt.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	if appt.UpdatedAt.IsZero() {
		appt.UpdatedAt = now
	}
	if appt.Status == "" {
		appt.Status = AppointmentScheduled
	}
	if appt.CalendarSyncStatus == "" {
		appt.CalendarSyncStatus = SyncPending
	}

	query := `INSERT INTO appointments (` + appointmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		appt.ID, appt.UserID, appt.Title, appt.Description, appt.Location,
		formatTime(appt.StartTime), formatTime(appt.EndTime), appt.Status,
		appt.CustomerID, appt.PropertyID, nullString(appt.GoogleEventID), nullString(appt.AppleEventID),
		appt.CalendarSyncStatus, appt.CalendarSyncError, nullTime(appt.CalendarSyncedAt),
		formatTime(appt.CreatedAt), formatTime(appt.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}

// GetAppointmentByID returns an appointment by its ID.
func (db *DB) GetAppointmentByID(id string) (*Appointment, error) {
	row := db.conn.QueryRow(`SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	return scanAppointment(row)
}

// UpdateAppointment stores an edit to the appointment's content and bumps
// updated_at so the next sync picks it up.
func (db *DB) UpdateAppointment(appt *Appointment) error {
	appt.UpdatedAt = time.Now().UTC()
	query := `UPDATE appointments SET title = ?, description = ?, location = ?, start_time = ?,
		end_time = ?, status = ?, customer_id = ?, property_id = ?, updated_at = ? WHERE id = ?`
	return db.execOne(query, appt.Title, appt.Description, appt.Location,
		formatTime(appt.StartTime), formatTime(appt.EndTime), appt.Status,
		appt.CustomerID, appt.PropertyID, formatTime(appt.UpdatedAt), appt.ID)
}

// ListSyncCandidates returns the owner's appointments in [from, to] that need
// to be pushed to the provider, ordered by start time.
//
// An appointment qualifies when force is set, when it has no event on the
// provider yet, when its last sync did not succeed, or when it changed after
// the last successful sync. Cancelled or completed appointments that never
// reached the calendar are excluded.
func (db *DB) ListSyncCandidates(userID string, provider Provider, from, to time.Time, force bool) ([]*Appointment, error) {
	col, err := externalIDColumn(provider)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments
		WHERE user_id = ? AND start_time >= ? AND start_time <= ?
		AND NOT (status IN (?, ?) AND ` + col + ` IS NULL)
		AND (? OR ` + col + ` IS NULL OR calendar_sync_status != ?
			OR calendar_synced_at IS NULL OR updated_at > calendar_synced_at)
		ORDER BY start_time, id`

	rows, err := db.conn.Query(query, userID, formatTime(from), formatTime(to),
		AppointmentCancelled, AppointmentCompleted, force, SyncSynced)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync candidates: %w", err)
	}
	defer rows.Close()

	var appts []*Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating appointments: %w", err)
	}
	return appts, nil
}

// MarkAppointmentSynced records a successful push. updated_at is left alone
// so sync bookkeeping never looks like a user edit.
func (db *DB) MarkAppointmentSynced(id string, provider Provider, externalID string, at time.Time) error {
	col, err := externalIDColumn(provider)
	if err != nil {
		return err
	}
	query := `UPDATE appointments SET ` + col + ` = ?, calendar_sync_status = ?, calendar_sync_error = '',
		calendar_synced_at = ? WHERE id = ?`
	return db.execOne(query, externalID, SyncSynced, formatTime(at), id)
}

// MarkAppointmentSyncError records a failed push.
func (db *DB) MarkAppointmentSyncError(id string, message string) error {
	query := `UPDATE appointments SET calendar_sync_status = ?, calendar_sync_error = ? WHERE id = ?`
	return db.execOne(query, SyncError, message, id)
}

// ClearAppointmentExternalID forgets the provider event after it was deleted
// and puts the appointment back to pending.
func (db *DB) ClearAppointmentExternalID(id string, provider Provider) error {
	col, err := externalIDColumn(provider)
	if err != nil {
		return err
	}
	query := `UPDATE appointments SET ` + col + ` = NULL, calendar_sync_status = ?, calendar_sync_error = ''
		WHERE id = ?`
	return db.execOne(query, SyncPending, id)
}

// AppointmentPatch carries field values taken from the calendar side during
// conflict resolution. Nil fields are left unchanged.
type AppointmentPatch struct {
	Title       *string
	Description *string
	Location    *string
	StartTime   *time.Time
	EndTime     *time.Time
}

// IsEmpty reports whether the patch changes nothing.
func (p AppointmentPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Location == nil && p.StartTime == nil && p.EndTime == nil
}

// ApplyAppointmentPatch writes resolved calendar values into the appointment.
// updated_at and calendar_synced_at are set to the same instant so the change
// is not pushed straight back out as a fresh edit.
func (db *DB) ApplyAppointmentPatch(id string, patch AppointmentPatch, at time.Time) error {
	appt, err := db.GetAppointmentByID(id)
	if err != nil {
		return err
	}
	if patch.Title != nil {
		appt.Title = *patch.Title
	}
	if patch.Description != nil {
		appt.Description = *patch.Description
	}
	if patch.Location != nil {
		appt.Location = *patch.Location
	}
	if patch.StartTime != nil {
		appt.StartTime = *patch.StartTime
	}
	if patch.EndTime != nil {
		appt.EndTime = *patch.EndTime
	}

	stamp := formatTime(at)
	query := `UPDATE appointments SET title = ?, description = ?, location = ?, start_time = ?, end_time = ?,
		updated_at = ?, calendar_synced_at = ?, calendar_sync_status = ? WHERE id = ?`
	return db.execOne(query, appt.Title, appt.Description, appt.Location,
		formatTime(appt.StartTime), formatTime(appt.EndTime), stamp, stamp, SyncSynced, id)
}

func scanAppointment(row scanner) (*Appointment, error) {
	appt := &Appointment{}
	var googleID, appleID, syncedAt sql.NullString
	var start, end, createdAt, updatedAt string

	err := row.Scan(
		&appt.ID, &appt.UserID, &appt.Title, &appt.Description, &appt.Location, &start, &end,
		&appt.Status, &appt.CustomerID, &appt.PropertyID, &googleID, &appleID,
		&appt.CalendarSyncStatus, &appt.CalendarSyncError, &syncedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan appointment: %w", err)
	}

	appt.GoogleEventID = googleID.String
	appt.AppleEventID = appleID.String
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&appt.StartTime, start},
		{&appt.EndTime, end},
		{&appt.CreatedAt, createdAt},
		{&appt.UpdatedAt, updatedAt},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, err
		}
	}
	if appt.CalendarSyncedAt, err = parseNullTime(syncedAt); err != nil {
		return nil, err
	}
	return appt, nil
}
