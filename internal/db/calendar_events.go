package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const calendarEventColumns = `id, connection_id, appointment_id, provider, external_id, title, description,
	location, start_time, end_time, origin, sync_status, external_updated_at, created_at, updated_at`

// UpsertCalendarEvent creates or refreshes the mirror record for an external event.
func (db *DB) UpsertCalendarEvent(ev *CalendarEvent) error {
	now := time.Now().UTC()
	if ev.SyncStatus == "" {
		ev.SyncStatus = string(SyncSynced)
	}

	query := `UPDATE calendar_events SET appointment_id = ?, title = ?, description = ?, location = ?,
		start_time = ?, end_time = ?, sync_status = ?, external_updated_at = ?, updated_at = ?
		WHERE connection_id = ? AND external_id = ?`

	result, err := db.conn.Exec(query, nullString(ev.AppointmentID), ev.Title, ev.Description, ev.Location,
		formatTime(ev.StartTime), formatTime(ev.EndTime), ev.SyncStatus, nullTime(ev.ExternalUpdatedAt),
		formatTime(now), ev.ConnectionID, ev.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to update calendar event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		ev.UpdatedAt = now
		return nil
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Origin == "" {
		ev.Origin = OriginCRM
	}
	ev.CreatedAt = now
	ev.UpdatedAt = now

	insert := `INSERT INTO calendar_events (` + calendarEventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.conn.Exec(insert, ev.ID, ev.ConnectionID, nullString(ev.AppointmentID), ev.Provider,
		ev.ExternalID, ev.Title, ev.Description, ev.Location, formatTime(ev.StartTime), formatTime(ev.EndTime),
		ev.Origin, ev.SyncStatus, nullTime(ev.ExternalUpdatedAt), formatTime(ev.CreatedAt), formatTime(ev.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert calendar event: %w", err)
	}
	return nil
}

// GetCalendarEvent returns the mirror record for an external event id.
func (db *DB) GetCalendarEvent(connectionID, externalID string) (*CalendarEvent, error) {
	row := db.conn.QueryRow(`SELECT `+calendarEventColumns+` FROM calendar_events
		WHERE connection_id = ? AND external_id = ?`, connectionID, externalID)
	return scanCalendarEvent(row)
}

// GetCalendarEventsByConnection returns every mirror record of a connection.
func (db *DB) GetCalendarEventsByConnection(connectionID string) ([]*CalendarEvent, error) {
	return db.queryCalendarEvents(`SELECT `+calendarEventColumns+` FROM calendar_events
		WHERE connection_id = ? ORDER BY start_time, external_id`, connectionID)
}

// GetCalendarEventsForAppointment returns the mirror records linked to one
// appointment. More than one means the appointment was duplicated remotely.
func (db *DB) GetCalendarEventsForAppointment(connectionID, appointmentID string) ([]*CalendarEvent, error) {
	return db.queryCalendarEvents(`SELECT `+calendarEventColumns+` FROM calendar_events
		WHERE connection_id = ? AND appointment_id = ? ORDER BY created_at`, connectionID, appointmentID)
}

// DeleteCalendarEvent removes a mirror record.
func (db *DB) DeleteCalendarEvent(connectionID, externalID string) error {
	_, err := db.conn.Exec(`DELETE FROM calendar_events WHERE connection_id = ? AND external_id = ?`,
		connectionID, externalID)
	if err != nil {
		return fmt.Errorf("failed to delete calendar event: %w", err)
	}
	return nil
}

func (db *DB) queryCalendarEvents(query string, args ...any) ([]*CalendarEvent, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar events: %w", err)
	}
	defer rows.Close()

	var events []*CalendarEvent
	for rows.Next() {
		ev, err := scanCalendarEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calendar events: %w", err)
	}
	return events, nil
}

func scanCalendarEvent(row scanner) (*CalendarEvent, error) {
	ev := &CalendarEvent{}
	var appointmentID, externalUpdatedAt sql.NullString
	var start, end, createdAt, updatedAt string

	err := row.Scan(&ev.ID, &ev.ConnectionID, &appointmentID, &ev.Provider, &ev.ExternalID,
		&ev.Title, &ev.Description, &ev.Location, &start, &end, &ev.Origin, &ev.SyncStatus,
		&externalUpdatedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan calendar event: %w", err)
	}

	ev.AppointmentID = appointmentID.String
	if ev.StartTime, err = parseTime(start); err != nil {
		return nil, err
	}
	if ev.EndTime, err = parseTime(end); err != nil {
		return nil, err
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ev.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if ev.ExternalUpdatedAt, err = parseNullTime(externalUpdatedAt); err != nil {
		return nil, err
	}
	return ev, nil
}
