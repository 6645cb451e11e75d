package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// CreateSyncLog appends a sync log entry. IDs are ULIDs so entries sort by
// creation time even when timestamps collide.
func (db *DB) CreateSyncLog(log *SyncLog) error {
	if log.ID == "" {
		log.ID = ulid.Make().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO sync_logs (id, connection_id, appointment_id, operation, direction, status, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, log.ID, log.ConnectionID, nullString(log.AppointmentID), log.Operation,
		log.Direction, log.Status, log.Message, formatTime(log.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return nil
}

// GetSyncLogs returns a page of a connection's log entries, newest first.
func (db *DB) GetSyncLogs(connectionID string, limit, offset int) ([]*SyncLog, error) {
	query := `SELECT id, connection_id, appointment_id, operation, direction, status, message, created_at
		FROM sync_logs WHERE connection_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`

	rows, err := db.conn.Query(query, connectionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var appointmentID sql.NullString
		var createdAt string
		if err := rows.Scan(&log.ID, &log.ConnectionID, &appointmentID, &log.Operation, &log.Direction,
			&log.Status, &log.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.AppointmentID = appointmentID.String
		if log.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}
	return logs, nil
}

// CountSyncLogs returns the number of log entries for a connection.
func (db *DB) CountSyncLogs(connectionID string) (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM sync_logs WHERE connection_id = ?`, connectionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sync logs: %w", err)
	}
	return count, nil
}

// GetSyncStats aggregates a connection's log entries created at or after since.
func (db *DB) GetSyncStats(connectionID string, since time.Time) (*SyncStats, error) {
	stats := &SyncStats{
		ConnectionID: connectionID,
		Since:        since.UTC(),
		ByOperation:  make(map[LogOperation]int),
	}

	query := `SELECT operation, status, COUNT(*), MAX(created_at) FROM sync_logs
		WHERE connection_id = ? AND created_at >= ? GROUP BY operation, status`

	rows, err := db.conn.Query(query, connectionID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query sync stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var op LogOperation
		var status LogStatus
		var count int
		var last string
		if err := rows.Scan(&op, &status, &count, &last); err != nil {
			return nil, fmt.Errorf("failed to scan sync stats: %w", err)
		}

		stats.Total += count
		stats.ByOperation[op] += count
		switch status {
		case LogSuccess:
			stats.Success += count
		case LogError:
			stats.Errors += count
		case LogSkipped:
			stats.Skipped += count
		}

		lastAt, err := parseTime(last)
		if err != nil {
			return nil, err
		}
		if stats.LastEntryAt == nil || lastAt.After(*stats.LastEntryAt) {
			stats.LastEntryAt = &lastAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync stats: %w", err)
	}
	return stats, nil
}

// CleanOldSyncLogs deletes sync logs older than the given time. This is the
// only path that removes log entries.
func (db *DB) CleanOldSyncLogs(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM sync_logs WHERE created_at < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}
