package db

import (
	"time"
)

// Provider identifies an external calendar provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderApple  Provider = "apple"
)

// ValidProviders contains all supported providers.
var ValidProviders = map[Provider]bool{
	ProviderGoogle: true,
	ProviderApple:  true,
}

// IsValid returns true if the provider is supported.
func (p Provider) IsValid() bool {
	return ValidProviders[p]
}

// SyncDirection represents the direction of synchronization.
type SyncDirection string

const (
	DirectionCRMToCalendar SyncDirection = "crm_to_calendar"
	DirectionCalendarToCRM SyncDirection = "calendar_to_crm"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// ValidSyncDirections contains all valid sync direction values.
var ValidSyncDirections = map[SyncDirection]bool{
	DirectionCRMToCalendar: true,
	DirectionCalendarToCRM: true,
	DirectionBidirectional: true,
}

// IsValid returns true if the sync direction is a known valid value.
func (sd SyncDirection) IsValid() bool {
	return ValidSyncDirections[sd]
}

// PushesToCalendar reports whether appointments flow out to the calendar.
func (sd SyncDirection) PushesToCalendar() bool {
	return sd == DirectionCRMToCalendar || sd == DirectionBidirectional
}

// PullsFromCalendar reports whether calendar events are read back.
func (sd SyncDirection) PullsFromCalendar() bool {
	return sd == DirectionCalendarToCRM || sd == DirectionBidirectional
}

// ConnectionStatus is the health of a calendar connection.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusSyncing      ConnectionStatus = "syncing"
	StatusError        ConnectionStatus = "error"
	StatusExpired      ConnectionStatus = "expired"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// AppointmentStatus is the CRM lifecycle state of an appointment.
type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentCompleted AppointmentStatus = "completed"
)

// IsInactive reports whether the appointment should no longer be on a calendar.
func (s AppointmentStatus) IsInactive() bool {
	return s == AppointmentCancelled || s == AppointmentCompleted
}

// AppointmentSyncStatus tracks whether an appointment reached the calendar.
type AppointmentSyncStatus string

const (
	SyncPending AppointmentSyncStatus = "pending"
	SyncSynced  AppointmentSyncStatus = "synced"
	SyncError   AppointmentSyncStatus = "error"
)

// EventOrigin records which side created a mirrored event.
type EventOrigin string

const (
	OriginCRM      EventOrigin = "crm"
	OriginCalendar EventOrigin = "calendar"
)

// LogOperation is the kind of work a sync log entry describes.
type LogOperation string

const (
	OpCreate LogOperation = "create"
	OpUpdate LogOperation = "update"
	OpDelete LogOperation = "delete"
	OpSync   LogOperation = "sync"
)

// LogStatus is the outcome recorded in a sync log entry.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
	LogSkipped LogStatus = "skipped"
)

// User represents an operator who owns connections and appointments.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CalendarConnection links an owner to one external calendar.
// Tokens are stored encrypted and never serialized.
type CalendarConnection struct {
	ID                 string           `json:"id"`
	UserID             string           `json:"user_id"`
	Provider           Provider         `json:"provider"`
	CalendarID         string           `json:"calendar_id"`
	CalDAVUsername     string           `json:"caldav_username,omitempty"`
	AccessToken        string           `json:"-"`
	RefreshToken       string           `json:"-"`
	TokenExpiresAt     *time.Time       `json:"token_expires_at"`
	SyncDirection      SyncDirection    `json:"sync_direction"`
	AutoSync           bool             `json:"auto_sync"`
	SyncInterval       int              `json:"sync_interval"`
	SyncStatus         ConnectionStatus `json:"sync_status"`
	LastError          string           `json:"last_error"`
	LastSyncAt         *time.Time       `json:"last_sync_at"`
	PendingConflicts   int              `json:"pending_conflicts"`
	ResolutionStrategy string           `json:"-"`
	IsActive           bool             `json:"is_active"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Appointment is a CRM-owned appointment.
type Appointment struct {
	ID                 string                `json:"id"`
	UserID             string                `json:"user_id"`
	Title              string                `json:"title"`
	Description        string                `json:"description"`
	Location           string                `json:"location"`
	StartTime          time.Time             `json:"start_time"`
	EndTime            time.Time             `json:"end_time"`
	Status             AppointmentStatus     `json:"status"`
	CustomerID         string                `json:"customer_id,omitempty"`
	PropertyID         string                `json:"property_id,omitempty"`
	GoogleEventID      string                `json:"google_event_id,omitempty"`
	AppleEventID       string                `json:"apple_event_id,omitempty"`
	CalendarSyncStatus AppointmentSyncStatus `json:"calendar_sync_status"`
	CalendarSyncError  string                `json:"calendar_sync_error,omitempty"`
	CalendarSyncedAt   *time.Time            `json:"calendar_synced_at"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// ExternalID returns the appointment's event id on the given provider.
func (a *Appointment) ExternalID(p Provider) string {
	switch p {
	case ProviderGoogle:
		return a.GoogleEventID
	case ProviderApple:
		return a.AppleEventID
	}
	return ""
}

// SetExternalID sets the in-memory event id for the given provider.
func (a *Appointment) SetExternalID(p Provider, id string) {
	switch p {
	case ProviderGoogle:
		a.GoogleEventID = id
	case ProviderApple:
		a.AppleEventID = id
	}
}

// CalendarEvent mirrors an event known to exist on an external calendar.
type CalendarEvent struct {
	ID                string      `json:"id"`
	ConnectionID      string      `json:"connection_id"`
	AppointmentID     string      `json:"appointment_id,omitempty"`
	Provider          Provider    `json:"provider"`
	ExternalID        string      `json:"external_id"`
	Title             string      `json:"title"`
	Description       string      `json:"description"`
	Location          string      `json:"location"`
	StartTime         time.Time   `json:"start_time"`
	EndTime           time.Time   `json:"end_time"`
	Origin            EventOrigin `json:"origin"`
	SyncStatus        string      `json:"sync_status"`
	ExternalUpdatedAt *time.Time  `json:"external_updated_at"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// SyncLog is an append-only record of one sync outcome.
type SyncLog struct {
	ID            string        `json:"id"`
	ConnectionID  string        `json:"connection_id"`
	AppointmentID string        `json:"appointment_id,omitempty"`
	Operation     LogOperation  `json:"operation"`
	Direction     SyncDirection `json:"direction"`
	Status        LogStatus     `json:"status"`
	Message       string        `json:"message"`
	CreatedAt     time.Time     `json:"created_at"`
}

// SyncStats aggregates sync log entries over a period.
type SyncStats struct {
	ConnectionID string               `json:"connection_id"`
	Since        time.Time            `json:"since"`
	Total        int                  `json:"total"`
	Success      int                  `json:"success"`
	Errors       int                  `json:"errors"`
	Skipped      int                  `json:"skipped"`
	ByOperation  map[LogOperation]int `json:"by_operation"`
	LastEntryAt  *time.Time           `json:"last_entry_at"`
}
