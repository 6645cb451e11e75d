// Package conflict detects divergence between an appointment and its
// calendar event and decides which side wins. It performs no I/O.
package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/provider"
)

// Type classifies a conflict.
type Type string

const (
	TypeTiming       Type = "timing_conflict"
	TypeDataMismatch Type = "data_mismatch"
	TypeDuplicate    Type = "duplicate_event"
	TypeDeletion     Type = "deletion_conflict"
)

// Severity is a coarse priority used to decide auto-resolution eligibility.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Compared fields.
const (
	FieldTime        = "time"
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldLocation    = "location"
	FieldEvent       = "event"
)

// Resolution names a strategy or a decision.
type Resolution string

const (
	CRMWins      Resolution = "crm_wins"
	CalendarWins Resolution = "calendar_wins"
	NewestWins   Resolution = "newest_wins"
	Merge        Resolution = "merge"
	Manual       Resolution = "manual"
)

// Record is the appointment side of a comparison.
type Record struct {
	ID          string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	UpdatedAt   time.Time
}

// SyncConflict is one detected divergence. It is never persisted; only the
// outcome of resolving it is logged.
type SyncConflict struct {
	Type             Type       `json:"type"`
	Severity         Severity   `json:"severity"`
	Field            string     `json:"field"`
	AppointmentID    string     `json:"appointment_id"`
	Provider         string     `json:"provider"`
	ExternalID       string     `json:"external_id"`
	CRMValue         string     `json:"crm_value"`
	CalendarValue    string     `json:"calendar_value"`
	CRMModified      time.Time  `json:"crm_modified"`
	CalendarModified time.Time  `json:"calendar_modified"`
	Suggested        Resolution `json:"suggested_resolution"`

	// Set for timing conflicts only.
	CRMStart      time.Time `json:"-"`
	CRMEnd        time.Time `json:"-"`
	CalendarStart time.Time `json:"-"`
	CalendarEnd   time.Time `json:"-"`
}

func (c SyncConflict) String() string {
	return fmt.Sprintf("%s on %s (%s): crm=%q calendar=%q", c.Type, c.Field, c.Severity, c.CRMValue, c.CalendarValue)
}

// Detector compares appointments with their calendar events.
type Detector struct {
	TimingTolerance time.Duration
	HighTimingDelta time.Duration
}

// NewDetector returns a detector with a 5 minute tolerance; shifts above an
// hour are high severity.
func NewDetector() *Detector {
	return &Detector{
		TimingTolerance: 5 * time.Minute,
		HighTimingDelta: 60 * time.Minute,
	}
}

// DetectConflicts returns every rule that fires for the pair. mirrors is the
// number of mirror records that point at the appointment on this
// connection; more than one is a duplicate.
func (d *Detector) DetectConflicts(appt Record, ext *provider.NormalizedEvent, providerName string, mirrors int) []SyncConflict {
	base := SyncConflict{
		AppointmentID:    appt.ID,
		Provider:         providerName,
		ExternalID:       ext.ExternalID,
		CRMModified:      appt.UpdatedAt,
		CalendarModified: ext.Updated,
		Suggested:        CRMWins,
	}

	var conflicts []SyncConflict

	startDelta := absDuration(appt.Start.Sub(ext.Start))
	endDelta := absDuration(appt.End.Sub(ext.End))
	if startDelta > d.TimingTolerance || endDelta > d.TimingTolerance {
		c := base
		c.Type = TypeTiming
		c.Field = FieldTime
		c.Severity = SeverityMedium
		if startDelta > d.HighTimingDelta || endDelta > d.HighTimingDelta {
			c.Severity = SeverityHigh
		}
		c.CRMValue = formatSpan(appt.Start, appt.End)
		c.CalendarValue = formatSpan(ext.Start, ext.End)
		c.CRMStart, c.CRMEnd = appt.Start, appt.End
		c.CalendarStart, c.CalendarEnd = ext.Start, ext.End
		conflicts = append(conflicts, c)
	}

	fields := []struct {
		name     string
		crm, cal string
		severity Severity
	}{
		{FieldTitle, appt.Title, ext.Title, SeverityLow},
		{FieldLocation, appt.Location, ext.Location, SeverityMedium},
		{FieldDescription, appt.Description, ext.Description, SeverityLow},
	}
	for _, f := range fields {
		crm, cal := strings.TrimSpace(f.crm), strings.TrimSpace(f.cal)
		if crm == cal {
			continue
		}
		c := base
		c.Type = TypeDataMismatch
		c.Field = f.name
		c.Severity = f.severity
		c.CRMValue = crm
		c.CalendarValue = cal
		conflicts = append(conflicts, c)
	}

	if mirrors > 1 {
		c := base
		c.Type = TypeDuplicate
		c.Field = FieldEvent
		c.Severity = SeverityMedium
		c.Suggested = Manual
		c.CRMValue = appt.ID
		c.CalendarValue = fmt.Sprintf("%d calendar events", mirrors)
		conflicts = append(conflicts, c)
	}

	return conflicts
}

// DetectDeletion reports that one side is gone while the other still
// references it. Deletions always need manual review.
func (d *Detector) DetectDeletion(appt Record, externalID, providerName, missingSide string) SyncConflict {
	return SyncConflict{
		Type:          TypeDeletion,
		Severity:      SeverityHigh,
		Field:         FieldEvent,
		AppointmentID: appt.ID,
		Provider:      providerName,
		ExternalID:    externalID,
		CRMValue:      appt.Title,
		CalendarValue: missingSide + " deleted",
		CRMModified:   appt.UpdatedAt,
		Suggested:     Manual,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func formatSpan(start, end time.Time) string {
	return start.UTC().Format(time.RFC3339) + "/" + end.UTC().Format(time.RFC3339)
}
