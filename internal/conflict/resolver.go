package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// MergeMarker separates the CRM text from the calendar text in merged
// descriptions.
const MergeMarker = "--- merged from calendar ---"

const mergeSeparator = "\n\n" + MergeMarker + "\n"

var ErrInvalidStrategy = errors.New("invalid resolution strategy")

// ResolutionRules holds per-field overrides of the global strategy.
type ResolutionRules struct {
	FieldPriority map[string]Resolution `json:"fieldPriority,omitempty"`
}

// Strategy is a connection's resolution policy. It is stored as JSON on the
// connection.
type Strategy struct {
	Strategy        Resolution      `json:"strategy"`
	AutoResolve     bool            `json:"autoResolve"`
	CriticalFields  []string        `json:"criticalFields,omitempty"`
	ResolutionRules ResolutionRules `json:"resolutionRules"`
}

// DefaultStrategy lets the CRM win and resolves automatically.
func DefaultStrategy() Strategy {
	return Strategy{Strategy: CRMWins, AutoResolve: true}
}

// ParseStrategy decodes a stored strategy. An empty value yields the default.
func ParseStrategy(raw string) (Strategy, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultStrategy(), nil
	}
	var s Strategy
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Strategy{}, fmt.Errorf("%w: %w", ErrInvalidStrategy, err)
	}
	if s.Strategy == "" {
		s.Strategy = CRMWins
	}
	if err := s.Validate(); err != nil {
		return Strategy{}, err
	}
	return s, nil
}

// Encode returns the JSON form stored on the connection.
func (s Strategy) Encode() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Validate checks the global strategy and every field override.
func (s Strategy) Validate() error {
	if !isStrategy(s.Strategy) {
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, s.Strategy)
	}
	for field, r := range s.ResolutionRules.FieldPriority {
		if !isStrategy(r) {
			return fmt.Errorf("%w: %q for field %s", ErrInvalidStrategy, r, field)
		}
	}
	return nil
}

func isStrategy(r Resolution) bool {
	switch r {
	case CRMWins, CalendarWins, NewestWins, Merge:
		return true
	}
	return false
}

// Resolved is a conflict with the side that won.
type Resolved struct {
	Conflict SyncConflict `json:"conflict"`
	Applied  Resolution   `json:"applied"` // strategy used for this field
	Winner   Resolution   `json:"winner"`  // crm_wins, calendar_wins or merge
	Value    string       `json:"value"`   // merged text for merge
}

// Outcome splits conflicts into automatically resolved and pending review.
type Outcome struct {
	Resolved []Resolved     `json:"resolved"`
	Pending  []SyncConflict `json:"pending"`
}

// Resolver applies a Strategy to detected conflicts.
type Resolver struct{}

// NewResolver creates a resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// ResolveConflicts decides every eligible conflict and defers the rest. A
// conflict is eligible when auto-resolution is on, it is not critical, its
// field is not critical and it is not a duplicate or deletion.
func (r *Resolver) ResolveConflicts(conflicts []SyncConflict, s Strategy) Outcome {
	var out Outcome
	for _, c := range conflicts {
		if reason := ineligible(c, s); reason != "" {
			slog.Info("conflict pending manual review",
				"type", c.Type,
				"field", c.Field,
				"severity", c.Severity,
				"appointment_id", c.AppointmentID,
				"strategy", s.Strategy,
				"reason", reason,
			)
			out.Pending = append(out.Pending, c)
			continue
		}

		applied := s.Strategy
		if override, ok := s.ResolutionRules.FieldPriority[c.Field]; ok {
			applied = override
		}
		res := Resolved{Conflict: c, Applied: applied, Winner: decide(c, applied)}
		if res.Winner == Merge {
			res.Value = mergeText(c.CRMValue, c.CalendarValue)
		}

		slog.Info("conflict resolved",
			"type", c.Type,
			"field", c.Field,
			"severity", c.Severity,
			"appointment_id", c.AppointmentID,
			"strategy", applied,
			"winner", res.Winner,
			"crm_modified", c.CRMModified,
			"calendar_modified", c.CalendarModified,
		)
		out.Resolved = append(out.Resolved, res)
	}
	return out
}

func ineligible(c SyncConflict, s Strategy) string {
	switch {
	case !s.AutoResolve:
		return "auto resolve disabled"
	case c.Severity == SeverityCritical:
		return "critical severity"
	case slices.Contains(s.CriticalFields, c.Field):
		return "critical field"
	case c.Type == TypeDuplicate:
		return "duplicate event"
	case c.Type == TypeDeletion:
		return "deletion"
	}
	return ""
}

// decide reduces a strategy to the winning side for one conflict.
func decide(c SyncConflict, applied Resolution) Resolution {
	switch applied {
	case CalendarWins:
		return CalendarWins
	case NewestWins:
		if c.CalendarModified.After(c.CRMModified) {
			return CalendarWins
		}
		return CRMWins
	case Merge:
		if c.Type == TypeDataMismatch && c.Field == FieldDescription {
			return Merge
		}
		return CRMWins
	}
	return CRMWins
}

// mergeText keeps the CRM's own text and appends the calendar's current
// text after the marker. Text already merged on either side is split at the
// marker first, so repeated merges replace the calendar part instead of
// stacking it.
func mergeText(crm, calendar string) string {
	own, _, _ := strings.Cut(crm, "\n\n"+MergeMarker)
	_, after, merged := strings.Cut(calendar, "\n\n"+MergeMarker)
	if merged {
		calendar = strings.TrimPrefix(after, "\n")
	}
	switch {
	case merged && strings.TrimSpace(calendar) == "",
		strings.TrimSpace(calendar) == strings.TrimSpace(own):
		return own
	case calendar == "":
		return crm
	case own == "":
		return calendar
	}
	return own + mergeSeparator + calendar
}

// Patch is the change a set of resolutions implies for the appointment.
// Repush means the calendar event must be rewritten from the appointment.
type Patch struct {
	Title       *string
	Description *string
	Location    *string
	Start       *time.Time
	End         *time.Time
	Repush      bool
}

// IsEmpty reports whether the patch changes no appointment field.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Location == nil && p.Start == nil && p.End == nil
}

// Patch folds the resolved conflicts into one appointment patch.
func (o Outcome) Patch() Patch {
	var p Patch
	for _, res := range o.Resolved {
		c := res.Conflict
		switch res.Winner {
		case CRMWins:
			p.Repush = true
		case Merge:
			v := res.Value
			p.Description = &v
			p.Repush = true
		case CalendarWins:
			switch c.Field {
			case FieldTime:
				start, end := c.CalendarStart, c.CalendarEnd
				p.Start, p.End = &start, &end
			case FieldTitle:
				v := c.CalendarValue
				p.Title = &v
			case FieldDescription:
				v := c.CalendarValue
				p.Description = &v
			case FieldLocation:
				v := c.CalendarValue
				p.Location = &v
			}
		}
	}
	return p
}
