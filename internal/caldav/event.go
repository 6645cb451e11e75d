package caldav

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/macjediwizard/crmcalsync/internal/provider"
)

const prodID = "-//crmcalsync//CalDAV Adapter//EN"

// buildCalendar renders ev as a VCALENDAR holding one VEVENT with the given UID.
func buildCalendar(uid string, ev *provider.NormalizedEvent, now time.Time) *ical.Calendar {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	event.Props.SetDateTime(ical.PropLastModified, now.UTC())
	event.Props.SetText(ical.PropSummary, ev.Title)
	if ev.Description != "" {
		event.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		event.Props.SetText(ical.PropLocation, ev.Location)
	}
	setDateTime(event, ical.PropDateTimeStart, ev.Start, ev.TimeZone)
	setDateTime(event, ical.PropDateTimeEnd, ev.End, ev.TimeZone)
	if status := icalStatus(ev.Status); status != "" {
		event.Props.SetText(ical.PropStatus, status)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Children = append(cal.Children, event.Component)
	return cal
}

// setDateTime writes t in UTC, or as local time with a TZID when the zone loads.
func setDateTime(event *ical.Event, name string, t time.Time, tz string) {
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			event.Props.SetDateTime(name, t.In(loc))
			return
		}
	}
	event.Props.SetDateTime(name, t.UTC())
}

func icalStatus(status string) string {
	switch status {
	case provider.StatusConfirmed:
		return "CONFIRMED"
	case provider.StatusTentative:
		return "TENTATIVE"
	case provider.StatusCancelled:
		return "CANCELLED"
	}
	return ""
}

// Event is an iCalendar VEVENT before normalization.
type Event struct {
	*ical.Event
}

// Provider returns the provider name.
func (e *Event) Provider() string {
	return provider.Apple
}

// Normalize converts the VEVENT into the provider-neutral shape. A missing
// DTEND means the event ends when it starts.
func (e *Event) Normalize() (*provider.NormalizedEvent, error) {
	if e.Event == nil {
		return nil, errors.New("ical event is nil")
	}
	uid, err := e.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return nil, fmt.Errorf("%w: missing UID", ErrMalformedContent)
	}

	dtstart := e.Props.Get(ical.PropDateTimeStart)
	start, err := propTime(dtstart)
	if err != nil {
		return nil, fmt.Errorf("%w: DTSTART: %w", ErrMalformedContent, err)
	}
	end := start
	if dtend := e.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		if end, err = propTime(dtend); err != nil {
			return nil, fmt.Errorf("%w: DTEND: %w", ErrMalformedContent, err)
		}
	}

	ev := &provider.NormalizedEvent{
		ExternalID: uid,
		Start:      start,
		End:        end,
		TimeZone:   dtstart.Params.Get(ical.ParamTimezoneID),
		Status:     provider.StatusConfirmed,
	}
	ev.Title, _ = e.Props.Text(ical.PropSummary)
	ev.Description, _ = e.Props.Text(ical.PropDescription)
	ev.Location, _ = e.Props.Text(ical.PropLocation)

	if status, err := e.Props.Text(ical.PropStatus); err == nil && status != "" {
		ev.Status = strings.ToLower(status)
	}
	for _, name := range []string{ical.PropLastModified, ical.PropDateTimeStamp} {
		if prop := e.Props.Get(name); prop != nil {
			if t, err := prop.DateTime(time.UTC); err == nil {
				ev.Updated = t.UTC()
				break
			}
		}
	}
	return ev, nil
}

// propTime converts a DATE or DATE-TIME property to UTC. TZIDs that are not
// IANA names, such as "GMT-0400", are read as fixed offsets.
func propTime(prop *ical.Prop) (time.Time, error) {
	if prop == nil {
		return time.Time{}, errors.New("missing property")
	}
	value := prop.Value

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}

	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			loc = parseGMTOffset(tzid)
		}
		if loc != nil {
			layout := "20060102T150405"
			if len(value) == len("20060102") {
				layout = "20060102"
			}
			t, err := time.ParseInLocation(layout, value, loc)
			if err != nil {
				return time.Time{}, err
			}
			return t.UTC(), nil
		}
	}

	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			break
		}
	}
	if offset == tzid {
		return nil
	}
	if offset == "" {
		return time.UTC
	}

	sign := 1
	if strings.HasPrefix(offset, "-") {
		sign = -1
		offset = offset[1:]
	} else if strings.HasPrefix(offset, "+") {
		offset = offset[1:]
	}
	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	var n int
	var err error
	switch len(offset) {
	case 1, 2:
		n, err = fmt.Sscanf(offset, "%d", &hours)
	case 3:
		n, err = fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		n, err = fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}
	if err != nil || n == 0 {
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}

// firstEvent returns the first VEVENT of a calendar object.
func firstEvent(cal *ical.Calendar) (*Event, bool) {
	if cal == nil {
		return nil, false
	}
	events := cal.Events()
	if len(events) == 0 {
		return nil, false
	}
	return &Event{Event: &events[0]}, true
}
