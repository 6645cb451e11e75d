// Package google implements the provider adapter for the Google Calendar
// REST API.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/macjediwizard/crmcalsync/internal/provider"
)

const (
	defaultTimeout = 30 * time.Second
	pageSize       = 250
)

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*provider.Token, error)
}

// Adapter talks to Google Calendar with per-call bearer credentials.
type Adapter struct {
	refresher  TokenRefresher
	endpoint   string
	timeZone   string
	httpClient *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEndpoint overrides the API base URL.
func WithEndpoint(endpoint string) Option {
	return func(a *Adapter) { a.endpoint = endpoint }
}

// WithTimeZone sets the zone sent when an event has none.
func WithTimeZone(tz string) Option {
	return func(a *Adapter) { a.timeZone = tz }
}

// WithHTTPClient sets the transport used underneath the bearer token.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New creates a Google adapter. Token refresh is delegated to refresher.
func New(refresher TokenRefresher, opts ...Option) *Adapter {
	a := &Adapter{
		refresher:  refresher,
		timeZone:   "UTC",
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return provider.Google
}

func (a *Adapter) service(ctx context.Context, creds provider.Credentials) (*calendar.Service, error) {
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("google: %w: missing access token", provider.ErrAuthentication)
	}
	base := context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	client := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: creds.AccessToken,
		TokenType:   "Bearer",
	}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// CreateEvent inserts an event and returns its Google id.
func (a *Adapter) CreateEvent(ctx context.Context, creds provider.Credentials, calendarID string, ev *provider.NormalizedEvent) (string, error) {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return "", err
	}
	created, err := svc.Events.Insert(calendarID, a.toGoogle(ev)).Context(ctx).Do()
	if err != nil {
		return "", wrapErr("insert event", err)
	}
	return created.Id, nil
}

// UpdateEvent replaces an existing event.
func (a *Adapter) UpdateEvent(ctx context.Context, creds provider.Credentials, calendarID, externalID string, ev *provider.NormalizedEvent) error {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return err
	}
	if _, err := svc.Events.Update(calendarID, externalID, a.toGoogle(ev)).Context(ctx).Do(); err != nil {
		return wrapErr("update event", err)
	}
	return nil
}

// DeleteEvent removes an event. Google answers 410 for events that are
// already gone, which surfaces as provider.ErrNotFound.
func (a *Adapter) DeleteEvent(ctx context.Context, creds provider.Credentials, calendarID, externalID string) error {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID, externalID).Context(ctx).Do(); err != nil {
		return wrapErr("delete event", err)
	}
	return nil
}

// ListEvents returns single (expanded) events overlapping [from, to).
func (a *Adapter) ListEvents(ctx context.Context, creds provider.Credentials, calendarID string, from, to time.Time) ([]*provider.NormalizedEvent, error) {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return nil, err
	}

	call := svc.Events.List(calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(pageSize)

	var events []*provider.NormalizedEvent
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			ev, err := (&Event{Event: item}).Normalize()
			if err != nil {
				slog.Warn("skipping unreadable google event", "event_id", item.Id, "error", err)
				continue
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("list events", err)
	}
	return events, nil
}

// TestConnection checks that the calendar is reachable with creds.
func (a *Adapter) TestConnection(ctx context.Context, creds provider.Credentials, calendarID string) error {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return err
	}
	if _, err := svc.Calendars.Get(calendarID).Context(ctx).Do(); err != nil {
		return wrapErr("get calendar", err)
	}
	return nil
}

// RefreshToken obtains a new access token through the OAuth client.
func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	if a.refresher == nil {
		return nil, provider.ErrRefreshUnsupported
	}
	return a.refresher.RefreshToken(ctx, refreshToken)
}

func (a *Adapter) toGoogle(ev *provider.NormalizedEvent) *calendar.Event {
	tz := ev.TimeZone
	if tz == "" {
		tz = a.timeZone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
		tz = "UTC"
	}

	out := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.In(loc).Format(time.RFC3339), TimeZone: tz},
		End:         &calendar.EventDateTime{DateTime: ev.End.In(loc).Format(time.RFC3339), TimeZone: tz},
	}
	if ev.Status != "" {
		out.Status = ev.Status
	}
	return out
}

// Event is a Google event before normalization.
type Event struct {
	*calendar.Event
}

// Provider returns the provider name.
func (e *Event) Provider() string {
	return provider.Google
}

// Normalize converts the Google event into the provider-neutral shape.
// All-day events start and end at midnight in the event's zone.
func (e *Event) Normalize() (*provider.NormalizedEvent, error) {
	if e.Event == nil {
		return nil, errors.New("google event is nil")
	}
	start, tz, err := parseDateTime(e.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, _, err := parseDateTime(e.End)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}

	ev := &provider.NormalizedEvent{
		ExternalID:  e.Id,
		Title:       e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Start:       start,
		End:         end,
		TimeZone:    tz,
		Status:      e.Status,
	}
	if ev.Status == "" {
		ev.Status = provider.StatusConfirmed
	}
	if e.Updated != "" {
		if updated, err := time.Parse(time.RFC3339, e.Updated); err == nil {
			ev.Updated = updated.UTC()
		}
	}
	return ev, nil
}

func parseDateTime(dt *calendar.EventDateTime) (time.Time, string, error) {
	if dt == nil {
		return time.Time{}, "", errors.New("missing date")
	}
	loc := time.UTC
	if dt.TimeZone != "" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	switch {
	case dt.DateTime != "":
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, "", err
		}
		return t.UTC(), dt.TimeZone, nil
	case dt.Date != "":
		t, err := time.ParseInLocation("2006-01-02", dt.Date, loc)
		if err != nil {
			return time.Time{}, "", err
		}
		return t.UTC(), dt.TimeZone, nil
	}
	return time.Time{}, "", errors.New("empty date")
}

// wrapErr maps googleapi errors onto the provider taxonomy.
func wrapErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		msg := gerr.Message
		if msg == "" && len(gerr.Errors) > 0 {
			msg = gerr.Errors[0].Reason
		}
		return fmt.Errorf("google %s: %w", op, &provider.StatusError{
			Code:    gerr.Code,
			Message: strings.TrimSpace(msg),
			Err:     err,
		})
	}
	return fmt.Errorf("google %s: %w", op, err)
}
