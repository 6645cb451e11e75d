package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/crmcalsync/internal/provider"
)

// Adapter implements provider.Adapter for Apple calendars. The calendar id
// of a connection is the CalDAV collection path; event ids are VEVENT UIDs
// stored at <collection>/<uid>.ics.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewAdapter creates an Apple adapter for the CalDAV server at baseURL.
// A nil httpClient uses a TLS 1.2+ client with a 30s timeout.
func NewAdapter(baseURL string, httpClient *http.Client) *Adapter {
	return &Adapter{
		baseURL:    baseURL,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return provider.Apple
}

func (a *Adapter) client(creds provider.Credentials) (*Client, error) {
	return NewClient(a.baseURL, creds, a.httpClient)
}

func objectPath(calendarPath, uid string) string {
	return strings.TrimSuffix(calendarPath, "/") + "/" + uid + ".ics"
}

// CreateEvent stores a new VEVENT and returns its UID.
func (a *Adapter) CreateEvent(ctx context.Context, creds provider.Credentials, calendarID string, ev *provider.NormalizedEvent) (string, error) {
	c, err := a.client(creds)
	if err != nil {
		return "", err
	}
	uid := uuid.New().String()
	if err := c.PutEvent(ctx, objectPath(calendarID, uid), buildCalendar(uid, ev, a.now())); err != nil {
		return "", err
	}
	return uid, nil
}

// UpdateEvent overwrites the VEVENT with the given UID.
func (a *Adapter) UpdateEvent(ctx context.Context, creds provider.Credentials, calendarID, externalID string, ev *provider.NormalizedEvent) error {
	c, err := a.client(creds)
	if err != nil {
		return err
	}
	// PUT would silently recreate a deleted object.
	if _, err := c.GetEvent(ctx, objectPath(calendarID, externalID)); err != nil {
		return err
	}
	return c.PutEvent(ctx, objectPath(calendarID, externalID), buildCalendar(externalID, ev, a.now()))
}

// DeleteEvent removes the VEVENT with the given UID.
func (a *Adapter) DeleteEvent(ctx context.Context, creds provider.Credentials, calendarID, externalID string) error {
	c, err := a.client(creds)
	if err != nil {
		return err
	}
	return c.DeleteEvent(ctx, objectPath(calendarID, externalID))
}

// ListEvents returns the events overlapping [from, to).
func (a *Adapter) ListEvents(ctx context.Context, creds provider.Credentials, calendarID string, from, to time.Time) ([]*provider.NormalizedEvent, error) {
	c, err := a.client(creds)
	if err != nil {
		return nil, err
	}
	objects, err := c.QueryEvents(ctx, calendarID, from, to)
	if err != nil {
		return nil, err
	}

	events := make([]*provider.NormalizedEvent, 0, len(objects))
	for _, obj := range objects {
		raw, ok := firstEvent(obj.Data)
		if !ok {
			continue
		}
		ev, err := raw.Normalize()
		if err != nil {
			slog.Warn("skipping unreadable calendar object", "path", obj.Path, "error", err)
			continue
		}
		// PROPFIND results are not filtered by the server.
		if !overlaps(ev, from, to) {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func overlaps(ev *provider.NormalizedEvent, from, to time.Time) bool {
	return ev.Start.Before(to) && (ev.End.After(from) || ev.Start.Equal(from))
}

// TestConnection checks that the credentials can read the calendar.
func (a *Adapter) TestConnection(ctx context.Context, creds provider.Credentials, calendarID string) error {
	c, err := a.client(creds)
	if err != nil {
		return err
	}
	return c.Ping(ctx, calendarID)
}

// RefreshToken is not supported: app-specific passwords do not expire and
// cannot be renewed without the owner.
func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	return nil, fmt.Errorf("apple: %w", provider.ErrRefreshUnsupported)
}

// DiscoverCalendars lists the calendars visible to creds.
func (a *Adapter) DiscoverCalendars(ctx context.Context, creds provider.Credentials) ([]Calendar, error) {
	c, err := a.client(creds)
	if err != nil {
		return nil, err
	}
	return c.FindCalendars(ctx)
}
