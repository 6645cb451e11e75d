// Package caldav implements the Apple (iCloud) calendar adapter on top of
// CalDAV and iCalendar objects.
package caldav

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/macjediwizard/crmcalsync/internal/provider"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrMalformedContent = errors.New("malformed calendar content")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Calendar represents a CalDAV calendar collection.
type Calendar struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Client is a CalDAV client bound to one set of credentials.
type Client struct {
	baseURL      string
	http         webdav.HTTPClient
	caldavClient *caldav.Client
}

// bearerClient adds an OAuth bearer token to every request.
type bearerClient struct {
	c     *http.Client
	token string
}

func (b *bearerClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+b.token)
	return b.c.Do(req)
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: defaultTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: minTLSVersion,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// NewClient creates a CalDAV client. With a username the access token is
// sent as a basic auth (app-specific) password, otherwise as a bearer token.
func NewClient(baseURL string, creds provider.Credentials, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing CalDAV password", provider.ErrAuthentication)
	}
	if httpClient == nil {
		httpClient = newHTTPClient()
	}

	var hc webdav.HTTPClient
	if creds.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(httpClient, creds.Username, creds.AccessToken)
	} else {
		hc = &bearerClient{c: httpClient, token: creds.AccessToken}
	}

	caldavClient, err := caldav.NewClient(hc, baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &Client{
		baseURL:      baseURL,
		http:         hc,
		caldavClient: caldavClient,
	}, nil
}

// FindCalendars discovers all calendars for the current user.
func (c *Client) FindCalendars(ctx context.Context) ([]Calendar, error) {
	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, classify("find principal", err)
	}

	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, classify("find home set", err)
	}

	cals, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, classify("find calendars", err)
	}

	calendars := make([]Calendar, 0, len(cals))
	for _, cal := range cals {
		calendars = append(calendars, Calendar{
			Path:        cal.Path,
			Name:        cal.Name,
			Description: cal.Description,
		})
	}
	return calendars, nil
}

// Ping checks that the collection at path is readable.
func (c *Client) Ping(ctx context.Context, path string) error {
	if _, err := c.caldavClient.Stat(ctx, path); err != nil {
		return classify("stat calendar", err)
	}
	return nil
}

// PutEvent creates or replaces the object at path.
func (c *Client) PutEvent(ctx context.Context, path string, cal *ical.Calendar) error {
	if _, err := c.caldavClient.PutCalendarObject(ctx, path, cal); err != nil {
		return classify("put event", err)
	}
	return nil
}

// DeleteEvent removes the object at path.
func (c *Client) DeleteEvent(ctx context.Context, path string) error {
	if err := c.caldavClient.RemoveAll(ctx, path); err != nil {
		return classify("delete event", err)
	}
	return nil
}

// GetEvent retrieves a single calendar object.
func (c *Client) GetEvent(ctx context.Context, path string) (*caldav.CalendarObject, error) {
	obj, err := c.caldavClient.GetCalendarObject(ctx, path)
	if err != nil {
		if isMalformed(err) {
			return nil, fmt.Errorf("%w: %s", ErrMalformedContent, path)
		}
		return nil, classify("get event", err)
	}
	return obj, nil
}

// QueryEvents returns calendar objects with a VEVENT overlapping [from, to).
// Servers that reject calendar-query are read through PROPFIND instead.
func (c *Client) QueryEvents(ctx context.Context, calendarPath string, from, to time.Time) ([]caldav.CalendarObject, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{
				{Name: "VEVENT", AllProps: true},
			},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{Name: "VEVENT", Start: from, End: to},
			},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err == nil {
		return objects, nil
	}
	classified := classify("query calendar", err)
	if provider.IsAuthError(classified) || errors.Is(classified, provider.ErrNotFound) {
		return nil, classified
	}

	slog.Debug("calendar query failed, falling back to PROPFIND", "calendar", calendarPath, "error", err)
	return c.listViaPropfind(ctx, calendarPath)
}

// listViaPropfind lists calendar contents and fetches each event individually.
func (c *Client) listViaPropfind(ctx context.Context, calendarPath string) ([]caldav.CalendarObject, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", c.buildURL(calendarPath), strings.NewReader(`<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:getetag/>
    <D:getcontenttype/>
  </D:prop>
</D:propfind>`))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, &provider.StatusError{Code: resp.StatusCode, Message: "propfind"}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	paths := parseEventPaths(body, calendarPath)
	objects := make([]caldav.CalendarObject, 0, len(paths))
	skipped := 0
	for _, path := range paths {
		obj, err := c.GetEvent(ctx, path)
		if err != nil {
			if provider.IsAuthError(err) {
				return nil, err
			}
			skipped++
			slog.Debug("skipping calendar object", "path", path, "error", err)
			continue
		}
		objects = append(objects, *obj)
	}
	if skipped > 0 {
		slog.Warn("skipped unreadable calendar objects", "calendar", calendarPath, "count", skipped)
	}
	return objects, nil
}

// parseEventPaths extracts calendar object paths from a PROPFIND multistatus response.
func parseEventPaths(body []byte, basePath string) []string {
	type propfindResponse struct {
		XMLName   xml.Name `xml:"DAV: multistatus"`
		Responses []struct {
			Href     string `xml:"href"`
			PropStat struct {
				Prop struct {
					ContentType string `xml:"getcontenttype"`
				} `xml:"prop"`
			} `xml:"propstat"`
		} `xml:"response"`
	}

	var ms propfindResponse
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil
	}

	base := strings.TrimSuffix(basePath, "/")
	var paths []string
	for _, resp := range ms.Responses {
		if strings.TrimSuffix(resp.Href, "/") == base {
			continue
		}
		if strings.HasSuffix(resp.Href, ".ics") || strings.Contains(resp.PropStat.Prop.ContentType, "calendar") {
			decoded, err := url.PathUnescape(resp.Href)
			if err != nil {
				decoded = resp.Href
			}
			paths = append(paths, decoded)
		}
	}
	return paths
}

// buildURL resolves path against the scheme and host of the base URL.
func (c *Client) buildURL(path string) string {
	if path == "" {
		return c.baseURL
	}
	if strings.HasPrefix(path, "/") {
		if u, err := url.Parse(c.baseURL); err == nil && u.Host != "" {
			return u.Scheme + "://" + u.Host + path
		}
	}
	return strings.TrimSuffix(c.baseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

// statusPattern finds the HTTP status go-webdav embeds in its error text.
var statusPattern = regexp.MustCompile(`\b([1-5][0-9]{2}) [A-Z]`)

// classify maps CalDAV errors onto the provider taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("caldav %s: %w", op, err)
	}
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		if code >= 400 {
			return fmt.Errorf("caldav %s: %w", op, &provider.StatusError{Code: code, Err: err})
		}
	}
	return fmt.Errorf("caldav %s: %w: %w", op, ErrConnectionFailed, err)
}

func isMalformed(err error) bool {
	if errors.Is(err, ErrMalformedContent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "missing colon") ||
		(strings.Contains(msg, "invalid") && strings.Contains(msg, "ical"))
}
