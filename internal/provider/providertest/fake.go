// Package providertest provides an in-memory provider.Adapter for tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/provider"
)

// Adapter method names used by FailNext and Count.
const (
	MethodCreate  = "create"
	MethodUpdate  = "update"
	MethodDelete  = "delete"
	MethodList    = "list"
	MethodTest    = "test"
	MethodRefresh = "refresh"
)

// Fake is an in-memory calendar. Events are keyed by calendar id and then
// by external id.
type Fake struct {
	name string

	mu       sync.Mutex
	seq      int
	events   map[string]map[string]*provider.NormalizedEvent
	failures map[string][]error
	calls    map[string]int
	tokens   []string

	// Refresh answers RefreshToken. A nil Refresh reports
	// provider.ErrRefreshUnsupported.
	Refresh func(ctx context.Context, refreshToken string) (*provider.Token, error)
}

// New creates an empty fake registered under name.
func New(name string) *Fake {
	return &Fake{
		name:     name,
		events:   make(map[string]map[string]*provider.NormalizedEvent),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext queues errors returned by the next calls of method.
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// Count returns how often method was called.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Tokens returns the access tokens seen by event calls, in order.
func (f *Fake) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

// Put stores an event as if it had been created on the calendar directly.
func (f *Fake) Put(calendarID string, ev *provider.NormalizedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ev
	f.calendar(calendarID)[ev.ExternalID] = &cp
}

// Get returns a copy of a stored event.
func (f *Fake) Get(calendarID, externalID string) (*provider.NormalizedEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.calendar(calendarID)[externalID]
	if !ok {
		return nil, false
	}
	cp := *ev
	return &cp, true
}

// Remove deletes an event as if it had been removed on the calendar directly.
func (f *Fake) Remove(calendarID, externalID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.calendar(calendarID), externalID)
}

// Len returns the number of events on a calendar.
func (f *Fake) Len(calendarID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calendar(calendarID))
}

func (f *Fake) calendar(id string) map[string]*provider.NormalizedEvent {
	cal, ok := f.events[id]
	if !ok {
		cal = make(map[string]*provider.NormalizedEvent)
		f.events[id] = cal
	}
	return cal
}

// begin records a call and pops a queued failure. Callers hold f.mu.
func (f *Fake) begin(method string, creds *provider.Credentials) error {
	f.calls[method]++
	if creds != nil {
		f.tokens = append(f.tokens, creds.AccessToken)
	}
	if queued := f.failures[method]; len(queued) > 0 {
		f.failures[method] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *Fake) Name() string {
	return f.name
}

func (f *Fake) CreateEvent(ctx context.Context, creds provider.Credentials, calendarID string, ev *provider.NormalizedEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(MethodCreate, &creds); err != nil {
		return "", err
	}
	f.seq++
	cp := *ev
	cp.ExternalID = fmt.Sprintf("%s-evt-%d", f.name, f.seq)
	cp.Updated = time.Now().UTC()
	f.calendar(calendarID)[cp.ExternalID] = &cp
	return cp.ExternalID, nil
}

func (f *Fake) UpdateEvent(ctx context.Context, creds provider.Credentials, calendarID, externalID string, ev *provider.NormalizedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(MethodUpdate, &creds); err != nil {
		return err
	}
	if _, ok := f.calendar(calendarID)[externalID]; !ok {
		return &provider.StatusError{Code: 404}
	}
	cp := *ev
	cp.ExternalID = externalID
	cp.Updated = time.Now().UTC()
	f.calendar(calendarID)[externalID] = &cp
	return nil
}

func (f *Fake) DeleteEvent(ctx context.Context, creds provider.Credentials, calendarID, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(MethodDelete, &creds); err != nil {
		return err
	}
	if _, ok := f.calendar(calendarID)[externalID]; !ok {
		return &provider.StatusError{Code: 410}
	}
	delete(f.calendar(calendarID), externalID)
	return nil
}

func (f *Fake) ListEvents(ctx context.Context, creds provider.Credentials, calendarID string, from, to time.Time) ([]*provider.NormalizedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(MethodList, &creds); err != nil {
		return nil, err
	}
	var out []*provider.NormalizedEvent
	for _, ev := range f.calendar(calendarID) {
		if ev.Start.Before(to) && !ev.End.Before(from) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out, nil
}

func (f *Fake) TestConnection(ctx context.Context, creds provider.Credentials, calendarID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begin(MethodTest, &creds)
}

func (f *Fake) RefreshToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	f.mu.Lock()
	err := f.begin(MethodRefresh, nil)
	refresh := f.Refresh
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if refresh == nil {
		return nil, provider.ErrRefreshUnsupported
	}
	return refresh(ctx, refreshToken)
}
