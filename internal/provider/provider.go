// Package provider defines the contract every external calendar adapter
// implements, the provider-neutral event shape, and the error taxonomy the
// retry executor classifies.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Provider names. They match db.Provider values.
const (
	Google = "google"
	Apple  = "apple"
)

// Credentials are the decrypted tokens for one call. They are passed by value
// into every adapter method; adapters never keep them between calls.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Username     string // CalDAV basic auth user, empty for bearer auth
	Expiry       time.Time
}

// ExpiresWithin reports whether the access token expires within d of now.
// A zero expiry means the provider did not report one.
func (c Credentials) ExpiresWithin(d time.Duration, now time.Time) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !c.Expiry.After(now.Add(d))
}

// Token is the result of a code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Event statuses shared by both providers.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// NormalizedEvent is the provider-neutral event shape. Adapters convert to
// and from their wire formats at the boundary.
type NormalizedEvent struct {
	ExternalID  string    `json:"external_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	TimeZone    string    `json:"time_zone"`
	Status      string    `json:"status"`
	Updated     time.Time `json:"updated"`
}

// RawEvent is a provider-native event before normalization. The concrete
// types live next to their adapters.
type RawEvent interface {
	Provider() string
	Normalize() (*NormalizedEvent, error)
}

// Adapter talks to one external calendar provider. It knows wire formats and
// nothing about appointments or conflict policy.
type Adapter interface {
	Name() string
	CreateEvent(ctx context.Context, creds Credentials, calendarID string, ev *NormalizedEvent) (string, error)
	UpdateEvent(ctx context.Context, creds Credentials, calendarID, externalID string, ev *NormalizedEvent) error
	DeleteEvent(ctx context.Context, creds Credentials, calendarID, externalID string) error
	ListEvents(ctx context.Context, creds Credentials, calendarID string, from, to time.Time) ([]*NormalizedEvent, error)
	TestConnection(ctx context.Context, creds Credentials, calendarID string) error
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)
}

// Registry looks adapters up by provider name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for a provider or ErrUnsupportedProvider.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	return a, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
