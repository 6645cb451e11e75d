package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
	"github.com/macjediwizard/crmcalsync/internal/validator"
)

type webhookSink struct {
	mu       sync.Mutex
	payloads []WebhookPayload
}

func (s *webhookSink) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		s.mu.Lock()
		s.payloads = append(s.payloads, p)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *webhookSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.payloads))
	for i, p := range s.payloads {
		out[i] = p.AlertType
	}
	return out
}

type users map[string]string

func (u users) GetUserByID(id string) (*db.User, error) {
	email, ok := u[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &db.User{ID: id, Email: email}, nil
}

func TestSyncFinishedAlerts(t *testing.T) {
	sink := &webhookSink{}
	server := httptest.NewServer(sink.handler(t))
	defer server.Close()

	n := New(&Config{
		WebhookEnabled: true,
		WebhookURL:     server.URL,
		CooldownPeriod: time.Hour,
	}, users{"u1": "owner@example.com"})
	conn := &db.CalendarConnection{ID: "conn-1", UserID: "u1", Provider: db.ProviderGoogle}

	n.SyncFinished(conn, &engine.SyncResult{Status: db.StatusConnected, Success: true})
	n.SyncFinished(conn, &engine.SyncResult{Status: db.StatusExpired, Message: "re-auth"})
	n.SyncFinished(conn, &engine.SyncResult{Status: db.StatusExpired, Message: "re-auth"}) // cooldown
	n.SyncFinished(conn, &engine.SyncResult{Status: db.StatusError, Errors: []string{"boom"}})
	n.SyncFinished(conn, &engine.SyncResult{Status: db.StatusConnected, Success: true})
	n.SyncFinished(conn, &engine.SyncResult{Status: db.StatusConnected, Success: true})
	n.Wait()

	got := sink.types()
	want := map[string]int{"expired": 1, "error": 1, "recovery": 1}
	counts := map[string]int{}
	for _, typ := range got {
		counts[typ]++
	}
	for typ, n := range want {
		if counts[typ] != n {
			t.Errorf("expected %d %s alerts, got %d (%v)", n, typ, counts[typ], got)
		}
	}
	if len(got) != 3 {
		t.Errorf("expected 3 alerts in total, got %v", got)
	}
}

func TestDisabledNotifierIsSilent(t *testing.T) {
	n := New(&Config{CooldownPeriod: time.Hour}, nil)
	conn := &db.CalendarConnection{ID: "conn-1"}
	n.SyncFinished(conn, &engine.SyncResult{Status: db.StatusExpired})
	n.Wait()

	if n.IsEnabled() {
		t.Error("expected notifier to be disabled")
	}
	if len(n.failing) != 0 {
		t.Error("disabled notifier tracked state")
	}
}

func TestClearState(t *testing.T) {
	n := New(&Config{EmailEnabled: false, WebhookEnabled: true, WebhookURL: "http://127.0.0.1:1", CooldownPeriod: time.Hour}, nil)
	conn := &db.CalendarConnection{ID: "conn-1"}
	if !n.raise(conn, AlertTypeExpired, "m", "d") {
		t.Fatal("expected first alert to be sent")
	}
	if n.raise(conn, AlertTypeExpired, "m", "d") {
		t.Error("expected second alert to be suppressed")
	}
	n.ClearState("conn-1")
	if !n.raise(conn, AlertTypeExpired, "m", "d") {
		t.Error("expected alert after ClearState")
	}
	n.Wait()
}

func TestRecipients(t *testing.T) {
	n := New(&Config{SMTPTo: []string{"admin@example.com", "Owner@example.com", "not-an-email"}}, nil)
	got := n.recipients("owner@example.com")
	if len(got) != 2 || got[0] != "owner@example.com" || got[1] != "admin@example.com" {
		t.Errorf("unexpected recipients %v", got)
	}
}

func TestValidateConfig(t *testing.T) {
	v := validator.New()
	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{CooldownPeriod: time.Hour}, false},
		{"https webhook", Config{WebhookEnabled: true, WebhookURL: "https://hooks.example.com/x", CooldownPeriod: time.Hour}, false},
		{"http webhook", Config{WebhookEnabled: true, WebhookURL: "http://hooks.example.com/x", CooldownPeriod: time.Hour}, true},
		{"private webhook", Config{WebhookEnabled: true, WebhookURL: "https://10.0.0.1/x", CooldownPeriod: time.Hour}, true},
		{"missing webhook", Config{WebhookEnabled: true, CooldownPeriod: time.Hour}, true},
		{"bad smtp port", Config{EmailEnabled: true, SMTPHost: "smtp", SMTPPort: 0, SMTPFrom: "a@b.de", CooldownPeriod: time.Hour}, true},
		{"bad from", Config{EmailEnabled: true, SMTPHost: "smtp", SMTPPort: 587, SMTPFrom: "nope", CooldownPeriod: time.Hour}, true},
		{"short cooldown", Config{CooldownPeriod: time.Second}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := ValidateConfig(&cfg, v)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateConfig error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSanitizeForEmail(t *testing.T) {
	got := sanitizeForEmail("subject\r\nBcc: evil@example.com")
	if got != "subject Bcc: evil@example.com" {
		t.Errorf("unexpected sanitized value %q", got)
	}
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	if len(sanitizeForEmail(string(long))) != 200 {
		t.Error("expected truncation to 200 characters")
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := New(&Config{WebhookEnabled: true, WebhookURL: server.URL, CooldownPeriod: time.Hour}, nil)
	err := n.sendWebhook(t.Context(), Alert{Type: AlertTypeError, Timestamp: time.Now()})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if errors.Unwrap(err) != nil {
		t.Errorf("status error should not wrap: %v", err)
	}
}
