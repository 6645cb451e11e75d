package validator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateURL(t *testing.T) {
	v := New()

	tests := []struct {
		name         string
		url          string
		requireHTTPS bool
		wantErr      error
	}{
		{"empty", "", false, ErrInvalidURL},
		{"missing host", "https://", false, ErrInvalidURL},
		{"bad scheme", "ftp://example.com", false, ErrInvalidURL},
		{"http allowed", "http://example.com", false, nil},
		{"http rejected", "http://example.com", true, ErrHTTPSRequired},
		{"https ok", "https://caldav.icloud.com/", true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateURL(tt.url, tt.requireHTTPS)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateWebhookURL(t *testing.T) {
	t.Run("rejects private literal", func(t *testing.T) {
		v := New()
		if err := v.ValidateWebhookURL("http://192.168.1.5/hook", false); !errors.Is(err, ErrPrivateIP) {
			t.Errorf("expected ErrPrivateIP, got %v", err)
		}
		if err := v.ValidateWebhookURL("http://localhost:9000/hook", false); !errors.Is(err, ErrPrivateIP) {
			t.Errorf("expected ErrPrivateIP for localhost, got %v", err)
		}
	})

	t.Run("allows private when configured", func(t *testing.T) {
		v := New(WithAllowPrivateIPs())
		if err := v.ValidateWebhookURL("http://127.0.0.1/hook", false); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestIsPrivateIP(t *testing.T) {
	private := []string{"127.0.0.1", "10.1.2.3", "192.168.0.1", "169.254.1.1", "0.0.0.0", "::1"}
	for _, s := range private {
		if !IsPrivateIP(net.ParseIP(s)) {
			t.Errorf("%s should be private", s)
		}
	}
	if IsPrivateIP(net.ParseIP("8.8.8.8")) {
		t.Error("8.8.8.8 should not be private")
	}
	if IsPrivateIP(nil) {
		t.Error("nil should not be private")
	}
}

func TestValidateCalDAVEndpoint(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path == "/dav/" {
			w.Header().Set("DAV", "1, 2, calendar-access")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	v := New(WithAllowPrivateIPs())
	v.client = server.Client()

	if err := v.ValidateCalDAVEndpoint(context.Background(), server.URL+"/dav/"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := v.ValidateCalDAVEndpoint(context.Background(), server.URL+"/plain/"); !errors.Is(err, ErrInvalidCalDAV) {
		t.Errorf("expected ErrInvalidCalDAV, got %v", err)
	}
}
