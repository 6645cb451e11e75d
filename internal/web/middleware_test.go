package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSecurityHeaders(t *testing.T) {
	t.Run("sets security headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		SecurityHeaders()(c)

		headers := w.Header()
		if headers.Get("X-Content-Type-Options") != "nosniff" {
			t.Error("expected X-Content-Type-Options header")
		}
		if headers.Get("X-Frame-Options") != "DENY" {
			t.Error("expected X-Frame-Options header")
		}
		if headers.Get("Referrer-Policy") != "strict-origin-when-cross-origin" {
			t.Error("expected Referrer-Policy header")
		}
		if headers.Get("Content-Security-Policy") == "" {
			t.Error("expected Content-Security-Policy header")
		}
		if headers.Get("Strict-Transport-Security") != "" {
			t.Error("should not set HSTS header for HTTP requests")
		}
	})

	t.Run("sets HSTS header for HTTPS", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request.Header.Set("X-Forwarded-Proto", "https")

		SecurityHeaders()(c)

		if w.Header().Get("Strict-Transport-Security") == "" {
			t.Error("expected HSTS header for HTTPS requests")
		}
	})
}

func TestRateLimiter(t *testing.T) {
	limiter := RateLimiter(1, 1) // 1 req/s, burst 1

	w1 := httptest.NewRecorder()
	c1, _ := gin.CreateTestContext(w1)
	c1.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	limiter(c1)
	if c1.IsAborted() {
		t.Error("first request should not be aborted")
	}

	w2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(w2)
	c2.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	limiter(c2)
	if !c2.IsAborted() || w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request should be rate limited, got %d", w2.Code)
	}
}

func TestRequireJSONContentType(t *testing.T) {
	testCases := []struct {
		name        string
		method      string
		contentType string
		aborted     bool
	}{
		{"GET without content type", http.MethodGet, "", false},
		{"POST without body", http.MethodPost, "", false},
		{"POST json", http.MethodPost, "application/json", false},
		{"PUT json with charset", http.MethodPut, "application/json; charset=utf-8", false},
		{"POST form", http.MethodPost, "application/x-www-form-urlencoded", true},
		{"PATCH text", http.MethodPatch, "text/plain", true},
		{"DELETE form", http.MethodDelete, "text/plain", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(tc.method, "/", nil)
			if tc.contentType != "" {
				c.Request.Header.Set("Content-Type", tc.contentType)
			}

			RequireJSONContentType()(c)

			if c.IsAborted() != tc.aborted {
				t.Errorf("aborted = %v, want %v", c.IsAborted(), tc.aborted)
			}
			if tc.aborted && w.Code != http.StatusUnsupportedMediaType {
				t.Errorf("expected 415, got %d", w.Code)
			}
		})
	}
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"https://crm.example.com"}

	testCases := []struct {
		name    string
		method  string
		origin  string
		referer string
		aborted bool
	}{
		{"GET is not checked", http.MethodGet, "", "", false},
		{"allowed origin", http.MethodPost, "https://crm.example.com", "", false},
		{"allowed referer", http.MethodDelete, "", "https://crm.example.com/connections", false},
		{"foreign origin", http.MethodPost, "https://evil.example.com", "", true},
		{"foreign referer", http.MethodPut, "", "https://evil.example.com/x", true},
		{"missing origin", http.MethodPost, "", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(tc.method, "/api/x", nil)
			if tc.origin != "" {
				c.Request.Header.Set("Origin", tc.origin)
			}
			if tc.referer != "" {
				c.Request.Header.Set("Referer", tc.referer)
			}

			ValidateOrigin(allowed)(c)

			if c.IsAborted() != tc.aborted {
				t.Errorf("aborted = %v, want %v", c.IsAborted(), tc.aborted)
			}
			if tc.aborted && w.Code != http.StatusForbidden {
				t.Errorf("expected 403, got %d", w.Code)
			}
		})
	}
}

func TestOriginFromReferer(t *testing.T) {
	testCases := map[string]string{
		"https://crm.example.com/a/b": "https://crm.example.com",
		"https://crm.example.com":     "https://crm.example.com",
		"not a url":                   "",
		"":                            "",
	}
	for in, want := range testCases {
		if got := originFromReferer(in); got != want {
			t.Errorf("originFromReferer(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsSafeRedirectURL(t *testing.T) {
	testCases := []struct {
		url  string
		safe bool
	}{
		{"/", true},
		{"/connections?x=1", true},
		{"", false},
		{"https://evil.com", false},
		{"//evil.com", false},
		{"/%2F%2Fevil.com", false},
		{"/\\evil.com", false},
	}

	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			if got := IsSafeRedirectURL(tc.url); got != tc.safe {
				t.Errorf("IsSafeRedirectURL(%q) = %v, want %v", tc.url, got, tc.safe)
			}
		})
	}
}
