package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL        = errors.New("invalid URL format")
	ErrHTTPSRequired     = errors.New("HTTPS is required")
	ErrPrivateIP         = errors.New("private IP addresses are not allowed")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrInvalidOIDCIssuer = errors.New("invalid OIDC issuer")
	ErrInvalidCalDAV     = errors.New("invalid CalDAV endpoint")
)

const (
	maxRedirects   = 3
	defaultTimeout = 10 * time.Second
)

// Validator checks configured endpoints (OIDC issuer, CalDAV base URL, alert
// webhooks) before the service starts using them.
type Validator struct {
	client          *http.Client
	allowPrivateIPs bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs permits loopback and private ranges. Tests and
// self-hosted CalDAV servers on a LAN need this.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowPrivateIPs = true
	}
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}

	dialer := &net.Dialer{Timeout: defaultTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: defaultTimeout,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if err := v.checkAddr(addr); err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}

	v.client = &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
	return v
}

func (v *Validator) checkAddr(addr string) error {
	if v.allowPrivateIPs {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("DNS resolution failed: %w", err)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return ErrPrivateIP
		}
	}
	return nil
}

// IsPrivateIP reports whether ip is loopback, private, link-local or unspecified.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// ValidateURL checks that rawURL is an absolute http(s) URL.
// If requireHTTPS is true, only HTTPS URLs are accepted.
func (v *Validator) ValidateURL(rawURL string, requireHTTPS bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if requireHTTPS && parsed.Scheme != "https" {
		return ErrHTTPSRequired
	}
	return nil
}

// ValidateWebhookURL rejects webhook targets that resolve to literal private
// addresses unless private IPs are allowed.
func (v *Validator) ValidateWebhookURL(rawURL string, requireHTTPS bool) error {
	if err := v.ValidateURL(rawURL, requireHTTPS); err != nil {
		return err
	}
	if v.allowPrivateIPs {
		return nil
	}
	parsed, _ := url.Parse(rawURL)
	if ip := net.ParseIP(parsed.Hostname()); ip != nil && IsPrivateIP(ip) {
		return ErrPrivateIP
	}
	if strings.EqualFold(parsed.Hostname(), "localhost") {
		return ErrPrivateIP
	}
	return nil
}

// ValidateOIDCIssuer fetches the issuer's discovery document.
func (v *Validator) ValidateOIDCIssuer(ctx context.Context, issuerURL string) error {
	if err := v.ValidateURL(issuerURL, true); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOIDCIssuer, err)
	}

	discoveryURL := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"
	status, _, err := v.check(ctx, http.MethodGet, discoveryURL)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: discovery endpoint returned status %d", ErrInvalidOIDCIssuer, status)
	}
	return nil
}

// ValidateCalDAVEndpoint sends OPTIONS and expects a DAV header back.
func (v *Validator) ValidateCalDAVEndpoint(ctx context.Context, endpointURL string) error {
	if err := v.ValidateURL(endpointURL, true); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCalDAV, err)
	}

	status, header, err := v.check(ctx, http.MethodOptions, endpointURL)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("%w: OPTIONS returned status %d", ErrInvalidCalDAV, status)
	}
	if header.Get("DAV") == "" {
		return fmt.Errorf("%w: missing DAV header", ErrInvalidCalDAV)
	}
	return nil
}

func (v *Validator) check(ctx context.Context, method, rawURL string) (int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to create request: %w", ErrConnectionFailed, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, resp.Header, nil
}
