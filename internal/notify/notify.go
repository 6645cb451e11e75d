package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
	"github.com/macjediwizard/crmcalsync/internal/validator"
)

var (
	// emailRegex is a simple email validation regex
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

const sendTimeout = 30 * time.Second

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeExpired  AlertType = "expired"
	AlertTypeError    AlertType = "error"
	AlertTypeRecovery AlertType = "recovery"
)

// Alert represents a notification alert.
type Alert struct {
	Type         AlertType
	ConnectionID string
	Provider     db.Provider
	UserEmail    string // owner of the connection
	Message      string
	Details      string
	Timestamp    time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookEnabled bool
	WebhookURL     string

	EmailEnabled bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool

	// How long to wait before re-alerting for the same connection and type.
	CooldownPeriod time.Duration
}

// Users resolves connection owners to their email address.
type Users interface {
	GetUserByID(id string) (*db.User, error)
}

// Notifier sends alerts when a connection needs attention and when it
// recovers. It implements engine.Observer.
type Notifier struct {
	cfg        *Config
	users      Users
	httpClient *http.Client

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	failing        map[string]AlertType // connections with an open alert
	wg             sync.WaitGroup
}

// New creates a new Notifier. users may be nil.
func New(cfg *Config, users Users) *Notifier {
	return &Notifier{
		cfg:   cfg,
		users: users,
		httpClient: &http.Client{
			Timeout: sendTimeout,
		},
		lastAlertTimes: make(map[string]time.Time),
		failing:        make(map[string]AlertType),
	}
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config, v *validator.Validator) error {
	if cfg.WebhookEnabled {
		if cfg.WebhookURL == "" {
			return fmt.Errorf("webhook URL is required when webhook is enabled")
		}
		if err := v.ValidateWebhookURL(cfg.WebhookURL, true); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}

	if cfg.EmailEnabled {
		if cfg.SMTPHost == "" {
			return fmt.Errorf("SMTP host is required when email is enabled")
		}
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("SMTP port must be between 1 and 65535")
		}
		if !isValidEmail(cfg.SMTPFrom) {
			return fmt.Errorf("invalid SMTP from address")
		}
		for _, to := range cfg.SMTPTo {
			if !isValidEmail(to) {
				return fmt.Errorf("invalid SMTP recipient address: %s", to)
			}
		}
	}

	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}
	return nil
}

// isValidEmail validates an email address format.
func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail removes characters that could be used for email header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsEnabled returns true if any notification method is enabled.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookEnabled || n.cfg.EmailEnabled
}

func (n *Notifier) SyncStarted(*db.CalendarConnection) {}

func (n *Notifier) ItemProcessed(*db.CalendarConnection, engine.Action, *engine.SyncResult) {}

// SyncFinished raises an alert when a run left the connection expired or
// failing, and a recovery alert on the first clean run afterwards.
func (n *Notifier) SyncFinished(conn *db.CalendarConnection, result *engine.SyncResult) {
	if !n.IsEnabled() {
		return
	}
	switch result.Status {
	case db.StatusExpired:
		n.raise(conn, AlertTypeExpired,
			fmt.Sprintf("%s calendar connection needs re-authentication", conn.Provider), result.Message)
	case db.StatusError:
		n.raise(conn, AlertTypeError,
			fmt.Sprintf("%s calendar sync failed", conn.Provider), strings.Join(result.Errors, "; "))
	case db.StatusConnected:
		n.recover(conn)
	}
}

// raise sends an alert unless the same alert went out within the cooldown.
func (n *Notifier) raise(conn *db.CalendarConnection, alertType AlertType, message, details string) bool {
	key := conn.ID + ":" + string(alertType)

	n.mu.Lock()
	if last, ok := n.lastAlertTimes[key]; ok && time.Since(last) < n.cfg.CooldownPeriod {
		n.mu.Unlock()
		return false
	}
	n.lastAlertTimes[key] = time.Now()
	n.failing[conn.ID] = alertType
	n.mu.Unlock()

	n.dispatch(Alert{
		Type:         alertType,
		ConnectionID: conn.ID,
		Provider:     conn.Provider,
		UserEmail:    n.ownerEmail(conn.UserID),
		Message:      message,
		Details:      details,
		Timestamp:    time.Now(),
	})
	return true
}

func (n *Notifier) recover(conn *db.CalendarConnection) bool {
	n.mu.Lock()
	_, wasFailing := n.failing[conn.ID]
	if wasFailing {
		delete(n.failing, conn.ID)
		delete(n.lastAlertTimes, conn.ID+":"+string(AlertTypeExpired))
		delete(n.lastAlertTimes, conn.ID+":"+string(AlertTypeError))
	}
	n.mu.Unlock()

	if !wasFailing {
		return false
	}
	n.dispatch(Alert{
		Type:         AlertTypeRecovery,
		ConnectionID: conn.ID,
		Provider:     conn.Provider,
		UserEmail:    n.ownerEmail(conn.UserID),
		Message:      fmt.Sprintf("%s calendar connection has recovered", conn.Provider),
		Details:      "Connection is syncing normally again",
		Timestamp:    time.Now(),
	})
	return true
}

// ClearState forgets alert state for a connection (used on disconnect).
func (n *Notifier) ClearState(connectionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.failing, connectionID)
	for key := range n.lastAlertTimes {
		if strings.HasPrefix(key, connectionID+":") {
			delete(n.lastAlertTimes, key)
		}
	}
}

// Wait blocks until alerts in flight have been sent.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) ownerEmail(userID string) string {
	if n.users == nil {
		return ""
	}
	user, err := n.users.GetUserByID(userID)
	if err != nil {
		return ""
	}
	return user.Email
}

// dispatch sends in the background so the sync run is never blocked.
func (n *Notifier) dispatch(alert Alert) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		n.send(ctx, alert)
	}()
}

// send sends the alert via all configured channels.
func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.cfg.WebhookEnabled && n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, alert); err != nil {
			slog.Error("webhook alert failed", "connection_id", alert.ConnectionID, "error", err)
		}
	}

	if n.cfg.EmailEnabled {
		recipients := n.recipients(alert.UserEmail)
		if len(recipients) > 0 {
			if err := n.sendEmail(alert, recipients); err != nil {
				slog.Error("email alert failed", "connection_id", alert.ConnectionID, "error", err)
			}
		}
	}
}

// recipients returns the owner plus the configured admins, deduplicated.
func (n *Notifier) recipients(owner string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(email string) {
		email = strings.ToLower(email)
		if _, ok := seen[email]; ok || !isValidEmail(email) {
			return
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	add(owner)
	for _, email := range n.cfg.SMTPTo {
		add(email)
	}
	return out
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType    string `json:"alert_type"`
	ConnectionID string `json:"connection_id"`
	Provider     string `json:"provider"`
	Message      string `json:"message"`
	Details      string `json:"details"`
	Timestamp    string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ""
	switch alert.Type {
	case AlertTypeExpired:
		emoji = ":warning:"
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeError:
		emoji = ":x:"
	}

	payload := WebhookPayload{
		AlertType:    string(alert.Type),
		ConnectionID: alert.ConnectionID,
		Provider:     string(alert.Provider),
		Message:      alert.Message,
		Details:      alert.Details,
		Timestamp:    alert.Timestamp.Format(time.RFC3339),
		Text:         fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	slog.Info("webhook alert sent", "connection_id", alert.ConnectionID, "type", alert.Type)
	return nil
}

func (n *Notifier) sendEmail(alert Alert, recipients []string) error {
	message := sanitizeForEmail(alert.Message)
	details := sanitizeForEmail(alert.Details)
	subject := fmt.Sprintf("[crmcalsync] %s", message)

	var body strings.Builder
	fmt.Fprintf(&body, "Alert Type: %s\n", alert.Type)
	fmt.Fprintf(&body, "Provider: %s\n", alert.Provider)
	fmt.Fprintf(&body, "Connection ID: %s\n", alert.ConnectionID)
	fmt.Fprintf(&body, "Time: %s\n\n", alert.Timestamp.Format(time.RFC1123))
	fmt.Fprintf(&body, "Message: %s\n", message)
	fmt.Fprintf(&body, "Details: %s\n", details)

	to := strings.Join(recipients, ", ")
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, to, subject, body.String())

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	slog.Info("email alert sent", "connection_id", alert.ConnectionID, "recipients", len(recipients))
	return nil
}

// sendEmailTLS sends email over implicit TLS (port 465).
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return client.Quit()
}
