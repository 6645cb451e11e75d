package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/crmcalsync/internal/activity"
	"github.com/macjediwizard/crmcalsync/internal/auth"
	"github.com/macjediwizard/crmcalsync/internal/caldav"
	"github.com/macjediwizard/crmcalsync/internal/config"
	"github.com/macjediwizard/crmcalsync/internal/credential"
	"github.com/macjediwizard/crmcalsync/internal/crypto"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
	"github.com/macjediwizard/crmcalsync/internal/oauth"
	"github.com/macjediwizard/crmcalsync/internal/provider"
	"github.com/macjediwizard/crmcalsync/internal/provider/providertest"
	"github.com/macjediwizard/crmcalsync/internal/retry"
	"github.com/macjediwizard/crmcalsync/internal/scheduler"
	"github.com/macjediwizard/crmcalsync/internal/websocket"
)

const (
	testOrigin = "https://crm.example.com"
	testSecret = "0123456789abcdef0123456789abcdef"
)

type fakeAuthenticator struct {
	exchanged []string
}

func (f *fakeAuthenticator) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (f *fakeAuthenticator) ExchangeCode(_ context.Context, code string) (*provider.Token, error) {
	f.exchanged = append(f.exchanged, code)
	return &provider.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeAuthenticator) RefreshToken(context.Context, string) (*provider.Token, error) {
	return nil, provider.ErrInvalidGrant
}

type fakeIdentity struct {
	claims *auth.OIDCClaims
	err    error
}

func (f *fakeIdentity) AuthCodeURL(state string) string {
	return "https://idp.example.com/authorize?state=" + state
}

func (f *fakeIdentity) Login(context.Context, string) (*auth.OIDCClaims, error) {
	return f.claims, f.err
}

type fakeDiscoverer struct {
	calendars []caldav.Calendar
	err       error
	creds     provider.Credentials
}

func (f *fakeDiscoverer) DiscoverCalendars(_ context.Context, creds provider.Credentials) ([]caldav.Calendar, error) {
	f.creds = creds
	return f.calendars, f.err
}

// testHandlers holds test dependencies.
type testHandlers struct {
	db            *db.DB
	handlers      *Handlers
	router        *gin.Engine
	session       *auth.SessionManager
	store         *credential.Store
	fake          *providertest.Fake
	authenticator *fakeAuthenticator
	apple         *fakeDiscoverer
	identity      *fakeIdentity
}

// setupTestHandlers wires the handlers to a temp database and an in-memory
// calendar.
func setupTestHandlers(t *testing.T) *testHandlers {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	enc, err := crypto.NewEncryptor([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	cfg := &config.Config{}
	cfg.Server.BaseURL = testOrigin
	cfg.Server.AllowedOrigins = []string{testOrigin}
	cfg.Server.Environment = config.EnvDevelopment
	cfg.Sync.MinInterval = 60
	cfg.Sync.MaxInterval = 86400
	cfg.RateLimiting.RPS = 1000
	cfg.RateLimiting.Burst = 1000

	fake := providertest.New(provider.Google)
	registry := provider.NewRegistry(fake)
	store := credential.NewStore(database, enc, registry, 5*time.Minute)
	executor := retry.NewExecutor(database, store, 3, 0)
	syncEngine := engine.New(database, registry, executor, engine.Options{WindowDays: 30})
	tracker := activity.NewTracker(nil)
	syncEngine.AddObserver(tracker)
	sched := scheduler.New(database, syncEngine, 30)
	t.Cleanup(sched.Wait)

	sm := auth.NewSessionManager(testSecret, false)
	authenticator := &fakeAuthenticator{}
	apple := &fakeDiscoverer{calendars: []caldav.Calendar{
		{Path: "/123/calendars/home/", Name: "Home"},
		{Path: "/123/calendars/work/", Name: "Work"},
	}}
	identity := &fakeIdentity{claims: &auth.OIDCClaims{Email: "owner@example.com", Name: "Owner"}}

	h := NewHandlers(Deps{
		Config:         cfg,
		DB:             database,
		Identity:       identity,
		Session:        sm,
		Credentials:    store,
		Authenticators: map[db.Provider]oauth.Authenticator{db.ProviderGoogle: authenticator},
		States:         oauth.NewStateSigner(testSecret),
		Apple:          apple,
		Scheduler:      sched,
		Activity:       tracker,
		Hub:            websocket.NewHub(slog.Default()),
	})

	router := gin.New()
	SetupRoutes(router, h, sm)

	return &testHandlers{
		db:            database,
		handlers:      h,
		router:        router,
		session:       sm,
		store:         store,
		fake:          fake,
		authenticator: authenticator,
		apple:         apple,
		identity:      identity,
	}
}

// login returns the session cookies and CSRF token of a fresh operator.
func (th *testHandlers) login(t *testing.T, email string) (*db.User, []*http.Cookie, string) {
	t.Helper()
	user, err := th.db.GetOrCreateUser(email, "Test User")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	data := &auth.SessionData{UserID: user.ID, Email: user.Email, Name: user.Name}
	w := httptest.NewRecorder()
	if err := th.session.Set(w, httptest.NewRequest(http.MethodGet, "/", nil), data); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return user, w.Result().Cookies(), data.CSRFToken
}

type client struct {
	th      *testHandlers
	cookies []*http.Cookie
	csrf    string
}

func (th *testHandlers) client(t *testing.T, email string) (*db.User, *client) {
	user, cookies, csrf := th.login(t, email)
	return user, &client{th: th, cookies: cookies, csrf: csrf}
}

func (cl *client) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("X-CSRF-Token", cl.csrf)
	for _, c := range cl.cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	cl.th.router.ServeHTTP(w, req)
	return w
}

// createConnection stores a Google connection with valid tokens.
func (th *testHandlers) createConnection(t *testing.T, userID string) *db.CalendarConnection {
	t.Helper()
	conn := &db.CalendarConnection{
		UserID:        userID,
		Provider:      db.ProviderGoogle,
		CalendarID:    "primary",
		SyncDirection: db.DirectionCRMToCalendar,
		SyncInterval:  900,
	}
	if err := th.store.Seal(conn, &provider.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := th.db.CreateConnection(conn); err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}
	return conn
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthEndpoints(t *testing.T) {
	th := setupTestHandlers(t)

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			th.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			if w.Code != http.StatusOK {
				t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	t.Run("database down", func(t *testing.T) {
		th.db.Close()
		w := httptest.NewRecorder()
		th.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", w.Code)
		}
		report := decode[HealthReport](t, w)
		if report.Checks["database"] != "unreachable" {
			t.Errorf("unexpected report %+v", report)
		}
	})
}

func TestLoginFlow(t *testing.T) {
	th := setupTestHandlers(t)

	w := httptest.NewRecorder()
	th.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/login?redirect=/connections", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", w.Code)
	}
	location := w.Header().Get("Location")
	state := strings.TrimPrefix(location, "https://idp.example.com/authorize?state=")
	if state == location || state == "" {
		t.Fatalf("unexpected login redirect %q", location)
	}

	t.Run("rejects foreign state", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=forged&code=c", nil)
		for _, c := range w.Result().Cookies() {
			req.AddCookie(c)
		}
		w2 := httptest.NewRecorder()
		th.router.ServeHTTP(w2, req)
		if w2.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w2.Code)
		}
	})

	t.Run("creates session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/callback?state="+state+"&code=c", nil)
		for _, c := range w.Result().Cookies() {
			req.AddCookie(c)
		}
		w2 := httptest.NewRecorder()
		th.router.ServeHTTP(w2, req)
		if w2.Code != http.StatusFound || w2.Header().Get("Location") != "/connections" {
			t.Fatalf("expected redirect to /connections, got %d %q", w2.Code, w2.Header().Get("Location"))
		}

		status := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
		for _, c := range w2.Result().Cookies() {
			status.AddCookie(c)
		}
		w3 := httptest.NewRecorder()
		th.router.ServeHTTP(w3, status)
		got := decode[APIAuthStatus](t, w3)
		if !got.Authenticated || got.User.Email != "owner@example.com" || got.CSRFToken == "" {
			t.Errorf("unexpected auth status %+v", got)
		}
	})
}

func TestAPIAuthStatusAnonymous(t *testing.T) {
	th := setupTestHandlers(t)
	w := httptest.NewRecorder()
	th.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/status", nil))
	if got := decode[APIAuthStatus](t, w); got.Authenticated {
		t.Error("expected anonymous status")
	}
}

func TestProtectedRoutes(t *testing.T) {
	th := setupTestHandlers(t)
	_, cl := th.client(t, "owner@example.com")

	t.Run("anonymous is rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		th.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/connections", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("missing CSRF token", func(t *testing.T) {
		noCSRF := *cl
		noCSRF.csrf = ""
		if w := noCSRF.do(http.MethodPost, "/api/sync/anything", nil); w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/connections/anything", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		req.Header.Set("X-CSRF-Token", cl.csrf)
		for _, c := range cl.cookies {
			req.AddCookie(c)
		}
		w := httptest.NewRecorder()
		th.router.ServeHTTP(w, req)
		if w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
	})

	t.Run("unknown route", func(t *testing.T) {
		if w := cl.do(http.MethodGet, "/api/nope", nil); w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("websocket needs a session", func(t *testing.T) {
		w := httptest.NewRecorder()
		th.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/activity/ws", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})
}

func TestRespondError(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)

	(&Handlers{}).respondError(c, http.StatusBadGateway, "Calendar unreachable", io.EOF)

	if w.Code != http.StatusBadGateway || !c.IsAborted() {
		t.Errorf("expected aborted 502, got %d", w.Code)
	}
	if got := decode[map[string]string](t, w); got["error"] != "Calendar unreachable" {
		t.Errorf("unexpected body %v", got)
	}
}
