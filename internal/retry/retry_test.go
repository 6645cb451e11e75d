package retry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/credential"
	"github.com/macjediwizard/crmcalsync/internal/crypto"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/provider"
	"github.com/macjediwizard/crmcalsync/internal/provider/providertest"
)

type fixture struct {
	db       *db.DB
	store    *credential.Store
	fake     *providertest.Fake
	conn     *db.CalendarConnection
	executor *Executor
}

func setup(t *testing.T, expiresIn, baseDelay time.Duration) *fixture {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	enc, err := crypto.NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	fake := providertest.New(provider.Google)
	refreshes := 0
	fake.Refresh = func(ctx context.Context, rt string) (*provider.Token, error) {
		refreshes++
		return &provider.Token{
			AccessToken: "access-" + string(rune('a'+refreshes)),
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	}
	store := credential.NewStore(database, enc, provider.NewRegistry(fake), 5*time.Minute)

	user, err := database.GetOrCreateUser("owner@example.com", "Owner")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	conn := &db.CalendarConnection{UserID: user.ID, Provider: db.ProviderGoogle, CalendarID: "primary"}
	if err := store.Seal(conn, &provider.Token{
		AccessToken:  "access-initial",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(expiresIn),
	}); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := database.CreateConnection(conn); err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}

	return &fixture{
		db:       database,
		store:    store,
		fake:     fake,
		conn:     conn,
		executor: NewExecutor(database, store, 3, baseDelay),
	}
}

func (f *fixture) op() Operation {
	return Operation{Conn: f.conn, Kind: db.OpCreate, Direction: db.DirectionCRMToCalendar, AppointmentID: "appt-1"}
}

// call runs a CreateEvent against the fake through the executor.
func (f *fixture) call(t *testing.T) (string, error) {
	t.Helper()
	return Execute(context.Background(), f.executor, f.op(), func(ctx context.Context, creds provider.Credentials) (string, error) {
		return f.fake.CreateEvent(ctx, creds, "primary", &provider.NormalizedEvent{Title: "Viewing"})
	})
}

func (f *fixture) errorLogs(t *testing.T) int {
	t.Helper()
	stats, err := f.db.GetSyncStats(f.conn.ID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetSyncStats: %v", err)
	}
	return stats.Errors
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	f := setup(t, time.Hour, 0)

	id, err := f.call(t)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if id == "" {
		t.Error("expected an event id")
	}
	if n := f.fake.Count(providertest.MethodRefresh); n != 0 {
		t.Errorf("expected no refresh, got %d", n)
	}
	if n := f.errorLogs(t); n != 0 {
		t.Errorf("expected no error logs, got %d", n)
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	f := setup(t, time.Hour, 0)
	f.fake.FailNext(providertest.MethodCreate, &provider.StatusError{Code: 503}, &provider.StatusError{Code: 429})

	if _, err := f.call(t); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := f.fake.Count(providertest.MethodCreate); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if n := f.errorLogs(t); n != 0 {
		t.Errorf("expected no error logs after recovery, got %d", n)
	}
}

func TestExecuteLinearBackoff(t *testing.T) {
	f := setup(t, time.Hour, 20*time.Millisecond)
	f.fake.FailNext(providertest.MethodCreate, &provider.StatusError{Code: 500}, &provider.StatusError{Code: 500})

	start := time.Now()
	if _, err := f.call(t); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("expected at least 1x+2x base delay, took %v", elapsed)
	}
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	f := setup(t, time.Hour, 0)
	f.fake.FailNext(providertest.MethodCreate,
		&provider.StatusError{Code: 500}, &provider.StatusError{Code: 500},
		&provider.StatusError{Code: 500}, &provider.StatusError{Code: 500})

	_, err := f.call(t)
	if !errors.Is(err, provider.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if n := f.fake.Count(providertest.MethodCreate); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if n := f.errorLogs(t); n != 1 {
		t.Errorf("expected exactly 1 error log, got %d", n)
	}
	stored, _ := f.db.GetConnectionByID(f.conn.ID)
	if stored.SyncStatus == db.StatusExpired {
		t.Error("transient failures must not expire the connection")
	}
}

func TestExecuteAuthFailureRefreshesThenExpires(t *testing.T) {
	f := setup(t, time.Hour, time.Hour)
	authErr := &provider.StatusError{Code: 401}
	f.fake.FailNext(providertest.MethodCreate, authErr, authErr, authErr)

	_, err := f.call(t)
	if !errors.Is(err, credential.ErrConnectionExpired) {
		t.Fatalf("expected ErrConnectionExpired, got %v", err)
	}
	if n := f.fake.Count(providertest.MethodCreate); n != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", n)
	}
	if n := f.fake.Count(providertest.MethodRefresh); n != 2 {
		t.Errorf("expected 2 forced refreshes, got %d", n)
	}
	tokens := f.fake.Tokens()
	if len(tokens) != 3 || tokens[0] != "access-initial" || tokens[1] == tokens[0] || tokens[2] == tokens[1] {
		t.Errorf("expected a new token per attempt, got %v", tokens)
	}
	if n := f.errorLogs(t); n != 1 {
		t.Errorf("expected exactly 1 error log, got %d", n)
	}
	stored, _ := f.db.GetConnectionByID(f.conn.ID)
	if stored.SyncStatus != db.StatusExpired {
		t.Errorf("expected expired connection, got %q", stored.SyncStatus)
	}
}

func TestExecuteAuthRecoversAfterRefresh(t *testing.T) {
	f := setup(t, time.Hour, time.Hour)
	f.fake.FailNext(providertest.MethodCreate, errors.New("invalid token"))

	if _, err := f.call(t); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := f.fake.Count(providertest.MethodCreate); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
	if n := f.fake.Count(providertest.MethodRefresh); n != 1 {
		t.Errorf("expected only the forced refresh, got %d", n)
	}
}

func TestExecuteProactiveRefresh(t *testing.T) {
	f := setup(t, 3*time.Minute, 0)

	if _, err := f.call(t); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := f.fake.Count(providertest.MethodRefresh); n != 1 {
		t.Errorf("expected 1 refresh before the call, got %d", n)
	}
	if tokens := f.fake.Tokens(); len(tokens) != 1 || tokens[0] == "access-initial" {
		t.Errorf("call should use the refreshed token, got %v", tokens)
	}
}

func TestExecuteRefreshesBeforeLaterAttempts(t *testing.T) {
	f := setup(t, time.Hour, 0)

	calls := 0
	_, err := Execute(context.Background(), f.executor, f.op(), func(ctx context.Context, creds provider.Credentials) (string, error) {
		calls++
		if calls == 1 {
			// the token enters the refresh buffer while the first attempt runs
			soon := time.Now().Add(time.Minute)
			f.conn.TokenExpiresAt = &soon
			return "", &provider.StatusError{Code: 503}
		}
		return f.fake.CreateEvent(ctx, creds, "primary", &provider.NormalizedEvent{Title: "Viewing"})
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
	if n := f.fake.Count(providertest.MethodRefresh); n != 1 {
		t.Errorf("expected 1 refresh before the second attempt, got %d", n)
	}
	if tokens := f.fake.Tokens(); len(tokens) != 1 || tokens[0] == "access-initial" {
		t.Errorf("second attempt should use the refreshed token, got %v", tokens)
	}
}

func TestExecuteInvalidGrantExpiresImmediately(t *testing.T) {
	f := setup(t, time.Hour, 0)
	f.fake.Refresh = func(ctx context.Context, rt string) (*provider.Token, error) {
		return nil, provider.ErrInvalidGrant
	}
	f.fake.FailNext(providertest.MethodCreate, &provider.StatusError{Code: 401})

	_, err := f.call(t)
	if !errors.Is(err, credential.ErrConnectionExpired) {
		t.Fatalf("expected ErrConnectionExpired, got %v", err)
	}
	if n := f.fake.Count(providertest.MethodCreate); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
	if n := f.errorLogs(t); n != 1 {
		t.Errorf("expected exactly 1 error log, got %d", n)
	}
}

func TestExecutePermanentErrorsAreNotRetried(t *testing.T) {
	for _, perm := range []error{provider.ErrUnsupportedProvider, &provider.StatusError{Code: 404}, context.Canceled} {
		f := setup(t, time.Hour, 0)
		f.fake.FailNext(providertest.MethodCreate, perm)

		_, err := f.call(t)
		if !errors.Is(err, perm) && !errors.Is(err, provider.ErrNotFound) {
			t.Errorf("expected %v, got %v", perm, err)
		}
		if n := f.fake.Count(providertest.MethodCreate); n != 1 {
			t.Errorf("%v: expected 1 attempt, got %d", perm, n)
		}
		if n := f.errorLogs(t); n != 1 {
			t.Errorf("%v: expected 1 error log, got %d", perm, n)
		}
	}
}

func TestExecuteRejectsExpiredConnection(t *testing.T) {
	f := setup(t, time.Hour, 0)
	f.conn.SyncStatus = db.StatusExpired

	_, err := f.call(t)
	if !errors.Is(err, credential.ErrConnectionExpired) {
		t.Fatalf("expected ErrConnectionExpired, got %v", err)
	}
	if n := f.fake.Count(providertest.MethodCreate); n != 0 {
		t.Errorf("expected no provider calls, got %d", n)
	}
}
