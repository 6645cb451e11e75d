// Package retry runs provider calls with credential refresh and bounded
// retries, recording one sync log entry for every call that finally fails.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/macjediwizard/crmcalsync/internal/credential"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/provider"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// ErrAuthExhausted wraps the last auth error when every attempt was rejected.
var ErrAuthExhausted = errors.New("authentication failed on every attempt")

// Executor wraps provider calls for one process. It is safe for concurrent use.
type Executor struct {
	db          *db.DB
	creds       *credential.Store
	maxAttempts int
	baseDelay   time.Duration
}

// NewExecutor creates an executor. Non-positive values fall back to the
// defaults; a zero baseDelay is kept so tests run without sleeping.
func NewExecutor(database *db.DB, creds *credential.Store, maxAttempts int, baseDelay time.Duration) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay < 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Executor{
		db:          database,
		creds:       creds,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Operation describes the call being retried, for logging.
type Operation struct {
	Conn          *db.CalendarConnection
	Kind          db.LogOperation
	Direction     db.SyncDirection
	AppointmentID string
}

// Func is a provider call made with freshly loaded credentials.
type Func[T any] func(ctx context.Context, creds provider.Credentials) (T, error)

// Execute calls fn up to the configured number of attempts. Tokens close to
// expiry are refreshed before each attempt. An auth failure forces a refresh and retries
// at once; other retryable failures wait attempt*baseDelay. Permanent
// errors are returned without retrying. When the connection cannot be
// re-authorized it is marked expired and the error wraps
// credential.ErrConnectionExpired.
func Execute[T any](ctx context.Context, e *Executor, op Operation, fn Func[T]) (T, error) {
	var zero T
	conn := op.Conn

	if conn.SyncStatus == db.StatusExpired {
		e.recordFailure(op, credential.ErrConnectionExpired, 0)
		return zero, credential.ErrConnectionExpired
	}

	var (
		creds     provider.Credentials
		result    T
		attempt   int
		skipDelay bool
		refreshed bool
	)
	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= e.maxAttempts {
			return 0, true
		}
		if skipDelay {
			return 0, false
		}
		return time.Duration(attempt) * e.baseDelay, false
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		if !refreshed {
			var err error
			if creds, err = e.prepare(ctx, conn); err != nil {
				return err
			}
		}
		attempt++
		skipDelay = false
		refreshed = false

		r, err := fn(ctx, creds)
		if err == nil {
			result = r
			return nil
		}
		if provider.IsPermanent(err) {
			return err
		}

		slog.Warn("provider call failed",
			"connection_id", conn.ID,
			"operation", op.Kind,
			"attempt", attempt,
			"max_attempts", e.maxAttempts,
			"error", err,
		)

		if provider.IsAuthError(err) && attempt < e.maxAttempts {
			fresh, rerr := e.creds.Refresh(ctx, conn)
			if errors.Is(rerr, credential.ErrConnectionExpired) {
				return rerr
			}
			if rerr == nil {
				creds = fresh
				skipDelay = true
				refreshed = true
			}
		}
		return goretry.RetryableError(err)
	})
	if err == nil {
		return result, nil
	}

	if provider.IsAuthError(err) && !errors.Is(err, credential.ErrConnectionExpired) && attempt >= e.maxAttempts {
		reason := fmt.Errorf("%w: %w", ErrAuthExhausted, err)
		if markErr := e.creds.MarkExpired(conn, reason.Error()); markErr != nil {
			slog.Error("failed to mark connection expired", "connection_id", conn.ID, "error", markErr)
		}
		err = fmt.Errorf("%w: %w", credential.ErrConnectionExpired, reason)
	}

	e.recordFailure(op, err, attempt)
	return zero, err
}

// prepare loads credentials, refreshing them when they are about to expire.
// A refresh that fails for a transient reason falls back to the current
// token; the call itself will tell whether it still works.
func (e *Executor) prepare(ctx context.Context, conn *db.CalendarConnection) (provider.Credentials, error) {
	if !e.creds.NeedsRefresh(conn) {
		return e.creds.Credentials(conn)
	}
	creds, err := e.creds.Refresh(ctx, conn)
	if err == nil {
		return creds, nil
	}
	if errors.Is(err, credential.ErrConnectionExpired) {
		return provider.Credentials{}, err
	}
	slog.Warn("proactive token refresh failed, using current token", "connection_id", conn.ID, "error", err)
	return e.creds.Credentials(conn)
}

func (e *Executor) recordFailure(op Operation, err error, attempts int) {
	slog.Error("provider call failed permanently",
		"connection_id", op.Conn.ID,
		"operation", op.Kind,
		"appointment_id", op.AppointmentID,
		"attempts", attempts,
		"error", err,
	)
	entry := &db.SyncLog{
		ConnectionID:  op.Conn.ID,
		AppointmentID: op.AppointmentID,
		Operation:     op.Kind,
		Direction:     op.Direction,
		Status:        db.LogError,
		Message:       err.Error(),
	}
	if logErr := e.db.CreateSyncLog(entry); logErr != nil {
		slog.Error("failed to write sync log", "connection_id", op.Conn.ID, "error", logErr)
	}
}
