// Package engine runs one synchronization pass for a calendar connection:
// pushing CRM appointments out, reading calendar events back and reconciling
// the differences.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/conflict"
	"github.com/macjediwizard/crmcalsync/internal/credential"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/provider"
	"github.com/macjediwizard/crmcalsync/internal/retry"
)

const DefaultWindowDays = 90

// ErrConnectionInactive is returned for disconnected connections.
var ErrConnectionInactive = errors.New("connection is not active")

// Action is what a sync pass does with one appointment.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSkip   Action = "skip"
)

// DetermineSyncAction decides how an appointment reaches the provider. It
// depends only on the appointment, so calling it twice gives the same answer.
func DetermineSyncAction(appt *db.Appointment, p db.Provider) Action {
	if !p.IsValid() {
		return ActionSkip
	}
	hasEvent := appt.ExternalID(p) != ""
	switch {
	case !hasEvent && !appt.Status.IsInactive():
		return ActionCreate
	case hasEvent && appt.Status.IsInactive():
		return ActionDelete
	case hasEvent:
		return ActionUpdate
	}
	return ActionSkip
}

// SyncOptions tune a single run.
type SyncOptions struct {
	WindowDays int  `json:"window_days"`
	ForceSync  bool `json:"force_sync"`
}

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	ConnectionID     string              `json:"connection_id"`
	Success          bool                `json:"success"`
	Status           db.ConnectionStatus `json:"status"`
	Message          string              `json:"message"`
	Created          int                 `json:"created"`
	Updated          int                 `json:"updated"`
	Deleted          int                 `json:"deleted"`
	Skipped          int                 `json:"skipped"`
	Resolved         int                 `json:"resolved"`
	PendingConflicts int                 `json:"pending_conflicts"`
	Errors           []string            `json:"errors,omitempty"`
	Duration         time.Duration       `json:"duration"`

	expired bool
}

func (r *SyncResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Observer is told about sync progress. Implementations must not block.
type Observer interface {
	SyncStarted(conn *db.CalendarConnection)
	ItemProcessed(conn *db.CalendarConnection, action Action, result *SyncResult)
	SyncFinished(conn *db.CalendarConnection, result *SyncResult)
}

// Options configure an engine.
type Options struct {
	WindowDays int
	TimeZone   string
	// Keywords mark calendar events that look like CRM appointments created
	// by hand on the calendar.
	Keywords []string
}

// SyncEngine orchestrates calendar synchronization.
type SyncEngine struct {
	db       *db.DB
	registry *provider.Registry
	executor *retry.Executor
	detector *conflict.Detector
	resolver *conflict.Resolver

	windowDays int
	timeZone   string
	keywords   []string
	observers  []Observer
	now        func() time.Time
}

// New creates a sync engine.
func New(database *db.DB, registry *provider.Registry, executor *retry.Executor, opts Options) *SyncEngine {
	if opts.WindowDays <= 0 {
		opts.WindowDays = DefaultWindowDays
	}
	keywords := make([]string, 0, len(opts.Keywords))
	for _, kw := range opts.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return &SyncEngine{
		db:         database,
		registry:   registry,
		executor:   executor,
		detector:   conflict.NewDetector(),
		resolver:   conflict.NewResolver(),
		windowDays: opts.WindowDays,
		timeZone:   opts.TimeZone,
		keywords:   keywords,
		now:        time.Now,
	}
}

// AddObserver registers an observer. It is not safe to call during a sync.
func (se *SyncEngine) AddObserver(o Observer) {
	se.observers = append(se.observers, o)
}

// run carries the state of one SyncConnection call.
type run struct {
	conn     *db.CalendarConnection
	adapter  provider.Adapter
	provider db.Provider
	from, to time.Time
	result   *SyncResult
	// external ids already reported as deleted in this run
	deleted map[string]bool
}

// SyncConnection performs synchronization for a single connection. Expired
// and inactive connections are rejected without any provider call. A
// connection that fails its connectivity check aborts the run; the returned
// error then explains why. Failures of single appointments are collected in
// the result and never stop the batch.
func (se *SyncEngine) SyncConnection(ctx context.Context, conn *db.CalendarConnection, opts SyncOptions) (*SyncResult, error) {
	start := se.now()
	result := &SyncResult{ConnectionID: conn.ID, Status: conn.SyncStatus}

	if !conn.IsActive {
		result.Message = ErrConnectionInactive.Error()
		return result, ErrConnectionInactive
	}
	if conn.SyncStatus == db.StatusExpired {
		result.Message = credential.ErrConnectionExpired.Error()
		return result, credential.ErrConnectionExpired
	}

	if err := se.db.UpdateConnectionStatus(conn.ID, db.StatusSyncing, conn.LastError); err != nil {
		slog.Error("failed to update sync status", "connection_id", conn.ID, "error", err)
	}
	conn.SyncStatus = db.StatusSyncing
	for _, o := range se.observers {
		o.SyncStarted(conn)
	}

	adapter, err := se.registry.Get(string(conn.Provider))
	if err != nil {
		se.logEntry(conn, "", db.OpSync, conn.SyncDirection, db.LogError, err.Error())
		return se.abort(conn, result, start, db.StatusError, err)
	}

	_, err = retry.Execute(ctx, se.executor, retry.Operation{
		Conn:      conn,
		Kind:      db.OpSync,
		Direction: conn.SyncDirection,
	}, func(ctx context.Context, creds provider.Credentials) (struct{}, error) {
		return struct{}{}, adapter.TestConnection(ctx, creds, conn.CalendarID)
	})
	if err != nil {
		status := db.StatusError
		if errors.Is(err, credential.ErrConnectionExpired) {
			status = db.StatusExpired
		}
		return se.abort(conn, result, start, status, fmt.Errorf("connection test failed: %w", err))
	}

	windowDays := opts.WindowDays
	if windowDays <= 0 {
		windowDays = se.windowDays
	}
	window := time.Duration(windowDays) * 24 * time.Hour
	r := &run{
		conn:     conn,
		adapter:  adapter,
		provider: conn.Provider,
		from:     start.Add(-window),
		to:       start.Add(window),
		result:   result,
		deleted:  make(map[string]bool),
	}

	if conn.SyncDirection.PushesToCalendar() {
		se.pushAppointments(ctx, r, opts.ForceSync)
	}
	if conn.SyncDirection.PullsFromCalendar() && !result.expired && ctx.Err() == nil {
		se.pullEvents(ctx, r)
	}

	return se.finish(conn, result, start), nil
}

// pushAppointments sends every candidate appointment to the calendar.
func (se *SyncEngine) pushAppointments(ctx context.Context, r *run, force bool) {
	appts, err := se.db.ListSyncCandidates(r.conn.UserID, r.provider, r.from, r.to, force)
	if err != nil {
		r.result.addError("failed to list appointments: %v", err)
		se.logEntry(r.conn, "", db.OpSync, db.DirectionCRMToCalendar, db.LogError, err.Error())
		return
	}

	for _, appt := range appts {
		if ctx.Err() != nil {
			r.result.addError("sync cancelled: %v", ctx.Err())
			return
		}

		action := DetermineSyncAction(appt, r.provider)
		var err error
		switch action {
		case ActionCreate:
			err = se.createEvent(ctx, r, appt)
		case ActionUpdate:
			err = se.updateEvent(ctx, r, appt)
		case ActionDelete:
			err = se.deleteEvent(ctx, r, appt)
		default:
			r.result.Skipped++
		}
		if err != nil {
			r.result.addError("%s %s: %v", action, appt.ID, err)
			if markErr := se.db.MarkAppointmentSyncError(appt.ID, err.Error()); markErr != nil {
				slog.Error("failed to record appointment sync error", "appointment_id", appt.ID, "error", markErr)
			}
			if errors.Is(err, credential.ErrConnectionExpired) {
				r.result.expired = true
			}
		}
		for _, o := range se.observers {
			o.ItemProcessed(r.conn, action, r.result)
		}
		if r.result.expired {
			return
		}
	}
}

func (se *SyncEngine) createEvent(ctx context.Context, r *run, appt *db.Appointment) error {
	ev := se.toEvent(appt)
	externalID, err := retry.Execute(ctx, se.executor, se.op(r, db.OpCreate, appt.ID),
		func(ctx context.Context, creds provider.Credentials) (string, error) {
			return r.adapter.CreateEvent(ctx, creds, r.conn.CalendarID, ev)
		})
	if err != nil {
		return err
	}

	now := se.now()
	if err := se.db.MarkAppointmentSynced(appt.ID, r.provider, externalID, now); err != nil {
		return se.bookkeepingFailed(r, appt.ID, db.OpCreate, err)
	}
	appt.SetExternalID(r.provider, externalID)
	if err := se.upsertMirror(r, appt, externalID, nil); err != nil {
		return se.bookkeepingFailed(r, appt.ID, db.OpCreate, err)
	}

	r.result.Created++
	se.logEntry(r.conn, appt.ID, db.OpCreate, db.DirectionCRMToCalendar, db.LogSuccess,
		fmt.Sprintf("created event %s", externalID))
	return nil
}

func (se *SyncEngine) updateEvent(ctx context.Context, r *run, appt *db.Appointment) error {
	externalID := appt.ExternalID(r.provider)
	found, err := se.pushUpdate(ctx, r, appt, db.OpUpdate)
	if err != nil {
		return err
	}
	if !found {
		se.reportDeletion(r, appt, externalID, "calendar")
		return nil
	}

	if err := se.db.MarkAppointmentSynced(appt.ID, r.provider, externalID, se.now()); err != nil {
		return se.bookkeepingFailed(r, appt.ID, db.OpUpdate, err)
	}
	if err := se.upsertMirror(r, appt, externalID, nil); err != nil {
		return se.bookkeepingFailed(r, appt.ID, db.OpUpdate, err)
	}

	r.result.Updated++
	se.logEntry(r.conn, appt.ID, db.OpUpdate, db.DirectionCRMToCalendar, db.LogSuccess,
		fmt.Sprintf("updated event %s", externalID))
	return nil
}

// pushUpdate writes the appointment over its calendar event. found is false
// when the event no longer exists; that is a conflict, not a failure, and
// the event is never recreated.
func (se *SyncEngine) pushUpdate(ctx context.Context, r *run, appt *db.Appointment, kind db.LogOperation) (bool, error) {
	externalID := appt.ExternalID(r.provider)
	ev := se.toEvent(appt)
	return retry.Execute(ctx, se.executor, se.op(r, kind, appt.ID),
		func(ctx context.Context, creds provider.Credentials) (bool, error) {
			err := r.adapter.UpdateEvent(ctx, creds, r.conn.CalendarID, externalID, ev)
			if errors.Is(err, provider.ErrNotFound) {
				return false, nil
			}
			return err == nil, err
		})
}

func (se *SyncEngine) deleteEvent(ctx context.Context, r *run, appt *db.Appointment) error {
	externalID := appt.ExternalID(r.provider)
	_, err := retry.Execute(ctx, se.executor, se.op(r, db.OpDelete, appt.ID),
		func(ctx context.Context, creds provider.Credentials) (struct{}, error) {
			err := r.adapter.DeleteEvent(ctx, creds, r.conn.CalendarID, externalID)
			if errors.Is(err, provider.ErrNotFound) {
				// already gone
				err = nil
			}
			return struct{}{}, err
		})
	if err != nil {
		return err
	}

	if err := se.db.ClearAppointmentExternalID(appt.ID, r.provider); err != nil {
		return se.bookkeepingFailed(r, appt.ID, db.OpDelete, err)
	}
	appt.SetExternalID(r.provider, "")
	if err := se.db.DeleteCalendarEvent(r.conn.ID, externalID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return se.bookkeepingFailed(r, appt.ID, db.OpDelete, err)
	}

	r.result.Deleted++
	se.logEntry(r.conn, appt.ID, db.OpDelete, db.DirectionCRMToCalendar, db.LogSuccess,
		fmt.Sprintf("deleted event %s (appointment %s)", externalID, appt.Status))
	return nil
}

// pullEvents reads the calendar back and reconciles events that mirror
// appointments. Events the CRM did not create are reported, never imported.
func (se *SyncEngine) pullEvents(ctx context.Context, r *run) {
	events, err := retry.Execute(ctx, se.executor, se.op(r, db.OpSync, ""),
		func(ctx context.Context, creds provider.Credentials) ([]*provider.NormalizedEvent, error) {
			return r.adapter.ListEvents(ctx, creds, r.conn.CalendarID, r.from, r.to)
		})
	if err != nil {
		r.result.addError("failed to list calendar events: %v", err)
		if errors.Is(err, credential.ErrConnectionExpired) {
			r.result.expired = true
		}
		return
	}

	strategy, err := conflict.ParseStrategy(r.conn.ResolutionStrategy)
	if err != nil {
		slog.Warn("invalid resolution strategy, using default", "connection_id", r.conn.ID, "error", err)
		strategy = conflict.DefaultStrategy()
	}

	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if ctx.Err() != nil {
			r.result.addError("sync cancelled: %v", ctx.Err())
			return
		}
		if ev.Status == provider.StatusCancelled {
			continue
		}
		seen[ev.ExternalID] = true

		mirror, err := se.db.GetCalendarEvent(r.conn.ID, ev.ExternalID)
		switch {
		case err == nil && mirror.Origin == db.OriginCRM && mirror.AppointmentID != "":
			se.reconcile(ctx, r, mirror, ev, strategy)
		case err != nil && !errors.Is(err, db.ErrNotFound):
			r.result.addError("failed to load mirror for %s: %v", ev.ExternalID, err)
			se.logEntry(r.conn, "", db.OpSync, db.DirectionCalendarToCRM, db.LogError, err.Error())
		case se.looksLikeAppointment(ev):
			r.result.Skipped++
			se.logEntry(r.conn, "", db.OpSync, db.DirectionCalendarToCRM, db.LogSkipped,
				fmt.Sprintf("event %s looks like an appointment but is not linked to one", ev.ExternalID))
		default:
			r.result.Skipped++
			se.logEntry(r.conn, "", db.OpSync, db.DirectionCalendarToCRM, db.LogSkipped,
				fmt.Sprintf("event %s is not managed by the CRM", ev.ExternalID))
		}
		if r.result.expired {
			return
		}
	}

	se.detectMissing(r, seen)
}

// reconcile compares a mirrored event with its appointment and applies the
// connection strategy.
func (se *SyncEngine) reconcile(ctx context.Context, r *run, mirror *db.CalendarEvent, ev *provider.NormalizedEvent, strategy conflict.Strategy) {
	appt, err := se.db.GetAppointmentByID(mirror.AppointmentID)
	if errors.Is(err, db.ErrNotFound) {
		se.reportDeletion(r, &db.Appointment{ID: mirror.AppointmentID}, ev.ExternalID, "crm")
		return
	}
	if err != nil {
		r.result.addError("failed to load appointment %s: %v", mirror.AppointmentID, err)
		se.logEntry(r.conn, mirror.AppointmentID, db.OpSync, db.DirectionCalendarToCRM, db.LogError, err.Error())
		return
	}
	if appt.Status.IsInactive() {
		return
	}

	mirrors, err := se.db.GetCalendarEventsForAppointment(r.conn.ID, appt.ID)
	if err != nil {
		r.result.addError("failed to count mirrors for %s: %v", appt.ID, err)
		return
	}

	conflicts := se.detector.DetectConflicts(record(appt), ev, string(r.provider), len(mirrors))
	if len(conflicts) == 0 {
		if err := se.upsertMirror(r, appt, ev.ExternalID, &ev.Updated); err != nil {
			r.result.addError("failed to refresh mirror %s: %v", ev.ExternalID, err)
		}
		return
	}

	outcome := se.resolver.ResolveConflicts(conflicts, strategy)
	for _, c := range outcome.Pending {
		r.result.PendingConflicts++
		se.logEntry(r.conn, appt.ID, db.OpSync, db.DirectionCalendarToCRM, db.LogSkipped,
			"conflict pending manual review: "+c.String())
	}
	for _, res := range outcome.Resolved {
		r.result.Resolved++
		se.logEntry(r.conn, appt.ID, db.OpSync, db.DirectionCalendarToCRM, db.LogSuccess,
			fmt.Sprintf("conflict resolved as %s (%s): %s", res.Winner, res.Applied, res.Conflict.String()))
	}

	patch := outcome.Patch()
	if !patch.IsEmpty() {
		if err := se.db.ApplyAppointmentPatch(appt.ID, toAppointmentPatch(patch), se.now()); err != nil {
			r.result.addError("failed to apply calendar values to %s: %v", appt.ID, err)
			se.logEntry(r.conn, appt.ID, db.OpUpdate, db.DirectionCalendarToCRM, db.LogError, err.Error())
			return
		}
		if appt, err = se.db.GetAppointmentByID(appt.ID); err != nil {
			r.result.addError("failed to reload appointment %s: %v", mirror.AppointmentID, err)
			return
		}
		r.result.Updated++
		se.logEntry(r.conn, appt.ID, db.OpUpdate, db.DirectionCalendarToCRM, db.LogSuccess,
			"applied calendar values to appointment")
	}

	if !patch.Repush {
		if err := se.upsertMirror(r, appt, ev.ExternalID, &ev.Updated); err != nil {
			r.result.addError("failed to refresh mirror %s: %v", ev.ExternalID, err)
		}
		return
	}

	found, err := se.pushUpdate(ctx, r, appt, db.OpUpdate)
	switch {
	case err != nil:
		r.result.addError("re-push %s: %v", appt.ID, err)
		if errors.Is(err, credential.ErrConnectionExpired) {
			r.result.expired = true
		}
	case !found:
		se.reportDeletion(r, appt, ev.ExternalID, "calendar")
	default:
		if err := se.db.MarkAppointmentSynced(appt.ID, r.provider, ev.ExternalID, se.now()); err != nil {
			r.result.addError("failed to mark %s synced: %v", appt.ID, err)
		}
		if err := se.upsertMirror(r, appt, ev.ExternalID, nil); err != nil {
			r.result.addError("failed to refresh mirror %s: %v", ev.ExternalID, err)
		}
		r.result.Updated++
		se.logEntry(r.conn, appt.ID, db.OpUpdate, db.DirectionCRMToCalendar, db.LogSuccess,
			fmt.Sprintf("re-pushed appointment to event %s", ev.ExternalID))
	}
}

// detectMissing reports mirrored events inside the window that the
// calendar no longer lists.
func (se *SyncEngine) detectMissing(r *run, seen map[string]bool) {
	mirrors, err := se.db.GetCalendarEventsByConnection(r.conn.ID)
	if err != nil {
		r.result.addError("failed to load mirrors: %v", err)
		return
	}
	for _, m := range mirrors {
		if seen[m.ExternalID] || m.Origin != db.OriginCRM || m.AppointmentID == "" {
			continue
		}
		if m.StartTime.After(r.to) || m.EndTime.Before(r.from) {
			continue
		}
		appt, err := se.db.GetAppointmentByID(m.AppointmentID)
		if err != nil {
			appt = &db.Appointment{ID: m.AppointmentID}
		}
		if appt.Status.IsInactive() {
			continue
		}
		se.reportDeletion(r, appt, m.ExternalID, "calendar")
	}
}

// reportDeletion records a deletion conflict once per event and run. The
// mirror is flagged so the event is not silently recreated.
func (se *SyncEngine) reportDeletion(r *run, appt *db.Appointment, externalID, missingSide string) {
	if r.deleted[externalID] {
		return
	}
	r.deleted[externalID] = true

	c := se.detector.DetectDeletion(record(appt), externalID, string(r.provider), missingSide)
	r.result.PendingConflicts++
	se.logEntry(r.conn, appt.ID, db.OpSync, db.DirectionCalendarToCRM, db.LogSkipped,
		"conflict pending manual review: "+c.String())

	if mirror, err := se.db.GetCalendarEvent(r.conn.ID, externalID); err == nil {
		mirror.SyncStatus = string(conflict.TypeDeletion)
		if err := se.db.UpsertCalendarEvent(mirror); err != nil {
			slog.Error("failed to flag mirror", "connection_id", r.conn.ID, "external_id", externalID, "error", err)
		}
	}
}

func (se *SyncEngine) looksLikeAppointment(ev *provider.NormalizedEvent) bool {
	if strings.Contains(ev.Description, conflict.MergeMarker) {
		return true
	}
	title := strings.ToLower(ev.Title)
	for _, kw := range se.keywords {
		if strings.Contains(title, kw) {
			return true
		}
	}
	return false
}

// abort ends a run that could not start syncing.
func (se *SyncEngine) abort(conn *db.CalendarConnection, result *SyncResult, start time.Time, status db.ConnectionStatus, err error) (*SyncResult, error) {
	result.Status = status
	result.Message = err.Error()
	result.Errors = append(result.Errors, err.Error())
	result.Duration = se.now().Sub(start)

	// an expiry recorded by the credential store keeps its own reason
	if conn.SyncStatus != db.StatusExpired {
		if uerr := se.db.UpdateConnectionStatus(conn.ID, status, err.Error()); uerr != nil {
			slog.Error("failed to update sync status", "connection_id", conn.ID, "error", uerr)
		}
	}
	conn.SyncStatus = status
	conn.LastError = err.Error()

	slog.Warn("sync aborted", "connection_id", conn.ID, "status", status, "error", err)
	for _, o := range se.observers {
		o.SyncFinished(conn, result)
	}
	return result, err
}

// finish stores the outcome of a completed run.
func (se *SyncEngine) finish(conn *db.CalendarConnection, result *SyncResult, start time.Time) *SyncResult {
	now := se.now()
	result.Duration = now.Sub(start)

	switch {
	case result.expired:
		result.Status = db.StatusExpired
		result.Message = "Connection requires re-authentication"
	case len(result.Errors) > 0:
		result.Status = db.StatusError
		result.Message = fmt.Sprintf("Sync completed with %d errors", len(result.Errors))
	default:
		result.Status = db.StatusConnected
		result.Success = true
		result.Message = fmt.Sprintf("Sync completed: %d created, %d updated, %d deleted, %d skipped, %d conflicts pending",
			result.Created, result.Updated, result.Deleted, result.Skipped, result.PendingConflicts)
	}

	lastError := ""
	if len(result.Errors) > 0 {
		lastError = result.Errors[len(result.Errors)-1]
	}
	if err := se.db.FinishConnectionSync(conn.ID, result.Status, lastError, result.PendingConflicts, now); err != nil {
		slog.Error("failed to record sync outcome", "connection_id", conn.ID, "error", err)
	}
	conn.SyncStatus = result.Status
	conn.LastError = lastError
	conn.PendingConflicts = result.PendingConflicts
	conn.LastSyncAt = &now

	se.logEntry(conn, "", db.OpSync, conn.SyncDirection, logStatus(result), result.Message)
	slog.Info("sync finished",
		"connection_id", conn.ID,
		"provider", conn.Provider,
		"status", result.Status,
		"created", result.Created,
		"updated", result.Updated,
		"deleted", result.Deleted,
		"skipped", result.Skipped,
		"pending_conflicts", result.PendingConflicts,
		"errors", len(result.Errors),
		"duration", result.Duration,
	)
	for _, o := range se.observers {
		o.SyncFinished(conn, result)
	}
	return result
}

func logStatus(result *SyncResult) db.LogStatus {
	if result.Success {
		return db.LogSuccess
	}
	return db.LogError
}

// bookkeepingFailed records a local write that failed after the provider
// call succeeded.
func (se *SyncEngine) bookkeepingFailed(r *run, appointmentID string, kind db.LogOperation, err error) error {
	err = fmt.Errorf("failed to record sync state: %w", err)
	se.logEntry(r.conn, appointmentID, kind, db.DirectionCRMToCalendar, db.LogError, err.Error())
	return err
}

func (se *SyncEngine) upsertMirror(r *run, appt *db.Appointment, externalID string, externalUpdated *time.Time) error {
	if externalUpdated != nil && externalUpdated.IsZero() {
		externalUpdated = nil
	}
	return se.db.UpsertCalendarEvent(&db.CalendarEvent{
		ConnectionID:      r.conn.ID,
		AppointmentID:     appt.ID,
		Provider:          r.provider,
		ExternalID:        externalID,
		Title:             appt.Title,
		Description:       appt.Description,
		Location:          appt.Location,
		StartTime:         appt.StartTime,
		EndTime:           appt.EndTime,
		Origin:            db.OriginCRM,
		ExternalUpdatedAt: externalUpdated,
	})
}

func (se *SyncEngine) logEntry(conn *db.CalendarConnection, appointmentID string, op db.LogOperation, dir db.SyncDirection, status db.LogStatus, message string) {
	entry := &db.SyncLog{
		ConnectionID:  conn.ID,
		AppointmentID: appointmentID,
		Operation:     op,
		Direction:     dir,
		Status:        status,
		Message:       message,
	}
	if err := se.db.CreateSyncLog(entry); err != nil {
		slog.Error("failed to write sync log", "connection_id", conn.ID, "error", err)
	}
}

func (se *SyncEngine) op(r *run, kind db.LogOperation, appointmentID string) retry.Operation {
	dir := db.DirectionCRMToCalendar
	if kind == db.OpSync {
		dir = db.DirectionCalendarToCRM
	}
	return retry.Operation{Conn: r.conn, Kind: kind, Direction: dir, AppointmentID: appointmentID}
}

func (se *SyncEngine) toEvent(appt *db.Appointment) *provider.NormalizedEvent {
	return &provider.NormalizedEvent{
		Title:       appt.Title,
		Description: appt.Description,
		Location:    appt.Location,
		Start:       appt.StartTime,
		End:         appt.EndTime,
		TimeZone:    se.timeZone,
		Status:      provider.StatusConfirmed,
	}
}

func record(appt *db.Appointment) conflict.Record {
	return conflict.Record{
		ID:          appt.ID,
		Title:       appt.Title,
		Description: appt.Description,
		Location:    appt.Location,
		Start:       appt.StartTime,
		End:         appt.EndTime,
		UpdatedAt:   appt.UpdatedAt,
	}
}

func toAppointmentPatch(p conflict.Patch) db.AppointmentPatch {
	return db.AppointmentPatch{
		Title:       p.Title,
		Description: p.Description,
		Location:    p.Location,
		StartTime:   p.Start,
		EndTime:     p.End,
	}
}
