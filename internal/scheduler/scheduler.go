package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/macjediwizard/crmcalsync/internal/credential"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
)

const (
	cleanupSpec             = "0 30 3 * * *" // daily at 03:30
	defaultLogRetentionDays = 30
	syncTimeout             = 10 * time.Minute // Maximum time for a single sync operation
)

// ErrSyncInProgress is returned when a connection is already being synced.
var ErrSyncInProgress = errors.New("sync already in progress")

// Store is the persistence the scheduler needs.
type Store interface {
	GetConnectionByID(id string) (*db.CalendarConnection, error)
	GetAutoSyncConnections() ([]*db.CalendarConnection, error)
	CleanOldSyncLogs(olderThan time.Time) (int64, error)
}

// Syncer runs one sync for a connection.
type Syncer interface {
	SyncConnection(ctx context.Context, conn *db.CalendarConnection, opts engine.SyncOptions) (*engine.SyncResult, error)
}

// Scheduler runs background sync jobs for auto-sync connections.
type Scheduler struct {
	cron          *cron.Cron
	store         Store
	syncer        Syncer
	retentionDays int

	mu        sync.RWMutex
	jobs      map[string]cron.EntryID // connectionID -> cron entry
	syncLocks map[string]*sync.Mutex  // Per-connection locks to prevent concurrent syncs
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

// New creates a new scheduler. retentionDays <= 0 keeps logs for 30 days.
func New(store Store, syncer Syncer, retentionDays int) *Scheduler {
	if retentionDays <= 0 {
		retentionDays = defaultLogRetentionDays
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		store:         store,
		syncer:        syncer,
		retentionDays: retentionDays,
		jobs:          make(map[string]cron.EntryID),
		syncLocks:     make(map[string]*sync.Mutex),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start loads all auto-sync connections and starts their jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	conns, err := s.store.GetAutoSyncConnections()
	if err != nil {
		return fmt.Errorf("failed to load auto-sync connections: %w", err)
	}
	for _, conn := range conns {
		if err := s.AddJob(conn.ID, time.Duration(conn.SyncInterval)*time.Second); err != nil {
			slog.Error("failed to schedule connection", "connection_id", conn.ID, "error", err)
		}
	}

	if _, err := s.cron.AddFunc(cleanupSpec, s.cleanupOldLogs); err != nil {
		return fmt.Errorf("failed to schedule log cleanup: %w", err)
	}

	s.cron.Start()
	slog.Info("scheduler started", "jobs", len(conns))
	return nil
}

// Stop gracefully shuts down all jobs and waits for running syncs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for connID, id := range s.jobs {
		s.cron.Remove(id)
		delete(s.jobs, connID)
	}
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.Wait()
	slog.Info("scheduler stopped")
}

// Wait blocks until syncs started by TriggerSync have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// AddJob adds or replaces the sync job of a connection.
func (s *Scheduler) AddJob(connectionID string, interval time.Duration) error {
	if interval < time.Second {
		return fmt.Errorf("invalid sync interval %v", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.jobs[connectionID]; exists {
		s.cron.Remove(existing)
	}

	spec := fmt.Sprintf("@every %s", interval)
	id, err := s.cron.AddFunc(spec, func() {
		s.runScheduled(connectionID)
	})
	if err != nil {
		delete(s.jobs, connectionID)
		return fmt.Errorf("failed to add job: %w", err)
	}
	s.jobs[connectionID] = id

	slog.Info("added sync job", "connection_id", connectionID, "interval", interval)
	return nil
}

// RemoveJob removes the sync job of a connection.
func (s *Scheduler) RemoveJob(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.jobs[connectionID]; exists {
		s.cron.Remove(id)
		delete(s.jobs, connectionID)
		slog.Info("removed sync job", "connection_id", connectionID)
	}
}

// Reschedule applies changed connection settings to its job.
func (s *Scheduler) Reschedule(conn *db.CalendarConnection) error {
	if !conn.IsActive || !conn.AutoSync {
		s.RemoveJob(conn.ID)
		return nil
	}
	return s.AddJob(conn.ID, time.Duration(conn.SyncInterval)*time.Second)
}

// TriggerSync runs a sync for a connection in the background. It returns
// ErrSyncInProgress if the connection is already syncing.
func (s *Scheduler) TriggerSync(connectionID string, opts engine.SyncOptions) error {
	lock := s.getSyncLock(connectionID)
	if !lock.TryLock() {
		return ErrSyncInProgress
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer lock.Unlock()
		s.executeSync(connectionID, opts)
	}()
	return nil
}

// SyncNow runs a sync for a connection and waits for its result. Runs of
// the same connection never overlap: ErrSyncInProgress is returned instead.
func (s *Scheduler) SyncNow(ctx context.Context, conn *db.CalendarConnection, opts engine.SyncOptions) (*engine.SyncResult, error) {
	lock := s.getSyncLock(conn.ID)
	if !lock.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	return s.syncer.SyncConnection(ctx, conn, opts)
}

// GetJobCount returns the number of scheduled connections.
func (s *Scheduler) GetJobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// NextRun returns when the connection's job fires next.
func (s *Scheduler) NextRun(connectionID string) *time.Time {
	s.mu.RLock()
	id, exists := s.jobs[connectionID]
	s.mu.RUnlock()
	if !exists {
		return nil
	}
	next := s.cron.Entry(id).Next
	if next.IsZero() {
		return nil
	}
	return &next
}

// getSyncLock returns the mutex for a connection, creating one if needed.
func (s *Scheduler) getSyncLock(connectionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.syncLocks[connectionID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.syncLocks[connectionID] = lock
	return lock
}

func (s *Scheduler) runScheduled(connectionID string) {
	lock := s.getSyncLock(connectionID)

	// Skip if another sync is in progress
	if !lock.TryLock() {
		slog.Debug("skipping scheduled sync, already running", "connection_id", connectionID)
		return
	}
	defer lock.Unlock()
	s.executeSync(connectionID, engine.SyncOptions{})
}

// executeSync runs the sync for a connection. The caller holds its lock.
func (s *Scheduler) executeSync(connectionID string, opts engine.SyncOptions) {
	conn, err := s.store.GetConnectionByID(connectionID)
	if err != nil {
		slog.Error("failed to load connection", "connection_id", connectionID, "error", err)
		if errors.Is(err, db.ErrNotFound) {
			s.RemoveJob(connectionID)
		}
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	result, err := s.syncer.SyncConnection(ctx, conn, opts)
	switch {
	case errors.Is(err, engine.ErrConnectionInactive), errors.Is(err, credential.ErrConnectionExpired):
		// re-enabled by Reschedule once the owner reconnects
		s.RemoveJob(connectionID)
		slog.Info("unscheduled connection", "connection_id", connectionID, "reason", err)
		return
	case err != nil:
		slog.Warn("sync failed", "connection_id", connectionID, "error", err)
		return
	}
	if result.Status == db.StatusExpired {
		// the engine recorded the expiry without returning an error
		s.RemoveJob(connectionID)
		slog.Info("unscheduled connection", "connection_id", connectionID, "reason", result.Message)
		return
	}

	if result.Success {
		slog.Info("sync completed", "connection_id", connectionID,
			"created", result.Created, "updated", result.Updated, "deleted", result.Deleted,
			"pending_conflicts", result.PendingConflicts, "duration", result.Duration)
	} else {
		slog.Warn("sync finished with errors", "connection_id", connectionID,
			"errors", len(result.Errors), "message", result.Message)
	}
}

// cleanupOldLogs deletes sync logs older than the retention period.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	deleted, err := s.store.CleanOldSyncLogs(cutoff)
	if err != nil {
		slog.Error("failed to clean old sync logs", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("cleaned old sync logs", "deleted", deleted)
	}
}
