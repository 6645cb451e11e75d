package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/credential"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
)

type fakeStore struct {
	mu       sync.Mutex
	conns    map[string]*db.CalendarConnection
	cutoffs  []time.Time
	autoSync []*db.CalendarConnection
}

func newFakeStore(conns ...*db.CalendarConnection) *fakeStore {
	s := &fakeStore{conns: make(map[string]*db.CalendarConnection)}
	for _, c := range conns {
		s.conns[c.ID] = c
		if c.IsActive && c.AutoSync {
			s.autoSync = append(s.autoSync, c)
		}
	}
	return s
}

func (s *fakeStore) GetConnectionByID(id string) (*db.CalendarConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copy := *c
	return &copy, nil
}

func (s *fakeStore) GetAutoSyncConnections() ([]*db.CalendarConnection, error) {
	return s.autoSync, nil
}

func (s *fakeStore) CleanOldSyncLogs(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, olderThan)
	return 3, nil
}

type fakeSyncer struct {
	mu      sync.Mutex
	calls   []string
	err     error
	status  db.ConnectionStatus
	release chan struct{}
	started chan struct{}
}

func (f *fakeSyncer) SyncConnection(ctx context.Context, conn *db.CalendarConnection, _ engine.SyncOptions) (*engine.SyncResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, conn.ID)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return &engine.SyncResult{ConnectionID: conn.ID}, f.err
	}
	if f.status != "" {
		return &engine.SyncResult{ConnectionID: conn.ID, Status: f.status, Message: "token expired"}, nil
	}
	return &engine.SyncResult{ConnectionID: conn.ID, Success: true, Status: db.StatusConnected}, nil
}

func (f *fakeSyncer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func activeConn(id string) *db.CalendarConnection {
	return &db.CalendarConnection{ID: id, IsActive: true, AutoSync: true, SyncInterval: 3600}
}

func TestNew(t *testing.T) {
	t.Run("defaults retention", func(t *testing.T) {
		sched := New(nil, nil, 0)
		if sched.retentionDays != defaultLogRetentionDays {
			t.Errorf("expected retention %d, got %d", defaultLogRetentionDays, sched.retentionDays)
		}
		if sched.jobs == nil || sched.syncLocks == nil {
			t.Error("expected maps to be initialized")
		}
	})

	t.Run("keeps configured retention", func(t *testing.T) {
		if got := New(nil, nil, 7).retentionDays; got != 7 {
			t.Errorf("expected retention 7, got %d", got)
		}
	})
}

func TestStartSchedulesAutoSyncConnections(t *testing.T) {
	store := newFakeStore(activeConn("a"), activeConn("b"),
		&db.CalendarConnection{ID: "manual", IsActive: true, SyncInterval: 3600})
	sched := New(store, &fakeSyncer{}, 30)

	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	if got := sched.GetJobCount(); got != 2 {
		t.Errorf("expected 2 jobs, got %d", got)
	}
	if sched.NextRun("a") == nil {
		t.Error("expected next run for scheduled connection")
	}
	if sched.NextRun("manual") != nil {
		t.Error("manual connection must not be scheduled")
	}

	// second Start is a no-op
	if err := sched.Start(); err != nil {
		t.Errorf("second Start: %v", err)
	}
}

func TestAddAndRemoveJob(t *testing.T) {
	sched := New(newFakeStore(), &fakeSyncer{}, 30)

	t.Run("rejects sub-second intervals", func(t *testing.T) {
		if err := sched.AddJob("a", 0); err == nil {
			t.Error("expected error for zero interval")
		}
	})

	t.Run("replaces existing job", func(t *testing.T) {
		if err := sched.AddJob("a", time.Hour); err != nil {
			t.Fatal(err)
		}
		if err := sched.AddJob("a", 2*time.Hour); err != nil {
			t.Fatal(err)
		}
		if got := sched.GetJobCount(); got != 1 {
			t.Errorf("expected 1 job, got %d", got)
		}
		if got := len(sched.cron.Entries()); got != 1 {
			t.Errorf("expected 1 cron entry, got %d", got)
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		sched.RemoveJob("a")
		sched.RemoveJob("a")
		if got := sched.GetJobCount(); got != 0 {
			t.Errorf("expected 0 jobs, got %d", got)
		}
	})
}

func TestReschedule(t *testing.T) {
	sched := New(newFakeStore(), &fakeSyncer{}, 30)
	conn := activeConn("a")

	if err := sched.Reschedule(conn); err != nil {
		t.Fatal(err)
	}
	if sched.GetJobCount() != 1 {
		t.Fatal("expected connection to be scheduled")
	}

	conn.AutoSync = false
	if err := sched.Reschedule(conn); err != nil {
		t.Fatal(err)
	}
	if sched.GetJobCount() != 0 {
		t.Error("expected job to be removed when auto sync is off")
	}
}

func TestSyncNowRejectsOverlappingRuns(t *testing.T) {
	syncer := &fakeSyncer{release: make(chan struct{}), started: make(chan struct{}, 1)}
	sched := New(newFakeStore(activeConn("a")), syncer, 30)
	conn := activeConn("a")

	done := make(chan error, 1)
	go func() {
		_, err := sched.SyncNow(context.Background(), conn, engine.SyncOptions{})
		done <- err
	}()
	<-syncer.started

	if _, err := sched.SyncNow(context.Background(), conn, engine.SyncOptions{}); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}
	if err := sched.TriggerSync("a", engine.SyncOptions{}); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress from TriggerSync, got %v", err)
	}

	close(syncer.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	// other connections are independent
	other := activeConn("b")
	syncer.release = nil
	syncer.started = nil
	if _, err := sched.SyncNow(context.Background(), other, engine.SyncOptions{}); err != nil {
		t.Errorf("independent connection: %v", err)
	}
}

func TestExecuteSyncUnschedulesUnusableConnections(t *testing.T) {
	testCases := []struct {
		name string
		err  error
	}{
		{"inactive", engine.ErrConnectionInactive},
		{"expired", credential.ErrConnectionExpired},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sched := New(newFakeStore(activeConn("a")), &fakeSyncer{err: tc.err}, 30)
			if err := sched.AddJob("a", time.Hour); err != nil {
				t.Fatal(err)
			}
			sched.executeSync("a", engine.SyncOptions{})
			if sched.GetJobCount() != 0 {
				t.Error("expected job to be removed")
			}
		})
	}

	t.Run("unknown connection", func(t *testing.T) {
		syncer := &fakeSyncer{}
		sched := New(newFakeStore(), syncer, 30)
		if err := sched.AddJob("gone", time.Hour); err != nil {
			t.Fatal(err)
		}
		sched.executeSync("gone", engine.SyncOptions{})
		if sched.GetJobCount() != 0 {
			t.Error("expected job of deleted connection to be removed")
		}
		if syncer.callCount() != 0 {
			t.Error("engine must not run for an unknown connection")
		}
	})

	t.Run("expired result without error", func(t *testing.T) {
		sched := New(newFakeStore(activeConn("a")), &fakeSyncer{status: db.StatusExpired}, 30)
		if err := sched.AddJob("a", time.Hour); err != nil {
			t.Fatal(err)
		}
		sched.executeSync("a", engine.SyncOptions{})
		if sched.GetJobCount() != 0 {
			t.Error("expected job of expired connection to be removed")
		}
	})

	t.Run("failed result keeps the job", func(t *testing.T) {
		sched := New(newFakeStore(activeConn("a")), &fakeSyncer{status: db.StatusError}, 30)
		if err := sched.AddJob("a", time.Hour); err != nil {
			t.Fatal(err)
		}
		sched.executeSync("a", engine.SyncOptions{})
		if sched.GetJobCount() != 1 {
			t.Error("expected job to stay scheduled")
		}
	})

	t.Run("transient failure keeps the job", func(t *testing.T) {
		sched := New(newFakeStore(activeConn("a")), &fakeSyncer{err: errors.New("boom")}, 30)
		if err := sched.AddJob("a", time.Hour); err != nil {
			t.Fatal(err)
		}
		sched.executeSync("a", engine.SyncOptions{})
		if sched.GetJobCount() != 1 {
			t.Error("expected job to stay scheduled")
		}
	})
}

func TestTriggerSync(t *testing.T) {
	syncer := &fakeSyncer{}
	sched := New(newFakeStore(activeConn("a")), syncer, 30)

	if err := sched.TriggerSync("a", engine.SyncOptions{ForceSync: true}); err != nil {
		t.Fatal(err)
	}
	sched.Wait()
	if syncer.callCount() != 1 {
		t.Errorf("expected 1 sync call, got %d", syncer.callCount())
	}
}

func TestCleanupOldLogs(t *testing.T) {
	store := newFakeStore()
	sched := New(store, &fakeSyncer{}, 14)

	before := time.Now()
	sched.cleanupOldLogs()

	if len(store.cutoffs) != 1 {
		t.Fatalf("expected one cleanup, got %d", len(store.cutoffs))
	}
	want := before.AddDate(0, 0, -14)
	if diff := store.cutoffs[0].Sub(want); diff < 0 || diff > time.Minute {
		t.Errorf("cutoff %v not near %v", store.cutoffs[0], want)
	}
}

func TestStopIdempotent(t *testing.T) {
	sched := New(newFakeStore(activeConn("a")), &fakeSyncer{}, 30)
	sched.Stop() // not started

	if err := sched.Start(); err != nil {
		t.Fatal(err)
	}
	sched.Stop()
	sched.Stop()

	if sched.GetJobCount() != 0 {
		t.Error("expected all jobs removed after Stop")
	}
}

func TestConcurrentAccess(t *testing.T) {
	sched := New(newFakeStore(), &fakeSyncer{}, 30)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			connID := string(rune('a' + id))
			if err := sched.AddJob(connID, time.Hour); err != nil {
				t.Error(err)
			}
			sched.GetJobCount()
			sched.getSyncLock(connID)
		}(i)
	}
	wg.Wait()

	if got := sched.GetJobCount(); got != 10 {
		t.Errorf("expected 10 jobs, got %d", got)
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			sched.RemoveJob(string(rune('a' + id)))
		}(i)
	}
	wg.Wait()

	if got := sched.GetJobCount(); got != 0 {
		t.Errorf("expected 0 jobs, got %d", got)
	}
}
