package activity

import (
	"sync"
	"testing"

	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
	"github.com/macjediwizard/crmcalsync/internal/websocket"
)

type captured struct {
	owner string
	msg   websocket.Message
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []captured
}

func (f *fakeBroadcaster) Broadcast(ownerID string, msg websocket.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, captured{ownerID, msg})
}

func TestTrackerLifecycle(t *testing.T) {
	b := &fakeBroadcaster{}
	tracker := NewTracker(b)
	conn := &db.CalendarConnection{ID: "conn-1", UserID: "u1", Provider: db.ProviderGoogle}

	tracker.SyncStarted(conn)
	if !tracker.IsSyncing("conn-1") {
		t.Fatal("expected connection to be syncing")
	}
	if got := tracker.GetActive("u1"); len(got) != 1 || got[0].Status != "running" {
		t.Fatalf("unexpected active list %+v", got)
	}
	if got := tracker.GetActive("u2"); len(got) != 0 {
		t.Errorf("activity visible to another owner: %+v", got)
	}

	result := &engine.SyncResult{Created: 1}
	tracker.ItemProcessed(conn, engine.ActionCreate, result)
	result.Updated = 1
	tracker.ItemProcessed(conn, engine.ActionUpdate, result)
	if got := tracker.GetActive("u1")[0]; got.ItemsProcessed != 2 || got.Created != 1 || got.Updated != 1 {
		t.Errorf("unexpected progress %+v", got)
	}

	result.Success = true
	result.Status = db.StatusConnected
	result.Message = "done"
	tracker.SyncFinished(conn, result)

	if tracker.IsSyncing("conn-1") {
		t.Error("connection still active after finish")
	}
	recent := tracker.GetRecent("u1")
	if len(recent) != 1 || recent[0].Status != "completed" || recent[0].CompletedAt == nil {
		t.Fatalf("unexpected recent list %+v", recent)
	}

	wantTypes := []string{"sync_started", "sync_progress", "sync_progress", "sync_finished"}
	if len(b.sent) != len(wantTypes) {
		t.Fatalf("expected %d broadcasts, got %d", len(wantTypes), len(b.sent))
	}
	for i, want := range wantTypes {
		if b.sent[i].msg.Type != want || b.sent[i].owner != "u1" {
			t.Errorf("broadcast %d = %s to %s, want %s to u1", i, b.sent[i].msg.Type, b.sent[i].owner, want)
		}
	}
}

func TestFinishedStatus(t *testing.T) {
	testCases := []struct {
		name   string
		result engine.SyncResult
		want   string
	}{
		{"success", engine.SyncResult{Success: true, Status: db.StatusConnected}, "completed"},
		{"partial", engine.SyncResult{Status: db.StatusError, Created: 1, Errors: []string{"x"}}, "partial"},
		{"error", engine.SyncResult{Status: db.StatusError, Errors: []string{"x"}}, "error"},
		{"expired", engine.SyncResult{Status: db.StatusExpired}, "expired"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tracker := NewTracker(nil)
			conn := &db.CalendarConnection{ID: "c", UserID: "u"}
			tracker.SyncStarted(conn)
			result := tc.result
			tracker.SyncFinished(conn, &result)
			if got := tracker.GetRecent("u")[0].Status; got != tc.want {
				t.Errorf("status = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRecentIsBounded(t *testing.T) {
	tracker := NewTracker(nil)
	conn := &db.CalendarConnection{ID: "c", UserID: "u"}
	for i := 0; i < 25; i++ {
		tracker.SyncStarted(conn)
		tracker.SyncFinished(conn, &engine.SyncResult{Success: true})
	}
	if got := len(tracker.GetRecent("u")); got != 20 {
		t.Errorf("expected 20 recent entries, got %d", got)
	}
}
