package activity

import (
	"sync"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
	"github.com/macjediwizard/crmcalsync/internal/websocket"
)

// SyncActivity represents the current state of a sync operation.
type SyncActivity struct {
	ConnectionID     string      `json:"connection_id"`
	OwnerID          string      `json:"-"`
	Provider         db.Provider `json:"provider"`
	Status           string      `json:"status"` // "running", "completed", "partial", "error", "expired"
	ItemsProcessed   int         `json:"items_processed"`
	Created          int         `json:"created"`
	Updated          int         `json:"updated"`
	Deleted          int         `json:"deleted"`
	Skipped          int         `json:"skipped"`
	PendingConflicts int         `json:"pending_conflicts"`
	StartedAt        time.Time   `json:"started_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	Duration         string      `json:"duration,omitempty"`
	Message          string      `json:"message,omitempty"`
	Errors           []string    `json:"errors,omitempty"`
}

// Broadcaster delivers activity updates to an owner's live clients.
type Broadcaster interface {
	Broadcast(ownerID string, msg websocket.Message)
}

// Tracker tracks sync activity across all connections. It implements
// engine.Observer.
type Tracker struct {
	mu             sync.RWMutex
	active         map[string]*SyncActivity // connectionID -> activity
	recent         []*SyncActivity          // recently completed syncs
	maxRecentSyncs int
	broadcaster    Broadcaster
}

// NewTracker creates a new activity tracker. broadcaster may be nil.
func NewTracker(broadcaster Broadcaster) *Tracker {
	return &Tracker{
		active:         make(map[string]*SyncActivity),
		recent:         make([]*SyncActivity, 0),
		maxRecentSyncs: 20,
		broadcaster:    broadcaster,
	}
}

// SyncStarted begins tracking a sync run.
func (t *Tracker) SyncStarted(conn *db.CalendarConnection) {
	t.mu.Lock()
	a := &SyncActivity{
		ConnectionID: conn.ID,
		OwnerID:      conn.UserID,
		Provider:     conn.Provider,
		Status:       "running",
		StartedAt:    time.Now(),
	}
	t.active[conn.ID] = a
	snapshot := *a
	t.mu.Unlock()

	t.publish("started", &snapshot)
}

// ItemProcessed copies the running counters of a sync.
func (t *Tracker) ItemProcessed(conn *db.CalendarConnection, _ engine.Action, result *engine.SyncResult) {
	t.mu.Lock()
	a, exists := t.active[conn.ID]
	if !exists {
		t.mu.Unlock()
		return
	}
	a.ItemsProcessed++
	copyCounters(a, result)
	snapshot := *a
	t.mu.Unlock()

	t.publish("progress", &snapshot)
}

// SyncFinished marks a sync as completed and moves it to recent.
func (t *Tracker) SyncFinished(conn *db.CalendarConnection, result *engine.SyncResult) {
	t.mu.Lock()
	a, exists := t.active[conn.ID]
	if !exists {
		t.mu.Unlock()
		return
	}

	now := time.Now()
	a.CompletedAt = &now
	a.Duration = now.Sub(a.StartedAt).Round(time.Millisecond).String()
	a.Message = result.Message
	a.Errors = append([]string(nil), result.Errors...)
	copyCounters(a, result)

	switch {
	case result.Status == db.StatusExpired:
		a.Status = "expired"
	case result.Success:
		a.Status = "completed"
	case result.Created+result.Updated+result.Deleted > 0:
		a.Status = "partial"
	default:
		a.Status = "error"
	}

	t.recent = append([]*SyncActivity{a}, t.recent...)
	if len(t.recent) > t.maxRecentSyncs {
		t.recent = t.recent[:t.maxRecentSyncs]
	}
	delete(t.active, conn.ID)
	snapshot := *a
	t.mu.Unlock()

	t.publish("finished", &snapshot)
}

func copyCounters(a *SyncActivity, result *engine.SyncResult) {
	a.Created = result.Created
	a.Updated = result.Updated
	a.Deleted = result.Deleted
	a.Skipped = result.Skipped
	a.PendingConflicts = result.PendingConflicts
}

func (t *Tracker) publish(event string, a *SyncActivity) {
	if t.broadcaster == nil {
		return
	}
	t.broadcaster.Broadcast(a.OwnerID, websocket.NewMessage(event, a.ConnectionID, a))
}

// GetActive returns the owner's currently running syncs.
func (t *Tracker) GetActive(ownerID string) []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, 0, len(t.active))
	for _, activity := range t.active {
		if activity.OwnerID != ownerID {
			continue
		}
		copy := *activity
		copy.Duration = time.Since(activity.StartedAt).Round(time.Millisecond).String()
		result = append(result, &copy)
	}
	return result
}

// GetRecent returns the owner's recently completed syncs, newest first.
func (t *Tracker) GetRecent(ownerID string) []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, 0, len(t.recent))
	for _, activity := range t.recent {
		if activity.OwnerID != ownerID {
			continue
		}
		copy := *activity
		result = append(result, &copy)
	}
	return result
}

// GetAll returns both active and recent syncs of an owner.
func (t *Tracker) GetAll(ownerID string) map[string]any {
	return map[string]any{
		"active": t.GetActive(ownerID),
		"recent": t.GetRecent(ownerID),
	}
}

// IsSyncing returns true if the given connection is currently syncing.
func (t *Tracker) IsSyncing(connectionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[connectionID]
	return exists
}
