// Package orchestrator tests for the sync drain loop.
package orchestrator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lhsu/syncbox/internal/conflict"
	"github.com/lhsu/syncbox/internal/db"
	apperrors "github.com/lhsu/syncbox/internal/errors"
	"github.com/lhsu/syncbox/internal/interceptor"
	"github.com/lhsu/syncbox/internal/models"
	"github.com/lhsu/syncbox/internal/outbox"
	"github.com/lhsu/syncbox/internal/remote"
)

// scriptedAPI records bulk calls and answers from a programmable hook.
type scriptedAPI struct {
	mu      sync.Mutex
	calls   [][]remote.Mutation
	respond func(items []remote.Mutation) (*remote.BulkResult, error)
}

func (s *scriptedAPI) BulkMutate(ctx context.Context, items []remote.Mutation) (*remote.BulkResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, items)
	respond := s.respond
	s.mu.Unlock()

	if respond != nil {
		return respond(items)
	}
	return &remote.BulkResult{}, nil
}

func (s *scriptedAPI) FetchReference(ctx context.Context, typ string, updatedAfter int64) ([]*remote.Snapshot, error) {
	return nil, nil
}

func (s *scriptedAPI) Health(ctx context.Context) error { return nil }

func (s *scriptedAPI) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type harness struct {
	orch    *Orchestrator
	records *interceptor.Repository
	queue   *outbox.Queue
	store   *db.Store
	api     *scriptedAPI
}

func setup(t *testing.T, cfg Config) *harness {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "syncbox_orchestrator_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	database, err := db.Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	store := db.NewStore(database)
	queue := outbox.NewQueue(db.NewOutboxRepo(database), outbox.DefaultBackoff(), outbox.DefaultMaxAttempts)
	records := interceptor.NewRepository(store, queue)
	api := &scriptedAPI{}
	resolver := conflict.NewResolver(nil)

	orch := New(queue, records, store, api, resolver, cfg)

	return &harness{orch: orch, records: records, queue: queue, store: store, api: api}
}

// TestStartSync_offline verifies nothing happens without connectivity.
func TestStartSync_offline(t *testing.T) {
	h := setup(t, Config{})

	if _, err := h.records.Create("report", models.FieldMap{"title": "offline edit"}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if h.orch.StartSync(context.Background()) {
		t.Error("StartSync while offline should be a no-op")
	}
	if h.api.callCount() != 0 {
		t.Error("No remote calls should happen offline")
	}

	// The write survived locally
	n, _ := h.queue.PendingCount()
	if n != 1 {
		t.Errorf("Offline write should stay queued, got %d", n)
	}
}

// TestStartSync_drainsQueue verifies the offline-edit-then-reconnect
// round trip: operations deliver and records flip to synced.
func TestStartSync_drainsQueue(t *testing.T) {
	h := setup(t, Config{})

	var lastState State
	h.orch.Subscribe(func(state State) { lastState = state })

	recA, err := h.records.Create("report", models.FieldMap{"title": "a"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	recB, err := h.records.Create("report", models.FieldMap{"title": "b"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	h.orch.SetOnline(true)
	if !h.orch.StartSync(context.Background()) {
		t.Fatal("StartSync should run while online")
	}

	n, _ := h.queue.PendingCount()
	if n != 0 {
		t.Errorf("Queue should be drained, %d left", n)
	}

	for _, id := range []models.UUID{recA.ID, recB.ID} {
		rec, err := h.records.Get("report", id)
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if rec.SyncStatus != models.StatusSynced {
			t.Errorf("Record %s should be synced, got %s", id, rec.SyncStatus)
		}
		if rec.LastSynced == 0 {
			t.Errorf("Record %s should carry a sync timestamp", id)
		}
	}

	// Successful deliveries advance the subscriber-visible sync time
	if lastState.LastSyncAt == nil {
		t.Error("Delivering pass should stamp the last sync time")
	}
}

// TestStartSync_alreadyRunning verifies mutual exclusion.
func TestStartSync_alreadyRunning(t *testing.T) {
	h := setup(t, Config{})
	h.orch.SetOnline(true)

	h.orch.mu.Lock()
	h.orch.isSyncing = true
	h.orch.mu.Unlock()

	if h.orch.StartSync(context.Background()) {
		t.Error("A second concurrent pass must not start")
	}
}

// TestStartSync_retryableFailure verifies a transport failure marks the
// operation failed but keeps the record pending for retry. The pass
// must end after one attempt: the failed operation waits out its
// backoff window in the outbox instead of being re-enqueued.
func TestStartSync_retryableFailure(t *testing.T) {
	h := setup(t, Config{})
	h.api.respond = func(items []remote.Mutation) (*remote.BulkResult, error) {
		return nil, apperrors.New(apperrors.ErrSyncNetwork, "connection refused")
	}

	var idleStates []State
	h.orch.Subscribe(func(state State) {
		if state.Status == StatusIdle {
			idleStates = append(idleStates, state)
		}
	})

	rec, err := h.records.Create("report", models.FieldMap{"title": "a"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	h.orch.SetOnline(true)
	h.orch.StartSync(context.Background())

	if h.api.callCount() != 1 {
		t.Errorf("Expected exactly 1 delivery attempt, got %d", h.api.callCount())
	}

	stats, _ := h.queue.Stats()
	if stats["failed"] != 1 || stats["pending"] != 0 {
		t.Errorf("Failure must not mint new operations, stats: %v", stats)
	}

	got, _ := h.records.Get("report", rec.ID)
	if got.SyncStatus != models.StatusPending {
		t.Errorf("Record should stay pending on transient failure, got %s", got.SyncStatus)
	}
	if got.SyncError == "" {
		t.Error("Record should carry the delivery error")
	}

	// Nothing delivered, so no last-sync time to report
	if len(idleStates) != 1 {
		t.Fatalf("Expected 1 idle notification, got %d", len(idleStates))
	}
	if idleStates[0].LastSyncAt != nil {
		t.Errorf("Failed pass must not advance last sync, got %v", idleStates[0].LastSyncAt)
	}
}

// TestStartSync_permanentFailure verifies a validation rejection marks
// the record itself failed.
func TestStartSync_permanentFailure(t *testing.T) {
	h := setup(t, Config{})
	h.api.respond = func(items []remote.Mutation) (*remote.BulkResult, error) {
		return &remote.BulkResult{Results: []remote.ItemResult{
			{OperationID: items[0].OperationID, OK: false, Code: "validation", Message: "title too long"},
		}}, nil
	}

	rec, err := h.records.Create("report", models.FieldMap{"title": "a"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	h.orch.SetOnline(true)
	h.orch.StartSync(context.Background())

	got, _ := h.records.Get("report", rec.ID)
	if got.SyncStatus != models.StatusFailed {
		t.Errorf("Record should be failed on permanent rejection, got %s", got.SyncStatus)
	}
}

// TestStartSync_conflictResolution verifies a remote-reported conflict
// runs through the resolver and the outcome is applied locally.
func TestStartSync_conflictResolution(t *testing.T) {
	h := setup(t, Config{Strategy: conflict.StrategyServerWins})

	rec, err := h.records.Create("report", models.FieldMap{"title": "local"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	h.api.respond = func(items []remote.Mutation) (*remote.BulkResult, error) {
		return &remote.BulkResult{Results: []remote.ItemResult{
			{OperationID: items[0].OperationID, EntityID: items[0].EntityID, OK: false, Code: "conflict",
				Remote: &remote.Snapshot{
					ID:           items[0].EntityID,
					Kind:         "report",
					Version:      7,
					LastModified: time.Now().Unix(),
					Data:         models.FieldMap{"title": "server"},
				}},
		}}, nil
	}

	h.orch.SetOnline(true)
	h.orch.StartSync(context.Background())

	// Server copy won: overwritten data, remote version, synced
	got, _ := h.records.Get("report", rec.ID)
	if got.Data["title"] != "server" || got.Version != 7 {
		t.Errorf("Server copy should have applied: %+v", got)
	}
	if got.SyncStatus != models.StatusSynced {
		t.Errorf("Resolved record should be synced, got %s", got.SyncStatus)
	}

	// The superseded operation is gone
	n, _ := h.queue.PendingCount()
	if n != 0 {
		t.Errorf("Conflicted operation should be completed, %d left", n)
	}

	// The conflict is on record
	logs, err := h.store.ListConflictLogs(string(rec.ID))
	if err != nil {
		t.Fatalf("ListConflictLogs() failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Resolution != "server-wins" {
		t.Errorf("Expected one server-wins log entry, got %+v", logs)
	}
}

// TestStartSync_haltsWhenConnectionDrops verifies the drain checks
// connectivity between iterations.
func TestStartSync_haltsWhenConnectionDrops(t *testing.T) {
	h := setup(t, Config{BatchSize: 1})
	h.api.respond = func(items []remote.Mutation) (*remote.BulkResult, error) {
		// The connection dies right after the first delivery
		h.orch.SetOnline(false)
		return &remote.BulkResult{}, nil
	}

	for _, title := range []string{"a", "b", "c"} {
		if _, err := h.records.Create("report", models.FieldMap{"title": title}); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}

	h.orch.SetOnline(true)
	h.orch.StartSync(context.Background())

	if h.api.callCount() != 1 {
		t.Errorf("Drain should halt after going offline, made %d calls", h.api.callCount())
	}
	n, _ := h.queue.PendingCount()
	if n != 2 {
		t.Errorf("Remaining operations should stay queued, got %d", n)
	}
}

// TestStartSync_bulkGrouping verifies bulk-capable types go out in one
// call and the rest one at a time.
func TestStartSync_bulkGrouping(t *testing.T) {
	h := setup(t, Config{BulkTypes: []string{"create:report"}})

	for _, title := range []string{"a", "b", "c"} {
		if _, err := h.records.Create("report", models.FieldMap{"title": title}); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}
	if _, err := h.records.Create("note", models.FieldMap{"body": "x"}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := h.records.Create("note", models.FieldMap{"body": "y"}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	h.orch.SetOnline(true)
	h.orch.StartSync(context.Background())

	h.api.mu.Lock()
	defer h.api.mu.Unlock()

	var bulk, single int
	for _, call := range h.api.calls {
		if len(call) > 1 {
			bulk++
		} else {
			single++
		}
	}
	// One bulk call for the three reports, one call each for the notes
	if bulk != 1 || single != 2 {
		t.Errorf("Expected 1 bulk + 2 single calls, got %d bulk, %d single", bulk, single)
	}
}

// TestSubscribe verifies state change notifications.
func TestSubscribe(t *testing.T) {
	h := setup(t, Config{})

	var mu sync.Mutex
	var statuses []Status
	h.orch.Subscribe(func(state State) {
		mu.Lock()
		statuses = append(statuses, state.Status)
		mu.Unlock()
	})

	h.orch.SetOnline(true)
	h.orch.StartSync(context.Background())
	h.orch.SetOnline(false)

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusOnline, StatusSyncing, StatusIdle, StatusOffline}
	if len(statuses) != len(want) {
		t.Fatalf("Expected %v, got %v", want, statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, statuses)
		}
	}
}

// TestAutoSync verifies the periodic loop drains commits without manual
// passes.
func TestAutoSync(t *testing.T) {
	h := setup(t, Config{})
	h.orch.SetOnline(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.orch.StartAutoSync(ctx, 10*time.Millisecond)
	defer h.orch.StopAutoSync()

	// The commit kick should trigger a pass long before the ticker
	rec, err := h.records.Create("report", models.FieldMap{"title": "auto"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := h.records.Get("report", rec.ID)
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if got.SyncStatus == models.StatusSynced {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Record never synced under auto sync")
}

// TestMonitor verifies probe results feed the connectivity signal.
func TestMonitor(t *testing.T) {
	h := setup(t, Config{})

	monitor := NewMonitor(h.api, h.orch, 10*time.Millisecond)
	monitor.Start(context.Background())
	defer monitor.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.orch.IsOnline() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Monitor never reported the healthy remote as online")
}
