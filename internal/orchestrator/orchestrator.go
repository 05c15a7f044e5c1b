// Package orchestrator drains the outbox against the remote API,
// drives retry, reacts to connectivity transitions and surfaces sync
// state to subscribers. Exactly one drain loop runs at a time.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/lhsu/syncbox/internal/conflict"
	"github.com/lhsu/syncbox/internal/db"
	apperrors "github.com/lhsu/syncbox/internal/errors"
	"github.com/lhsu/syncbox/internal/interceptor"
	"github.com/lhsu/syncbox/internal/logging"
	"github.com/lhsu/syncbox/internal/models"
	"github.com/lhsu/syncbox/internal/outbox"
	"github.com/lhsu/syncbox/internal/remote"
)

// Status is the subscriber-visible state label.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// State is delivered to subscribers on every state change.
type State struct {
	Status       Status     `json:"status"`
	PendingCount int        `json:"pending_count"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Listener receives state changes. Listeners run synchronously on the
// orchestrator's goroutine and must not block.
type Listener func(State)

// Config tunes the orchestrator.
type Config struct {
	// BatchSize is the number of operations claimed per drain iteration.
	BatchSize int
	// BulkTypes lists operation types the remote accepts as one bulk
	// call; everything else is sent one item at a time.
	BulkTypes []string
	// Strategy resolves conflicts reported by the remote.
	Strategy conflict.Strategy
}

// Orchestrator is the sync service. Construct once and share; lifecycle
// is explicit via StartAutoSync/StopAutoSync.
type Orchestrator struct {
	queue    *outbox.Queue
	records  *interceptor.Repository
	store    *db.Store
	api      remote.API
	resolver *conflict.Resolver

	batchSize int
	bulkTypes map[string]bool
	strategy  conflict.Strategy

	mu         sync.Mutex
	isOnline   bool
	isSyncing  bool
	lastSyncAt time.Time
	listeners  []Listener

	autoRunning bool
	stopCh      chan struct{}
	kickCh      chan struct{}
	wg          sync.WaitGroup

	now func() time.Time
}

// New creates the orchestrator and wires the interceptor's commit
// notifications to opportunistic sync kicks.
func New(queue *outbox.Queue, records *interceptor.Repository, store *db.Store, api remote.API, resolver *conflict.Resolver, cfg Config) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if !cfg.Strategy.Valid() {
		cfg.Strategy = conflict.StrategyNewestWins
	}

	bulk := make(map[string]bool, len(cfg.BulkTypes))
	for _, t := range cfg.BulkTypes {
		bulk[t] = true
	}

	o := &Orchestrator{
		queue:     queue,
		records:   records,
		store:     store,
		api:       api,
		resolver:  resolver,
		batchSize: cfg.BatchSize,
		bulkTypes: bulk,
		strategy:  cfg.Strategy,
		kickCh:    make(chan struct{}, 1),
		now:       time.Now,
	}

	records.OnCommit(func(*models.Record) { o.Kick() })

	return o
}

// IsOnline reports the connectivity state.
func (o *Orchestrator) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isOnline
}

// IsSyncing reports whether a drain loop is running.
func (o *Orchestrator) IsSyncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isSyncing
}

// SetOnline is the connectivity signal entry point. An offline → online
// transition triggers an immediate sync pass.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	was := o.isOnline
	o.isOnline = online
	o.mu.Unlock()

	if was == online {
		return
	}

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})

	if online {
		o.notify(StatusOnline, "")
		o.Kick()
	} else {
		o.notify(StatusOffline, "")
	}
}

// Subscribe registers a listener for state changes.
func (o *Orchestrator) Subscribe(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

// Kick requests an opportunistic sync pass. Non-blocking; collapses
// into at most one queued request.
func (o *Orchestrator) Kick() {
	select {
	case o.kickCh <- struct{}{}:
	default:
	}
}

// StartSync runs one drain pass. It is a no-op (returns false) when
// offline or when a pass is already running. Errors are recorded on the
// affected operations and surfaced via the subscription channel, never
// returned to the mutation path.
func (o *Orchestrator) StartSync(ctx context.Context) bool {
	o.mu.Lock()
	if !o.isOnline || o.isSyncing {
		o.mu.Unlock()
		return false
	}
	o.isSyncing = true
	o.mu.Unlock()

	o.notify(StatusSyncing, "")

	var passErr string
	for {
		if ctx.Err() != nil {
			break
		}
		// Connection may drop mid-drain; checked every iteration, not
		// just at entry.
		if !o.IsOnline() {
			logging.Info("Went offline mid-drain, halting", nil)
			break
		}

		ops, err := o.queue.DequeueBatch(o.batchSize)
		if err != nil {
			passErr = err.Error()
			logging.ErrorWithCode("Failed to dequeue batch", string(apperrors.CodeOf(err)), err)
			break
		}
		if len(ops) == 0 {
			break
		}

		o.deliverBatch(ctx, ops)
	}

	o.mu.Lock()
	o.isSyncing = false
	o.mu.Unlock()

	o.notify(StatusIdle, passErr)
	return true
}

// markDelivered stamps the last-sync time. Called on every successful
// delivery, so passes that complete nothing never advance it.
func (o *Orchestrator) markDelivered() {
	o.mu.Lock()
	o.lastSyncAt = o.now()
	o.mu.Unlock()
}

// deliverBatch partitions claimed operations by type and sends them:
// bulk-capable types in one call, everything else one item at a time.
func (o *Orchestrator) deliverBatch(ctx context.Context, ops []*models.Operation) {
	groups := make(map[string][]*models.Operation)
	var order []string
	for _, op := range ops {
		if _, seen := groups[op.Type]; !seen {
			order = append(order, op.Type)
		}
		groups[op.Type] = append(groups[op.Type], op)
	}

	for _, opType := range order {
		group := groups[opType]
		if o.bulkTypes[opType] {
			o.sendCall(ctx, group)
			continue
		}
		for _, op := range group {
			o.sendCall(ctx, []*models.Operation{op})
		}
	}
}

// sendCall performs one remote call for a set of same-type operations
// and applies the outcome: blanket success completes every operation,
// a call-level error fails every operation with the same error, and
// per-item results are applied individually when the remote reports
// them.
func (o *Orchestrator) sendCall(ctx context.Context, ops []*models.Operation) {
	items := make([]remote.Mutation, len(ops))
	for i, op := range ops {
		action, kind := models.SplitOpType(op.Type)
		items[i] = remote.Mutation{
			OperationID: string(op.ID),
			Action:      string(action),
			Kind:        kind,
			EntityID:    string(op.EntityID),
			Payload:     op.Payload,
		}
	}

	result, err := o.api.BulkMutate(ctx, items)
	if err != nil {
		logging.ErrorWithCode("Remote call failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"ops": len(ops)})
		for _, op := range ops {
			o.failOp(op, err)
		}
		return
	}

	if len(result.Results) == 0 {
		for _, op := range ops {
			o.completeOp(op)
		}
		return
	}

	byOpID := make(map[string]remote.ItemResult, len(result.Results))
	byEntity := make(map[string]remote.ItemResult, len(result.Results))
	for _, item := range result.Results {
		if item.OperationID != "" {
			byOpID[item.OperationID] = item
		}
		if item.EntityID != "" {
			byEntity[item.EntityID] = item
		}
	}

	for _, op := range ops {
		item, ok := byOpID[string(op.ID)]
		if !ok {
			item, ok = byEntity[string(op.EntityID)]
		}
		if !ok || item.OK {
			o.completeOp(op)
			continue
		}
		if item.ErrorCode() == apperrors.ErrSyncConflict && item.Remote != nil {
			o.handleConflict(op, item)
			continue
		}
		o.failOp(op, item.Err())
	}
}

// completeOp deletes the operation and marks the record synced.
func (o *Orchestrator) completeOp(op *models.Operation) {
	if err := o.queue.Complete(op.ID); err != nil {
		logging.Error("Failed to complete operation", err,
			map[string]interface{}{"op_id": op.ID})
		return
	}
	o.markDelivered()

	_, kind := models.SplitOpType(op.Type)
	if _, err := o.records.MarkSynced(kind, op.EntityID); err != nil {
		logging.Error("Failed to mark record synced", err,
			map[string]interface{}{"entity_id": op.EntityID})
	}
}

// failOp records the failure on the operation. Only non-retryable
// failures are reflected on the record itself: a transient network
// error keeps the record pending so a retry or a later conflict check
// still sees the unsynced change.
func (o *Orchestrator) failOp(op *models.Operation, cause error) {
	if err := o.queue.Fail(op.ID, cause); err != nil {
		logging.Error("Failed to mark operation failed", err,
			map[string]interface{}{"op_id": op.ID})
	}

	_, kind := models.SplitOpType(op.Type)
	if apperrors.Retryable(apperrors.CodeOf(cause)) {
		// Metadata-only write: the failed operation stays in the outbox
		// under its backoff window, no fresh operation is enqueued.
		if _, err := o.records.UpdateMeta(kind, op.EntityID,
			interceptor.WithSyncError(cause.Error())); err != nil {
			logging.Error("Failed to record sync error", err,
				map[string]interface{}{"entity_id": op.EntityID})
		}
		return
	}

	if _, err := o.records.MarkSyncFailed(kind, op.EntityID, cause.Error()); err != nil {
		logging.Error("Failed to mark record failed", err,
			map[string]interface{}{"entity_id": op.EntityID})
	}
}

// handleConflict routes a remote-reported conflict through the resolver
// and applies the outcome.
func (o *Orchestrator) handleConflict(op *models.Operation, item remote.ItemResult) {
	_, kind := models.SplitOpType(op.Type)

	local, err := o.records.Get(kind, op.EntityID)
	if err != nil {
		o.failOp(op, item.Err())
		return
	}

	remoteRec := item.Remote.ToRecord()
	det := conflict.Detect(local, remoteRec)
	if !det.HasConflict {
		// Ordinary divergence, not a genuine conflict; leave the
		// operation for retry.
		o.failOp(op, item.Err())
		return
	}

	resolution, err := o.resolver.Resolve(local, remoteRec, o.strategy)
	if err != nil {
		o.failOp(op, err)
		return
	}

	if err := o.store.CreateConflictLog(resolution.Log); err != nil {
		logging.Error("Failed to persist conflict log", err,
			map[string]interface{}{"entity_id": op.EntityID})
	}

	if resolution.Unresolved {
		// Manual adjudication required; park the operation on the
		// normal failure path and flag the record.
		if err := o.queue.Fail(op.ID, item.Err()); err != nil {
			logging.Error("Failed to fail conflicted operation", err,
				map[string]interface{}{"op_id": op.ID})
		}
		if _, err := o.records.MarkSyncFailed(kind, op.EntityID, "conflict requires manual resolution"); err != nil {
			logging.Error("Failed to flag conflicted record", err,
				map[string]interface{}{"entity_id": op.EntityID})
		}
		return
	}

	if resolution.Record == nil {
		// Local copy stands (client-wins); the unsynced change still
		// has to land, so the operation stays failed and retries.
		if err := o.queue.Fail(op.ID, item.Err()); err != nil {
			logging.Error("Failed to fail conflicted operation", err,
				map[string]interface{}{"op_id": op.ID})
		}
		return
	}

	// The resolution supersedes the in-flight operation. Complete it
	// first so a merge result is free to enqueue a fresh one.
	if err := o.queue.Complete(op.ID); err != nil {
		logging.Error("Failed to complete superseded operation", err,
			map[string]interface{}{"op_id": op.ID})
	} else {
		o.markDelivered()
	}

	rec := resolution.Record
	if _, err := o.records.Update(kind, rec.ID, rec.Data,
		interceptor.WithStatus(rec.SyncStatus),
		interceptor.WithVersion(rec.Version),
		interceptor.WithLastSynced(rec.LastSynced),
		interceptor.WithLastModified(rec.LastModified),
		interceptor.WithSyncError("")); err != nil {
		logging.Error("Failed to apply conflict resolution", err,
			map[string]interface{}{"entity_id": rec.ID})
	}
}

// StartAutoSync arms the periodic sync loop: an immediate pass when
// online, a ticker, and reaction to kicks from commits and reconnects.
func (o *Orchestrator) StartAutoSync(ctx context.Context, interval time.Duration) {
	o.mu.Lock()
	if o.autoRunning {
		o.mu.Unlock()
		return
	}
	o.autoRunning = true
	o.stopCh = make(chan struct{})
	stopCh := o.stopCh
	o.mu.Unlock()

	o.wg.Add(1)
	go o.autoSyncLoop(ctx, interval, stopCh)

	logging.Info("Auto sync started", map[string]interface{}{"interval": interval.String()})
}

// StopAutoSync stops the periodic loop and waits for it to exit. An
// in-flight pass finishes its current iteration.
func (o *Orchestrator) StopAutoSync() {
	o.mu.Lock()
	if !o.autoRunning {
		o.mu.Unlock()
		return
	}
	o.autoRunning = false
	close(o.stopCh)
	o.mu.Unlock()

	o.wg.Wait()
	logging.Info("Auto sync stopped", nil)
}

func (o *Orchestrator) autoSyncLoop(ctx context.Context, interval time.Duration, stopCh chan struct{}) {
	defer o.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if o.IsOnline() {
		o.StartSync(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			o.StartSync(ctx)
		case <-o.kickCh:
			o.StartSync(ctx)
		}
	}
}

// snapshot assembles the subscriber state under lock.
func (o *Orchestrator) snapshot(status Status, errMsg string) State {
	pending, err := o.queue.PendingCount()
	if err != nil {
		logging.Error("Failed to count pending operations", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	state := State{
		Status:       status,
		PendingCount: pending,
		Error:        errMsg,
	}
	if !o.lastSyncAt.IsZero() {
		t := o.lastSyncAt
		state.LastSyncAt = &t
	}
	return state
}

// notify delivers a state change to every subscriber.
func (o *Orchestrator) notify(status Status, errMsg string) {
	state := o.snapshot(status, errMsg)

	o.mu.Lock()
	listeners := make([]Listener, len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()

	for _, l := range listeners {
		l(state)
	}
}
