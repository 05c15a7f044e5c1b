// Package interceptor is the write path of the local replica: an
// explicit repository layer whose Create/Update operations stamp sync
// metadata before commit and enqueue outbox operations after commit.
// Nothing else writes to the records table.
package interceptor

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lhsu/syncbox/internal/db"
	apperrors "github.com/lhsu/syncbox/internal/errors"
	"github.com/lhsu/syncbox/internal/logging"
	"github.com/lhsu/syncbox/internal/models"
	"github.com/lhsu/syncbox/internal/outbox"
	"github.com/lhsu/syncbox/internal/uuid"
)

// Hook runs inside the write transaction, after stamping and before
// commit. prev is nil on create. Hooks run in registration order; an
// error aborts the transaction.
type Hook func(tx *sql.Tx, prev, next *models.Record) error

// writeOpts collects explicit metadata set by the caller. Explicitly
// set fields suppress the corresponding automatic stamping.
type writeOpts struct {
	id            models.UUID
	status        models.SyncStatus
	statusSet     bool
	version       int
	versionSet    bool
	lastSynced    int64
	lastSyncedSet bool
	lastModified  int64
	lastModSet    bool
	syncError     *string
	priority      int
}

// Option configures a single write.
type Option func(*writeOpts)

// WithID fixes the record id on create instead of generating one.
func WithID(id models.UUID) Option {
	return func(o *writeOpts) { o.id = id }
}

// WithStatus sets the sync status explicitly, suppressing the automatic
// pending transition.
func WithStatus(status models.SyncStatus) Option {
	return func(o *writeOpts) {
		o.status = status
		o.statusSet = true
	}
}

// AsDraft creates or keeps the record as an unconfirmed draft.
func AsDraft() Option {
	return WithStatus(models.StatusDraft)
}

// WithVersion sets the version explicitly, suppressing the automatic
// increment.
func WithVersion(version int) Option {
	return func(o *writeOpts) {
		o.version = version
		o.versionSet = true
	}
}

// WithLastSynced sets the last-synced timestamp explicitly, marking the
// write as a metadata-only update.
func WithLastSynced(ts int64) Option {
	return func(o *writeOpts) {
		o.lastSynced = ts
		o.lastSyncedSet = true
	}
}

// WithLastModified sets the modification timestamp explicitly,
// suppressing the automatic refresh (used when mirroring a remote
// snapshot).
func WithLastModified(ts int64) Option {
	return func(o *writeOpts) {
		o.lastModified = ts
		o.lastModSet = true
	}
}

// WithSyncError sets the sync error text; empty clears it.
func WithSyncError(msg string) Option {
	return func(o *writeOpts) { o.syncError = &msg }
}

// WithPriority sets the outbox priority for the enqueued operation.
func WithPriority(priority int) Option {
	return func(o *writeOpts) { o.priority = priority }
}

// Repository owns all record mutations. The sequence is fixed: stamp
// inside the transaction, commit, re-read, enqueue only if the final
// status is pending. The enqueued payload therefore always reflects the
// just-committed state.
type Repository struct {
	store    *db.Store
	queue    *outbox.Queue
	hooks    []Hook
	onCommit func(*models.Record)
	now      func() time.Time
}

// NewRepository creates the record repository.
func NewRepository(store *db.Store, queue *outbox.Queue) *Repository {
	return &Repository{
		store: store,
		queue: queue,
		now:   time.Now,
	}
}

// Use appends a pre-commit hook.
func (r *Repository) Use(hook Hook) {
	r.hooks = append(r.hooks, hook)
}

// OnCommit registers a callback fired after every committed write, for
// opportunistic sync kicks.
func (r *Repository) OnCommit(fn func(*models.Record)) {
	r.onCommit = fn
}

// Create inserts a new record. Defaults: status pending, version 1,
// lastModified now. Drafts (AsDraft) are never enqueued.
func (r *Repository) Create(kind string, data models.FieldMap, opts ...Option) (*models.Record, error) {
	o := applyOpts(opts)

	id := o.id
	if id == "" {
		id = models.UUID(uuid.New())
	} else if err := uuid.Validate(string(id)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "bad record id", err)
	}

	rec := &models.Record{
		ID:           id,
		Kind:         kind,
		Data:         data,
		Version:      1,
		SyncStatus:   models.StatusPending,
		LastModified: r.now().Unix(),
	}
	if o.statusSet {
		rec.SyncStatus = o.status
	}
	if o.versionSet {
		rec.Version = o.version
	}
	if o.lastSyncedSet {
		rec.LastSynced = o.lastSynced
	}

	if err := r.commit(nil, rec); err != nil {
		return nil, err
	}

	return r.afterCommit(kind, id, o.priority, true)
}

// Update mutates an existing record. Unless the caller set them
// explicitly: a record whose current status is neither draft nor synced
// is forced to pending, and a data mutation increments the version and
// refreshes lastModified. Metadata-only updates (nil data with explicit
// status or lastSynced) never bump the version.
func (r *Repository) Update(kind string, id models.UUID, data models.FieldMap, opts ...Option) (*models.Record, error) {
	o := applyOpts(opts)

	tx, err := r.store.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	prev, err := r.store.GetTx(tx, kind, string(id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("record %s/%s not found", kind, id))
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read record", err)
	}

	next := prev.Clone()
	if data != nil {
		next.Data = data
	}

	if o.statusSet {
		next.SyncStatus = o.status
	} else if prev.SyncStatus != models.StatusDraft && (data != nil || prev.SyncStatus != models.StatusSynced) {
		// A data mutation always re-enters the sync cycle, a synced
		// record included. Metadata-only writes leave synced alone.
		next.SyncStatus = models.StatusPending
	}

	if o.versionSet {
		next.Version = o.version
		next.LastModified = r.now().Unix()
	} else if data != nil && !o.lastSyncedSet {
		next.Version++
		next.LastModified = r.now().Unix()
	}

	if o.lastSyncedSet {
		next.LastSynced = o.lastSynced
	}
	if o.lastModSet {
		next.LastModified = o.lastModified
	}
	if o.syncError != nil {
		next.SyncError = *o.syncError
	}

	for _, hook := range r.hooks {
		if err := hook(tx, prev, next); err != nil {
			return nil, err
		}
	}
	if err := r.store.PutTx(tx, next); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to write record", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit", err)
	}

	// Only writes that introduce unsynced work may enqueue: a data
	// mutation, or an explicit transition to pending (MarkReady, an
	// applied merge). Bookkeeping writes like recording a delivery
	// error on a still-pending record must not mint a fresh operation,
	// or every failed attempt would bypass the outbox backoff.
	enqueue := data != nil || (o.statusSet && o.status == models.StatusPending)
	return r.afterCommit(kind, id, o.priority, enqueue)
}

// UpdateMeta applies a metadata-only change: sync status, timestamps or
// error text, never the field map and never a version bump.
func (r *Repository) UpdateMeta(kind string, id models.UUID, opts ...Option) (*models.Record, error) {
	return r.Update(kind, id, nil, opts...)
}

// MarkReady is the explicit draft → pending transition; it is the only
// way a draft becomes eligible for sync. The transition is metadata-only
// and does not bump the version.
func (r *Repository) MarkReady(kind string, id models.UUID) (*models.Record, error) {
	rec, err := r.store.Get(kind, string(id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("record %s/%s not found", kind, id))
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read record", err)
	}
	if rec.SyncStatus != models.StatusDraft {
		return nil, apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("record %s/%s is %s, not draft", kind, id, rec.SyncStatus))
	}

	return r.Update(kind, id, nil, WithStatus(models.StatusPending))
}

// MarkSynced records a successful delivery: status synced, fresh
// lastSynced, cleared error. Never bumps the version.
func (r *Repository) MarkSynced(kind string, id models.UUID) (*models.Record, error) {
	return r.Update(kind, id, nil,
		WithStatus(models.StatusSynced),
		WithLastSynced(r.now().Unix()),
		WithSyncError(""))
}

// MarkSyncFailed records a delivery failure on the record itself.
func (r *Repository) MarkSyncFailed(kind string, id models.UUID, msg string) (*models.Record, error) {
	return r.Update(kind, id, nil,
		WithStatus(models.StatusFailed),
		WithSyncError(msg))
}

// Get reads a record.
func (r *Repository) Get(kind string, id models.UUID) (*models.Record, error) {
	rec, err := r.store.Get(kind, string(id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("record %s/%s not found", kind, id))
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read record", err)
	}
	return rec, nil
}

// ListByIndex reads records by a declared secondary key.
func (r *Repository) ListByIndex(kind, key, value string) ([]*models.Record, error) {
	return r.store.ListByIndex(kind, key, value)
}

// ListByStatus reads records by sync status.
func (r *Repository) ListByStatus(kind string, status models.SyncStatus) ([]*models.Record, error) {
	return r.store.ListByStatus(kind, status)
}

// commit runs hooks and writes a new record transactionally.
func (r *Repository) commit(prev, next *models.Record) error {
	tx, err := r.store.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, hook := range r.hooks {
		if err := hook(tx, prev, next); err != nil {
			return err
		}
	}
	if err := r.store.PutTx(tx, next); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write record", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit", err)
	}
	return nil
}

// afterCommit re-reads the committed record and enqueues an outbox
// operation only when the write is enqueue-eligible and the final
// status is pending. Re-reading rather than trusting the in-memory
// copy keeps writes reverted or superseded inside the transaction out
// of the queue.
func (r *Repository) afterCommit(kind string, id models.UUID, priority int, enqueue bool) (*models.Record, error) {
	final, err := r.store.Get(kind, string(id))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to re-read committed record", err)
	}

	if enqueue && final.SyncStatus == models.StatusPending {
		payload, err := json.Marshal(final)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode payload", err)
		}

		action := models.ActionUpdate
		if final.LastSynced == 0 {
			// Never delivered; the remote has no copy yet.
			action = models.ActionCreate
		}

		if _, err := r.queue.Enqueue(action, kind, id, payload, priority); err != nil {
			return nil, err
		}
	} else {
		logging.Debug("Skipping enqueue",
			map[string]interface{}{
				"kind":     kind,
				"id":       id,
				"status":   final.SyncStatus,
				"eligible": enqueue,
			})
	}

	if r.onCommit != nil {
		r.onCommit(final)
	}
	return final, nil
}

func applyOpts(opts []Option) writeOpts {
	var o writeOpts
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
