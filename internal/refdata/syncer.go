// Package refdata pulls server-owned reference data incrementally and
// tracks its freshness. Reference records are read-only locally; they
// never pass through the outbox.
package refdata

import (
	"context"
	"sync"
	"time"

	"github.com/lhsu/syncbox/internal/db"
	apperrors "github.com/lhsu/syncbox/internal/errors"
	"github.com/lhsu/syncbox/internal/logging"
	"github.com/lhsu/syncbox/internal/models"
	"github.com/lhsu/syncbox/internal/remote"
)

// DefaultStaleAfter marks a type stale when its last successful fetch
// is older than an hour.
const DefaultStaleAfter = time.Hour

// DefaultStaleCheckInterval is how often the background freshness check
// runs.
const DefaultStaleCheckInterval = 30 * time.Minute

// writeJob carries one fetched batch to the single writer goroutine.
type writeJob struct {
	typ     string
	records []*models.Record
	fetched int64
	done    chan error
}

// Syncer performs incremental reference-data pulls. All local writes
// funnel through one goroutine, so concurrent pulls of different types
// never interleave their record and version writes.
type Syncer struct {
	store      *db.Store
	versions   *db.RefDataRepo
	api        remote.API
	types      []string
	staleAfter time.Duration

	writeCh chan writeJob

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	onStale func(types []string)
	now     func() time.Time
}

// NewSyncer creates a Syncer for the given reference-data types.
func NewSyncer(store *db.Store, versions *db.RefDataRepo, api remote.API, types []string, staleAfter time.Duration) *Syncer {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Syncer{
		store:      store,
		versions:   versions,
		api:        api,
		types:      types,
		staleAfter: staleAfter,
		writeCh:    make(chan writeJob),
		now:        time.Now,
	}
}

// OnStale registers a callback invoked with the stale type names each
// time the background check finds any. The callback only signals;
// refreshing remains the caller's decision.
func (s *Syncer) OnStale(fn func(types []string)) {
	s.onStale = fn
}

// Start launches the writer goroutine and the periodic freshness check.
func (s *Syncer) Start(ctx context.Context, checkInterval time.Duration) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	if checkInterval <= 0 {
		checkInterval = DefaultStaleCheckInterval
	}

	s.wg.Add(2)
	go s.writeLoop(stopCh)
	go s.staleLoop(ctx, checkInterval, stopCh)
}

// Stop halts the writer and the freshness check.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

// SyncAll pulls every configured type. Each type is independent; one
// failure doesn't stop the others. The first error is returned after
// all types ran.
func (s *Syncer) SyncAll(ctx context.Context) error {
	var firstErr error
	for _, typ := range s.types {
		if err := s.SyncType(ctx, typ); err != nil {
			logging.ErrorWithCode("Reference data pull failed",
				string(apperrors.CodeOf(err)), err,
				map[string]interface{}{"type": typ})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SyncType pulls one type incrementally: only items the remote changed
// after the last recorded fetch. An empty result leaves both the stored
// records and the fetch timestamp untouched, so a fetch that observed
// nothing can never mask a concurrent remote change.
func (s *Syncer) SyncType(ctx context.Context, typ string) error {
	var updatedAfter int64
	version, err := s.versions.Get(typ)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read fetch timestamp", err)
	}
	if version != nil {
		updatedAfter = version.LastSync
	}

	fetchStart := s.now().Unix()
	items, err := s.api.FetchReference(ctx, typ, updatedAfter)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		logging.Debug("Reference data unchanged",
			map[string]interface{}{"type": typ})
		return nil
	}

	records := make([]*models.Record, len(items))
	for i, item := range items {
		rec := item.ToRecord()
		rec.Kind = typ
		rec.LastSynced = fetchStart
		records[i] = rec
	}

	if err := s.submit(writeJob{typ: typ, records: records, fetched: fetchStart}); err != nil {
		return err
	}

	logging.Info("Reference data updated",
		map[string]interface{}{
			"type":  typ,
			"items": len(records),
		})
	return nil
}

// Stale returns the configured types whose last fetch is older than the
// staleness threshold. Never-fetched types are always stale.
func (s *Syncer) Stale() ([]string, error) {
	now := s.now()

	var stale []string
	for _, typ := range s.types {
		version, err := s.versions.Get(typ)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read fetch timestamp", err)
		}
		if version == nil || version.Age(now) > s.staleAfter {
			stale = append(stale, typ)
		}
	}
	return stale, nil
}

// submit hands a batch to the writer goroutine and waits for the write
// to land.
func (s *Syncer) submit(job writeJob) error {
	job.done = make(chan error, 1)

	s.mu.Lock()
	running := s.running
	stopCh := s.stopCh
	s.mu.Unlock()

	if !running {
		// No writer loop; apply inline. Single-caller startup and tests
		// take this path.
		return s.apply(job)
	}

	select {
	case s.writeCh <- job:
	case <-stopCh:
		return apperrors.New(apperrors.ErrInternal, "reference data writer stopped")
	}

	select {
	case err := <-job.done:
		return err
	case <-stopCh:
		return apperrors.New(apperrors.ErrInternal, "reference data writer stopped")
	}
}

// writeLoop is the single writer: batches land one at a time, and the
// fetch timestamp advances only after its records are durable.
func (s *Syncer) writeLoop(stopCh chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case job := <-s.writeCh:
			job.done <- s.apply(job)
		}
	}
}

func (s *Syncer) apply(job writeJob) error {
	if err := s.store.BulkPut(job.typ, job.records); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to store reference data", err)
	}
	if err := s.versions.Set(job.typ, job.fetched); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to advance fetch timestamp", err)
	}
	return nil
}

// staleLoop periodically reports stale types through the OnStale
// callback. It never refreshes on its own.
func (s *Syncer) staleLoop(ctx context.Context, interval time.Duration, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			stale, err := s.Stale()
			if err != nil {
				logging.Error("Freshness check failed", err)
				continue
			}
			if len(stale) == 0 {
				continue
			}
			logging.Warn("Reference data stale",
				map[string]interface{}{"types": stale})
			if s.onStale != nil {
				s.onStale(stale)
			}
		}
	}
}
