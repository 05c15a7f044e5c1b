// Package conflict provides divergence detection and resolution between
// the local replica and remote snapshots.
package conflict

import (
	"fmt"
	"reflect"
	"time"

	apperrors "github.com/lhsu/syncbox/internal/errors"
	"github.com/lhsu/syncbox/internal/logging"
	"github.com/lhsu/syncbox/internal/models"
	"github.com/lhsu/syncbox/internal/uuid"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	StrategyClientWins Strategy = "client-wins"
	StrategyServerWins Strategy = "server-wins"
	StrategyNewestWins Strategy = "newest-wins"
	StrategyManual     Strategy = "manual"

	// strategySmartMerge is reported in resolutions and logs when the
	// field-level merge path applied; it is never requested directly.
	strategySmartMerge Strategy = "smart-merge"
)

// Valid reports whether s is a requestable strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyClientWins, StrategyServerWins, StrategyNewestWins, StrategyManual:
		return true
	}
	return false
}

// Detection is the outcome of comparing a local record against a remote
// snapshot. It never mutates state.
type Detection struct {
	HasConflict        bool
	LocalVersion       int
	RemoteVersion      int
	LocalLastModified  int64
	RemoteLastModified int64
	Reason             string
}

// Detect compares local state against a remote snapshot. A conflict
// exists only when the local replica has unsynced changes AND the remote
// has independently changed since the last successful sync. A bare
// version mismatch is the ordinary "our write hasn't landed yet" case.
func Detect(local, remote *models.Record) Detection {
	det := Detection{
		LocalVersion:      local.Version,
		LocalLastModified: local.LastModified,
	}

	if remote == nil {
		det.Reason = "no remote copy"
		return det
	}

	det.RemoteVersion = remote.Version
	det.RemoteLastModified = remote.LastModified

	if local.Version == remote.Version {
		det.Reason = "versions match"
		return det
	}
	if local.SyncStatus != models.StatusPending {
		det.Reason = "no unsynced local changes"
		return det
	}
	if remote.LastModified <= local.LastSynced {
		det.Reason = "remote unchanged since last sync"
		return det
	}

	det.HasConflict = true
	det.Reason = "local unsynced changes and independent remote edit"
	return det
}

// Resolution is the outcome of resolving a conflict. Record is the
// record that should be persisted; it is nil when the local copy stands
// unchanged (client-wins) or when the conflict is unresolved (manual).
type Resolution struct {
	Record     *models.Record
	Strategy   Strategy
	Merged     bool
	Unresolved bool
	Local      *models.Record
	Remote     *models.Record
	Log        *models.ConflictLog
}

// Resolver applies resolution strategies. Record kinds registered as
// mergeable get the smart-merge path before any strategy runs.
type Resolver struct {
	mergeable map[string]bool
	now       func() time.Time
}

// NewResolver creates a Resolver. mergeKinds lists record kinds that
// support field-level union merge.
func NewResolver(mergeKinds []string) *Resolver {
	m := make(map[string]bool, len(mergeKinds))
	for _, kind := range mergeKinds {
		m[kind] = true
	}
	return &Resolver{mergeable: m, now: time.Now}
}

// Resolve resolves a conflict between local and remote using the given
// strategy. Smart merge is attempted first for mergeable kinds; its
// failure falls back to the requested strategy.
func (r *Resolver) Resolve(local, remote *models.Record, strategy Strategy) (*Resolution, error) {
	if local == nil || remote == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "both records must be non-nil")
	}
	if local.ID != remote.ID {
		return nil, apperrors.New(apperrors.ErrInvalid, "record ID mismatch")
	}
	if !strategy.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown strategy %q", strategy))
	}

	logging.Info("Resolving conflict",
		map[string]interface{}{
			"entity_id":      local.ID,
			"kind":           local.Kind,
			"local_version":  local.Version,
			"remote_version": remote.Version,
			"strategy":       strategy,
		})

	if merged, err := r.smartMerge(local, remote); err == nil {
		return r.result(local, remote, merged, strategySmartMerge, false), nil
	} else if !apperrors.Is(err, apperrors.ErrMergeNotAllowed) {
		logging.Warn("Smart merge failed, falling back to strategy",
			map[string]interface{}{
				"entity_id": local.ID,
				"strategy":  strategy,
				"error":     err.Error(),
			})
	}

	switch strategy {
	case StrategyClientWins:
		return r.result(local, remote, nil, StrategyClientWins, false), nil

	case StrategyServerWins:
		return r.result(local, remote, r.applyRemote(remote), StrategyServerWins, false), nil

	case StrategyNewestWins:
		if remote.LastModified > local.LastModified {
			return r.result(local, remote, r.applyRemote(remote), StrategyNewestWins, false), nil
		}
		return r.result(local, remote, nil, StrategyNewestWins, false), nil

	case StrategyManual:
		logging.Warn("Conflict requires manual resolution",
			map[string]interface{}{
				"entity_id": local.ID,
				"kind":      local.Kind,
			})
		return r.result(local, remote, nil, StrategyManual, true), nil
	}

	return nil, apperrors.New(apperrors.ErrInternal, "unreachable strategy")
}

// applyRemote builds the local record that mirrors the remote snapshot:
// overwritten data, remote version, synced status, fresh lastSynced.
func (r *Resolver) applyRemote(remote *models.Record) *models.Record {
	rec := remote.Clone()
	rec.SyncStatus = models.StatusSynced
	rec.LastSynced = r.now().Unix()
	rec.SyncError = ""
	return rec
}

// smartMerge unions local and remote field maps: the remote map is the
// base, every local field that differs from the remote equivalent wins.
// The merge is itself a new local change, so the result goes back to
// pending with a refreshed modification timestamp.
func (r *Resolver) smartMerge(local, remote *models.Record) (*models.Record, error) {
	if !r.mergeable[local.Kind] {
		return nil, apperrors.New(apperrors.ErrMergeNotAllowed,
			fmt.Sprintf("kind %q does not support field-level merge", local.Kind))
	}
	if local.Data == nil || remote.Data == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "missing field map")
	}

	merged := remote.Data.Clone()
	for key, localValue := range local.Data {
		remoteValue, ok := merged[key]
		if !ok || !reflect.DeepEqual(localValue, remoteValue) {
			merged[key] = localValue
		}
	}

	rec := local.Clone()
	rec.Data = merged
	if remote.Version > rec.Version {
		rec.Version = remote.Version
	}
	rec.Version++
	rec.SyncStatus = models.StatusPending
	rec.LastModified = r.now().Unix()
	rec.SyncError = ""

	return rec, nil
}

// result assembles a Resolution with its conflict log entry.
func (r *Resolver) result(local, remote *models.Record, record *models.Record, applied Strategy, unresolved bool) *Resolution {
	resolution := string(applied)
	if unresolved {
		resolution = "manual_review_required"
	}

	entry := &models.ConflictLog{
		ID:              models.UUID(uuid.New()),
		EntityID:        local.ID,
		Kind:            local.Kind,
		LocalVersion:    local.Version,
		RemoteVersion:   remote.Version,
		LocalTimestamp:  local.LastModified,
		RemoteTimestamp: remote.LastModified,
		Resolution:      resolution,
		DetectedAt:      r.now().Unix(),
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"entity_id":  local.ID,
			"kind":       local.Kind,
			"resolution": resolution,
			"merged":     applied == strategySmartMerge,
		})

	return &Resolution{
		Record:     record,
		Strategy:   applied,
		Merged:     applied == strategySmartMerge,
		Unresolved: unresolved,
		Local:      local,
		Remote:     remote,
		Log:        entry,
	}
}
