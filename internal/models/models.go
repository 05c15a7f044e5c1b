// Package models provides data model definitions for the syncbox core.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncStatus represents the synchronization state of a record.
type SyncStatus string

const (
	StatusDraft   SyncStatus = "draft"
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// FieldMap is the opaque domain payload of a record. The core never
// interprets individual fields except during smart merge.
type FieldMap map[string]interface{}

// Clone returns a shallow copy of the field map.
func (f FieldMap) Clone() FieldMap {
	if f == nil {
		return nil
	}
	out := make(FieldMap, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Record is the generic envelope around any domain entity held in the
// local replica. Version increases monotonically on every mutation that
// is not a metadata-only update; LastSynced is zero until the first
// successful sync.
type Record struct {
	ID           UUID       `db:"id" json:"id"`
	Kind         string     `db:"kind" json:"kind"`
	Data         FieldMap   `db:"data" json:"data"`
	Version      int        `db:"version" json:"version"`
	SyncStatus   SyncStatus `db:"sync_status" json:"sync_status"`
	LastModified int64      `db:"last_modified" json:"last_modified"`
	LastSynced   int64      `db:"last_synced" json:"last_synced,omitempty"`
	SyncError    string     `db:"sync_error" json:"sync_error,omitempty"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// Touch bumps the version and refreshes the modification timestamp.
func (r *Record) Touch() {
	r.Version++
	r.LastModified = time.Now().Unix()
}

// Clone returns a deep-enough copy for resolver use (the field map is
// copied, values are shared).
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Data = r.Data.Clone()
	return &cp
}

// LastModifiedTime returns LastModified as time.Time.
func (r *Record) LastModifiedTime() time.Time {
	return time.Unix(r.LastModified, 0)
}

// LastSyncedTime returns LastSynced as time.Time, zero if never synced.
func (r *Record) LastSyncedTime() time.Time {
	if r.LastSynced == 0 {
		return time.Time{}
	}
	return time.Unix(r.LastSynced, 0)
}
