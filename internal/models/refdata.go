// Package models provides data model definitions for the syncbox core.
package models

import "time"

// RefDataVersion tracks, per reference-data type, the timestamp of the
// last successful incremental fetch. Used to build updatedAfter filters
// and to compute staleness.
type RefDataVersion struct {
	Type     string `db:"type" json:"type"`
	LastSync int64  `db:"last_sync" json:"last_sync"`
}

// TableName returns the table name for RefDataVersion.
func (RefDataVersion) TableName() string {
	return "refdata_versions"
}

// Age returns how long ago the last successful fetch was.
func (v *RefDataVersion) Age(now time.Time) time.Duration {
	if v.LastSync == 0 {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(time.Unix(v.LastSync, 0))
}
