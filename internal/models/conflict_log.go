// Package models provides data model definitions for the syncbox core.
package models

// ConflictLog records a resolved (or escalated) conflict for user
// awareness: both versions, both timestamps, and the outcome.
type ConflictLog struct {
	ID              UUID   `db:"id" json:"id"`
	EntityID        UUID   `db:"entity_id" json:"entity_id"`
	Kind            string `db:"kind" json:"kind"`
	LocalVersion    int    `db:"local_version" json:"local_version"`
	RemoteVersion   int    `db:"remote_version" json:"remote_version"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string `db:"resolution" json:"resolution"`
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}
