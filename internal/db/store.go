// Package db provides the record store owned by the sync core.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lhsu/syncbox/internal/models"
)

// Indexer extracts secondary-key values from a record's field map.
// Declared per kind; every returned key/value pair becomes an equality-
// queryable index entry.
type Indexer func(models.FieldMap) map[string]string

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Store provides keyed access to the records table. Record state is
// exclusively owned here; mutation happens only through the change
// interceptor, which drives the Tx variants.
type Store struct {
	db       *DB
	indexers map[string]Indexer
}

// NewStore creates a Store over an open database.
func NewStore(db *DB) *Store {
	return &Store{
		db:       db,
		indexers: make(map[string]Indexer),
	}
}

// DeclareIndex registers the secondary-key extractor for a kind.
func (s *Store) DeclareIndex(kind string, fn Indexer) {
	s.indexers[kind] = fn
}

// Begin starts a transaction for interceptor use.
func (s *Store) Begin() (*sql.Tx, error) {
	return s.db.Begin()
}

const recordColumns = "kind, id, data, version, sync_status, last_modified, last_synced, sync_error"

// Get retrieves a record by kind and id. Returns sql.ErrNoRows when the
// record does not exist.
func (s *Store) Get(kind, id string) (*models.Record, error) {
	return s.getIn(s.db, kind, id)
}

// GetTx retrieves a record inside an open transaction.
func (s *Store) GetTx(tx *sql.Tx, kind, id string) (*models.Record, error) {
	return s.getIn(tx, kind, id)
}

func (s *Store) getIn(q dbtx, kind, id string) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE kind = ? AND id = ?`
	return scanRecord(q.QueryRow(query, kind, id))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var rec models.Record
	var data string
	err := row.Scan(&rec.Kind, &rec.ID, &data, &rec.Version, &rec.SyncStatus,
		&rec.LastModified, &rec.LastSynced, &rec.SyncError)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, fmt.Errorf("corrupt record data for %s/%s: %w", rec.Kind, rec.ID, err)
	}
	return &rec, nil
}

// Put upserts a record and refreshes its index entries.
func (s *Store) Put(rec *models.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.PutTx(tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// PutTx upserts a record inside an open transaction.
func (s *Store) PutTx(tx *sql.Tx, rec *models.Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal record data: %w", err)
	}

	query := `
	INSERT INTO records (kind, id, data, version, sync_status, last_modified, last_synced, sync_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(kind, id) DO UPDATE SET
		data = excluded.data,
		version = excluded.version,
		sync_status = excluded.sync_status,
		last_modified = excluded.last_modified,
		last_synced = excluded.last_synced,
		sync_error = excluded.sync_error
	`
	_, err = tx.Exec(query, rec.Kind, rec.ID, string(data), rec.Version,
		rec.SyncStatus, rec.LastModified, rec.LastSynced, rec.SyncError)
	if err != nil {
		return err
	}

	return s.refreshIndex(tx, rec)
}

// refreshIndex rewrites the secondary-key entries for a record.
func (s *Store) refreshIndex(tx *sql.Tx, rec *models.Record) error {
	fn, ok := s.indexers[rec.Kind]
	if !ok {
		return nil
	}

	if _, err := tx.Exec(`DELETE FROM record_index WHERE kind = ? AND record_id = ?`,
		rec.Kind, rec.ID); err != nil {
		return err
	}
	for key, value := range fn(rec.Data) {
		if _, err := tx.Exec(
			`INSERT INTO record_index (kind, idx_key, idx_value, record_id) VALUES (?, ?, ?, ?)`,
			rec.Kind, key, value, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// BulkPut upserts a batch of records of one kind in a single transaction.
func (s *Store) BulkPut(kind string, recs []*models.Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if rec.Kind == "" {
			rec.Kind = kind
		}
		if err := s.PutTx(tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Delete removes a record. Index entries cascade.
func (s *Store) Delete(kind, id string) error {
	result, err := s.db.Exec(`DELETE FROM records WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListByIndex returns all records of a kind whose declared secondary key
// equals the given value.
func (s *Store) ListByIndex(kind, key, value string) ([]*models.Record, error) {
	query := `
	SELECT ` + qualifiedRecordColumns("r") + `
	FROM records r
	JOIN record_index i ON i.kind = r.kind AND i.record_id = r.id
	WHERE r.kind = ? AND i.idx_key = ? AND i.idx_value = ?
	ORDER BY r.last_modified DESC
	`
	return s.queryRecords(query, kind, key, value)
}

// ListByStatus returns all records of a kind in a given sync status.
func (s *Store) ListByStatus(kind string, status models.SyncStatus) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE kind = ? AND sync_status = ? ORDER BY last_modified DESC`
	return s.queryRecords(query, kind, status)
}

func qualifiedRecordColumns(alias string) string {
	return alias + ".kind, " + alias + ".id, " + alias + ".data, " + alias + ".version, " +
		alias + ".sync_status, " + alias + ".last_modified, " + alias + ".last_synced, " + alias + ".sync_error"
}

func (s *Store) queryRecords(query string, args ...interface{}) ([]*models.Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CreateConflictLog inserts a conflict log entry.
func (s *Store) CreateConflictLog(entry *models.ConflictLog) error {
	query := `
	INSERT INTO conflict_log (id, entity_id, kind, local_version, remote_version,
		local_timestamp, remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, entry.ID, entry.EntityID, entry.Kind,
		entry.LocalVersion, entry.RemoteVersion, entry.LocalTimestamp,
		entry.RemoteTimestamp, entry.Resolution, entry.DetectedAt)
	return err
}

// ListConflictLogs returns conflict log entries for an entity, newest first.
func (s *Store) ListConflictLogs(entityID string) ([]*models.ConflictLog, error) {
	query := `
	SELECT id, entity_id, kind, local_version, remote_version,
		   local_timestamp, remote_timestamp, resolution, detected_at
	FROM conflict_log WHERE entity_id = ? ORDER BY detected_at DESC
	`
	rows, err := s.db.Query(query, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var entry models.ConflictLog
		if err := rows.Scan(&entry.ID, &entry.EntityID, &entry.Kind,
			&entry.LocalVersion, &entry.RemoteVersion, &entry.LocalTimestamp,
			&entry.RemoteTimestamp, &entry.Resolution, &entry.DetectedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}
