// Package db provides the reference-data version table.
package db

import (
	"database/sql"
	"errors"

	"github.com/lhsu/syncbox/internal/models"
)

// RefDataRepo tracks the last successful incremental fetch per
// reference-data type.
type RefDataRepo struct {
	db *DB
}

// NewRefDataRepo creates a RefDataRepo over an open database.
func NewRefDataRepo(db *DB) *RefDataRepo {
	return &RefDataRepo{db: db}
}

// Get returns the version row for a type, or nil when the type has never
// been fetched.
func (r *RefDataRepo) Get(typ string) (*models.RefDataVersion, error) {
	var v models.RefDataVersion
	err := r.db.QueryRow(
		`SELECT type, last_sync FROM refdata_versions WHERE type = ?`, typ).
		Scan(&v.Type, &v.LastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Set records the timestamp of a successful fetch for a type.
func (r *RefDataRepo) Set(typ string, lastSync int64) error {
	_, err := r.db.Exec(`
	INSERT INTO refdata_versions (type, last_sync) VALUES (?, ?)
	ON CONFLICT(type) DO UPDATE SET last_sync = excluded.last_sync
	`, typ, lastSync)
	return err
}

// List returns all tracked types.
func (r *RefDataRepo) List() ([]*models.RefDataVersion, error) {
	rows, err := r.db.Query(`SELECT type, last_sync FROM refdata_versions ORDER BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*models.RefDataVersion
	for rows.Next() {
		var v models.RefDataVersion
		if err := rows.Scan(&v.Type, &v.LastSync); err != nil {
			return nil, err
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}
