// Package db provides the durable outbox table.
package db

import (
	"database/sql"

	"github.com/lhsu/syncbox/internal/models"
)

// OutboxRepo persists outbox operations. Claim semantics make a
// concurrent second dequeue of the same operation impossible: the row
// flips to syncing with attempts+1 in the same statement that selects it
// for delivery.
type OutboxRepo struct {
	db *DB
}

// NewOutboxRepo creates an OutboxRepo over an open database.
func NewOutboxRepo(db *DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

const operationColumns = "id, op_type, entity_id, payload, status, attempts, priority, created_at, updated_at, next_attempt_at, error"

// Insert persists a new operation.
func (r *OutboxRepo) Insert(op *models.Operation) error {
	query := `
	INSERT INTO outbox (` + operationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, op.ID, op.Type, op.EntityID, string(op.Payload),
		op.Status, op.Attempts, op.Priority, op.CreatedAt, op.UpdatedAt,
		op.NextAttemptAt, op.Error)
	return err
}

// HasLive reports whether a pending or syncing operation exists for the
// (entityID, opType) pair.
func (r *OutboxRepo) HasLive(entityID models.UUID, opType string) (bool, error) {
	query := `
	SELECT COUNT(*) FROM outbox
	WHERE entity_id = ? AND op_type = ? AND status IN ('pending', 'syncing')
	`
	var n int
	if err := r.db.QueryRow(query, entityID, opType).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get retrieves an operation by id. Returns sql.ErrNoRows when absent.
func (r *OutboxRepo) Get(id models.UUID) (*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM outbox WHERE id = ?`
	return scanOperation(r.db.QueryRow(query, id))
}

func scanOperation(row rowScanner) (*models.Operation, error) {
	var op models.Operation
	var payload string
	err := row.Scan(&op.ID, &op.Type, &op.EntityID, &payload, &op.Status,
		&op.Attempts, &op.Priority, &op.CreatedAt, &op.UpdatedAt,
		&op.NextAttemptAt, &op.Error)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	return &op, nil
}

// ListCandidates returns operations eligible for delivery at the given
// time: pending, plus failed ones with attempts left whose backoff
// window has elapsed. The whole predicate lives in the WHERE clause, so
// a backlog of failed operations waiting out their windows can never
// push eligible work past the LIMIT. Ordering is priority descending,
// then FIFO within a priority tier.
func (r *OutboxRepo) ListCandidates(maxAttempts int, now int64, limit int) ([]*models.Operation, error) {
	query := `
	SELECT ` + operationColumns + ` FROM outbox
	WHERE status = 'pending'
	   OR (status = 'failed' AND attempts < ? AND next_attempt_at <= ?)
	ORDER BY priority DESC, created_at ASC
	LIMIT ?
	`
	rows, err := r.db.Query(query, maxAttempts, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Claim atomically marks an operation syncing with attempts+1. Returns
// false if the row was already claimed or completed.
func (r *OutboxRepo) Claim(id models.UUID, now int64) (bool, error) {
	query := `
	UPDATE outbox
	SET status = 'syncing', attempts = attempts + 1, updated_at = ?
	WHERE id = ? AND status IN ('pending', 'failed')
	`
	result, err := r.db.Exec(query, now, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// Delete removes a completed operation.
func (r *OutboxRepo) Delete(id models.UUID) error {
	result, err := r.db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkFailed records a delivery failure and the earliest time the next
// attempt may run. Attempts were already counted at claim time.
func (r *OutboxRepo) MarkFailed(id models.UUID, errMsg string, now, nextAttemptAt int64) error {
	result, err := r.db.Exec(
		`UPDATE outbox SET status = 'failed', error = ?, updated_at = ?, next_attempt_at = ? WHERE id = ?`,
		errMsg, now, nextAttemptAt, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ResetParked re-arms operations parked after exhausting their attempts.
// Returns the number of operations reset.
func (r *OutboxRepo) ResetParked(maxAttempts int, now int64) (int, error) {
	result, err := r.db.Exec(`
	UPDATE outbox
	SET status = 'pending', attempts = 0, error = '', updated_at = ?, next_attempt_at = 0
	WHERE status = 'failed' AND attempts >= ?
	`, now, maxAttempts)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// PendingCount returns the number of operations still awaiting delivery,
// parked ones included.
func (r *OutboxRepo) PendingCount() (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM outbox WHERE status IN ('pending', 'syncing', 'failed')`).Scan(&n)
	return n, err
}

// Stats returns per-status operation counts.
func (r *OutboxRepo) Stats() (map[string]int, error) {
	stats := map[string]int{
		"pending": 0,
		"syncing": 0,
		"failed":  0,
	}

	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
