// Package outbox provides the durable queue of pending remote mutations.
package outbox

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lhsu/syncbox/internal/db"
	apperrors "github.com/lhsu/syncbox/internal/errors"
	"github.com/lhsu/syncbox/internal/logging"
	"github.com/lhsu/syncbox/internal/models"
	"github.com/lhsu/syncbox/internal/uuid"
)

// Queue manages outbox operations with dedupe, claim-based dequeue and
// retry backoff. The mutex serializes enqueue/dequeue so the existence
// check and the insert (and the eligibility scan and the claim) never
// interleave.
type Queue struct {
	repo        *db.OutboxRepo
	policy      BackoffPolicy
	maxAttempts int

	mu  sync.Mutex
	now func() time.Time
}

// DefaultMaxAttempts parks an operation after its third failure.
const DefaultMaxAttempts = 3

// NewQueue creates a Queue over the durable outbox table.
func NewQueue(repo *db.OutboxRepo, policy BackoffPolicy, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		repo:        repo,
		policy:      policy,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Enqueue persists a new pending operation unless a live (pending or
// syncing) operation already exists for the same (entityID, type) pair,
// in which case it logs and returns nil without touching the queue.
func (q *Queue) Enqueue(action models.OpAction, kind string, entityID models.UUID, payload json.RawMessage, priority int) (*models.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	opType := models.OpType(action, kind)

	live, err := q.repo.HasLive(entityID, opType)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to check live operations", err)
	}
	if live {
		logging.Debug("Skipping enqueue, live operation exists",
			map[string]interface{}{
				"entity_id": entityID,
				"op_type":   opType,
			})
		return nil, nil
	}

	now := q.now().Unix()
	op := &models.Operation{
		ID:        models.UUID(uuid.New()),
		Type:      opType,
		EntityID:  entityID,
		Payload:   payload,
		Status:    models.OpPending,
		Attempts:  0,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := q.repo.Insert(op); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue operation", err)
	}

	logging.Info("Enqueued operation",
		map[string]interface{}{
			"op_id":     op.ID,
			"op_type":   opType,
			"entity_id": entityID,
			"priority":  priority,
		})

	return op, nil
}

// DequeueBatch claims up to n eligible operations. Eligible means
// pending, or failed with attempts left and an elapsed backoff window.
// Each returned operation has already been flipped to syncing with
// attempts+1, so no concurrent dequeue can claim it again.
func (q *Queue) DequeueBatch(n int) ([]*models.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

	candidates, err := q.repo.ListCandidates(q.maxAttempts, now.Unix(), n)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list candidates", err)
	}

	var claimed []*models.Operation
	for _, op := range candidates {
		ok, err := q.repo.Claim(op.ID, now.Unix())
		if err != nil {
			return claimed, apperrors.Wrap(apperrors.ErrDatabase, "failed to claim operation", err)
		}
		if !ok {
			continue
		}

		op.Status = models.OpSyncing
		op.Attempts++
		op.UpdatedAt = now.Unix()
		claimed = append(claimed, op)
	}

	return claimed, nil
}

// Complete deletes a delivered operation.
func (q *Queue) Complete(id models.UUID) error {
	if err := q.repo.Delete(id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.New(apperrors.ErrOpNotFound, fmt.Sprintf("operation %s not found", id))
		}
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to complete operation", err)
	}

	logging.Debug("Completed operation", map[string]interface{}{"op_id": id})
	return nil
}

// Fail marks an operation failed with the delivery error and stamps the
// earliest next-attempt time from the backoff policy. Attempts were
// already counted at claim time; once they reach the maximum the
// operation is parked and excluded from automatic retry.
func (q *Queue) Fail(id models.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	op, err := q.repo.Get(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.New(apperrors.ErrOpNotFound, fmt.Sprintf("operation %s not found", id))
		}
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load operation", err)
	}

	now := q.now()
	nextAttempt := now.Add(q.policy.Delay(op.Attempts)).Unix()
	if err := q.repo.MarkFailed(id, msg, now.Unix(), nextAttempt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.New(apperrors.ErrOpNotFound, fmt.Sprintf("operation %s not found", id))
		}
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark operation failed", err)
	}

	if op.Attempts >= q.maxAttempts {
		logging.Warn("Operation parked after exhausting attempts",
			map[string]interface{}{
				"op_id":    id,
				"op_type":  op.Type,
				"attempts": op.Attempts,
				"error":    msg,
			})
	} else {
		logging.Info("Operation failed, will retry after backoff",
			map[string]interface{}{
				"op_id":    id,
				"op_type":  op.Type,
				"attempts": op.Attempts,
				"delay":    q.policy.Delay(op.Attempts).String(),
				"error":    msg,
			})
	}

	return nil
}

// RetryParked re-arms operations parked after exhausting their attempts.
// This is the human-triggered retry action; nothing re-arms them
// automatically.
func (q *Queue) RetryParked() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.repo.ResetParked(q.maxAttempts, q.now().Unix())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to reset parked operations", err)
	}
	if n > 0 {
		logging.Info("Reset parked operations for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}

// PendingCount returns the number of operations awaiting delivery.
func (q *Queue) PendingCount() (int, error) {
	return q.repo.PendingCount()
}

// Stats returns per-status operation counts.
func (q *Queue) Stats() (map[string]int, error) {
	return q.repo.Stats()
}

// MaxAttempts returns the configured attempt ceiling.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}
