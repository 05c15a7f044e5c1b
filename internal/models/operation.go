// Package models provides data model definitions for the syncbox core.
package models

import "encoding/json"

// OpStatus represents the lifecycle state of an outbox operation.
type OpStatus string

const (
	OpPending   OpStatus = "pending"
	OpSyncing   OpStatus = "syncing"
	OpFailed    OpStatus = "failed"
	OpCompleted OpStatus = "completed"
)

// OpAction is the kind of remote mutation an operation carries.
type OpAction string

const (
	ActionCreate OpAction = "create"
	ActionUpdate OpAction = "update"
)

// Operation is a durable outbox entry: one pending remote mutation.
// At most one live (pending or syncing) operation exists per
// (EntityID, Type) pair.
type Operation struct {
	ID        UUID            `db:"id" json:"id"`
	Type      string          `db:"op_type" json:"type"` // e.g. "update:report"
	EntityID  UUID            `db:"entity_id" json:"entity_id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Status    OpStatus        `db:"status" json:"status"`
	Attempts  int             `db:"attempts" json:"attempts"`
	Priority  int             `db:"priority" json:"priority"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
	// NextAttemptAt is the earliest Unix time a failed operation may be
	// claimed again; zero means immediately.
	NextAttemptAt int64  `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	Error         string `db:"error" json:"error,omitempty"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "outbox"
}

// Live reports whether the operation blocks enqueueing a duplicate.
func (o *Operation) Live() bool {
	return o.Status == OpPending || o.Status == OpSyncing
}

// OpType builds the operation type tag from an action and a record kind.
func OpType(action OpAction, kind string) string {
	return string(action) + ":" + kind
}

// SplitOpType splits a type tag back into action and kind. The second
// return is empty for malformed tags.
func SplitOpType(opType string) (OpAction, string) {
	for i := 0; i < len(opType); i++ {
		if opType[i] == ':' {
			return OpAction(opType[:i]), opType[i+1:]
		}
	}
	return OpAction(opType), ""
}
