package transaction

import (
	"github.com/google/uuid"
)

// State represents the in-memory state of a multi-partition transaction on
// this host.
type State int

const (
	StateRunning   State = iota // Transaction is active, mutations are being applied
	StateCommitted              // Undo quanta have been released on every partition
	StateAborted                // Undo quanta have been rolled back on every partition
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// MultiPartitionTxn is the in-memory record of one multi-partition
// transaction. The undo token is shared by every participating partition:
// each opens an undo quantum with this token, so a host-wide rollback is
// "undo to token" on each partition's log.
type MultiPartitionTxn struct {
	ID        uuid.UUID
	UndoToken int64
	State     State
}

// Begin creates a running transaction record for the given undo token.
func Begin(undoToken int64) *MultiPartitionTxn {
	return &MultiPartitionTxn{
		ID:        uuid.New(),
		UndoToken: undoToken,
		State:     StateRunning,
	}
}

// MarkCommitted transitions the record to COMMITTED. The caller must have
// released the transaction's quantum on every partition first.
func (t *MultiPartitionTxn) MarkCommitted() {
	t.State = StateCommitted
}

// MarkAborted transitions the record to ABORTED. The caller must have rolled
// the transaction's quantum back on every partition first.
func (t *MultiPartitionTxn) MarkAborted() {
	t.State = StateAborted
}
