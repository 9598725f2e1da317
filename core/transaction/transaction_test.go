package transaction

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBeginStartsRunningWithUniqueID(t *testing.T) {
	a := Begin(1)
	b := Begin(2)

	require.Equal(t, StateRunning, a.State)
	require.Equal(t, int64(1), a.UndoToken)
	require.NotEqual(t, uuid.Nil, a.ID)
	require.NotEqual(t, a.ID, b.ID)
}

func TestStateTransitionsAndStrings(t *testing.T) {
	txn := Begin(7)
	require.Equal(t, "RUNNING", txn.State.String())

	txn.MarkCommitted()
	require.Equal(t, StateCommitted, txn.State)
	require.Equal(t, "COMMITTED", txn.State.String())

	txn = Begin(8)
	txn.MarkAborted()
	require.Equal(t, StateAborted, txn.State)
	require.Equal(t, "ABORTED", txn.State.String())
}
