package sitesync

import (
	"context"

	undolog "github.com/crossbardb/crossbar/core/undo_log"
	commonutils "github.com/crossbardb/crossbar/internal/common_utils"
	"go.uber.org/zap"
)

// RegisterUndoAction registers an undo action for the current transaction.
//
// With replicated=false this is ordinary single-partition behavior: the
// action (and optional interest) lands on the caller's own quantum only.
//
// With replicated=true the action and interest are appended to the current
// undo quantum of every registered partition, in ascending PartitionID
// order, so a rollback of the owning multi-partition transaction undoes
// every partition's copy of the replicated table identically. This path is
// only valid while the caller holds RoleLeader from Enter, or on a
// single-site host where exclusive access is structural; anything else would
// race unguarded writes into other partitions' undo logs and corrupt them,
// so it is a protocol violation and fatal. The same is true of a partition
// with no open quantum to receive the action.
func (c *Coordinator) RegisterUndoAction(replicated bool, quantum *undolog.Quantum, action undolog.Action, interest undolog.ReleaseInterest) {
	if !replicated {
		quantum.RegisterAction(action)
		if interest != nil {
			quantum.RegisterInterest(interest)
		}
		return
	}

	c.mu.Lock()
	singleSite := c.registry.SiteCount() == 1
	isLeader := c.state == stateLeaderRunning && c.leaderGID == commonutils.GoID()
	if !isLeader && !singleSite {
		state := c.state
		c.mu.Unlock()
		c.fatalf("Replicated undo registration without barrier leadership",
			zap.String("barrierState", state.String()),
			zap.Int64("goroutineID", commonutils.GoID()),
		)
		return
	}
	c.mu.Unlock()

	// Exclusive access to every partition's log is guaranteed while the
	// followers are parked in the barrier (or trivially on a single-site
	// host), so the fan-out itself needs no locking.
	fanout := c.registry.All()
	for _, locals := range fanout {
		uq := locals.Undo.CurrentQuantum()
		if uq == nil {
			c.fatalf("Replicated undo fan-out found a partition with no open undo quantum",
				zap.Int32("partitionID", int32(locals.PartitionID)),
			)
			return
		}
		uq.RegisterAction(action)
		if interest != nil {
			uq.RegisterInterest(interest)
		}
	}

	c.metrics.RecordUndoFanout(context.Background(), int64(len(fanout)))
}
