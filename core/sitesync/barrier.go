package sitesync

import (
	"context"
	"time"

	"github.com/crossbardb/crossbar/core/engine"
	commonutils "github.com/crossbardb/crossbar/internal/common_utils"
	"go.uber.org/zap"
)

// Role is the capability the transaction-start barrier assigns to each
// arriving partition goroutine. Exactly one goroutine per cycle receives
// RoleLeader; it alone performs the replicated mutation, propagates its undo
// action, and drives Finish.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "LEADER"
	}
	return "FOLLOWER"
}

// Enter synchronizes the start of a multi-partition transaction across all
// partition goroutines on the host. Each participant calls Enter with its
// own partition id; the call blocks until every participant has arrived.
//
// The goroutine owning the lowest registered partition id is elected leader
// deterministically, so leadership is reproducible across runs regardless of
// scheduling. Followers stay blocked until the leader calls Finish, at which
// point the leader's mutation and undo propagation are fully visible to
// them. With a single site the barrier degenerates to an immediate
// RoleLeader return and never blocks.
func (c *Coordinator) Enter(id engine.PartitionID) Role {
	ctx := context.Background()
	start := time.Now()

	c.mu.Lock()
	if !c.registry.Complete() {
		registered := c.registry.RegisteredCount()
		c.mu.Unlock()
		c.fatalf("Transaction-start barrier entered before every partition registered",
			zap.Int("registered", registered),
			zap.Int("sitesPerHost", c.registry.SiteCount()),
		)
		return RoleFollower
	}
	if c.latch == 0 {
		c.mu.Unlock()
		c.fatalf("Transaction-start barrier entered while a leader cycle is in progress",
			zap.Int32("partitionID", int32(id)),
			zap.Int64("goroutineID", commonutils.GoID()),
		)
		return RoleFollower
	}

	if c.state == stateIdle {
		c.state = stateFilling
	}
	c.latch--
	isLowest := id == c.registry.LowestSite()
	c.metrics.WaiterArrived(ctx)

	if isLowest {
		// Leader-elect: wait for the stragglers, then run the cycle.
		for c.latch > 0 {
			c.leaderWake.Wait()
		}
		c.state = stateLeaderRunning
		c.leaderGID = commonutils.GoID()
		c.mu.Unlock()

		c.metrics.WaiterReleased(ctx)
		c.metrics.RecordBarrierWait(ctx, time.Since(start).Microseconds())
		return RoleLeader
	}

	if c.latch == 0 {
		// Last arrival: hand the cycle to the waiting lowest site.
		c.leaderWake.Signal()
	}
	arrivedCycle := c.cycle
	for c.cycle == arrivedCycle {
		c.followerWake.Wait()
	}
	c.mu.Unlock()

	c.metrics.WaiterReleased(ctx)
	c.metrics.RecordBarrierWait(ctx, time.Since(start).Microseconds())
	return RoleFollower
}

// Finish completes the current barrier cycle. Only the goroutine holding
// RoleLeader for the cycle may call it: the latch is reset to sitesPerHost,
// the barrier returns to idle, and every blocked follower is released
// together. Calling Finish without leadership, from the wrong goroutine, or
// twice for one cycle is a protocol violation and fatal, because it would
// desynchronize the barrier permanently.
func (c *Coordinator) Finish() {
	c.mu.Lock()
	if c.state != stateLeaderRunning || c.leaderGID == 0 {
		state := c.state
		c.mu.Unlock()
		c.fatalf("Barrier finish called without an active leader cycle",
			zap.String("barrierState", state.String()),
			zap.Int64("goroutineID", commonutils.GoID()),
		)
		return
	}
	if gid := commonutils.GoID(); gid != c.leaderGID {
		leaderGID := c.leaderGID
		c.mu.Unlock()
		c.fatalf("Barrier finish called by a goroutine that does not hold leadership",
			zap.Int64("goroutineID", gid),
			zap.Int64("leaderGoroutineID", leaderGID),
		)
		return
	}

	c.leaderGID = 0
	c.latch = c.registry.SiteCount()
	c.state = stateIdle
	c.cycle++
	c.followerWake.Broadcast()
	c.mu.Unlock()

	c.metrics.RecordCycle(context.Background())
}
