package sitesync

import (
	"context"
	"time"

	commonutils "github.com/crossbardb/crossbar/internal/common_utils"
	"go.uber.org/zap"
)

// ResourceGuard represents one held acquisition of the replicated-resource
// lock. Release it on every exit path, error paths included; a leaked guard
// halts all future replicated-table access host-wide.
type ResourceGuard struct {
	c        *Coordinator
	released bool
}

// AcquireReplicatedResource blocks until no other goroutine holds the
// replicated-resource lock, marks the host as being in replicated-table
// context, and returns the guard that releases it.
//
// The lock is a single host-wide resource, not per-partition: any code path
// touching a replicated table must be serialized against every other such
// path, independent of the barrier's per-transaction grouping. The lock is
// not reentrant; nested code that may already hold it checks
// IsInRepTableContext and takes the lock-free path instead of re-acquiring.
func (c *Coordinator) AcquireReplicatedResource() *ResourceGuard {
	start := time.Now()

	c.mu.Lock()
	for c.inRepTableContext {
		c.repLockWake.Wait()
	}
	c.inRepTableContext = true
	c.repHolderGID = commonutils.GoID()
	c.mu.Unlock()

	c.metrics.RecordRepLockWait(context.Background(), time.Since(start).Microseconds())
	return &ResourceGuard{c: c}
}

// Release clears the replicated-table context and wakes one waiter.
// Releasing a guard twice is a protocol violation and fatal.
func (g *ResourceGuard) Release() {
	c := g.c
	c.mu.Lock()
	if g.released || !c.inRepTableContext {
		c.mu.Unlock()
		c.fatalf("Replicated-resource lock released without being held",
			zap.Int64("goroutineID", commonutils.GoID()),
		)
		return
	}
	g.released = true
	c.inRepTableContext = false
	c.repHolderGID = 0
	c.repLockWake.Signal()
	c.mu.Unlock()
}

// IsInRepTableContext reports whether the replicated-resource lock is
// currently held by anyone, including the caller. Callers that can prove
// they already hold the lock use this to pick a fast path and avoid
// self-deadlock on the non-reentrant lock.
func (c *Coordinator) IsInRepTableContext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inRepTableContext
}
