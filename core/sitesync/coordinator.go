// Package sitesync is the cross-partition synchronization core: the only
// point at which the otherwise independent partition goroutines of one host
// coordinate. It provides the transaction-start barrier that elects a single
// leader for replicated-table mutations, the host-wide replicated-resource
// lock, and replicated undo fan-out across every partition's undo log.
//
// Replicated tables are duplicated identically on every partition, so a
// correctness bug here silently diverges the copies. None of these
// operations return recoverable errors: a violated protocol contract means
// the surrounding dispatch logic is broken and the process is terminated
// with a diagnostic.
package sitesync

import (
	"fmt"
	"sync"

	"github.com/crossbardb/crossbar/core/engine"
	internaltelemetry "github.com/crossbardb/crossbar/internal/telemetry"
	"go.uber.org/zap"
)

// barrierState tracks where the transaction-start barrier is in its cycle.
type barrierState int

const (
	stateIdle          barrierState = iota // no cycle in progress
	stateFilling                           // partition goroutines arriving
	stateLeaderRunning                     // leader executing the replicated mutation
)

func (s barrierState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateFilling:
		return "FILLING"
	case stateLeaderRunning:
		return "LEADER_RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Coordinator is the process-wide synchronization context shared by every
// partition goroutine on the host. It owns the engine registry, the
// transaction-start barrier, and the replicated-resource lock.
//
// One mutex guards the countdown latch, both barrier wait conditions, and
// the "in replicated-table context" flag; the mutex/condition pairing is
// what establishes the happens-before edge between the leader's mutation and
// the followers observing it.
type Coordinator struct {
	logger   *zap.Logger
	metrics  *internaltelemetry.SyncMetrics
	registry *engine.Registry

	mu           sync.Mutex
	followerWake *sync.Cond // broadcast by Finish, releases the cycle's followers
	leaderWake   *sync.Cond // signalled when the countdown latch reaches zero
	repLockWake  *sync.Cond // signalled when the replicated-resource lock is released

	state     barrierState
	latch     int    // countdown latch, in [0, sitesPerHost]
	cycle     uint64 // completed-cycle counter; followers wait for it to advance
	leaderGID int64  // goroutine id of the current leader, 0 when none

	inRepTableContext bool
	repHolderGID      int64

	// fatalf reports an unrecoverable protocol violation and must not
	// return to normal control flow. Defaults to logger.Fatal; tests
	// replace it with a panicking recorder.
	fatalf func(msg string, fields ...zap.Field)
}

// New creates the synchronization context for a host with the given number
// of partitions. sitesPerHost is fixed for the process lifetime. metrics may
// be nil, in which case no telemetry is recorded.
func New(sitesPerHost int, logger *zap.Logger, metrics *internaltelemetry.SyncMetrics) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry, err := engine.NewRegistry(sitesPerHost, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine registry: %w", err)
	}

	c := &Coordinator{
		logger:   logger,
		metrics:  metrics,
		registry: registry,
		state:    stateIdle,
		latch:    sitesPerHost,
	}
	c.followerWake = sync.NewCond(&c.mu)
	c.leaderWake = sync.NewCond(&c.mu)
	c.repLockWake = sync.NewCond(&c.mu)
	c.fatalf = func(msg string, fields ...zap.Field) {
		c.logger.Fatal(msg, fields...)
	}

	logger.Info("Created cross-partition sync coordinator",
		zap.Int("sitesPerHost", sitesPerHost),
	)
	return c, nil
}

// InitPartition registers one partition's engine locals. Called exactly once
// per partition goroutine at startup, before any transaction traffic begins.
// A duplicate registration is a protocol violation and fatal.
func (c *Coordinator) InitPartition(locals *engine.Locals) {
	if err := c.registry.Register(locals); err != nil {
		c.fatalf("Partition registration violated the startup contract",
			zap.Int32("partitionID", int32(locals.PartitionID)),
			zap.Error(err),
		)
	}
}

// Registry exposes the engine registry for deterministic partition fan-out.
func (c *Coordinator) Registry() *engine.Registry {
	return c.registry
}

// Close tears the coordinator down at process shutdown. Calling it while a
// barrier cycle is in progress or the replicated-resource lock is held is a
// protocol violation and fatal.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.state != stateIdle || c.inRepTableContext {
		state, inRepContext := c.state, c.inRepTableContext
		c.mu.Unlock()
		c.fatalf("Coordinator closed while cross-partition work is in flight",
			zap.String("barrierState", state.String()),
			zap.Bool("inRepTableContext", inRepContext),
		)
		return
	}
	c.mu.Unlock()

	c.registry.Teardown()
	c.logger.Info("Cross-partition sync coordinator closed")
}
