// Package engine defines the per-partition execution context ("locals") and
// the process-wide registry mapping partition ids to those contexts.
//
// The registry is the substrate the synchronization core walks to reach
// every partition on the host, most importantly for replicated undo fan-out.
// It is populated once per partition during startup and is treated as
// read-only afterwards: once fully populated it may be read from any
// goroutine without locking.
package engine

import (
	"fmt"
	"sort"
	"sync"

	undolog "github.com/crossbardb/crossbar/core/undo_log"
	"go.uber.org/zap"
)

// PartitionID is the stable identifier of one partition (site) on this host.
type PartitionID int32

// Locals is one partition's execution context: the handle other components
// use to reach the partition's undo log and site bookkeeping. It is created
// by the partition goroutine at startup, registered exactly once, and torn
// down only at process shutdown.
type Locals struct {
	PartitionID PartitionID
	Undo        *undolog.Log
}

// NewLocals creates the execution context for one partition with an empty
// undo log.
func NewLocals(id PartitionID) *Locals {
	return &Locals{
		PartitionID: id,
		Undo:        undolog.NewLog(),
	}
}

// Registry maps PartitionID to Locals for every partition on the host.
//
// Registration is guarded; reads after the registry reports Complete() need
// no lock because the mapping never changes again until Teardown.
type Registry struct {
	mu           sync.Mutex
	sitesPerHost int
	byPartition  map[PartitionID]*Locals
	ordered      []*Locals // sorted by PartitionID, rebuilt on registration
	logger       *zap.Logger
}

// NewRegistry creates a registry sized for the configured sites-per-host.
// sitesPerHost is fixed for the process lifetime; there is no dynamic
// reconfiguration.
func NewRegistry(sitesPerHost int, logger *zap.Logger) (*Registry, error) {
	if sitesPerHost < 1 {
		return nil, fmt.Errorf("sites per host must be at least 1, got %d", sitesPerHost)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sitesPerHost: sitesPerHost,
		byPartition:  make(map[PartitionID]*Locals, sitesPerHost),
		logger:       logger,
	}, nil
}

// Register inserts one partition's locals. It is callable once per partition
// at startup; a duplicate id or an attempt to register more partitions than
// sitesPerHost is a configuration error.
func (r *Registry) Register(locals *Locals) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byPartition[locals.PartitionID]; ok {
		return fmt.Errorf("partition %d is already registered", locals.PartitionID)
	}
	if len(r.byPartition) >= r.sitesPerHost {
		return fmt.Errorf("registering partition %d would exceed the configured %d sites per host",
			locals.PartitionID, r.sitesPerHost)
	}
	r.byPartition[locals.PartitionID] = locals
	r.ordered = append(r.ordered, locals)
	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].PartitionID < r.ordered[j].PartitionID
	})

	r.logger.Info("Registered partition engine locals",
		zap.Int32("partitionID", int32(locals.PartitionID)),
		zap.Int("registered", len(r.byPartition)),
		zap.Int("sitesPerHost", r.sitesPerHost),
	)
	return nil
}

// SiteCount returns the configured sites-per-host used to size the
// transaction-start barrier.
func (r *Registry) SiteCount() int {
	return r.sitesPerHost
}

// RegisteredCount returns how many partitions have registered so far.
func (r *Registry) RegisteredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPartition)
}

// Complete reports whether every expected partition has registered.
func (r *Registry) Complete() bool {
	return r.RegisteredCount() == r.sitesPerHost
}

// All returns the registered locals in ascending PartitionID order, so that
// fan-out over partitions is deterministic and reproducible. The returned
// slice must not be mutated.
func (r *Registry) All() []*Locals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ordered
}

// Get returns the locals for one partition, or nil if it is not registered.
func (r *Registry) Get(id PartitionID) *Locals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byPartition[id]
}

// LowestSite returns the smallest registered PartitionID. This is the
// deterministic tie-break for barrier leadership: the partition goroutine
// owning the lowest site id is elected leader for every cycle. Calling it
// before any partition has registered is invalid.
func (r *Registry) LowestSite() PartitionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ordered[0].PartitionID
}

// Teardown clears the mapping. Only valid at process shutdown, when no
// transactions are in flight.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPartition = make(map[PartitionID]*Locals)
	r.ordered = nil
	r.logger.Info("Engine registry torn down")
}
