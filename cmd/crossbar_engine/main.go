// crossbar_engine runs a single-host partitioned execution demo: one
// goroutine per partition, a private partitioned table and a host-wide
// replicated table copy on each, and a rate-limited driver injecting
// single-partition and multi-partition transactions. Multi-partition writes
// exercise the full replicated-table protocol (resource lock, start barrier,
// leader mutation, undo fan-out), including randomized rollbacks; at
// shutdown the host verifies that every partition's replicated copy is still
// identical.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/crossbardb/crossbar/core/engine"
	"github.com/crossbardb/crossbar/core/sitesync"
	"github.com/crossbardb/crossbar/core/transaction"
	internaltelemetry "github.com/crossbardb/crossbar/internal/telemetry"
	"github.com/crossbardb/crossbar/pkg/logger"
	"github.com/crossbardb/crossbar/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	sitesPerHost   = flag.Int("sites", 4, "Number of partitions (sites) on this host")
	txnRate        = flag.Float64("rate", 200, "Transactions injected per second")
	mpRatio        = flag.Float64("mp_ratio", 0.1, "Fraction of transactions that are multi-partition replicated writes")
	abortRatio     = flag.Float64("abort_ratio", 0.2, "Fraction of transactions that roll back")
	runDuration    = flag.Duration("duration", 30*time.Second, "How long to run the workload (0 = until signalled)")
	seed           = flag.Int64("seed", 0, "Workload RNG seed (0 = time-based)")
	logLevel       = flag.String("log_level", "info", "Minimum log level")
	logFormat      = flag.String("log_format", "console", "Log format: json or console")
	telemetryOn    = flag.Bool("telemetry", false, "Enable OpenTelemetry metrics")
	prometheusPort = flag.Int("prometheus_port", 9464, "Port for the Prometheus /metrics endpoint")
)

const workerQueueSize = 64

// command is a unit of work delivered to one partition worker.
type command interface{}

// spWrite is a single-partition write against the worker's private table.
type spWrite struct {
	key   string
	value string
	token int64
	abort bool
}

// mpWrite is a multi-partition write against the replicated table. The same
// command is delivered to every worker; done gates all of them until the
// slowest has finished its commit or rollback, so no worker can observe a
// half-rolled-back replicated table.
type mpWrite struct {
	key   string
	value string
	token int64
	abort bool
	done  *sync.WaitGroup
}

// partitionWorker is one partition's execution context: its goroutine, its
// engine locals, its private partitioned table, and its copy of the
// replicated table.
type partitionWorker struct {
	id          engine.PartitionID
	locals      *engine.Locals
	host        *host
	cmds        chan command
	partitioned map[string]string
	replicated  map[string]string
	logger      *zap.Logger
}

// host wires the coordinator and all partition workers together.
type host struct {
	coord      *sitesync.Coordinator
	workers    []*partitionWorker
	logger     *zap.Logger
	wg         sync.WaitGroup
	mpReleases atomic.Int64

	committed atomic.Int64
	aborted   atomic.Int64
}

// NotifyQuantumRelease counts released replicated quanta; registered as the
// release interest on every replicated undo registration.
func (h *host) NotifyQuantumRelease() {
	h.mpReleases.Add(1)
}

// replicatedWriteUndo restores the pre-write value of one key on every
// partition's replicated copy. It lands on every partition's quantum, so
// Undo runs once per partition; the Once guard makes the restore itself
// happen exactly once host-wide. Callers serialize on the command's
// WaitGroup before touching replicated state again.
type replicatedWriteUndo struct {
	once    sync.Once
	host    *host
	key     string
	prev    map[engine.PartitionID]string
	existed map[engine.PartitionID]bool
}

func (u *replicatedWriteUndo) Undo() {
	u.once.Do(func() {
		for _, w := range u.host.workers {
			if u.existed[w.id] {
				w.replicated[u.key] = u.prev[w.id]
			} else {
				delete(w.replicated, u.key)
			}
		}
	})
}

func (u *replicatedWriteUndo) Release() {}

// spWriteUndo restores the pre-write value of one key on one partition's
// private table.
type spWriteUndo struct {
	worker  *partitionWorker
	key     string
	prev    string
	existed bool
}

func (u *spWriteUndo) Undo() {
	if u.existed {
		u.worker.partitioned[u.key] = u.prev
	} else {
		delete(u.worker.partitioned, u.key)
	}
}

func (u *spWriteUndo) Release() {}

func main() {
	flag.Parse()

	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize logger: %v", err)
	}
	defer zlogger.Sync()

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        *telemetryOn,
		ServiceName:    "crossbar-engine",
		PrometheusPort: *prometheusPort,
	})
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize telemetry", zap.Error(err))
	}
	defer telShutdown(context.Background())

	metrics, err := internaltelemetry.NewSyncMetrics(tel.Meter)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to create sync metrics", zap.Error(err))
	}

	h, err := newHost(*sitesPerHost, zlogger, metrics)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize host", zap.Error(err))
	}

	zlogger.Info("Starting crossbar engine host",
		zap.Int("sitesPerHost", *sitesPerHost),
		zap.Float64("rate", *txnRate),
		zap.Float64("mpRatio", *mpRatio),
		zap.Float64("abortRatio", *abortRatio),
		zap.Duration("duration", *runDuration),
	)

	ctx, cancel := workloadContext()
	defer cancel()
	h.runWorkload(ctx)

	h.shutdown()
}

// workloadContext ends the workload on SIGINT/SIGTERM or after -duration.
func workloadContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if *runDuration > 0 {
		tctx, tcancel := context.WithTimeout(ctx, *runDuration)
		return tctx, func() {
			tcancel()
			stop()
		}
	}
	return ctx, stop
}

// newHost creates the coordinator and spawns one worker goroutine per
// partition, each registering its engine locals before any traffic starts.
func newHost(sites int, zlogger *zap.Logger, metrics *internaltelemetry.SyncMetrics) (*host, error) {
	coord, err := sitesync.New(sites, zlogger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync coordinator: %w", err)
	}

	h := &host{coord: coord, logger: zlogger}
	for i := 0; i < sites; i++ {
		w := &partitionWorker{
			id:          engine.PartitionID(i),
			locals:      engine.NewLocals(engine.PartitionID(i)),
			host:        h,
			cmds:        make(chan command, workerQueueSize),
			partitioned: make(map[string]string),
			replicated:  make(map[string]string),
			logger:      zlogger.With(zap.Int32("partitionID", int32(i))),
		}
		coord.InitPartition(w.locals)
		h.workers = append(h.workers, w)
	}
	for _, w := range h.workers {
		h.wg.Add(1)
		go w.run()
	}
	return h, nil
}

// runWorkload injects transactions at the configured rate until ctx ends.
func (h *host) runWorkload(ctx context.Context) {
	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(rngSeed))
	limiter := rate.NewLimiter(rate.Limit(*txnRate), 1)

	var nextToken int64 = 1
	for {
		if err := limiter.Wait(ctx); err != nil {
			return // context cancelled or deadline hit
		}
		token := nextToken
		nextToken++
		abort := rng.Float64() < *abortRatio
		key := fmt.Sprintf("key-%04d", rng.Intn(512))
		value := fmt.Sprintf("val-%d", token)

		txn := transaction.Begin(token)
		if rng.Float64() < *mpRatio {
			done := &sync.WaitGroup{}
			done.Add(len(h.workers))
			for _, w := range h.workers {
				w.cmds <- mpWrite{key: key, value: value, token: token, abort: abort, done: done}
			}
		} else {
			target := h.workers[rng.Intn(len(h.workers))]
			target.cmds <- spWrite{key: key, value: value, token: token, abort: abort}
		}
		if abort {
			txn.MarkAborted()
			h.aborted.Add(1)
		} else {
			txn.MarkCommitted()
			h.committed.Add(1)
		}
		h.logger.Debug("Injected transaction",
			zap.String("txnID", txn.ID.String()),
			zap.Int64("undoToken", token),
			zap.String("state", txn.State.String()),
		)
	}
}

// shutdown drains the workers, verifies replicated copies, and tears the
// coordinator down.
func (h *host) shutdown() {
	for _, w := range h.workers {
		close(w.cmds)
	}
	h.wg.Wait()

	if err := h.verifyReplicatedCopies(); err != nil {
		h.logger.Error("Replicated table copies diverged", zap.Error(err))
	} else {
		h.logger.Info("Replicated table copies are identical across all partitions",
			zap.Int("entries", len(h.workers[0].replicated)),
		)
	}

	h.coord.Close()
	h.logger.Info("Workload summary",
		zap.Int64("committed", h.committed.Load()),
		zap.Int64("aborted", h.aborted.Load()),
		zap.Int64("replicatedQuantumReleases", h.mpReleases.Load()),
	)
}

// verifyReplicatedCopies compares every partition's replicated copy against
// partition 0's.
func (h *host) verifyReplicatedCopies() error {
	reference := h.workers[0].replicated
	for _, w := range h.workers[1:] {
		if len(w.replicated) != len(reference) {
			return fmt.Errorf("partition %d has %d replicated entries, partition %d has %d",
				w.id, len(w.replicated), h.workers[0].id, len(reference))
		}
		for k, v := range reference {
			if other, ok := w.replicated[k]; !ok || other != v {
				return fmt.Errorf("partition %d disagrees on key %q: %q vs %q", w.id, k, other, v)
			}
		}
	}
	return nil
}

// run is the partition goroutine's main loop. Outside the synchronization
// core the worker proceeds fully independently; only replicated-table work
// coordinates with the other partitions.
func (w *partitionWorker) run() {
	defer w.host.wg.Done()
	for cmd := range w.cmds {
		switch c := cmd.(type) {
		case spWrite:
			w.handleSinglePartition(c)
		case mpWrite:
			w.handleMultiPartition(c)
		}
	}
}

// handleSinglePartition applies a write to this partition's private table
// with ordinary local undo registration.
func (w *partitionWorker) handleSinglePartition(c spWrite) {
	quantum, err := w.locals.Undo.GenerateQuantum(c.token)
	if err != nil {
		w.logger.Fatal("Undo token regression on single-partition write", zap.Error(err))
	}

	prev, existed := w.partitioned[c.key]
	w.partitioned[c.key] = c.value
	w.host.coord.RegisterUndoAction(false, quantum,
		&spWriteUndo{worker: w, key: c.key, prev: prev, existed: existed}, nil)

	if c.abort {
		w.locals.Undo.Undo(c.token)
	} else {
		w.locals.Undo.Release(c.token)
	}
}

// handleMultiPartition runs the replicated-table protocol for one write.
// The lowest site acquires the replicated-resource lock before entering the
// barrier; the elected leader mutates every partition's copy, fans the undo
// action out, and only then releases the followers and the lock.
func (w *partitionWorker) handleMultiPartition(c mpWrite) {
	quantum, err := w.locals.Undo.GenerateQuantum(c.token)
	if err != nil {
		w.logger.Fatal("Undo token regression on multi-partition write", zap.Error(err))
	}

	var guard *sitesync.ResourceGuard
	if w.id == w.host.coord.Registry().LowestSite() {
		guard = w.host.coord.AcquireReplicatedResource()
	}

	if role := w.host.coord.Enter(w.id); role == sitesync.RoleLeader {
		undo := &replicatedWriteUndo{
			host:    w.host,
			key:     c.key,
			prev:    make(map[engine.PartitionID]string, len(w.host.workers)),
			existed: make(map[engine.PartitionID]bool, len(w.host.workers)),
		}
		for _, pw := range w.host.workers {
			prev, existed := pw.replicated[c.key]
			undo.prev[pw.id] = prev
			undo.existed[pw.id] = existed
			pw.replicated[c.key] = c.value
		}
		w.host.coord.RegisterUndoAction(true, quantum, undo, w.host)
		w.host.coord.Finish()
		guard.Release()
	}

	if c.abort {
		w.locals.Undo.Undo(c.token)
	} else {
		w.locals.Undo.Release(c.token)
	}

	// Rejoin before touching replicated state again: a rollback is only
	// final once some partition has executed the shared undo action.
	c.done.Done()
	c.done.Wait()
}
