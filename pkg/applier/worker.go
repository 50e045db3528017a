package applier

import (
	"context"

	"go.uber.org/zap"

	"github.com/alexstanro/replicore/internal/metrics"
	"github.com/alexstanro/replicore/pkg/replstream"
)

// task is one unit of applier work: every stream entry belonging to one
// transaction, in arrival order, applied back to back. Grounded on
// applier_worker_task in log_consumer.cpp: add_repl_stream_entry appends,
// has_commit/has_abort inspect the last entry's tran_state, and execute
// unpacks+applies every entry's objects in order before discarding them.
type task struct {
	entries []*replstream.StreamEntry
}

func (t *task) addEntry(e *replstream.StreamEntry) { t.entries = append(t.entries, e) }

func (t *task) hasCommit() bool {
	return len(t.entries) > 0 && t.entries[len(t.entries)-1].IsTranCommit()
}

func (t *task) hasAbort() bool {
	return len(t.entries) > 0 && t.entries[len(t.entries)-1].IsTranAbort()
}

func (t *task) entryCount() int { return len(t.entries) }

// run applies every object in every entry, in order, against a. Matches
// applier_worker_task::execute's per-entry unpack + per-object apply
// loop, including the debug stringify dump gated behind
// DEBUG_REPLICATION_DATA (here, zlog's debug level via zap.AtomicLevel).
func (t *task) run(a replstream.Applier, m *metrics.Metrics, zlog *zap.Logger) {
	for _, entry := range t.entries {
		if err := entry.Unpack(); err != nil {
			if zlog != nil {
				zlog.Error("applier: failed to unpack stream entry", zap.Error(err))
			}
			continue
		}
		if zlog != nil {
			zlog.Debug("applier_worker_task execute", zap.String("entry", entry.Stringify(true)))
		}
		for _, obj := range entry.Objects {
			if err := obj.Apply(a); err != nil {
				if m != nil {
					m.ApplyFailures.WithLabelValues(obj.Kind.String()).Inc()
				}
				if zlog != nil {
					zlog.Error("applier: apply failed", zap.String("kind", obj.Kind.String()), zap.Error(err))
				}
			}
		}
	}
}

// WorkerPool is a fixed-size pool of goroutines applying tasks handed to
// it by the dispatcher, shaped like fabric-x-block-explorer's
// workerpool.Config{ProcessorCount} and standing in for
// cubthread::create_worker_pool(m_applier_worker_threads_count, ...).
type WorkerPool struct {
	tasks   chan *task
	applier replstream.Applier
	metrics *metrics.Metrics
	zlog    *zap.Logger
	done    chan struct{}
}

// NewWorkerPool constructs and starts a pool of workerCount goroutines,
// each pulling tasks off an internal channel of the given depth.
func NewWorkerPool(ctx context.Context, workerCount, queueDepth int, a replstream.Applier, m *metrics.Metrics, zlog *zap.Logger) *WorkerPool {
	wp := &WorkerPool{
		tasks:   make(chan *task, queueDepth),
		applier: a,
		metrics: m,
		zlog:    zlog,
		done:    make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		go wp.loop(ctx)
	}
	return wp
}

func (wp *WorkerPool) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-wp.tasks:
			if !ok {
				return
			}
			t.run(wp.applier, wp.metrics, wp.zlog)
		}
	}
}

// Submit enqueues t for execution by the pool, the Go rendering of
// cubthread::get_manager()->push_task(m_applier_workers_pool, task).
func (wp *WorkerPool) Submit(ctx context.Context, t *task) {
	select {
	case wp.tasks <- t:
	case <-ctx.Done():
	}
}

// Close signals no further tasks will be submitted, allowing worker
// goroutines started with a background context to drain and exit.
func (wp *WorkerPool) Close() { close(wp.tasks) }
