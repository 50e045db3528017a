package applier

import (
	"context"

	"github.com/cockroachdb/logtags"
	"go.uber.org/zap"

	"github.com/alexstanro/replicore/internal/metrics"
	"github.com/alexstanro/replicore/pkg/bytestream"
	"github.com/alexstanro/replicore/pkg/replstream"
)

// GroupCloser is the slave group-complete manager hook the dispatcher
// drives at each GROUP_COMMIT boundary, satisfied by
// *groupcommit.SlaveManager. Kept as a narrow interface here (rather than
// importing pkg/groupcommit directly) so pkg/applier and pkg/groupcommit
// don't form an import cycle — the dispatcher only ever needs these two
// calls.
type GroupCloser interface {
	SetCloseInfoForCurrentGroup(streamPosition bytestream.Position, countExpectedTransactions int)
	WaitForCompleteStreamPosition(pos bytestream.Position)
}

// Dispatcher fans out prepared stream entries from the Consumer into
// per-transaction tasks, and at each GROUP_COMMIT marker, closes the
// current batch of tasks out to the worker pool. Ported directly from
// dispatch_daemon_task::execute in log_consumer.cpp, including the
// "carry forward still-pending tasks into the next group" behavior and
// the wait-for-previous-group-to-complete call before closing.
type Dispatcher struct {
	consumer *Consumer
	pool     *WorkerPool
	closer   GroupCloser

	replTasks map[replstream.MVCCID]*task

	prevGroupPos bytestream.Position
	currGroupPos bytestream.Position

	metrics *metrics.Metrics
	zlog    *zap.Logger
}

func NewDispatcher(consumer *Consumer, pool *WorkerPool, closer GroupCloser, m *metrics.Metrics, zlog *zap.Logger) *Dispatcher {
	return &Dispatcher{
		consumer:  consumer,
		pool:      pool,
		closer:    closer,
		replTasks: make(map[replstream.MVCCID]*task),
		metrics:   m,
		zlog:      zlog,
	}
}

// Run pulls prepared entries off the consumer until its channel closes
// (stream stopped or ctx canceled), mirroring dispatch_daemon_task's
// pop_entry loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-d.consumer.Entries():
			if !ok {
				return nil
			}
			if d.metrics != nil {
				d.metrics.StreamEntriesPopped.Inc()
			}
			if err := d.handleEntry(ctx, entry); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) handleEntry(ctx context.Context, entry *replstream.StreamEntry) error {
	if entry.IsGroupCommit() {
		return d.handleGroupCommit(ctx, entry)
	}

	mvccid := entry.Header.MVCCID
	t, ok := d.replTasks[mvccid]
	if !ok {
		t = &task{}
		d.replTasks[mvccid] = t
	}
	t.addEntry(entry)
	return nil
}

// handleGroupCommit mirrors the GROUP_COMMIT branch of
// dispatch_daemon_task::execute exactly: wait for the previous group to
// finish completing (so a mid-flight task from the old group never mixes
// with the new one), then partition the accumulated per-MVCCID tasks into
// "submit to the worker pool" (committed), "drop" (aborted), and "carry
// forward to the next group" (neither — a transaction that spans a group
// boundary), before announcing the new group's expected transaction count
// to the slave group-complete manager.
//
// MVCCID uniqueness across groups is assumed here: a carried-forward
// task's MVCCID is never reused by an unrelated transaction in a later
// group, so keying replTasks purely by MVCCID (rather than by
// (groupID, MVCCID)) across the carry-over is safe.
func (d *Dispatcher) handleGroupCommit(ctx context.Context, marker *replstream.StreamEntry) error {
	if err := marker.Unpack(); err != nil {
		return err
	}

	ctx = logtags.AddTag(ctx, "group", int64(marker.StartPosition))

	d.prevGroupPos = d.currGroupPos
	d.currGroupPos = marker.StartPosition

	d.closer.WaitForCompleteStreamPosition(d.prevGroupPos)

	nonexecutable := make(map[replstream.MVCCID]*task)
	countExpected := 0
	for mvccid, t := range d.replTasks {
		switch {
		case t.hasCommit():
			d.pool.Submit(ctx, t)
			countExpected++
		case t.hasAbort():
			countExpected++
		default:
			nonexecutable[mvccid] = t
		}
	}
	d.replTasks = nonexecutable

	d.closer.SetCloseInfoForCurrentGroup(d.currGroupPos, countExpected)
	return nil
}
