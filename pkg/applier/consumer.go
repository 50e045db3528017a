// Package applier implements the slave-side log consumer, its dispatcher,
// and the applier worker pool. It is grounded directly on
// original_source/src/replication/log_consumer.cpp (consumer_daemon_task,
// dispatch_daemon_task, applier_worker_task) with the fan-out/worker-pool
// shape additionally informed by
// logical_replication_writer_processor.go's
// consumeEvents -> flushLoop -> bh.HandleBatch pipeline.
package applier

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"go.uber.org/zap"

	"github.com/alexstanro/replicore/internal/metrics"
	"github.com/alexstanro/replicore/pkg/bytestream"
	"github.com/alexstanro/replicore/pkg/replstream"
)

// Consumer owns the slave's read cursor into the replicated byte stream
// and the queue handing prepared entries off to the dispatcher, the Go
// rendering of log_consumer: push_entry/pop_entry become a buffered
// channel, and fetch_stream_entry becomes the replstream.Prepare call
// inside Run.
type Consumer struct {
	stream *bytestream.Stream
	readAt bytestream.Position

	entries chan *replstream.StreamEntry
	metrics *metrics.Metrics
	zlog    *zap.Logger
}

// NewConsumer constructs a Consumer reading from position 0.
func NewConsumer(stream *bytestream.Stream, queueDepth int, m *metrics.Metrics, zlog *zap.Logger) *Consumer {
	return &Consumer{
		stream:  stream,
		entries: make(chan *replstream.StreamEntry, queueDepth),
		metrics: m,
		zlog:    zlog,
	}
}

// Entries returns the channel the dispatcher daemon reads prepared
// entries from. The channel is closed when Run returns.
func (c *Consumer) Entries() <-chan *replstream.StreamEntry { return c.entries }

// Run repeatedly prepares the next stream entry and pushes it onto
// Entries, mirroring consumer_daemon_task::execute's
// fetch_stream_entry -> push_entry loop. It returns when ctx is canceled
// or the underlying stream is stopped.
func (c *Consumer) Run(ctx context.Context) error {
	ctx = logtags.AddTag(ctx, "stream", nil)
	defer close(c.entries)
	for {
		entry, err := replstream.Prepare(ctx, c.stream, c.readAt)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, bytestream.ErrStopped) {
				return nil
			}
			return err
		}

		c.readAt = entry.StartPosition + bytestream.Position(replstream.HeaderWireSize) + bytestream.Position(entry.Header.DataSize)

		if c.metrics != nil {
			c.metrics.StreamEntriesPushed.Inc()
		}

		select {
		case c.entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
