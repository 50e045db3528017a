package transfer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alexstanro/replicore/internal/metrics"
	"github.com/alexstanro/replicore/pkg/bytestream"
)

// AckSink receives the highest stream position a slave has acknowledged;
// the master wires MasterManager.NotifyStreamAck in as the sink.
type AckSink func(pos bytestream.Position)

// ControlChannel is the master control channel: it owns the set of
// currently-live ack readers, periodically sweeps for dead ones
// (check_alive), and removes every transfer sender if every reader has
// been lost (remove_all_senders), since shipping data nobody is
// acknowledging just wastes bandwidth and memory on the master. The ack
// sink itself can be swapped atomically via SetStreamAck, the Go
// rendering of the original's ability to retarget which group-complete
// manager instance receives acks (e.g. across a failover).
type ControlChannel struct {
	mu      sync.Mutex
	readers []*AckReader
	senders []*Sender

	sinkMu sync.Mutex
	sink   AckSink

	metrics *metrics.Metrics
	zlog    *zap.Logger
}

func NewControlChannel(m *metrics.Metrics, zlog *zap.Logger) *ControlChannel {
	return &ControlChannel{metrics: m, zlog: zlog}
}

// SetStreamAck atomically swaps the sink every AckReader forwards
// positions to, the Go rendering of set_stream_ack.
func (c *ControlChannel) SetStreamAck(sink AckSink) {
	c.sinkMu.Lock()
	c.sink = sink
	c.sinkMu.Unlock()
}

func (c *ControlChannel) notifyAck(pos bytestream.Position) {
	c.sinkMu.Lock()
	sink := c.sink
	c.sinkMu.Unlock()
	if sink != nil {
		sink(pos)
	}
}

// AddReplica registers one slave's sender/ack-reader pair against the
// master's stream and launches both via an errgroup, the way
// logical_replication_writer_processor.go launches its
// subscribe/consume/flush goroutines off workerGroup.GoCtx.
func (c *ControlChannel) AddReplica(ctx context.Context, g *errgroup.Group, stream *bytestream.Stream, channel Channel, mtu int) {
	sender := NewSender(stream, channel, c.zlog)
	reader := NewAckReader(channel, c.notifyAck, c.metrics)

	c.mu.Lock()
	c.senders = append(c.senders, sender)
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	g.Go(func() error { return sender.Run(ctx, mtu) })
	g.Go(func() error { return reader.Run(ctx) })
}

// WakeupTransferSenders implements groupcommit.TransferWakener: it nudges
// every currently registered sender to drain up to uptoPos.
func (c *ControlChannel) WakeupTransferSenders(uptoPos bytestream.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.senders {
		s.Wakeup(uptoPos)
	}
}

// CheckAlive sweeps the reader list and drops any that have stopped
// running (IsAlive() == false), mirroring check_alive. If every reader is
// lost, it also clears the sender list via removeAllSenders, since a
// master with no slaves acknowledging has nothing useful to send.
func (c *ControlChannel) CheckAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.readers[:0]
	for _, r := range c.readers {
		if r.IsAlive() {
			live = append(live, r)
		}
	}
	c.readers = live

	if c.metrics != nil {
		c.metrics.ActiveAckReaders.Set(float64(len(c.readers)))
	}

	if len(c.readers) == 0 {
		c.removeAllSendersLocked()
	}
}

func (c *ControlChannel) removeAllSendersLocked() {
	c.senders = nil
}

// StartCheckAliveLoop runs CheckAlive on a fixed interval until ctx is
// canceled, matching the periodic sweep the original control channel
// performs.
func (c *ControlChannel) StartCheckAliveLoop(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.CheckAlive()
			}
		}
	}()
}
