package transfer

import (
	"context"
	"encoding/binary"
	"time"

	"go.uber.org/zap"

	"github.com/alexstanro/replicore/internal/metrics"
	"github.com/alexstanro/replicore/pkg/bytestream"
)

// Receiver is the slave-side counterpart to Sender: stream_transfer_sender.hpp
// names both "sender" and "receiver" as the two ends of the same transfer,
// but the pack's retrieval only kept the sender half of the original file.
// Receiver mirrors its shape — read data frames off a Channel and append
// them, in order, onto a local byte stream the slave's log consumer
// reads from. TCP preserves frame order within one connection, so the
// frame's embedded master-side position is ignored; the local stream's
// own positions are assigned by Append, not copied from it.
type Receiver struct {
	channel Channel
	stream  *bytestream.Stream
	metrics *metrics.Metrics
	zlog    *zap.Logger
}

func NewReceiver(channel Channel, stream *bytestream.Stream, m *metrics.Metrics, zlog *zap.Logger) *Receiver {
	return &Receiver{channel: channel, stream: stream, metrics: m, zlog: zlog}
}

// Run reads data frames until the channel errors or ctx is canceled,
// appending each frame's payload onto the local stream.
func (r *Receiver) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := r.channel.RecvFrame()
		if err != nil {
			return err
		}
		if len(frame) < 9 || frame[0] != frameKindData {
			continue
		}
		payload := frame[9:]
		r.stream.Append(payload)
	}
}

// AckSender periodically reports the local stream's tail position back to
// the master over the same Channel, the slave-side rendering of the ack
// half of transfer_sender/transfer_receiver. Acking on receipt rather than
// on apply keeps the master's quorum wait (NotifyStreamAck, gated by
// AckPolicy) decoupled from how fast this slave's applier pool happens to
// be running, matching master_group_complete_manager::notify_stream_ack
// being driven purely off stream position, not off slave-side completion
// state.
type AckSender struct {
	channel Channel
	stream  *bytestream.Stream
	zlog    *zap.Logger
}

func NewAckSender(channel Channel, stream *bytestream.Stream, zlog *zap.Logger) *AckSender {
	return &AckSender{channel: channel, stream: stream, zlog: zlog}
}

// Run sends an ack frame carrying the current tail position every
// interval until ctx is canceled.
func (a *AckSender) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			pos := a.stream.TailPosition()
			frame := make([]byte, 9)
			frame[0] = frameKindAck
			binary.BigEndian.PutUint64(frame[1:9], uint64(pos))
			if err := a.channel.SendFrame(frame); err != nil {
				if a.zlog != nil {
					a.zlog.Error("ack send failed", zap.Error(err))
				}
				return err
			}
		}
	}
}
