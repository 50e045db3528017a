package transfer

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/alexstanro/replicore/internal/metrics"
	"github.com/alexstanro/replicore/pkg/bytestream"
)

// frameKindData/frameKindAck tag the two frame kinds multiplexed over one
// Channel: data frames carry stream bytes from master to slave, ack
// frames carry the slave's received-up-to position back.
const (
	frameKindData byte = 1
	frameKindAck  byte = 2
)

// Sender reads successive segments out of the master's byte stream via
// its zero-copy segment-read and pushes them across a Channel to one
// slave. Grounded on the wakeup_transfer_senders call sites in
// transaction_master_group_complete_manager.cpp: a Sender blocks between
// wakeups the same way the original's sender thread waits to be nudged
// when new data (or a newly closed group) is ready to ship.
type Sender struct {
	stream  *bytestream.Stream
	channel Channel
	zlog    *zap.Logger

	sendPos atomic.Int64 // next position not yet sent
	wake    chan struct{}
}

// NewSender constructs a Sender starting at stream position 0.
func NewSender(stream *bytestream.Stream, channel Channel, zlog *zap.Logger) *Sender {
	return &Sender{stream: stream, channel: channel, zlog: zlog, wake: make(chan struct{}, 1)}
}

// Wakeup requests the sender ship any newly available data up to
// uptoPos, the Go rendering of wakeup_transfer_senders(pos). The target
// position itself isn't tracked precisely — the sender always drains up
// to the stream's current tail — since a later wakeup always supersedes
// an earlier, lower one.
func (s *Sender) Wakeup(uptoPos bytestream.Position) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the send loop until ctx is canceled: each wakeup (or an
// initial kick) drains everything newly appended to the stream since the
// last send, in MTU-sized chunks, as data frames on the channel.
func (s *Sender) Run(ctx context.Context, mtu int) error {
	s.Wakeup(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			if err := s.drain(ctx, mtu); err != nil {
				return err
			}
		}
	}
}

func (s *Sender) drain(ctx context.Context, mtu int) error {
	for {
		tail := s.stream.TailPosition()
		pos := bytestream.Position(s.sendPos.Load())
		if pos >= tail {
			return nil
		}
		n := int(tail - pos)
		if n > mtu {
			n = mtu
		}
		var sendErr error
		err := s.stream.ReadAtFunc(ctx, pos, n, func(buf []byte) error {
			frame := make([]byte, 0, n+9)
			frame = append(frame, frameKindData)
			var posBuf [8]byte
			binary.BigEndian.PutUint64(posBuf[:], uint64(pos))
			frame = append(frame, posBuf[:]...)
			frame = append(frame, buf...)
			sendErr = s.channel.SendFrame(frame)
			return nil
		})
		if err != nil {
			return err
		}
		if sendErr != nil {
			return sendErr
		}
		s.sendPos.Store(int64(pos) + int64(n))
	}
}

// AckReader reads ack frames back from one slave's Channel and forwards
// the reported position to NotifyAck, standing in for the ack side of the
// transfer channel. The ack reader's lifetime (and its loss) is tracked by
// ControlChannel.
type AckReader struct {
	channel   Channel
	notifyAck func(bytestream.Position)
	metrics   *metrics.Metrics
	alive     atomic.Bool
}

func NewAckReader(channel Channel, notifyAck func(bytestream.Position), m *metrics.Metrics) *AckReader {
	a := &AckReader{channel: channel, notifyAck: notifyAck, metrics: m}
	a.alive.Store(true)
	return a
}

// IsAlive reports whether this reader is still considered live by the
// control channel's check_alive sweep.
func (a *AckReader) IsAlive() bool { return a.alive.Load() }

// Run reads ack frames until the channel errors or ctx is canceled, at
// which point it marks itself dead so ControlChannel's sweep can reap it.
func (a *AckReader) Run(ctx context.Context) error {
	defer a.alive.Store(false)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := a.channel.RecvFrame()
		if err != nil {
			return err
		}
		if len(frame) < 9 || frame[0] != frameKindAck {
			continue
		}
		pos := bytestream.Position(binary.BigEndian.Uint64(frame[1:9]))
		a.notifyAck(pos)
	}
}
