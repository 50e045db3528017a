package transfer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alexstanro/replicore/pkg/bytestream"
)

func pipeChannels(t *testing.T) (Channel, Channel) {
	t.Helper()
	a, b := net.Pipe()
	return NewNetChannel(a), NewNetChannel(b)
}

func TestSenderDrainsAppendedDataOverChannel(t *testing.T) {
	masterSide, slaveSide := pipeChannels(t)
	defer masterSide.Close()
	defer slaveSide.Close()

	stream := bytestream.New()
	stream.Append([]byte("hello"))

	sender := NewSender(stream, masterSide, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sender.Run(ctx, 1024)

	frame, err := slaveSide.RecvFrame()
	require.NoError(t, err)
	require.Equal(t, frameKindData, frame[0])
	require.Equal(t, "hello", string(frame[9:]))
}

func TestControlChannelCheckAliveRemovesDeadReaders(t *testing.T) {
	cc := NewControlChannel(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	a, b := pipeChannels(t)
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	cc.AddReplica(gctx, g, bytestream.New(), a, 1024)

	cancel()
	b.Close()
	time.Sleep(50 * time.Millisecond)

	cc.CheckAlive()
	require.Len(t, cc.readers, 0)
	require.Len(t, cc.senders, 0)
}
