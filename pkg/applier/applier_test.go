package applier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexstanro/replicore/pkg/bytestream"
	"github.com/alexstanro/replicore/pkg/replstream"
)

type fakeApplier struct {
	mu      sync.Mutex
	inserts []string
}

func (f *fakeApplier) ApplyStatement(string) error { return nil }
func (f *fakeApplier) ApplyInsert(class string, _ replstream.InstanceOID, _ []byte) error {
	f.mu.Lock()
	f.inserts = append(f.inserts, class)
	f.mu.Unlock()
	return nil
}
func (f *fakeApplier) ApplyDelete(string, replstream.InstanceOID) error { return nil }
func (f *fakeApplier) ApplyChangedAttrs(string, replstream.InstanceOID, []int32, [][]byte) error {
	return nil
}
func (f *fakeApplier) ApplyRecDes(string, replstream.InstanceOID, []byte) error { return nil }

type fakeCloser struct {
	mu       sync.Mutex
	closeCalls []struct {
		pos      bytestream.Position
		expected int
	}
}

func (f *fakeCloser) SetCloseInfoForCurrentGroup(pos bytestream.Position, expected int) {
	f.mu.Lock()
	f.closeCalls = append(f.closeCalls, struct {
		pos      bytestream.Position
		expected int
	}{pos, expected})
	f.mu.Unlock()
}

func (f *fakeCloser) WaitForCompleteStreamPosition(bytestream.Position) {}

func TestConsumerPreparesEntriesInOrder(t *testing.T) {
	stream := bytestream.New()
	gen := replstream.NewGenerator(1, stream, nil)
	oid := replstream.InstanceOID{Volid: 1, Pageid: 1, Slotid: 1}
	gen.AddInsertRow(replstream.LSA{Pageid: 1, Offset: 1}, "t", oid, []byte("a"))
	_, err := gen.PackStreamEntry(replstream.TranStateCommitted)
	require.NoError(t, err)

	gen2 := replstream.NewGenerator(2, stream, nil)
	gen2.AddInsertRow(replstream.LSA{Pageid: 1, Offset: 2}, "t", oid, []byte("b"))
	_, err = gen2.PackStreamEntry(replstream.TranStateCommitted)
	require.NoError(t, err)

	stream.SetStop()

	c := NewConsumer(stream, 8, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []*replstream.StreamEntry
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for e := range c.Entries() {
		got = append(got, e)
	}
	require.NoError(t, <-done)
	require.Len(t, got, 2)
	require.Equal(t, replstream.MVCCID(1), got[0].Header.MVCCID)
	require.Equal(t, replstream.MVCCID(2), got[1].Header.MVCCID)
}

func TestDispatcherSubmitsCommittedAndCarriesForwardPending(t *testing.T) {
	a := &fakeApplier{}
	pool := NewWorkerPool(context.Background(), 2, 8, a, nil, nil)
	closer := &fakeCloser{}
	consumer := NewConsumer(bytestream.New(), 8, nil, nil)
	d := NewDispatcher(consumer, pool, closer, nil, nil)

	committed := &replstream.StreamEntry{Header: replstream.StreamEntryHeader{MVCCID: 1, TranState: replstream.TranStateCommitted}}
	committed.Objects = []*replstream.ReplicationObject{{Kind: replstream.KindSingleRowInsert, Class: "t"}}

	pending := &replstream.StreamEntry{Header: replstream.StreamEntryHeader{MVCCID: 2, TranState: replstream.TranStateActive}}

	require.NoError(t, d.handleEntry(context.Background(), committed))
	require.NoError(t, d.handleEntry(context.Background(), pending))

	marker := &replstream.StreamEntry{Header: replstream.StreamEntryHeader{TranState: replstream.TranStateGroupCommit}, StartPosition: 100}
	require.NoError(t, d.handleEntry(context.Background(), marker))

	require.Len(t, d.replTasks, 1, "pending tx carried forward")
	_, stillThere := d.replTasks[2]
	require.True(t, stillThere)

	require.Len(t, closer.closeCalls, 1)
	require.Equal(t, 1, closer.closeCalls[0].expected)

	time.Sleep(50 * time.Millisecond)
	a.mu.Lock()
	defer a.mu.Unlock()
	require.Contains(t, a.inserts, "t")
}
