package groupcommit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexstanro/replicore/pkg/bytestream"
)

type fakeCompleter struct{ calls int }

func (f *fakeCompleter) CompleteGroupMVCC(TxGroup) { f.calls++ }

type fakeLogger struct{ calls int }

func (f *fakeLogger) AppendGroupComplete(bytestream.Position, TxGroup) { f.calls++ }

type fakeWakener struct{ lastPos bytestream.Position }

func (f *fakeWakener) WakeupTransferSenders(pos bytestream.Position) { f.lastPos = pos }

type fakeLogFlush struct{ calls int }

func (f *fakeLogFlush) WakeupLogFlushDaemon() { f.calls++ }

func TestMasterManagerPrepareThenAckCompletes(t *testing.T) {
	stream := bytestream.New()
	mvcc := &fakeCompleter{}
	logger := &fakeLogger{}
	wakener := &fakeWakener{}
	m := NewMasterManager(stream, mvcc, logger, wakener, nil, nil, nil)

	// Seed the previous group as already completed so CanCloseCurrentGroup
	// allows closing the first real group.
	m.latestClosedGroupState = GroupCompleted

	m.RegisterTransaction(m, TxGroupMember{TranIndex: 1, MVCCID: 100})
	require.False(t, m.IsCurrentGroupEmpty())

	m.DoPrepareComplete()
	require.True(t, m.IsLatestClosedGroupPreparedForComplete())
	require.Equal(t, 1, mvcc.calls)
	require.False(t, m.IsLatestClosedGroupCompleted())

	endPos := m.latestClosedGroupEndPos
	m.NotifyStreamAck(endPos)

	require.True(t, m.IsLatestClosedGroupCompleted())
	require.Equal(t, 1, logger.calls)
}

func TestMasterManagerAckBelowEndDoesNotComplete(t *testing.T) {
	stream := bytestream.New()
	m := NewMasterManager(stream, &fakeCompleter{}, &fakeLogger{}, &fakeWakener{}, nil, nil, nil)
	m.latestClosedGroupState = GroupCompleted

	m.RegisterTransaction(m, TxGroupMember{TranIndex: 1, MVCCID: 100})
	m.DoPrepareComplete()

	m.NotifyStreamAck(0)
	require.False(t, m.IsLatestClosedGroupCompleted())
}

func TestSlaveManagerWaitsForCloseInfoBeforeClosing(t *testing.T) {
	s := NewSlaveManager(&fakeCompleter{}, &fakeLogger{}, &fakeLogFlush{}, nil, nil)
	s.latestClosedGroupState = GroupCompleted

	s.RegisterTransaction(s, TxGroupMember{TranIndex: 1, MVCCID: 1})
	require.False(t, s.CanCloseCurrentGroup(), "no close info set yet")

	s.SetCloseInfoForCurrentGroup(1000, 1)
	require.True(t, s.CanCloseCurrentGroup())

	s.DoPrepareComplete()
	require.True(t, s.IsLatestClosedGroupPreparedForComplete())

	s.DoComplete()
	require.True(t, s.IsLatestClosedGroupCompleted())
}

func TestSlaveManagerCompleteUptoStreamPositionRejectsFuturePosition(t *testing.T) {
	s := NewSlaveManager(&fakeCompleter{}, &fakeLogger{}, &fakeLogFlush{}, nil, nil)
	s.latestGroupStreamPosition = 10
	err := s.CompleteUptoStreamPosition(20)
	require.Error(t, err)
}

// TestStartsLatestClosedGroupCompleteElectsExactlyOneWinner exercises the
// single most safety-critical guarantee in the whole state machine:
// however many goroutines race to complete the same closed group, exactly
// one of them may win the CAS-style election and proceed to append the
// group-complete record.
func TestStartsLatestClosedGroupCompleteElectsExactlyOneWinner(t *testing.T) {
	stream := bytestream.New()
	m := NewMasterManager(stream, &fakeCompleter{}, &fakeLogger{}, &fakeWakener{}, nil, nil, nil)
	m.latestClosedGroupState = GroupCompleted

	m.RegisterTransaction(m, TxGroupMember{TranIndex: 1, MVCCID: 1})
	m.DoPrepareComplete()
	require.True(t, m.IsLatestClosedGroupPreparedForComplete())

	const racers = 64
	var wins int64
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			if m.StartsLatestClosedGroupComplete() {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, wins, "exactly one caller must win the completer election")
}

// TestLatestClosedGroupStateBitsNeverRegress checks the state bitset's
// monotonicity invariant: once a bit is observed set, every later
// observation still has it set, across the whole close -> MVCC-complete ->
// prepared -> complete-started -> complete sequence.
func TestLatestClosedGroupStateBitsNeverRegress(t *testing.T) {
	stream := bytestream.New()
	m := NewMasterManager(stream, &fakeCompleter{}, &fakeLogger{}, &fakeWakener{}, nil, nil, nil)
	m.latestClosedGroupState = GroupCompleted

	m.RegisterTransaction(m, TxGroupMember{TranIndex: 1, MVCCID: 1})

	var prevID GroupID
	var prev GroupState
	observe := func() {
		m.mu.Lock()
		id := m.latestClosedGroupID
		cur := m.latestClosedGroupState
		m.mu.Unlock()
		if id != prevID {
			// A newly closed group starts its own bitset.
			prevID = id
			prev = 0
		}
		require.Equal(t, prev, cur&prev, "a previously set bit was cleared")
		prev = cur
	}

	observe()
	m.DoPrepareComplete()
	observe()
	require.True(t, m.StartsLatestClosedGroupComplete())
	observe()
	m.NotifyGroupComplete()
	observe()
}

// TestGroupIDStrictlyIncreasesAcrossCloses checks group-id monotonicity:
// each successful CloseCurrentGroup call must hand out a strictly larger
// id than the one before it.
func TestGroupIDStrictlyIncreasesAcrossCloses(t *testing.T) {
	stream := bytestream.New()
	m := NewMasterManager(stream, &fakeCompleter{}, &fakeLogger{}, &fakeWakener{}, nil, nil, nil)
	m.latestClosedGroupState = GroupCompleted

	var lastID GroupID
	for i := 0; i < 5; i++ {
		m.RegisterTransaction(m, TxGroupMember{TranIndex: int32(i), MVCCID: uint64(i)})
		m.DoPrepareComplete()
		id := m.GetLatestClosedGroupID()
		require.Greater(t, id, lastID)
		lastID = id

		m.NotifyGroupComplete()
	}
}

func TestWatermarkWaitUnblocksOnAdvance(t *testing.T) {
	w := NewWatermark()
	done := make(chan struct{})
	go func() {
		w.Wait(3, GroupCompleted)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Advance")
	case <-time.After(20 * time.Millisecond):
	}

	w.Advance(3, GroupCompleted)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Advance")
	}
}
