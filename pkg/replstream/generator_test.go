package replstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexstanro/replicore/pkg/bytestream"
)

func TestGeneratorCommitPacksAllObjects(t *testing.T) {
	s := bytestream.New()
	g := NewGenerator(7, s, nil)

	oid := InstanceOID{Volid: 1, Pageid: 2, Slotid: 3}
	g.AddInsertRow(LSA{Pageid: 1, Offset: 1}, "t", oid, []byte("row"))
	g.AddAttributeChange(LSA{Pageid: 1, Offset: 2}, "t", oid, 1, []byte("x"))
	g.AddUpdateRow(LSA{Pageid: 1, Offset: 3}, "t", oid, nil)

	require.NoError(t, g.CheckCommitEndTran())
	pos, err := g.PackStreamEntry(TranStateCommitted)
	require.NoError(t, err)
	require.Equal(t, bytestream.Position(0), pos)

	require.Len(t, g.top().Objects, 0, "stack reset after pack")
}

func TestSysopCommitPacksItsOwnEntry(t *testing.T) {
	s := bytestream.New()
	g := NewGenerator(7, s, nil)
	oid := InstanceOID{Volid: 1, Pageid: 2, Slotid: 3}

	g.AddInsertRow(LSA{Pageid: 1, Offset: 1}, "t", oid, []byte("outer"))
	g.StartSysop()
	g.AddInsertRow(LSA{Pageid: 1, Offset: 2}, "t", oid, []byte("inner"))
	require.NoError(t, g.EndSysopCommit())

	// The sysop's objects were packed to the stream on their own, not
	// folded into the still-open transaction-level frame.
	require.Len(t, g.top().Objects, 1)
	require.Equal(t, "outer", string(g.top().Objects[0].PackedRecord))

	entry, err := Prepare(context.Background(), s, 0)
	require.NoError(t, err)
	require.True(t, entry.IsSubtranCommit())
	require.NoError(t, entry.Unpack())
	require.Len(t, entry.Objects, 1)
	require.Equal(t, "inner", string(entry.Objects[0].PackedRecord))
}

func TestAbortSysopDiscardsObjects(t *testing.T) {
	s := bytestream.New()
	g := NewGenerator(7, s, nil)
	oid := InstanceOID{Volid: 1, Pageid: 2, Slotid: 3}

	g.AddInsertRow(LSA{Pageid: 1, Offset: 1}, "t", oid, []byte("outer"))
	g.StartSysop()
	g.AddInsertRow(LSA{Pageid: 1, Offset: 2}, "t", oid, []byte("inner"))
	require.NoError(t, g.AbortSysop())

	require.Len(t, g.top().Objects, 1)
}

func TestAbortSysopAndAttachToOuterKeepsOnlyPostCutoff(t *testing.T) {
	s := bytestream.New()
	g := NewGenerator(7, s, nil)
	oid := InstanceOID{Volid: 1, Pageid: 2, Slotid: 3}

	g.AddInsertRow(LSA{Pageid: 1, Offset: 1}, "t", oid, []byte("outer"))
	g.StartSysop()
	g.AddInsertRow(LSA{Pageid: 1, Offset: 2}, "t", oid, []byte("before-cutoff"))
	g.AddInsertRow(LSA{Pageid: 1, Offset: 6}, "t", oid, []byte("after-cutoff"))

	require.NoError(t, g.AbortSysopAndAttachToOuter(LSA{Pageid: 1, Offset: 5}))

	require.Len(t, g.top().Objects, 2)
	require.Equal(t, "outer", string(g.top().Objects[0].PackedRecord))
	require.Equal(t, "after-cutoff", string(g.top().Objects[1].PackedRecord))
}

func TestNestedSysopAttachUsesImmediateParentNotGrandparent(t *testing.T) {
	// Regresses the sysop off-by-one open question: with three nested
	// frames, attaching-to-outer from the innermost must land the
	// surviving object in the middle frame, not skip straight to the
	// transaction-level frame.
	s := bytestream.New()
	g := NewGenerator(7, s, nil)
	oid := InstanceOID{Volid: 1, Pageid: 2, Slotid: 3}

	g.StartSysop() // depth 2 (middle)
	g.StartSysop() // depth 3 (innermost)
	g.AddInsertRow(LSA{Pageid: 1, Offset: 9}, "t", oid, []byte("innermost"))

	require.NoError(t, g.AbortSysopAndAttachToOuter(LSA{Pageid: 1, Offset: 0}))
	require.Len(t, g.stack, 2, "popped back to the middle frame")
	require.Len(t, g.top().Objects, 1)
	require.Equal(t, "innermost", string(g.top().Objects[0].PackedRecord))
}

func TestCheckCommitEndTranRejectsOpenSysop(t *testing.T) {
	s := bytestream.New()
	g := NewGenerator(7, s, nil)

	require.NoError(t, g.CheckCommitEndTran(), "no open sysop yet")

	g.StartSysop()
	require.Error(t, g.CheckCommitEndTran(), "a still-open sysop must block commit")

	require.NoError(t, g.AbortSysop())
	require.NoError(t, g.CheckCommitEndTran())
}

// TestAddUpdateRowFlushesPendingAttrChange checks the
// pending-buffer-empty-at-commit invariant: once AddUpdateRow folds a
// pending attribute change into a packable object, that oid's entry is
// gone from pendingAttrChanges, so nothing is left dangling by the time
// the transaction-level entry is packed at commit.
func TestAddUpdateRowFlushesPendingAttrChange(t *testing.T) {
	s := bytestream.New()
	g := NewGenerator(7, s, nil)
	oid := InstanceOID{Volid: 1, Pageid: 2, Slotid: 3}

	g.AddAttributeChange(LSA{Pageid: 1, Offset: 1}, "t", oid, 1, []byte("a"))
	g.AddAttributeChange(LSA{Pageid: 1, Offset: 2}, "t", oid, 2, []byte("b"))
	require.Len(t, g.pendingAttrChanges, 1)

	g.AddUpdateRow(LSA{Pageid: 1, Offset: 3}, "t", oid, nil)
	require.Len(t, g.pendingAttrChanges, 0)

	require.NoError(t, g.CheckCommitEndTran())
	_, err := g.PackStreamEntry(TranStateCommitted)
	require.NoError(t, err)
	require.Len(t, g.pendingAttrChanges, 0)
}

func TestAbortPendingReplObjectsClearsEverything(t *testing.T) {
	s := bytestream.New()
	g := NewGenerator(7, s, nil)
	oid := InstanceOID{Volid: 1, Pageid: 2, Slotid: 3}
	g.AddInsertRow(LSA{Pageid: 1, Offset: 1}, "t", oid, []byte("row"))
	g.AddAttributeChange(LSA{Pageid: 1, Offset: 2}, "t", oid, 1, []byte("x"))

	g.AbortPendingReplObjects()

	require.Len(t, g.stack, 1)
	require.Len(t, g.top().Objects, 0)
	require.Len(t, g.pendingAttrChanges, 0)
}

func TestPackGroupCommitEntryHasNoObjects(t *testing.T) {
	s := bytestream.New()
	start, end := PackGroupCommitEntry(s, 0)
	require.Less(t, int64(start), int64(end))

	entry, err := Prepare(context.Background(), s, start)
	require.NoError(t, err)
	require.True(t, entry.IsGroupCommit())
	require.Equal(t, int32(0), entry.Header.DataSize)
}
