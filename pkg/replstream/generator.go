package replstream

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/alexstanro/replicore/internal/metrics"
	"github.com/alexstanro/replicore/pkg/bytestream"
)

// sysopFrame is one level of a transaction's nested-sub-operation stack.
// Each frame buffers the replication objects produced while that
// sub-operation (and any of its own nested sub-operations) was active.
type sysopFrame struct {
	entry *StreamEntry
}

// Generator accumulates replication objects for a single transaction and
// packs them into stream entries at commit/abort/group-commit boundaries.
// It is the Go rendering of cubreplication::replication_generator as
// referenced from transaction_master_group_complete_manager.cpp's
// get_replication_generator().pack_group_commit_entry(...) call, plus a
// pending attribute-change buffer and a per-transaction sysop stack.
type Generator struct {
	mu sync.Mutex

	mvccid MVCCID
	stream *bytestream.Stream
	prev   bytestream.Position

	// current is the top-of-stack entry new objects are appended to.
	// stack[0] is always the transaction-level entry; deeper frames are
	// pushed by StartSysop and popped by either EndSysopCommit (packed to
	// the stream in its own right as a SUBTRAN_COMMIT entry) or AbortSysop
	// (discard, or attach-to-outer on partial rollback).
	stack []sysopFrame

	// pendingAttrChanges buffers in-flight attribute mutations keyed by
	// instance OID so multiple updates to the same row before commit
	// collapse into a single ChangedAttrsUpdate object.
	pendingAttrChanges map[InstanceOID]*ReplicationObject

	metrics *metrics.Metrics
}

// NewGenerator creates a generator for one transaction's lifetime.
func NewGenerator(mvccid MVCCID, stream *bytestream.Stream, m *metrics.Metrics) *Generator {
	g := &Generator{
		mvccid:             mvccid,
		stream:             stream,
		pendingAttrChanges: make(map[InstanceOID]*ReplicationObject),
		metrics:            m,
	}
	g.stack = []sysopFrame{{entry: NewStreamEntry(mvccid, 0)}}
	return g
}

func (g *Generator) top() *StreamEntry { return g.stack[len(g.stack)-1].entry }

func (g *Generator) appendObject(o *ReplicationObject) {
	g.top().Objects = append(g.top().Objects, o)
	if g.metrics != nil {
		g.metrics.ObjectsPacked.Inc()
	}
}

// AddStatement appends an SBR (statement-based replication) object.
func (g *Generator) AddStatement(lsa LSA, stmt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.appendObject(&ReplicationObject{Kind: KindSBR, LSA: lsa, Statement: stmt})
}

// AddInsertRow appends a SingleRowInsert object.
func (g *Generator) AddInsertRow(lsa LSA, class string, oid InstanceOID, packed []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.appendObject(&ReplicationObject{Kind: KindSingleRowInsert, LSA: lsa, Class: class, OID: oid, PackedRecord: packed})
}

// AddDeleteRow appends a SingleRowDelete object, and drops any pending
// attribute change buffered for the same instance since a delete
// supersedes it.
func (g *Generator) AddDeleteRow(lsa LSA, class string, oid InstanceOID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pendingAttrChanges, oid)
	g.appendObject(&ReplicationObject{Kind: KindSingleRowDelete, LSA: lsa, Class: class, OID: oid})
}

// AddAttributeChange buffers a single changed attribute for oid, merging
// it into any already-pending ChangedAttrsUpdate for that instance rather
// than emitting a new object per attribute write.
func (g *Generator) AddAttributeChange(lsa LSA, class string, oid InstanceOID, attrID int32, value []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	obj, ok := g.pendingAttrChanges[oid]
	if !ok {
		obj = &ReplicationObject{Kind: KindChangedAttrsUpdate, LSA: lsa, Class: class, OID: oid}
		g.pendingAttrChanges[oid] = obj
	}
	obj.AttrIDs = append(obj.AttrIDs, attrID)
	obj.Values = append(obj.Values, value)
}

// RemoveAttributeChange discards the pending attribute change buffered
// for oid without emitting it, used when a later statement supersedes an
// earlier uncommitted change to the same instance.
func (g *Generator) RemoveAttributeChange(oid InstanceOID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pendingAttrChanges, oid)
}

// AddUpdateRow flushes the pending attribute change for oid (if any) into
// the current entry as a ChangedAttrsUpdate object; if none is pending,
// it appends a full RecDesUpdate carrying the whole post-image record.
func (g *Generator) AddUpdateRow(lsa LSA, class string, oid InstanceOID, fullRecord []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if obj, ok := g.pendingAttrChanges[oid]; ok {
		delete(g.pendingAttrChanges, oid)
		g.appendObject(obj)
		return
	}
	g.appendObject(&ReplicationObject{Kind: KindRecDesUpdate, LSA: lsa, Class: class, OID: oid, PackedRecord: fullRecord})
}

// StartSysop pushes a new nested-sub-operation frame.
func (g *Generator) StartSysop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stack = append(g.stack, sysopFrame{entry: NewStreamEntry(g.mvccid, 0)})
}

// EndSysopCommit pops the current sub-operation frame and packs it to the
// stream in its own right as a SUBTRAN_COMMIT entry, mirroring
// on_sysop_commit packing the top sysop entry rather than folding its
// objects into the parent frame — the parent's own entry is left
// untouched and still accumulates independently toward its own eventual
// commit/abort pack.
func (g *Generator) EndSysopCommit() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.stack) < 2 {
		return errors.AssertionFailedf("replstream: EndSysopCommit with empty sysop stack")
	}
	popped := g.stack[len(g.stack)-1]
	g.stack = g.stack[:len(g.stack)-1]

	entry := popped.entry
	entry.Header.PrevRecordPosition = g.prev
	entry.Header.TranState = TranStateSubtranCommit
	buf := entry.Pack()
	pos := g.stream.Append(buf)
	g.prev = pos
	return nil
}

// AbortSysop discards every object appended since the matching StartSysop
// (full rollback of the sub-operation), the Go rendering of
// abort_sysop_and_simulate_apply_repl_on_master's non-simulation half.
func (g *Generator) AbortSysop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.stack) < 2 {
		return errors.AssertionFailedf("replstream: AbortSysop with empty sysop stack")
	}
	g.stack = g.stack[:len(g.stack)-1]
	return nil
}

// AbortSysopAndAttachToOuter partially rolls back the current
// sub-operation: objects whose LSA is before cutoff are discarded, and the
// remaining objects at or after cutoff are handed up to the enclosing
// frame, via MoveReplicationObjectsAfterLSAToStream.
//
// The enclosing frame is stack[len(stack)-2] as indexed before the current
// frame is popped (the new top after the pop) — the textually previous
// stack element — not the source's
// pointer-arithmetic-derived address, which a straight port would
// misattribute by one level whenever the stack is deeper than two.
func (g *Generator) AbortSysopAndAttachToOuter(cutoff LSA) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.stack) < 2 {
		return errors.AssertionFailedf("replstream: AbortSysopAndAttachToOuter with empty sysop stack")
	}
	popped := g.stack[len(g.stack)-1]
	g.stack = g.stack[:len(g.stack)-1]

	parent := g.top()
	popped.entry.MoveReplicationObjectsAfterLSAToStream(cutoff, parent)
	return nil
}

// AbortPendingReplObjects discards every object accumulated at the
// transaction level and all pending attribute changes, used on whole
// transaction abort.
func (g *Generator) AbortPendingReplObjects() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stack = []sysopFrame{{entry: NewStreamEntry(g.mvccid, g.prev)}}
	g.pendingAttrChanges = make(map[InstanceOID]*ReplicationObject)
}

// CheckCommitEndTran asserts the sysop stack has unwound to the
// transaction-level frame before commit, mirroring the source's
// assertion that no sysop is left open across a transaction boundary.
func (g *Generator) CheckCommitEndTran() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.stack) != 1 {
		return errors.AssertionFailedf("replstream: commit with %d unclosed sysop frames", len(g.stack)-1)
	}
	return nil
}

// PackStreamEntry finalizes the transaction-level entry with tranState,
// appends it to the stream, and returns the position it was written at.
// Mirrors the transaction-commit path that packs a COMMITTED/ABORTED
// stream entry (as opposed to the group-commit marker, see
// PackGroupCommitEntry).
func (g *Generator) PackStreamEntry(tranState TranState) (bytestream.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.stack) != 1 {
		return 0, errors.AssertionFailedf("replstream: PackStreamEntry with %d unclosed sysop frames", len(g.stack)-1)
	}
	entry := g.top()
	entry.Header.PrevRecordPosition = g.prev
	entry.Header.TranState = tranState
	buf := entry.Pack()
	pos := g.stream.Append(buf)
	g.prev = pos
	g.stack = []sysopFrame{{entry: NewStreamEntry(g.mvccid, pos)}}
	return pos, nil
}

// PackGroupCommitEntry appends the zero-object GROUP_COMMIT marker entry
// used to delimit a closed transaction group on the stream, returning the
// start and end positions of the written entry the way
// pack_group_commit_entry does in transaction_master_group_complete_manager.cpp.
func PackGroupCommitEntry(stream *bytestream.Stream, prev bytestream.Position) (start, end bytestream.Position) {
	e := NewStreamEntry(0, prev)
	e.Header.TranState = TranStateGroupCommit
	buf := e.Pack()
	start = stream.Append(buf)
	end = start + bytestream.Position(len(buf))
	return start, end
}
