package replstream

import (
	"context"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/alexstanro/replicore/pkg/bytestream"
)

// TranState mirrors replication_stream_entry.hpp's tran_state enum
// exactly, including the unused-looking members: downstream code
// (dispatcher group-boundary handling) switches on these values the same
// way log_consumer.cpp does.
type TranState int32

const (
	TranStateUndefined TranState = iota
	TranStateActive
	TranStateCommitted
	TranStateAborted
	TranStateGroupCommit
	TranStateNewMaster
	TranStateSubtranCommit
	TranStateStartOfExtractHeap
	TranStateEndOfExtractHeap
	TranStateEndOfReplicationCopy
)

// MVCCID is the multi-version concurrency id a stream entry belongs to.
type MVCCID uint64

// HeaderWireSize is the fixed, field-order-exact on-wire size of
// StreamEntryHeader: prev_record(int64) + mvccid(uint64) +
// object_count(int32) + data_size(int32) + tran_state(int32).
const HeaderWireSize = 8 + 8 + 4 + 4 + 4
const headerWireSize = HeaderWireSize

// StreamEntryHeader is the fixed-layout prefix of every stream entry, a
// direct port of stream_entry_header in replication_stream_entry.hpp.
type StreamEntryHeader struct {
	PrevRecordPosition bytestream.Position
	MVCCID             MVCCID
	ObjectCount        int32
	DataSize           int32
	TranState          TranState
}

func (h *StreamEntryHeader) pack() []byte {
	buf := make([]byte, headerWireSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.PrevRecordPosition))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.MVCCID))
	binary.BigEndian.PutUint32(buf[16:20], uint32(h.ObjectCount))
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.DataSize))
	binary.BigEndian.PutUint32(buf[24:28], uint32(h.TranState))
	return buf
}

func unpackHeader(buf []byte) (StreamEntryHeader, error) {
	if len(buf) < headerWireSize {
		return StreamEntryHeader{}, errors.New("replstream: truncated stream entry header")
	}
	return StreamEntryHeader{
		PrevRecordPosition: bytestream.Position(binary.BigEndian.Uint64(buf[0:8])),
		MVCCID:             MVCCID(binary.BigEndian.Uint64(buf[8:16])),
		ObjectCount:        int32(binary.BigEndian.Uint32(buf[16:20])),
		DataSize:           int32(binary.BigEndian.Uint32(buf[20:24])),
		TranState:          TranState(int32(binary.BigEndian.Uint32(buf[24:28]))),
	}, nil
}

// StreamEntry is a header plus its packed replication objects, the direct
// port of cubreplication::stream_entry. StartPosition is the stream
// position the header itself begins at, used by the dispatcher to
// distinguish the group-commit boundary entry's own position from the
// data it commits.
type StreamEntry struct {
	Header        StreamEntryHeader
	StartPosition bytestream.Position
	Objects       []*ReplicationObject

	packedData []byte // raw object bytes, set by Prepare, cleared once Unpack populates Objects
}

// NewStreamEntry starts an empty entry for the given transaction, mirrors
// the owning constructor on the generator side.
func NewStreamEntry(mvccid MVCCID, prevRecord bytestream.Position) *StreamEntry {
	return &StreamEntry{Header: StreamEntryHeader{MVCCID: mvccid, PrevRecordPosition: prevRecord}}
}

// IsGroupCommit, IsTranCommit, IsTranAbort, IsSubtranCommit and
// IsTranStateUndefined mirror the is_* predicates on stream_entry.
func (e *StreamEntry) IsGroupCommit() bool       { return e.Header.TranState == TranStateGroupCommit }
func (e *StreamEntry) IsNewMaster() bool         { return e.Header.TranState == TranStateNewMaster }
func (e *StreamEntry) IsTranCommit() bool        { return e.Header.TranState == TranStateCommitted }
func (e *StreamEntry) IsTranAbort() bool         { return e.Header.TranState == TranStateAborted }
func (e *StreamEntry) IsSubtranCommit() bool     { return e.Header.TranState == TranStateSubtranCommit }
func (e *StreamEntry) IsTranStateUndefined() bool { return e.Header.TranState == TranStateUndefined }

// CheckMVCCIDIsValid mirrors check_mvccid_is_valid: group-commit and
// new-master markers carry no real MVCCID and are exempt.
func (e *StreamEntry) CheckMVCCIDIsValid() bool {
	if e.IsGroupCommit() || e.IsNewMaster() {
		return true
	}
	return e.Header.MVCCID != 0
}

// PackableEntryCount mirrors get_packable_entry_count_from_header.
func (e *StreamEntry) PackableEntryCount() int { return int(e.Header.ObjectCount) }

// Pack serializes the header followed by every object's Pack() output,
// finalizing ObjectCount/DataSize in the header first.
func (e *StreamEntry) Pack() []byte {
	body := make([]byte, 0, 256)
	for _, o := range e.Objects {
		body = append(body, o.Pack()...)
	}
	e.Header.ObjectCount = int32(len(e.Objects))
	e.Header.DataSize = int32(len(body))

	out := e.Header.pack()
	return append(out, body...)
}

// Prepare reads one stream entry starting at pos from stream, the Go
// rendering of stream_entry::prepare(): it reads just the fixed header
// first, then enough of the body to hold DataSize bytes, without
// unpacking the individual objects yet (unpack() is a separate, later
// step so the dispatcher can route on header fields like MVCCID/TranState
// before paying the cost of decoding every object).
func Prepare(ctx context.Context, stream *bytestream.Stream, pos bytestream.Position) (*StreamEntry, error) {
	hdrBuf := make([]byte, headerWireSize)
	if err := stream.ReadAt(ctx, pos, hdrBuf); err != nil {
		return nil, errors.Wrap(err, "replstream: read stream entry header")
	}
	hdr, err := unpackHeader(hdrBuf)
	if err != nil {
		return nil, err
	}

	e := &StreamEntry{Header: hdr, StartPosition: pos}
	if hdr.DataSize > 0 {
		e.packedData = make([]byte, hdr.DataSize)
		if err := stream.ReadAt(ctx, pos+headerWireSize, e.packedData); err != nil {
			return nil, errors.Wrap(err, "replstream: read stream entry body")
		}
	}
	return e, nil
}

// Unpack decodes e.packedData into e.Objects, the Go rendering of
// stream_entry::unpack(). Safe to call once; a second call is a no-op.
func (e *StreamEntry) Unpack() error {
	if e.Objects != nil || len(e.packedData) == 0 {
		return nil
	}
	src := e.packedData
	objs := make([]*ReplicationObject, 0, e.Header.ObjectCount)
	for len(src) > 0 {
		o, rest, err := UnpackReplicationObject(src)
		if err != nil {
			return errors.Wrap(err, "replstream: unpack stream entry object")
		}
		objs = append(objs, o)
		src = rest
	}
	e.Objects = objs
	e.packedData = nil
	return nil
}

// Stringify renders a short per-entry debug summary, used the way
// DEBUG_REPLICATION_DATA-gated stringify(detailed_dump/short_dump) calls
// are used in log_consumer.cpp.
func (e *StreamEntry) Stringify(detailed bool) string {
	s := "stream_entry mvccid=" + itoa(int64(e.Header.MVCCID)) + " tran_state=" + tranStateName(e.Header.TranState)
	if !detailed {
		return s
	}
	for _, o := range e.Objects {
		s += "\n  " + o.Stringify()
	}
	return s
}

func tranStateName(t TranState) string {
	names := map[TranState]string{
		TranStateUndefined: "UNDEFINED", TranStateActive: "ACTIVE",
		TranStateCommitted: "COMMITTED", TranStateAborted: "ABORTED",
		TranStateGroupCommit: "GROUP_COMMIT", TranStateNewMaster: "NEW_MASTER",
		TranStateSubtranCommit: "SUBTRAN_COMMIT",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return "OTHER"
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// DestroyObjectsAfterLSA discards every object whose LSA is >= cutoff,
// mirroring destroy_objects_after_lsa: used on sysop abort to roll back
// everything a doomed sub-operation appended to this entry's pending
// object list.
func (e *StreamEntry) DestroyObjectsAfterLSA(cutoff LSA) {
	kept := e.Objects[:0]
	for _, o := range e.Objects {
		if o.LSA.Compare(cutoff) < 0 {
			kept = append(kept, o)
		}
	}
	e.Objects = kept
}

// MoveReplicationObjectsAfterLSAToStream moves every object with LSA >=
// cutoff out of e and appends them, in order, onto dst — the Go rendering
// of move_replication_objects_after_lsa_to_stream, used on sysop
// attach-to-outer to hand a nested operation's objects up to its parent.
func (e *StreamEntry) MoveReplicationObjectsAfterLSAToStream(cutoff LSA, dst *StreamEntry) {
	kept := e.Objects[:0]
	var moved []*ReplicationObject
	for _, o := range e.Objects {
		if o.LSA.Compare(cutoff) >= 0 {
			moved = append(moved, o)
		} else {
			kept = append(kept, o)
		}
	}
	e.Objects = kept
	dst.Objects = append(dst.Objects, moved...)
}
