// Package replstream implements stream entry framing and the
// per-transaction log generator. It is grounded on
// original_source/src/replication/replication_stream_entry.hpp: the
// replication_object subclass hierarchy there becomes a Go tagged union
// (Kind + payload fields on a single struct, the idiomatic rendering of a
// closed set of small variant types that all need Pack/Unpack/Apply).
package replstream

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// LSA is a log sequence address, (page id, offset within page). Modeled
// directly on CUBRID's LOG_LSA rather than flattened to a single int64,
// since downstream consumers (sysop attach-to-outer, destroy-after-lsa)
// compare LSAs structurally the way the original does.
type LSA struct {
	Pageid int64
	Offset int32
}

// Compare returns -1, 0, or 1 the way bytes.Compare does, ordering first
// by Pageid then by Offset.
func (a LSA) Compare(b LSA) int {
	switch {
	case a.Pageid != b.Pageid:
		if a.Pageid < b.Pageid {
			return -1
		}
		return 1
	case a.Offset != b.Offset:
		if a.Offset < b.Offset {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// NullLSA is the "no LSA assigned yet" sentinel, LOG_LSA's NULL value.
var NullLSA = LSA{Pageid: -1, Offset: -1}

func (a LSA) IsNull() bool { return a == NullLSA }

// Kind discriminates the ReplicationObject tagged union. Values match the
// wire discriminator byte written ahead of each packed object.
type Kind uint8

const (
	KindSBR Kind = iota + 1
	KindSingleRowInsert
	KindSingleRowDelete
	KindChangedAttrsUpdate
	KindRecDesUpdate
)

func (k Kind) String() string {
	switch k {
	case KindSBR:
		return "SBR"
	case KindSingleRowInsert:
		return "SINGLE_ROW_INSERT"
	case KindSingleRowDelete:
		return "SINGLE_ROW_DELETE"
	case KindChangedAttrsUpdate:
		return "CHANGED_ATTRS_UPDATE"
	case KindRecDesUpdate:
		return "REC_DES_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// InstanceOID identifies the row/instance a replication object targets,
// used as the pending attribute-change buffer's key.
type InstanceOID struct {
	Volid  int16
	Pageid int32
	Slotid int16
}

// Applier is the narrow interface the applier worker pool (pkg/applier)
// needs from the host system's locator/heap layer to actually perform a
// replicated mutation. It stands in for locator_repl_* in
// original_source/src/replication (an out-of-scope named collaborator),
// and is supplied by the embedding process.
type Applier interface {
	ApplyStatement(sql string) error
	ApplyInsert(class string, oid InstanceOID, packedRecord []byte) error
	ApplyDelete(class string, oid InstanceOID) error
	ApplyChangedAttrs(class string, oid InstanceOID, attrIDs []int32, values [][]byte) error
	ApplyRecDes(class string, oid InstanceOID, packedRecord []byte) error
}

// ReplicationObject is one packable unit inside a stream entry: exactly
// one of the payload fields below is meaningful, selected by Kind. A
// single struct (rather than an interface with five implementations) is
// used because every variant shares the same Pack/Unpack/Apply/Stringify
// surface and the wire format is a flat discriminator + fixed fields,
// which a struct models more directly than a vtable would.
type ReplicationObject struct {
	Kind Kind
	LSA  LSA

	// SBR
	Statement string

	// SingleRowInsert / RecDesUpdate
	Class        string
	OID          InstanceOID
	PackedRecord []byte

	// SingleRowDelete shares Class/OID above, no extra payload.

	// ChangedAttrsUpdate
	AttrIDs []int32
	Values  [][]byte
}

// Apply dispatches the object to the supplied Applier, the Go rendering
// of replication_object::apply().
func (o *ReplicationObject) Apply(a Applier) error {
	switch o.Kind {
	case KindSBR:
		return a.ApplyStatement(o.Statement)
	case KindSingleRowInsert:
		return a.ApplyInsert(o.Class, o.OID, o.PackedRecord)
	case KindSingleRowDelete:
		return a.ApplyDelete(o.Class, o.OID)
	case KindChangedAttrsUpdate:
		return a.ApplyChangedAttrs(o.Class, o.OID, o.AttrIDs, o.Values)
	case KindRecDesUpdate:
		return a.ApplyRecDes(o.Class, o.OID, o.PackedRecord)
	default:
		return errors.Newf("replstream: apply of unknown object kind %d", o.Kind)
	}
}

// Stringify renders a short, debug-log-friendly summary, gated behind the
// DEBUG_REPLICATION_DATA setting by callers the way
// prm_get_bool_value(PRM_ID_DEBUG_REPLICATION_DATA) gates
// stream_entry::stringify in the original.
func (o *ReplicationObject) Stringify() string {
	switch o.Kind {
	case KindSBR:
		return "SBR stmt=" + o.Statement
	case KindSingleRowInsert, KindRecDesUpdate:
		return o.Kind.String() + " class=" + o.Class
	case KindSingleRowDelete:
		return "SINGLE_ROW_DELETE class=" + o.Class
	case KindChangedAttrsUpdate:
		return "CHANGED_ATTRS_UPDATE class=" + o.Class
	default:
		return "UNKNOWN"
	}
}

// packString/unpackString implement a length-prefixed UTF-8 string on the
// wire, the same int32-length-then-bytes shape the original uses for its
// packable strings.
func packUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func packString(dst []byte, s string) []byte {
	dst = packUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func unpackString(src []byte) (string, []byte, error) {
	if len(src) < 4 {
		return "", nil, errors.New("replstream: truncated string length")
	}
	n := binary.BigEndian.Uint32(src)
	src = src[4:]
	if uint32(len(src)) < n {
		return "", nil, errors.New("replstream: truncated string payload")
	}
	return string(src[:n]), src[n:], nil
}

func packBytes(dst []byte, b []byte) []byte {
	dst = packUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func unpackBytes(src []byte) ([]byte, []byte, error) {
	if len(src) < 4 {
		return nil, nil, errors.New("replstream: truncated bytes length")
	}
	n := binary.BigEndian.Uint32(src)
	src = src[4:]
	if uint32(len(src)) < n {
		return nil, nil, errors.New("replstream: truncated bytes payload")
	}
	out := make([]byte, n)
	copy(out, src[:n])
	return out, src[n:], nil
}

func packOID(dst []byte, oid InstanceOID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(oid.Volid))
	binary.BigEndian.PutUint32(b[2:6], uint32(oid.Pageid))
	binary.BigEndian.PutUint16(b[6:8], uint16(oid.Slotid))
	return append(dst, b[:]...)
}

func unpackOID(src []byte) (InstanceOID, []byte, error) {
	if len(src) < 8 {
		return InstanceOID{}, nil, errors.New("replstream: truncated OID")
	}
	oid := InstanceOID{
		Volid:  int16(binary.BigEndian.Uint16(src[0:2])),
		Pageid: int32(binary.BigEndian.Uint32(src[2:6])),
		Slotid: int16(binary.BigEndian.Uint16(src[6:8])),
	}
	return oid, src[8:], nil
}

func packLSA(dst []byte, lsa LSA) []byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(lsa.Pageid))
	binary.BigEndian.PutUint32(b[8:12], uint32(lsa.Offset))
	return append(dst, b[:]...)
}

func unpackLSA(src []byte) (LSA, []byte, error) {
	if len(src) < 12 {
		return LSA{}, nil, errors.New("replstream: truncated LSA")
	}
	lsa := LSA{
		Pageid: int64(binary.BigEndian.Uint64(src[0:8])),
		Offset: int32(binary.BigEndian.Uint32(src[8:12])),
	}
	return lsa, src[12:], nil
}

// Pack serializes the object as: [1 byte kind][12 byte LSA][variant payload].
func (o *ReplicationObject) Pack() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(o.Kind))
	buf = packLSA(buf, o.LSA)

	switch o.Kind {
	case KindSBR:
		buf = packString(buf, o.Statement)
	case KindSingleRowInsert, KindRecDesUpdate:
		buf = packString(buf, o.Class)
		buf = packOID(buf, o.OID)
		buf = packBytes(buf, o.PackedRecord)
	case KindSingleRowDelete:
		buf = packString(buf, o.Class)
		buf = packOID(buf, o.OID)
	case KindChangedAttrsUpdate:
		buf = packString(buf, o.Class)
		buf = packOID(buf, o.OID)
		buf = packUint32(buf, uint32(len(o.AttrIDs)))
		for i, id := range o.AttrIDs {
			buf = packUint32(buf, uint32(id))
			buf = packBytes(buf, o.Values[i])
		}
	}
	return buf
}

// UnpackReplicationObject reads one object as written by Pack, returning
// the object and the remainder of src.
func UnpackReplicationObject(src []byte) (*ReplicationObject, []byte, error) {
	if len(src) < 1 {
		return nil, nil, errors.New("replstream: truncated object kind")
	}
	o := &ReplicationObject{Kind: Kind(src[0])}
	src = src[1:]

	lsa, rest, err := unpackLSA(src)
	if err != nil {
		return nil, nil, errors.Wrap(err, "replstream: unpack object LSA")
	}
	o.LSA, src = lsa, rest

	switch o.Kind {
	case KindSBR:
		o.Statement, src, err = unpackString(src)
	case KindSingleRowInsert, KindRecDesUpdate:
		o.Class, src, err = unpackString(src)
		if err == nil {
			o.OID, src, err = unpackOID(src)
		}
		if err == nil {
			o.PackedRecord, src, err = unpackBytes(src)
		}
	case KindSingleRowDelete:
		o.Class, src, err = unpackString(src)
		if err == nil {
			o.OID, src, err = unpackOID(src)
		}
	case KindChangedAttrsUpdate:
		o.Class, src, err = unpackString(src)
		if err == nil {
			o.OID, src, err = unpackOID(src)
		}
		var count uint32
		if err == nil {
			if len(src) < 4 {
				err = errors.New("replstream: truncated attr count")
			} else {
				count = binary.BigEndian.Uint32(src)
				src = src[4:]
			}
		}
		for i := uint32(0); err == nil && i < count; i++ {
			var id uint32
			if len(src) < 4 {
				err = errors.New("replstream: truncated attr id")
				break
			}
			id = binary.BigEndian.Uint32(src)
			src = src[4:]
			o.AttrIDs = append(o.AttrIDs, int32(id))
			var v []byte
			v, src, err = unpackBytes(src)
			o.Values = append(o.Values, v)
		}
	default:
		err = errors.Newf("replstream: unknown object kind %d", o.Kind)
	}
	if err != nil {
		return nil, nil, err
	}
	return o, src, nil
}
