package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ObjectID is the stable 128-bit identity of a register. The byte order is
// big-endian so that lexicographic comparison of the raw bytes equals
// numeric comparison.
type ObjectID [16]byte

// Bucket is a replica's stable 64-bit identity.
type Bucket uint64

// Clock is a per-bucket logical counter, strictly increasing on local writes.
type Clock uint64

// Label identifies an edge or atom kind for index lookups.
type Label uint64

// Port is an opaque subscription token chosen by the host to route events.
type Port uint64

// NewObjectID returns a fresh random ObjectID.
func NewObjectID() ObjectID {
	return ObjectID(uuid.New())
}

// ObjectIDFromUint64 builds an ObjectID whose low 64 bits are v. Mostly
// useful in tests and tooling where readable ids matter.
func ObjectIDFromUint64(v uint64) ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint64(id[8:], v)
	return id
}

// ObjectIDFromBytes converts a 16-byte slice into an ObjectID.
func ObjectIDFromBytes(b []byte) (ObjectID, error) {
	var id ObjectID
	if len(b) != len(id) {
		return id, fmt.Errorf("object id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseObjectID parses the hex form produced by String.
func ParseObjectID(s string) (ObjectID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ObjectID{}, fmt.Errorf("parse object id: %w", err)
	}
	return ObjectIDFromBytes(b)
}

// Bytes returns the big-endian byte form of the id.
func (id ObjectID) Bytes() []byte {
	out := make([]byte, len(id))
	copy(out, id[:])
	return out
}

func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// Compare orders ids by their big-endian byte form.
func (id ObjectID) Compare(other ObjectID) int {
	return bytes.Compare(id[:], other[:])
}

// Stamp is the (bucket, clock) pair recording which write determined a
// register's current value.
type Stamp struct {
	Bucket Bucket
	Clock  Clock
}

// Compare implements the last-writer-wins order: clocks first, buckets
// break ties.
func (s Stamp) Compare(other Stamp) int {
	switch {
	case s.Clock < other.Clock:
		return -1
	case s.Clock > other.Clock:
		return 1
	case s.Bucket < other.Bucket:
		return -1
	case s.Bucket > other.Bucket:
		return 1
	default:
		return 0
	}
}

// Less reports whether s loses to other under the LWW order.
func (s Stamp) Less(other Stamp) bool {
	return s.Compare(other) < 0
}

func (s Stamp) String() string {
	return fmt.Sprintf("(%d,%d)", s.Bucket, s.Clock)
}

// AtomValue is the payload of a present atom register: an owning source
// object, a label, and opaque value bytes.
type AtomValue struct {
	Src   ObjectID
	Label Label
	Value []byte
}

// Equal compares two optional atom values.
func (v *AtomValue) Equal(other *AtomValue) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.Src == other.Src && v.Label == other.Label && bytes.Equal(v.Value, other.Value)
}

// Clone returns a deep copy so staged values never alias caller buffers.
func (v *AtomValue) Clone() *AtomValue {
	if v == nil {
		return nil
	}
	out := &AtomValue{Src: v.Src, Label: v.Label}
	if v.Value != nil {
		out.Value = append([]byte(nil), v.Value...)
	}
	return out
}

// EdgeValue is the payload of a present edge register: a labeled directed
// edge between two vertices.
type EdgeValue struct {
	Src   ObjectID
	Label Label
	Dst   ObjectID
}

// Equal compares two optional edge values.
func (v *EdgeValue) Equal(other *EdgeValue) bool {
	if v == nil || other == nil {
		return v == other
	}
	return *v == *other
}

// GraphAtomValue is the payload of a present graph atom register: opaque
// bytes attached to a source vertex.
type GraphAtomValue struct {
	Src   ObjectID
	Value []byte
}

// Equal compares two optional graph atom values.
func (v *GraphAtomValue) Equal(other *GraphAtomValue) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.Src == other.Src && bytes.Equal(v.Value, other.Value)
}

// Clone returns a deep copy of the value.
func (v *GraphAtomValue) Clone() *GraphAtomValue {
	if v == nil {
		return nil
	}
	out := &GraphAtomValue{Src: v.Src}
	if v.Value != nil {
		out.Value = append([]byte(nil), v.Value...)
	}
	return out
}

// NodeValue wraps the optional 64-bit vertex payload so a present-but-zero
// payload is distinguishable from an absent vertex.
type NodeValue struct {
	Value uint64
}

// Equal compares two optional node values.
func (v *NodeValue) Equal(other *NodeValue) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.Value == other.Value
}

// PutUint64 appends the big-endian form of v.
func PutUint64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// Uint64 reads a big-endian uint64.
func Uint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
