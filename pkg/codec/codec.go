// Package codec fixes the byte-level wire format for sync payloads: a
// self-describing msgpack encoding of version vectors, history entry
// batches, and the tagged action variants. Both peers of an exchange must
// agree on it.
package codec

import (
	"fmt"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/quiltdb/quilt/pkg/storage"
	"github.com/quiltdb/quilt/pkg/types"
)

var handle = &msgpack.MsgpackHandle{}

// Marshal encodes v as msgpack.
func Marshal(v interface{}) ([]byte, error) {
	var out []byte
	if err := msgpack.NewEncoderBytes(&out, handle).Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return out, nil
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := msgpack.NewDecoderBytes(data, handle).Decode(v); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}
	return nil
}

// EncodeVector serializes a bucket-to-clock version vector.
func EncodeVector(vector map[types.Bucket]types.Clock) ([]byte, error) {
	wire := make(map[uint64]uint64, len(vector))
	for b, c := range vector {
		wire[uint64(b)] = uint64(c)
	}
	return Marshal(wire)
}

// DecodeVector parses a version vector.
func DecodeVector(data []byte) (map[types.Bucket]types.Clock, error) {
	var wire map[uint64]uint64
	if err := Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	out := make(map[types.Bucket]types.Clock, len(wire))
	for b, c := range wire {
		out[types.Bucket(b)] = types.Clock(c)
	}
	return out, nil
}

type wireEntry struct {
	Bucket uint64
	Clock  uint64
	Name   string
	Action []byte
}

// EncodeEntries serializes an ordered batch of history entries.
func EncodeEntries(entries []storage.HistoryEntry) ([]byte, error) {
	wire := make([]wireEntry, 0, len(entries))
	for _, e := range entries {
		wire = append(wire, wireEntry{
			Bucket: uint64(e.Bucket),
			Clock:  uint64(e.Clock),
			Name:   e.Name,
			Action: e.Action,
		})
	}
	return Marshal(wire)
}

// DecodeEntries parses a batch of history entries.
func DecodeEntries(data []byte) ([]storage.HistoryEntry, error) {
	var wire []wireEntry
	if err := Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	out := make([]storage.HistoryEntry, 0, len(wire))
	for _, e := range wire {
		out = append(out, storage.HistoryEntry{
			Bucket: types.Bucket(e.Bucket),
			Clock:  types.Clock(e.Clock),
			Name:   e.Name,
			Action: e.Action,
		})
	}
	return out, nil
}

type wireAtomAction struct {
	ID      []byte
	Bucket  uint64
	Clock   uint64
	Present bool
	Src     []byte
	Label   uint64
	Value   []byte
}

// MarshalAtomAction serializes one atom set action.
func MarshalAtomAction(action types.AtomAction) ([]byte, error) {
	wire := wireAtomAction{
		ID:     action.ID.Bytes(),
		Bucket: uint64(action.Stamp.Bucket),
		Clock:  uint64(action.Stamp.Clock),
	}
	if action.Value != nil {
		wire.Present = true
		wire.Src = action.Value.Src.Bytes()
		wire.Label = uint64(action.Value.Label)
		wire.Value = action.Value.Value
	}
	return Marshal(wire)
}

// UnmarshalAtomAction parses one atom set action.
func UnmarshalAtomAction(data []byte) (types.AtomAction, error) {
	var wire wireAtomAction
	if err := Unmarshal(data, &wire); err != nil {
		return types.AtomAction{}, err
	}
	id, err := types.ObjectIDFromBytes(wire.ID)
	if err != nil {
		return types.AtomAction{}, err
	}
	action := types.AtomAction{
		ID:    id,
		Stamp: types.Stamp{Bucket: types.Bucket(wire.Bucket), Clock: types.Clock(wire.Clock)},
	}
	if wire.Present {
		src, err := types.ObjectIDFromBytes(wire.Src)
		if err != nil {
			return types.AtomAction{}, err
		}
		action.Value = &types.AtomValue{Src: src, Label: types.Label(wire.Label), Value: wire.Value}
	}
	return action, nil
}

type wireGraphAction struct {
	Kind    uint8
	ID      []byte
	Bucket  uint64
	Clock   uint64
	Present bool

	// Payload columns; which are meaningful depends on Kind and Present.
	Node  uint64
	Src   []byte
	Label uint64
	Value []byte
	Dst   []byte
}

// MarshalGraphAction serializes one object graph action.
func MarshalGraphAction(action types.GraphAction) ([]byte, error) {
	wire := wireGraphAction{
		Kind:   uint8(action.Kind),
		ID:     action.ID.Bytes(),
		Bucket: uint64(action.Stamp.Bucket),
		Clock:  uint64(action.Stamp.Clock),
	}
	switch action.Kind {
	case types.GraphActionNode:
		if action.Node != nil {
			wire.Present = true
			wire.Node = action.Node.Value
		}
	case types.GraphActionAtom:
		if action.Atom != nil {
			wire.Present = true
			wire.Src = action.Atom.Src.Bytes()
			wire.Value = action.Atom.Value
		}
	case types.GraphActionEdge:
		if action.Edge != nil {
			wire.Present = true
			wire.Src = action.Edge.Src.Bytes()
			wire.Label = uint64(action.Edge.Label)
			wire.Dst = action.Edge.Dst.Bytes()
		}
	default:
		return nil, fmt.Errorf("unknown graph action kind %d", action.Kind)
	}
	return Marshal(wire)
}

// UnmarshalGraphAction parses one object graph action.
func UnmarshalGraphAction(data []byte) (types.GraphAction, error) {
	var wire wireGraphAction
	if err := Unmarshal(data, &wire); err != nil {
		return types.GraphAction{}, err
	}
	id, err := types.ObjectIDFromBytes(wire.ID)
	if err != nil {
		return types.GraphAction{}, err
	}
	action := types.GraphAction{
		Kind:  types.GraphActionKind(wire.Kind),
		ID:    id,
		Stamp: types.Stamp{Bucket: types.Bucket(wire.Bucket), Clock: types.Clock(wire.Clock)},
	}
	if !wire.Present {
		switch action.Kind {
		case types.GraphActionNode, types.GraphActionAtom, types.GraphActionEdge:
			return action, nil
		default:
			return types.GraphAction{}, fmt.Errorf("unknown graph action kind %d", wire.Kind)
		}
	}
	switch action.Kind {
	case types.GraphActionNode:
		action.Node = &types.NodeValue{Value: wire.Node}
	case types.GraphActionAtom:
		src, err := types.ObjectIDFromBytes(wire.Src)
		if err != nil {
			return types.GraphAction{}, err
		}
		action.Atom = &types.GraphAtomValue{Src: src, Value: wire.Value}
	case types.GraphActionEdge:
		src, err := types.ObjectIDFromBytes(wire.Src)
		if err != nil {
			return types.GraphAction{}, err
		}
		dst, err := types.ObjectIDFromBytes(wire.Dst)
		if err != nil {
			return types.GraphAction{}, err
		}
		action.Edge = &types.EdgeValue{Src: src, Label: types.Label(wire.Label), Dst: dst}
	default:
		return types.GraphAction{}, fmt.Errorf("unknown graph action kind %d", wire.Kind)
	}
	return action, nil
}
