package store

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quiltdb/quilt/pkg/codec"
	"github.com/quiltdb/quilt/pkg/crdt"
	"github.com/quiltdb/quilt/pkg/events"
	"github.com/quiltdb/quilt/pkg/history"
	"github.com/quiltdb/quilt/pkg/log"
	"github.com/quiltdb/quilt/pkg/metrics"
	"github.com/quiltdb/quilt/pkg/storage"
	"github.com/quiltdb/quilt/pkg/types"
)

// Structure names routing actions to their CRDT instance.
const (
	structAtoms = "atoms"
	structGraph = "graph"
)

// Store is the replica façade: one backend connection, an atom set, an
// object graph, the action history, and the event bus. Every public call
// runs inside exactly one backend transaction; writes flow as
// action → history push → apply-if-novel, so the persisted history is
// authoritative for what the in-memory state reflects.
//
// A Store is single-threaded: calls are synchronous on the caller's
// goroutine and there is no internal locking. Hosts sharing a Store across
// goroutines serialize access themselves.
type Store struct {
	backend storage.Backend
	name    string

	atoms   *crdt.AtomSet
	graph   *crdt.Graph
	history *history.VectorHistory
	bus     *events.Bus

	logger zerolog.Logger
}

// Open creates or loads the named store on the backend, initializing all
// tables idempotently.
func Open(backend storage.Backend, name string) (*Store, error) {
	s := &Store{
		backend: backend,
		name:    name,
		bus:     events.NewBus(),
	}
	err := backend.Update(func(txn storage.Txn) error {
		var err error
		if s.atoms, err = crdt.NewAtomSet(txn, name, structAtoms); err != nil {
			return err
		}
		if s.graph, err = crdt.NewGraph(txn, name); err != nil {
			return err
		}
		if s.history, err = history.New(txn, name); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", name, err)
	}
	s.logger = log.WithStore(name).With().Uint64("replica", uint64(s.history.This())).Logger()
	metrics.KnownBuckets.Set(float64(len(s.history.Nexts())))
	s.logger.Debug().Msg("store opened")
	return s, nil
}

// Name returns the store's name.
func (s *Store) Name() string {
	return s.name
}

// This returns the local replica's bucket.
func (s *Store) This() types.Bucket {
	return s.history.This()
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// DrainEvents hands every buffered subscription event to the host and
// resets the bus. Hosts call it after a write or sync returns.
func (s *Store) DrainEvents() events.Batch {
	batch := s.bus.Drain()
	metrics.ObserveBatch(len(batch.Atoms), len(batch.Nodes), len(batch.Edges), len(batch.IDSets))
	return batch
}

// Point reads.

// Node returns the vertex payload for id, or nil if absent.
func (s *Store) Node(id types.ObjectID) (*types.NodeValue, error) {
	var out *types.NodeValue
	err := s.backend.View(func(txn storage.Txn) error {
		var err error
		out, err = s.graph.Node(txn, id)
		return err
	})
	return out, err
}

// Atom returns the atom triple for id, or nil if absent or tombstoned.
func (s *Store) Atom(id types.ObjectID) (*types.AtomValue, error) {
	var out *types.AtomValue
	err := s.backend.View(func(txn storage.Txn) error {
		item, err := s.atoms.Get(txn, id)
		if err != nil {
			return err
		}
		if item != nil {
			out = item.Value
		}
		return nil
	})
	return out, err
}

// GraphAtom returns the graph atom payload for id, hidden while its source
// vertex is absent.
func (s *Store) GraphAtom(id types.ObjectID) (*types.GraphAtomValue, error) {
	var out *types.GraphAtomValue
	err := s.backend.View(func(txn storage.Txn) error {
		var err error
		out, err = s.graph.Atom(txn, id)
		return err
	})
	return out, err
}

// Edge returns the edge value for id, hidden unless both endpoints are
// present.
func (s *Store) Edge(id types.ObjectID) (*types.EdgeValue, error) {
	var out *types.EdgeValue
	err := s.backend.View(func(txn storage.Txn) error {
		var err error
		out, err = s.graph.Edge(txn, id)
		return err
	})
	return out, err
}

// Adjacency reads.

// QueryEdgeSrc returns ids of visible edges leaving src.
func (s *Store) QueryEdgeSrc(src types.ObjectID) ([]types.ObjectID, error) {
	var out []types.ObjectID
	err := s.backend.View(func(txn storage.Txn) error {
		var err error
		out, err = s.graph.QueryEdgeSrc(txn, src)
		return err
	})
	return out, err
}

// QueryEdgeSrcLabel returns ids of visible edges leaving src with label.
func (s *Store) QueryEdgeSrcLabel(src types.ObjectID, label types.Label) ([]types.ObjectID, error) {
	var out []types.ObjectID
	err := s.backend.View(func(txn storage.Txn) error {
		var err error
		out, err = s.graph.QueryEdgeSrcLabel(txn, src, label)
		return err
	})
	return out, err
}

// QueryEdgeDstLabel returns ids of visible edges arriving at dst with label.
func (s *Store) QueryEdgeDstLabel(dst types.ObjectID, label types.Label) ([]types.ObjectID, error) {
	var out []types.ObjectID
	err := s.backend.View(func(txn storage.Txn) error {
		var err error
		out, err = s.graph.QueryEdgeDstLabel(txn, dst, label)
		return err
	})
	return out, err
}

// Atom set index reads.

// AtomsBySrc returns (label, value) per atom id owned by src.
func (s *Store) AtomsBySrc(src types.ObjectID) (map[types.ObjectID]storage.LabelValue, error) {
	var out map[types.ObjectID]storage.LabelValue
	err := s.backend.View(func(txn storage.Txn) error {
		var err error
		out, err = s.atoms.IDLabelValueBySrc(txn, src)
		return err
	})
	return out, err
}

// AtomsBySrcLabel returns value per atom id matching (src, label).
func (s *Store) AtomsBySrcLabel(src types.ObjectID, label types.Label) (map[types.ObjectID][]byte, error) {
	var out map[types.ObjectID][]byte
	err := s.backend.View(func(txn storage.Txn) error {
		var err error
		out, err = s.atoms.IDValueBySrcLabel(txn, src, label)
		return err
	})
	return out, err
}

// AtomsByLabel returns (src, value) per atom id carrying label.
func (s *Store) AtomsByLabel(label types.Label) (map[types.ObjectID]storage.SrcValue, error) {
	var out map[types.ObjectID]storage.SrcValue
	err := s.backend.View(func(txn storage.Txn) error {
		var err error
		out, err = s.atoms.IDSrcValueByLabel(txn, label)
		return err
	})
	return out, err
}

// AtomsByLabelValue returns src per atom id matching (label, value).
func (s *Store) AtomsByLabelValue(label types.Label, value []byte) (map[types.ObjectID]types.ObjectID, error) {
	var out map[types.ObjectID]types.ObjectID
	err := s.backend.View(func(txn storage.Txn) error {
		var err error
		out, err = s.atoms.IDSrcByLabelValue(txn, label, value)
		return err
	})
	return out, err
}

// Writes. Each mints an action stamped by the local replica, records it in
// the history, and applies it only when the history accepted it as novel.

// SetAtom writes (or tombstones, with a nil value) the atom register id.
func (s *Store) SetAtom(id types.ObjectID, value *types.AtomValue) error {
	return s.backend.Update(func(txn storage.Txn) error {
		action := s.atoms.Action(id, value, s.history.This())
		payload, err := codec.MarshalAtomAction(action)
		if err != nil {
			return err
		}
		novel, err := s.pushLocal(txn, structAtoms, payload)
		if err != nil {
			return err
		}
		if novel {
			if _, err := s.atoms.Apply(txn, s.bus, action); err != nil {
				return err
			}
			metrics.WritesAccepted.WithLabelValues(structAtoms).Inc()
			s.logger.Debug().Str("id", id.String()).Msg("atom written")
		}
		return s.save(txn)
	})
}

// SetNode writes (or tombstones) the vertex register id.
func (s *Store) SetNode(id types.ObjectID, value *types.NodeValue) error {
	return s.applyLocalGraph(func() types.GraphAction {
		return s.graph.ActionNode(id, value, s.history.This())
	})
}

// SetGraphAtom writes (or tombstones) the graph atom register id.
func (s *Store) SetGraphAtom(id types.ObjectID, value *types.GraphAtomValue) error {
	return s.applyLocalGraph(func() types.GraphAction {
		return s.graph.ActionAtom(id, value, s.history.This())
	})
}

// SetEdge writes (or tombstones) the edge register id.
func (s *Store) SetEdge(id types.ObjectID, value *types.EdgeValue) error {
	return s.applyLocalGraph(func() types.GraphAction {
		return s.graph.ActionEdge(id, value, s.history.This())
	})
}

// SetEdgeDst repoints an existing visible edge at a new destination,
// keeping its source and label. Absent or hidden edges are left untouched.
func (s *Store) SetEdgeDst(id types.ObjectID, dst types.ObjectID) error {
	return s.backend.Update(func(txn storage.Txn) error {
		cur, err := s.graph.Edge(txn, id)
		if err != nil || cur == nil {
			return err
		}
		value := &types.EdgeValue{Src: cur.Src, Label: cur.Label, Dst: dst}
		return s.applyLocalGraphTxn(txn, s.graph.ActionEdge(id, value, s.history.This()))
	})
}

func (s *Store) applyLocalGraph(build func() types.GraphAction) error {
	return s.backend.Update(func(txn storage.Txn) error {
		return s.applyLocalGraphTxn(txn, build())
	})
}

func (s *Store) applyLocalGraphTxn(txn storage.Txn, action types.GraphAction) error {
	payload, err := codec.MarshalGraphAction(action)
	if err != nil {
		return err
	}
	novel, err := s.pushLocal(txn, structGraph, payload)
	if err != nil {
		return err
	}
	if novel {
		if _, err := s.graph.Apply(txn, s.bus, action); err != nil {
			return err
		}
		metrics.WritesAccepted.WithLabelValues(structGraph).Inc()
		s.logger.Debug().
			Str("id", action.ID.String()).
			Str("kind", action.Kind.String()).
			Msg("graph register written")
	}
	return s.save(txn)
}

// pushLocal records a locally minted action under the next local history
// clock. Local pushes are always novel; the boolean mirrors Push anyway so
// the apply stays gated on the history's verdict.
func (s *Store) pushLocal(txn storage.Txn, structure string, payload []byte) (bool, error) {
	entry := storage.HistoryEntry{
		Bucket: s.history.This(),
		Clock:  s.history.NextThis() + 1,
		Name:   structure,
		Action: payload,
	}
	return s.history.Push(txn, entry)
}

func (s *Store) save(txn storage.Txn) error {
	if _, err := s.atoms.Save(txn); err != nil {
		return err
	}
	if err := s.graph.Save(txn); err != nil {
		return err
	}
	metrics.KnownBuckets.Set(float64(len(s.history.Nexts())))
	return nil
}

// Subscriptions. Each subscribe emits the current value once; unsubscribe
// is idempotent and emits nothing.

// SubscribeAtom watches the atom register id on port.
func (s *Store) SubscribeAtom(id types.ObjectID, port types.Port) error {
	return s.backend.View(func(txn storage.Txn) error {
		return s.atoms.Subscribe(txn, s.bus, id, port)
	})
}

// UnsubscribeAtom stops watching (id, port).
func (s *Store) UnsubscribeAtom(id types.ObjectID, port types.Port) {
	s.atoms.Unsubscribe(id, port)
}

// SubscribeNode watches the vertex register id on port.
func (s *Store) SubscribeNode(id types.ObjectID, port types.Port) error {
	return s.backend.View(func(txn storage.Txn) error {
		return s.graph.SubscribeNode(txn, s.bus, id, port)
	})
}

// UnsubscribeNode stops watching (id, port).
func (s *Store) UnsubscribeNode(id types.ObjectID, port types.Port) {
	s.graph.UnsubscribeNode(id, port)
}

// SubscribeEdge watches the edge register id on port.
func (s *Store) SubscribeEdge(id types.ObjectID, port types.Port) error {
	return s.backend.View(func(txn storage.Txn) error {
		return s.graph.SubscribeEdge(txn, s.bus, id, port)
	})
}

// UnsubscribeEdge stops watching (id, port).
func (s *Store) UnsubscribeEdge(id types.ObjectID, port types.Port) {
	s.graph.UnsubscribeEdge(id, port)
}

// SubscribeMultiedge watches the (src, label) adjacency set on port.
func (s *Store) SubscribeMultiedge(src types.ObjectID, label types.Label, port types.Port) error {
	return s.backend.View(func(txn storage.Txn) error {
		return s.graph.SubscribeMultiedge(txn, s.bus, src, label, port)
	})
}

// UnsubscribeMultiedge stops watching ((src, label), port).
func (s *Store) UnsubscribeMultiedge(src types.ObjectID, label types.Label, port types.Port) {
	s.graph.UnsubscribeMultiedge(src, label, port)
}

// SubscribeBackedge watches the (dst, label) reverse adjacency set on port.
func (s *Store) SubscribeBackedge(dst types.ObjectID, label types.Label, port types.Port) error {
	return s.backend.View(func(txn storage.Txn) error {
		return s.graph.SubscribeBackedge(txn, s.bus, dst, label, port)
	})
}

// UnsubscribeBackedge stops watching ((dst, label), port).
func (s *Store) UnsubscribeBackedge(dst types.ObjectID, label types.Label, port types.Port) {
	s.graph.UnsubscribeBackedge(dst, label, port)
}

// Sync entry points.

// SyncSerial serializes this replica's version vector: per known bucket,
// one past the highest recorded clock.
func (s *Store) SyncSerial() ([]byte, error) {
	return codec.EncodeVector(s.history.Nexts())
}

// SyncActions returns the serialized actions a peer with the given version
// vector is missing.
func (s *Store) SyncActions(peerVector []byte) ([]byte, error) {
	version, err := codec.DecodeVector(peerVector)
	if err != nil {
		return nil, err
	}
	var entries []storage.HistoryEntry
	err = s.backend.View(func(txn storage.Txn) error {
		entries, err = s.history.Collect(txn, version)
		return err
	})
	if err != nil {
		return nil, err
	}
	return codec.EncodeEntries(entries)
}

// SyncApply records a batch of foreign actions and applies the novel ones
// to the named structures. Unknown structure names are skipped so a store
// can forward logs it does not interpret.
func (s *Store) SyncApply(actions []byte) error {
	entries, err := codec.DecodeEntries(actions)
	if err != nil {
		return err
	}
	err = s.backend.Update(func(txn storage.Txn) error {
		novel, err := s.history.Append(txn, entries)
		if err != nil {
			return err
		}
		for _, entry := range novel {
			switch entry.Name {
			case structAtoms:
				action, err := codec.UnmarshalAtomAction(entry.Action)
				if err != nil {
					return err
				}
				accepted, err := s.atoms.Apply(txn, s.bus, action)
				if err != nil {
					return err
				}
				if accepted {
					metrics.SyncActionsApplied.WithLabelValues(structAtoms).Inc()
				} else {
					metrics.WritesRejected.WithLabelValues(structAtoms).Inc()
				}
			case structGraph:
				action, err := codec.UnmarshalGraphAction(entry.Action)
				if err != nil {
					return err
				}
				accepted, err := s.graph.Apply(txn, s.bus, action)
				if err != nil {
					return err
				}
				if accepted {
					metrics.SyncActionsApplied.WithLabelValues(structGraph).Inc()
				} else {
					metrics.WritesRejected.WithLabelValues(structGraph).Inc()
				}
			default:
				s.logger.Warn().Str("structure", entry.Name).Msg("skipping action for unknown structure")
			}
		}
		if len(novel) > 0 {
			s.logger.Debug().Int("actions", len(novel)).Msg("applied sync batch")
		}
		return s.save(txn)
	})
	if err != nil {
		return err
	}
	metrics.SyncRounds.Inc()
	return nil
}
