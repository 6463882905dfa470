// Package peer carries sync payloads between replicas. The CRDT core is
// transport-agnostic; this package is one binding: net/rpc over TCP with
// msgpack codecs, exposing a single Actions RPC that answers a peer's
// version vector with the actions it is missing.
package peer

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/rs/zerolog"

	"github.com/quiltdb/quilt/pkg/log"
	"github.com/quiltdb/quilt/pkg/store"
)

// ActionsRequest carries the caller's serialized version vector.
type ActionsRequest struct {
	Vector []byte
}

// ActionsResponse carries the serialized actions the caller is missing.
type ActionsResponse struct {
	Actions []byte
}

// Replica is the RPC receiver served to peers. It serializes store access:
// the Store itself is single-threaded and connections are handled
// concurrently.
type Replica struct {
	mu     *sync.Mutex
	store  *store.Store
	logger zerolog.Logger
}

// Actions answers a peer probe: every action recorded here that lies at or
// beyond the peer's version vector.
func (r *Replica) Actions(req ActionsRequest, resp *ActionsResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	actions, err := r.store.SyncActions(req.Vector)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to collect actions for peer")
		return err
	}
	resp.Actions = actions
	return nil
}

// Server accepts peer connections and serves the Replica RPC.
type Server struct {
	mu       sync.Mutex
	store    *store.Store
	rpc      *rpc.Server
	listener net.Listener
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewServer wraps a store for serving. The returned server shares its lock
// with SyncWith, so periodic anti-entropy and inbound peers never race on
// the store.
func NewServer(st *store.Store) *Server {
	s := &Server{
		store:  st,
		rpc:    rpc.NewServer(),
		logger: log.WithComponent("peer"),
		stopCh: make(chan struct{}),
	}
	replica := &Replica{mu: &s.mu, store: st, logger: s.logger}
	// Registration only fails for receivers without exported methods.
	if err := s.rpc.RegisterName("Replica", replica); err != nil {
		panic(err)
	}
	return s
}

// Serve listens on addr and handles peer connections until Stop.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("peer listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("peer server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return fmt.Errorf("peer accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.rpc.ServeCodec(msgpackrpc.NewServerCodec(conn))
		}()
	}
}

// Addr returns the bound listener address, useful when serving on :0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
}

// SyncWith runs one anti-entropy round against the peer at addr: send the
// local version vector, apply the actions the peer returns.
func (s *Server) SyncWith(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Sync(s.store, addr)
}

// Sync performs one anti-entropy round for st against the peer at addr.
// The caller is responsible for serializing access to st.
func Sync(st *store.Store, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial peer %s: %w", addr, err)
	}
	client := rpc.NewClientWithCodec(msgpackrpc.NewClientCodec(conn))
	defer client.Close()

	vector, err := st.SyncSerial()
	if err != nil {
		return err
	}
	var resp ActionsResponse
	if err := client.Call("Replica.Actions", ActionsRequest{Vector: vector}, &resp); err != nil {
		return fmt.Errorf("peer %s: %w", addr, err)
	}
	if err := st.SyncApply(resp.Actions); err != nil {
		return fmt.Errorf("apply actions from %s: %w", addr, err)
	}
	return nil
}
