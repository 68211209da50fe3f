// Package server keeps the authoritative set of live connections in the
// Registry type.
package server

import (
	"sync"

	"github.com/rs/zerolog"
)

// Peer is the view of a connection the registry and relay work with.
// *Connection implements it.
type Peer interface {
	ID() string
	Send(msg Message) error
	Close() error
	// Done is closed when the peer leaves the open state.
	Done() <-chan struct{}
}

// Registry maps connection ids to live peers. It is safe for concurrent use;
// a peer is present iff it is open.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Peer
	log   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		peers: make(map[string]Peer),
		log:   log,
	}
}

// Add inserts p. It is a no-op returning false when the id is already present
// or p is no longer open.
func (r *Registry) Add(p Peer) bool {
	if p == nil {
		r.log.Warn().Msg("received nil peer registration; skipping")
		return false
	}

	r.mu.Lock()
	// Checked under the lock: Close releases Done before calling Remove, so a
	// closing peer can never be inserted after its removal.
	if isDone(p) {
		r.mu.Unlock()
		return false
	}
	if _, exists := r.peers[p.ID()]; exists {
		r.mu.Unlock()
		return false
	}
	r.peers[p.ID()] = p
	count := len(r.peers)
	r.mu.Unlock()

	r.log.Info().Str("conn_id", p.ID()).Int("clients", count).Msg("client registered")
	return true
}

// Remove deletes the peer with the given id. Removing an absent id is a no-op
// and returns false.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	if _, exists := r.peers[id]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.peers, id)
	count := len(r.peers)
	r.mu.Unlock()

	r.log.Info().Str("conn_id", id).Int("clients", count).Msg("client unregistered")
	return true
}

// Get returns the peer registered under id.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Snapshot returns a point-in-time copy of the registered peers. The copy is
// safe to iterate while the registry keeps changing.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// CloseAll closes every registered peer and returns how many were closed.
// Peers deregister themselves as they close.
func (r *Registry) CloseAll() int {
	peers := r.Snapshot()
	for _, p := range peers {
		if err := p.Close(); err != nil && !isExpectedCloseError(err) {
			r.log.Warn().Err(err).Str("conn_id", p.ID()).Msg("error closing client connection")
		}
		// Peers that do not deregister on Close must not linger.
		r.Remove(p.ID())
	}
	return len(peers)
}

func isDone(p Peer) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
