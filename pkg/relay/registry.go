package relay

import (
	"sync"

	"github.com/haneulee/HEAD-plaza/pkg/signal"
)

// Registry holds the live socket of every registered identity. There is at
// most one socket per identity: registering again displaces the old one.
type Registry struct {
	mu    sync.RWMutex
	peers map[signal.PeerID]*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[signal.PeerID]*Peer),
	}
}

// Register stores peer and returns the peer it displaced, if any.
func (r *Registry) Register(peer *Peer) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.peers[peer.ID]
	r.peers[peer.ID] = peer
	return old
}

// Remove deletes the registration only if it still belongs to peer.
func (r *Registry) Remove(peer *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.peers[peer.ID]; ok && current == peer {
		delete(r.peers, peer.ID)
		return true
	}
	return false
}

// Get returns the peer registered under id.
func (r *Registry) Get(id signal.PeerID) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
