package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aayush-trivedi/ambient/internal/core"
	"github.com/aayush-trivedi/ambient/internal/domain"
)

type registration struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
	Since  time.Time
}

// Registry maps identities to their live signaling connection. An identity
// can be held by one connection at a time.
type Registry struct {
	mu    sync.RWMutex
	peers map[domain.PeerID]*registration
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[domain.PeerID]*registration),
	}
}

// Claim binds id to conn. It fails with core.ErrIdentityInUse while
// another connection holds id.
func (r *Registry) Claim(id domain.PeerID, conn core.SignalConnection, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; ok {
		log.Info().Str("module", "app.registry").Str("id", string(id)).Msg("identity taken")
		return core.ErrIdentityInUse
	}
	r.peers[id] = &registration{Conn: conn, Cancel: cancel, Since: time.Now()}
	log.Info().Str("module", "app.registry").Str("id", string(id)).Msg("claimed")
	return nil
}

// Release frees id if it is still held by conn.
func (r *Registry) Release(id domain.PeerID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok || e.Conn != conn {
		return false
	}
	delete(r.peers, id)
	log.Info().Str("module", "app.registry").Str("id", string(id)).Dur("held", time.Since(e.Since)).Msg("released")
	return true
}

func (r *Registry) Lookup(id domain.PeerID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.peers[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Kick cancels and closes the connection holding id. The entry itself is
// removed by the connection's own Release.
func (r *Registry) Kick(id domain.PeerID) bool {
	r.mu.RLock()
	e, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Conn.Close()
	log.Info().Str("module", "app.registry").Str("id", string(id)).Msg("kicked")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
