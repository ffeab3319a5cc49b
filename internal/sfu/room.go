package sfu

import (
	"sort"
	"sync"
	"time"

	"github.com/isqad/livelook-gateway/internal/rtc"
)

type Room struct {
	ID        string
	Router    rtc.Router
	CreatedAt time.Time

	lock    sync.RWMutex
	peers   map[string]*Peer
	closing bool
}

func newRoom(id string, router rtc.Router) *Room {
	return &Room{
		ID:        id,
		Router:    router,
		CreatedAt: time.Now(),
		peers:     make(map[string]*Peer),
	}
}

func (r *Room) Peer(id string) (*Peer, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	p, ok := r.peers[id]
	return p, ok
}

// Peers returns the members ordered by join time.
func (r *Room) Peers() []*Peer {
	r.lock.RLock()
	defer r.lock.RUnlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].JoinedAt.Equal(peers[j].JoinedAt) {
			return peers[i].ID < peers[j].ID
		}
		return peers[i].JoinedAt.Before(peers[j].JoinedAt)
	})
	return peers
}

func (r *Room) PeerCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.peers)
}

func (r *Room) Closing() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.closing
}

// addPeer stores p and returns the record it replaced, if any.
func (r *Room) addPeer(p *Peer) (*Peer, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closing {
		return nil, ErrRoomNotFound
	}
	previous := r.peers[p.ID]
	r.peers[p.ID] = p
	return previous, nil
}

func (r *Room) removePeer(id string) (*Peer, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	p, ok := r.peers[id]
	delete(r.peers, id)
	return p, ok
}

// close marks the room closing and detaches every peer. It reports false if
// the room was already closing.
func (r *Room) close() ([]*Peer, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closing {
		return nil, false
	}
	r.closing = true

	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[string]*Peer)
	return peers, true
}
