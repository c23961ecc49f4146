package download

import (
	"sync"

	"github.com/alessandro-massarenti/D-LAN/internal/peer"
	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

// OccupiedPeers tracks which peers are currently engaged in one role, either
// asking for hashes or downloading a chunk. One instance exists per role. A
// peer freed from the role is announced to subscribers exactly once per
// release that actually removed it, synchronously, after the registry has
// been updated and its lock dropped.
type OccupiedPeers struct {
	mu     sync.Mutex
	peers  map[protocol.Hash]peer.Peer
	onFree []func(peer.Peer)
}

func NewOccupiedPeers() *OccupiedPeers {
	return &OccupiedPeers{peers: make(map[protocol.Hash]peer.Peer)}
}

// OnFree subscribes to free-peer events. Subscriptions are made during
// wiring, before any Occupy call.
func (o *OccupiedPeers) OnFree(fn func(peer.Peer)) {
	o.onFree = append(o.onFree, fn)
}

// Occupy reserves the peer for the role. It fails when the peer is already
// occupied in this role.
func (o *OccupiedPeers) Occupy(p peer.Peer) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, occupied := o.peers[p.ID()]; occupied {
		return false
	}
	o.peers[p.ID()] = p
	return true
}

func (o *OccupiedPeers) IsOccupied(id protocol.Hash) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, occupied := o.peers[id]
	return occupied
}

// Release frees the peer from the role. Subscribers run on the caller's
// goroutine and observe the peer already removed.
func (o *OccupiedPeers) Release(p peer.Peer) {
	o.mu.Lock()
	_, occupied := o.peers[p.ID()]
	delete(o.peers, p.ID())
	o.mu.Unlock()

	if !occupied {
		return
	}
	for _, fn := range o.onFree {
		fn(p)
	}
}
