package peer

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

// Session is a closeable peer session, as produced by a transport dialer.
type Session interface {
	Peer
	Close() error
}

// SessionFactory dials a new session to a known peer.
type SessionFactory func() (Session, error)

// Registry is the concrete Manager. Peers discovered on the LAN are
// registered with a factory able to dial them; live sessions are kept in an
// LRU cache so that repeated requests to the same peer reuse one transport.
// Evicted or unregistered sessions are closed. Every session handed out is
// wrapped with a circuit breaker, so a peer that keeps failing is cut off
// for the breaker timeout before the schedulers try it again.
type Registry struct {
	log            zerolog.Logger
	breakerTimeout time.Duration

	mu        sync.Mutex
	factories map[protocol.Hash]SessionFactory
	sessions  *lru.Cache
}

// cachedSession keeps the raw session for liveness checks and teardown next
// to its breaker-wrapped view, which is what callers get.
type cachedSession struct {
	session Session
	peer    Peer
}

func NewRegistry(log zerolog.Logger, cacheSize int, breakerTimeout time.Duration) (*Registry, error) {
	r := &Registry{
		log:            log,
		breakerTimeout: breakerTimeout,
		factories:      make(map[protocol.Hash]SessionFactory),
	}

	cache, err := lru.NewWithEvict(cacheSize, func(_, value interface{}) {
		if err := value.(*cachedSession).session.Close(); err != nil {
			r.log.Warn().Err(err).Msg("Failed to close evicted peer session")
		}
	})
	if err != nil {
		return nil, err
	}
	r.sessions = cache

	return r, nil
}

// Register makes the peer resolvable. Registering an already known peer
// replaces its factory and drops any cached session.
func (r *Registry) Register(id protocol.Hash, factory SessionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
	r.sessions.Remove(id)
}

// Unregister forgets the peer and closes its cached session, if any.
func (r *Registry) Unregister(id protocol.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, id)
	r.sessions.Remove(id)
}

// GetPeer returns a live session for the peer, dialing one if needed.
// Unknown peers and failed dials yield nil.
func (r *Registry) GetPeer(id protocol.Hash) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if value, ok := r.sessions.Get(id); ok {
		cached := value.(*cachedSession)
		if cached.session.IsAlive() {
			return cached.peer
		}
		r.sessions.Remove(id)
	}

	factory, ok := r.factories[id]
	if !ok {
		return nil
	}

	session, err := factory()
	if err != nil {
		r.log.Warn().Err(err).Str("peer", id.String()).Msg("Failed to dial peer")
		return nil
	}

	cached := &cachedSession{
		session: session,
		peer:    WithBreaker(session, r.breakerTimeout),
	}
	r.sessions.Add(id, cached)
	return cached.peer
}
