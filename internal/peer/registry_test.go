package peer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

type stubSession struct {
	id protocol.Hash

	mu       sync.Mutex
	alive    bool
	closed   bool
	entryErr error
	calls    int
}

func newStubSession(nick string) *stubSession {
	return &stubSession{id: protocol.ComputeHash([]byte(nick)), alive: true}
}

func (s *stubSession) ID() protocol.Hash { return s.id }
func (s *stubSession) Nick() string      { return "stub" }

func (s *stubSession) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *stubSession) GetEntries(context.Context, protocol.Entry) ([]protocol.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil, s.entryErr
}

func (s *stubSession) GetHashes(context.Context, protocol.Entry) (HashStream, error) {
	return nil, errors.New("not implemented")
}

func (s *stubSession) GetChunk(context.Context, protocol.Hash, int64) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.alive = false
	return nil
}

func (s *stubSession) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestRegistry(t *testing.T, cacheSize int) *Registry {
	t.Helper()
	r, err := NewRegistry(zerolog.Nop(), cacheSize, 50*time.Millisecond)
	require.NoError(t, err)
	return r
}

func TestRegistry_UnknownPeerIsNil(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 4)
	assert.Nil(t, r.GetPeer(protocol.ComputeHash([]byte("nobody"))))
}

func TestRegistry_SessionsAreReused(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 4)

	session := newStubSession("alice")
	dials := 0
	r.Register(session.ID(), func() (Session, error) {
		dials++
		return session, nil
	})

	first := r.GetPeer(session.ID())
	require.NotNil(t, first)
	second := r.GetPeer(session.ID())
	require.NotNil(t, second)
	assert.Equal(t, 1, dials)
	assert.Same(t, first, second)
	assert.Equal(t, session.ID(), first.ID())
}

func TestRegistry_DeadSessionsAreRedialed(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 4)

	sessions := []*stubSession{newStubSession("bob"), newStubSession("bob")}
	dials := 0
	r.Register(sessions[0].ID(), func() (Session, error) {
		s := sessions[dials]
		dials++
		return s, nil
	})

	require.NotNil(t, r.GetPeer(sessions[0].ID()))
	sessions[0].Close()
	p := r.GetPeer(sessions[0].ID())
	require.NotNil(t, p)
	assert.True(t, p.IsAlive())
	assert.Equal(t, 2, dials)
}

func TestRegistry_UnregisterClosesSession(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 4)

	session := newStubSession("carol")
	r.Register(session.ID(), func() (Session, error) { return session, nil })
	require.NotNil(t, r.GetPeer(session.ID()))

	r.Unregister(session.ID())
	assert.True(t, session.isClosed())
	assert.Nil(t, r.GetPeer(session.ID()))
}

func TestRegistry_EvictionClosesOldestSession(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 1)

	first := newStubSession("dave")
	second := newStubSession("erin")
	r.Register(first.ID(), func() (Session, error) { return first, nil })
	r.Register(second.ID(), func() (Session, error) { return second, nil })

	require.NotNil(t, r.GetPeer(first.ID()))
	require.NotNil(t, r.GetPeer(second.ID()))

	assert.True(t, first.isClosed())
}

func TestRegistry_SessionsCarryTheBreaker(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 4)

	session := newStubSession("flaky")
	session.entryErr = errors.New("connection reset")
	r.Register(session.ID(), func() (Session, error) { return session, nil })

	p := r.GetPeer(session.ID())
	require.NotNil(t, p)
	entry := protocol.Entry{Type: protocol.EntryDir, Path: "/", Name: "d"}

	for i := 0; i < breakerConsecutiveFailures; i++ {
		_, err := p.GetEntries(context.Background(), entry)
		require.Error(t, err)
	}

	// The breaker is open: further calls fail fast without reaching the
	// session, including through a fresh GetPeer of the cached entry.
	before := session.callCount()
	_, err := p.GetEntries(context.Background(), entry)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	_, err = r.GetPeer(session.ID()).GetEntries(context.Background(), entry)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, before, session.callCount())
}

func TestWithBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	session := newStubSession("flaky")
	session.entryErr = errors.New("connection reset")

	p := WithBreaker(session, 50*time.Millisecond)
	entry := protocol.Entry{Type: protocol.EntryDir, Path: "/", Name: "d"}

	for i := 0; i < breakerConsecutiveFailures; i++ {
		_, err := p.GetEntries(context.Background(), entry)
		require.Error(t, err)
	}

	// The breaker is now open: calls fail fast without touching the peer.
	_, err := p.GetEntries(context.Background(), entry)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	// After the timeout the peer gets another chance.
	session.mu.Lock()
	session.entryErr = nil
	session.mu.Unlock()

	time.Sleep(60 * time.Millisecond)
	_, err = p.GetEntries(context.Background(), entry)
	assert.NoError(t, err)
}
