package peer

import (
	"context"
	"io"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

const breakerConsecutiveFailures = 5

// WithBreaker wraps a peer with a circuit breaker. A peer that keeps failing
// its requests is cut off for the given timeout; while the breaker is open
// every call fails immediately with gobreaker.ErrOpenState, which the
// scheduler treats like any other transfer error and retries later.
func WithBreaker(p Peer, timeout time.Duration) Peer {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    p.ID().String(),
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
	})

	return &breakerPeer{peer: p, cb: cb}
}

type breakerPeer struct {
	peer Peer
	cb   *gobreaker.CircuitBreaker
}

func (b *breakerPeer) ID() protocol.Hash { return b.peer.ID() }
func (b *breakerPeer) Nick() string      { return b.peer.Nick() }
func (b *breakerPeer) IsAlive() bool     { return b.peer.IsAlive() }

func (b *breakerPeer) GetEntries(ctx context.Context, entry protocol.Entry) ([]protocol.Entry, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.peer.GetEntries(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return result.([]protocol.Entry), nil
}

func (b *breakerPeer) GetHashes(ctx context.Context, entry protocol.Entry) (HashStream, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.peer.GetHashes(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return result.(HashStream), nil
}

func (b *breakerPeer) GetChunk(ctx context.Context, hash protocol.Hash, offset int64) (io.ReadCloser, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.peer.GetChunk(ctx, hash, offset)
	})
	if err != nil {
		return nil, err
	}
	return result.(io.ReadCloser), nil
}
