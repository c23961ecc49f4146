// Package peer defines the view the download core has of remote peers: a
// resolver from peer identity to a live session, and the three operations a
// session supports (directory listing, hash streaming, chunk transfer).
package peer

import (
	"context"
	"io"

	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

// HashMessage is one element of a hash stream. A message with a null Holder
// introduces the next chunk hash of the file, in chunk order. A message with
// a non-null Holder announces an additional peer known to hold the chunk
// identified by ChunkHash.
type HashMessage struct {
	ChunkHash protocol.Hash
	Holder    protocol.Hash
}

// HashStream delivers the chunk hashes of a file progressively.
type HashStream interface {
	// Next blocks until the next message is available. It returns io.EOF
	// when the peer has sent every hash it knows.
	Next() (HashMessage, error)

	Close() error
}

// Peer is a transport session to a remote peer.
type Peer interface {
	ID() protocol.Hash
	Nick() string

	// IsAlive reports whether the session is still usable.
	IsAlive() bool

	// GetEntries fetches the immediate children of a directory entry.
	GetEntries(ctx context.Context, entry protocol.Entry) ([]protocol.Entry, error)

	// GetHashes opens the hash side channel for a file entry.
	GetHashes(ctx context.Context, entry protocol.Entry) (HashStream, error)

	// GetChunk opens a byte stream for the chunk identified by hash,
	// starting at the given offset within the file.
	GetChunk(ctx context.Context, hash protocol.Hash, offset int64) (io.ReadCloser, error)
}

// Manager resolves peer identifiers to sessions.
type Manager interface {
	// GetPeer returns a session for the peer, or nil when the peer is
	// unknown.
	GetPeer(id protocol.Hash) Peer
}
