// Package download implements the download orchestration core: an ordered,
// persistent queue of file and directory downloads, scheduled over a bounded
// number of concurrent chunk transfers across the peers of the LAN.
package download

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

// Download is an item of the queue: either a *FileDownload or a
// *DirDownload. Operations that only apply to one variant are reached
// through a type switch on the concrete type.
type Download interface {
	ID() uint64
	Entry() protocol.Entry
	PeerSourceID() protocol.Hash
	Status() Status

	// SetPaused pauses or resumes the download. Resuming restores the
	// status the download had when paused.
	SetPaused(paused bool)

	// remove cancels any in-flight work and fires the deleted event so
	// the manager drops the download from its queue.
	remove()

	// stop cancels in-flight work and waits for it, without firing the
	// deleted event. Used at shutdown so the queue survives as is.
	stop()

	queueEntry() queueEntry
}

// baseDownload carries the header shared by both variants.
type baseDownload struct {
	id           uint64
	entry        protocol.Entry
	peerSourceID protocol.Hash
	log          zerolog.Logger

	mu                sync.Mutex
	status            Status
	statusBeforePause Status
	deleted           func(Download)
}

func (b *baseDownload) ID() uint64                  { return b.id }
func (b *baseDownload) Entry() protocol.Entry       { return b.entry }
func (b *baseDownload) PeerSourceID() protocol.Hash { return b.peerSourceID }

func (b *baseDownload) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *baseDownload) setStatusLocked(s Status) {
	if b.status == StatusPaused {
		// Keep the pause visible; the new status takes over on resume.
		b.statusBeforePause = s
		return
	}
	b.status = s
}

// onDeleted registers the manager's single subscription for the deleted
// event. Set once, at insertion.
func (b *baseDownload) onDeleted(fn func(Download)) {
	b.deleted = fn
}

func (b *baseDownload) fireDeleted(d Download) {
	b.mu.Lock()
	fn := b.deleted
	b.deleted = nil
	b.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

// setPausedBase swaps the status with PAUSED and back. It returns true when
// the state actually changed.
func (b *baseDownload) setPausedBase(paused bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if paused {
		if b.status == StatusPaused || b.status == StatusComplete {
			return false
		}
		b.statusBeforePause = b.status
		b.status = StatusPaused
		return true
	}

	if b.status != StatusPaused {
		return false
	}
	b.status = b.statusBeforePause
	return true
}

func (b *baseDownload) SetPaused(paused bool) {
	b.setPausedBase(paused)
}

// queueEntry is one element of the persisted queue record.
type queueEntry struct {
	Entry    protocol.Entry `json:"entry"`
	PeerID   protocol.Hash  `json:"peer_id"`
	Complete bool           `json:"complete"`
}

// queueRecord is the versioned on-disk representation of the queue.
type queueRecord struct {
	Version int          `json:"version"`
	Entries []queueEntry `json:"entries"`
}

const (
	// fileQueueName is the well-known record name of the saved queue.
	fileQueueName = "queue.json"

	// fileQueueVersion guards the record schema. A mismatched version is
	// discarded, not migrated.
	fileQueueVersion = 1
)
