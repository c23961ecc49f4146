package download

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/alessandro-massarenti/D-LAN/internal/peer"
	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

// DirDownload is a placeholder in the queue for a directory entry. Its only
// job is a one-shot request to the source peer for the directory's children;
// the manager then splices the children into the queue at the placeholder's
// position.
type DirDownload struct {
	baseDownload

	peerManager peer.Manager

	// entriesResult is the manager's callback, invoked on the request
	// goroutine with either the resolved children or the failure.
	entriesResult func(d *DirDownload, entries []protocol.Entry, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Guarded by baseDownload.mu.
	retrieving bool
}

func newDirDownload(
	log zerolog.Logger,
	peerManager peer.Manager,
	id uint64,
	peerSourceID protocol.Hash,
	entry protocol.Entry,
	entriesResult func(*DirDownload, []protocol.Entry, error),
) *DirDownload {
	ctx, cancel := context.WithCancel(context.Background())
	return &DirDownload{
		baseDownload: baseDownload{
			id:           id,
			entry:        entry,
			peerSourceID: peerSourceID,
			log:          log.With().Uint64("download", id).Str("dir", entry.FullPath()).Logger(),
			status:       StatusQueued,
		},
		peerManager:   peerManager,
		entriesResult: entriesResult,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Retrieving reports whether a listing request is in flight.
func (d *DirDownload) Retrieving() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retrieving
}

// RetrieveEntries launches the one-shot listing request. It returns true
// when the request was actually launched.
func (d *DirDownload) RetrieveEntries() bool {
	d.mu.Lock()
	if d.retrieving || d.status == StatusPaused {
		d.mu.Unlock()
		return false
	}

	p := d.peerManager.GetPeer(d.peerSourceID)
	if p == nil || !p.IsAlive() {
		d.setStatusLocked(StatusUnknownPeerSource)
		d.mu.Unlock()
		return false
	}

	d.retrieving = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.retrieveEntriesLoop(p)
	}()
	return true
}

func (d *DirDownload) retrieveEntriesLoop(p peer.Peer) {
	entries, err := p.GetEntries(d.ctx, d.entry)

	d.mu.Lock()
	d.retrieving = false
	d.mu.Unlock()

	if err != nil {
		d.log.Warn().Err(err).Str("peer", p.ID().String()).Msg("Directory listing failed")
	} else {
		d.log.Debug().Int("entries", len(entries)).Msg("Directory resolved")
	}

	d.entriesResult(d, entries, err)
}

func (d *DirDownload) remove() {
	d.cancel()
	d.fireDeleted(d)
}

func (d *DirDownload) stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *DirDownload) queueEntry() queueEntry {
	return queueEntry{
		Entry:  d.entry,
		PeerID: d.peerSourceID,
	}
}
