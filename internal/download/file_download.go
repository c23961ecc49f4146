package download

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alessandro-massarenti/D-LAN/internal/fm"
	"github.com/alessandro-massarenti/D-LAN/internal/peer"
	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

// FileDownload drives one file through its life cycle: reserve a local slot,
// acquire the chunk hashes from the source peer, then hand eligible chunks
// to the scheduler until every chunk is complete.
type FileDownload struct {
	baseDownload

	fileManager    fm.FileManager
	peerManager    peer.Manager
	occupiedHashes *OccupiedPeers
	occupiedChunks *OccupiedPeers
	cooldown       time.Duration
	onReady        func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Guarded by baseDownload.mu.
	file            fm.File
	chunks          []*ChunkDownload
	nbChunks        int
	restoredDone    bool
	hashesRequested bool

	meter rateMeter
}

func newFileDownload(
	log zerolog.Logger,
	fileManager fm.FileManager,
	peerManager peer.Manager,
	occupiedHashes, occupiedChunks *OccupiedPeers,
	id uint64,
	peerSourceID protocol.Hash,
	entry protocol.Entry,
	complete bool,
	cooldown time.Duration,
	onReady func(),
) *FileDownload {
	ctx, cancel := context.WithCancel(context.Background())

	nbChunks := protocol.NumChunks(entry.Size)
	if len(entry.Hashes) > nbChunks {
		nbChunks = len(entry.Hashes)
	}

	return &FileDownload{
		baseDownload: baseDownload{
			id:           id,
			entry:        entry,
			peerSourceID: peerSourceID,
			log:          log.With().Uint64("download", id).Str("file", entry.FullPath()).Logger(),
			status:       StatusQueued,
		},
		fileManager:    fileManager,
		peerManager:    peerManager,
		occupiedHashes: occupiedHashes,
		occupiedChunks: occupiedChunks,
		cooldown:       cooldown,
		onReady:        onReady,
		ctx:            ctx,
		cancel:         cancel,
		nbChunks:       nbChunks,
		restoredDone:   complete,
	}
}

// start brings the download out of its initial state: restored files
// short-circuit to complete, everything else reserves its slot and seeds or
// requests chunk hashes.
func (f *FileDownload) start() {
	f.mu.Lock()
	if f.restoredDone {
		f.status = StatusComplete
		f.mu.Unlock()
		return
	}

	f.createFileLocked()
	if f.status == StatusComplete || (f.status.IsError() && !f.status.IsSoftError()) {
		f.mu.Unlock()
		return
	}

	for i, h := range f.entry.Hashes {
		f.addChunkLocked(i, h)
	}
	haveAll := f.nbChunks > 0 && len(f.chunks) == f.nbChunks
	if haveAll && f.file != nil {
		f.setStatusLocked(StatusDownloading)
	}
	f.mu.Unlock()

	if !haveAll {
		f.RetrieveHashes()
	}
}

// createFileLocked reserves the local slot and maps file-manager failures
// onto statuses. Zero-chunk files complete on the spot.
func (f *FileDownload) createFileLocked() {
	if f.file != nil {
		return
	}

	file, err := f.fileManager.NewFile(f.entry)
	if err != nil {
		switch {
		case errors.Is(err, fm.ErrNotEnoughFreeSpace):
			f.setStatusLocked(StatusNotEnoughFreeSpace)
		case errors.Is(err, fm.ErrNoSharedDirectory):
			f.setStatusLocked(StatusNoSharedDirectory)
		case errors.Is(err, fm.ErrFileAlreadyExists):
			f.setStatusLocked(StatusFileAlreadyExists)
		default:
			f.setStatusLocked(StatusUnableToCreateFile)
		}
		f.log.Warn().Err(err).Msg("Cannot reserve file slot")
		return
	}

	f.file = file

	if f.nbChunks == 0 {
		if err := file.Finish(); err != nil {
			f.log.Error().Err(err).Msg("Failed to finish empty file")
			f.setStatusLocked(StatusUnableToCreateFile)
			return
		}
		f.status = StatusComplete
		f.log.Info().Msg("File complete")
	}
}

func (f *FileDownload) addChunkLocked(num int, hash protocol.Hash) {
	chunk := newChunkDownload(
		f.log,
		f.occupiedChunks,
		f.cooldown,
		hash,
		num,
		f.chunkSize(num),
		f.ctx,
		&f.wg,
		f.openChunkWriter,
		f.meter.add,
		f.chunkDone,
	)
	if source := f.peerManager.GetPeer(f.peerSourceID); source != nil {
		chunk.AddHolder(source)
	}
	f.chunks = append(f.chunks, chunk)
}

// chunkSize returns the byte length of the given chunk; only the last chunk
// of a file is shorter than ChunkSize.
func (f *FileDownload) chunkSize(num int) int64 {
	remaining := f.entry.Size - int64(num)*protocol.ChunkSize
	if remaining > protocol.ChunkSize {
		return protocol.ChunkSize
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (f *FileDownload) openChunkWriter(chunkNum int) (io.WriteCloser, error) {
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file == nil {
		return nil, ErrNoFileSlot
	}
	return file.OpenWriter(chunkNum)
}

// RetrieveHashes asks the source peer for the file's chunk hashes over the
// hash side channel. At most one request per file is in flight; while it is
// pending the peer is occupied in the asking-for-hashes role. It returns
// true when a request was actually launched.
func (f *FileDownload) RetrieveHashes() bool {
	f.mu.Lock()
	if f.status == StatusPaused || f.status == StatusComplete {
		f.mu.Unlock()
		return false
	}
	if f.hashesRequested || (f.nbChunks > 0 && len(f.chunks) == f.nbChunks) {
		f.mu.Unlock()
		return false
	}

	p := f.peerManager.GetPeer(f.peerSourceID)
	if p == nil || !p.IsAlive() {
		f.setStatusLocked(StatusUnknownPeerSource)
		f.mu.Unlock()
		return false
	}
	if !f.occupiedHashes.Occupy(p) {
		f.mu.Unlock()
		return false
	}

	f.hashesRequested = true
	f.setStatusLocked(StatusGettingHashes)
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.retrieveHashesLoop(p)
	}()
	return true
}

func (f *FileDownload) retrieveHashesLoop(p peer.Peer) {
	stream, err := p.GetHashes(f.ctx, f.entry)
	if err != nil {
		f.log.Warn().Err(err).Str("peer", p.ID().String()).Msg("Hash request failed")
		f.hashRequestOver(p, false)
		return
	}

	next := 0
	for {
		msg, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.log.Warn().Err(err).Str("peer", p.ID().String()).Msg("Hash stream failed")
			stream.Close()
			f.hashRequestOver(p, false)
			return
		}

		if msg.Holder.IsNull() {
			f.addChunkHashAt(next, msg.ChunkHash)
			next++
		} else {
			f.addHolder(msg.ChunkHash, msg.Holder)
		}
	}
	stream.Close()
	f.hashRequestOver(p, true)
}

// hashRequestOver settles the state left by a hash request, then releases
// the peer from the asking-for-hashes role. The release and the scheduler
// wake-up happen after the download lock is dropped.
func (f *FileDownload) hashRequestOver(p peer.Peer, clean bool) {
	f.mu.Lock()
	f.hashesRequested = false
	haveAll := f.nbChunks > 0 && len(f.chunks) == f.nbChunks
	if f.status == StatusGettingHashes {
		if haveAll {
			f.setStatusLocked(StatusDownloading)
		} else {
			f.setStatusLocked(StatusQueued)
		}
	}
	f.mu.Unlock()

	if !clean {
		f.log.Debug().Msg("Hash request ended early, will retry")
	}

	f.occupiedHashes.Release(p)

	if haveAll && f.onReady != nil {
		f.onReady()
	}
}

// addChunkHashAt records the idx-th chunk hash of the file. Streams may
// replay hashes the entry already carried; positions already filled are left
// untouched.
func (f *FileDownload) addChunkHashAt(idx int, hash protocol.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx < len(f.chunks) || len(f.chunks) >= f.nbChunks {
		return
	}
	f.addChunkLocked(len(f.chunks), hash)
}

// addHolder extends the holder set of the chunk carrying the given hash.
func (f *FileDownload) addHolder(chunkHash, holderID protocol.Hash) {
	p := f.peerManager.GetPeer(holderID)
	if p == nil {
		return
	}

	f.mu.Lock()
	var target *ChunkDownload
	for _, c := range f.chunks {
		if c.Hash() == chunkHash {
			target = c
			break
		}
	}
	f.mu.Unlock()

	if target != nil {
		target.AddHolder(p)
	}
}

// GetAChunkToDownload returns the first chunk eligible for scheduling:
// idle, past any cool-down, with a free alive holder. Eligibility is
// recomputed on every call.
func (f *FileDownload) GetAChunkToDownload() *ChunkDownload {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status == StatusPaused || f.status == StatusComplete {
		return nil
	}
	if f.status.IsError() && !f.status.IsSoftError() {
		return nil
	}

	f.createFileLocked()
	if f.file == nil || f.status == StatusComplete {
		return nil
	}

	for _, c := range f.chunks {
		if c.ReadyToDownload() {
			if f.status.IsSoftError() {
				f.setStatusLocked(StatusDownloading)
			}
			return c
		}
	}

	// Hashes are all known but nobody can serve any remaining chunk.
	if f.status == StatusDownloading && len(f.chunks) == f.nbChunks && !f.anyAliveHolderLocked() {
		f.setStatusLocked(StatusNoSource)
	}
	return nil
}

func (f *FileDownload) anyAliveHolderLocked() bool {
	for _, c := range f.chunks {
		if c.Status() == ChunkComplete {
			continue
		}
		for _, h := range c.Holders() {
			if p := f.peerManager.GetPeer(h); p != nil && p.IsAlive() {
				return true
			}
		}
	}
	return false
}

// chunkDone runs on the transfer goroutine once a chunk settles. When the
// last chunk completes the file is finished and the download turns complete.
func (f *FileDownload) chunkDone(c *ChunkDownload) {
	if c.Status() != ChunkComplete {
		return
	}

	f.mu.Lock()
	done := len(f.chunks) == f.nbChunks
	for _, other := range f.chunks {
		if other.Status() != ChunkComplete {
			done = false
			break
		}
	}
	var file fm.File
	if done && f.status != StatusComplete {
		file = f.file
		f.status = StatusComplete
	}
	f.mu.Unlock()

	if file != nil {
		if err := file.Finish(); err != nil {
			f.log.Error().Err(err).Msg("Failed to finish file")
			return
		}
		f.log.Info().Msg("File complete")
	}
}

// GetUnfinishedChunks appends up to n-len(out) chunks that are neither idle
// nor complete, for cross-file coordination.
func (f *FileDownload) GetUnfinishedChunks(out []*ChunkDownload, n int) []*ChunkDownload {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chunks {
		if len(out) >= n {
			break
		}
		if s := c.Status(); s != ChunkIdle && s != ChunkComplete {
			out = append(out, c)
		}
	}
	return out
}

// DownloadedBytes is the transfer progress summed across chunks.
func (f *FileDownload) DownloadedBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, c := range f.chunks {
		total += c.DownloadedBytes()
	}
	return total
}

// GetDownloadRate is the file's transfer rate in bytes per second.
func (f *FileDownload) GetDownloadRate() int64 {
	return f.meter.rate()
}

func (f *FileDownload) remove() {
	f.cancel()
	f.fireDeleted(f)
	go func() {
		f.wg.Wait()
		f.releaseFile()
	}()
}

func (f *FileDownload) stop() {
	f.cancel()
	f.wg.Wait()
	f.releaseFile()
}

func (f *FileDownload) releaseFile() {
	f.mu.Lock()
	file := f.file
	done := f.status == StatusComplete
	f.file = nil
	f.mu.Unlock()

	if file != nil && !done {
		file.Release()
	}
}

func (f *FileDownload) queueEntry() queueEntry {
	return queueEntry{
		Entry:    f.entry,
		PeerID:   f.peerSourceID,
		Complete: f.Status() == StatusComplete,
	}
}
