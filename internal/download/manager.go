package download

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/alessandro-massarenti/D-LAN/internal/config"
	"github.com/alessandro-massarenti/D-LAN/internal/fm"
	"github.com/alessandro-massarenti/D-LAN/internal/peer"
	"github.com/alessandro-massarenti/D-LAN/internal/persist"
	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

var (
	downloadsAddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlan_downloads_added_total",
		Help: "Total number of downloads accepted into the queue",
	})
	chunksCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlan_chunks_completed_total",
		Help: "Total number of chunks downloaded and verified",
	})
	chunksFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlan_chunks_failed_total",
		Help: "Total number of chunk transfers that failed",
	})
)

// Manager owns the ordered download queue. It enforces the global limit on
// concurrent chunk transfers, reacts to freed peers and periodic retries,
// resolves directory placeholders, and keeps the queue durable across
// restarts.
type Manager struct {
	log         zerolog.Logger
	fileManager fm.FileManager
	peerManager peer.Manager
	store       *persist.Store

	nDownloaders int
	rescanPeriod time.Duration
	cooldown     time.Duration

	occupiedPeersAskingForHashes  *OccupiedPeers
	occupiedPeersDownloadingChunk *OccupiedPeers

	mu                sync.Mutex
	downloads         []Download
	nextID            uint64
	retrievingEntries bool
	closed            bool

	muNumberOfDownload sync.Mutex
	numberOfDownload   int

	rescanTimer *time.Timer

	ctx      context.Context
	cancel   context.CancelFunc
	loaderWg sync.WaitGroup
}

func NewManager(cfg *config.Config, log zerolog.Logger, fileManager fm.FileManager, peerManager peer.Manager, store *persist.Store) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		log:          log.With().Str("component", "download").Logger(),
		fileManager:  fileManager,
		peerManager:  peerManager,
		store:        store,
		nDownloaders: cfg.NumberOfDownloader,
		rescanPeriod: cfg.RescanQueuePeriodIfError,
		cooldown:     cfg.ChunkCooldown,
		nextID:       1,
		ctx:          ctx,
		cancel:       cancel,
	}

	m.occupiedPeersAskingForHashes = NewOccupiedPeers()
	m.occupiedPeersDownloadingChunk = NewOccupiedPeers()
	m.occupiedPeersAskingForHashes.OnFree(m.peerNoLongerAskingForHashes)
	m.occupiedPeersDownloadingChunk.OnFree(m.peerNoLongerDownloadingChunk)

	m.rescanTimer = time.AfterFunc(m.rescanPeriod, m.onRescanTimer)
	m.rescanTimer.Stop()

	// The queue is loaded only once the file cache is ready.
	m.loaderWg.Add(1)
	go func() {
		defer m.loaderWg.Done()
		select {
		case <-fileManager.FileCacheLoaded():
			m.loadQueueFromStore()
		case <-ctx.Done():
		}
	}()

	return m
}

// AddDownload appends a new download at the tail of the queue.
func (m *Manager) AddDownload(entry protocol.Entry, peerSourceID protocol.Hash) {
	m.mu.Lock()
	d := m.addDownloadLocked(entry, peerSourceID, false, len(m.downloads))
	m.mu.Unlock()

	if d != nil {
		m.scanTheQueue()
	}
}

// addDownloadLocked inserts a download at the given position. Duplicates of
// an already queued entry are dropped with a warning.
func (m *Manager) addDownloadLocked(entry protocol.Entry, peerSourceID protocol.Hash, complete bool, pos int) Download {
	if m.closed {
		return nil
	}
	if m.isEntryAlreadyQueuedLocked(entry) {
		m.log.Warn().Str("name", entry.Name).Msg("Entry already queued, it will not be added to the queue")
		return nil
	}

	id := m.nextID
	m.nextID++

	var d Download
	switch entry.Type {
	case protocol.EntryDir:
		d = newDirDownload(m.log, m.peerManager, id, peerSourceID, entry, m.dirEntriesResult)
	case protocol.EntryFile:
		d = newFileDownload(
			m.log,
			m.fileManager,
			m.peerManager,
			m.occupiedPeersAskingForHashes,
			m.occupiedPeersDownloadingChunk,
			id,
			peerSourceID,
			entry,
			complete,
			m.cooldown,
			m.scanTheQueue,
		)
	default:
		m.log.Warn().Str("name", entry.Name).Msg("Entry with unknown type dropped")
		return nil
	}

	if pos < 0 || pos > len(m.downloads) {
		pos = len(m.downloads)
	}
	m.downloads = append(m.downloads, nil)
	copy(m.downloads[pos+1:], m.downloads[pos:])
	m.downloads[pos] = d

	switch dl := d.(type) {
	case *DirDownload:
		dl.onDeleted(m.downloadDeleted)
		m.scanQueueToRetrieveEntriesLocked()
	case *FileDownload:
		dl.onDeleted(m.downloadDeleted)
		dl.start()
	}

	downloadsAddedTotal.Inc()
	return d
}

func (m *Manager) isEntryAlreadyQueuedLocked(entry protocol.Entry) bool {
	for _, d := range m.downloads {
		if d.Entry().SameDownload(entry) {
			return true
		}
	}
	return false
}

// GetDownloads returns a consistent snapshot of the queue, in order.
func (m *Manager) GetDownloads() []Download {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Download(nil), m.downloads...)
}

// GetUnfinishedChunks harvests up to n chunks that are neither idle nor
// complete, across files, in queue order.
func (m *Manager) GetUnfinishedChunks(n int) []*ChunkDownload {
	var out []*ChunkDownload
	for _, d := range m.GetDownloads() {
		if len(out) >= n {
			break
		}
		if fd, ok := d.(*FileDownload); ok {
			out = fd.GetUnfinishedChunks(out, n)
		}
	}
	return out
}

// GetDownloadRate sums the rates of every file currently downloading, in
// bytes per second.
func (m *Manager) GetDownloadRate() int64 {
	var total int64
	for _, d := range m.GetDownloads() {
		if fd, ok := d.(*FileDownload); ok && fd.Status() == StatusDownloading {
			total += fd.GetDownloadRate()
		}
	}
	return total
}

// NumberOfDownloads is the number of chunk transfers currently running.
func (m *Manager) NumberOfDownloads() int {
	m.muNumberOfDownload.Lock()
	defer m.muNumberOfDownload.Unlock()
	return m.numberOfDownload
}

// PauseDownloads pauses or resumes the downloads with the given ids.
func (m *Manager) PauseDownloads(ids []uint64, paused bool) {
	wanted := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	for _, d := range m.GetDownloads() {
		if _, ok := wanted[d.ID()]; ok {
			d.SetPaused(paused)
		}
	}

	if !paused {
		m.Refresh()
	}
}

// RemoveDownloads cancels the downloads with the given ids and drops them
// from the queue. With completeOnly set, only complete downloads go.
func (m *Manager) RemoveDownloads(ids []uint64, completeOnly bool) {
	wanted := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	for _, d := range m.GetDownloads() {
		if _, ok := wanted[d.ID()]; !ok {
			continue
		}
		if completeOnly && d.Status() != StatusComplete {
			continue
		}
		d.remove()
	}

	m.Refresh()
}

// Refresh re-runs every scan: directory resolution, hash acquisition and
// chunk scheduling.
func (m *Manager) Refresh() {
	m.mu.Lock()
	m.scanQueueToRetrieveEntriesLocked()
	m.mu.Unlock()

	m.scanForHashes()
	m.scanTheQueue()
}

// downloadDeleted drops the download from the queue. Safe to call more than
// once for the same download.
func (m *Manager) downloadDeleted(d Download) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, dl := range m.downloads {
		if dl.ID() == d.ID() {
			m.downloads = append(m.downloads[:i], m.downloads[i+1:]...)
			return
		}
	}
}

// peerNoLongerAskingForHashes searches for the next file wanting hashes.
func (m *Manager) peerNoLongerAskingForHashes(peer.Peer) {
	m.scanForHashes()
}

// peerNoLongerDownloadingChunk re-enters the scheduler; the counter was
// already decremented by the finished hook of the releasing chunk.
func (m *Manager) peerNoLongerDownloadingChunk(p peer.Peer) {
	m.log.Debug().Str("peer", p.ID().String()).Int("downloading", m.NumberOfDownloads()).Msg("A peer is free")
	m.scanTheQueue()
}

func (m *Manager) scanForHashes() {
	for _, d := range m.GetDownloads() {
		if fd, ok := d.(*FileDownload); ok && fd.RetrieveHashes() {
			return
		}
	}
}

// scanTheQueue walks the queue in order and starts eligible chunk transfers
// while the global budget allows.
func (m *Manager) scanTheQueue() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	snapshot := append([]Download(nil), m.downloads...)
	m.mu.Unlock()

	m.log.Debug().Msg("Scanning the queue")

	armTimer := false
	for _, d := range snapshot {
		fd, ok := d.(*FileDownload)
		if !ok {
			continue
		}
		if m.NumberOfDownloads() >= m.nDownloaders {
			break
		}

		chunk := fd.GetAChunkToDownload()

		if fd.Status().IsSoftError() {
			armTimer = true
		}
		if chunk == nil {
			continue
		}

		chunk.setFinishedHook(func() { m.chunkDownloadFinished(chunk) })

		// The counter mutex is the capacity gate: concurrent scans both
		// racing for the last slot cannot exceed the cap.
		if !m.tryIncNumberOfDownload() {
			break
		}
		if chunk.reserve() {
			chunk.start()
		} else {
			m.decNumberOfDownload()
		}
	}

	if armTimer {
		m.rescanTimer.Reset(m.rescanPeriod)
	}
}

// scanQueueToRetrieveEntriesLocked triggers directory resolution on the
// first directory placeholder, unless one is already being resolved.
func (m *Manager) scanQueueToRetrieveEntriesLocked() {
	if m.retrievingEntries || m.closed {
		return
	}

	sawDir := false
	for _, d := range m.downloads {
		dd, ok := d.(*DirDownload)
		if !ok {
			continue
		}
		sawDir = true
		if dd.RetrieveEntries() {
			m.retrievingEntries = true
			return
		}
	}

	// Placeholders nobody can resolve right now wait for the next rescan.
	if sawDir {
		m.rescanTimer.Reset(m.rescanPeriod)
	}
}

// dirEntriesResult splices the resolved children into the queue at the
// placeholder's position, preserving their order, and discards the
// placeholder. On failure the placeholder stays for a later retry.
func (m *Manager) dirEntriesResult(d *DirDownload, entries []protocol.Entry, err error) {
	m.mu.Lock()
	m.retrievingEntries = false

	if err != nil {
		// The placeholder stays queued; the rescan timer paces the retry.
		m.rescanTimer.Reset(m.rescanPeriod)
		m.mu.Unlock()
		return
	}

	pos := -1
	for i, dl := range m.downloads {
		if dl.ID() == d.ID() {
			pos = i
			break
		}
	}
	if pos >= 0 {
		m.downloads = append(m.downloads[:pos], m.downloads[pos+1:]...)
		d.cancel()
		for _, e := range entries {
			if nd := m.addDownloadLocked(e, d.PeerSourceID(), false, pos); nd != nil {
				pos++
			}
		}
	}

	m.scanQueueToRetrieveEntriesLocked()
	m.mu.Unlock()

	m.scanTheQueue()
}

// chunkDownloadFinished runs on the transfer goroutine, strictly before the
// peer is released from the downloading-chunk role.
func (m *Manager) chunkDownloadFinished(c *ChunkDownload) {
	m.decNumberOfDownload()
	if c.Status() == ChunkComplete {
		chunksCompletedTotal.Inc()
	} else {
		chunksFailedTotal.Inc()
	}
}

// tryIncNumberOfDownload raises the counter unless the budget is already
// spent. Check and increment happen under one lock.
func (m *Manager) tryIncNumberOfDownload() bool {
	m.muNumberOfDownload.Lock()
	defer m.muNumberOfDownload.Unlock()
	if m.numberOfDownload >= m.nDownloaders {
		return false
	}
	m.numberOfDownload++
	return true
}

func (m *Manager) decNumberOfDownload() {
	m.muNumberOfDownload.Lock()
	m.numberOfDownload--
	m.muNumberOfDownload.Unlock()
}

func (m *Manager) onRescanTimer() {
	m.log.Debug().Msg("Rescan timer fired")
	m.Refresh()
}

// loadQueueFromStore replays the persisted queue, preserving order and
// complete flags. A record with a mismatched version is discarded.
func (m *Manager) loadQueueFromStore() {
	data, err := m.store.Get(fileQueueName)
	if errors.Is(err, persist.ErrValueNotFound) {
		m.log.Warn().Str("name", fileQueueName).Msg("The download queue file cannot be retrieved, starting empty")
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Str("name", fileQueueName).Msg("Failed to read the download queue, starting empty")
		return
	}

	var record queueRecord
	if err := json.Unmarshal(data, &record); err != nil {
		m.log.Warn().Err(err).Str("name", fileQueueName).Msg("Failed to decode the download queue, starting empty")
		return
	}
	if record.Version != fileQueueVersion {
		m.log.Error().
			Int("version", record.Version).
			Int("current", fileQueueVersion).
			Msg("The version of the queue file doesn't match the current version")
		if err := m.store.Remove(fileQueueName); err != nil {
			m.log.Warn().Err(err).Msg("Failed to remove the stale queue file")
		}
		return
	}

	m.mu.Lock()
	for _, e := range record.Entries {
		m.addDownloadLocked(e.Entry, e.PeerID, e.Complete, len(m.downloads))
	}
	m.mu.Unlock()

	m.log.Info().Int("entries", len(record.Entries)).Msg("Download queue loaded")
	m.Refresh()
}

// saveQueueToStore persists the queue in order with current flags. Failures
// are logged, never thrown.
func (m *Manager) saveQueueToStore() {
	m.mu.Lock()
	record := queueRecord{Version: fileQueueVersion, Entries: make([]queueEntry, 0, len(m.downloads))}
	for _, d := range m.downloads {
		record.Entries = append(record.Entries, d.queueEntry())
	}
	m.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to encode the download queue")
		return
	}
	if err := m.store.Set(fileQueueName, data); err != nil {
		m.log.Error().Err(err).Msg("Failed to save the download queue")
	}
}

// Close saves the queue, then stops every download and waits for in-flight
// work to drain.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	snapshot := append([]Download(nil), m.downloads...)
	m.mu.Unlock()

	m.cancel()
	m.rescanTimer.Stop()
	m.saveQueueToStore()

	var g errgroup.Group
	for _, d := range snapshot {
		d := d
		g.Go(func() error {
			d.stop()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.log.Error().Err(err).Msg("Error stopping downloads")
	}
	m.loaderWg.Wait()

	m.log.Debug().Msg("Download manager closed")
	return nil
}
