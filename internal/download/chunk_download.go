package download

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/alessandro-massarenti/D-LAN/internal/peer"
	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

const transferBufferSize = 32 * 1024

// ChunkDownload moves the bytes of one chunk from a holder into the local
// file slot. It is owned by a FileDownload and scheduled by the manager.
type ChunkDownload struct {
	log      zerolog.Logger
	occupied *OccupiedPeers
	cooldown time.Duration

	hash protocol.Hash
	num  int
	size int64

	ctx        context.Context
	wg         *sync.WaitGroup
	openWriter func(chunkNum int) (io.WriteCloser, error)
	onBytes    func(n int64)
	onDone     func(c *ChunkDownload)

	// progressLog keeps per-frame progress tracing off the hot path.
	progressLog *rate.Limiter

	mu          sync.Mutex
	holders     []peer.Peer
	status      ChunkStatus
	transferred int64
	lastFailure time.Time
	current     peer.Peer
	finished    func()
}

func newChunkDownload(
	log zerolog.Logger,
	occupied *OccupiedPeers,
	cooldown time.Duration,
	hash protocol.Hash,
	num int,
	size int64,
	ctx context.Context,
	wg *sync.WaitGroup,
	openWriter func(int) (io.WriteCloser, error),
	onBytes func(int64),
	onDone func(*ChunkDownload),
) *ChunkDownload {
	return &ChunkDownload{
		log:         log.With().Str("chunk", hash.String()).Int("num", num).Logger(),
		occupied:    occupied,
		cooldown:    cooldown,
		hash:        hash,
		num:         num,
		size:        size,
		ctx:         ctx,
		wg:          wg,
		openWriter:  openWriter,
		onBytes:     onBytes,
		onDone:      onDone,
		progressLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (c *ChunkDownload) Hash() protocol.Hash { return c.hash }
func (c *ChunkDownload) Num() int            { return c.num }

func (c *ChunkDownload) Status() ChunkStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeResetLocked()
	return c.status
}

func (c *ChunkDownload) DownloadedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferred
}

// AddHolder extends the set of peers known to hold this chunk.
func (c *ChunkDownload) AddHolder(p peer.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.holders {
		if h.ID() == p.ID() {
			return
		}
	}
	c.holders = append(c.holders, p)
}

// Holders returns the identifiers of the known holders, in insertion order.
func (c *ChunkDownload) Holders() []protocol.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]protocol.Hash, 0, len(c.holders))
	for _, h := range c.holders {
		ids = append(ids, h.ID())
	}
	return ids
}

// maybeResetLocked returns a failed chunk to idle once its cool-down has
// elapsed.
func (c *ChunkDownload) maybeResetLocked() {
	if c.status == ChunkFailed && time.Since(c.lastFailure) >= c.cooldown {
		c.status = ChunkIdle
	}
}

func (c *ChunkDownload) freeHolderLocked() peer.Peer {
	for _, h := range c.holders {
		if h.IsAlive() && !c.occupied.IsOccupied(h.ID()) {
			return h
		}
	}
	return nil
}

// ReadyToDownload reports whether the chunk is idle and at least one of its
// holders is alive and not occupied downloading another chunk.
func (c *ChunkDownload) ReadyToDownload() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeResetLocked()
	return c.status == ChunkIdle && c.freeHolderLocked() != nil
}

// setFinishedHook registers the manager's completion callback. It fires
// exactly once per transfer, before the holder is released from the
// downloading-chunk role.
func (c *ChunkDownload) setFinishedHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = fn
}

// reserve picks the first free holder, occupies it in the downloading-chunk
// role and marks the chunk downloading. The transfer itself starts with
// start. Reservation and the global counter update are kept separate so the
// counter can be raised before any transfer byte moves.
func (c *ChunkDownload) reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeResetLocked()
	if c.status != ChunkIdle {
		return false
	}

	p := c.freeHolderLocked()
	if p == nil {
		return false
	}
	if !c.occupied.Occupy(p) {
		return false
	}

	c.current = p
	c.status = ChunkDownloading
	c.transferred = 0
	return true
}

// start launches the transfer goroutine for a previously reserved chunk.
func (c *ChunkDownload) start() {
	c.mu.Lock()
	p := c.current
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.transfer(p)
	}()
}

func (c *ChunkDownload) transfer(p peer.Peer) {
	err := c.doTransfer(p)

	c.mu.Lock()
	if err != nil {
		c.status = ChunkFailed
		c.lastFailure = time.Now()
		c.transferred = 0
	} else {
		c.status = ChunkComplete
	}
	c.current = nil
	fin := c.finished
	c.finished = nil
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Str("peer", p.ID().String()).Str("nick", p.Nick()).Msg("Chunk download failed")
	} else {
		c.log.Debug().Str("peer", p.ID().String()).Msg("Chunk download complete")
	}

	if c.onDone != nil {
		c.onDone(c)
	}

	// The manager decrements its counter here, strictly before the peer
	// release below can re-enter the scheduler.
	if fin != nil {
		fin()
	}

	c.occupied.Release(p)
}

func (c *ChunkDownload) doTransfer(p peer.Peer) error {
	w, err := c.openWriter(c.num)
	if err != nil {
		return fmt.Errorf("failed to open chunk writer: %w", err)
	}
	defer w.Close()

	reader, err := p.GetChunk(c.ctx, c.hash, int64(c.num)*protocol.ChunkSize)
	if err != nil {
		return fmt.Errorf("failed to open chunk stream: %w", err)
	}
	defer reader.Close()

	digest := sha1.New()
	buf := make([]byte, transferBufferSize)
	var received int64

	for received < c.size {
		if err := c.ctx.Err(); err != nil {
			return err
		}

		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write chunk bytes: %w", werr)
			}
			digest.Write(buf[:n])
			received += int64(n)

			c.mu.Lock()
			c.transferred = received
			c.mu.Unlock()

			if c.onBytes != nil {
				c.onBytes(int64(n))
			}
			if c.progressLog.Allow() {
				c.log.Debug().Int64("received", received).Int64("size", c.size).Msg("Chunk progress")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("chunk stream error: %w", err)
		}
	}

	if received != c.size {
		return fmt.Errorf("%w: got %d of %d bytes", ErrChunkShortRead, received, c.size)
	}

	sum, err := protocol.HashFromBytes(digest.Sum(nil))
	if err != nil {
		return err
	}
	if sum != c.hash {
		return ErrChunkHashMismatch
	}
	return nil
}
