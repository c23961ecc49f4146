package download

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alessandro-massarenti/D-LAN/internal/peer"
	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

func newTestChunk(t *testing.T, occupied *OccupiedPeers, content []byte, onDone func(*ChunkDownload)) (*ChunkDownload, *bytes.Buffer, *sync.WaitGroup) {
	t.Helper()

	buf := &bytes.Buffer{}
	var mu sync.Mutex
	openWriter := func(int) (io.WriteCloser, error) {
		return nopWriteCloser{w: &lockedWriter{mu: &mu, buf: buf}}, nil
	}

	wg := &sync.WaitGroup{}
	c := newChunkDownload(
		nopLogger(),
		occupied,
		25*time.Millisecond,
		protocol.ComputeHash(content),
		0,
		int64(len(content)),
		context.Background(),
		wg,
		openWriter,
		nil,
		onDone,
	)
	return c, buf, wg
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestChunkDownload_Transfer(t *testing.T) {
	t.Parallel()

	occupied := NewOccupiedPeers()
	content := bytes.Repeat([]byte{0xAB}, 4096)
	c, buf, wg := newTestChunk(t, occupied, content, nil)

	p := newFakePeer("holder")
	p.serve(content)
	c.AddHolder(p)

	require.True(t, c.ReadyToDownload())
	require.True(t, c.reserve())
	assert.Equal(t, ChunkDownloading, c.Status())
	assert.True(t, occupied.IsOccupied(p.ID()))

	c.start()
	wg.Wait()

	assert.Equal(t, ChunkComplete, c.Status())
	assert.Equal(t, content, buf.Bytes())
	assert.Equal(t, int64(len(content)), c.DownloadedBytes())
	assert.False(t, occupied.IsOccupied(p.ID()))
}

func TestChunkDownload_FinishedHookPrecedesPeerRelease(t *testing.T) {
	t.Parallel()

	occupied := NewOccupiedPeers()
	content := []byte("ordered delivery")
	c, _, wg := newTestChunk(t, occupied, content, nil)

	var mu sync.Mutex
	var events []string
	occupied.OnFree(func(p peer.Peer) {
		mu.Lock()
		events = append(events, "free")
		mu.Unlock()
	})
	c.setFinishedHook(func() {
		mu.Lock()
		events = append(events, "finished")
		mu.Unlock()
	})

	p := newFakePeer("holder")
	p.serve(content)
	c.AddHolder(p)

	require.True(t, c.reserve())
	c.start()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"finished", "free"}, events)
}

func TestChunkDownload_HashMismatchFailsAndCoolsDown(t *testing.T) {
	t.Parallel()

	occupied := NewOccupiedPeers()
	content := []byte("expected content")
	c, _, wg := newTestChunk(t, occupied, content, nil)

	// Serve different bytes of the same length under the expected hash.
	p := newFakePeer("liar")
	p.mu.Lock()
	p.chunks[protocol.ComputeHash(content)] = []byte("tampered content")
	p.mu.Unlock()
	c.AddHolder(p)

	require.True(t, c.reserve())
	c.start()
	wg.Wait()

	assert.Equal(t, ChunkFailed, c.Status())
	assert.Zero(t, c.DownloadedBytes())
	assert.False(t, occupied.IsOccupied(p.ID()))
	assert.False(t, c.ReadyToDownload())

	// The chunk becomes schedulable again once the cool-down elapses.
	waitUntil(t, c.ReadyToDownload, "chunk eligible after cool-down")
	assert.Equal(t, ChunkIdle, c.Status())
}

func TestChunkDownload_NotReadyWhenAllHoldersOccupied(t *testing.T) {
	t.Parallel()

	occupied := NewOccupiedPeers()
	content := []byte("busy peers")
	c, _, _ := newTestChunk(t, occupied, content, nil)

	p := newFakePeer("busy")
	p.serve(content)
	c.AddHolder(p)
	require.True(t, occupied.Occupy(p))

	assert.False(t, c.ReadyToDownload())
	assert.False(t, c.reserve())

	occupied.Release(p)
	assert.True(t, c.ReadyToDownload())
}

func TestChunkDownload_HolderSelectionFollowsInsertionOrder(t *testing.T) {
	t.Parallel()

	occupied := NewOccupiedPeers()
	content := []byte("first holder wins")
	c, _, wg := newTestChunk(t, occupied, content, nil)

	first := newFakePeer("first")
	first.serve(content)
	second := newFakePeer("second")
	second.serve(content)
	c.AddHolder(first)
	c.AddHolder(second)

	require.True(t, c.reserve())
	assert.True(t, occupied.IsOccupied(first.ID()))
	assert.False(t, occupied.IsOccupied(second.ID()))

	c.start()
	wg.Wait()
}
