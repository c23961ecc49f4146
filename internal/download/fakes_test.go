package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alessandro-massarenti/D-LAN/internal/config"
	"github.com/alessandro-massarenti/D-LAN/internal/fm"
	"github.com/alessandro-massarenti/D-LAN/internal/peer"
	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

func testConfig() *config.Config {
	return &config.Config{
		NumberOfDownloader:       3,
		RescanQueuePeriodIfError: 25 * time.Millisecond,
		ChunkCooldown:            25 * time.Millisecond,
	}
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// waitUntil polls cond until it holds or the test deadline expires.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

// fakePeerManager resolves fake peers by id.
type fakePeerManager struct {
	mu    sync.Mutex
	peers map[protocol.Hash]*fakePeer
}

func newFakePeerManager(peers ...*fakePeer) *fakePeerManager {
	m := &fakePeerManager{peers: make(map[protocol.Hash]*fakePeer)}
	for _, p := range peers {
		m.peers[p.id] = p
	}
	return m
}

func (m *fakePeerManager) add(p *fakePeer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.id] = p
}

func (m *fakePeerManager) GetPeer(id protocol.Hash) peer.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[id]; ok {
		return p
	}
	return nil
}

// fakePeer serves canned listings, hash streams and chunk contents.
type fakePeer struct {
	id   protocol.Hash
	nick string

	mu         sync.Mutex
	alive      bool
	entries    []protocol.Entry
	entriesErr error
	hashMsgs   []peer.HashMessage
	hashErr    error
	hashGate   chan struct{}
	chunks     map[protocol.Hash][]byte
	chunkGate  chan struct{}
	chunkErr   error
}

func newFakePeer(nick string) *fakePeer {
	return &fakePeer{
		id:     protocol.ComputeHash([]byte(nick)),
		nick:   nick,
		alive:  true,
		chunks: make(map[protocol.Hash][]byte),
	}
}

// serve registers chunk content under its own hash and returns the hash.
func (p *fakePeer) serve(content []byte) protocol.Hash {
	h := protocol.ComputeHash(content)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks[h] = content
	return h
}

func (p *fakePeer) setAlive(alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = alive
}

func (p *fakePeer) ID() protocol.Hash { return p.id }
func (p *fakePeer) Nick() string      { return p.nick }

func (p *fakePeer) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakePeer) GetEntries(ctx context.Context, entry protocol.Entry) ([]protocol.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entriesErr != nil {
		return nil, p.entriesErr
	}
	return p.entries, nil
}

func (p *fakePeer) GetHashes(ctx context.Context, entry protocol.Entry) (peer.HashStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hashErr != nil {
		return nil, p.hashErr
	}
	return &fakeHashStream{ctx: ctx, msgs: append([]peer.HashMessage(nil), p.hashMsgs...), gate: p.hashGate}, nil
}

func (p *fakePeer) GetChunk(ctx context.Context, hash protocol.Hash, offset int64) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chunkErr != nil {
		return nil, p.chunkErr
	}
	content, ok := p.chunks[hash]
	if !ok {
		return nil, errors.New("chunk not held")
	}
	return &gatedReader{ctx: ctx, gate: p.chunkGate, r: bytes.NewReader(content)}, nil
}

// fakeHashStream replays its messages, optionally blocking on a gate first.
type fakeHashStream struct {
	ctx  context.Context
	gate chan struct{}
	msgs []peer.HashMessage
	pos  int
}

func (s *fakeHashStream) Next() (peer.HashMessage, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			return peer.HashMessage{}, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return peer.HashMessage{}, err
	}
	if s.pos >= len(s.msgs) {
		return peer.HashMessage{}, io.EOF
	}
	msg := s.msgs[s.pos]
	s.pos++
	return msg, nil
}

func (s *fakeHashStream) Close() error { return nil }

// gatedReader withholds its content until the gate is closed.
type gatedReader struct {
	ctx  context.Context
	gate chan struct{}
	r    *bytes.Reader
}

func (g *gatedReader) Read(p []byte) (int, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-g.ctx.Done():
			return 0, g.ctx.Err()
		}
	}
	return g.r.Read(p)
}

func (g *gatedReader) Close() error { return nil }

// fakeFileManager hands out in-memory file slots.
type fakeFileManager struct {
	mu         sync.Mutex
	loaded     chan struct{}
	files      map[string]*fakeFile
	newFileErr error
}

func newFakeFileManager() *fakeFileManager {
	m := &fakeFileManager{
		loaded: make(chan struct{}),
		files:  make(map[string]*fakeFile),
	}
	close(m.loaded)
	return m
}

// newPendingFileManager keeps the cache-loaded event open until the caller
// fires it.
func newPendingFileManager() *fakeFileManager {
	return &fakeFileManager{
		loaded: make(chan struct{}),
		files:  make(map[string]*fakeFile),
	}
}

func (m *fakeFileManager) loadCache() { close(m.loaded) }

func (m *fakeFileManager) FileCacheLoaded() <-chan struct{} { return m.loaded }

func (m *fakeFileManager) setNewFileErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newFileErr = err
}

func (m *fakeFileManager) NewFile(entry protocol.Entry) (fm.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.newFileErr != nil {
		return nil, m.newFileErr
	}
	f := &fakeFile{chunks: make(map[int]*bytes.Buffer)}
	m.files[entry.FullPath()] = f
	return f, nil
}

func (m *fakeFileManager) file(path string) *fakeFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[path]
}

type fakeFile struct {
	mu       sync.Mutex
	chunks   map[int]*bytes.Buffer
	finished bool
	released bool
}

func (f *fakeFile) OpenWriter(chunkNum int) (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := &bytes.Buffer{}
	f.chunks[chunkNum] = buf
	return &fakeChunkWriter{file: f, buf: buf}, nil
}

func (f *fakeFile) Finish() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = true
	return nil
}

func (f *fakeFile) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}

func (f *fakeFile) isFinished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

// contents concatenates the chunk buffers in chunk order.
func (f *fakeFile) contents() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for i := 0; i < len(f.chunks); i++ {
		if buf, ok := f.chunks[i]; ok {
			out = append(out, buf.Bytes()...)
		}
	}
	return out
}

type fakeChunkWriter struct {
	file *fakeFile
	buf  *bytes.Buffer
}

func (w *fakeChunkWriter) Write(p []byte) (int, error) {
	w.file.mu.Lock()
	defer w.file.mu.Unlock()
	return w.buf.Write(p)
}

func (w *fakeChunkWriter) Close() error { return nil }

// fileEntry builds a file entry with the content's hash embedded and the
// content served by the peer.
func fileEntry(name string, content []byte, source *fakePeer) protocol.Entry {
	return protocol.Entry{
		Type:   protocol.EntryFile,
		Path:   "/",
		Name:   name,
		Size:   int64(len(content)),
		Hashes: []protocol.Hash{source.serve(content)},
	}
}
