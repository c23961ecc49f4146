package fm

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

// DiskManager keeps downloaded files under a single root directory. Files
// being written carry the configured unfinished suffix; Finish renames the
// suffix away.
type DiskManager struct {
	log    zerolog.Logger
	root   string
	suffix string
	loaded chan struct{}

	mu   sync.Mutex
	open map[string]struct{}
}

func NewDiskManager(log zerolog.Logger, root, unfinishedSuffix string) (*DiskManager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	m := &DiskManager{
		log:    log,
		root:   root,
		suffix: unfinishedSuffix,
		loaded: make(chan struct{}),
		open:   make(map[string]struct{}),
	}

	go m.scan()

	return m, nil
}

// scan walks the download directory once, then signals readiness.
func (m *DiskManager) scan() {
	defer close(m.loaded)

	var files, unfinished int
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		files++
		if m.suffix != "" && strings.HasSuffix(path, m.suffix) {
			unfinished++
		}
		return nil
	})
	if err != nil {
		m.log.Warn().Err(err).Str("root", m.root).Msg("File cache scan failed")
		return
	}

	m.log.Info().
		Int("files", files).
		Int("unfinished", unfinished).
		Msg("File cache loaded")
}

func (m *DiskManager) FileCacheLoaded() <-chan struct{} {
	return m.loaded
}

func (m *DiskManager) NewFile(entry protocol.Entry) (File, error) {
	final := filepath.Join(m.root, filepath.FromSlash(entry.FullPath()))
	partial := final + m.suffix

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, reserved := m.open[final]; reserved {
		return nil, fmt.Errorf("%w: %s", ErrFileAlreadyExists, entry.FullPath())
	}
	if _, err := os.Stat(final); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrFileAlreadyExists, entry.FullPath())
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnableToCreateFile, err)
	}

	f, err := os.OpenFile(partial, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mapDiskError(err), err)
	}
	if err := f.Truncate(entry.Size); err != nil {
		f.Close()
		os.Remove(partial)
		return nil, fmt.Errorf("%w: %v", mapDiskError(err), err)
	}

	m.open[final] = struct{}{}

	return &diskFile{manager: m, f: f, final: final, partial: partial}, nil
}

func mapDiskError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return ErrNotEnoughFreeSpace
	}
	return ErrUnableToCreateFile
}

type diskFile struct {
	manager *DiskManager

	mu      sync.Mutex
	f       *os.File
	final   string
	partial string
	done    bool
}

func (d *diskFile) OpenWriter(chunkNum int) (io.WriteCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil, ErrUnableToCreateFile
	}
	return &chunkWriter{f: d.f, offset: int64(chunkNum) * protocol.ChunkSize}, nil
}

func (d *diskFile) Finish() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return nil
	}

	if err := d.f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", d.partial, err)
	}
	d.f = nil
	if err := os.Rename(d.partial, d.final); err != nil {
		return fmt.Errorf("failed to finish %s: %w", d.final, err)
	}
	d.done = true
	d.release()
	return nil
}

func (d *diskFile) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f != nil {
		d.f.Close()
		d.f = nil
	}
	d.release()
}

func (d *diskFile) release() {
	d.manager.mu.Lock()
	delete(d.manager.open, d.final)
	d.manager.mu.Unlock()
}

// chunkWriter writes into the byte range owned by one chunk. Concurrent
// writers for distinct chunks share the underlying file safely through
// WriteAt.
type chunkWriter struct {
	f      *os.File
	offset int64
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.offset)
	w.offset += int64(n)
	if err != nil && errors.Is(err, syscall.ENOSPC) {
		err = fmt.Errorf("%w: %v", ErrNotEnoughFreeSpace, err)
	}
	return n, err
}

func (w *chunkWriter) Close() error { return nil }
