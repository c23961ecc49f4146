// Package fm holds the file-manager contract consumed by the download core,
// plus a disk-backed implementation. The download core reserves a local slot
// for every queued file, writes each chunk's bytes into it as they arrive,
// and finishes the file once every chunk is complete and verified.
package fm

import (
	"errors"
	"io"

	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

var (
	// Soft conditions: the slot cannot be reserved right now, a later
	// retry may succeed without user intervention.
	ErrNotEnoughFreeSpace = errors.New("not enough free space")
	ErrNoSharedDirectory  = errors.New("no shared directory to write into")

	// Fatal conditions: retrying will not help.
	ErrFileAlreadyExists  = errors.New("file already exists")
	ErrUnableToCreateFile = errors.New("unable to create the file")
)

// IsSoftError reports whether a NewFile failure warrants a periodic retry.
func IsSoftError(err error) bool {
	return errors.Is(err, ErrNotEnoughFreeSpace) || errors.Is(err, ErrNoSharedDirectory)
}

// File is a reserved local slot sized to the remote file.
type File interface {
	// OpenWriter returns a writer bound to the byte range of the given
	// chunk. Writers for distinct chunks may be used concurrently.
	OpenWriter(chunkNum int) (io.WriteCloser, error)

	// Finish marks the file fully downloaded, stripping the unfinished
	// marker from its on-disk name.
	Finish() error

	// Release gives the slot up without finishing it. Partial data is
	// kept so a later download can resume.
	Release()
}

// FileManager is the subsystem owning the on-disk cache of shared files.
type FileManager interface {
	// NewFile reserves a slot for the entry. Failures are one of the
	// Err* values above, possibly wrapped.
	NewFile(entry protocol.Entry) (File, error)

	// FileCacheLoaded is closed once the on-disk cache has been scanned
	// and the manager may start serving. The download queue is not
	// loaded before that.
	FileCacheLoaded() <-chan struct{}
}
