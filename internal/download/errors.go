package download

import "errors"

var (
	ErrChunkHashMismatch = errors.New("chunk hash does not match")
	ErrChunkShortRead    = errors.New("chunk stream ended early")
	ErrNoFileSlot        = errors.New("no file slot reserved")
)
