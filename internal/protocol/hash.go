package protocol

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// HashSize is the length in bytes of a chunk or peer identifier.
const HashSize = 20

// Hash identifies a chunk by its content or a peer by its stable identity.
type Hash [HashSize]byte

// NullHash is the zero value, used as an absent identifier.
var NullHash Hash

// ComputeHash returns the content hash of data.
func ComputeHash(data []byte) Hash {
	return sha1.Sum(data)
}

// HashFromBytes builds a Hash from a raw byte slice.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length: %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromString parses a hex-encoded hash.
func HashFromString(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return HashFromBytes(b)
}

// MustHashFromString parses a hex-encoded hash and panics on failure.
func MustHashFromString(s string) Hash {
	h, err := HashFromString(s)
	if err != nil {
		panic(err)
	}
	return h
}

func (h Hash) IsNull() bool {
	return h == NullHash
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromString(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
