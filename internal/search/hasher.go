// Package search runs the proof-of-work nonce search over work units using
// the header midstate, on local CPU workers.
package search

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/internal/midstate"
	"github.com/bardlex/gomine/internal/target"
	"github.com/bardlex/gomine/internal/work"
	"github.com/bardlex/gomine/pkg/byteorder"
)

// Hasher computes header hashes for one unit, varying only the nonce. It
// owns its buffers and is not safe for concurrent use; give each worker
// its own.
type Hasher struct {
	mid midstate.State
	// second block: header[64:80] padded to a message of 640 bits
	block [midstate.BlockSize]byte
	// outer block: inner digest padded to a message of 256 bits
	outer [midstate.BlockSize]byte
}

// NewHasher returns a hasher for u.
func NewHasher(u *work.Unit) *Hasher {
	return NewHasherFromParts(u.Midstate(), u.HeaderTail())
}

// NewHasherFromParts returns a hasher for a header known only by its
// midstate and the 12 bytes that precede the nonce.
func NewHasherFromParts(mid midstate.State, tail [work.TailSize]byte) *Hasher {
	h := &Hasher{mid: mid}

	copy(h.block[:], tail[:])
	h.block[16] = 0x80
	binary.BigEndian.PutUint64(h.block[56:], work.HeaderSize*8)

	h.outer[32] = 0x80
	binary.BigEndian.PutUint64(h.outer[56:], chainhash.HashSize*8)
	return h
}

// Hash returns the double SHA-256 of the header with nonce, in internal
// byte order.
func (h *Hasher) Hash(nonce uint32) chainhash.Hash {
	binary.LittleEndian.PutUint32(h.block[work.TailSize:], nonce)

	inner := midstate.Compress(&h.mid, &h.block)
	inner.PutBytes(h.outer[:chainhash.HashSize])
	outer := midstate.Compress(nil, &h.outer)

	var out chainhash.Hash
	outer.PutBytes(out[:])
	return out
}

// CheckNonce runs a single trial of nonce against u's full-precision
// target. It is the acceptance check for every solution, local or reported
// by a device.
func CheckNonce(u *work.Unit, nonce uint32) (chainhash.Hash, bool) {
	hash := NewHasher(u).Hash(nonce)

	t := u.Target()
	ok, _ := target.Compare(byteorder.Reversed(hash[:]), t[:])
	return hash, ok
}
