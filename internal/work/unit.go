package work

import (
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/internal/midstate"
	"github.com/bardlex/gomine/internal/target"
)

const (
	// HeaderSize is the serialized block header size.
	HeaderSize = 80
	// TailSize is the part of the second SHA-256 block that precedes the
	// nonce: the last merkle root bytes, time and bits.
	TailSize = 12
	// NonceOffset is the position of the little-endian nonce in the header.
	NonceOffset = 76

	// NoTimeout as a unit timeout leaves the search unbounded in time.
	NoTimeout time.Duration = -1
)

// Unit is the immutable input of one search pass. Callers that need to
// vary the nonce copy Header() into their own buffer.
type Unit struct {
	header       [HeaderSize]byte
	mid          midstate.State
	target       target.Target
	extranonce   uint32
	coinbase     []byte
	coinbaseHash chainhash.Hash
	merkleRoot   chainhash.Hash
	timeout      time.Duration
	template     *Template
}

// Header returns a copy of the header skeleton with a zero nonce.
func (u *Unit) Header() [HeaderSize]byte { return u.header }

// HeaderTail returns header[64:76].
func (u *Unit) HeaderTail() [TailSize]byte {
	var tail [TailSize]byte
	copy(tail[:], u.header[midstate.BlockSize:NonceOffset])
	return tail
}

// Midstate returns the SHA-256 state after header[0:64].
func (u *Unit) Midstate() midstate.State { return u.mid }

// Target returns the full-precision target.
func (u *Unit) Target() target.Target { return u.target }

// Extranonce returns the extranonce committed in the coinbase.
func (u *Unit) Extranonce() uint32 { return u.extranonce }

// Coinbase returns a copy of the serialized coinbase transaction, or nil
// for units built from a template merkle root.
func (u *Unit) Coinbase() []byte {
	if u.coinbase == nil {
		return nil
	}
	return append([]byte(nil), u.coinbase...)
}

// CoinbaseHash returns the coinbase txid in internal byte order.
func (u *Unit) CoinbaseHash() chainhash.Hash { return u.coinbaseHash }

// MerkleRoot returns the merkle root in internal byte order.
func (u *Unit) MerkleRoot() chainhash.Hash { return u.merkleRoot }

// Timeout returns the wall-clock budget of the pass. Zero stops the search
// before the first trial; NoTimeout leaves it unbounded.
func (u *Unit) Timeout() time.Duration { return u.timeout }

// Transactions returns the template transactions that follow the coinbase.
// The slice is shared and must not be modified.
func (u *Unit) Transactions() []Transaction { return u.template.Transactions }

// PrevHash returns the previous block hash.
func (u *Unit) PrevHash() chainhash.Hash { return u.template.PrevHash }

// Height returns the template height, 0 when the node did not report one.
func (u *Unit) Height() int64 { return u.template.Height }

// Solve records a nonce found for this unit.
func (u *Unit) Solve(nonce uint32, hash chainhash.Hash) *Solution {
	return &Solution{Unit: u, Nonce: nonce, Hash: hash}
}

// Solution is a unit together with a nonce whose header hash meets its target.
type Solution struct {
	Unit  *Unit
	Nonce uint32
	// Hash is the block hash in internal byte order
	Hash chainhash.Hash
}

// Header returns the solved 80-byte header.
func (s *Solution) Header() [HeaderSize]byte {
	h := s.Unit.header
	binary.LittleEndian.PutUint32(h[NonceOffset:], s.Nonce)
	return h
}
