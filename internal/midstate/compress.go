// Package midstate implements the SHA-256 compression function with
// continuation from an arbitrary prior state.
//
// Compressing header[0:64] once yields the midstate; every nonce trial then
// continues from it with a single block instead of rehashing the whole header.
package midstate

import (
	"encoding/binary"
	"math/bits"

	"github.com/bardlex/gomine/pkg/errors"
)

// BlockSize is the SHA-256 block size in bytes.
const BlockSize = 64

// Rounds is the number of rounds in a full compression.
const Rounds = 64

var k256 = [Rounds]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5,
	0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3,
	0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc,
	0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7,
	0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13,
	0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3,
	0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5,
	0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208,
	0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

// CompressBlock compresses one 64-byte block.
//
// With a nil prior the working variables seed from InitialState and the
// result adds InitialState back (a plain single-block hash). Otherwise they
// seed from *prior and add *prior back, continuing a chained hash.
func CompressBlock(prior *State, block []byte) (State, error) {
	return CompressRounds(prior, block, Rounds)
}

// CompressRounds is CompressBlock limited to the first rounds rounds.
// Only used to validate intermediate round states; mining always runs 64.
func CompressRounds(prior *State, block []byte, rounds int) (State, error) {
	if len(block) != BlockSize {
		return State{}, errors.Newf(errors.ErrorTypeValidation, "compress_block",
			"block must be %d bytes, got %d", BlockSize, len(block)).
			WithKind(errors.ErrContractViolation)
	}
	if rounds < 0 || rounds > Rounds {
		return State{}, errors.Newf(errors.ErrorTypeValidation, "compress_block",
			"rounds must be within [0, %d], got %d", Rounds, rounds).
			WithKind(errors.ErrContractViolation)
	}
	return compress(prior, (*[BlockSize]byte)(block), rounds), nil
}

// Compress is the allocation-free full compression used on the hot path.
func Compress(prior *State, block *[BlockSize]byte) State {
	return compress(prior, block, Rounds)
}

func compress(prior *State, block *[BlockSize]byte, rounds int) State {
	h := InitialState
	if prior != nil {
		h = *prior
	}

	var w [Rounds]uint32
	for i := 0; i < 16; i++ {
		w[i] = binary.BigEndian.Uint32(block[i*4:])
	}
	for i := 16; i < rounds; i++ {
		v1 := w[i-2]
		s1 := bits.RotateLeft32(v1, -17) ^ bits.RotateLeft32(v1, -19) ^ (v1 >> 10)
		v2 := w[i-15]
		s0 := bits.RotateLeft32(v2, -7) ^ bits.RotateLeft32(v2, -18) ^ (v2 >> 3)
		w[i] = s1 + w[i-7] + s0 + w[i-16]
	}

	a, b, c, d, e, f, g, hh := h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7]

	for i := 0; i < rounds; i++ {
		t1 := hh + (bits.RotateLeft32(e, -6) ^ bits.RotateLeft32(e, -11) ^ bits.RotateLeft32(e, -25)) +
			((e & f) ^ (^e & g)) + k256[i] + w[i]
		t2 := (bits.RotateLeft32(a, -2) ^ bits.RotateLeft32(a, -13) ^ bits.RotateLeft32(a, -22)) +
			((a & b) ^ (a & c) ^ (b & c))

		hh = g
		g = f
		f = e
		e = d + t1
		d = c
		c = b
		b = a
		a = t1 + t2
	}

	h[0] += a
	h[1] += b
	h[2] += c
	h[3] += d
	h[4] += e
	h[5] += f
	h[6] += g
	h[7] += hh
	return h
}
