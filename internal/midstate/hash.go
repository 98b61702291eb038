package midstate

import (
	stdsha "crypto/sha256"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	simdsha "github.com/minio/sha256-simd"
)

type sumFunc func([]byte) [32]byte

var sum256 sumFunc = stdsha.Sum256

// UseSIMD selects the minio/sha256-simd implementation for DoubleHash.
// Call it once during startup, before any work is built.
func UseSIMD(enabled bool) {
	if enabled {
		sum256 = simdsha.Sum256
		return
	}
	sum256 = stdsha.Sum256
}

// DoubleHash returns SHA-256(SHA-256(b)) in raw digest order.
// Used for coinbase and merkle hashing, not for nonce trials.
func DoubleHash(b []byte) [32]byte {
	first := sum256(b)
	return sum256(first[:])
}

// DoubleHashH is DoubleHash as a chainhash.Hash (internal byte order).
func DoubleHashH(b []byte) chainhash.Hash {
	return chainhash.Hash(DoubleHash(b))
}
