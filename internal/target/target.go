// Package target converts between compact "bits" and 256-bit proof-of-work
// targets and compares digests against them.
package target

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/pkg/errors"
)

// Size is the target width in bytes.
const Size = 32

// Target is a 256-bit big-endian threshold.
type Target [Size]byte

// diff1 is the difficulty-1 target (compact 0x1d00ffff).
var diff1 = new(big.Int).Lsh(big.NewInt(0xffff), 208)

// FromBits decodes a compact encoding: exponent in the top byte, 24-bit
// mantissa below it, target = mantissa * 256^(exponent-3).
func FromBits(bits uint32) (Target, error) {
	var t Target
	exp := int(bits >> 24)
	mant := bits & 0x00ffffff

	if mant&0x00800000 != 0 {
		return t, errors.Newf(errors.ErrorTypeValidation, "bits_to_target",
			"compact bits %08x encode a negative target", bits).
			WithKind(errors.ErrMalformedTemplate)
	}

	m := [3]byte{byte(mant >> 16), byte(mant >> 8), byte(mant)}
	if exp <= 3 {
		// Mantissa shifted right by 3-exp bytes, landing at the low end
		copy(t[Size-exp:], m[:exp])
		return t, nil
	}

	// Mantissa occupies bytes [Size-exp, Size-exp+3), zeros below
	start := Size - exp
	for i, b := range m {
		pos := start + i
		if pos < 0 {
			if b != 0 {
				return Target{}, errors.Newf(errors.ErrorTypeValidation, "bits_to_target",
					"compact bits %08x overflow 256 bits", bits).
					WithKind(errors.ErrMalformedTemplate)
			}
			continue
		}
		t[pos] = b
	}
	return t, nil
}

// FromCompactHex decodes bits given as 8 hex characters in display order.
func FromCompactHex(s string) (Target, error) {
	if len(s) != 8 {
		return Target{}, errors.Newf(errors.ErrorTypeValidation, "bits_to_target",
			"bits must be 8 hex characters, got %d", len(s)).
			WithKind(errors.ErrMalformedTemplate)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return Target{}, errors.Wrap(err, errors.ErrorTypeValidation, "bits_to_target", "bits are not hex").
			WithKind(errors.ErrMalformedTemplate)
	}
	return FromBits(uint32(v))
}

// ToBits returns the canonical compact encoding of t. Precision below the
// three most significant bytes is dropped.
func ToBits(t Target) uint32 {
	i := 0
	for i < Size && t[i] == 0 {
		i++
	}
	if i == Size {
		return 0
	}

	// Three most significant bytes, zero filled past the end for small values
	size := Size - i
	var mant uint32
	for j := 0; j < 3; j++ {
		mant <<= 8
		if i+j < Size {
			mant |= uint32(t[i+j])
		}
	}

	// Keep the sign bit clear
	if mant&0x00800000 != 0 {
		mant >>= 8
		size++
	}
	return uint32(size)<<24 | mant
}

// FromHex parses a 64-character big-endian hex target.
func FromHex(s string) (Target, error) {
	var t Target
	if len(s) != 2*Size {
		return t, errors.Newf(errors.ErrorTypeValidation, "target_from_hex",
			"target must be %d hex characters, got %d", 2*Size, len(s)).
			WithKind(errors.ErrContractViolation)
	}
	if _, err := hex.Decode(t[:], []byte(s)); err != nil {
		return Target{}, errors.Wrap(err, errors.ErrorTypeValidation, "target_from_hex", "invalid hex").
			WithKind(errors.ErrContractViolation)
	}
	return t, nil
}

// Compare reports whether digest <= target, both 32-byte big-endian values.
// Any other length is a contract violation.
func Compare(digest, target []byte) (bool, error) {
	if len(digest) != Size || len(target) != Size {
		return false, errors.Newf(errors.ErrorTypeValidation, "compare_target",
			"digest and target must be %d bytes, got %d and %d", Size, len(digest), len(target)).
			WithKind(errors.ErrContractViolation)
	}
	return bytes.Compare(digest, target) <= 0, nil
}

// HashMeets reports whether h, a hash in internal (little-endian) order,
// satisfies t once read in display order.
func (t *Target) HashMeets(h *chainhash.Hash) bool {
	for i := 0; i < Size; i++ {
		hb := h[Size-1-i]
		if hb != t[i] {
			return hb < t[i]
		}
	}
	return true
}

// Big returns t as an integer.
func (t Target) Big() *big.Int {
	return new(big.Int).SetBytes(t[:])
}

// Difficulty returns t relative to the difficulty-1 target.
func (t Target) Difficulty() float64 {
	n := t.Big()
	if n.Sign() == 0 {
		return 0
	}
	d, _ := new(big.Float).Quo(new(big.Float).SetInt(diff1), new(big.Float).SetInt(n)).Float64()
	return d
}

// String returns the big-endian hex of t.
func (t Target) String() string {
	return hex.EncodeToString(t[:])
}
