// Package byteorder holds the byte-order and fixed-width hex helpers shared
// by the hashing, target and work packages. Hashes, merkle roots and compact
// bits travel in display order (big-endian hex) but are serialized reversed.
package byteorder

import (
	"encoding/hex"
	"fmt"
)

// Reverse reverses b in place and returns it.
func Reverse(b []byte) []byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// Reversed returns a reversed copy of b.
func Reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

// DecodeHex decodes s and requires exactly n bytes.
func DecodeHex(s string, n int) ([]byte, error) {
	if len(s) != 2*n {
		return nil, fmt.Errorf("expected %d hex characters, got %d", 2*n, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// DecodeHexInto decodes s into dst, which must be exactly len(s)/2 bytes.
func DecodeHexInto(dst []byte, s string) error {
	if len(s) != 2*len(dst) {
		return fmt.Errorf("expected %d hex characters, got %d", 2*len(dst), len(s))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}

// DecodeHexReversed decodes a display-order hex string of n bytes and
// returns it in serialization order.
func DecodeHexReversed(s string, n int) ([]byte, error) {
	b, err := DecodeHex(s, n)
	if err != nil {
		return nil, err
	}
	return Reverse(b), nil
}

// EncodeHexReversed returns the display-order hex of serialized bytes.
func EncodeHexReversed(b []byte) string {
	return hex.EncodeToString(Reversed(b))
}
