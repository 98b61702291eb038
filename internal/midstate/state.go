package midstate

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/bardlex/gomine/pkg/errors"
)

// State is the eight-word SHA-256 chaining value (a..h).
type State [8]uint32

// InitialState is the FIPS 180-4 initial hash value.
var InitialState = State{
	0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
	0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
}

// Bytes returns the state as a 32-byte big-endian digest.
func (s State) Bytes() [32]byte {
	var out [32]byte
	s.PutBytes(out[:])
	return out
}

// PutBytes writes the big-endian digest into dst[0:32].
func (s *State) PutBytes(dst []byte) {
	_ = dst[31]
	for i, v := range s {
		binary.BigEndian.PutUint32(dst[i*4:], v)
	}
}

// String returns the digest as hex.
func (s State) String() string {
	b := s.Bytes()
	return hex.EncodeToString(b[:])
}

// FromBytes parses a 32-byte big-endian digest.
func FromBytes(b []byte) (State, error) {
	if len(b) != 32 {
		return State{}, errors.Newf(errors.ErrorTypeValidation, "state_from_bytes",
			"state must be 32 bytes, got %d", len(b)).
			WithKind(errors.ErrContractViolation)
	}
	var s State
	for i := range s {
		s[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return s, nil
}

// FromHex parses a 64-character hex digest.
func FromHex(s string) (State, error) {
	if len(s) != 64 {
		return State{}, errors.Newf(errors.ErrorTypeValidation, "state_from_hex",
			"state must be 64 hex characters, got %d", len(s)).
			WithKind(errors.ErrContractViolation)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return State{}, errors.Wrap(err, errors.ErrorTypeValidation, "state_from_hex", "invalid hex").
			WithKind(errors.ErrContractViolation)
	}
	return FromBytes(b)
}
