// Package offload sends work to an external hashing device over a line
// protocol and re-verifies every nonce the device reports.
//
// A request is one line of three hex fields separated by spaces: the 12
// header bytes that precede the nonce, the midstate, and the target the
// device should compare against. The device answers with the 4 nonce bytes
// as they appear in the header, or NOTFOUND.
package offload

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/bardlex/gomine/internal/midstate"
	"github.com/bardlex/gomine/internal/target"
	"github.com/bardlex/gomine/internal/work"
	"github.com/bardlex/gomine/pkg/byteorder"
	"github.com/bardlex/gomine/pkg/errors"
)

// NotFoundMarker is the response of a device that found no nonce.
const NotFoundMarker = "NOTFOUND"

const (
	tailHexLen   = 2 * work.TailSize
	stateHexLen  = 2 * 32
	targetHexLen = 2 * target.Size
	nonceHexLen  = 8

	requestLen = tailHexLen + 1 + stateHexLen + 1 + targetHexLen + 1
)

// Request is the work sent to a device.
type Request struct {
	Tail     [work.TailSize]byte
	Midstate midstate.State
	Target   target.Target
}

// Response is a device answer.
type Response struct {
	Found bool
	Nonce uint32
}

// EncodeRequest renders r as one newline-terminated line.
func EncodeRequest(r Request) []byte {
	buf := make([]byte, 0, requestLen)
	buf = hex.AppendEncode(buf, r.Tail[:])
	buf = append(buf, ' ')
	mid := r.Midstate.Bytes()
	buf = hex.AppendEncode(buf, mid[:])
	buf = append(buf, ' ')
	buf = hex.AppendEncode(buf, r.Target[:])
	return append(buf, '\n')
}

// DecodeRequest parses a request line, with or without its newline.
func DecodeRequest(line []byte) (Request, error) {
	var r Request
	fields := bytes.Fields(line)
	if len(fields) != 3 {
		return r, errors.Newf(errors.ErrorTypeValidation, "decode_request",
			"request has %d fields, want 3", len(fields)).
			WithKind(errors.ErrContractViolation)
	}

	if err := byteorder.DecodeHexInto(r.Tail[:], string(fields[0])); err != nil {
		return r, contractErr("decode_request", "tail", err)
	}
	mid, err := midstate.FromHex(string(fields[1]))
	if err != nil {
		return r, contractErr("decode_request", "midstate", err)
	}
	r.Midstate = mid
	if r.Target, err = target.FromHex(string(fields[2])); err != nil {
		return r, contractErr("decode_request", "target", err)
	}
	return r, nil
}

// EncodeResponse renders r as one newline-terminated line.
func EncodeResponse(r Response) []byte {
	if !r.Found {
		return []byte(NotFoundMarker + "\n")
	}
	var nonce [4]byte
	binary.LittleEndian.PutUint32(nonce[:], r.Nonce)
	return append(hex.AppendEncode(make([]byte, 0, nonceHexLen+1), nonce[:]), '\n')
}

// DecodeResponse parses a device answer. Anything other than a nonce or
// NOTFOUND is a transport error.
func DecodeResponse(line []byte) (Response, error) {
	line = bytes.TrimSpace(line)
	if string(line) == NotFoundMarker {
		return Response{}, nil
	}

	nonce, err := byteorder.DecodeHex(string(line), 4)
	if err != nil {
		return Response{}, errors.Wrap(err, errors.ErrorTypeOffload, "decode_response",
			"device response is neither a nonce nor "+NotFoundMarker).
			WithKind(errors.ErrOffloadTransport).
			WithContext("response", string(line))
	}
	return Response{Found: true, Nonce: binary.LittleEndian.Uint32(nonce)}, nil
}

func contractErr(op, field string, err error) *errors.ServiceError {
	return errors.Wrap(err, errors.ErrorTypeValidation, op, "invalid "+field).
		WithKind(errors.ErrContractViolation)
}
