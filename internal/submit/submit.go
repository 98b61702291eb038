// Package submit serializes solved work into the block hex accepted by
// submitblock.
package submit

import (
	"bytes"
	"encoding/hex"

	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gomine/internal/work"
	"github.com/bardlex/gomine/pkg/errors"
)

// AppendVarInt appends the compact-size encoding of n: one byte below
// 0xfd, otherwise a 0xfd, 0xfe or 0xff marker followed by 2, 4 or 8
// little-endian bytes.
func AppendVarInt(dst []byte, n uint64) []byte {
	buf := bytes.NewBuffer(dst)
	// writes to a bytes.Buffer cannot fail
	_ = wire.WriteVarInt(buf, 0, n)
	return buf.Bytes()
}

// Serialize returns the raw block: header, transaction count, coinbase,
// then the template transactions in order.
func Serialize(s *work.Solution) ([]byte, error) {
	if s == nil || s.Unit == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "serialize_block", "solution is nil").
			WithKind(errors.ErrContractViolation)
	}
	coinbase := s.Unit.Coinbase()
	if coinbase == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "serialize_block",
			"unit has no coinbase; skeleton units cannot be submitted").
			WithKind(errors.ErrContractViolation)
	}
	txs := s.Unit.Transactions()

	size := work.HeaderSize + wire.VarIntSerializeSize(uint64(len(txs)+1)) + len(coinbase)
	for _, tx := range txs {
		size += len(tx.Data)
	}

	header := s.Header()
	raw := make([]byte, 0, size)
	raw = append(raw, header[:]...)
	raw = AppendVarInt(raw, uint64(len(txs)+1))
	raw = append(raw, coinbase...)
	for _, tx := range txs {
		raw = append(raw, tx.Data...)
	}
	return raw, nil
}

// Encode returns the hex block for submitblock.
func Encode(s *work.Solution) (string, error) {
	raw, err := Serialize(s)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Decode parses a hex block. Trailing bytes are an error.
func Decode(blockHex string) (*wire.MsgBlock, error) {
	raw, err := hex.DecodeString(blockHex)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_block", "invalid block hex").
			WithContext("length", len(blockHex))
	}

	r := bytes.NewReader(raw)
	block := &wire.MsgBlock{}
	if err := block.Deserialize(r); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_block", "failed to deserialize block").
			WithContext("size", len(raw))
	}
	if r.Len() != 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "decode_block",
			"%d trailing bytes after block", r.Len())
	}
	return block, nil
}
