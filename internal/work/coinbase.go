package work

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gomine/pkg/errors"
)

const (
	// ExtranonceSize is the width of the extranonce appended to the coinbase script.
	ExtranonceSize = 4

	// Consensus bounds on a coinbase signature script.
	minCoinbaseScript = 2
	maxCoinbaseScript = 100
)

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 256))
	},
}

// coinbasePrefix returns the script bytes preceding the extranonce: an
// optional BIP34 height push followed by the message.
func coinbasePrefix(message []byte, height int64, withHeight bool) ([]byte, error) {
	var prefix []byte
	if withHeight {
		push, err := txscript.NewScriptBuilder().AddInt64(height).Script()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "coinbase_prefix", "failed to encode height")
		}
		prefix = append(prefix, push...)
	}
	prefix = append(prefix, message...)

	if n := len(prefix) + ExtranonceSize; n < minCoinbaseScript || n > maxCoinbaseScript {
		return nil, errors.Newf(errors.ErrorTypeValidation, "coinbase_prefix",
			"coinbase script would be %d bytes, must be within [%d, %d]", n, minCoinbaseScript, maxCoinbaseScript).
			WithKind(errors.ErrContractViolation)
	}
	return prefix, nil
}

// buildCoinbase serializes the coinbase transaction for one extranonce:
// version 1, a single input spending the null outpoint with max sequence,
// a single output paying payScript, lock time 0.
func buildCoinbase(prefix []byte, extranonce uint32, value int64, payScript []byte) ([]byte, error) {
	script := make([]byte, len(prefix)+ExtranonceSize)
	copy(script, prefix)
	binary.LittleEndian.PutUint32(script[len(prefix):], extranonce)

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: wire.MaxPrevOutIndex,
		},
		SignatureScript: script,
		Sequence:        wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, payScript))
	tx.LockTime = 0

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := tx.SerializeNoWitness(buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_coinbase", "failed to serialize coinbase")
	}
	return append([]byte(nil), buf.Bytes()...), nil
}
