// Package work turns block templates into immutable work units: coinbase
// transaction, merkle root, 80-byte header skeleton and midstate.
package work

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/bytedance/sonic"

	"github.com/bardlex/gomine/internal/target"
	"github.com/bardlex/gomine/pkg/byteorder"
	"github.com/bardlex/gomine/pkg/errors"
)

// RawTransaction is a template transaction as received from the node.
type RawTransaction struct {
	Data string `json:"data"`
	Hash string `json:"hash"`
	TxID string `json:"txid,omitempty"`
}

// RawTemplate is the loosely-typed template mapping. Pointer fields
// distinguish "absent" from zero.
type RawTemplate struct {
	Version           *int32           `json:"version"`
	PreviousBlockHash string           `json:"previousblockhash"`
	MerkleRoot        string           `json:"merkleroot,omitempty"`
	CurTime           *int64           `json:"curtime"`
	Bits              string           `json:"bits"`
	Nonce             *int64           `json:"nonce,omitempty"`
	CoinbaseValue     *int64           `json:"coinbasevalue"`
	Height            int64            `json:"height,omitempty"`
	Target            string           `json:"target,omitempty"`
	Transactions      []RawTransaction `json:"transactions"`
}

// Transaction is a validated template transaction.
type Transaction struct {
	Data []byte
	// TxID in internal byte order
	TxID chainhash.Hash
}

// Template is a validated block template.
type Template struct {
	Version       int32
	PrevHash      chainhash.Hash
	MerkleRoot    *chainhash.Hash
	CurTime       uint32
	Bits          uint32
	Nonce         *uint32
	CoinbaseValue int64
	Height        int64
	Target        target.Target
	Transactions  []Transaction
}

// FromGBT converts a getblocktemplate result into the raw mapping.
func FromGBT(r *btcjson.GetBlockTemplateResult) *RawTemplate {
	version := r.Version
	curTime := r.CurTime
	raw := &RawTemplate{
		Version:           &version,
		PreviousBlockHash: r.PreviousHash,
		CurTime:           &curTime,
		Bits:              r.Bits,
		CoinbaseValue:     r.CoinbaseValue,
		Height:            r.Height,
		Target:            r.Target,
		Transactions:      make([]RawTransaction, 0, len(r.Transactions)),
	}
	for _, tx := range r.Transactions {
		// "hash" carries the wtxid for witness transactions; parseTransaction
		// checks it against the decoded data either way
		raw.Transactions = append(raw.Transactions, RawTransaction{
			Data: tx.Data,
			Hash: tx.Hash,
		})
	}
	return raw
}

// DecodeTemplateJSON decodes a template mapping from JSON.
func DecodeTemplateJSON(data []byte) (*RawTemplate, error) {
	var raw RawTemplate
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_template", "invalid template JSON").
			WithKind(errors.ErrMalformedTemplate)
	}
	return &raw, nil
}

func malformed(format string, args ...interface{}) *errors.ServiceError {
	return errors.Newf(errors.ErrorTypeValidation, "parse_template", format, args...).
		WithKind(errors.ErrMalformedTemplate)
}

func parseDisplayHash(field, s string) (chainhash.Hash, error) {
	if len(s) != 2*chainhash.HashSize {
		return chainhash.Hash{}, malformed("%s must be %d hex characters, got %d", field, 2*chainhash.HashSize, len(s))
	}
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, malformed("%s is not hex: %v", field, err)
	}
	return *h, nil
}

// ParseTemplate validates raw and returns the typed template. All checks run
// before any hashing so a malformed template never reaches the search.
func ParseTemplate(raw *RawTemplate) (*Template, error) {
	if raw == nil {
		return nil, malformed("template is nil")
	}
	if raw.Version == nil {
		return nil, malformed("version is required")
	}
	if raw.CurTime == nil {
		return nil, malformed("curtime is required")
	}
	if *raw.CurTime < 0 || *raw.CurTime > math.MaxUint32 {
		return nil, malformed("curtime %d out of range", *raw.CurTime)
	}
	if raw.CoinbaseValue == nil {
		return nil, malformed("coinbasevalue is required")
	}
	if *raw.CoinbaseValue < 0 {
		return nil, malformed("coinbasevalue %d is negative", *raw.CoinbaseValue)
	}
	if raw.Transactions == nil {
		return nil, malformed("transactions is required")
	}

	prev, err := parseDisplayHash("previousblockhash", raw.PreviousBlockHash)
	if err != nil {
		return nil, err
	}

	tgt, err := target.FromCompactHex(raw.Bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "parse_template", "invalid bits")
	}
	if raw.Target != "" {
		given, err := target.FromHex(raw.Target)
		if err != nil {
			return nil, malformed("target is invalid: %v", err)
		}
		if given != tgt {
			return nil, malformed("target %s does not match bits %s", raw.Target, raw.Bits)
		}
	}

	// FromCompactHex validated the width and digits
	bits, _ := parseBits(raw.Bits)

	t := &Template{
		Version:       *raw.Version,
		PrevHash:      prev,
		CurTime:       uint32(*raw.CurTime),
		Bits:          bits,
		CoinbaseValue: *raw.CoinbaseValue,
		Height:        raw.Height,
		Target:        tgt,
		Transactions:  make([]Transaction, 0, len(raw.Transactions)),
	}
	if raw.MerkleRoot != "" {
		root, err := parseDisplayHash("merkleroot", raw.MerkleRoot)
		if err != nil {
			return nil, err
		}
		t.MerkleRoot = &root
	}
	if raw.Nonce != nil {
		if *raw.Nonce < 0 || *raw.Nonce > math.MaxUint32 {
			return nil, malformed("nonce %d out of range", *raw.Nonce)
		}
		n := uint32(*raw.Nonce)
		t.Nonce = &n
	}

	for i, rtx := range raw.Transactions {
		tx, err := parseTransaction(i, rtx)
		if err != nil {
			return nil, err
		}
		t.Transactions = append(t.Transactions, tx)
	}

	return t, nil
}

func parseBits(s string) (uint32, error) {
	b, err := byteorder.DecodeHex(s, 4)
	if err != nil {
		return 0, malformed("bits: %v", err)
	}
	return binary.BigEndian.Uint32(b), nil
}

// parseTransaction decodes the raw transaction and checks the advertised
// ids against it. The merkle tree commits to txids; GBT reports the wtxid in
// "hash" for witness transactions.
func parseTransaction(i int, rtx RawTransaction) (Transaction, error) {
	if rtx.Data == "" {
		return Transaction{}, malformed("transaction %d has no data", i)
	}
	data, err := hex.DecodeString(rtx.Data)
	if err != nil {
		return Transaction{}, malformed("transaction %d data is not hex: %v", i, err)
	}

	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(data)); err != nil {
		return Transaction{}, malformed("transaction %d does not decode: %v", i, err)
	}
	txid := msg.TxHash()

	switch {
	case rtx.TxID != "":
		given, err := parseDisplayHash("txid", rtx.TxID)
		if err != nil {
			return Transaction{}, err
		}
		if given != txid {
			return Transaction{}, malformed("transaction %d txid %s does not match data (%s)", i, rtx.TxID, txid)
		}
	case rtx.Hash != "":
		given, err := parseDisplayHash("hash", rtx.Hash)
		if err != nil {
			return Transaction{}, err
		}
		if given != txid && given != msg.WitnessHash() {
			return Transaction{}, malformed("transaction %d hash %s does not match data", i, rtx.Hash)
		}
	default:
		return Transaction{}, malformed("transaction %d has neither txid nor hash", i)
	}

	return Transaction{Data: data, TxID: txid}, nil
}
