// Package validation re-checks a serialized block before it is handed to
// the node. It is independent of the search path: the block is decoded from
// the exact hex that will be submitted.
package validation

import (
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gomine/internal/submit"
	"github.com/bardlex/gomine/internal/target"
	"github.com/bardlex/gomine/pkg/errors"
)

// DefaultMaxTimeSkew matches the node's limit on future block timestamps.
const DefaultMaxTimeSkew = 2 * time.Hour

// BlockValidator handles validation of candidate blocks
type BlockValidator struct {
	params      *chaincfg.Params
	maxTimeSkew time.Duration
	now         func() time.Time
}

// NewBlockValidator creates a validator for the network in params.
func NewBlockValidator(params *chaincfg.Params, maxTimeSkew time.Duration) *BlockValidator {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	if maxTimeSkew <= 0 {
		maxTimeSkew = DefaultMaxTimeSkew
	}
	return &BlockValidator{params: params, maxTimeSkew: maxTimeSkew, now: time.Now}
}

// Validate decodes blockHex and checks it against t, the full-precision
// target of the work it was mined on. The decoded block is returned so the
// caller can log its hash.
func (v *BlockValidator) Validate(blockHex string, t target.Target) (*wire.MsgBlock, error) {
	block, err := submit.Decode(blockHex)
	if err != nil {
		return nil, err
	}

	if err := v.validateStructure(block); err != nil {
		return nil, err
	}
	if err := v.validateMerkleRoot(block); err != nil {
		return nil, err
	}
	if err := v.validateTime(block); err != nil {
		return nil, err
	}
	if err := v.validateProofOfWork(block, t); err != nil {
		return nil, err
	}
	return block, nil
}

// validateStructure checks the coinbase is first and only
func (v *BlockValidator) validateStructure(block *wire.MsgBlock) error {
	if len(block.Transactions) == 0 {
		return invalid(block, "block has no transactions")
	}
	if !blockchain.IsCoinBaseTx(block.Transactions[0]) {
		return invalid(block, "first transaction is not a coinbase")
	}
	for i, tx := range block.Transactions[1:] {
		if blockchain.IsCoinBaseTx(tx) {
			return invalid(block, "transaction is a second coinbase").WithContext("index", i+1)
		}
	}

	cbLen := len(block.Transactions[0].TxIn[0].SignatureScript)
	if cbLen < blockchain.MinCoinbaseScriptLen || cbLen > blockchain.MaxCoinbaseScriptLen {
		return invalid(block, "coinbase script length out of range").WithContext("length", cbLen)
	}
	return nil
}

// validateMerkleRoot recomputes the root over the txids
func (v *BlockValidator) validateMerkleRoot(block *wire.MsgBlock) error {
	txs := make([]*btcutil.Tx, len(block.Transactions))
	for i, tx := range block.Transactions {
		txs[i] = btcutil.NewTx(tx)
	}
	store := blockchain.BuildMerkleTreeStore(txs, false)
	root := store[len(store)-1]

	if !block.Header.MerkleRoot.IsEqual(root) {
		return invalid(block, "merkle root does not commit to the transactions").
			WithContext("header_root", block.Header.MerkleRoot.String()).
			WithContext("computed_root", root.String())
	}
	return nil
}

// validateTime rejects timestamps the node would treat as too far ahead
func (v *BlockValidator) validateTime(block *wire.MsgBlock) error {
	limit := v.now().Add(v.maxTimeSkew)
	if block.Header.Timestamp.After(limit) {
		return invalid(block, "block time too far in future").
			WithContext("timestamp", block.Header.Timestamp.Unix())
	}
	return nil
}

// validateProofOfWork checks the hash against t and against the header bits
func (v *BlockValidator) validateProofOfWork(block *wire.MsgBlock, t target.Target) error {
	hash := block.BlockHash()
	if !t.HashMeets(&hash) {
		return invalid(block, "hash does not meet the work target").
			WithContext("target", t.String())
	}

	if err := blockchain.CheckProofOfWork(btcutil.NewBlock(block), v.params.PowLimit); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "validate_block",
			"header bits reject the block").
			WithContext("block_hash", hash.String())
	}
	return nil
}

func invalid(block *wire.MsgBlock, msg string) *errors.ServiceError {
	return errors.New(errors.ErrorTypeValidation, "validate_block", msg).
		WithContext("block_hash", block.BlockHash().String())
}
