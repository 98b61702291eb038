package work

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gomine/internal/bitcoin"
	"github.com/bardlex/gomine/internal/midstate"
	"github.com/bardlex/gomine/pkg/errors"
)

// BuilderOptions configures coinbase construction.
type BuilderOptions struct {
	// CoinbaseMessage is placed in the coinbase script before the extranonce.
	CoinbaseMessage []byte
	// RewardAddress receives the coinbase value.
	RewardAddress string
	// Params selects the network the address must belong to.
	Params *chaincfg.Params
	// Timeout is copied into every unit.
	Timeout time.Duration
	// HeightPrefix pushes the template height (BIP34) ahead of the message.
	HeightPrefix bool
}

// Builder produces one Unit per extranonce for a fixed template.
type Builder struct {
	tmpl      *Template
	prefix    []byte
	payScript []byte
	branch    []chainhash.Hash
	timeout   time.Duration
}

// NewBuilder validates the reward address and precomputes the coinbase
// merkle branch so each Build only folds log2(n) hashes.
func NewBuilder(t *Template, opts BuilderOptions) (*Builder, error) {
	if t == nil {
		return nil, malformed("template is nil")
	}
	params := opts.Params
	if params == nil {
		params = &chaincfg.MainNetParams
	}

	payScript, err := bitcoin.PayToAddress(opts.RewardAddress, params)
	if err != nil {
		return nil, err
	}

	prefix, err := coinbasePrefix(opts.CoinbaseMessage, t.Height, opts.HeightPrefix)
	if err != nil {
		return nil, err
	}

	// Slot 0 is the coinbase; its value does not affect its own branch
	hashes := make([]chainhash.Hash, 1, len(t.Transactions)+1)
	for _, tx := range t.Transactions {
		hashes = append(hashes, tx.TxID)
	}

	return &Builder{
		tmpl:      t,
		prefix:    prefix,
		payScript: payScript,
		branch:    MerkleBranch(hashes, 0),
		timeout:   opts.Timeout,
	}, nil
}

// Template returns the template the builder was created from.
func (b *Builder) Template() *Template { return b.tmpl }

// Build assembles the unit for extranonce.
func (b *Builder) Build(extranonce uint32) (*Unit, error) {
	coinbase, err := buildCoinbase(b.prefix, extranonce, b.tmpl.CoinbaseValue, b.payScript)
	if err != nil {
		return nil, err
	}
	cbHash := midstate.DoubleHashH(coinbase)
	root := FoldBranch(cbHash, b.branch)

	u, err := newUnit(b.tmpl, root, b.timeout)
	if err != nil {
		return nil, err
	}
	u.extranonce = extranonce
	u.coinbase = coinbase
	u.coinbaseHash = cbHash
	return u, nil
}

// SkeletonUnit builds a unit from the template's own merkle root, with no
// coinbase. Used to replay externally assembled headers.
func SkeletonUnit(t *Template, timeout time.Duration) (*Unit, error) {
	if t == nil {
		return nil, malformed("template is nil")
	}
	if t.MerkleRoot == nil {
		return nil, malformed("merkleroot is required for a skeleton unit")
	}
	return newUnit(t, *t.MerkleRoot, timeout)
}

func newUnit(t *Template, root chainhash.Hash, timeout time.Duration) (*Unit, error) {
	hdr := wire.BlockHeader{
		Version:    t.Version,
		PrevBlock:  t.PrevHash,
		MerkleRoot: root,
		Timestamp:  time.Unix(int64(t.CurTime), 0),
		Bits:       t.Bits,
		Nonce:      0,
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	if err := hdr.Serialize(buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_header", "failed to serialize header")
	}

	u := &Unit{
		target:     t.Target,
		merkleRoot: root,
		timeout:    timeout,
		template:   t,
	}
	copy(u.header[:], buf.Bytes())
	u.mid = midstate.Compress(nil, (*[midstate.BlockSize]byte)(u.header[:midstate.BlockSize]))
	return u, nil
}
