package work

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	testAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	// pay-to-pubkey-hash script of testAddress
	testPayScript = "76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac"
	testPrevHash  = "00000000000008a3a41b85b8b29ad444def299fee21793cd8b9e567eab02cd81"
)

func int32p(v int32) *int32 { return &v }
func int64p(v int64) *int64 { return &v }

// testTx returns a distinct non-witness transaction keyed by seed.
func testTx(seed uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	prev := chainhash.Hash{byte(seed), byte(seed >> 8), 0x42}
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, seed), []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(int64(1000+seed), []byte{0x6a}))
	tx.LockTime = seed
	return tx
}

// testWitnessTx is testTx with a witness, so its wtxid differs from its txid.
func testWitnessTx(seed uint32) *wire.MsgTx {
	tx := testTx(seed)
	tx.TxIn[0].SignatureScript = nil
	tx.TxIn[0].Witness = wire.TxWitness{[]byte{0x01, 0x02}, []byte{0x03}}
	return tx
}

func txHex(t testing.TB, tx *wire.MsgTx) string {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("Serialize(): %v", err)
	}
	return hex.EncodeToString(buf.Bytes())
}

// rawTemplate returns a valid raw template carrying n transactions.
func rawTemplate(t testing.TB, n int) *RawTemplate {
	t.Helper()
	raw := &RawTemplate{
		Version:           int32p(0x20000000),
		PreviousBlockHash: testPrevHash,
		CurTime:           int64p(1305998791),
		Bits:              "1a44b9f2",
		CoinbaseValue:     int64p(5000000000),
		Height:            125552,
		Transactions:      []RawTransaction{},
	}
	for i := 0; i < n; i++ {
		tx := testTx(uint32(i + 1))
		raw.Transactions = append(raw.Transactions, RawTransaction{
			Data: txHex(t, tx),
			TxID: tx.TxHash().String(),
		})
	}
	return raw
}

func parsedTemplate(t testing.TB, n int) *Template {
	t.Helper()
	tmpl, err := ParseTemplate(rawTemplate(t, n))
	if err != nil {
		t.Fatalf("ParseTemplate() unexpected error: %v", err)
	}
	return tmpl
}
