package work

import (
	"testing"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gomine/pkg/errors"
)

func TestParseTemplate(t *testing.T) {
	tmpl := parsedTemplate(t, 3)

	if tmpl.Version != 0x20000000 {
		t.Errorf("Version = %#x, want %#x", tmpl.Version, 0x20000000)
	}
	if got := tmpl.PrevHash.String(); got != testPrevHash {
		t.Errorf("PrevHash = %s, want %s", got, testPrevHash)
	}
	// internal order is the reverse of display order
	if tmpl.PrevHash[0] != 0x81 || tmpl.PrevHash[31] != 0x00 {
		t.Errorf("PrevHash internal bytes = %x", tmpl.PrevHash[:])
	}
	if tmpl.Bits != 0x1a44b9f2 {
		t.Errorf("Bits = %#x, want %#x", tmpl.Bits, 0x1a44b9f2)
	}
	if tmpl.CurTime != 1305998791 {
		t.Errorf("CurTime = %d, want %d", tmpl.CurTime, 1305998791)
	}
	if tmpl.Target.String() != "00000000000044b9f20000000000000000000000000000000000000000000000" {
		t.Errorf("Target = %s", tmpl.Target)
	}
	if len(tmpl.Transactions) != 3 {
		t.Fatalf("len(Transactions) = %d, want 3", len(tmpl.Transactions))
	}
	if tmpl.Transactions[0].TxID != testTx(1).TxHash() {
		t.Errorf("Transactions[0].TxID = %s, want %s", tmpl.Transactions[0].TxID, testTx(1).TxHash())
	}
	if tmpl.MerkleRoot != nil || tmpl.Nonce != nil {
		t.Errorf("optional fields set: merkleroot=%v nonce=%v", tmpl.MerkleRoot, tmpl.Nonce)
	}
}

func TestParseTemplateTransactionIDs(t *testing.T) {
	plain := testTx(7)
	witness := testWitnessTx(8)

	tests := []struct {
		name    string
		tx      RawTransaction
		wantErr bool
	}{
		{name: "txid", tx: RawTransaction{Data: txHex(t, plain), TxID: plain.TxHash().String()}},
		{name: "hash is txid", tx: RawTransaction{Data: txHex(t, plain), Hash: plain.TxHash().String()}},
		{name: "hash is wtxid", tx: RawTransaction{Data: txHex(t, witness), Hash: witness.WitnessHash().String()}},
		{name: "txid preferred over wtxid hash", tx: RawTransaction{Data: txHex(t, witness), Hash: witness.WitnessHash().String(), TxID: witness.TxHash().String()}},
		{name: "wrong txid", tx: RawTransaction{Data: txHex(t, plain), TxID: witness.TxHash().String()}, wantErr: true},
		{name: "wtxid given as txid", tx: RawTransaction{Data: txHex(t, witness), TxID: witness.WitnessHash().String()}, wantErr: true},
		{name: "no id", tx: RawTransaction{Data: txHex(t, plain)}, wantErr: true},
		{name: "short id", tx: RawTransaction{Data: txHex(t, plain), TxID: "abcd"}, wantErr: true},
		{name: "no data", tx: RawTransaction{TxID: plain.TxHash().String()}, wantErr: true},
		{name: "data not hex", tx: RawTransaction{Data: "zz", TxID: plain.TxHash().String()}, wantErr: true},
		{name: "data truncated", tx: RawTransaction{Data: txHex(t, plain)[:20], TxID: plain.TxHash().String()}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawTemplate(t, 0)
			raw.Transactions = []RawTransaction{tt.tx}

			tmpl, err := ParseTemplate(raw)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrMalformedTemplate) {
					t.Errorf("ParseTemplate() error = %v, want %v", err, errors.ErrMalformedTemplate)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTemplate() unexpected error: %v", err)
			}
			var want = plain.TxHash()
			if tt.tx.Data == txHex(t, witness) {
				want = witness.TxHash()
			}
			if tmpl.Transactions[0].TxID != want {
				t.Errorf("TxID = %s, want %s", tmpl.Transactions[0].TxID, want)
			}
		})
	}
}

func TestParseTemplateMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RawTemplate)
	}{
		{name: "missing version", mutate: func(r *RawTemplate) { r.Version = nil }},
		{name: "missing curtime", mutate: func(r *RawTemplate) { r.CurTime = nil }},
		{name: "negative curtime", mutate: func(r *RawTemplate) { r.CurTime = int64p(-1) }},
		{name: "curtime overflow", mutate: func(r *RawTemplate) { r.CurTime = int64p(1 << 32) }},
		{name: "missing coinbasevalue", mutate: func(r *RawTemplate) { r.CoinbaseValue = nil }},
		{name: "negative coinbasevalue", mutate: func(r *RawTemplate) { r.CoinbaseValue = int64p(-5) }},
		{name: "missing transactions", mutate: func(r *RawTemplate) { r.Transactions = nil }},
		{name: "missing previousblockhash", mutate: func(r *RawTemplate) { r.PreviousBlockHash = "" }},
		{name: "short previousblockhash", mutate: func(r *RawTemplate) { r.PreviousBlockHash = testPrevHash[2:] }},
		{name: "previousblockhash not hex", mutate: func(r *RawTemplate) { r.PreviousBlockHash = "zz" + testPrevHash[2:] }},
		{name: "missing bits", mutate: func(r *RawTemplate) { r.Bits = "" }},
		{name: "short bits", mutate: func(r *RawTemplate) { r.Bits = "1d00ff" }},
		{name: "bits not hex", mutate: func(r *RawTemplate) { r.Bits = "1d00ffgg" }},
		{name: "negative bits", mutate: func(r *RawTemplate) { r.Bits = "1d800001" }},
		{name: "target mismatch", mutate: func(r *RawTemplate) {
			r.Target = "00000000ffff0000000000000000000000000000000000000000000000000000"
		}},
		{name: "target not hex", mutate: func(r *RawTemplate) { r.Target = "xyz" }},
		{name: "bad merkleroot", mutate: func(r *RawTemplate) { r.MerkleRoot = "00" }},
		{name: "nonce overflow", mutate: func(r *RawTemplate) { r.Nonce = int64p(1 << 32) }},
		{name: "negative nonce", mutate: func(r *RawTemplate) { r.Nonce = int64p(-1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawTemplate(t, 1)
			tt.mutate(raw)

			tmpl, err := ParseTemplate(raw)
			if !errors.Is(err, errors.ErrMalformedTemplate) {
				t.Errorf("ParseTemplate() error = %v, want %v", err, errors.ErrMalformedTemplate)
			}
			if tmpl != nil {
				t.Errorf("ParseTemplate() returned template with error")
			}
		})
	}

	if _, err := ParseTemplate(nil); !errors.Is(err, errors.ErrMalformedTemplate) {
		t.Errorf("ParseTemplate(nil) error = %v, want %v", err, errors.ErrMalformedTemplate)
	}
}

func TestParseTemplateOptionalFields(t *testing.T) {
	raw := rawTemplate(t, 0)
	raw.Target = "00000000000044b9f20000000000000000000000000000000000000000000000"
	raw.MerkleRoot = "2b12fcf1b09288fcaff797d71e950e71ae42b91e8bdb2304758dfcffc2b620e3"
	raw.Nonce = int64p(2504433986)

	tmpl, err := ParseTemplate(raw)
	if err != nil {
		t.Fatalf("ParseTemplate() unexpected error: %v", err)
	}
	if tmpl.MerkleRoot == nil || tmpl.MerkleRoot.String() != raw.MerkleRoot {
		t.Errorf("MerkleRoot = %v, want %s", tmpl.MerkleRoot, raw.MerkleRoot)
	}
	if tmpl.Nonce == nil || *tmpl.Nonce != 2504433986 {
		t.Errorf("Nonce = %v, want %d", tmpl.Nonce, 2504433986)
	}
}

func TestDecodeTemplateJSON(t *testing.T) {
	data := []byte(`{
		"version": 1,
		"previousblockhash": "` + testPrevHash + `",
		"curtime": 1305998791,
		"bits": "1a44b9f2",
		"coinbasevalue": 5000000000,
		"height": 125552,
		"transactions": []
	}`)

	raw, err := DecodeTemplateJSON(data)
	if err != nil {
		t.Fatalf("DecodeTemplateJSON() unexpected error: %v", err)
	}
	if raw.Version == nil || *raw.Version != 1 {
		t.Errorf("Version = %v, want 1", raw.Version)
	}
	if raw.Transactions == nil {
		t.Error("Transactions = nil, want empty slice")
	}
	if _, err := ParseTemplate(raw); err != nil {
		t.Errorf("ParseTemplate() unexpected error: %v", err)
	}

	// absent transactions survive decoding as nil and are rejected
	raw, err = DecodeTemplateJSON([]byte(`{"version": 1}`))
	if err != nil {
		t.Fatalf("DecodeTemplateJSON() unexpected error: %v", err)
	}
	if _, err := ParseTemplate(raw); !errors.Is(err, errors.ErrMalformedTemplate) {
		t.Errorf("ParseTemplate() error = %v, want %v", err, errors.ErrMalformedTemplate)
	}

	if _, err := DecodeTemplateJSON([]byte(`{not json`)); !errors.Is(err, errors.ErrMalformedTemplate) {
		t.Errorf("DecodeTemplateJSON() error = %v, want %v", err, errors.ErrMalformedTemplate)
	}
}

func TestFromGBT(t *testing.T) {
	value := int64(625000000)
	plain := testTx(3)
	gbt := &btcjson.GetBlockTemplateResult{
		Version:       0x20000000,
		PreviousHash:  testPrevHash,
		CurTime:       1305998791,
		Bits:          "1a44b9f2",
		CoinbaseValue: &value,
		Height:        125552,
		Transactions: []btcjson.GetBlockTemplateResultTx{
			{Data: txHex(t, plain), Hash: plain.TxHash().String()},
		},
	}

	tmpl, err := ParseTemplate(FromGBT(gbt))
	if err != nil {
		t.Fatalf("ParseTemplate(FromGBT()) unexpected error: %v", err)
	}
	if tmpl.CoinbaseValue != value {
		t.Errorf("CoinbaseValue = %d, want %d", tmpl.CoinbaseValue, value)
	}
	if tmpl.Height != 125552 {
		t.Errorf("Height = %d, want %d", tmpl.Height, 125552)
	}
	if len(tmpl.Transactions) != 1 || tmpl.Transactions[0].TxID != plain.TxHash() {
		t.Errorf("Transactions = %+v", tmpl.Transactions)
	}
}
