package search

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/gomine/internal/work"
)

const (
	block125552Nonce = 2504433986
	block125552Hash  = "00000000000000001e8d6829a8a21adc5d38d0a473b144b6765798e61f98bd1d"
	testAddress      = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
)

func int32p(v int32) *int32 { return &v }
func int64p(v int64) *int64 { return &v }

func parseTemplate(t testing.TB, raw *work.RawTemplate) *work.Template {
	t.Helper()
	tmpl, err := work.ParseTemplate(raw)
	if err != nil {
		t.Fatalf("ParseTemplate() unexpected error: %v", err)
	}
	return tmpl
}

// block125552 is the template of mainnet block 125552 with its own merkle root.
func block125552(t testing.TB) *work.Template {
	return parseTemplate(t, &work.RawTemplate{
		Version:           int32p(1),
		PreviousBlockHash: "00000000000008a3a41b85b8b29ad444def299fee21793cd8b9e567eab02cd81",
		MerkleRoot:        "2b12fcf1b09288fcaff797d71e950e71ae42b91e8bdb2304758dfcffc2b620e3",
		CurTime:           int64p(1305998791),
		Bits:              "1a44b9f2",
		CoinbaseValue:     int64p(5000000000),
		Transactions:      []work.RawTransaction{},
	})
}

// bitsTemplate is a template with no transactions and the given bits.
func bitsTemplate(t testing.TB, bits string) *work.Template {
	return parseTemplate(t, &work.RawTemplate{
		Version:           int32p(0x20000000),
		PreviousBlockHash: "0f9188f13cb7b2c71f2a335e3a4fc328bf5beb436012afca590b1a11466e2206",
		CurTime:           int64p(1700000000),
		Bits:              bits,
		CoinbaseValue:     int64p(5000000000),
		Height:            1,
		Transactions:      []work.RawTransaction{},
	})
}

func newBuilder(t testing.TB, tmpl *work.Template, timeout time.Duration) *work.Builder {
	t.Helper()
	b, err := work.NewBuilder(tmpl, work.BuilderOptions{
		RewardAddress:   testAddress,
		CoinbaseMessage: []byte("search test"),
		Timeout:         timeout,
	})
	if err != nil {
		t.Fatalf("NewBuilder() unexpected error: %v", err)
	}
	return b
}

// fixedBuilder returns the same unit for every extranonce.
type fixedBuilder struct {
	unit  *work.Unit
	err   error
	calls atomic.Int32
}

func (f *fixedBuilder) Build(uint32) (*work.Unit, error) {
	f.calls.Add(1)
	return f.unit, f.err
}

func skeleton(t testing.TB, tmpl *work.Template, timeout time.Duration) *work.Unit {
	t.Helper()
	u, err := work.SkeletonUnit(tmpl, timeout)
	if err != nil {
		t.Fatalf("SkeletonUnit() unexpected error: %v", err)
	}
	return u
}
