package target

import (
	"bytes"
	"math"
	"math/big"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/pkg/errors"
)

func TestFromBits(t *testing.T) {
	tests := []struct {
		name string
		bits uint32
		want string
	}{
		{"difficulty one", 0x1d00ffff, "00000000ffff0000000000000000000000000000000000000000000000000000"},
		{"block 125552", 0x1a44b9f2, "00000000000044b9f20000000000000000000000000000000000000000000000"},
		{"regtest", 0x207fffff, "7fffff0000000000000000000000000000000000000000000000000000000000"},
		{"exponent three", 0x03123456, "0000000000000000000000000000000000000000000000000000000000123456"},
		{"exponent two", 0x02123456, "0000000000000000000000000000000000000000000000000000000000001234"},
		{"exponent one", 0x01123456, "0000000000000000000000000000000000000000000000000000000000000012"},
		{"exponent zero", 0x00123456, "0000000000000000000000000000000000000000000000000000000000000000"},
		{"zero mantissa", 0x1d000000, "0000000000000000000000000000000000000000000000000000000000000000"},
		{"top exponent", 0x2100ffff, "ffff000000000000000000000000000000000000000000000000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromBits(tt.bits)
			if err != nil {
				t.Fatalf("FromBits(%08x) error = %v", tt.bits, err)
			}
			if got.String() != tt.want {
				t.Errorf("FromBits(%08x) = %s, want %s", tt.bits, got, tt.want)
			}
		})
	}
}

func TestFromBits_Malformed(t *testing.T) {
	tests := []struct {
		name string
		bits uint32
	}{
		{"negative", 0x1d800000},
		{"overflow", 0x22010000},
		{"far overflow", 0xff00ffff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromBits(tt.bits); !errors.Is(err, errors.ErrMalformedTemplate) {
				t.Errorf("FromBits(%08x) error = %v, want ErrMalformedTemplate", tt.bits, err)
			}
		})
	}
}

func TestFromCompactHex(t *testing.T) {
	got, err := FromCompactHex("1d00ffff")
	if err != nil {
		t.Fatalf("FromCompactHex() error = %v", err)
	}
	want, _ := FromBits(0x1d00ffff)
	if got != want {
		t.Errorf("FromCompactHex() = %s, want %s", got, want)
	}

	for _, bad := range []string{"", "1d00ff", "1d00ffff00", "1d00fffz"} {
		if _, err := FromCompactHex(bad); !errors.Is(err, errors.ErrMalformedTemplate) {
			t.Errorf("FromCompactHex(%q) error = %v, want ErrMalformedTemplate", bad, err)
		}
	}
}

func randomBits(rng *rand.Rand) uint32 {
	exp := uint32(rng.Intn(33))
	mant := uint32(rng.Intn(0x800000))
	return exp<<24 | mant
}

func TestBitsRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 5000; i++ {
		bits := randomBits(rng)
		tgt, err := FromBits(bits)
		if err != nil {
			t.Fatalf("FromBits(%08x) error = %v", bits, err)
		}

		back, err := FromBits(ToBits(tgt))
		if err != nil {
			t.Fatalf("FromBits(ToBits(%s)) error = %v", tgt, err)
		}
		if back != tgt {
			t.Fatalf("FromBits(ToBits(T)) = %s, want %s (bits %08x)", back, tgt, bits)
		}
	}
}

func TestBits_MatchesBtcd(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 5000; i++ {
		bits := randomBits(rng)
		tgt, _ := FromBits(bits)

		if want := blockchain.CompactToBig(bits); tgt.Big().Cmp(want) != 0 {
			t.Fatalf("FromBits(%08x) = %x, btcd CompactToBig = %x", bits, tgt.Big(), want)
		}
		if got, want := ToBits(tgt), blockchain.BigToCompact(tgt.Big()); got != want {
			t.Fatalf("ToBits(%s) = %08x, btcd BigToCompact = %08x", tgt, got, want)
		}
	}
}

func TestCompare(t *testing.T) {
	tgt, _ := FromBits(0x1d00ffff)
	below := tgt
	below[31] = 0
	below[5] = 0xfe
	above := tgt
	above[8] = 1

	tests := []struct {
		name   string
		digest Target
		want   bool
	}{
		{"equal is valid", tgt, true},
		{"below", below, true},
		{"above", above, false},
		{"zero", Target{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compare(tt.digest[:], tgt[:])
			if err != nil {
				t.Fatalf("Compare() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Compare(%s) = %v, want %v", tt.digest, got, tt.want)
			}
		})
	}
}

func TestCompare_ContractViolation(t *testing.T) {
	full := make([]byte, Size)
	for _, pair := range [][2][]byte{
		{make([]byte, 31), full},
		{full, make([]byte, 33)},
		{nil, nil},
	} {
		if _, err := Compare(pair[0], pair[1]); !errors.Is(err, errors.ErrContractViolation) {
			t.Errorf("Compare(len %d, len %d) error = %v, want ErrContractViolation", len(pair[0]), len(pair[1]), err)
		}
	}
}

func TestCompare_TotalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 2000; i++ {
		a := make([]byte, Size)
		b := make([]byte, Size)
		rng.Read(a)
		rng.Read(b)
		// Share a random prefix so later bytes decide
		copy(b, a[:rng.Intn(Size)])

		want := new(big.Int).SetBytes(a).Cmp(new(big.Int).SetBytes(b)) <= 0
		got, _ := Compare(a, b)
		if got != want {
			t.Fatalf("Compare(%x, %x) = %v, want %v", a, b, got, want)
		}

		ab, _ := Compare(a, b)
		ba, _ := Compare(b, a)
		if !ab && !ba {
			t.Fatalf("Compare not total for %x, %x", a, b)
		}
		if ab && ba && !bytes.Equal(a, b) {
			t.Fatalf("Compare not antisymmetric for %x, %x", a, b)
		}
	}
}

func TestHashMeets(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	tgt, _ := FromBits(0x2000ffff)

	for i := 0; i < 2000; i++ {
		var h chainhash.Hash
		rng.Read(h[:])
		if i%2 == 0 {
			h[31], h[30] = 0, 0
		}

		// Display order is the reversed internal hash
		display := make([]byte, Size)
		for j := range h {
			display[Size-1-j] = h[j]
		}
		want, _ := Compare(display, tgt[:])
		if got := tgt.HashMeets(&h); got != want {
			t.Fatalf("HashMeets(%s) = %v, want %v", h, got, want)
		}
	}

	var exact chainhash.Hash
	for j := range exact {
		exact[Size-1-j] = tgt[j]
	}
	if !tgt.HashMeets(&exact) {
		t.Error("HashMeets(target itself) = false, want true")
	}
}

func TestDifficulty(t *testing.T) {
	tests := []struct {
		bits uint32
		want float64
	}{
		{0x1d00ffff, 1},
		{0x1b0404cb, 16307.420938523983},
	}

	for _, tt := range tests {
		tgt, _ := FromBits(tt.bits)
		if got := tgt.Difficulty(); math.Abs(got-tt.want)/tt.want > 1e-9 {
			t.Errorf("Difficulty(%08x) = %v, want %v", tt.bits, got, tt.want)
		}
	}

	if got := (Target{}).Difficulty(); got != 0 {
		t.Errorf("Difficulty(zero) = %v, want 0", got)
	}
}

func TestFromHex(t *testing.T) {
	tgt, _ := FromBits(0x1a44b9f2)
	back, err := FromHex(tgt.String())
	if err != nil || back != tgt {
		t.Errorf("FromHex(String()) = %s, %v; want %s", back, err, tgt)
	}
	if _, err := FromHex("00"); !errors.Is(err, errors.ErrContractViolation) {
		t.Errorf("FromHex(short) error = %v, want ErrContractViolation", err)
	}
}
