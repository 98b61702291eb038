package search

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/internal/midstate"
	"github.com/bardlex/gomine/internal/work"
)

// hashFromMidstate hashes header through the midstate path.
func hashFromMidstate(header [work.HeaderSize]byte) chainhash.Hash {
	mid := midstate.Compress(nil, (*[midstate.BlockSize]byte)(header[:midstate.BlockSize]))
	var tail [work.TailSize]byte
	copy(tail[:], header[midstate.BlockSize:work.NonceOffset])
	return NewHasherFromParts(mid, tail).Hash(binary.LittleEndian.Uint32(header[work.NonceOffset:]))
}

func TestHasherMatchesDoubleSHA256(t *testing.T) {
	var zeros, ones [work.HeaderSize]byte
	for i := range ones {
		ones[i] = 0xff
	}
	headers := [][work.HeaderSize]byte{zeros, ones}

	rng := rand.New(rand.NewSource(125552))
	for i := 0; i < 2000; i++ {
		var h [work.HeaderSize]byte
		rng.Read(h[:])
		headers = append(headers, h)
	}

	for i, h := range headers {
		want := chainhash.DoubleHashH(h[:])
		if got := hashFromMidstate(h); got != want {
			t.Fatalf("header %d (%x): midstate hash = %s, want %s", i, h, got, want)
		}
	}
}

func TestHasherReuse(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var header [work.HeaderSize]byte
	rng.Read(header[:])

	mid := midstate.Compress(nil, (*[midstate.BlockSize]byte)(header[:midstate.BlockSize]))
	var tail [work.TailSize]byte
	copy(tail[:], header[midstate.BlockSize:work.NonceOffset])
	h := NewHasherFromParts(mid, tail)

	// consecutive calls must not leak state between nonces
	for _, nonce := range []uint32{0, 1, 0xffffffff, 0, 0x80000000} {
		binary.LittleEndian.PutUint32(header[work.NonceOffset:], nonce)
		if got, want := h.Hash(nonce), chainhash.DoubleHashH(header[:]); got != want {
			t.Errorf("Hash(%#x) = %s, want %s", nonce, got, want)
		}
	}
}

func TestCheckNonceHistoricalBlock(t *testing.T) {
	u := skeleton(t, block125552(t), 0)

	hash, ok := CheckNonce(u, block125552Nonce)
	if !ok {
		t.Errorf("CheckNonce(%d) = false, want true", block125552Nonce)
	}
	if hash.String() != block125552Hash {
		t.Errorf("CheckNonce() hash = %s, want %s", hash, block125552Hash)
	}

	if _, ok := CheckNonce(u, block125552Nonce+1); ok {
		t.Errorf("CheckNonce(%d) = true, want false", block125552Nonce+1)
	}
}

func TestCheckNonceGenesis(t *testing.T) {
	g := chaincfg.MainNetParams.GenesisBlock.Header
	tmpl := parseTemplate(t, &work.RawTemplate{
		Version:           int32p(g.Version),
		PreviousBlockHash: g.PrevBlock.String(),
		MerkleRoot:        g.MerkleRoot.String(),
		CurTime:           int64p(g.Timestamp.Unix()),
		Bits:              "1d00ffff",
		CoinbaseValue:     int64p(5000000000),
		Transactions:      []work.RawTransaction{},
	})
	u := skeleton(t, tmpl, 0)

	hash, ok := CheckNonce(u, g.Nonce)
	if !ok {
		t.Errorf("CheckNonce(genesis) = false, want true")
	}
	if hash != *chaincfg.MainNetParams.GenesisHash {
		t.Errorf("CheckNonce(genesis) hash = %s, want %s", hash, chaincfg.MainNetParams.GenesisHash)
	}
}

func TestCheckNonceAgreesWithHashMeets(t *testing.T) {
	// regtest bits accept about half of all hashes
	tmpl := bitsTemplate(t, "207fffff")
	u, err := newBuilder(t, tmpl, 0).Build(3)
	if err != nil {
		t.Fatalf("Build() unexpected error: %v", err)
	}
	h := NewHasher(u)
	tgt := u.Target()

	var accepted int
	for nonce := uint32(0); nonce < 256; nonce++ {
		hash, ok := CheckNonce(u, nonce)
		want := h.Hash(nonce)
		if hash != want {
			t.Fatalf("CheckNonce(%d) hash = %s, want %s", nonce, hash, want)
		}
		if meets := tgt.HashMeets(&want); meets != ok {
			t.Errorf("nonce %d: CheckNonce = %v, HashMeets = %v", nonce, ok, meets)
		}
		if ok {
			accepted++
		}
	}
	if accepted == 0 || accepted == 256 {
		t.Errorf("accepted %d of 256 nonces, want some but not all", accepted)
	}
}

var hashSink chainhash.Hash

func TestHasherHashDoesNotAllocate(t *testing.T) {
	var tail [work.TailSize]byte
	h := NewHasherFromParts(midstate.InitialState, tail)
	nonce := uint32(0)
	allocs := testing.AllocsPerRun(1000, func() {
		hashSink = h.Hash(nonce)
		nonce++
	})
	if allocs != 0 {
		t.Errorf("Hash() allocations per call = %v, want 0", allocs)
	}
}

func BenchmarkHasherHash(b *testing.B) {
	var tail [work.TailSize]byte
	h := NewHasherFromParts(midstate.InitialState, tail)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = h.Hash(uint32(i))
	}
}
