package work

import (
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func testTxs(n int) ([]*btcutil.Tx, []chainhash.Hash) {
	txs := make([]*btcutil.Tx, n)
	hashes := make([]chainhash.Hash, n)
	for i := range txs {
		txs[i] = btcutil.NewTx(testTx(uint32(i + 100)))
		hashes[i] = *txs[i].Hash()
	}
	return txs, hashes
}

func btcdRoot(txs []*btcutil.Tx) chainhash.Hash {
	store := blockchain.BuildMerkleTreeStore(txs, false)
	return *store[len(store)-1]
}

func TestMerkleRootMatchesBtcd(t *testing.T) {
	for n := 1; n <= 33; n++ {
		txs, hashes := testTxs(n)
		if got, want := MerkleRoot(hashes), btcdRoot(txs); got != want {
			t.Errorf("MerkleRoot(%d hashes) = %s, want %s", n, got, want)
		}
	}
}

func TestMerkleRootEdgeCases(t *testing.T) {
	_, hashes := testTxs(3)

	if got := MerkleRoot(nil); got != (chainhash.Hash{}) {
		t.Errorf("MerkleRoot(nil) = %s, want zero hash", got)
	}
	if got := MerkleRoot(hashes[:1]); got != hashes[0] {
		t.Errorf("MerkleRoot(1 hash) = %s, want %s", got, hashes[0])
	}

	// odd levels pair the last element with itself
	ab := hashPair(&hashes[0], &hashes[1])
	cc := hashPair(&hashes[2], &hashes[2])
	if got, want := MerkleRoot(hashes), hashPair(&ab, &cc); got != want {
		t.Errorf("MerkleRoot(3 hashes) = %s, want %s", got, want)
	}

	// input is not modified
	_, fresh := testTxs(3)
	for i := range hashes {
		if hashes[i] != fresh[i] {
			t.Errorf("MerkleRoot modified input[%d]", i)
		}
	}
}

func TestMerkleRootGenesis(t *testing.T) {
	genesis := chaincfg.MainNetParams.GenesisBlock
	hashes := []chainhash.Hash{genesis.Transactions[0].TxHash()}
	if got := MerkleRoot(hashes); got != genesis.Header.MerkleRoot {
		t.Errorf("MerkleRoot(genesis) = %s, want %s", got, genesis.Header.MerkleRoot)
	}
}

func TestFoldBranch(t *testing.T) {
	for n := 1; n <= 20; n++ {
		_, hashes := testTxs(n)
		branch := MerkleBranch(hashes, 0)
		if got, want := FoldBranch(hashes[0], branch), MerkleRoot(hashes); got != want {
			t.Errorf("FoldBranch(n=%d) = %s, want %s", n, got, want)
		}

		// replacing the first leaf only requires the same branch
		leaf := chainhash.DoubleHashH([]byte{byte(n)})
		replaced := append([]chainhash.Hash{leaf}, hashes[1:]...)
		if got, want := FoldBranch(leaf, branch), MerkleRoot(replaced); got != want {
			t.Errorf("FoldBranch(replaced, n=%d) = %s, want %s", n, got, want)
		}
	}
}

func TestMerkleBranchLength(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {9, 4}, {1000, 10},
	}
	for _, tt := range tests {
		_, hashes := testTxs(tt.n)
		if got := len(MerkleBranch(hashes, 0)); got != tt.want {
			t.Errorf("len(MerkleBranch(n=%d)) = %d, want %d", tt.n, got, tt.want)
		}
	}
	if got := MerkleBranch(make([]chainhash.Hash, 4), 4); got != nil {
		t.Errorf("MerkleBranch(out of range) = %v, want nil", got)
	}
}

func BenchmarkMerkleRoot(b *testing.B) {
	hashes := make([]chainhash.Hash, 3000)
	for i := range hashes {
		hashes[i] = chainhash.DoubleHashH([]byte{byte(i), byte(i >> 8)})
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = MerkleRoot(hashes)
	}
}

