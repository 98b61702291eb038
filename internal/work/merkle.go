package work

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/internal/midstate"
)

// levelPool reuses the working slice of merkle computations. Blocks carry a
// few thousand transactions and the coinbase branch is rebuilt per template.
var levelPool = sync.Pool{
	New: func() any {
		s := make([]chainhash.Hash, 0, 4096)
		return &s
	},
}

func getLevel(hashes []chainhash.Hash) *[]chainhash.Hash {
	p := levelPool.Get().(*[]chainhash.Hash)
	*p = append((*p)[:0], hashes...)
	return p
}

func putLevel(p *[]chainhash.Hash) {
	if cap(*p) <= 16384 {
		levelPool.Put(p)
	}
}

func hashPair(left, right *chainhash.Hash) chainhash.Hash {
	var buf [2 * chainhash.HashSize]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return midstate.DoubleHashH(buf[:])
}

// nextLevel hashes adjacent pairs in place, duplicating the last element of
// an odd-length level, and returns the halved level.
func nextLevel(level []chainhash.Hash) []chainhash.Hash {
	if len(level)%2 == 1 {
		level = append(level, level[len(level)-1])
	}
	for i := 0; i < len(level)/2; i++ {
		level[i] = hashPair(&level[2*i], &level[2*i+1])
	}
	return level[:len(level)/2]
}

// MerkleRoot computes the Bitcoin merkle root over hashes in internal byte
// order. A single hash is its own root; an empty list yields the zero hash.
func MerkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	switch len(hashes) {
	case 0:
		return chainhash.Hash{}
	case 1:
		return hashes[0]
	}

	p := getLevel(hashes)
	defer putLevel(p)

	level := *p
	for len(level) > 1 {
		level = nextLevel(level)
	}
	*p = level
	return level[0]
}

// MerkleBranch returns the sibling path of the element at index, bottom up.
func MerkleBranch(hashes []chainhash.Hash, index int) []chainhash.Hash {
	if len(hashes) <= 1 || index < 0 || index >= len(hashes) {
		return nil
	}

	p := getLevel(hashes)
	defer putLevel(p)

	var branch []chainhash.Hash
	level := *p
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling >= len(level) {
			sibling = index
		}
		branch = append(branch, level[sibling])
		level = nextLevel(level)
		index /= 2
	}
	*p = level
	return branch
}

// FoldBranch recomputes the root for the first leaf from its branch. This
// is how each extranonce gets a new root in O(log n).
func FoldBranch(leaf chainhash.Hash, branch []chainhash.Hash) chainhash.Hash {
	root := leaf
	for i := range branch {
		root = hashPair(&root, &branch[i])
	}
	return root
}
