package header

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Merkle proof errors.
var (
	ErrBranchTooLong = errors.New("merkle branch longer than 32 levels")
	ErrBadIndex      = errors.New("merkle index out of range for branch")
)

const maxBranchLength = 32

// hashPair returns the double-SHA256 of left||right.
func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [2 * chainhash.HashSize]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// MerkleRoot computes the merkle root of transaction ids.
//
// Algorithm:
//   - 0 hashes: returns zero hash
//   - 1 hash: returns that hash
//   - Otherwise: pairwise hash, duplicating the last element if odd count,
//     then recurse on the resulting layer until one hash remains.
func MerkleRoot(txids []chainhash.Hash) chainhash.Hash {
	if len(txids) == 0 {
		return chainhash.Hash{}
	}

	level := make([]chainhash.Hash, len(txids))
	copy(level, txids)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hashPair(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}

// MerkleBranch returns the sibling hashes proving txids[index].
func MerkleBranch(txids []chainhash.Hash, index int) ([]chainhash.Hash, error) {
	if index < 0 || index >= len(txids) {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadIndex, index, len(txids))
	}
	level := make([]chainhash.Hash, len(txids))
	copy(level, txids)

	var branch []chainhash.Hash
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		branch = append(branch, level[index^1])
		next := make([]chainhash.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hashPair(level[i], level[i+1])
		}
		level = next
		index >>= 1
	}
	return branch, nil
}

// BranchRoot folds a merkle branch for the leaf at position index and
// returns the implied root.
func BranchRoot(leaf chainhash.Hash, branch []chainhash.Hash, index uint32) (chainhash.Hash, error) {
	if len(branch) > maxBranchLength {
		return chainhash.Hash{}, ErrBranchTooLong
	}
	if len(branch) < maxBranchLength && index>>uint(len(branch)) != 0 {
		return chainhash.Hash{}, fmt.Errorf("%w: index %d with %d levels", ErrBadIndex, index, len(branch))
	}
	h := leaf
	for _, sibling := range branch {
		if index&1 == 1 {
			h = hashPair(sibling, h)
		} else {
			h = hashPair(h, sibling)
		}
		index >>= 1
	}
	return h, nil
}
