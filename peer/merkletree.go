// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// merkleTreeWalker consumes the flag bits and hashes of a partial merkle
// tree depth first, recovering the root and the leaves the tree proves
// matched the filter.
type merkleTreeWalker struct {
	numTx      uint32
	hashes     []*chainhash.Hash
	flags      []byte
	bitsUsed   int
	hashesUsed int
	matched    []chainhash.Hash
}

// width returns the number of nodes at the given tree height.
func (w *merkleTreeWalker) width(height uint32) uint32 {
	return (w.numTx + (1 << height) - 1) >> height
}

// bit consumes the next flag bit.
func (w *merkleTreeWalker) bit() (bool, error) {
	if w.bitsUsed >= len(w.flags)*8 {
		return false, peerError(ErrProtocolViolation,
			"partial merkle tree overruns its flag bits")
	}
	set := w.flags[w.bitsUsed/8]>>(uint(w.bitsUsed)%8)&0x01 == 0x01
	w.bitsUsed++
	return set, nil
}

// hashMerkleBranches returns the double sha256 hash of the concatenation of
// the left and right branch hashes.
func hashMerkleBranches(left, right *chainhash.Hash) chainhash.Hash {
	var buf [2 * chainhash.HashSize]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// traverse walks the subtree rooted at the given height and position and
// returns its hash.
func (w *merkleTreeWalker) traverse(height, pos uint32) (chainhash.Hash, error) {
	parentOfMatch, err := w.bit()
	if err != nil {
		return chainhash.Hash{}, err
	}

	if height == 0 || !parentOfMatch {
		// Leaf node or a pruned subtree: the hash is carried verbatim.
		if w.hashesUsed >= len(w.hashes) {
			return chainhash.Hash{}, peerError(ErrProtocolViolation,
				"partial merkle tree overruns its hashes")
		}
		hash := *w.hashes[w.hashesUsed]
		w.hashesUsed++
		if height == 0 && parentOfMatch {
			w.matched = append(w.matched, hash)
		}
		return hash, nil
	}

	left, err := w.traverse(height-1, pos*2)
	if err != nil {
		return chainhash.Hash{}, err
	}
	right := left
	if pos*2+1 < w.width(height-1) {
		right, err = w.traverse(height-1, pos*2+1)
		if err != nil {
			return chainhash.Hash{}, err
		}
		// Identical left and right branches would allow mutating the
		// transaction set without changing the root.
		if right == left {
			return chainhash.Hash{}, peerError(ErrProtocolViolation,
				"partial merkle tree duplicates a branch")
		}
	}
	return hashMerkleBranches(&left, &right), nil
}

// extractMatches walks the partial merkle tree of the given merkle block and
// returns the computed root along with the transaction hashes the tree
// proves matched the filter, in tree order.
func extractMatches(msg *wire.MsgMerkleBlock) (chainhash.Hash, []chainhash.Hash, error) {
	if msg.Transactions == 0 {
		return chainhash.Hash{}, nil, peerError(ErrProtocolViolation,
			"merkle block claims zero transactions")
	}
	if uint32(len(msg.Hashes)) > msg.Transactions {
		str := fmt.Sprintf("merkle block carries %d hashes for %d "+
			"transactions", len(msg.Hashes), msg.Transactions)
		return chainhash.Hash{}, nil, peerError(ErrProtocolViolation, str)
	}

	walker := merkleTreeWalker{
		numTx:  msg.Transactions,
		hashes: msg.Hashes,
		flags:  msg.Flags,
	}
	var treeHeight uint32
	for walker.width(treeHeight) > 1 {
		treeHeight++
	}

	root, err := walker.traverse(treeHeight, 0)
	if err != nil {
		return chainhash.Hash{}, nil, err
	}

	if walker.hashesUsed != len(msg.Hashes) {
		str := fmt.Sprintf("partial merkle tree left %d hashes unused",
			len(msg.Hashes)-walker.hashesUsed)
		return chainhash.Hash{}, nil, peerError(ErrProtocolViolation, str)
	}
	if (walker.bitsUsed+7)/8 != len(msg.Flags) {
		return chainhash.Hash{}, nil, peerError(ErrProtocolViolation,
			"partial merkle tree left flag bytes unused")
	}

	return root, walker.matched, nil
}
