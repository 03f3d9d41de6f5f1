// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/cpt-octofu/spvd/headerchain"
)

// blockQueue is the ordered merkle block download queue.  Entries are keyed
// by height and drained in ascending height order, preserving insertion
// order within a height so competing fork blocks are requested in the order
// they were learned about.
type blockQueue struct {
	heights  []uint32
	byHeight map[uint32][]chainhash.Hash
}

func newBlockQueue() *blockQueue {
	return &blockQueue{byHeight: make(map[uint32][]chainhash.Hash)}
}

// add appends a block to the queue.
func (q *blockQueue) add(ref headerchain.BlockRef) {
	if _, ok := q.byHeight[ref.Height]; !ok {
		i := sort.Search(len(q.heights), func(i int) bool {
			return q.heights[i] >= ref.Height
		})
		q.heights = append(q.heights, 0)
		copy(q.heights[i+1:], q.heights[i:])
		q.heights[i] = ref.Height
	}
	q.byHeight[ref.Height] = append(q.byHeight[ref.Height], ref.Hash)
}

// contains reports whether the queue holds the given block.
func (q *blockQueue) contains(ref headerchain.BlockRef) bool {
	for _, hash := range q.byHeight[ref.Height] {
		if hash == ref.Hash {
			return true
		}
	}
	return false
}

// take removes and returns up to max blocks in ascending height order.
func (q *blockQueue) take(max int) []headerchain.BlockRef {
	var refs []headerchain.BlockRef
	for len(q.heights) > 0 && len(refs) < max {
		height := q.heights[0]
		hashes := q.byHeight[height]
		for len(hashes) > 0 && len(refs) < max {
			refs = append(refs, headerchain.BlockRef{Height: height, Hash: hashes[0]})
			hashes = hashes[1:]
		}
		if len(hashes) == 0 {
			delete(q.byHeight, height)
			q.heights = q.heights[1:]
		} else {
			q.byHeight[height] = hashes
		}
	}
	return refs
}

// len returns the number of queued blocks.
func (q *blockQueue) len() int {
	var n int
	for _, hashes := range q.byHeight {
		n += len(hashes)
	}
	return n
}

// reset empties the queue.
func (q *blockQueue) reset() {
	q.heights = q.heights[:0]
	q.byHeight = make(map[uint32][]chainhash.Hash)
}

// inflightBlock is a merkle block requested from a peer and not yet received.
type inflightBlock struct {
	ref      headerchain.BlockRef
	issuedAt time.Time
}

// inflightTx is a transaction requested from a peer and not yet received.
type inflightTx struct {
	hash     chainhash.Hash
	issuedAt time.Time
}
