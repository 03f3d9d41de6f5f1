// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package headerchain

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

const (
	// maxTimeOffset is the maximum number of seconds a block header
	// timestamp is allowed to be ahead of the network adjusted time.
	maxTimeOffset = 2 * time.Hour

	// minAllowedVersion is the lowest block version accepted once the
	// network's version 1 cutoff height has been reached.
	minAllowedVersion = 2
)

// checkProofOfWork ensures the header hash is less than the target difficulty
// claimed by its bits field and that the claimed target is in range.
func (c *Chain) checkProofOfWork(header *wire.BlockHeader) error {
	target := blockchain.CompactToBig(header.Bits)
	if target.Sign() <= 0 {
		str := fmt.Sprintf("target difficulty %064x is not positive", target)
		return ruleError(ErrBadProofOfWork, str)
	}
	if target.Cmp(c.params.PowLimit) > 0 {
		str := fmt.Sprintf("target difficulty %064x is higher than the "+
			"proof of work limit %064x", target, c.params.PowLimit)
		return ruleError(ErrBadProofOfWork, str)
	}

	hash := header.BlockHash()
	if blockchain.HashToBig(&hash).Cmp(target) >= 0 {
		str := fmt.Sprintf("block hash %v is higher than the target "+
			"difficulty %064x", hash, target)
		return ruleError(ErrBadProofOfWork, str)
	}
	return nil
}

// latestCommittedCheckpoint returns the most recent checkpoint at or below
// the current best tip, or nil when there is none.
func (c *Chain) latestCommittedCheckpoint() *chaincfg.Checkpoint {
	checkpoints := c.params.Checkpoints
	for i := len(checkpoints) - 1; i >= 0; i-- {
		if uint32(checkpoints[i].Height) <= c.best.Height {
			return &checkpoints[i]
		}
	}
	return nil
}

// verifyHeader performs all contextual validation of a header against its
// parent and, when successful, returns the new node for it.  The checks run
// in a fixed order and the first failure determines the returned error kind.
func (c *Chain) verifyHeader(header *wire.BlockHeader, parent *HeaderNode, adjTime time.Time) (*HeaderNode, error) {
	// The proof of work has to be valid before anything else is considered
	// so a peer cannot make the node do work on headers that cost the peer
	// nothing to produce.
	if err := c.checkProofOfWork(header); err != nil {
		return nil, err
	}

	if header.Timestamp.After(adjTime.Add(maxTimeOffset)) {
		str := fmt.Sprintf("block timestamp of %v is too far in the future",
			header.Timestamp)
		return nil, ruleError(ErrBadTimestamp, str)
	}

	if parent == nil {
		str := fmt.Sprintf("previous block %v is unknown", header.PrevBlock)
		return nil, ruleError(ErrParentUnknown, str)
	}

	wantBits, err := c.nextWorkRequired(parent, header)
	if err != nil {
		return nil, err
	}
	if header.Bits != wantBits {
		str := fmt.Sprintf("block difficulty of %08x is not the expected "+
			"value of %08x", header.Bits, wantBits)
		return nil, ruleError(ErrBadWork, str)
	}

	if median := parent.MedianTime(); header.Timestamp.Unix() <= median {
		str := fmt.Sprintf("block timestamp of %v is not after expected %v",
			header.Timestamp, time.Unix(median, 0))
		return nil, ruleError(ErrTimestampTooEarly, str)
	}

	height := parent.Height + 1
	if checkpoint := c.latestCommittedCheckpoint(); checkpoint != nil &&
		height <= uint32(checkpoint.Height) {

		str := fmt.Sprintf("block at height %d forks the chain before the "+
			"previous checkpoint at height %d", height, checkpoint.Height)
		return nil, ruleError(ErrRewritesCheckpoint, str)
	}
	for i := range c.params.Checkpoints {
		checkpoint := &c.params.Checkpoints[i]
		if uint32(checkpoint.Height) != height {
			continue
		}
		hash := header.BlockHash()
		if hash != *checkpoint.Hash {
			str := fmt.Sprintf("block at height %d does not match "+
				"checkpoint hash %v", height, checkpoint.Hash)
			return nil, ruleError(ErrFailsCheckpoint, str)
		}
	}

	if c.params.BIP0034Height > 0 && header.Version < minAllowedVersion &&
		height >= uint32(c.params.BIP0034Height) {

		str := fmt.Sprintf("block version %d is no longer accepted at "+
			"height %d", header.Version, height)
		return nil, ruleError(ErrDisallowedVersion, str)
	}

	return newHeaderNode(header, parent, c.params.PowLimitBits), nil
}
