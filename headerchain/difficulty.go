// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package headerchain

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

// retargetInterval returns the number of blocks between difficulty retargets.
func (c *Chain) retargetInterval() uint32 {
	return uint32(c.params.TargetTimespan / c.params.TargetTimePerBlock)
}

// nextWorkRequired calculates the required difficulty bits for the block
// after the passed parent node based on the difficulty retarget rules.
//
// At a retarget boundary the new target is the parent target scaled by the
// ratio of the actual timespan of the previous interval over the desired
// timespan, with the ratio clamped to a factor of four in either direction
// and the result clipped to the proof of work limit.  Off the boundary the
// parent difficulty carries over, except on networks that allow minimum
// difficulty blocks where a block that took more than twice the target
// spacing may use the limit and later blocks return to the last real
// difficulty remembered in the node's min work field.
func (c *Chain) nextWorkRequired(parent *HeaderNode, header *wire.BlockHeader) (uint32, error) {
	interval := c.retargetInterval()
	height := parent.Height + 1
	if height%interval != 0 {
		if c.params.ReduceMinDifficulty {
			// Return the proof of work limit when more than twice the
			// desired block spacing has elapsed without mining a block.
			spacing := int64(c.params.TargetTimePerBlock / time.Second)
			if header.Timestamp.Unix() > parent.Header.Timestamp.Unix()+2*spacing {
				return c.params.PowLimitBits, nil
			}
			return parent.MinWork, nil
		}
		return parent.Header.Bits, nil
	}

	// Walk back to the first node of the interval that is ending.  A chain
	// shorter than a full interval retargets to the proof of work limit.
	first := parent
	for i := uint32(0); i < interval-1; i++ {
		prev, err := c.parent(first)
		if err != nil {
			return 0, err
		}
		if prev == nil {
			return c.params.PowLimitBits, nil
		}
		first = prev
	}

	actual := parent.Header.Timestamp.Unix() - first.Header.Timestamp.Unix()
	target := int64(c.params.TargetTimespan / time.Second)
	if actual < target/4 {
		actual = target / 4
	}
	if actual > target*4 {
		actual = target * 4
	}

	newTarget := blockchain.CompactToBig(parent.Header.Bits)
	newTarget.Mul(newTarget, big.NewInt(actual))
	newTarget.Div(newTarget, big.NewInt(target))
	if newTarget.Cmp(c.params.PowLimit) > 0 {
		newTarget.Set(c.params.PowLimit)
	}

	newBits := blockchain.BigToCompact(newTarget)
	log.Debugf("Difficulty retarget at block height %d", height)
	log.Debugf("Old target %08x, new target %08x (actual timespan %v, "+
		"target timespan %v)", parent.Header.Bits, newBits,
		time.Duration(actual)*time.Second, c.params.TargetTimespan)
	return newBits, nil
}
