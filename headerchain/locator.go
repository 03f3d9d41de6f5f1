// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package headerchain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// maxSideLocatorNodes is the maximum number of side chain hashes prepended to
// a side chain locator.
const maxSideLocatorNodes = 10

// BlockLocator is a sparse list of block hashes, densest at the tip it was
// generated from and growing exponentially sparse towards the genesis block,
// which is always the final entry.  Peers use it to discover the most recent
// common ancestor between chains.
type BlockLocator []chainhash.Hash

// locatorHeights returns the heights sampled by a locator anchored at the
// given height: the ten most recent heights followed by exponentially spaced
// older ones, clipped to positive values.  Height zero is covered by the
// genesis hash every locator ends with.
func locatorHeights(height uint32) []uint32 {
	heights := make([]uint32, 0, 32)
	h := int64(height)
	for i := int64(0); i < 10 && h-i > 0; i++ {
		heights = append(heights, uint32(h-i))
	}
	for step := int64(1); h-10-step > 0; step *= 2 {
		heights = append(heights, uint32(h-10-step))
	}
	return heights
}

// locatorFrom builds a locator anchored at the given main chain node.
func (c *Chain) locatorFrom(node *HeaderNode) (BlockLocator, error) {
	heights := locatorHeights(node.Height)
	locator := make(BlockLocator, 0, len(heights)+1)
	for _, height := range heights {
		indexed, err := c.store.GetByHeight(height)
		if err != nil {
			return nil, err
		}
		if indexed == nil {
			continue
		}
		locator = append(locator, indexed.Hash)
	}
	genesis, err := c.store.GetByHeight(0)
	if err != nil {
		return nil, err
	}
	return append(locator, genesis.Hash), nil
}

// BlockLocator returns a locator anchored at the best tip.
func (c *Chain) BlockLocator() (BlockLocator, error) {
	return c.locatorFrom(c.best)
}

// BlockLocatorAt returns a locator anchored at the main chain node with the
// given height.
func (c *Chain) BlockLocatorAt(height uint32) (BlockLocator, error) {
	node, err := c.store.GetByHeight(height)
	if err != nil {
		return nil, err
	}
	if node == nil {
		node = c.best
	}
	return c.locatorFrom(node)
}

// BlockLocatorSide returns a locator for continuing a side chain: the most
// recent side nodes, newest first, followed by the regular locator for the
// main chain split they fork from.  The split node itself is carried by the
// mainline part.
func (c *Chain) BlockLocatorSide(action *SideChain) (BlockLocator, error) {
	split, side := action.Nodes[0], action.Nodes[1:]

	locator := make(BlockLocator, 0, len(side)+32)
	for i := len(side) - 1; i >= 0 && len(locator) < maxSideLocatorNodes; i-- {
		locator = append(locator, side[i].Hash)
	}

	mainline, err := c.locatorFrom(split)
	if err != nil {
		return nil, err
	}
	return append(locator, mainline...), nil
}
