// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package headerchain

import (
	"math/big"
	"reflect"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/davecgh/go-spew/spew"
)

// TestNodeSerialization verifies a node round-trips through the storage
// format, with and without the optional child hash.
func TestNodeSerialization(t *testing.T) {
	genesis := genesisHeaderNode(&chaincfg.SimNetParams.GenesisBlock.Header)
	header := genHeaders(genesis.Hash, genesis.Header.Timestamp,
		chaincfg.SimNetParams.PowLimitBits, 1, 1)[0]
	node := newHeaderNode(header, genesis, chaincfg.SimNetParams.PowLimitBits)

	for _, withChild := range []bool{false, true} {
		if withChild {
			child := testHash(7)
			node.ChildHash = &child
		}

		serialized, err := node.Serialize()
		if err != nil {
			t.Fatalf("Serialize: unexpected error %v", err)
		}
		decoded, err := DeserializeHeaderNode(serialized)
		if err != nil {
			t.Fatalf("DeserializeHeaderNode: unexpected error %v", err)
		}
		if !reflect.DeepEqual(node, decoded) {
			t.Fatalf("node did not round-trip:\ngot %s\nwant %s",
				spew.Sdump(decoded), spew.Sdump(node))
		}
	}
}

// TestMedianTime verifies the median timestamp window rolls forward and the
// median is taken over the sorted window.
func TestMedianTime(t *testing.T) {
	genesis := genesisHeaderNode(&chaincfg.SimNetParams.GenesisBlock.Header)
	if got := genesis.MedianTime(); got != genesis.Header.Timestamp.Unix() {
		t.Fatalf("genesis median time is %d, want %d", got,
			genesis.Header.Timestamp.Unix())
	}

	// Extend thirteen nodes so the window saturates at eleven entries.
	node := genesis
	headers := genHeaders(genesis.Hash, genesis.Header.Timestamp,
		chaincfg.SimNetParams.PowLimitBits, 13, 1)
	for _, header := range headers {
		node = newHeaderNode(header, node, chaincfg.SimNetParams.PowLimitBits)
	}
	if len(node.MedianTimes) != medianTimeBlocks {
		t.Fatalf("median window has %d entries, want %d",
			len(node.MedianTimes), medianTimeBlocks)
	}

	// Blocks are ten minutes apart, so the median of the eleven most
	// recent timestamps is the sixth newest.
	want := node.Header.Timestamp.Add(-50 * time.Minute).Unix()
	if got := node.MedianTime(); got != want {
		t.Fatalf("median time is %d, want %d", got, want)
	}

	// The work sum grows along the chain.
	if node.ChainWork.Cmp(big.NewInt(0)) <= 0 {
		t.Fatalf("chain work is not positive")
	}
}
