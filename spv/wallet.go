// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/cpt-octofu/spvd/headerchain"
)

// WalletSink consumes the transactions and block actions the coordinator
// extracts from the network.  Implementations are called from the coordinator
// task and should hand work off quickly.
//
// The coordinator guarantees ImportMerkle calls are strictly ascending in
// main chain height with no gaps for best block actions, and that the
// ImportTxs call for a merkle block's transactions precedes the ImportMerkle
// call for the block.
type WalletSink interface {
	// ImportTxs delivers relevant transactions.
	ImportTxs(txs []*btcutil.Tx) error

	// ImportMerkle delivers a block action along with the ids of the
	// transactions the block's partial merkle tree matched.
	ImportMerkle(action headerchain.BlockAction, expected []chainhash.Hash) error
}
