// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"bytes"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/cpt-octofu/spvd/headerchain"
)

// downloadBlocks requests the next batch of merkle blocks from the given
// peer.  A peer is only eligible when it is not busy syncing headers, a bloom
// filter is loaded, its handshake completed, it has no batch inflight and no
// rescan is pending.
func (c *Coordinator) downloadBlocks(id PeerID) {
	info := c.registry.Get(id)
	if info == nil || !info.Handshake {
		return
	}
	if c.syncPeer == id {
		return
	}
	if c.bloom == nil {
		return
	}
	if len(c.inflightMerkles[id]) > 0 {
		return
	}
	if c.pendingRescan != nil {
		return
	}

	batch := c.blocksToDownload.take(maxMerkleBatch)

	// Only the prefix the peer can serve is kept; the rest returns to the
	// queue for a better connected peer.
	cut := len(batch)
	for i, ref := range batch {
		if ref.Height > uint32(info.StartHeight) {
			cut = i
			break
		}
	}
	for _, ref := range batch[cut:] {
		c.blocksToDownload.add(ref)
	}
	batch = batch[:cut]
	if len(batch) == 0 {
		return
	}

	issued := c.now()
	getData := wire.NewMsgGetData()
	inflights := make([]inflightBlock, 0, len(batch))
	for _, ref := range batch {
		hash := ref.Hash
		inflights = append(inflights, inflightBlock{ref: ref, issuedAt: issued})
		if err := getData.AddInvVect(wire.NewInvVect(wire.InvTypeFilteredBlock, &hash)); err != nil {
			break
		}
	}
	c.inflightMerkles[id] = inflights

	c.send(id, getData)
	// The pong answering this ping trails the final merkle block of the
	// batch and signals its completion.
	c.send(id, wire.NewMsgPing(0))

	log.Debugf("Requested %d merkle blocks from peer %d (heights %d-%d)",
		len(batch), id, batch[0].Height, batch[len(batch)-1].Height)
}

// downloadTxs requests the given transactions from the peer, replacing any
// inflight entries for the same hashes.
func (c *Coordinator) downloadTxs(id PeerID, hashes []chainhash.Hash) {
	if len(hashes) == 0 {
		return
	}

	requested := make(map[chainhash.Hash]struct{}, len(hashes))
	for _, hash := range hashes {
		requested[hash] = struct{}{}
	}
	kept := c.inflightTxs[id][:0]
	for _, inflight := range c.inflightTxs[id] {
		if _, ok := requested[inflight.hash]; !ok {
			kept = append(kept, inflight)
		}
	}

	issued := c.now()
	getData := wire.NewMsgGetData()
	for _, hash := range hashes {
		hash := hash
		kept = append(kept, inflightTx{hash: hash, issuedAt: issued})
		if err := getData.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &hash)); err != nil {
			break
		}
	}
	c.inflightTxs[id] = kept
	c.send(id, getData)
}

// handleMerkleAssembled validates a received merkle block and feeds the
// in-order import engine.  Blocks whose header is unknown to the chain are
// dropped silently; a block whose merkle root does not match the committed header is
// skipped and never re-queued, since the peer lied about its content.
func (c *Coordinator) handleMerkleAssembled(id PeerID, dmb *DecodedMerkleBlock) {
	blockHash := dmb.Merkle.Header.BlockHash()
	node, err := c.chain.GetNode(&blockHash)
	if err != nil {
		log.Errorf("Unable to look up merkle block %v: %v", blockHash, err)
		return
	}
	if node == nil {
		log.Debugf("Dropping unsolicited merkle block %v from peer %d",
			blockHash, id)
		return
	}

	inflights := c.inflightMerkles[id]
	kept := inflights[:0]
	for _, inflight := range inflights {
		if inflight.ref.Hash != blockHash {
			kept = append(kept, inflight)
		}
	}
	if len(kept) == 0 {
		delete(c.inflightMerkles, id)
	} else {
		c.inflightMerkles[id] = kept
	}

	if c.pendingRescan == nil {
		if dmb.Root != node.Header.MerkleRoot {
			log.Warnf("Peer %d sent merkle block %v with root %v instead "+
				"of %v", id, blockHash, dmb.Root, node.Header.MerkleRoot)
		} else {
			c.receivedMerkle[node.Height] = append(c.receivedMerkle[node.Height], dmb)
			c.importReceivedMerkles()
			c.downloadBlocks(id)
		}
	}

	if c.pendingRescan != nil && len(c.inflightMerkles[id]) == 0 {
		ts := *c.pendingRescan
		if !c.anyInflightMerkles() {
			c.runRescan(ts)
		}
	}
}

// anyInflightMerkles reports whether any peer has an inflight merkle block.
func (c *Coordinator) anyInflightMerkles() bool {
	for _, inflights := range c.inflightMerkles {
		if len(inflights) > 0 {
			return true
		}
	}
	return false
}

// anyInflightTxs reports whether any peer has an inflight transaction.
func (c *Coordinator) anyInflightTxs() bool {
	for _, inflights := range c.inflightTxs {
		if len(inflights) > 0 {
			return true
		}
	}
	return false
}

// importReceivedMerkles drains the buffer of received merkle blocks into the
// wallet in ascending height order.  Nothing is imported while a transaction
// is inflight on any peer, since a transaction announced by inv may belong to
// a buffered merkle block and must not be delivered out of order, nor while a
// rescan is pending.
func (c *Coordinator) importReceivedMerkles() {
	if c.anyInflightTxs() || c.pendingRescan != nil {
		return
	}

	for {
		imported := false
		heights := make([]uint32, 0, len(c.receivedMerkle))
		for height := range c.receivedMerkle {
			heights = append(heights, height)
		}
		sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

		for _, height := range heights {
			remaining := c.receivedMerkle[height][:0]
			for _, dmb := range c.receivedMerkle[height] {
				ok, err := c.importOne(dmb)
				if err != nil {
					log.Errorf("Unable to import merkle block at height "+
						"%d: %v", height, err)
				}
				if ok {
					imported = true
				} else {
					remaining = append(remaining, dmb)
				}
			}
			if len(remaining) == 0 {
				delete(c.receivedMerkle, height)
			} else {
				c.receivedMerkle[height] = remaining
			}
		}
		if !imported {
			break
		}
	}

	if c.merkleSynced() && len(c.soloTxs) > 0 {
		flush := make([]*btcutil.Tx, 0, len(c.soloTxs))
		for _, tx := range c.soloTxs {
			flush = append(flush, tx)
		}
		c.soloTxs = make(map[chainhash.Hash]*btcutil.Tx)
		if err := c.wallet.ImportTxs(flush); err != nil {
			log.Errorf("Wallet rejected transactions: %v", err)
		}
	}
}

// importOne attempts to deliver a single buffered merkle block to the
// wallet.  It reports false when the block's parent has not been imported
// yet.
func (c *Coordinator) importOne(dmb *DecodedMerkleBlock) (bool, error) {
	blockHash := dmb.Merkle.Header.BlockHash()
	action, err := c.chain.ConnectBlock(&blockHash)
	if err != nil || action == nil {
		return false, err
	}

	// Join any solo transactions the merkle tree proves belong to this
	// block so they are delivered with it rather than ahead of it.
	batch := make([]*btcutil.Tx, 0, len(dmb.Txs))
	seen := make(map[chainhash.Hash]struct{}, len(dmb.Txs))
	for _, tx := range dmb.Txs {
		if _, ok := seen[*tx.Hash()]; ok {
			continue
		}
		seen[*tx.Hash()] = struct{}{}
		batch = append(batch, tx)
	}
	for _, txHash := range dmb.Expected {
		solo, ok := c.soloTxs[txHash]
		if !ok {
			continue
		}
		delete(c.soloTxs, txHash)
		if _, ok := seen[txHash]; ok {
			continue
		}
		seen[txHash] = struct{}{}
		batch = append(batch, solo)
	}

	if len(batch) > 0 {
		if err := c.wallet.ImportTxs(batch); err != nil {
			return false, err
		}
	}
	if err := c.wallet.ImportMerkle(action, dmb.Expected); err != nil {
		return false, err
	}

	switch a := action.(type) {
	case *headerchain.BestBlock:
		log.Debugf("Imported %s with %d transactions", a, len(dmb.Expected))
	case *headerchain.ChainReorg:
		log.Infof("Imported reorganizing block: %s", a)
	case *headerchain.SideBlock:
		log.Infof("Imported %s", a)
	case *headerchain.OldBlock:
		log.Debugf("Imported %s", a)
	}
	return true, nil
}

// filtersEqual reports whether two bloom filters would load identically.
func filtersEqual(a, b *bloom.Filter) bool {
	if a == nil || b == nil {
		return a == b
	}
	am, bm := a.MsgFilterLoad(), b.MsgFilterLoad()
	return am.HashFuncs == bm.HashFuncs && am.Tweak == bm.Tweak &&
		am.Flags == bm.Flags && bytes.Equal(am.Filter, bm.Filter)
}

// filterEmpty reports whether the filter would match nothing.
func filterEmpty(filter *bloom.Filter) bool {
	msg := filter.MsgFilterLoad()
	for _, b := range msg.Filter {
		if b != 0 {
			return false
		}
	}
	return true
}

// handleUpdateBloom loads a new bloom filter on every peer and unblocks
// merkle block downloads.  An empty filter is ignored since it would match
// nothing.
func (c *Coordinator) handleUpdateBloom(filter *bloom.Filter) {
	if filter == nil || filterEmpty(filter) {
		log.Warnf("Ignoring empty bloom filter update")
		return
	}
	if filtersEqual(c.bloom, filter) {
		return
	}
	c.bloom = filter

	msg := filter.MsgFilterLoad()
	for _, id := range c.registry.Keys() {
		c.send(id, msg)
	}
	for _, id := range c.registry.Keys() {
		c.downloadBlocks(id)
	}
	log.Infof("Bloom filter updated (%d bytes)", len(msg.Filter))
}

// handleRescan restarts merkle block downloads from the given time.  While
// merkle blocks are inflight the rescan is deferred until they drain.
func (c *Coordinator) handleRescan(ts time.Time) {
	if c.anyInflightMerkles() {
		c.pendingRescan = &ts
		log.Infof("Rescan from %v deferred until inflight blocks drain", ts)
		return
	}
	c.runRescan(ts)
}

// runRescan executes a rescan: the download queue is rebuilt from the chain
// starting at the given time and every peer is put back to work.
func (c *Coordinator) runRescan(ts time.Time) {
	c.blocksToDownload.reset()
	c.receivedMerkle = make(map[uint32][]*DecodedMerkleBlock)
	c.fastCatchup = ts
	c.pendingRescan = nil

	refs, err := c.chain.Rescan(ts)
	if err != nil {
		log.Errorf("Unable to rescan from %v: %v", ts, err)
		return
	}
	for _, ref := range refs {
		c.blocksToDownload.add(ref)
	}

	for _, id := range c.registry.Keys() {
		c.downloadBlocks(id)
	}
	log.Infof("Rescanning %d blocks from %v", len(refs), ts)
}

// handlePublishTx relays a client transaction to every handshake-complete
// peer, or buffers it until one connects.
func (c *Coordinator) handlePublishTx(tx *btcutil.Tx) {
	var sent bool
	for _, id := range c.registry.Keys() {
		if info := c.registry.Get(id); info == nil || !info.Handshake {
			continue
		}
		c.send(id, tx.MsgTx())
		sent = true
	}
	if !sent {
		c.pendingBroadcast = append(c.pendingBroadcast, tx)
		log.Infof("No peers available, holding transaction %v for "+
			"broadcast", tx.Hash())
		return
	}
	log.Infof("Broadcast transaction %v", tx.Hash())
}

// handleHeartbeat sweeps inflight requests for stalls.  Stalled merkle
// blocks return to the download queue and are reassigned with the stalled
// peers considered last; stalled transactions are re-requested from the same
// peer.
func (c *Coordinator) handleHeartbeat() {
	now := c.now()
	stalledPeers := make(map[PeerID]bool)

	for id, inflights := range c.inflightMerkles {
		kept := inflights[:0]
		var stalled []inflightBlock
		for _, inflight := range inflights {
			if now.Sub(inflight.issuedAt) > stallTimeout {
				stalled = append(stalled, inflight)
			} else {
				kept = append(kept, inflight)
			}
		}
		if len(stalled) == 0 {
			continue
		}
		log.Warnf("Peer %d stalled on %d merkle blocks, reassigning", id,
			len(stalled))
		stalledPeers[id] = true
		if len(kept) == 0 {
			delete(c.inflightMerkles, id)
		} else {
			c.inflightMerkles[id] = kept
		}
		for _, inflight := range stalled {
			c.blocksToDownload.add(inflight.ref)
		}
	}

	for id, inflights := range c.inflightTxs {
		var stalled []chainhash.Hash
		for _, inflight := range inflights {
			if now.Sub(inflight.issuedAt) > stallTimeout {
				stalled = append(stalled, inflight.hash)
			}
		}
		if len(stalled) > 0 {
			log.Debugf("Re-requesting %d stalled transactions from peer %d",
				len(stalled), id)
			c.downloadTxs(id, stalled)
		}
	}

	// Reassign with the stalled peers pushed to the tail.
	ids := c.registry.Keys()
	sort.Slice(ids, func(i, j int) bool {
		si, sj := stalledPeers[ids[i]], stalledPeers[ids[j]]
		if si != sj {
			return !si
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		c.downloadBlocks(id)
	}
}
