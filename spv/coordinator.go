// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/lru"

	"github.com/cpt-octofu/spvd/headerchain"
)

const (
	// maxMerkleBatch is the maximum number of merkle blocks requested from
	// a peer in a single getdata message.
	maxMerkleBatch = 500

	// stallTimeout is how long an inflight request may go unanswered
	// before the heartbeat sweep reassigns it.
	stallTimeout = 120 * time.Second

	// heartbeatInterval is how often the internal heartbeat fires.
	heartbeatInterval = 120 * time.Second

	// defaultChannelBuffer is the capacity of the event and request
	// channels.  The event channel is shared by all peers, so when it is
	// full every peer's reader blocks until the coordinator drains it.
	defaultChannelBuffer = 256

	// chasedBlockCacheSize bounds the cache of block hashes already
	// chased with a getheaders request.
	chasedBlockCacheSize = 1000
)

// Config houses the collaborators and tunables of a Coordinator.
type Config struct {
	// Chain is the header chain authority.  It must be initialized.
	Chain *headerchain.Chain

	// Wallet receives ordered transaction and merkle block imports.
	Wallet WalletSink

	// Params identifies the network being synced.
	Params *chaincfg.Params

	// FastCatchup is the floor timestamp; blocks older than this are not
	// downloaded as merkle blocks.
	FastCatchup time.Time
}

// Coordinator drives the SPV state machine.  It reacts to peer events and
// client requests, schedules header and merkle block downloads across peers,
// enforces in-order merkle block delivery to the wallet and recovers from
// stalled peers.
//
// All state is owned by the single coordinator task; handlers are never
// invoked concurrently.
type Coordinator struct {
	chain  *headerchain.Chain
	wallet WalletSink
	params *chaincfg.Params

	registry *PeerRegistry
	senders  map[PeerID]OutboundPeer

	// syncPeer is the peer headers are currently requested from, or zero
	// when headers are in sync or no peer has been chosen.
	syncPeer PeerID

	// bloom is the wallet-supplied filter.  Merkle block downloads are
	// gated on its presence.
	bloom *bloom.Filter

	blocksToDownload    *blockQueue
	receivedMerkle      map[uint32][]*DecodedMerkleBlock
	soloTxs             map[chainhash.Hash]*btcutil.Tx
	pendingBroadcast    []*btcutil.Tx
	pendingRescan       *time.Time
	fastCatchup         time.Time
	peerBroadcastBlocks map[PeerID][]chainhash.Hash
	inflightMerkles     map[PeerID][]inflightBlock
	inflightTxs         map[PeerID][]inflightTx

	// chasedBlocks remembers block hashes already chased with a
	// getheaders request so repeated inv announcements are not re-chased.
	chasedBlocks lru.Cache

	events   chan PeerEvent
	requests chan ClientRequest

	// now is the time source, replaceable by tests.
	now func() time.Time

	wg   sync.WaitGroup
	quit chan struct{}
}

// New returns a coordinator for the given configuration.  Start launches its
// task.
func New(cfg *Config) *Coordinator {
	return &Coordinator{
		chain:               cfg.Chain,
		wallet:              cfg.Wallet,
		params:              cfg.Params,
		registry:            NewPeerRegistry(),
		senders:             make(map[PeerID]OutboundPeer),
		blocksToDownload:    newBlockQueue(),
		receivedMerkle:      make(map[uint32][]*DecodedMerkleBlock),
		soloTxs:             make(map[chainhash.Hash]*btcutil.Tx),
		fastCatchup:         cfg.FastCatchup,
		peerBroadcastBlocks: make(map[PeerID][]chainhash.Hash),
		inflightMerkles:     make(map[PeerID][]inflightBlock),
		inflightTxs:         make(map[PeerID][]inflightTx),
		chasedBlocks:        lru.NewCache(chasedBlockCacheSize),
		events:              make(chan PeerEvent, defaultChannelBuffer),
		requests:            make(chan ClientRequest, defaultChannelBuffer),
		now:                 time.Now,
		quit:                make(chan struct{}),
	}
}

// Events returns the channel peer tasks deliver their events on.
func (c *Coordinator) Events() chan<- PeerEvent {
	return c.events
}

// Submit delivers a client request to the coordinator.  It blocks while the
// request channel is full and returns false once the coordinator stopped.
func (c *Coordinator) Submit(req ClientRequest) bool {
	select {
	case c.requests <- req:
		return true
	case <-c.quit:
		return false
	}
}

// Start launches the coordinator task.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.run()
	log.Infof("SPV coordinator started for network %s", c.params.Name)
}

// Stop shuts the coordinator task down and waits for it to exit.
func (c *Coordinator) Stop() {
	close(c.quit)
	c.wg.Wait()
	log.Info("SPV coordinator stopped")
}

// run is the coordinator task.  It owns all coordinator state.
func (c *Coordinator) run() {
	defer c.wg.Done()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case event := <-c.events:
			c.handlePeerEvent(event)
		case req := <-c.requests:
			c.handleRequest(req)
		case <-heartbeat.C:
			c.handleHeartbeat()
		case <-c.quit:
			return
		}
	}
}

// handlePeerEvent dispatches a peer event to its handler.
func (c *Coordinator) handlePeerEvent(event PeerEvent) {
	switch e := event.(type) {
	case EventConnected:
		c.handleConnected(e)
	case EventHandshake:
		c.handleHandshake(e)
	case EventDisconnect:
		c.handleDisconnect(e.Peer)
	case EventMerkleAssembled:
		c.handleMerkleAssembled(e.Peer, e.Block)
	case EventInbound:
		c.handleInbound(e.Peer, e.Msg)
	}
}

// handleRequest dispatches a client request to its handler.
func (c *Coordinator) handleRequest(req ClientRequest) {
	switch r := req.(type) {
	case UpdateBloom:
		c.handleUpdateBloom(r.Filter)
	case PublishTx:
		c.handlePublishTx(r.Tx)
	case Rescan:
		c.handleRescan(r.Timestamp)
	case Heartbeat:
		c.handleHeartbeat()
	}
}

// handleInbound dispatches a decoded wire message from a peer.
func (c *Coordinator) handleInbound(id PeerID, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.MsgHeaders:
		c.handleHeaders(id, m.Headers)
	case *wire.MsgInv:
		c.handleInv(id, m.InvList)
	case *wire.MsgTx:
		c.handleTx(id, btcutil.NewTx(m))
	case *wire.MsgReject:
		log.Warnf("Peer %d rejected %s: %s (%v)", id, m.Cmd, m.Reason, m.Code)
	case *wire.MsgPong:
		log.Tracef("Peer %d pong nonce %d", id, m.Nonce)
	default:
		log.Tracef("Ignoring %s message from peer %d", msg.Command(), id)
	}
}

// send queues a message to the given peer.
func (c *Coordinator) send(id PeerID, msg wire.Message) {
	if out := c.senders[id]; out != nil {
		out.QueueMessage(msg)
	}
}

// sendGetHeaders sends a getheaders message built from the given locator.
func (c *Coordinator) sendGetHeaders(id PeerID, locator headerchain.BlockLocator, stop *chainhash.Hash) {
	msg := wire.NewMsgGetHeaders()
	msg.ProtocolVersion = wire.ProtocolVersion
	if stop != nil {
		msg.HashStop = *stop
	}
	for i := range locator {
		hash := locator[i]
		if err := msg.AddBlockLocatorHash(&hash); err != nil {
			break
		}
	}
	c.send(id, msg)
}

// fullLocator returns a locator anchored at the best tip.
func (c *Coordinator) fullLocator() headerchain.BlockLocator {
	locator, err := c.chain.BlockLocator()
	if err != nil {
		log.Errorf("Unable to build block locator: %v", err)
		return nil
	}
	return locator
}

// headersSynced reports whether the header chain has caught up to the best
// height advertised by any peer.
func (c *Coordinator) headersSynced() bool {
	return int32(c.chain.BestTip().Height) >= c.registry.BestHeight()
}

// merkleSynced reports whether merkle block downloads have caught up to the
// best height advertised by any peer.
func (c *Coordinator) merkleSynced() bool {
	return c.headersSynced()
}

// handleConnected registers a new connection and its send queue.
func (c *Coordinator) handleConnected(e EventConnected) {
	c.registry.Insert(&PeerInfo{ID: e.Peer, Addr: e.Addr})
	c.senders[e.Peer] = e.Out
	log.Debugf("Peer %d connected to %s", e.Peer, e.Addr)
}

// handleHandshake reacts to a completed version handshake: the peer gets the
// current bloom filter and any pending broadcasts, and is solicited for
// headers and merkle blocks.
func (c *Coordinator) handleHandshake(e EventHandshake) {
	c.registry.SetHandshake(e.Peer, e.ProtocolVersion)
	c.registry.UpdateHeight(e.Peer, e.StartHeight)

	if c.bloom != nil {
		c.send(e.Peer, c.bloom.MsgFilterLoad())
	}

	for _, tx := range c.pendingBroadcast {
		c.send(e.Peer, tx.MsgTx())
	}
	c.pendingBroadcast = nil

	// Ask for headers regardless of the current sync peer so a faster peer
	// can take over the header sync.
	c.sendGetHeaders(e.Peer, c.fullLocator(), nil)

	c.downloadBlocks(e.Peer)

	tip := c.chain.BestTip()
	log.Infof("Peer %d handshake complete, protocol %d, height %d (local "+
		"height %d, synced %v)", e.Peer, e.ProtocolVersion, e.StartHeight,
		tip.Height, c.headersSynced())
}

// handleDisconnect reassigns a disconnected peer's inflight work and, when it
// was the sync peer, re-solicits headers from everyone.
func (c *Coordinator) handleDisconnect(id PeerID) {
	for _, inflight := range c.inflightMerkles[id] {
		c.blocksToDownload.add(inflight.ref)
	}

	delete(c.inflightMerkles, id)
	delete(c.inflightTxs, id)
	delete(c.peerBroadcastBlocks, id)
	delete(c.senders, id)
	c.registry.Remove(id)

	for _, remaining := range c.registry.Keys() {
		c.downloadBlocks(remaining)
	}

	if c.syncPeer == id {
		c.syncPeer = 0
		locator := c.fullLocator()
		for _, remaining := range c.registry.Keys() {
			c.sendGetHeaders(remaining, locator, nil)
		}
	}
	log.Infof("Peer %d disconnected", id)
}

// handleHeaders connects a batch of announced headers and schedules the
// download of any freshly accepted blocks.
func (c *Coordinator) handleHeaders(id PeerID, headers []*wire.BlockHeader) {
	workBefore := new(big.Int).Set(c.chain.BestTip().ChainWork)
	adjTime := c.now()

	var accepted []*headerchain.HeaderNode
	for _, header := range headers {
		node, action, err := c.chain.ConnectHeader(header, adjTime, true)
		if err != nil {
			log.Warnf("Peer %d sent invalid header %v: %v", id,
				header.BlockHash(), err)
			continue
		}
		if _, known := action.(*headerchain.KnownChain); known {
			log.Tracef("Peer %d sent known header %v", id, node.Hash)
			continue
		}
		accepted = append(accepted, node)

		if reorg, ok := action.(*headerchain.ChainReorg); ok {
			log.Infof("Chain %s", reorg)
			// Blocks of the new branch sit below the download cursor,
			// so they are queued directly.
			for _, branch := range reorg.New {
				c.trackDownload(headerchain.BlockRef{
					Height: branch.Height, Hash: branch.Hash,
				}, branch.Header.Timestamp)
			}
		}
	}

	// Queue every newly committed main chain block that still needs to be
	// downloaded.
	refs, err := c.chain.BlocksToDownload(c.fastCatchup)
	if err != nil {
		log.Errorf("Unable to enumerate blocks to download: %v", err)
	}
	for _, ref := range refs {
		c.trackDownload(ref, time.Time{})
	}

	// An accepted header may resolve a block another peer announced before
	// it could be linked; credit that peer with the height.
	for _, node := range accepted {
		for peerID, hashes := range c.peerBroadcastBlocks {
			for i, hash := range hashes {
				if hash != node.Hash {
					continue
				}
				c.registry.UpdateHeight(peerID, int32(node.Height))
				c.peerBroadcastBlocks[peerID] = append(hashes[:i], hashes[i+1:]...)
				break
			}
		}
	}

	tip := c.chain.BestTip()
	if tip.ChainWork.Cmp(workBefore) > 0 {
		c.registry.UpdateHeight(id, int32(tip.Height))
		if c.headersSynced() {
			c.syncPeer = 0
			log.Infof("Headers synced at height %d", tip.Height)
		} else {
			c.syncPeer = id
			// Continue header sync with a compact locator.
			c.sendGetHeaders(id, headerchain.BlockLocator{tip.Hash}, nil)
		}
	}

	for _, peerID := range c.registry.Keys() {
		c.downloadBlocks(peerID)
	}
}

// trackDownload queues a block for download unless it is already queued,
// inflight or buffered.  A non-zero timestamp below the fast catchup floor is
// skipped.
func (c *Coordinator) trackDownload(ref headerchain.BlockRef, timestamp time.Time) {
	if !timestamp.IsZero() && timestamp.Before(c.fastCatchup) {
		return
	}
	if c.blocksToDownload.contains(ref) {
		return
	}
	for _, inflights := range c.inflightMerkles {
		for _, inflight := range inflights {
			if inflight.ref.Hash == ref.Hash {
				return
			}
		}
	}
	for _, buffered := range c.receivedMerkle[ref.Height] {
		if buffered.Merkle.Header.BlockHash() == ref.Hash {
			return
		}
	}
	c.blocksToDownload.add(ref)
}

// handleInv reacts to an inventory announcement: transactions are requested
// immediately while unknown blocks are chased with a getheaders request until
// their headers link into the chain.
func (c *Coordinator) handleInv(id PeerID, invs []*wire.InvVect) {
	var txHashes []chainhash.Hash
	var blockHashes []chainhash.Hash
	for _, inv := range invs {
		switch inv.Type {
		case wire.InvTypeTx:
			txHashes = append(txHashes, inv.Hash)
		case wire.InvTypeBlock:
			blockHashes = append(blockHashes, inv.Hash)
		}
	}

	c.downloadTxs(id, txHashes)

	if len(blockHashes) == 0 {
		return
	}
	var bestKnown uint32
	var unknown []chainhash.Hash
	for i := range blockHashes {
		hash := blockHashes[i]
		node, err := c.chain.GetNode(&hash)
		if err != nil {
			log.Errorf("Unable to look up block %v: %v", hash, err)
			return
		}
		if node != nil {
			if node.Height > bestKnown {
				bestKnown = node.Height
			}
			continue
		}
		unknown = append(unknown, hash)
	}
	if bestKnown > 0 {
		c.registry.UpdateHeight(id, int32(bestKnown))
	}

	for _, hash := range unknown {
		var tracked bool
		for _, existing := range c.peerBroadcastBlocks[id] {
			if existing == hash {
				tracked = true
				break
			}
		}
		if !tracked {
			c.peerBroadcastBlocks[id] = append(c.peerBroadcastBlocks[id], hash)
		}
	}
	for i := range unknown {
		hash := unknown[i]
		if c.chasedBlocks.Contains(hash) {
			continue
		}
		c.chasedBlocks.Add(hash)
		log.Debugf("Peer %d announced unknown block %v, requesting headers",
			id, hash)
		c.sendGetHeaders(id, c.fullLocator(), &hash)
	}
}

// handleTx delivers a received transaction to the wallet, or buffers it while
// the merkle chain is still catching up, and unblocks any buffered merkle
// imports waiting on it.
func (c *Coordinator) handleTx(id PeerID, tx *btcutil.Tx) {
	txHash := *tx.Hash()
	if c.merkleSynced() {
		if err := c.wallet.ImportTxs([]*btcutil.Tx{tx}); err != nil {
			log.Errorf("Wallet rejected transaction %v: %v", txHash, err)
		}
	} else if _, ok := c.soloTxs[txHash]; !ok {
		c.soloTxs[txHash] = tx
	}

	for peerID, inflights := range c.inflightTxs {
		kept := inflights[:0]
		for _, inflight := range inflights {
			if inflight.hash != txHash {
				kept = append(kept, inflight)
			}
		}
		if len(kept) == 0 {
			delete(c.inflightTxs, peerID)
		} else {
			c.inflightTxs[peerID] = kept
		}
	}

	c.importReceivedMerkles()
}
