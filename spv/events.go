// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// OutboundPeer is the send side of a connected peer.  Queued messages are
// delivered in order by the peer's write task; queueing never blocks the
// coordinator.
type OutboundPeer interface {
	// QueueMessage appends a message to the peer's send queue.
	QueueMessage(msg wire.Message)
}

// PeerEvent is an event emitted by a per-peer socket task.  Events from a
// single peer are delivered to the coordinator in wire order.
type PeerEvent interface {
	peerEvent()
}

// EventConnected reports a newly established connection, before the version
// handshake completes, and carries the peer's send queue.
type EventConnected struct {
	Peer PeerID
	Addr string
	Out  OutboundPeer
}

// EventHandshake reports a completed version handshake.
type EventHandshake struct {
	Peer            PeerID
	ProtocolVersion uint32
	StartHeight     int32
}

// EventDisconnect reports a closed connection.  It is always the final event
// of a peer.
type EventDisconnect struct {
	Peer PeerID
}

// EventInbound carries a decoded wire message received from a peer.
type EventInbound struct {
	Peer PeerID
	Msg  wire.Message
}

// EventMerkleAssembled carries a merkle block along with the transactions
// that trailed it on the wire.  The per-peer codec buffers the merkleblock
// frame and its matching tx frames and emits them as one event.
type EventMerkleAssembled struct {
	Peer  PeerID
	Block *DecodedMerkleBlock
}

func (EventConnected) peerEvent()       {}
func (EventHandshake) peerEvent()       {}
func (EventDisconnect) peerEvent()      {}
func (EventInbound) peerEvent()         {}
func (EventMerkleAssembled) peerEvent() {}

// DecodedMerkleBlock is a merkle block whose partial merkle tree has been
// walked: Expected lists the transaction ids the tree proves matched the
// filter, in tree order, and Txs collects the full transactions as they
// arrived from the peer.
type DecodedMerkleBlock struct {
	Merkle   *wire.MsgMerkleBlock
	Root     chainhash.Hash
	Expected []chainhash.Hash
	Txs      []*btcutil.Tx
}

// ClientRequest is a request submitted by the wallet client through the
// coordinator's request channel.  There is no reply channel; side effects
// reach the wallet through the WalletSink.
type ClientRequest interface {
	clientRequest()
}

// UpdateBloom replaces the bloom filter gating merkle block downloads.  An
// empty filter is ignored since it would match nothing.
type UpdateBloom struct {
	Filter *bloom.Filter
}

// PublishTx broadcasts a transaction to all connected peers, buffering it
// until a peer is available.
type PublishTx struct {
	Tx *btcutil.Tx
}

// Rescan restarts merkle block downloads from the given time.  It is
// deferred, never rejected, while merkle blocks are inflight.
type Rescan struct {
	Timestamp time.Time
}

// Heartbeat triggers the stall sweep.  The coordinator fires one internally
// every two minutes; tests may submit it directly.
type Heartbeat struct{}

func (UpdateBloom) clientRequest() {}
func (PublishTx) clientRequest()   {}
func (Rescan) clientRequest()      {}
func (Heartbeat) clientRequest()   {}
