// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package peer implements the per-connection socket tasks of the SPV node.
// Each peer runs one read task and one write task; everything a peer learns
// is forwarded to the coordinator as events on a bounded channel.
package peer

import (
	"container/list"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/cpt-octofu/spvd/spv"
)

const (
	// negotiateTimeout is the duration the version handshake may take
	// before the connection is dropped.
	negotiateTimeout = 30 * time.Second

	// idleTimeout is the duration of inactivity on the read side before
	// the connection is considered dead.  The coordinator's disconnect
	// handling requeues the peer's inflight work.
	idleTimeout = 5 * time.Minute
)

// nextPeerID is the monotonic source of peer connection identifiers.
var nextPeerID int32

// Config holds the collaborators and identity a peer session runs with.
type Config struct {
	// Params identifies the network messages are exchanged on.
	Params *chaincfg.Params

	// Events is the coordinator's event channel.
	Events chan<- spv.PeerEvent

	// BestHeight supplies the local chain height for the version message.
	BestHeight func() int32

	// UserAgentName and UserAgentVersion identify the node software.
	UserAgentName    string
	UserAgentVersion string

	// Shutdown, when non-nil, aborts event delivery during daemon
	// teardown so peer tasks never block on a stopped coordinator.
	Shutdown <-chan struct{}
}

// Peer is a single connection to a remote node.  Its send queue never blocks
// the caller; queued messages are written in order by the write task.
type Peer struct {
	id   spv.PeerID
	cfg  Config
	conn net.Conn
	addr string

	// negotiatedVersion is the protocol version agreed on during the
	// handshake.  It is read atomically by the write task.
	negotiatedVersion uint32

	// Version negotiation state, owned by the read task.
	versionKnown   bool
	verAckReceived bool
	startHeight    int32

	// Merkle block assembly state, owned by the read task.
	pendingMerkle  *spv.DecodedMerkleBlock
	pendingMatches map[chainhash.Hash]struct{}

	queueMtx    sync.Mutex
	queue       list.List
	queueNotify chan struct{}

	// writeMtx serializes writes to the connection between the write task
	// and the direct writes of the handshake and session teardown.
	writeMtx sync.Mutex

	disconnect sync.Once
	quit       chan struct{}
	wg         sync.WaitGroup
}

// New wraps an established connection in a peer session.  Start launches the
// session's tasks.
func New(cfg Config, conn net.Conn) *Peer {
	return &Peer{
		id:          spv.PeerID(atomic.AddInt32(&nextPeerID, 1)),
		cfg:         cfg,
		conn:        conn,
		addr:        conn.RemoteAddr().String(),
		queueNotify: make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
}

// ID returns the peer's connection identifier.
func (p *Peer) ID() spv.PeerID {
	return p.id
}

// Addr returns the remote address of the connection.
func (p *Peer) Addr() string {
	return p.addr
}

// Start announces the connection to the coordinator and launches the read
// and write tasks.
func (p *Peer) Start() {
	p.sendEvent(spv.EventConnected{Peer: p.id, Addr: p.addr, Out: p})
	p.wg.Add(2)
	go p.writeLoop()
	go p.readLoop()
}

// Disconnect tears the connection down.  It is idempotent and safe to call
// from any task.
func (p *Peer) Disconnect() {
	p.disconnect.Do(func() {
		close(p.quit)
		p.conn.Close()
	})
}

// WaitForShutdown blocks until both peer tasks have exited.
func (p *Peer) WaitForShutdown() {
	p.wg.Wait()
}

// QueueMessage appends a message to the send queue.  It never blocks.
func (p *Peer) QueueMessage(msg wire.Message) {
	p.queueMtx.Lock()
	p.queue.PushBack(msg)
	p.queueMtx.Unlock()
	select {
	case p.queueNotify <- struct{}{}:
	default:
	}
}

// sendEvent delivers an event to the coordinator, aborting on daemon
// shutdown.
func (p *Peer) sendEvent(event spv.PeerEvent) {
	select {
	case p.cfg.Events <- event:
	case <-p.cfg.Shutdown:
	}
}

// writeLoop drains the send queue onto the wire in order.
func (p *Peer) writeLoop() {
	defer p.wg.Done()

	for {
		for {
			p.queueMtx.Lock()
			front := p.queue.Front()
			if front != nil {
				p.queue.Remove(front)
			}
			p.queueMtx.Unlock()
			if front == nil {
				break
			}

			msg := front.Value.(wire.Message)
			err := p.writeMessage(msg)
			if err != nil {
				log.Debugf("Peer %d write of %s failed: %v", p.id,
					msg.Command(), err)
				p.Disconnect()
				return
			}
			log.Tracef("Peer %d sent %s", p.id, msg.Command())
		}

		select {
		case <-p.queueNotify:
		case <-p.quit:
			return
		}
	}
}

// writeMessage encodes a message onto the connection.
func (p *Peer) writeMessage(msg wire.Message) error {
	p.writeMtx.Lock()
	defer p.writeMtx.Unlock()
	return wire.WriteMessage(p.conn, msg, p.protocolVersionForWire(),
		p.cfg.Params.Net)
}

// protocolVersionForWire returns the protocol version messages are encoded
// with.  Before negotiation completes the wire protocol version is used, as
// required for the version exchange itself.
func (p *Peer) protocolVersionForWire() uint32 {
	if v := atomic.LoadUint32(&p.negotiatedVersion); v != 0 {
		return v
	}
	return wire.ProtocolVersion
}

// readLoop negotiates the version handshake and then dispatches inbound
// messages until the connection dies.  The final event of every session is a
// disconnect.
func (p *Peer) readLoop() {
	defer func() {
		p.flushPendingMerkle()
		p.Disconnect()
		p.sendEvent(spv.EventDisconnect{Peer: p.id})
		p.wg.Done()
	}()

	if err := p.negotiate(); err != nil {
		log.Infof("Peer %d (%s) handshake failed: %v", p.id, p.addr, err)
		return
	}
	p.sendEvent(spv.EventHandshake{
		Peer:            p.id,
		ProtocolVersion: p.protocolVersionForWire(),
		StartHeight:     p.startHeight,
	})

	for {
		p.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msg, _, err := wire.ReadMessage(p.conn, p.protocolVersionForWire(),
			p.cfg.Params.Net)
		if err != nil {
			select {
			case <-p.quit:
			default:
				log.Debugf("Peer %d read failed: %v", p.id, err)
			}
			return
		}
		log.Tracef("Peer %d received %s", p.id, msg.Command())

		switch m := msg.(type) {
		case *wire.MsgVersion:
			// A second version message is a protocol violation.  The
			// reject is written directly since the session is about to
			// die and the queue would be abandoned.
			reject := wire.NewMsgReject(m.Command(), wire.RejectDuplicate,
				"duplicate version message")
			p.writeMessage(reject)
			log.Infof("Peer %d sent a duplicate version message", p.id)
			return

		case *wire.MsgPing:
			if p.protocolVersionForWire() > wire.BIP0031Version {
				p.QueueMessage(wire.NewMsgPong(m.Nonce))
			}

		case *wire.MsgMerkleBlock:
			p.flushPendingMerkle()
			root, matched, err := extractMatches(m)
			if err != nil {
				log.Infof("Peer %d sent an invalid merkle block: %v", p.id, err)
				return
			}
			dmb := &spv.DecodedMerkleBlock{Merkle: m, Root: root, Expected: matched}
			if len(matched) == 0 {
				p.sendEvent(spv.EventMerkleAssembled{Peer: p.id, Block: dmb})
				break
			}
			p.pendingMerkle = dmb
			p.pendingMatches = make(map[chainhash.Hash]struct{}, len(matched))
			for _, hash := range matched {
				p.pendingMatches[hash] = struct{}{}
			}

		case *wire.MsgTx:
			tx := btcutil.NewTx(m)
			if p.pendingMerkle != nil {
				if _, ok := p.pendingMatches[*tx.Hash()]; ok {
					p.pendingMerkle.Txs = append(p.pendingMerkle.Txs, tx)
					delete(p.pendingMatches, *tx.Hash())
					if len(p.pendingMatches) == 0 {
						p.flushPendingMerkle()
					}
					break
				}
				p.flushPendingMerkle()
			}
			p.sendEvent(spv.EventInbound{Peer: p.id, Msg: m})

		default:
			p.flushPendingMerkle()
			p.sendEvent(spv.EventInbound{Peer: p.id, Msg: msg})
		}
	}
}

// flushPendingMerkle emits the merkle block being assembled, if any.  A peer
// that moves on without sending every matched transaction still produces an
// event, carrying only the transactions that arrived; the missing ones are not
// requested again, and any that arrive later are handled as ordinary
// transactions.
func (p *Peer) flushPendingMerkle() {
	if p.pendingMerkle == nil {
		return
	}
	dmb := p.pendingMerkle
	p.pendingMerkle = nil
	p.pendingMatches = nil
	p.sendEvent(spv.EventMerkleAssembled{Peer: p.id, Block: dmb})
}

// negotiate performs the version handshake from the outbound side: our
// version message is sent first and the remote must answer with its version
// before anything else.
func (p *Peer) negotiate() error {
	if err := p.writeLocalVersion(); err != nil {
		return err
	}

	deadline := time.Now().Add(negotiateTimeout)
	for !p.versionKnown || !p.verAckReceived {
		p.conn.SetReadDeadline(deadline)
		msg, _, err := wire.ReadMessage(p.conn, wire.ProtocolVersion,
			p.cfg.Params.Net)
		if err != nil {
			return peerError(ErrCodec, fmt.Sprintf("unable to read "+
				"handshake message: %v", err))
		}

		switch m := msg.(type) {
		case *wire.MsgVersion:
			if p.versionKnown {
				reject := wire.NewMsgReject(m.Command(), wire.RejectDuplicate,
					"duplicate version message")
				p.writeMessage(reject)
				return peerError(ErrDuplicateVersion,
					"remote peer sent a duplicate version message")
			}
			if err := p.handleRemoteVersion(m); err != nil {
				return err
			}
			p.QueueMessage(wire.NewMsgVerAck())

		case *wire.MsgVerAck:
			if !p.versionKnown {
				return peerError(ErrProtocolViolation,
					"remote peer sent verack before version")
			}
			p.verAckReceived = true

		default:
			str := fmt.Sprintf("remote peer sent %s before completing the "+
				"handshake", msg.Command())
			return peerError(ErrProtocolViolation, str)
		}
	}
	p.conn.SetReadDeadline(time.Time{})
	return nil
}

// handleRemoteVersion validates the remote version message and records the
// negotiated session parameters.
func (p *Peer) handleRemoteVersion(msg *wire.MsgVersion) error {
	if msg.ProtocolVersion < int32(wire.BIP0037Version) {
		str := fmt.Sprintf("protocol version %d does not support bloom "+
			"filtering", msg.ProtocolVersion)
		return peerError(ErrBadProtocolVersion, str)
	}
	if msg.Services&wire.SFNodeBloom != wire.SFNodeBloom {
		return peerError(ErrBadProtocolVersion,
			"remote peer does not offer bloom filtering")
	}

	negotiated := wire.ProtocolVersion
	if uint32(msg.ProtocolVersion) < negotiated {
		negotiated = uint32(msg.ProtocolVersion)
	}
	atomic.StoreUint32(&p.negotiatedVersion, negotiated)
	p.versionKnown = true
	p.startHeight = msg.LastBlock
	log.Debugf("Peer %d negotiated protocol version %d, start height %d, "+
		"agent %s", p.id, negotiated, msg.LastBlock, msg.UserAgent)
	return nil
}

// writeLocalVersion sends our version message directly, bypassing the queue
// so nothing can precede it on the wire.
func (p *Peer) writeLocalVersion() error {
	localAddr := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)

	remoteIP, remotePortStr, err := net.SplitHostPort(p.addr)
	if err != nil {
		return peerError(ErrCodec, fmt.Sprintf("malformed remote address "+
			"%q: %v", p.addr, err))
	}
	remotePort, err := strconv.ParseUint(remotePortStr, 10, 16)
	if err != nil {
		return peerError(ErrCodec, fmt.Sprintf("malformed remote port "+
			"%q: %v", remotePortStr, err))
	}
	remoteAddr := wire.NewNetAddressIPPort(net.ParseIP(remoteIP),
		uint16(remotePort), 0)

	nonce, err := wire.RandomUint64()
	if err != nil {
		return peerError(ErrCodec, fmt.Sprintf("unable to generate version "+
			"nonce: %v", err))
	}

	var height int32
	if p.cfg.BestHeight != nil {
		height = p.cfg.BestHeight()
	}
	msg := wire.NewMsgVersion(localAddr, remoteAddr, nonce, height)
	if err := msg.AddUserAgent(p.cfg.UserAgentName,
		p.cfg.UserAgentVersion); err != nil {
		return peerError(ErrCodec, fmt.Sprintf("unable to build user "+
			"agent: %v", err))
	}
	// Transactions are only wanted once the bloom filter is loaded.
	msg.DisableRelayTx = true

	err = p.writeMessage(msg)
	if err != nil {
		return peerError(ErrCodec, fmt.Sprintf("unable to send version "+
			"message: %v", err))
	}
	return nil
}
