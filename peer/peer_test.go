// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/cpt-octofu/spvd/spv"
)

// testRemote drives the far side of a peer connection in lockstep with the
// session under test.
type testRemote struct {
	t    *testing.T
	conn net.Conn
	net  wire.BitcoinNet
}

func (r *testRemote) read() wire.Message {
	r.t.Helper()
	r.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, _, err := wire.ReadMessage(r.conn, wire.ProtocolVersion, r.net)
	require.NoError(r.t, err)
	return msg
}

func (r *testRemote) write(msg wire.Message) {
	r.t.Helper()
	r.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(r.t, wire.WriteMessage(r.conn, msg, wire.ProtocolVersion, r.net))
}

// version returns a remote version message advertising bloom support.
func (r *testRemote) version(startHeight int32) *wire.MsgVersion {
	me := wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 18555, wire.SFNodeNetwork)
	you := wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 18556, 0)
	msg := wire.NewMsgVersion(me, you, 1, startHeight)
	msg.Services = wire.SFNodeNetwork | wire.SFNodeBloom
	return msg
}

// handshake completes the version exchange from the remote side.
func (r *testRemote) handshake(startHeight int32) {
	r.t.Helper()
	msg := r.read()
	require.Equal(r.t, wire.CmdVersion, msg.Command())
	r.write(r.version(startHeight))
	// The session acks our version and we ack its.
	msg = r.read()
	require.Equal(r.t, wire.CmdVerAck, msg.Command())
	r.write(wire.NewMsgVerAck())
}

// nextEvent pulls the next coordinator event with a timeout.
func nextEvent(t *testing.T, events <-chan spv.PeerEvent) spv.PeerEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a peer event")
		return nil
	}
}

// newTestPeer wires a peer session over an in-memory pipe.
func newTestPeer(t *testing.T) (*Peer, *testRemote, chan spv.PeerEvent) {
	local, far := net.Pipe()
	events := make(chan spv.PeerEvent, 64)
	p := New(Config{
		Params:           &chaincfg.SimNetParams,
		Events:           events,
		BestHeight:       func() int32 { return 0 },
		UserAgentName:    "spvd",
		UserAgentVersion: "0.1.0",
	}, local)
	remote := &testRemote{t: t, conn: far, net: chaincfg.SimNetParams.Net}
	return p, remote, events
}

// TestPeerHandshake verifies the event sequence of a successful session:
// connect, handshake with the advertised height, ping replies, disconnect.
func TestPeerHandshake(t *testing.T) {
	p, remote, events := newTestPeer(t)
	p.Start()
	defer p.Disconnect()

	go remote.handshake(1234)

	event := nextEvent(t, events)
	connected, ok := event.(spv.EventConnected)
	require.True(t, ok, "first event is %T, want EventConnected", event)
	require.Equal(t, p.ID(), connected.Peer)
	require.NotNil(t, connected.Out)

	event = nextEvent(t, events)
	hs, ok := event.(spv.EventHandshake)
	require.True(t, ok, "second event is %T, want EventHandshake", event)
	require.Equal(t, int32(1234), hs.StartHeight)
	require.Equal(t, wire.ProtocolVersion, hs.ProtocolVersion)

	// Pings are answered without coordinator involvement.
	remote.write(wire.NewMsgPing(7))
	msg := remote.read()
	pong, ok := msg.(*wire.MsgPong)
	require.True(t, ok, "reply is %T, want MsgPong", msg)
	require.Equal(t, uint64(7), pong.Nonce)

	// Inbound messages flow through as events.
	remote.write(wire.NewMsgInv())
	event = nextEvent(t, events)
	inbound, ok := event.(spv.EventInbound)
	require.True(t, ok, "event is %T, want EventInbound", event)
	require.Equal(t, wire.CmdInv, inbound.Msg.Command())

	// Closing the far side ends the session with a disconnect.
	remote.conn.Close()
	event = nextEvent(t, events)
	_, ok = event.(spv.EventDisconnect)
	require.True(t, ok, "final event is %T, want EventDisconnect", event)
	p.WaitForShutdown()
}

// TestPeerMerkleAssembly verifies a merkleblock and its trailing matched
// transactions arrive as one assembled event.
func TestPeerMerkleAssembly(t *testing.T) {
	p, remote, events := newTestPeer(t)
	p.Start()
	defer p.Disconnect()

	go remote.handshake(10)
	nextEvent(t, events) // connected
	nextEvent(t, events) // handshake

	block := testBlock(5)
	filter := bloom.NewFilter(10, 0, 0.000001, wire.BloomUpdateAll)
	filter.AddHash(block.Transactions()[2].Hash())
	mb, indices := bloom.NewMerkleBlock(block, filter)
	require.NotEmpty(t, indices)

	remote.write(mb)
	for _, txIndex := range indices {
		remote.write(block.Transactions()[txIndex].MsgTx())
	}

	event := nextEvent(t, events)
	assembled, ok := event.(spv.EventMerkleAssembled)
	require.True(t, ok, "event is %T, want EventMerkleAssembled", event)
	require.Equal(t, block.MsgBlock().Header.MerkleRoot, assembled.Block.Root)
	require.Len(t, assembled.Block.Expected, len(indices))
	require.Len(t, assembled.Block.Txs, len(indices))
}

// TestPeerMerkleFlushOnUnrelated verifies an assembly in progress is flushed
// when an unrelated message arrives before every matched transaction.
func TestPeerMerkleFlushOnUnrelated(t *testing.T) {
	p, remote, events := newTestPeer(t)
	p.Start()
	defer p.Disconnect()

	go remote.handshake(10)
	nextEvent(t, events) // connected
	nextEvent(t, events) // handshake

	block := testBlock(5)
	filter := bloom.NewFilter(10, 0, 0.000001, wire.BloomUpdateAll)
	filter.AddHash(block.Transactions()[1].Hash())
	filter.AddHash(block.Transactions()[3].Hash())
	mb, indices := bloom.NewMerkleBlock(block, filter)
	require.True(t, len(indices) >= 2)

	// Only the first matched transaction arrives before the peer moves on.
	remote.write(mb)
	remote.write(block.Transactions()[indices[0]].MsgTx())
	remote.write(wire.NewMsgPong(0))

	event := nextEvent(t, events)
	assembled, ok := event.(spv.EventMerkleAssembled)
	require.True(t, ok, "event is %T, want EventMerkleAssembled", event)
	require.Len(t, assembled.Block.Txs, 1)
	require.Len(t, assembled.Block.Expected, len(indices))

	event = nextEvent(t, events)
	inbound, ok := event.(spv.EventInbound)
	require.True(t, ok, "event is %T, want EventInbound", event)
	require.Equal(t, wire.CmdPong, inbound.Msg.Command())
}

// TestPeerDuplicateVersion verifies a second version message draws a reject
// and ends the session.
func TestPeerDuplicateVersion(t *testing.T) {
	p, remote, events := newTestPeer(t)
	p.Start()
	defer p.Disconnect()

	go remote.handshake(10)
	nextEvent(t, events) // connected
	nextEvent(t, events) // handshake

	remote.write(remote.version(10))
	msg := remote.read()
	reject, ok := msg.(*wire.MsgReject)
	require.True(t, ok, "reply is %T, want MsgReject", msg)
	require.Equal(t, wire.RejectDuplicate, reject.Code)

	event := nextEvent(t, events)
	_, ok = event.(spv.EventDisconnect)
	require.True(t, ok, "final event is %T, want EventDisconnect", event)
}

// TestPeerRejectsNoBloom verifies a remote without bloom filter support is
// dropped during the handshake.
func TestPeerRejectsNoBloom(t *testing.T) {
	p, remote, events := newTestPeer(t)
	p.Start()
	defer p.Disconnect()

	go func() {
		remote.read() // our version
		msg := remote.version(10)
		msg.Services = wire.SFNodeNetwork
		remote.write(msg)
	}()

	nextEvent(t, events) // connected
	event := nextEvent(t, events)
	_, ok := event.(spv.EventDisconnect)
	require.True(t, ok, "event is %T, want EventDisconnect", event)
}
