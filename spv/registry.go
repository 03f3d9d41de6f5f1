// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

// PeerID is a stable identifier for a peer connection.  IDs are assigned
// monotonically when connections are established and are never reused, so a
// reconnecting peer gets a fresh identity.
type PeerID int32

// PeerInfo tracks what the coordinator knows about a connected peer.  It is
// pure data; the registry owns no I/O.
type PeerInfo struct {
	// ID is the connection identifier.
	ID PeerID

	// Addr is the remote address the connection was established to.
	Addr string

	// Handshake indicates the version negotiation completed.
	Handshake bool

	// StartHeight is the best height the peer has advertised.  It only
	// ever increases.
	StartHeight int32

	// ProtocolVersion is the negotiated protocol version.
	ProtocolVersion uint32
}

// PeerRegistry tracks the handshake state, advertised height and protocol
// version of every connected peer.  It is owned by the coordinator and is not
// safe for concurrent access.
type PeerRegistry struct {
	peers map[PeerID]*PeerInfo
}

// NewPeerRegistry returns an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[PeerID]*PeerInfo)}
}

// Insert adds a peer to the registry.
func (r *PeerRegistry) Insert(info *PeerInfo) {
	r.peers[info.ID] = info
}

// Remove deletes a peer from the registry and returns its last known state,
// or nil when the peer was not present.
func (r *PeerRegistry) Remove(id PeerID) *PeerInfo {
	info := r.peers[id]
	delete(r.peers, id)
	return info
}

// Get returns the state of the given peer, or nil when it is not present.
func (r *PeerRegistry) Get(id PeerID) *PeerInfo {
	return r.peers[id]
}

// SetHandshake marks the peer's version negotiation complete and records the
// negotiated protocol version.
func (r *PeerRegistry) SetHandshake(id PeerID, protocolVersion uint32) {
	if info := r.peers[id]; info != nil {
		info.Handshake = true
		info.ProtocolVersion = protocolVersion
	}
}

// UpdateHeight raises the peer's advertised height to the given value.  It is
// monotonic: a lower value is ignored.
func (r *PeerRegistry) UpdateHeight(id PeerID, height int32) {
	if info := r.peers[id]; info != nil && height > info.StartHeight {
		info.StartHeight = height
	}
}

// Keys returns the IDs of all tracked peers.
func (r *PeerRegistry) Keys() []PeerID {
	ids := make([]PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of tracked peers.
func (r *PeerRegistry) Len() int {
	return len(r.peers)
}

// BestHeight returns the maximum height advertised across all peers, or zero
// when no peers are connected.
func (r *PeerRegistry) BestHeight() int32 {
	var best int32
	for _, info := range r.peers {
		if info.StartHeight > best {
			best = info.StartHeight
		}
	}
	return best
}
