// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package headerchain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HeaderStore provides persistence for header nodes.  The chain is the only
// writer and serializes all calls, so implementations do not need to be safe
// for concurrent writes, but they must provide read-your-writes semantics
// within a logical commit.
//
// Lookups that find nothing return a nil node with a nil error.  A non-nil error always indicates an I/O failure and is treated as
// fatal to the operation in progress.
type HeaderStore interface {
	// GetNode returns the node for the given block hash.
	GetNode(hash *chainhash.Hash) (*HeaderNode, error)

	// PutNode saves the node keyed by its block hash.
	PutNode(node *HeaderNode) error

	// PutHeight records the node's hash in the height index.  Only main
	// chain nodes are recorded and reorganizations overwrite the affected
	// range.
	PutHeight(node *HeaderNode) error

	// GetByHeight returns the main chain node at the given height.
	GetByHeight(height uint32) (*HeaderNode, error)

	// GetBest returns the node the best tip pointer refers to.
	GetBest() (*HeaderNode, error)

	// SetBest updates the best tip pointer.
	SetBest(node *HeaderNode) error
}

// MemoryStore is a HeaderStore backed by in-memory maps.  It is primarily
// useful for testing and for ephemeral nodes that resync on startup.
type MemoryStore struct {
	nodes   map[chainhash.Hash]*HeaderNode
	heights map[uint32]chainhash.Hash
	best    *chainhash.Hash
}

// Ensure MemoryStore implements the HeaderStore interface.
var _ HeaderStore = (*MemoryStore)(nil)

// NewMemoryStore returns a new empty memory backed header store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[chainhash.Hash]*HeaderNode),
		heights: make(map[uint32]chainhash.Hash),
	}
}

// GetNode returns the node for the given block hash.
func (s *MemoryStore) GetNode(hash *chainhash.Hash) (*HeaderNode, error) {
	return s.nodes[*hash], nil
}

// PutNode saves the node keyed by its block hash.
func (s *MemoryStore) PutNode(node *HeaderNode) error {
	s.nodes[node.Hash] = node
	return nil
}

// PutHeight records the node's hash in the height index.
func (s *MemoryStore) PutHeight(node *HeaderNode) error {
	s.heights[node.Height] = node.Hash
	return nil
}

// GetByHeight returns the main chain node at the given height.
func (s *MemoryStore) GetByHeight(height uint32) (*HeaderNode, error) {
	hash, ok := s.heights[height]
	if !ok {
		return nil, nil
	}
	return s.nodes[hash], nil
}

// GetBest returns the node the best tip pointer refers to.
func (s *MemoryStore) GetBest() (*HeaderNode, error) {
	if s.best == nil {
		return nil, nil
	}
	return s.nodes[*s.best], nil
}

// SetBest updates the best tip pointer.
func (s *MemoryStore) SetBest(node *HeaderNode) error {
	hash := node.Hash
	s.best = &hash
	return nil
}
