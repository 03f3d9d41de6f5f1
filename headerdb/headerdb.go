// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package headerdb provides a persistent header store backed by leveldb.
package headerdb

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/cpt-octofu/spvd/headerchain"
)

// Key prefixes for the three logical namespaces of the store.
var (
	nodePrefix   = []byte("node/")
	heightPrefix = []byte("height/")
	bestKey      = []byte("best")
)

// StoreError wraps a database failure.  Store errors are fatal to the header
// operation that hit them but not to the node.
type StoreError struct {
	Op  string
	Err error
}

// Error satisfies the error interface and prints human-readable errors.
func (e StoreError) Error() string {
	return fmt.Sprintf("headerdb: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying wrapped error.
func (e StoreError) Unwrap() error {
	return e.Err
}

// DB is a headerchain.HeaderStore persisted in a leveldb database.  Writes go
// through leveldb's write batch journal, so flushing at commit boundaries is
// durable enough for header data that can always be re-synced.
type DB struct {
	ldb *leveldb.DB
}

// Ensure DB implements the HeaderStore interface.
var _ headerchain.HeaderStore = (*DB)(nil)

// Open opens the header database at the given path, creating it when it does
// not exist yet.
func Open(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, StoreError{Op: "open", Err: err}
	}
	log.Infof("Header database opened at %s", path)
	return &DB{ldb: ldb}, nil
}

// Close releases the underlying database.
func (db *DB) Close() error {
	return db.ldb.Close()
}

func nodeKey(hash *chainhash.Hash) []byte {
	return append(append(make([]byte, 0, len(nodePrefix)+chainhash.HashSize),
		nodePrefix...), hash[:]...)
}

func heightKey(height uint32) []byte {
	key := make([]byte, len(heightPrefix)+4)
	copy(key, heightPrefix)
	binary.BigEndian.PutUint32(key[len(heightPrefix):], height)
	return key
}

// GetNode returns the node for the given block hash.
func (db *DB) GetNode(hash *chainhash.Hash) (*headerchain.HeaderNode, error) {
	serialized, err := db.ldb.Get(nodeKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, StoreError{Op: "get node", Err: err}
	}
	node, err := headerchain.DeserializeHeaderNode(serialized)
	if err != nil {
		return nil, StoreError{Op: "decode node", Err: err}
	}
	return node, nil
}

// PutNode saves the node keyed by its block hash.
func (db *DB) PutNode(node *headerchain.HeaderNode) error {
	serialized, err := node.Serialize()
	if err != nil {
		return StoreError{Op: "encode node", Err: err}
	}
	if err := db.ldb.Put(nodeKey(&node.Hash), serialized, nil); err != nil {
		return StoreError{Op: "put node", Err: err}
	}
	return nil
}

// PutHeight records the node's hash in the height index.
func (db *DB) PutHeight(node *headerchain.HeaderNode) error {
	err := db.ldb.Put(heightKey(node.Height), node.Hash[:], nil)
	if err != nil {
		return StoreError{Op: "put height", Err: err}
	}
	return nil
}

// GetByHeight returns the main chain node at the given height.
func (db *DB) GetByHeight(height uint32) (*headerchain.HeaderNode, error) {
	hashBytes, err := db.ldb.Get(heightKey(height), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, StoreError{Op: "get height", Err: err}
	}
	hash, err := chainhash.NewHash(hashBytes)
	if err != nil {
		return nil, StoreError{Op: "decode height", Err: err}
	}
	return db.GetNode(hash)
}

// GetBest returns the node the best tip pointer refers to.
func (db *DB) GetBest() (*headerchain.HeaderNode, error) {
	hashBytes, err := db.ldb.Get(bestKey, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, StoreError{Op: "get best", Err: err}
	}
	hash, err := chainhash.NewHash(hashBytes)
	if err != nil {
		return nil, StoreError{Op: "decode best", Err: err}
	}
	return db.GetNode(hash)
}

// SetBest updates the best tip pointer.
func (db *DB) SetBest(node *headerchain.HeaderNode) error {
	if err := db.ldb.Put(bestKey, node.Hash[:], nil); err != nil {
		return StoreError{Op: "set best", Err: err}
	}
	return nil
}
