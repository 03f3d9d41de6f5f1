// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package headerchain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// medianTimeBlocks is the number of previous block timestamps tracked per node
// in order to compute the median time used by timestamp validation.
const medianTimeBlocks = 11

// HeaderNode represents a block header within the header chain along with the
// metadata required to validate descendants and select the best chain.  Nodes
// are created once when a header passes validation and, aside from the child
// pointer set when a descendant is committed to the main chain, are never
// modified.
type HeaderNode struct {
	// Hash is the double sha256 hash of the serialized header.
	Hash chainhash.Hash

	// Header is the full block header.
	Header wire.BlockHeader

	// Height is the position of the node in the block chain.  The genesis
	// node has height zero.
	Height uint32

	// ChainWork is the total amount of work in the chain up to and
	// including this node.
	ChainWork *big.Int

	// ChildHash is the hash of the descendant through which the main chain
	// continues.  It is only set once a descendant has been committed and
	// only for nodes on the main chain.
	ChildHash *chainhash.Hash

	// MedianTimes holds the timestamps of this node and up to ten of its
	// ancestors, newest first.
	MedianTimes []int64

	// MinWork remembers the difficulty bits of this node or, failing that,
	// of its most recent ancestor that was not mined with the special
	// minimum difficulty rule.  It is
	// only meaningful on networks that allow minimum difficulty blocks.
	MinWork uint32
}

// newHeaderNode returns a new node for the given header attached to the
// provided parent.  The parent must already have passed validation.
func newHeaderNode(header *wire.BlockHeader, parent *HeaderNode, powLimitBits uint32) *HeaderNode {
	node := HeaderNode{
		Hash:      header.BlockHash(),
		Header:    *header,
		Height:    parent.Height + 1,
		ChainWork: new(big.Int).Add(parent.ChainWork, blockchain.CalcWork(header.Bits)),
	}

	// Roll the parent's timestamp window forward.
	times := make([]int64, 0, medianTimeBlocks)
	times = append(times, header.Timestamp.Unix())
	limit := medianTimeBlocks - 1
	if len(parent.MedianTimes) < limit {
		limit = len(parent.MedianTimes)
	}
	times = append(times, parent.MedianTimes[:limit]...)
	node.MedianTimes = times

	// Remember the last difficulty that was not produced by the minimum
	// difficulty rule so the retarget logic can return to it.
	node.MinWork = parent.MinWork
	if header.Bits != powLimitBits {
		node.MinWork = header.Bits
	}

	return &node
}

// genesisHeaderNode returns the node for the provided genesis header.
func genesisHeaderNode(header *wire.BlockHeader) *HeaderNode {
	return &HeaderNode{
		Hash:        header.BlockHash(),
		Header:      *header,
		Height:      0,
		ChainWork:   blockchain.CalcWork(header.Bits),
		MedianTimes: []int64{header.Timestamp.Unix()},
		MinWork:     header.Bits,
	}
}

// MedianTime returns the median of the timestamps tracked by the node.  It is
// the lower bound for the timestamp of any descendant.
func (node *HeaderNode) MedianTime() int64 {
	times := make([]int64, len(node.MedianTimes))
	copy(times, node.MedianTimes)
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2]
}

// Serialize returns the node serialized to a format suitable for long-term
// storage.
//
// The format is the 80-byte header followed by the height, the variable
// length chain work, the optional child hash, the timestamp window, and the
// minimum work bits, all integers little endian.
func (node *HeaderNode) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := node.Header.Serialize(&buf); err != nil {
		return nil, err
	}

	var scratch [8]byte
	binary.LittleEndian.PutUint32(scratch[:4], node.Height)
	buf.Write(scratch[:4])

	work := node.ChainWork.Bytes()
	if len(work) > 255 {
		return nil, fmt.Errorf("chain work too large: %d bytes", len(work))
	}
	buf.WriteByte(byte(len(work)))
	buf.Write(work)

	if node.ChildHash != nil {
		buf.WriteByte(1)
		buf.Write(node.ChildHash[:])
	} else {
		buf.WriteByte(0)
	}

	buf.WriteByte(byte(len(node.MedianTimes)))
	for _, ts := range node.MedianTimes {
		binary.LittleEndian.PutUint64(scratch[:], uint64(ts))
		buf.Write(scratch[:])
	}

	binary.LittleEndian.PutUint32(scratch[:4], node.MinWork)
	buf.Write(scratch[:4])

	return buf.Bytes(), nil
}

// DeserializeHeaderNode decodes a node from the format produced by Serialize.
func DeserializeHeaderNode(serialized []byte) (*HeaderNode, error) {
	var node HeaderNode
	r := bytes.NewReader(serialized)
	if err := node.Header.Deserialize(r); err != nil {
		return nil, err
	}
	node.Hash = node.Header.BlockHash()

	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err
	}
	node.Height = binary.LittleEndian.Uint32(scratch[:4])

	workLen, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	work := make([]byte, workLen)
	if _, err := io.ReadFull(r, work); err != nil {
		return nil, err
	}
	node.ChainWork = new(big.Int).SetBytes(work)

	hasChild, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if hasChild != 0 {
		var child chainhash.Hash
		if _, err := io.ReadFull(r, child[:]); err != nil {
			return nil, err
		}
		node.ChildHash = &child
	}

	numTimes, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if numTimes > medianTimeBlocks {
		return nil, fmt.Errorf("too many median timestamps: %d", numTimes)
	}
	node.MedianTimes = make([]int64, numTimes)
	for i := range node.MedianTimes {
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}
		node.MedianTimes[i] = int64(binary.LittleEndian.Uint64(scratch[:]))
	}

	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err
	}
	node.MinWork = binary.LittleEndian.Uint32(scratch[:4])

	return &node, nil
}
