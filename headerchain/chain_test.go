// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package headerchain

import (
	"encoding/binary"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// solveHeader increments the header nonce until its hash satisfies the
// target difficulty claimed by its bits field.  The simulation network's
// proof of work limit keeps this to a couple of attempts.
func solveHeader(header *wire.BlockHeader) {
	target := blockchain.CompactToBig(header.Bits)
	for {
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) < 0 {
			return
		}
		header.Nonce++
	}
}

// genHeaders returns count solved headers extending the given parent, spaced
// ten minutes apart.  The salt makes competing branches produce distinct
// hashes at the same heights.
func genHeaders(parentHash chainhash.Hash, parentTime time.Time, bits uint32, count int, salt uint32) []*wire.BlockHeader {
	headers := make([]*wire.BlockHeader, 0, count)
	prev, ts := parentHash, parentTime
	for i := 0; i < count; i++ {
		ts = ts.Add(10 * time.Minute)
		header := &wire.BlockHeader{
			Version:   2,
			PrevBlock: prev,
			Timestamp: ts,
			Bits:      bits,
		}
		binary.LittleEndian.PutUint32(header.MerkleRoot[0:4], salt)
		binary.LittleEndian.PutUint32(header.MerkleRoot[4:8], uint32(i))
		solveHeader(header)
		headers = append(headers, header)
		prev = header.BlockHash()
	}
	return headers
}

// testHarness bundles a chain over a memory store on the simulation network.
type testHarness struct {
	t      *testing.T
	params *chaincfg.Params
	store  *MemoryStore
	chain  *Chain
}

func newTestHarness(t *testing.T, params *chaincfg.Params, fastCatchup time.Time) *testHarness {
	store := NewMemoryStore()
	chain := New(params, store)
	if err := chain.Init(fastCatchup); err != nil {
		t.Fatalf("Init: unexpected error %v", err)
	}
	return &testHarness{t: t, params: params, store: store, chain: chain}
}

func newSimNetHarness(t *testing.T) *testHarness {
	return newTestHarness(t, &chaincfg.SimNetParams, time.Unix(0, 0))
}

// extend connects count generated headers on top of the given node and
// returns the accepted nodes.
func (h *testHarness) extend(parent *HeaderNode, count int, salt uint32) ([]*HeaderNode, Action) {
	h.t.Helper()
	headers := genHeaders(parent.Hash, parent.Header.Timestamp,
		h.params.PowLimitBits, count, salt)
	nodes, action, err := h.chain.ConnectHeaders(headers, time.Now(), true)
	if err != nil {
		h.t.Fatalf("ConnectHeaders: unexpected error %v", err)
	}
	return nodes, action
}

// TestFreshSync exercises the initial sync flow: ten linked headers extend
// the genesis node, the locator covers the whole chain and every height is
// enumerated for download.
func TestFreshSync(t *testing.T) {
	h := newSimNetHarness(t)

	nodes, action := h.extend(h.chain.BestTip(), 10, 1)
	if _, ok := action.(*BestChain); !ok {
		t.Fatalf("expected BestChain action, got %T", action)
	}

	tip := h.chain.BestTip()
	if tip.Height != 10 {
		t.Fatalf("best tip height is %d, want 10", tip.Height)
	}
	if tip.Hash != nodes[len(nodes)-1].Hash {
		t.Fatalf("best tip is %v, want %v", tip.Hash, nodes[len(nodes)-1].Hash)
	}

	locator, err := h.chain.BlockLocator()
	if err != nil {
		t.Fatalf("BlockLocator: unexpected error %v", err)
	}
	if len(locator) != 11 {
		t.Fatalf("locator has %d entries, want 11", len(locator))
	}
	if locator[len(locator)-1] != *h.params.GenesisHash {
		t.Fatalf("locator does not end with the genesis hash")
	}

	refs, err := h.chain.BlocksToDownload(time.Unix(0, 0))
	if err != nil {
		t.Fatalf("BlocksToDownload: unexpected error %v", err)
	}
	if len(refs) != 10 {
		t.Fatalf("%d blocks to download, want 10", len(refs))
	}
	for i, ref := range refs {
		if ref.Height != uint32(i+1) {
			t.Fatalf("download entry %d has height %d, want %d", i,
				ref.Height, i+1)
		}
		if ref.Hash != nodes[i].Hash {
			t.Fatalf("download entry %d has hash %v, want %v", i, ref.Hash,
				nodes[i].Hash)
		}
	}

	// A second enumeration returns nothing new.
	refs, err = h.chain.BlocksToDownload(time.Unix(0, 0))
	if err != nil {
		t.Fatalf("BlocksToDownload: unexpected error %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("second enumeration returned %d blocks, want 0", len(refs))
	}
}

// TestChainWorkMonotonic asserts accepted headers strictly increase the
// cumulative chain work along the chain.
func TestChainWorkMonotonic(t *testing.T) {
	h := newSimNetHarness(t)
	nodes, _ := h.extend(h.chain.BestTip(), 10, 1)

	work := h.store.nodes[*h.params.GenesisHash].ChainWork
	for _, node := range nodes {
		if node.ChainWork.Cmp(work) <= 0 {
			t.Fatalf("chain work at height %d did not increase", node.Height)
		}
		work = node.ChainWork
	}
}

// TestChainReorg exercises chain selection: a second branch forking at
// height 5 with more cumulative work replaces the main chain suffix and
// rewrites the height index for the affected range.
func TestChainReorg(t *testing.T) {
	h := newSimNetHarness(t)

	mainNodes, _ := h.extend(h.chain.BestTip(), 10, 1)
	fork := mainNodes[4] // height 5

	branchNodes, action := h.extend(fork, 7, 2)
	reorg, ok := action.(*ChainReorg)
	if !ok {
		t.Fatalf("expected ChainReorg action, got %T", action)
	}

	if reorg.Split.Hash != fork.Hash {
		t.Fatalf("reorg split is %v, want %v", reorg.Split.Hash, fork.Hash)
	}
	if len(reorg.Old) != 5 {
		t.Fatalf("reorg disconnected %d nodes, want 5", len(reorg.Old))
	}
	if len(reorg.New) != 7 {
		t.Fatalf("reorg connected %d nodes, want 7", len(reorg.New))
	}

	tip := h.chain.BestTip()
	if tip.Height != 12 {
		t.Fatalf("best tip height is %d, want 12", tip.Height)
	}

	newWork := reorg.New[len(reorg.New)-1].ChainWork
	oldWork := reorg.Old[len(reorg.Old)-1].ChainWork
	if newWork.Cmp(oldWork) <= 0 {
		t.Fatalf("reorg did not increase cumulative work")
	}

	// The height index now points at the new branch for heights 6-10.
	for i, node := range branchNodes[:5] {
		indexed, err := h.store.GetByHeight(uint32(6 + i))
		if err != nil {
			t.Fatalf("GetByHeight: unexpected error %v", err)
		}
		if indexed.Hash != node.Hash {
			t.Fatalf("height %d indexes %v, want %v", 6+i, indexed.Hash,
				node.Hash)
		}
	}

	// Disconnected nodes keep child pointers that now lead off the main
	// chain.
	for _, node := range reorg.Old {
		if node.ChildHash == nil {
			continue
		}
		indexed, err := h.store.GetByHeight(node.Height + 1)
		if err != nil {
			t.Fatalf("GetByHeight: unexpected error %v", err)
		}
		if indexed != nil && indexed.Hash == *node.ChildHash {
			t.Fatalf("disconnected node at height %d still points into "+
				"the main chain", node.Height)
		}
	}
}

// TestSideChain asserts a branch with less work is tracked without touching
// the height index or the best tip.
func TestSideChain(t *testing.T) {
	h := newSimNetHarness(t)

	mainNodes, _ := h.extend(h.chain.BestTip(), 10, 1)
	fork := mainNodes[4]

	_, action := h.extend(fork, 2, 2)
	side, ok := action.(*SideChain)
	if !ok {
		t.Fatalf("expected SideChain action, got %T", action)
	}
	if side.Nodes[0].Hash != fork.Hash {
		t.Fatalf("side chain does not start at the split node")
	}
	if len(side.Nodes) != 3 {
		t.Fatalf("side chain has %d nodes, want 3", len(side.Nodes))
	}

	if tip := h.chain.BestTip(); tip.Height != 10 {
		t.Fatalf("best tip height is %d, want 10", tip.Height)
	}
	indexed, err := h.store.GetByHeight(6)
	if err != nil {
		t.Fatalf("GetByHeight: unexpected error %v", err)
	}
	if indexed.Hash != mainNodes[5].Hash {
		t.Fatalf("height index was rewritten by a side chain")
	}
}

// TestKnownChain asserts replaying known headers neither mutates the chain
// nor reports them as new.
func TestKnownChain(t *testing.T) {
	h := newSimNetHarness(t)

	headers := genHeaders(h.chain.BestTip().Hash,
		h.chain.BestTip().Header.Timestamp, h.params.PowLimitBits, 5, 1)
	if _, _, err := h.chain.ConnectHeaders(headers, time.Now(), true); err != nil {
		t.Fatalf("ConnectHeaders: unexpected error %v", err)
	}

	_, action, err := h.chain.ConnectHeaders(headers, time.Now(), true)
	if err != nil {
		t.Fatalf("ConnectHeaders replay: unexpected error %v", err)
	}
	if _, ok := action.(*KnownChain); !ok {
		t.Fatalf("expected KnownChain action, got %T", action)
	}
}

// TestConnectNotLinked asserts a batch whose headers do not reference each
// other is rejected without mutating the store.
func TestConnectNotLinked(t *testing.T) {
	h := newSimNetHarness(t)

	headers := genHeaders(h.chain.BestTip().Hash,
		h.chain.BestTip().Header.Timestamp, h.params.PowLimitBits, 3, 1)
	headers[2].PrevBlock = chainhash.Hash{}
	solveHeader(headers[2])

	_, _, err := h.chain.ConnectHeaders(headers, time.Now(), true)
	if !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}
	if len(h.store.nodes) != 1 {
		t.Fatalf("failed batch mutated the store")
	}
	if h.chain.BestTip().Height != 0 {
		t.Fatalf("failed batch moved the best tip")
	}
}

// TestDeferredCommit asserts that without auto-commit the height index and
// best pointer only move once the action is committed.
func TestDeferredCommit(t *testing.T) {
	h := newSimNetHarness(t)

	headers := genHeaders(h.chain.BestTip().Hash,
		h.chain.BestTip().Header.Timestamp, h.params.PowLimitBits, 3, 1)
	_, action, err := h.chain.ConnectHeaders(headers, time.Now(), false)
	if err != nil {
		t.Fatalf("ConnectHeaders: unexpected error %v", err)
	}

	if h.chain.BestTip().Height != 0 {
		t.Fatalf("best tip moved before commit")
	}
	node, err := h.store.GetByHeight(1)
	if err != nil {
		t.Fatalf("GetByHeight: unexpected error %v", err)
	}
	if node != nil {
		t.Fatalf("height index written before commit")
	}

	if err := h.chain.CommitAction(action); err != nil {
		t.Fatalf("CommitAction: unexpected error %v", err)
	}
	if h.chain.BestTip().Height != 3 {
		t.Fatalf("best tip height is %d after commit, want 3",
			h.chain.BestTip().Height)
	}
}

// TestHeightIndexSoundness verifies every height up to the tip traces back
// to genesis through parent pointers and forward to the tip through child
// pointers.
func TestHeightIndexSoundness(t *testing.T) {
	h := newSimNetHarness(t)
	h.extend(h.chain.BestTip(), 10, 1)

	// Reorganize once to stress the index rewrite.
	mainTip := h.chain.BestTip()
	fork, err := h.store.GetByHeight(5)
	if err != nil {
		t.Fatalf("GetByHeight: unexpected error %v", err)
	}
	h.extend(fork, 7, 2)
	if h.chain.BestTip().Hash == mainTip.Hash {
		t.Fatalf("reorg did not move the tip")
	}

	tip := h.chain.BestTip()
	for height := uint32(0); height <= tip.Height; height++ {
		node, err := h.store.GetByHeight(height)
		if err != nil {
			t.Fatalf("GetByHeight: unexpected error %v", err)
		}
		if node == nil {
			t.Fatalf("no node indexed at height %d", height)
		}

		// Walk back to genesis.
		walk := node
		for walk.Height > 0 {
			walk, err = h.chain.parent(walk)
			if err != nil || walk == nil {
				t.Fatalf("broken parent chain at height %d", height)
			}
		}
		if walk.Hash != *h.params.GenesisHash {
			t.Fatalf("height %d does not trace back to genesis", height)
		}

		// Walk forward to the tip.
		walk = node
		for walk.Hash != tip.Hash {
			if walk.ChildHash == nil {
				t.Fatalf("height %d does not trace forward to the tip", height)
			}
			walk, err = h.store.GetNode(walk.ChildHash)
			if err != nil || walk == nil {
				t.Fatalf("broken child chain at height %d", height)
			}
		}
	}
}

// TestBlockLocator verifies locator hashes are main chain ancestors, the
// genesis hash terminates the locator and growth is logarithmic.
func TestBlockLocator(t *testing.T) {
	h := newSimNetHarness(t)
	h.extend(h.chain.BestTip(), 64, 1)

	locator, err := h.chain.BlockLocator()
	if err != nil {
		t.Fatalf("BlockLocator: unexpected error %v", err)
	}
	if locator[len(locator)-1] != *h.params.GenesisHash {
		t.Fatalf("locator does not end with the genesis hash")
	}
	// 10 recent + log2-spaced tail + genesis.
	if len(locator) > 10+7+1 {
		t.Fatalf("locator has %d entries for height 64, want at most 18",
			len(locator))
	}

	for _, hash := range locator {
		hash := hash
		node, err := h.store.GetNode(&hash)
		if err != nil || node == nil {
			t.Fatalf("locator hash %v is unknown", hash)
		}
		indexed, err := h.store.GetByHeight(node.Height)
		if err != nil {
			t.Fatalf("GetByHeight: unexpected error %v", err)
		}
		if indexed.Hash != node.Hash {
			t.Fatalf("locator hash %v is not on the main chain", hash)
		}
	}
}

// TestBlockLocatorSide verifies the side chain locator leads with the side
// nodes, newest first, ahead of the mainline locator.
func TestBlockLocatorSide(t *testing.T) {
	h := newSimNetHarness(t)
	mainNodes, _ := h.extend(h.chain.BestTip(), 10, 1)
	_, action := h.extend(mainNodes[4], 3, 2)

	side, ok := action.(*SideChain)
	if !ok {
		t.Fatalf("expected SideChain action, got %T", action)
	}
	locator, err := h.chain.BlockLocatorSide(side)
	if err != nil {
		t.Fatalf("BlockLocatorSide: unexpected error %v", err)
	}

	for i := 0; i < 3; i++ {
		want := side.Nodes[len(side.Nodes)-1-i].Hash
		if locator[i] != want {
			t.Fatalf("side locator entry %d is %v, want %v", i, locator[i], want)
		}
	}
	if locator[3] != mainNodes[4].Hash {
		t.Fatalf("side locator does not continue at the split node")
	}
	if locator[len(locator)-1] != *h.params.GenesisHash {
		t.Fatalf("side locator does not end with the genesis hash")
	}
}

// TestConnectBlockOrdering verifies merkle block import actions: imports must
// be contiguous, side blocks and stale blocks are classified and a reorg of
// the imported chain is reported exactly once.
func TestConnectBlockOrdering(t *testing.T) {
	h := newSimNetHarness(t)
	mainNodes, _ := h.extend(h.chain.BestTip(), 5, 1)

	// Importing height 2 before height 1 is refused.
	action, err := h.chain.ConnectBlock(&mainNodes[1].Hash)
	if err != nil {
		t.Fatalf("ConnectBlock: unexpected error %v", err)
	}
	if action != nil {
		t.Fatalf("orphan import returned %T, want nil", action)
	}

	for i := 0; i < 3; i++ {
		action, err = h.chain.ConnectBlock(&mainNodes[i].Hash)
		if err != nil {
			t.Fatalf("ConnectBlock: unexpected error %v", err)
		}
		if _, ok := action.(*BestBlock); !ok {
			t.Fatalf("import at height %d returned %T, want BestBlock",
				i+1, action)
		}
	}

	// A re-import of an already imported block is reported as old.
	action, err = h.chain.ConnectBlock(&mainNodes[0].Hash)
	if err != nil {
		t.Fatalf("ConnectBlock: unexpected error %v", err)
	}
	if _, ok := action.(*OldBlock); !ok {
		t.Fatalf("stale import returned %T, want OldBlock", action)
	}

	// A heavier branch from height 2 reorganizes the imported chain when
	// its first block is imported.
	branchNodes, headerAction := h.extend(mainNodes[1], 5, 2)
	if _, ok := headerAction.(*ChainReorg); !ok {
		t.Fatalf("expected ChainReorg header action, got %T", headerAction)
	}

	action, err = h.chain.ConnectBlock(&branchNodes[0].Hash)
	if err != nil {
		t.Fatalf("ConnectBlock: unexpected error %v", err)
	}
	reorg, ok := action.(*ChainReorg)
	if !ok {
		t.Fatalf("import of the new branch returned %T, want ChainReorg",
			action)
	}
	if reorg.Split.Hash != mainNodes[1].Hash {
		t.Fatalf("import reorg splits at %v, want %v", reorg.Split.Hash,
			mainNodes[1].Hash)
	}
	if len(reorg.Old) != 1 {
		t.Fatalf("import reorg rolls back %d blocks, want 1", len(reorg.Old))
	}

	// The rest of the branch continues as best blocks.
	action, err = h.chain.ConnectBlock(&branchNodes[1].Hash)
	if err != nil {
		t.Fatalf("ConnectBlock: unexpected error %v", err)
	}
	if _, ok := action.(*BestBlock); !ok {
		t.Fatalf("follow-up import returned %T, want BestBlock", action)
	}

	// A block of the abandoned branch is now a side block.
	action, err = h.chain.ConnectBlock(&mainNodes[3].Hash)
	if err != nil {
		t.Fatalf("ConnectBlock: unexpected error %v", err)
	}
	if _, ok := action.(*SideBlock); !ok {
		t.Fatalf("abandoned branch import returned %T, want SideBlock", action)
	}
}

// TestRescanRewind verifies a rescan rewinds the import and download cursors
// and re-enumerates from the requested time.
func TestRescanRewind(t *testing.T) {
	h := newSimNetHarness(t)
	mainNodes, _ := h.extend(h.chain.BestTip(), 10, 1)

	if _, err := h.chain.BlocksToDownload(time.Unix(0, 0)); err != nil {
		t.Fatalf("BlocksToDownload: unexpected error %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := h.chain.ConnectBlock(&mainNodes[i].Hash); err != nil {
			t.Fatalf("ConnectBlock: unexpected error %v", err)
		}
	}

	rescanTime := mainNodes[6].Header.Timestamp
	refs, err := h.chain.Rescan(rescanTime)
	if err != nil {
		t.Fatalf("Rescan: unexpected error %v", err)
	}
	if len(refs) != 4 {
		t.Fatalf("rescan enumerated %d blocks, want 4", len(refs))
	}
	if refs[0].Height != 7 {
		t.Fatalf("rescan starts at height %d, want 7", refs[0].Height)
	}

	// The import cursor rewound as well: height 7 is importable again.
	action, err := h.chain.ConnectBlock(&mainNodes[6].Hash)
	if err != nil {
		t.Fatalf("ConnectBlock: unexpected error %v", err)
	}
	if _, ok := action.(*BestBlock); !ok {
		t.Fatalf("post-rescan import returned %T, want BestBlock", action)
	}
}

// TestNodeAtTimestamp verifies the timestamp lookup lands on the last node
// mined before the requested time.
func TestNodeAtTimestamp(t *testing.T) {
	h := newSimNetHarness(t)
	mainNodes, _ := h.extend(h.chain.BestTip(), 10, 1)

	node, err := h.chain.NodeAtTimestamp(mainNodes[4].Header.Timestamp)
	if err != nil {
		t.Fatalf("NodeAtTimestamp: unexpected error %v", err)
	}
	if node.Height != 4 {
		t.Fatalf("NodeAtTimestamp returned height %d, want 4", node.Height)
	}

	node, err = h.chain.NodeAtTimestamp(time.Unix(0, 0))
	if err != nil {
		t.Fatalf("NodeAtTimestamp: unexpected error %v", err)
	}
	if node.Height != 0 {
		t.Fatalf("NodeAtTimestamp before genesis returned height %d, want 0",
			node.Height)
	}
}

// TestNodeWindow verifies the forward window follows the height index.
func TestNodeWindow(t *testing.T) {
	h := newSimNetHarness(t)
	mainNodes, _ := h.extend(h.chain.BestTip(), 10, 1)

	window, err := h.chain.NodeWindow(&mainNodes[2].Hash, 4)
	if err != nil {
		t.Fatalf("NodeWindow: unexpected error %v", err)
	}
	if len(window) != 4 {
		t.Fatalf("window has %d nodes, want 4", len(window))
	}
	for i, node := range window {
		if node.Hash != mainNodes[2+i].Hash {
			t.Fatalf("window entry %d is %v, want %v", i, node.Hash,
				mainNodes[2+i].Hash)
		}
	}
}

// TestVerifyHeaderErrors exercises the validation failure modes.
func TestVerifyHeaderErrors(t *testing.T) {
	h := newSimNetHarness(t)
	genesis := h.chain.BestTip()

	// Unknown parent.
	header := genHeaders(chainhash.Hash{0x01}, genesis.Header.Timestamp,
		h.params.PowLimitBits, 1, 1)[0]
	_, _, err := h.chain.ConnectHeader(header, time.Now(), true)
	if !errors.Is(err, ErrParentUnknown) {
		t.Fatalf("expected ErrParentUnknown, got %v", err)
	}

	// Timestamp too far in the future.
	adjTime := time.Now()
	header = genHeaders(genesis.Hash, adjTime.Add(3*time.Hour),
		h.params.PowLimitBits, 1, 2)[0]
	_, _, err = h.chain.ConnectHeader(header, adjTime, true)
	if !errors.Is(err, ErrBadTimestamp) {
		t.Fatalf("expected ErrBadTimestamp, got %v", err)
	}

	// Timestamp not after the median of the previous blocks.
	header = genHeaders(genesis.Hash,
		genesis.Header.Timestamp.Add(-20*time.Minute), h.params.PowLimitBits,
		1, 3)[0]
	_, _, err = h.chain.ConnectHeader(header, time.Now(), true)
	if !errors.Is(err, ErrTimestampTooEarly) {
		t.Fatalf("expected ErrTimestampTooEarly, got %v", err)
	}

	// Difficulty bits that disagree with the retarget rules.
	halfLimit := new(big.Int).Rsh(h.params.PowLimit, 1)
	badBits := blockchain.BigToCompact(halfLimit)
	header = genHeaders(genesis.Hash, genesis.Header.Timestamp, badBits, 1, 4)[0]
	_, _, err = h.chain.ConnectHeader(header, time.Now(), true)
	if !errors.Is(err, ErrBadWork) {
		t.Fatalf("expected ErrBadWork, got %v", err)
	}

	// A target above the proof of work limit.
	tooEasy := new(big.Int).Lsh(h.params.PowLimit, 1)
	header = genHeaders(genesis.Hash, genesis.Header.Timestamp,
		blockchain.BigToCompact(tooEasy), 1, 5)[0]
	_, _, err = h.chain.ConnectHeader(header, time.Now(), true)
	if !errors.Is(err, ErrBadProofOfWork) {
		t.Fatalf("expected ErrBadProofOfWork, got %v", err)
	}
}

// TestCheckpointEnforcement verifies headers cannot fork below a committed
// checkpoint and must match the checkpoint hash at its height.
func TestCheckpointEnforcement(t *testing.T) {
	// Build a plain chain first to learn the hashes to checkpoint.
	plain := newSimNetHarness(t)
	plainNodes, _ := plain.extend(plain.chain.BestTip(), 6, 1)

	cpHash := plainNodes[2].Hash // height 3
	checkpointed := chaincfg.SimNetParams
	checkpointed.Checkpoints = []chaincfg.Checkpoint{
		{Height: 3, Hash: &cpHash},
	}

	h := newTestHarness(t, &checkpointed, time.Unix(0, 0))
	headers := make([]*wire.BlockHeader, 0, len(plainNodes))
	for _, node := range plainNodes {
		header := node.Header
		headers = append(headers, &header)
	}
	if _, _, err := h.chain.ConnectHeaders(headers, time.Now(), true); err != nil {
		t.Fatalf("ConnectHeaders: unexpected error %v", err)
	}

	// A fork below the checkpoint is refused outright.
	forkHeader := genHeaders(plainNodes[0].Hash,
		plainNodes[0].Header.Timestamp, h.params.PowLimitBits, 1, 2)[0]
	_, _, err := h.chain.ConnectHeader(forkHeader, time.Now(), true)
	if !errors.Is(err, ErrRewritesCheckpoint) {
		t.Fatalf("expected ErrRewritesCheckpoint, got %v", err)
	}

	// A fresh chain presented with a conflicting block at the checkpoint
	// height is refused with a checkpoint mismatch.
	h2 := newTestHarness(t, &checkpointed, time.Unix(0, 0))
	good := genHeaders(*checkpointed.GenesisHash,
		checkpointed.GenesisBlock.Header.Timestamp, h2.params.PowLimitBits,
		2, 3)
	if _, _, err := h2.chain.ConnectHeaders(good, time.Now(), true); err != nil {
		t.Fatalf("ConnectHeaders: unexpected error %v", err)
	}
	bad := genHeaders(good[1].BlockHash(), good[1].Timestamp,
		h2.params.PowLimitBits, 1, 4)[0]
	_, _, err = h2.chain.ConnectHeader(bad, time.Now(), true)
	if !errors.Is(err, ErrFailsCheckpoint) {
		t.Fatalf("expected ErrFailsCheckpoint, got %v", err)
	}
}
