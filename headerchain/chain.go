// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package headerchain

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Action describes how a batch of connected headers relates to the current
// best chain.  It is returned by the connect functions and consumed by
// CommitAction, which is the only operation that mutates the height index and
// the best tip pointer.
type Action interface {
	// String returns a human-readable description of the action.
	String() string

	headerAction()
}

// BestChain extends the current best chain with the contained nodes, in
// ascending height order.
type BestChain struct {
	Nodes []*HeaderNode
}

// ChainReorg replaces the Old main chain segment above Split with the heavier
// New segment.  Both segments are in ascending height order and exclude the
// split node itself.  ChainReorg doubles as a BlockAction when the wallet's
// imported chain is reorganized.
type ChainReorg struct {
	Split *HeaderNode
	Old   []*HeaderNode
	New   []*HeaderNode
}

// SideChain records nodes that extend a chain with less cumulative work than
// the current best chain.  The first node is the main chain split the side
// chain forks from.
type SideChain struct {
	Nodes []*HeaderNode
}

// KnownChain reports that all nodes of the batch were already known.
type KnownChain struct {
	Nodes []*HeaderNode
}

func (a *BestChain) headerAction()  {}
func (a *ChainReorg) headerAction() {}
func (a *SideChain) headerAction()  {}
func (a *KnownChain) headerAction() {}

// String returns a human-readable description of the action.
func (a *BestChain) String() string {
	tip := a.Nodes[len(a.Nodes)-1]
	return fmt.Sprintf("best chain -> height %d hash %v", tip.Height, tip.Hash)
}

// String returns a human-readable description of the action.
func (a *ChainReorg) String() string {
	tip := a.New[len(a.New)-1]
	return fmt.Sprintf("reorganize at height %d: %d blocks disconnected, "+
		"%d connected, new tip %v", a.Split.Height, len(a.Old), len(a.New),
		tip.Hash)
}

// String returns a human-readable description of the action.
func (a *SideChain) String() string {
	tip := a.Nodes[len(a.Nodes)-1]
	return fmt.Sprintf("side chain -> height %d hash %v", tip.Height, tip.Hash)
}

// String returns a human-readable description of the action.
func (a *KnownChain) String() string {
	tip := a.Nodes[len(a.Nodes)-1]
	return fmt.Sprintf("known chain -> height %d hash %v", tip.Height, tip.Hash)
}

// BlockAction describes how an imported merkle block relates to the chain of
// blocks already acknowledged to the wallet.
type BlockAction interface {
	// String returns a human-readable description of the action.
	String() string

	blockAction()
}

// BestBlock extends the imported chain by one block.
type BestBlock struct {
	Node *HeaderNode
}

// SideBlock records a block that is not on the current main chain.
type SideBlock struct {
	Node *HeaderNode
}

// OldBlock records a main chain block at or below the imported tip.
type OldBlock struct {
	Node *HeaderNode
}

func (a *BestBlock) blockAction()  {}
func (a *SideBlock) blockAction()  {}
func (a *OldBlock) blockAction()   {}
func (a *ChainReorg) blockAction() {}

// String returns a human-readable description of the action.
func (a *BestBlock) String() string {
	return fmt.Sprintf("best block height %d hash %v", a.Node.Height, a.Node.Hash)
}

// String returns a human-readable description of the action.
func (a *SideBlock) String() string {
	return fmt.Sprintf("side block height %d hash %v", a.Node.Height, a.Node.Hash)
}

// String returns a human-readable description of the action.
func (a *OldBlock) String() string {
	return fmt.Sprintf("old block height %d hash %v", a.Node.Height, a.Node.Hash)
}

// BlockRef identifies a main chain block pending download.
type BlockRef struct {
	Height uint32
	Hash   chainhash.Hash
}

// Chain is the single authority on chain structure.  It validates headers,
// maintains the best chain, computes reorganizations, produces locators and
// answers which blocks remain to download.
//
// Chain is not safe for concurrent access.  The SPV coordinator owns it and
// serializes all calls.
type Chain struct {
	params *chaincfg.Params
	store  HeaderStore

	// best is the cached tip of the main chain.
	best *HeaderNode

	// imported is the most recent block acknowledged to the wallet.  The
	// merkle block import actions are computed relative to it.
	imported *HeaderNode

	// fetched is the most recent main chain node already enumerated for
	// download.  BlocksToDownload resumes after it.
	fetched *HeaderNode

	// fastCatchup is the floor timestamp below which blocks are treated
	// as implicitly imported.
	fastCatchup time.Time
}

// New returns a chain for the given network backed by the given store.  Init
// must be called before any other method.
func New(params *chaincfg.Params, store HeaderStore) *Chain {
	return &Chain{
		params: params,
		store:  store,
	}
}

// Init ensures the genesis node is present and positions the download and
// import cursors according to the fast catchup time.  It is idempotent.
func (c *Chain) Init(fastCatchup time.Time) error {
	best, err := c.store.GetBest()
	if err != nil {
		return err
	}
	if best == nil {
		genesis := genesisHeaderNode(&c.params.GenesisBlock.Header)
		if err := c.store.PutNode(genesis); err != nil {
			return err
		}
		if err := c.store.PutHeight(genesis); err != nil {
			return err
		}
		if err := c.store.SetBest(genesis); err != nil {
			return err
		}
		best = genesis
		log.Infof("Created genesis node %v for network %s", genesis.Hash,
			c.params.Name)
	}
	c.best = best

	start, err := c.NodeAtTimestamp(fastCatchup)
	if err != nil {
		return err
	}
	c.imported = start
	c.fetched = start
	c.fastCatchup = fastCatchup

	log.Infof("Header chain initialized with tip %v (height %d)", best.Hash,
		best.Height)
	return nil
}

// BestTip returns the tip of the main chain.
func (c *Chain) BestTip() *HeaderNode {
	return c.best
}

// GetNode returns the node for the given hash, or nil when the hash is not
// known to the chain.
func (c *Chain) GetNode(hash *chainhash.Hash) (*HeaderNode, error) {
	return c.store.GetNode(hash)
}

// parent returns the parent of the given node, or nil for the genesis node.
func (c *Chain) parent(node *HeaderNode) (*HeaderNode, error) {
	if node.Height == 0 {
		return nil, nil
	}
	return c.store.GetNode(&node.Header.PrevBlock)
}

// mainChainNode reports whether the node is on the current main chain.
func (c *Chain) mainChainNode(node *HeaderNode) (bool, error) {
	indexed, err := c.store.GetByHeight(node.Height)
	if err != nil {
		return false, err
	}
	return indexed != nil && indexed.Hash == node.Hash, nil
}

// ConnectHeader validates the given header against its parent and persists
// the resulting node.  The returned action describes how the header relates
// to the best chain.  When commit is true the action is also committed,
// making any best chain change durable; otherwise the caller receives the
// action first and must call CommitAction itself.
//
// A header that is already on the main chain returns its existing node with a
// KnownChain action and no store mutation.
func (c *Chain) ConnectHeader(header *wire.BlockHeader, adjTime time.Time, commit bool) (*HeaderNode, Action, error) {
	nodes, action, err := c.ConnectHeaders([]*wire.BlockHeader{header}, adjTime, commit)
	if err != nil {
		return nil, nil, err
	}
	return nodes[0], action, nil
}

// ConnectHeaders validates an internally linked batch of headers and persists
// the resulting nodes.  Validation fails fast: on error no node of the batch
// is persisted.  The returned action describes how the batch relates to the
// best chain and, when commit is false, must be passed to CommitAction to
// become durable.
func (c *Chain) ConnectHeaders(headers []*wire.BlockHeader, adjTime time.Time, commit bool) ([]*HeaderNode, Action, error) {
	if len(headers) == 0 {
		return nil, nil, ruleError(ErrNotLinked, "empty header batch")
	}

	// The batch must form a chain on its own.
	for i := 0; i < len(headers)-1; i++ {
		hash := headers[i].BlockHash()
		if headers[i+1].PrevBlock != hash {
			str := fmt.Sprintf("header %d does not reference header %d", i+1, i)
			return nil, nil, ruleError(ErrNotLinked, str)
		}
	}

	// Validate each header against its parent, resolving parents from the
	// batch itself before falling back to the store so nothing is persisted
	// until the whole batch is known good.
	nodes := make([]*HeaderNode, 0, len(headers))
	pending := make(map[chainhash.Hash]*HeaderNode, len(headers))
	var fresh []*HeaderNode
	for _, header := range headers {
		hash := header.BlockHash()
		existing, err := c.store.GetNode(&hash)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			nodes = append(nodes, existing)
			pending[hash] = existing
			continue
		}

		parent := pending[header.PrevBlock]
		if parent == nil {
			parent, err = c.store.GetNode(&header.PrevBlock)
			if err != nil {
				return nil, nil, err
			}
		}
		node, err := c.verifyHeader(header, parent, adjTime)
		if err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, node)
		pending[hash] = node
		fresh = append(fresh, node)
	}

	for _, node := range fresh {
		if err := c.store.PutNode(node); err != nil {
			return nil, nil, err
		}
	}

	action, err := c.evalNewChain(nodes)
	if err != nil {
		return nil, nil, err
	}
	if commit {
		if err := c.CommitAction(action); err != nil {
			return nil, nil, err
		}
	}
	return nodes, action, nil
}

// findSplit returns the nearest common ancestor of the two nodes by walking
// the higher one down until the heights match and then both down in lockstep.
func (c *Chain) findSplit(a, b *HeaderNode) (*HeaderNode, error) {
	var err error
	for a.Height > b.Height {
		if a, err = c.parent(a); err != nil || a == nil {
			return nil, err
		}
	}
	for b.Height > a.Height {
		if b, err = c.parent(b); err != nil || b == nil {
			return nil, err
		}
	}
	for a.Hash != b.Hash {
		if a, err = c.parent(a); err != nil || a == nil {
			return nil, err
		}
		if b, err = c.parent(b); err != nil || b == nil {
			return nil, err
		}
	}
	return a, nil
}

// pathFromSplit returns the chain segment strictly above split ending at tip,
// in ascending height order, gathered by walking parent pointers.
func (c *Chain) pathFromSplit(split, tip *HeaderNode) ([]*HeaderNode, error) {
	if tip.Hash == split.Hash {
		return nil, nil
	}
	path := make([]*HeaderNode, tip.Height-split.Height)
	node := tip
	for i := len(path) - 1; i >= 0; i-- {
		path[i] = node
		var err error
		node, err = c.parent(node)
		if err != nil {
			return nil, err
		}
		if node == nil {
			return nil, fmt.Errorf("broken parent chain below %v", tip.Hash)
		}
	}
	if node.Hash != split.Hash {
		return nil, fmt.Errorf("node %v does not descend from %v", tip.Hash,
			split.Hash)
	}
	return path, nil
}

// evalNewChain determines how a batch of validated, linked nodes relates to
// the current best chain.
func (c *Chain) evalNewChain(newNodes []*HeaderNode) (Action, error) {
	tip := newNodes[len(newNodes)-1]
	split, err := c.findSplit(tip, c.best)
	if err != nil {
		return nil, err
	}

	newSeg, err := c.pathFromSplit(split, tip)
	if err != nil {
		return nil, err
	}
	if len(newSeg) == 0 {
		// The entire batch is already part of the main chain.
		return &KnownChain{Nodes: newNodes}, nil
	}

	oldSeg, err := c.pathFromSplit(split, c.best)
	if err != nil {
		return nil, err
	}
	if len(oldSeg) == 0 {
		return &BestChain{Nodes: newSeg}, nil
	}

	newWork := newSeg[len(newSeg)-1].ChainWork
	oldWork := oldSeg[len(oldSeg)-1].ChainWork
	if newWork.Cmp(oldWork) > 0 {
		return &ChainReorg{Split: split, Old: oldSeg, New: newSeg}, nil
	}
	return &SideChain{Nodes: append([]*HeaderNode{split}, newSeg...)}, nil
}

// CommitAction makes a best chain change durable.  For BestChain and
// ChainReorg actions it links the child pointers along the new segment,
// rewrites the height index for the affected range and moves the best tip
// pointer.  SideChain and KnownChain actions are no-ops.
func (c *Chain) CommitAction(action Action) error {
	var split *HeaderNode
	var seg []*HeaderNode
	switch a := action.(type) {
	case *BestChain:
		parent, err := c.parent(a.Nodes[0])
		if err != nil {
			return err
		}
		split, seg = parent, a.Nodes
	case *ChainReorg:
		split, seg = a.Split, a.New
	default:
		return nil
	}

	prev := split
	for _, node := range seg {
		if prev != nil {
			hash := node.Hash
			prev.ChildHash = &hash
			if err := c.store.PutNode(prev); err != nil {
				return err
			}
		}
		if err := c.store.PutHeight(node); err != nil {
			return err
		}
		prev = node
	}

	tip := seg[len(seg)-1]
	if err := c.store.SetBest(tip); err != nil {
		return err
	}
	c.best = tip
	return nil
}

// ConnectBlock computes the import action for a downloaded merkle block
// relative to the chain of blocks already acknowledged to the wallet.  It
// returns a nil action when the hash is unknown or when the block's parent
// has not been imported yet, in which case the caller must retry once earlier
// blocks have been imported.
//
// A BestBlock or ChainReorg action advances the imported cursor.
func (c *Chain) ConnectBlock(hash *chainhash.Hash) (BlockAction, error) {
	node, err := c.store.GetNode(hash)
	if err != nil || node == nil {
		return nil, err
	}

	onMain, err := c.mainChainNode(node)
	if err != nil {
		return nil, err
	}
	if !onMain {
		return &SideBlock{Node: node}, nil
	}

	imported := c.imported
	if node.Height <= imported.Height {
		// Already covered by the imported chain, unless the imported
		// chain diverges from the main chain at or below this height.
		walk := imported
		for walk.Height > node.Height {
			walk, err = c.parent(walk)
			if err != nil {
				return nil, err
			}
			if walk == nil {
				return nil, fmt.Errorf("broken parent chain below %v",
					imported.Hash)
			}
		}
		if walk.Hash == node.Hash {
			return &OldBlock{Node: node}, nil
		}
	} else if node.Header.PrevBlock == imported.Hash {
		c.imported = node
		return &BestBlock{Node: node}, nil
	} else {
		// A main chain block whose parent predates the fast catchup
		// floor continues the imported chain: everything below the
		// floor is implicitly imported and never downloaded.
		parentNode, err := c.parent(node)
		if err != nil {
			return nil, err
		}
		if parentNode != nil && parentNode.Height >= imported.Height &&
			parentNode.Header.Timestamp.Before(c.fastCatchup) {

			c.imported = node
			return &BestBlock{Node: node}, nil
		}
	}

	// The block is on the main chain but does not extend the imported tip
	// directly.  If the imported tip is still on the main chain there is
	// simply a gap and the import has to wait; otherwise the imported
	// chain was reorganized away and the wallet must roll back once the
	// first block of the new branch arrives.
	importedOnMain, err := c.mainChainNode(imported)
	if err != nil {
		return nil, err
	}
	if importedOnMain {
		return nil, nil
	}

	split, err := c.findSplit(node, imported)
	if err != nil {
		return nil, err
	}
	if node.Header.PrevBlock != split.Hash {
		// Still waiting for the first block of the new branch.
		return nil, nil
	}
	oldSeg, err := c.pathFromSplit(split, imported)
	if err != nil {
		return nil, err
	}
	c.imported = node
	return &ChainReorg{Split: split, Old: oldSeg, New: []*HeaderNode{node}}, nil
}

// NodeAtTimestamp returns the most recent main chain node whose timestamp is
// before the given time, falling back to the genesis node.
func (c *Chain) NodeAtTimestamp(ts time.Time) (*HeaderNode, error) {
	node := c.best
	for node != nil && node.Height > 0 && !node.Header.Timestamp.Before(ts) {
		var err error
		node, err = c.parent(node)
		if err != nil {
			return nil, err
		}
	}
	if node == nil {
		return nil, fmt.Errorf("broken parent chain below best tip")
	}
	return node, nil
}

// NodeWindow returns up to count main chain nodes starting at the node with
// the given hash, following the height index forward.
func (c *Chain) NodeWindow(from *chainhash.Hash, count int) ([]*HeaderNode, error) {
	start, err := c.store.GetNode(from)
	if err != nil || start == nil {
		return nil, err
	}
	window := make([]*HeaderNode, 0, count)
	for i := 0; i < count; i++ {
		node, err := c.store.GetByHeight(start.Height + uint32(i))
		if err != nil {
			return nil, err
		}
		if node == nil {
			break
		}
		if i == 0 && node.Hash != start.Hash {
			// The requested node is no longer on the main chain.
			return nil, nil
		}
		window = append(window, node)
	}
	return window, nil
}

// BlocksToDownload enumerates main chain blocks that have not been enumerated
// before and whose timestamp is at or after the fast catchup time.  The
// download cursor advances past everything returned or skipped.
func (c *Chain) BlocksToDownload(fastCatchup time.Time) ([]BlockRef, error) {
	if c.fetched == nil {
		start, err := c.NodeAtTimestamp(fastCatchup)
		if err != nil {
			return nil, err
		}
		c.fetched = start
	}

	var refs []BlockRef
	for height := c.fetched.Height + 1; height <= c.best.Height; height++ {
		node, err := c.store.GetByHeight(height)
		if err != nil {
			return nil, err
		}
		if node == nil {
			break
		}
		c.fetched = node
		if node.Header.Timestamp.Before(fastCatchup) {
			continue
		}
		refs = append(refs, BlockRef{Height: height, Hash: node.Hash})
	}
	return refs, nil
}

// Rescan rewinds the download and import cursors to the node preceding the
// given time and re-enumerates every main chain block from there.
func (c *Chain) Rescan(fastCatchup time.Time) ([]BlockRef, error) {
	start, err := c.NodeAtTimestamp(fastCatchup)
	if err != nil {
		return nil, err
	}
	c.imported = start
	c.fetched = start
	c.fastCatchup = fastCatchup
	return c.BlocksToDownload(fastCatchup)
}
