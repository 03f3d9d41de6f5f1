// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/connmgr/v3"

	"github.com/cpt-octofu/spvd/headerchain"
	"github.com/cpt-octofu/spvd/headerdb"
	"github.com/cpt-octofu/spvd/peer"
	"github.com/cpt-octofu/spvd/spv"
)

const (
	// defaultRetryDuration is the base retry interval for persistent peer
	// connections.
	defaultRetryDuration = 5 * time.Second

	// blockDbName is the directory the header database lives in, inside
	// the per-network data directory.
	blockDbName = "headers"
)

// simpleAddr implements the net.Addr interface with two struct fields.
type simpleAddr struct {
	net, addr string
}

// String returns the address.
//
// This is part of the net.Addr interface.
func (a simpleAddr) String() string {
	return a.addr
}

// Network returns the network.
//
// This is part of the net.Addr interface.
func (a simpleAddr) Network() string {
	return a.net
}

// logWallet is a WalletSink that records everything the coordinator delivers.
// It stands in for an attached wallet process.
type logWallet struct{}

// ImportTxs logs the delivered transactions.
func (logWallet) ImportTxs(txs []*btcutil.Tx) error {
	for _, tx := range txs {
		spvdLog.Infof("Wallet received transaction %v", tx.Hash())
	}
	return nil
}

// ImportMerkle logs the delivered block action.
func (logWallet) ImportMerkle(action headerchain.BlockAction, expected []chainhash.Hash) error {
	spvdLog.Infof("Wallet received %s (%d matched transactions)", action,
		len(expected))
	return nil
}

// buildWatchFilter builds the initial bloom filter from the configured watch
// addresses.  It returns nil when no addresses are configured.
func buildWatchFilter(cfg *config) (*bloom.Filter, error) {
	if len(cfg.WatchAddresses) == 0 {
		return nil, nil
	}

	tweak, err := wire.RandomUint64()
	if err != nil {
		return nil, err
	}
	filter := bloom.NewFilter(uint32(10+len(cfg.WatchAddresses)),
		uint32(tweak), 0.0001, wire.BloomUpdateAll)
	for _, encoded := range cfg.WatchAddresses {
		addr, err := btcutil.DecodeAddress(encoded, activeNetParams.Params)
		if err != nil {
			return nil, fmt.Errorf("invalid watch address %q: %v", encoded, err)
		}
		filter.Add(addr.ScriptAddress())
	}
	return filter, nil
}

// shutdownListener returns a channel that is closed when an interrupt or
// termination signal is received.
func shutdownListener() <-chan struct{} {
	c := make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		spvdLog.Infof("Received signal (%s), shutting down...", sig)
		close(c)
	}()
	return c
}

// spvdMain is the real main function for spvd.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is
// called.
func spvdMain() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	defer logRotator.Close()
	setLogLevels(cfg.DebugLevel)

	spvdLog.Infof("Version %s", version())
	spvdLog.Infof("Active network: %s", activeNetParams.Name)

	shutdown := shutdownListener()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := headerdb.Open(filepath.Join(cfg.DataDir, blockDbName))
	if err != nil {
		spvdLog.Errorf("Unable to open header database: %v", err)
		return err
	}
	defer db.Close()

	fastCatchup := time.Unix(cfg.FastCatchup, 0)
	chain := headerchain.New(activeNetParams.Params, db)
	if err := chain.Init(fastCatchup); err != nil {
		spvdLog.Errorf("Unable to initialize header chain: %v", err)
		return err
	}

	coordinator := spv.New(&spv.Config{
		Chain:       chain,
		Wallet:      logWallet{},
		Params:      activeNetParams.Params,
		FastCatchup: fastCatchup,
	})
	coordinator.Start()

	filter, err := buildWatchFilter(cfg)
	if err != nil {
		spvdLog.Errorf("Unable to build bloom filter: %v", err)
		coordinator.Stop()
		return err
	}
	if filter != nil {
		coordinator.Submit(spv.UpdateBloom{Filter: filter})
		spvdLog.Infof("Watching %d addresses", len(cfg.WatchAddresses))
	}

	// Track live peer sessions so they can be torn down on shutdown and so
	// dropped persistent connections are retried.
	var peersMtx sync.Mutex
	peers := make(map[uint64]*peer.Peer)

	peerCfg := peer.Config{
		Params:           activeNetParams.Params,
		Events:           coordinator.Events(),
		BestHeight:       func() int32 { return int32(chain.BestTip().Height) },
		UserAgentName:    "spvd",
		UserAgentVersion: version(),
		Shutdown:         shutdown,
	}

	var cmgr *connmgr.ConnManager
	cmgr, err = connmgr.New(&connmgr.Config{
		RetryDuration: defaultRetryDuration,
		Dial: func(_ context.Context, network, addr string) (net.Conn, error) {
			return cfg.dial(network, addr)
		},
		OnConnection: func(req *connmgr.ConnReq, conn net.Conn) {
			p := peer.New(peerCfg, conn)
			peersMtx.Lock()
			peers[req.ID()] = p
			peersMtx.Unlock()
			p.Start()

			go func() {
				p.WaitForShutdown()
				peersMtx.Lock()
				delete(peers, req.ID())
				peersMtx.Unlock()
				cmgr.Disconnect(req.ID())
			}()
		},
	})
	if err != nil {
		spvdLog.Errorf("Unable to create connection manager: %v", err)
		coordinator.Stop()
		return err
	}
	go cmgr.Run(ctx)

	if len(cfg.Connect) == 0 {
		spvdLog.Warnf("No peers configured; use --connect to add some")
	}
	for _, addr := range cfg.Connect {
		go cmgr.Connect(ctx, &connmgr.ConnReq{
			Addr:      simpleAddr{net: "tcp", addr: addr},
			Permanent: true,
		})
	}

	<-shutdown

	// Stop dialing and tear the peers down first so their final events
	// drain into the coordinator, then stop the coordinator itself.
	cancel()
	peersMtx.Lock()
	for _, p := range peers {
		p.Disconnect()
	}
	peersMtx.Unlock()
	coordinator.Stop()

	spvdLog.Info("Shutdown complete")
	return nil
}

func main() {
	if err := spvdMain(); err != nil {
		os.Exit(1)
	}
}
