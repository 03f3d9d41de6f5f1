// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// activeNetParams is a pointer to the parameters specific to the currently
// active network.
var activeNetParams = &mainNetParams

// params is used to group parameters for various networks such as the main
// network and test networks.
type params struct {
	*chaincfg.Params
}

// mainNetParams contains parameters specific to the main network
// (wire.MainNet).
var mainNetParams = params{
	Params: &chaincfg.MainNetParams,
}

// testNet3Params contains parameters specific to the test network (version 3)
// (wire.TestNet3).
var testNet3Params = params{
	Params: &chaincfg.TestNet3Params,
}

// regressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var regressionNetParams = params{
	Params: &chaincfg.RegressionNetParams,
}

// simNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var simNetParams = params{
	Params: &chaincfg.SimNetParams,
}

// netName returns the name used when referring to a network.  At the time of
// writing, spvd places data for the version 3 test network in the "testnet"
// directory, which does not match the Name field of the chaincfg parameters.
func netName(chainParams *params) string {
	switch chainParams.Net {
	case wire.TestNet3:
		return "testnet"
	default:
		return chainParams.Name
	}
}
