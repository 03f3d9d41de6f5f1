// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2021 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/go-socks/socks"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "spvd.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "spvd.log"
	defaultDebugLevel     = "info"
	dialTimeout           = 30 * time.Second
)

var (
	defaultHomeDir    = btcutil.AppDataDir("spvd", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for spvd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion    bool     `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile     string   `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir        string   `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir         string   `long:"logdir" description:"Directory to log output"`
	Connect        []string `long:"connect" description:"Connect to the specified peers at startup"`
	TestNet3       bool     `long:"testnet" description:"Use the test network"`
	RegressionTest bool     `long:"regtest" description:"Use the regression test network"`
	SimNet         bool     `long:"simnet" description:"Use the simulation test network"`
	Proxy          string   `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser      string   `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass      string   `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	FastCatchup    int64    `long:"fastcatchup" description:"Unix timestamp; blocks with earlier timestamps are not fetched as merkle blocks"`
	WatchAddresses []string `long:"watchaddress" description:"Address to add to the initial bloom filter"`
	DebugLevel     string   `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	// dial connects to the given TCP address, optionally through the
	// configured proxy.
	dial func(network, addr string) (net.Conn, error)
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// removeDuplicateAddresses returns a new slice with all duplicate entries in
// addrs removed.
func removeDuplicateAddresses(addrs []string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, val := range addrs {
		if _, ok := seen[val]; !ok {
			result = append(result, val)
			seen[val] = struct{}{}
		}
	}
	return result
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, []string, error) {
	cfg := config{
		ConfigFile: defaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultDebugLevel,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, nil, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n", err)
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet3 {
		numNets++
		activeNetParams = &testNet3Params
	}
	if cfg.RegressionTest {
		numNets++
		activeNetParams = &regressionNetParams
	}
	if cfg.SimNet {
		numNets++
		activeNetParams = &simNetParams
	}
	if numNets > 1 {
		str := "%s: the testnet, regtest and simnet params can't be used " +
			"together -- choose one of the three"
		err := fmt.Errorf(str, "loadConfig")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Append the network type to the data and log directories so it is
	// "namespaced" per network.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, netName(activeNetParams))
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, netName(activeNetParams))

	// Validate debug log level.
	if !validLogLevel(cfg.DebugLevel) {
		str := "%s: the specified debug level [%v] is invalid"
		err := fmt.Errorf(str, "loadConfig", cfg.DebugLevel)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	err = os.MkdirAll(defaultHomeDir, 0700)
	if err != nil {
		str := "%s: failed to create home directory: %v"
		err := fmt.Errorf(str, "loadConfig", err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Add the default port for the active network to any connect targets
	// that do not specify one.
	for i, addr := range cfg.Connect {
		cfg.Connect[i] = normalizeAddress(addr, activeNetParams.DefaultPort)
	}
	cfg.Connect = removeDuplicateAddresses(cfg.Connect)

	// Setup dial function depending on the specified options.  The default
	// is to use the standard net.DialTimeout function.  When a proxy is
	// specified, the dial function is set to the proxy specific dial
	// function.
	cfg.dial = func(network, addr string) (net.Conn, error) {
		return net.DialTimeout(network, addr, dialTimeout)
	}
	if cfg.Proxy != "" {
		_, _, err := net.SplitHostPort(cfg.Proxy)
		if err != nil {
			str := "%s: proxy address '%s' is invalid: %v"
			err := fmt.Errorf(str, "loadConfig", cfg.Proxy, err)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		proxy := &socks.Proxy{
			Addr:     cfg.Proxy,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		}
		cfg.dial = func(network, addr string) (net.Conn, error) {
			return proxy.DialTimeout(network, addr, dialTimeout)
		}
	}

	return &cfg, remainingArgs, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
