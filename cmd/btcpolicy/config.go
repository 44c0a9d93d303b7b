// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcpolicy/chain"
	"github.com/btcsuite/btcpolicy/keyring"
	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "btcpolicy.conf"
	defaultKeyringDBName  = "keyring.db"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "btcpolicy.log"
	defaultLogLevel       = "info"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultNetwork        = "mainnet"
	defaultBackend        = backendEsplora

	backendEsplora = "esplora"
	backendBtcd    = "btcd"
)

var (
	defaultAppDir     = btcutil.AppDataDir("btcpolicy", false)
	defaultConfigFile = filepath.Join(defaultAppDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDir, defaultLogDirname)

	// defaultEsploraURLs are the public Esplora instances used when no URL
	// is configured. Regtest has none.
	defaultEsploraURLs = map[string]string{
		"mainnet":  "https://blockstream.info/api",
		"testnet3": "https://blockstream.info/testnet/api",
		"signet":   "https://mempool.space/signet/api",
	}

	// defaultRPCPorts are btcd's RPC ports per network.
	defaultRPCPorts = map[string]string{
		"mainnet":  "8334",
		"testnet3": "18334",
		"regtest":  "18334",
		"signet":   "38332",
	}

	errNoEsploraURL = errors.New("no esplora url configured")
)

// esploraConfig holds the options of the Esplora backend.
type esploraConfig struct {
	URL     string        `long:"url" description:"Base URL of the Esplora API, defaults to a public instance for the network"`
	Timeout time.Duration `long:"timeout" description:"Timeout of a single Esplora request"`
}

// btcdConfig holds the options of the btcd RPC backend.
type btcdConfig struct {
	RPCHost string `long:"rpchost" description:"btcd RPC host:port, the port defaults to the network's RPC port"`
	RPCUser string `long:"rpcuser" description:"btcd RPC username"`
	RPCPass string `long:"rpcpass" default-mask:"-" description:"btcd RPC password, prompted for if empty and stdin is a terminal"`
	RPCCert string `long:"rpccert" description:"File containing the btcd RPC certificate"`
	NoTLS   bool   `long:"notls" description:"Connect to btcd without TLS"`
}

// config defines the configuration options of btcpolicy.
type config struct {
	AppDir     string `long:"appdir" description:"Directory holding the keyring database, logs and config file"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	Network    string `long:"network" description:"Bitcoin network to operate on" choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"signet"`

	Backend       string `long:"backend" description:"Chain backend used to publish transactions" choice:"esplora" choice:"btcd"`
	RejectInvalid bool   `long:"rejectinvalid" description:"Refuse PSBT entries that don't parse instead of keeping them as unresolved"`

	Esplora esploraConfig `group:"Esplora" namespace:"esplora"`
	Btcd    btcdConfig    `group:"btcd" namespace:"btcd"`

	LogDir         string `long:"logdir" description:"Directory to log output"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	netParams *chaincfg.Params
}

// defaultConfig returns a config populated with the default values.
func defaultConfig() *config {
	return &config{
		AppDir:     defaultAppDir,
		ConfigFile: defaultConfigFile,
		Network:    defaultNetwork,
		Backend:    defaultBackend,
		Esplora: esploraConfig{
			Timeout: chain.DefaultEsploraTimeout,
		},
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DebugLevel:     defaultLogLevel,
	}
}

// loadConfig fills cfg from the config file and the command line, in that
// order of precedence. The parser must be bound to cfg and is what finally
// runs the selected command.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig(cfg *config, parser *flags.Parser) error {
	// Pre-parse the command line options to pick up an alternative config
	// file. Command flags are unknown to the pre-parser.
	preCfg := *cfg
	preParser := flags.NewParser(&preCfg, flags.IgnoreUnknown)
	if _, err := preParser.Parse(); err != nil {
		return err
	}

	// A changed app dir moves the default config file along with it.
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	appDir := cleanAndExpandPath(preCfg.AppDir)
	if appDir != defaultAppDir && configFile == defaultConfigFile {
		configFile = filepath.Join(appDir, defaultConfigFilename)
	}

	err := flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return err
		}

		// A missing config file is fine.
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	return nil
}

// validate checks the parsed config and fills in the derived values. It is
// run after the command line is parsed, right before the command executes.
func (c *config) validate() error {
	appDir := cleanAndExpandPath(c.AppDir)
	if appDir != defaultAppDir && c.LogDir == defaultLogDir {
		c.LogDir = filepath.Join(appDir, defaultLogDirname)
	}
	c.AppDir = appDir
	c.LogDir = cleanAndExpandPath(c.LogDir)

	switch c.Network {
	case "mainnet":
		c.netParams = &chaincfg.MainNetParams
	case "testnet3":
		c.netParams = &chaincfg.TestNet3Params
	case "regtest":
		c.netParams = &chaincfg.RegressionNetParams
	case "signet":
		c.netParams = &chaincfg.SigNetParams
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}

	if c.MaxLogFiles < 0 {
		return fmt.Errorf("maxlogfiles must be non-negative, got %d",
			c.MaxLogFiles)
	}
	if c.MaxLogFileSize <= 0 {
		return fmt.Errorf("maxlogfilesize must be positive, got %d",
			c.MaxLogFileSize)
	}

	switch c.Backend {
	case backendEsplora:
		if c.Esplora.URL == "" {
			c.Esplora.URL = defaultEsploraURLs[c.Network]
		}
		if c.Esplora.Timeout <= 0 {
			return fmt.Errorf("esplora.timeout must be positive, "+
				"got %v", c.Esplora.Timeout)
		}

	case backendBtcd:
		c.Btcd.RPCHost = normalizeAddress(
			c.Btcd.RPCHost, defaultRPCPorts[c.Network],
		)
		c.Btcd.RPCCert = cleanAndExpandPath(c.Btcd.RPCCert)

	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	return nil
}

// netDir returns the directory holding the data of the configured network.
func (c *config) netDir() string {
	return filepath.Join(c.AppDir, c.netParams.Name)
}

// keyringDBPath returns the path of the keyring database.
func (c *config) keyringDBPath() string {
	return filepath.Join(c.netDir(), defaultKeyringDBName)
}

// openRegistry opens the keyring of the configured network. The returned
// function closes the database.
func (c *config) openRegistry() (*keyring.Registry, func(), error) {
	if err := os.MkdirAll(c.netDir(), 0700); err != nil {
		return nil, nil, err
	}

	db, err := keyring.OpenDB(c.keyringDBPath(), keyring.DefaultDBTimeout)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close keyring db: %v", err)
		}
	}

	store, err := keyring.NewDBStore(db)
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	registry, err := keyring.Open(store)
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	return registry, closeDB, nil
}

// newBroadcaster creates the configured chain backend. The returned function
// releases it.
func (c *config) newBroadcaster() (chain.Broadcaster, func(), error) {
	switch c.Backend {
	case backendEsplora:
		if c.Esplora.URL == "" {
			return nil, nil, fmt.Errorf("%w for %s", errNoEsploraURL,
				c.Network)
		}

		client := chain.NewEsploraClient(chain.EsploraConfig{
			URL:            c.Esplora.URL,
			RequestTimeout: c.Esplora.Timeout,
		})

		return client, func() {}, nil

	case backendBtcd:
		rpcCfg := &chain.RPCConfig{
			Host:       c.Btcd.RPCHost,
			User:       c.Btcd.RPCUser,
			Pass:       c.Btcd.RPCPass,
			DisableTLS: c.Btcd.NoTLS,
		}

		if rpcCfg.Pass == "" {
			pass, err := promptPassword("btcd RPC password: ")
			if err != nil {
				return nil, nil, err
			}
			rpcCfg.Pass = pass
		}

		if !c.Btcd.NoTLS && c.Btcd.RPCCert != "" {
			cert, err := os.ReadFile(c.Btcd.RPCCert)
			if err != nil {
				return nil, nil, fmt.Errorf("unable to read rpc "+
					"cert: %w", err)
			}
			rpcCfg.Certificates = cert
		}

		return chain.DialRPC(rpcCfg)

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// normalizeAddress returns addr with the default port appended if it has
// none. An empty addr becomes localhost.
func normalizeAddress(addr, defaultPort string) string {
	if addr == "" {
		addr = "localhost"
	}

	if !strings.Contains(addr, ":") {
		return addr + ":" + defaultPort
	}

	return addr
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
