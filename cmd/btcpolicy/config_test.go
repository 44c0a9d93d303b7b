package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// TestValidateConfig checks network resolution and backend defaults.
func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		modify     func(cfg *config)
		wantErr    bool
		wantParams *chaincfg.Params
		check      func(t *testing.T, cfg *config)
	}{
		{
			name:       "defaults",
			modify:     func(cfg *config) {},
			wantParams: &chaincfg.MainNetParams,
			check: func(t *testing.T, cfg *config) {
				require.Equal(
					t, "https://blockstream.info/api",
					cfg.Esplora.URL,
				)
			},
		},
		{
			name: "explicit esplora url is kept",
			modify: func(cfg *config) {
				cfg.Network = "signet"
				cfg.Esplora.URL = "http://localhost:3002"
			},
			wantParams: &chaincfg.SigNetParams,
			check: func(t *testing.T, cfg *config) {
				require.Equal(
					t, "http://localhost:3002",
					cfg.Esplora.URL,
				)
			},
		},
		{
			name: "regtest has no default esplora",
			modify: func(cfg *config) {
				cfg.Network = "regtest"
			},
			wantParams: &chaincfg.RegressionNetParams,
			check: func(t *testing.T, cfg *config) {
				require.Empty(t, cfg.Esplora.URL)
			},
		},
		{
			name: "btcd host gets default port",
			modify: func(cfg *config) {
				cfg.Network = "testnet3"
				cfg.Backend = backendBtcd
			},
			wantParams: &chaincfg.TestNet3Params,
			check: func(t *testing.T, cfg *config) {
				require.Equal(
					t, "localhost:18334", cfg.Btcd.RPCHost,
				)
			},
		},
		{
			name: "unknown network",
			modify: func(cfg *config) {
				cfg.Network = "moonnet"
			},
			wantErr: true,
		},
		{
			name: "unknown backend",
			modify: func(cfg *config) {
				cfg.Backend = "electrum"
			},
			wantErr: true,
		},
		{
			name: "invalid log file size",
			modify: func(cfg *config) {
				cfg.MaxLogFileSize = 0
			},
			wantErr: true,
		},
		{
			name: "invalid esplora timeout",
			modify: func(cfg *config) {
				cfg.Esplora.Timeout = 0
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Arrange.
			cfg := defaultConfig()
			tc.modify(cfg)

			// Act.
			err := cfg.validate()

			// Assert.
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.wantParams, cfg.netParams)
			tc.check(t, cfg)
		})
	}
}

// TestValidateConfigAppDir checks that moving the app dir moves the default
// log dir and the keyring along with it.
func TestValidateConfigAppDir(t *testing.T) {
	t.Parallel()

	// Arrange.
	appDir := t.TempDir()
	cfg := defaultConfig()
	cfg.AppDir = appDir
	cfg.Network = "regtest"

	// Act.
	err := cfg.validate()

	// Assert.
	require.NoError(t, err)
	require.Equal(t, filepath.Join(appDir, defaultLogDirname), cfg.LogDir)
	require.Equal(
		t, filepath.Join(appDir, "regtest", defaultKeyringDBName),
		cfg.keyringDBPath(),
	)
}

// TestOpenRegistry checks that the keyring database is created on first use
// and keeps aliases across opens.
func TestOpenRegistry(t *testing.T) {
	t.Parallel()

	// Arrange.
	cfg := defaultConfig()
	cfg.AppDir = t.TempDir()
	cfg.Network = "regtest"
	require.NoError(t, cfg.validate())

	r, closeDB, err := cfg.openRegistry()
	require.NoError(t, err)
	require.NoError(t, r.AddAlias("carol"))
	closeDB()

	// Act.
	r, closeDB, err = cfg.openRegistry()
	require.NoError(t, err)
	defer closeDB()

	// Assert.
	require.True(t, r.Resolve("carol").IsSome())
}

// TestNewBroadcasterEsploraWithoutURL checks that regtest requires an
// explicit Esplora URL.
func TestNewBroadcasterEsploraWithoutURL(t *testing.T) {
	t.Parallel()

	// Arrange.
	cfg := defaultConfig()
	cfg.Network = "regtest"
	require.NoError(t, cfg.validate())

	// Act.
	_, _, err := cfg.newBroadcaster()

	// Assert.
	require.ErrorIs(t, err, errNoEsploraURL)
}

// TestNormalizeAddress checks default host and port handling.
func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	require.Equal(t, "localhost:8334", normalizeAddress("", "8334"))
	require.Equal(t, "node:8334", normalizeAddress("node", "8334"))
	require.Equal(t, "node:1234", normalizeAddress("node:1234", "8334"))
}

// TestCleanAndExpandPath checks environment variable expansion.
func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("BTCPOLICY_TEST_DIR", "/tmp/btcpolicy")

	require.Empty(t, cleanAndExpandPath(""))
	require.Equal(
		t, "/tmp/btcpolicy/logs",
		cleanAndExpandPath("$BTCPOLICY_TEST_DIR/./logs/"),
	)
}

// TestParseSelection checks parsing of nodeid:idx[,idx...] arguments.
func TestParseSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		arg         string
		wantID      string
		wantIndices []int
		wantErr     bool
	}{
		{
			name:        "single index",
			arg:         "abcd:1",
			wantID:      "abcd",
			wantIndices: []int{1},
		},
		{
			name:        "several indices",
			arg:         "abcd:0,2",
			wantID:      "abcd",
			wantIndices: []int{0, 2},
		},
		{
			name:    "missing colon",
			arg:     "abcd",
			wantErr: true,
		},
		{
			name:    "missing node",
			arg:     ":1",
			wantErr: true,
		},
		{
			name:    "missing indices",
			arg:     "abcd:",
			wantErr: true,
		},
		{
			name:    "not a number",
			arg:     "abcd:x",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			id, indices, err := parseSelection(tc.arg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.wantID, id)
			require.Equal(t, tc.wantIndices, indices)
		})
	}
}

// TestParseAndSetDebugLevels checks global and per subsystem levels.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level   string
		wantErr bool
	}{
		{level: "debug"},
		{level: "PMRG=trace,KEYR=warn"},
		{level: "verbose", wantErr: true},
		{level: "PMRG", wantErr: true},
		{level: "NOPE=debug", wantErr: true},
		{level: "PMRG=loud", wantErr: true},
		{level: "PMRG=debug,trace", wantErr: true},
	}

	for _, tc := range tests {
		err := parseAndSetDebugLevels(tc.level)
		if tc.wantErr {
			require.Error(t, err, tc.level)
			continue
		}

		require.NoError(t, err, tc.level)
	}
}

// TestLoadFiles checks that files are returned in argument order and that a
// missing file fails the whole load.
func TestLoadFiles(t *testing.T) {
	t.Parallel()

	// Arrange.
	dir := t.TempDir()
	var files []string
	for _, content := range []string{"one", "two", "three"} {
		file := filepath.Join(dir, content)
		require.NoError(t, os.WriteFile(file, []byte(content), 0600))
		files = append(files, file)
	}

	// Act.
	contents, err := loadFiles(t.Context(), files)

	// Assert.
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", "three"}, contents)

	_, err = loadFiles(
		t.Context(), append(files, filepath.Join(dir, "missing")),
	)
	require.ErrorIs(t, err, os.ErrNotExist)
}
