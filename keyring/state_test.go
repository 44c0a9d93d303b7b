package keyring

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestStateEncodeDecode checks that states survive the TLV encoding.
func TestStateEncodeDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state *State
	}{
		{
			name:  "default",
			state: DefaultState(),
		},
		{
			name: "local set",
			state: &State{
				LocalAlias: fn.Some("bob"),
				Aliases:    []string{"alice", "bob", "ünïcode"},
			},
		},
		{
			name: "empty",
			state: &State{
				LocalAlias: fn.None[string](),
				Aliases:    []string{},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var b bytes.Buffer
			require.NoError(t, tc.state.Encode(&b))

			got := &State{}
			require.NoError(t, got.Decode(&b))

			require.Equal(t, tc.state.LocalAlias, got.LocalAlias)
			require.ElementsMatch(t, tc.state.Aliases, got.Aliases)
		})
	}
}

// TestStateDecodeMalformed checks that an alias list claiming more names than
// it has bytes for is rejected.
func TestStateDecodeMalformed(t *testing.T) {
	t.Parallel()

	// Type 0, length 1, count 5.
	raw := []byte{0x00, 0x01, 0x05}

	err := (&State{}).Decode(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrMalformedAliasList)
}

// TestDBStore checks the walletdb backed store.
func TestDBStore(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "keyring.db")

	db, err := OpenDB(dbPath, DefaultDBTimeout)
	require.NoError(t, err)

	store, err := NewDBStore(db)
	require.NoError(t, err)

	// An empty database holds no state.
	loaded, err := store.Load()
	require.NoError(t, err)
	require.True(t, loaded.IsNone())

	// A saved state is returned by the next load.
	want := &State{
		LocalAlias: fn.Some("alice"),
		Aliases:    []string{"alice", "bob"},
	}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, want, got.UnwrapOrFail(t))

	// The state survives closing and reopening the database file.
	require.NoError(t, db.Close())

	db, err = OpenDB(dbPath, DefaultDBTimeout)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store, err = NewDBStore(db)
	require.NoError(t, err)

	got, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, want, got.UnwrapOrFail(t))
}
