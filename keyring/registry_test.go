package keyring

import (
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errSaveFailed = errors.New("save failed")

// mockStore is a mock implementation of the Store interface.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Load() (fn.Option[*State], error) {
	args := m.Called()
	return args.Get(0).(fn.Option[*State]), args.Error(1)
}

func (m *mockStore) Save(state *State) error {
	args := m.Called(state)
	return args.Error(0)
}

// newTestRegistry returns a registry backed by a fresh database in a
// temporary directory, along with its store.
func newTestRegistry(t *testing.T) (*Registry, *DBStore) {
	t.Helper()

	db, err := OpenDB(
		filepath.Join(t.TempDir(), "keyring.db"), DefaultDBTimeout,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store, err := NewDBStore(db)
	require.NoError(t, err)

	r, err := Open(store)
	require.NoError(t, err)

	return r, store
}

// TestDeriveKeyDeterministic checks that the same alias always maps to the
// same key and that the scalar is the SHA256 of the name.
func TestDeriveKeyDeterministic(t *testing.T) {
	t.Parallel()

	// Arrange: Compute the expected key by hand.
	want, _ := btcec.PrivKeyFromBytes(chainhash.HashB([]byte("alice")))

	// Act: Derive the key twice.
	first := DeriveKey("alice")
	second := DeriveKey("alice")

	// Assert: Both derivations match the expected key, while a different
	// alias yields a different key.
	require.Equal(t, want.Serialize(), first.Serialize())
	require.Equal(t, first.Serialize(), second.Serialize())
	require.NotEqual(t, first.Serialize(), DeriveKey("bob").Serialize())
}

// TestOpenCreatesDefault checks that opening an empty store creates the
// default state and saves it immediately.
func TestOpenCreatesDefault(t *testing.T) {
	t.Parallel()

	// Arrange: A store without any saved state.
	store := &mockStore{}
	store.On("Load").Return(fn.None[*State](), nil).Once()
	store.On("Save", mock.MatchedBy(func(s *State) bool {
		return s.LocalAlias.IsNone() &&
			len(s.Aliases) == 1 && s.Aliases[0] == DefaultAlias
	})).Return(nil).Once()

	// Act: Open the registry.
	r, err := Open(store)

	// Assert: The default alias is present, no key is local, and the
	// default state was saved.
	require.NoError(t, err)
	require.True(t, r.Resolve(DefaultAlias).IsSome())
	require.True(t, r.LocalKey().IsNone())
	store.AssertExpectations(t)
}

// TestOpenLoadsState checks that saved state is restored without writing it
// back.
func TestOpenLoadsState(t *testing.T) {
	t.Parallel()

	// Arrange: A store holding two aliases with bob as local.
	store := &mockStore{}
	store.On("Load").Return(fn.Some(&State{
		LocalAlias: fn.Some("bob"),
		Aliases:    []string{"alice", "bob"},
	}), nil).Once()

	// Act: Open the registry.
	r, err := Open(store)

	// Assert: Both aliases resolve and bob is local. Save is never called.
	require.NoError(t, err)
	require.True(t, r.Resolve("alice").IsSome())

	local := r.LocalKey().UnwrapOrFail(t)
	require.Equal(t, "bob", local.Name)
	require.True(t, DeriveKey("bob").PubKey().IsEqual(local.PubKey))
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Save", mock.Anything)
}

// TestOpenLoadError checks that a failing load is reported.
func TestOpenLoadError(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	store.On("Load").Return(fn.None[*State](), errSaveFailed).Once()

	_, err := Open(store)
	require.ErrorIs(t, err, errSaveFailed)
}

// TestAddAlias checks alias registration and its error cases.
func TestAddAlias(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)

	// Adding a new alias makes it resolvable to the derived key.
	require.NoError(t, r.AddAlias("carol"))
	pub := r.Resolve("carol").UnwrapOrFail(t)
	require.True(t, DeriveKey("carol").PubKey().IsEqual(pub))

	// Adding it again fails and leaves the registry unchanged.
	err := r.AddAlias("carol")
	require.ErrorIs(t, err, ErrDuplicateAlias)
	require.Len(t, r.Aliases(), 2)

	// Empty names are rejected.
	require.ErrorIs(t, r.AddAlias(""), ErrEmptyAlias)
}

// TestSetLocalExclusive checks that at most one alias is local at any time
// and that SetLocal is idempotent.
func TestSetLocalExclusive(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	require.NoError(t, r.AddAlias("alice"))

	// Act: Make alice local, then bob, which is not registered yet.
	_, err := r.SetLocal("alice")
	require.NoError(t, err)

	bob, err := r.SetLocal("bob")
	require.NoError(t, err)
	require.True(t, bob.IsLocal)

	// Assert: Exactly one alias is local and it is bob.
	var locals []string
	for _, alias := range r.Aliases() {
		if alias.IsLocal {
			locals = append(locals, alias.Name)
		}
	}
	require.Equal(t, []string{"bob"}, locals)

	// Setting the same alias again keeps the state unchanged.
	_, err = r.SetLocal("bob")
	require.NoError(t, err)
	require.Equal(t, "bob", r.LocalKey().UnwrapOrFail(t).Name)
	require.Len(t, r.Aliases(), 3)
}

// TestRemoveAlias checks removal including the local alias policy: the local
// alias can't be removed until the designation moves or is cleared.
func TestRemoveAlias(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	require.NoError(t, r.AddAlias("alice"))
	_, err := r.SetLocal("alice")
	require.NoError(t, err)

	// Removing an unknown alias fails.
	require.ErrorIs(t, r.RemoveAlias("nobody"), ErrAliasNotFound)

	// Removing the local alias is rejected and changes nothing.
	err = r.RemoveAlias("alice")
	require.ErrorIs(t, err, ErrCannotRemoveSoleLocal)
	require.True(t, r.Resolve("alice").IsSome())
	require.Equal(t, "alice", r.LocalKey().UnwrapOrFail(t).Name)

	// Once the designation is cleared, removal succeeds.
	r.ClearLocal()
	require.NoError(t, r.RemoveAlias("alice"))
	require.True(t, r.Resolve("alice").IsNone())

	// Removing a non local alias doesn't touch the local designation.
	_, err = r.SetLocal("bob")
	require.NoError(t, err)
	require.NoError(t, r.RemoveAlias(DefaultAlias))
	require.Equal(t, "bob", r.LocalKey().UnwrapOrFail(t).Name)
}

// TestLocalKeyAccessors checks the accessors that require a local key.
func TestLocalKeyAccessors(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)

	// Without a local key both accessors fail.
	_, err := r.LocalPubKeyString()
	require.ErrorIs(t, err, ErrNoLocalKey)

	_, err = r.LocalPrivKey()
	require.ErrorIs(t, err, ErrNoLocalKey)

	// With a local key they return the derived key material.
	_, err = r.SetLocal("alice")
	require.NoError(t, err)

	pubStr, err := r.LocalPubKeyString()
	require.NoError(t, err)
	require.Len(t, pubStr, 66)

	privKey, err := r.LocalPrivKey()
	require.NoError(t, err)
	require.Equal(t, DeriveKey("alice").Serialize(), privKey.Serialize())
}

// TestKeyOptions checks the dropdown listing.
func TestKeyOptions(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	require.NoError(t, r.AddAlias("alice"))

	options := r.KeyOptions()
	require.Len(t, options, 2)
	require.Equal(t, "alice", options[0].Alias)
	require.Equal(t, DefaultAlias, options[1].Alias)

	pub := r.Resolve("alice").UnwrapOrFail(t)
	require.Equal(t, pub.SerializeCompressed(),
		mustDecodeHex(t, options[0].PubKey))
}

// TestRegistryPersists checks that every mutation is saved and a new registry
// opened on the same store sees it.
func TestRegistryPersists(t *testing.T) {
	t.Parallel()

	r, store := newTestRegistry(t)
	require.NoError(t, r.AddAlias("alice"))
	_, err := r.SetLocal("bob")
	require.NoError(t, err)
	require.NoError(t, r.RemoveAlias(DefaultAlias))

	// Act: Reopen from the same store.
	reopened, err := Open(store)
	require.NoError(t, err)

	// Assert: The reopened registry matches the original.
	require.Equal(t, aliasNames(r.Aliases()), aliasNames(reopened.Aliases()))
	require.Equal(t, []string{"alice", "bob"}, aliasNames(reopened.Aliases()))
	require.Equal(t, "bob", reopened.LocalKey().UnwrapOrFail(t).Name)
}

// TestSaveFailureIgnored checks that storage failures don't surface to the
// caller of a mutation.
func TestSaveFailureIgnored(t *testing.T) {
	t.Parallel()

	// Arrange: A store that loads fine but fails every save.
	store := &mockStore{}
	store.On("Load").Return(fn.Some(DefaultState()), nil).Once()
	store.On("Save", mock.Anything).Return(errSaveFailed)

	r, err := Open(store)
	require.NoError(t, err)

	// Act & Assert: Mutations succeed in memory regardless.
	require.NoError(t, r.AddAlias("alice"))
	_, err = r.SetLocal("alice")
	require.NoError(t, err)
	require.True(t, r.Resolve("alice").IsSome())
	store.AssertNumberOfCalls(t, "Save", 2)
}

// aliasNames returns the names of the given aliases in order.
func aliasNames(aliases []AliasKey) []string {
	names := make([]string, 0, len(aliases))
	for _, alias := range aliases {
		names = append(names, alias.Name)
	}

	return names
}

// mustDecodeHex decodes a hex string or fails the test.
func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()

	b, err := hex.DecodeString(s)
	require.NoError(t, err)

	return b
}
