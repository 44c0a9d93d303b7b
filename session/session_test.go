package session

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcpolicy/compiler"
	"github.com/btcsuite/btcpolicy/keyring"
	"github.com/btcsuite/btcpolicy/policy"
	"github.com/btcsuite/btcpolicy/psbtmerge"
	"github.com/btcsuite/btcpolicy/selection"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockBackend is a mock implementation of the Backend interface.
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) SignPsbt(ctx context.Context,
	packet *psbt.Packet) ([]uint32, error) {

	args := m.Called(ctx, packet)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]uint32), args.Error(1)
}

func (m *mockBackend) Finalize(ctx context.Context,
	packet *psbt.Packet) (bool, error) {

	args := m.Called(ctx, packet)
	return args.Bool(0), args.Error(1)
}

func (m *mockBackend) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	args := m.Called(ctx, tx)
	return args.Get(0).(chainhash.Hash), args.Error(1)
}

// mockTxBuilder is a mock implementation of the TxBuilder interface.
type mockTxBuilder struct {
	mock.Mock
}

func (m *mockTxBuilder) BuildPsbt(ctx context.Context, p *policy.Policy,
	path selection.PathMap, outputs []*wire.TxOut) (*psbt.Packet, error) {

	args := m.Called(ctx, p, path, outputs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*psbt.Packet), args.Error(1)
}

// testTemplate spends either with the local key alone or with bob's key after
// a relative timelock.
func testTemplate() string {
	bob := keyring.DeriveKey("bob").PubKey().SerializeCompressed()

	return "or(pk(" + compiler.MyKeyPlaceholder + "),and(pk(" +
		hex.EncodeToString(bob) + "),older(144)))"
}

// testPacket returns an unsigned PSBT with one input and one output.
func testPacket(t *testing.T) *psbt.Packet {
	t.Helper()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}, nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(50_000, []byte{0x51}))

	p, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	return p
}

// newTestSession returns a session backed by a registry in a temporary
// database with the aliases alice and bob, alice being local.
func newTestSession(t *testing.T) (*Session, *mockBackend, *mockTxBuilder) {
	t.Helper()

	db, err := keyring.OpenDB(
		filepath.Join(t.TempDir(), "keyring.db"),
		keyring.DefaultDBTimeout,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store, err := keyring.NewDBStore(db)
	require.NoError(t, err)

	registry, err := keyring.Open(store)
	require.NoError(t, err)

	require.NoError(t, registry.AddAlias("alice"))
	require.NoError(t, registry.AddAlias("bob"))
	_, err = registry.SetLocal("alice")
	require.NoError(t, err)

	backend := &mockBackend{}
	builder := &mockTxBuilder{}

	s := New(Config{
		Registry: registry,
		Backend:  backend,
		Builder:  builder,
	})

	return s, backend, builder
}

// TestOnCompiled checks that a successful compile stores the policy and
// resets the selection while a failed one clears the policy.
func TestOnCompiled(t *testing.T) {
	t.Parallel()

	// Arrange: Record a choice that must not survive the compile.
	s, _, _ := newTestSession(t)
	s.Selector("stale").Select(0)

	// Act.
	err := s.OnCompiled(testTemplate())

	// Assert: The policy contains the local key and the selection is
	// empty.
	require.NoError(t, err)
	p := s.Policy().UnwrapOrFail(t)

	alice := hex.EncodeToString(
		keyring.DeriveKey("alice").PubKey().SerializeCompressed(),
	)
	require.Contains(t, p.Keys(), alice)
	require.Empty(t, s.Selection())

	// Act: Compile a broken template.
	err = s.OnCompiled("or(pk(" + compiler.MyKeyPlaceholder + ")")

	// Assert: The previous policy is gone.
	require.ErrorIs(t, err, compiler.ErrInvalidPolicy)
	require.True(t, s.Policy().IsNone())
}

// TestOnCompiledMissingLocalKey checks that compiling without a local key
// fails and leaves the session without a policy.
func TestOnCompiledMissingLocalKey(t *testing.T) {
	t.Parallel()

	// Arrange.
	s, _, _ := newTestSession(t)
	s.cfg.Registry.ClearLocal()

	// Act.
	err := s.OnCompiled("pk(" + compiler.MyKeyPlaceholder + ")")

	// Assert.
	require.ErrorIs(t, err, compiler.ErrMissingLocalKey)
	require.True(t, s.Policy().IsNone())
}

// TestKeyOptions checks that the key dropdown lists every alias.
func TestKeyOptions(t *testing.T) {
	t.Parallel()

	// Arrange.
	s, _, _ := newTestSession(t)

	// Act.
	options := s.KeyOptions()

	// Assert: The default alias of a new registry is listed as well.
	aliases := make([]string, 0, len(options))
	for _, option := range options {
		aliases = append(aliases, option.Alias)
	}
	require.Equal(
		t, []string{"alice", "bob", keyring.DefaultAlias}, aliases,
	)
	require.Equal(t, hex.EncodeToString(
		keyring.DeriveKey("bob").PubKey().SerializeCompressed(),
	), options[1].PubKey)
}

// TestCreatePsbt checks that a PSBT is only built for a complete path and
// that the selection is reset afterwards.
func TestCreatePsbt(t *testing.T) {
	t.Parallel()

	outputs := []*wire.TxOut{wire.NewTxOut(10_000, []byte{0x51})}

	t.Run("no policy", func(t *testing.T) {
		t.Parallel()

		// Arrange.
		s, _, builder := newTestSession(t)

		// Act.
		_, err := s.CreatePsbt(t.Context(), outputs)

		// Assert.
		require.ErrorIs(t, err, ErrNoPolicy)
		builder.AssertNotCalled(
			t, "BuildPsbt", mock.Anything, mock.Anything,
			mock.Anything, mock.Anything,
		)
	})

	t.Run("incomplete path", func(t *testing.T) {
		t.Parallel()

		// Arrange: Compile but select nothing.
		s, _, builder := newTestSession(t)
		require.NoError(t, s.OnCompiled(testTemplate()))

		// Act.
		_, err := s.CreatePsbt(t.Context(), outputs)

		// Assert.
		require.ErrorIs(t, err, policy.ErrPathUnderSelected)
		builder.AssertNotCalled(
			t, "BuildPsbt", mock.Anything, mock.Anything,
			mock.Anything, mock.Anything,
		)
	})

	t.Run("builder error", func(t *testing.T) {
		t.Parallel()

		// Arrange.
		s, _, builder := newTestSession(t)
		require.NoError(t, s.OnCompiled(testTemplate()))

		p := s.Policy().UnwrapOrFail(t)
		s.Selector(p.Root.ID).Select(0)

		builder.On(
			"BuildPsbt", mock.Anything, p, mock.Anything, outputs,
		).Return(nil, context.DeadlineExceeded)

		// Act.
		_, err := s.CreatePsbt(t.Context(), outputs)

		// Assert: The selection survives a failed attempt.
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Equal(t, []int{0}, s.Selection()[p.Root.ID])
	})

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		// Arrange: Choose the timelock branch.
		s, _, builder := newTestSession(t)
		require.NoError(t, s.OnCompiled(testTemplate()))

		p := s.Policy().UnwrapOrFail(t)
		s.Selector(p.Root.ID).Select(1)

		packet := testPacket(t)
		wantPath := selection.PathMap{p.Root.ID: {1}}
		builder.On(
			"BuildPsbt", mock.Anything, p, wantPath, outputs,
		).Return(packet, nil).Once()

		// Act.
		got, err := s.CreatePsbt(t.Context(), outputs)

		// Assert: The attempt is complete, so the selection is reset.
		require.NoError(t, err)
		require.Same(t, packet, got)
		require.Empty(t, s.Selection())
		builder.AssertExpectations(t)
	})

	t.Run("no builder", func(t *testing.T) {
		t.Parallel()

		// Arrange.
		s, _, _ := newTestSession(t)
		s.cfg.Builder = nil
		require.NoError(t, s.OnCompiled(testTemplate()))

		// Act.
		_, err := s.CreatePsbt(t.Context(), outputs)

		// Assert.
		require.ErrorIs(t, err, ErrNoTxBuilder)
	})
}

// TestSignPsbt checks that SignPsbt decodes the packet, hands it to the
// backend and encodes the result.
func TestSignPsbt(t *testing.T) {
	t.Parallel()

	t.Run("invalid psbt", func(t *testing.T) {
		t.Parallel()

		// Arrange.
		s, backend, _ := newTestSession(t)

		// Act.
		_, err := s.SignPsbt(t.Context(), "not a psbt")

		// Assert.
		require.ErrorIs(t, err, psbtmerge.ErrInvalidEntry)
		backend.AssertNotCalled(
			t, "SignPsbt", mock.Anything, mock.Anything,
		)
	})

	t.Run("signer error", func(t *testing.T) {
		t.Parallel()

		// Arrange.
		s, backend, _ := newTestSession(t)

		raw, err := testPacket(t).B64Encode()
		require.NoError(t, err)

		backend.On("SignPsbt", mock.Anything, mock.Anything).Return(
			nil, keyring.ErrNoLocalKey,
		)

		// Act.
		_, err = s.SignPsbt(t.Context(), raw)

		// Assert.
		require.ErrorIs(t, err, keyring.ErrNoLocalKey)
	})

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		// Arrange: The mock records a marker in the packet.
		s, backend, _ := newTestSession(t)

		raw, err := testPacket(t).B64Encode()
		require.NoError(t, err)

		backend.On("SignPsbt", mock.Anything, mock.Anything).Run(
			func(args mock.Arguments) {
				p := args.Get(1).(*psbt.Packet)
				p.Inputs[0].SighashType = 1
			},
		).Return([]uint32{0}, nil)

		// Act: Surrounding whitespace is accepted.
		signed, err := s.SignPsbt(t.Context(), "  "+raw+"\n")

		// Assert.
		require.NoError(t, err)

		entry := psbtmerge.ParseEntry(signed)
		p, err := entry.Parsed.Unpack()
		require.NoError(t, err)
		require.EqualValues(t, 1, p.Inputs[0].SighashType)
	})
}

// TestCoordinator checks that the session's coordinator uses the backend
// and follows the session's lifecycle.
func TestCoordinator(t *testing.T) {
	t.Parallel()

	// Arrange.
	s, _, _ := newTestSession(t)
	require.NoError(t, s.Start())

	raw, err := testPacket(t).B64Encode()
	require.NoError(t, err)

	// Act.
	idx, err := s.Coordinator().AddEntry(t.Context(), raw)

	// Assert.
	require.NoError(t, err)
	require.Zero(t, idx)

	require.NoError(t, s.Stop(t.Context()))

	_, err = s.Coordinator().AddEntry(t.Context(), raw)
	require.Error(t, err)
}
