// Package session ties the key registry, policy compiler, path selection
// and PSBT merge coordinator together for one user working on one policy.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcpolicy/compiler"
	"github.com/btcsuite/btcpolicy/keyring"
	"github.com/btcsuite/btcpolicy/policy"
	"github.com/btcsuite/btcpolicy/psbtmerge"
	"github.com/btcsuite/btcpolicy/selection"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrNoPolicy is returned by operations that need a compiled policy
	// before one was compiled successfully.
	ErrNoPolicy = errors.New("no compiled policy")

	// ErrNoTxBuilder is returned by CreatePsbt when no transaction builder
	// is configured.
	ErrNoTxBuilder = errors.New("no transaction builder configured")
)

// TxBuilder creates the initial PSBT spending coins of a policy along the
// selected path.
type TxBuilder interface {
	// BuildPsbt returns an unsigned PSBT paying to outputs that spends
	// along path.
	BuildPsbt(ctx context.Context, p *policy.Policy, path selection.PathMap,
		outputs []*wire.TxOut) (*psbt.Packet, error)
}

// Signer signs a PSBT with the local key.
type Signer interface {
	// SignPsbt adds the local key's signatures to the packet in place and
	// returns the indices of the signed inputs.
	SignPsbt(ctx context.Context, packet *psbt.Packet) ([]uint32, error)
}

// Backend is the wallet collaborator of a session.
type Backend interface {
	Signer
	psbtmerge.Finalizer
	psbtmerge.Broadcaster
}

// Config holds the collaborators of a Session.
type Config struct {
	// Registry holds the key aliases and the local key.
	Registry *keyring.Registry

	// Backend signs, finalizes and broadcasts.
	Backend Backend

	// Builder creates PSBTs from a path selection. It may be nil if the
	// session only merges PSBTs created elsewhere.
	Builder TxBuilder

	// RejectAddOnInvalid is passed on to the merge coordinator.
	RejectAddOnInvalid bool
}

// Session is the single owner of the state of one editing session. UI code
// receives snapshots or narrow handles from it, never the underlying
// structures.
type Session struct {
	cfg Config

	compiler    *compiler.Compiler
	selection   *selection.Selection
	coordinator *psbtmerge.Coordinator

	mu     sync.RWMutex
	policy fn.Option[*policy.Policy]
}

// New creates a Session. Start must be called before the merge coordinator
// is used.
func New(cfg Config) *Session {
	return &Session{
		cfg:       cfg,
		compiler:  compiler.New(cfg.Registry, nil),
		selection: selection.New(),
		coordinator: psbtmerge.New(psbtmerge.Config{
			Finalizer:          cfg.Backend,
			Broadcaster:        cfg.Backend,
			RejectAddOnInvalid: cfg.RejectAddOnInvalid,
		}),
		policy: fn.None[*policy.Policy](),
	}
}

// Start starts the merge coordinator.
func (s *Session) Start() error {
	return s.coordinator.Start()
}

// Stop stops the merge coordinator.
func (s *Session) Stop(ctx context.Context) error {
	return s.coordinator.Stop(ctx)
}

// OnCompiled is called with the template emitted by the policy editor. On
// success the compiled policy replaces the previous one and the path
// selection starts over. On failure the session has no policy until the
// next successful compile.
func (s *Session) OnCompiled(template string) error {
	p, err := s.compiler.Compile(template)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.policy = fn.None[*policy.Policy]()
		log.Infof("Policy compile failed: %v", err)

		return err
	}

	s.policy = fn.Some(p)
	s.selection.Reset()

	log.Infof("Compiled policy %v", p)

	return nil
}

// KeyOptions returns the alias and public key pairs offered by the editor's
// key dropdown.
func (s *Session) KeyOptions() []keyring.KeyOption {
	return s.cfg.Registry.KeyOptions()
}

// Policy returns the compiled policy if there is one.
func (s *Session) Policy() fn.Option[*policy.Policy] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.policy
}

// Selector returns the handle through which the view of nodeID records the
// user's branch choices.
func (s *Session) Selector(nodeID string) *selection.NodeHandle {
	return s.selection.Node(nodeID)
}

// Selection returns a snapshot of the current path selection.
func (s *Session) Selection() selection.PathMap {
	return s.selection.Extract()
}

// CreatePsbt validates the current path selection against the policy and
// asks the transaction builder for a PSBT paying to outputs. The selection
// is reset once a PSBT was created.
func (s *Session) CreatePsbt(ctx context.Context,
	outputs []*wire.TxOut) (*psbt.Packet, error) {

	p, err := s.Policy().UnwrapOrErr(ErrNoPolicy)
	if err != nil {
		return nil, err
	}

	if s.cfg.Builder == nil {
		return nil, ErrNoTxBuilder
	}

	path := s.selection.Extract()
	if err := p.ValidatePath(path); err != nil {
		return nil, err
	}

	packet, err := s.cfg.Builder.BuildPsbt(ctx, p, path, outputs)
	if err != nil {
		return nil, fmt.Errorf("unable to build psbt: %w", err)
	}

	s.selection.Reset()

	log.Infof("Created psbt for tx %v", packet.UnsignedTx.TxHash())

	return packet, nil
}

// SignPsbt signs the base64 PSBT in raw with the local key and returns the
// signed PSBT in base64.
func (s *Session) SignPsbt(ctx context.Context, raw string) (string, error) {
	packet, err := psbt.NewFromRawBytes(
		strings.NewReader(strings.TrimSpace(raw)), true,
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", psbtmerge.ErrInvalidEntry, err)
	}

	signed, err := s.cfg.Backend.SignPsbt(ctx, packet)
	if err != nil {
		return "", err
	}

	log.Infof("Signed %d inputs of tx %v", len(signed),
		packet.UnsignedTx.TxHash())

	return packet.B64Encode()
}

// Coordinator returns the merge coordinator of the session.
func (s *Session) Coordinator() *psbtmerge.Coordinator {
	return s.coordinator
}
