// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultAlias is the alias registered when no previously saved state exists.
const DefaultAlias = "example_key"

var (
	// ErrEmptyAlias is returned when an alias with an empty name is added.
	ErrEmptyAlias = errors.New("alias name must not be empty")

	// ErrDuplicateAlias is returned when an alias that is already
	// registered is added again.
	ErrDuplicateAlias = errors.New("alias already registered")

	// ErrAliasNotFound is returned when an operation refers to an alias
	// that is not registered.
	ErrAliasNotFound = errors.New("alias not found")

	// ErrCannotRemoveSoleLocal is returned when the alias currently
	// designated as the local key is removed. The local designation must
	// be moved or cleared first.
	ErrCannotRemoveSoleLocal = errors.New("cannot remove the local alias")

	// ErrNoLocalKey is returned when a local key is required but none is
	// designated.
	ErrNoLocalKey = errors.New("no local key designated")
)

// AliasKey is a named public key known to the registry.
type AliasKey struct {
	// Name is the unique, human readable alias.
	Name string

	// PubKey is the public key derived from Name.
	PubKey *btcec.PublicKey

	// IsLocal is true if this alias is the one the operator signs with.
	IsLocal bool
}

// KeyOption is a single entry of the key dropdown shown by the policy editor.
type KeyOption struct {
	// Alias is the label shown to the user.
	Alias string

	// PubKey is the hex encoded compressed public key inserted into the
	// policy when the option is picked.
	PubKey string
}

// DeriveKey deterministically derives the private key for an alias by using
// the SHA256 digest of the name as the secret scalar.
//
// NOTE: Anyone who knows an alias can recompute its key. This is only suitable
// for test networks and demonstrations.
func DeriveKey(alias string) *btcec.PrivateKey {
	privKey, _ := btcec.PrivKeyFromBytes(chainhash.HashB([]byte(alias)))

	return privKey
}

// Registry maps aliases to deterministically derived keys and tracks which of
// them, if any, is the local key. Every mutation is written through to the
// backing Store.
type Registry struct {
	store Store

	mu    sync.RWMutex
	keys  map[string]*btcec.PrivateKey
	local fn.Option[string]
}

// Open loads the registry state from the given store. If the store holds no
// state yet, a default registry containing DefaultAlias is created and saved
// right away.
func Open(store Store) (*Registry, error) {
	r := &Registry{
		store: store,
		keys:  make(map[string]*btcec.PrivateKey),
		local: fn.None[string](),
	}

	stored, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("unable to load key registry: %w", err)
	}

	state := stored.UnwrapOrFunc(func() *State {
		log.Infof("No key registry found, creating default with "+
			"alias %q", DefaultAlias)

		return DefaultState()
	})

	for _, name := range state.Aliases {
		r.keys[name] = DeriveKey(name)
	}

	state.LocalAlias.WhenSome(func(name string) {
		// Tolerate a local alias that is missing from the alias list
		// by re-registering it.
		if _, ok := r.keys[name]; !ok {
			r.keys[name] = DeriveKey(name)
		}

		r.local = fn.Some(name)
	})

	if stored.IsNone() {
		r.mu.Lock()
		r.persistLocked()
		r.mu.Unlock()
	}

	log.Debugf("Key registry opened with %d aliases", len(r.keys))

	return r, nil
}

// AddAlias registers a new alias.
func (r *Registry) AddAlias(name string) error {
	if name == "" {
		return ErrEmptyAlias
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAlias, name)
	}

	r.keys[name] = DeriveKey(name)
	r.persistLocked()

	log.Debugf("Added alias %q", name)

	return nil
}

// SetLocal designates name as the local key, registering it first if it is
// not known yet. Any previous local designation is cleared. Calling SetLocal
// for the alias that is already local has no effect beyond a save.
func (r *Registry) SetLocal(name string) (*AliasKey, error) {
	if name == "" {
		return nil, ErrEmptyAlias
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	privKey, ok := r.keys[name]
	if !ok {
		privKey = DeriveKey(name)
		r.keys[name] = privKey
	}

	r.local = fn.Some(name)
	r.persistLocked()

	log.Infof("Alias %q is now the local key", name)

	return &AliasKey{
		Name:    name,
		PubKey:  privKey.PubKey(),
		IsLocal: true,
	}, nil
}

// ClearLocal removes the local designation. The alias itself stays
// registered.
func (r *Registry) ClearLocal() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.local.IsNone() {
		return
	}

	r.local = fn.None[string]()
	r.persistLocked()
}

// RemoveAlias unregisters an alias. The alias currently designated as local
// can't be removed and yields ErrCannotRemoveSoleLocal.
func (r *Registry) RemoveAlias(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[name]; !ok {
		return fmt.Errorf("%w: %s", ErrAliasNotFound, name)
	}

	if r.isLocalLocked(name) {
		return fmt.Errorf("%w: %s", ErrCannotRemoveSoleLocal, name)
	}

	delete(r.keys, name)
	r.persistLocked()

	log.Debugf("Removed alias %q", name)

	return nil
}

// Resolve returns the public key registered under name.
func (r *Registry) Resolve(name string) fn.Option[*btcec.PublicKey] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	privKey, ok := r.keys[name]
	if !ok {
		return fn.None[*btcec.PublicKey]()
	}

	return fn.Some(privKey.PubKey())
}

// LocalKey returns the alias designated as local, if any.
func (r *Registry) LocalKey() fn.Option[AliasKey] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return fn.MapOption(func(name string) AliasKey {
		return AliasKey{
			Name:    name,
			PubKey:  r.keys[name].PubKey(),
			IsLocal: true,
		}
	})(r.local)
}

// LocalPubKeyString returns the hex encoded compressed public key of the local
// alias. This is the string substituted for the local key placeholder in
// policy templates.
func (r *Registry) LocalPubKeyString() (string, error) {
	local, err := r.LocalKey().UnwrapOrErr(ErrNoLocalKey)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(local.PubKey.SerializeCompressed()), nil
}

// LocalPrivKey returns the private key of the local alias. It is only meant
// for producing signatures.
func (r *Registry) LocalPrivKey() (*btcec.PrivateKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, err := r.local.UnwrapOrErr(ErrNoLocalKey)
	if err != nil {
		return nil, err
	}

	return r.keys[name], nil
}

// Aliases returns all registered aliases sorted by name.
func (r *Registry) Aliases() []AliasKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	aliases := make([]AliasKey, 0, len(r.keys))
	for _, name := range r.sortedNamesLocked() {
		aliases = append(aliases, AliasKey{
			Name:    name,
			PubKey:  r.keys[name].PubKey(),
			IsLocal: r.isLocalLocked(name),
		})
	}

	return aliases
}

// KeyOptions returns the (alias, public key) pairs offered by the key
// dropdown of the policy editor, sorted by alias.
func (r *Registry) KeyOptions() []KeyOption {
	aliases := r.Aliases()

	options := make([]KeyOption, 0, len(aliases))
	for _, alias := range aliases {
		options = append(options, KeyOption{
			Alias: alias.Name,
			PubKey: hex.EncodeToString(
				alias.PubKey.SerializeCompressed(),
			),
		})
	}

	return options
}

// isLocalLocked reports whether name is the local alias. The caller must hold
// the mutex.
func (r *Registry) isLocalLocked(name string) bool {
	return fn.MapOptionZ(r.local, func(local string) bool {
		return local == name
	})
}

// sortedNamesLocked returns the registered names in lexical order. The caller
// must hold the mutex.
func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.keys))
	for name := range r.keys {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// persistLocked hands the current state to the store. A failed save is logged
// and otherwise ignored, so callers never observe storage errors. The caller
// must hold the mutex.
func (r *Registry) persistLocked() {
	state := &State{
		LocalAlias: r.local,
		Aliases:    r.sortedNamesLocked(),
	}

	err := r.store.Save(state)
	if err != nil {
		log.Errorf("Unable to save key registry: %v", err)
	}
}
