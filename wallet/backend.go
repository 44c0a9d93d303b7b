// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet signs PSBTs with the local key of the keyring, finalizes
// them and hands the final transaction to a chain backend.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcpolicy/chain"
	"github.com/davecgh/go-spew/spew"
)

var (
	// ErrNilPacket is returned when a nil PSBT is passed in.
	ErrNilPacket = errors.New("nil psbt packet")

	// ErrNoBroadcaster is returned by Broadcast when no chain backend is
	// configured.
	ErrNoBroadcaster = errors.New("no chain backend configured")

	// ErrWitnessScriptMismatch is returned when an input's witness script
	// doesn't hash to the script of the output it spends.
	ErrWitnessScriptMismatch = errors.New("witness script doesn't " +
		"match utxo")
)

// KeySource provides the private key of the local signer.
type KeySource interface {
	// LocalPrivKey returns the private key of the local alias.
	LocalPrivKey() (*btcec.PrivateKey, error)
}

// Config holds the collaborators of a Backend.
type Config struct {
	// Keys provides the signing key.
	Keys KeySource

	// Broadcaster publishes final transactions. It may be nil if the
	// backend is only used for signing.
	Broadcaster chain.Broadcaster
}

// Backend signs, finalizes and publishes PSBTs.
type Backend struct {
	cfg Config
}

// New creates a Backend.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

// Finalize finalizes every input of the packet in place. It returns false
// without an error if an input doesn't have enough signatures yet. Inputs
// finalized before the failing one stay finalized, so callers pass a copy
// if they want to keep the original.
func (b *Backend) Finalize(_ context.Context, packet *psbt.Packet) (bool,
	error) {

	if packet == nil {
		return false, ErrNilPacket
	}

	// We need UTXO information for every input before anything can be
	// finalized.
	if err := psbt.InputsReadyToSign(packet); err != nil {
		return false, fmt.Errorf("inputs not ready: %w", err)
	}

	for idx := range packet.Inputs {
		if missingSignatures(&packet.Inputs[idx]) {
			log.Debugf("Input %d of tx %v is missing signatures",
				idx, packet.UnsignedTx.TxHash())

			return false, nil
		}

		ok, err := psbt.MaybeFinalize(packet, idx)
		switch {
		case errors.Is(err, psbt.ErrNotFinalizable):
			log.Debugf("Input %d of tx %v isn't finalizable yet",
				idx, packet.UnsignedTx.TxHash())

			return false, nil

		case err != nil:
			return false, fmt.Errorf("error finalizing input %d: "+
				"%w", idx, err)

		case !ok:
			return false, nil
		}
	}

	log.Debugf("Finalized all %d inputs of tx %v", len(packet.Inputs),
		packet.UnsignedTx.TxHash())

	return true, nil
}

// missingSignatures returns true if the input spends a multisig script and
// carries fewer partial signatures than the script requires. Finalized inputs
// and inputs of other script types are left to the finalizer.
func missingSignatures(in *psbt.PInput) bool {
	if in.FinalScriptSig != nil || in.FinalScriptWitness != nil {
		return false
	}

	script := in.WitnessScript
	if script == nil {
		script = in.RedeemScript
	}

	if txscript.GetScriptClass(script) != txscript.MultiSigTy {
		return false
	}

	_, required, err := txscript.CalcMultiSigStats(script)
	if err != nil {
		return false
	}

	return len(in.PartialSigs) < required
}

// Broadcast publishes tx through the configured chain backend.
func (b *Backend) Broadcast(ctx context.Context, tx *wire.MsgTx) (
	chainhash.Hash, error) {

	if b.cfg.Broadcaster == nil {
		return chainhash.Hash{}, ErrNoBroadcaster
	}

	log.Tracef("Publishing tx: %v", newLogClosure(func() string {
		return spew.Sdump(tx)
	}))

	txid, err := b.cfg.Broadcaster.Broadcast(ctx, tx)
	if err != nil {
		log.Errorf("Unable to publish tx %v: %v", tx.TxHash(), err)
		return chainhash.Hash{}, err
	}

	if txid != tx.TxHash() {
		log.Warnf("Backend reported txid %v for tx %v", txid,
			tx.TxHash())
	}

	log.Infof("Published tx %v", txid)

	return txid, nil
}
