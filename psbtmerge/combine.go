// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package psbtmerge

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNoPsbtsToCombine is returned when Combine is called without any
	// packets.
	ErrNoPsbtsToCombine = errors.New("no psbts to combine")

	// ErrDifferentTransactions is returned when the packets don't share
	// the same unsigned transaction.
	ErrDifferentTransactions = errors.New("psbts are for different " +
		"transactions")

	// ErrInputCountMismatch is returned when the packets disagree on the
	// number of inputs.
	ErrInputCountMismatch = errors.New("psbt input count mismatch")

	// ErrOutputCountMismatch is returned when the packets disagree on the
	// number of outputs.
	ErrOutputCountMismatch = errors.New("psbt output count mismatch")

	// ErrPartialSigMismatch is returned when two packets carry different
	// signatures for the same public key on the same input.
	ErrPartialSigMismatch = errors.New("partial signature mismatch")

	// ErrSighashMismatch is returned when inputs declare different sighash
	// types.
	ErrSighashMismatch = errors.New("sighash type mismatch")

	// ErrRedeemScriptMismatch is returned when redeem scripts differ.
	ErrRedeemScriptMismatch = errors.New("redeem script mismatch")

	// ErrWitnessScriptMismatch is returned when witness scripts differ.
	ErrWitnessScriptMismatch = errors.New("witness script mismatch")

	// ErrWitnessUtxoMismatch is returned when witness UTXOs differ.
	ErrWitnessUtxoMismatch = errors.New("witness utxo mismatch")

	// ErrNonWitnessUtxoMismatch is returned when non-witness UTXOs differ.
	ErrNonWitnessUtxoMismatch = errors.New("non-witness utxo mismatch")

	// ErrFinalScriptSigMismatch is returned when final script sigs
	// differ.
	ErrFinalScriptSigMismatch = errors.New("final script sig mismatch")

	// ErrFinalScriptWitnessMismatch is returned when final script
	// witnesses differ.
	ErrFinalScriptWitnessMismatch = errors.New("final script witness " +
		"mismatch")

	// ErrTaprootKeySpendSigMismatch is returned when taproot key spend
	// signatures differ.
	ErrTaprootKeySpendSigMismatch = errors.New("taproot key spend sig " +
		"mismatch")

	// ErrTaprootInternalKeyMismatch is returned when taproot internal keys
	// differ.
	ErrTaprootInternalKeyMismatch = errors.New("taproot internal key " +
		"mismatch")

	// ErrTaprootMerkleRootMismatch is returned when taproot merkle roots
	// differ.
	ErrTaprootMerkleRootMismatch = errors.New("taproot merkle root " +
		"mismatch")

	// ErrTaprootTapTreeMismatch is returned when output tap trees differ.
	ErrTaprootTapTreeMismatch = errors.New("taproot tap tree mismatch")

	// ErrUnknownMismatch is returned when two packets carry different
	// values for the same unknown key.
	ErrUnknownMismatch = errors.New("unknown field mismatch")

	// ErrBip32DerivationMismatch is returned when two packets derive the
	// same public key from a different fingerprint or path.
	ErrBip32DerivationMismatch = errors.New("bip32 derivation mismatch")

	// ErrTaprootBip32DerivationMismatch is returned when two packets
	// carry different taproot derivations for the same x-only key.
	ErrTaprootBip32DerivationMismatch = errors.New("taproot bip32 " +
		"derivation mismatch")
)

// Combine merges the given packets into a new packet as described by the
// BIP 174 combiner role. All packets must describe the same unsigned
// transaction. Keyed fields such as partial signatures are unioned, and
// single valued fields are adopted when unset and must agree otherwise.
// Keyed fields are sorted by key, so the result doesn't depend on the order
// of the packets. None of the packets is modified.
func Combine(packets ...*psbt.Packet) (*psbt.Packet, error) {
	combined, err := validatePsbtMerge(packets)
	if err != nil {
		return nil, err
	}

	for _, packet := range packets[1:] {
		for i := range combined.Inputs {
			err := mergePsbtInputs(
				&combined.Inputs[i], &packet.Inputs[i],
			)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
		}

		for i := range combined.Outputs {
			err := mergePsbtOutputs(
				&combined.Outputs[i], &packet.Outputs[i],
			)
			if err != nil {
				return nil, fmt.Errorf("output %d: %w", i, err)
			}
		}

		combined.Unknowns, err = mergeUnknowns(
			combined.Unknowns, packet.Unknowns,
		)
		if err != nil {
			return nil, fmt.Errorf("global: %w", err)
		}
	}

	for i := range combined.Inputs {
		sortInput(&combined.Inputs[i])
	}
	for i := range combined.Outputs {
		sortOutput(&combined.Outputs[i])
	}
	sortUnknowns(combined.Unknowns)

	return combined, nil
}

// validatePsbtMerge checks that all packets can be merged and returns a deep
// copy of the first one to merge the others into.
func validatePsbtMerge(packets []*psbt.Packet) (*psbt.Packet, error) {
	if len(packets) == 0 {
		return nil, ErrNoPsbtsToCombine
	}

	base := packets[0]
	baseHash := base.UnsignedTx.TxHash()

	for i, packet := range packets {
		if packet.UnsignedTx.TxHash() != baseHash {
			return nil, fmt.Errorf("%w: packet %d has txid %v, "+
				"want %v", ErrDifferentTransactions, i,
				packet.UnsignedTx.TxHash(), baseHash)
		}

		if len(packet.Inputs) != len(base.Inputs) ||
			len(packet.Inputs) != len(packet.UnsignedTx.TxIn) {

			return nil, fmt.Errorf("%w: packet %d", ErrInputCountMismatch,
				i)
		}

		if len(packet.Outputs) != len(base.Outputs) ||
			len(packet.Outputs) != len(packet.UnsignedTx.TxOut) {

			return nil, fmt.Errorf("%w: packet %d",
				ErrOutputCountMismatch, i)
		}
	}

	return copyPacket(base), nil
}

// mergePsbtInputs merges the fields of src into dest.
func mergePsbtInputs(dest, src *psbt.PInput) error {
	if err := mergeNonWitnessUtxo(dest, src); err != nil {
		return err
	}

	if err := mergeWitnessUtxo(dest, src); err != nil {
		return err
	}

	sigs, err := mergePartialSigs(dest.PartialSigs, src.PartialSigs)
	if err != nil {
		return err
	}
	dest.PartialSigs = sigs

	if err := mergeSighashType(dest, src); err != nil {
		return err
	}

	if err := mergeInputScripts(dest, src); err != nil {
		return err
	}

	dest.Bip32Derivation, err = mergeBip32Derivations(
		dest.Bip32Derivation, src.Bip32Derivation,
	)
	if err != nil {
		return err
	}

	if err := mergeTaprootInput(dest, src); err != nil {
		return err
	}

	dest.Unknowns, err = mergeUnknowns(dest.Unknowns, src.Unknowns)

	return err
}

// mergePsbtOutputs merges the fields of src into dest.
func mergePsbtOutputs(dest, src *psbt.POutput) error {
	if err := mergeOutputScripts(dest, src); err != nil {
		return err
	}

	var err error
	dest.Bip32Derivation, err = mergeBip32Derivations(
		dest.Bip32Derivation, src.Bip32Derivation,
	)
	if err != nil {
		return err
	}

	if err := mergeTaprootInternalKey(dest, src); err != nil {
		return err
	}

	if err := mergeBytes(
		&dest.TaprootTapTree, src.TaprootTapTree,
		ErrTaprootTapTreeMismatch,
	); err != nil {
		return err
	}

	dest.TaprootBip32Derivation, err = mergeTaprootBip32Derivations(
		dest.TaprootBip32Derivation, src.TaprootBip32Derivation,
	)
	if err != nil {
		return err
	}

	dest.Unknowns, err = mergeUnknowns(dest.Unknowns, src.Unknowns)

	return err
}

// mergeSighashType adopts the sighash type of src if dest has none. Zero is
// treated as unset.
func mergeSighashType(dest, src *psbt.PInput) error {
	switch {
	case src.SighashType == 0:
		return nil

	case dest.SighashType == 0:
		dest.SighashType = src.SighashType
		return nil

	case dest.SighashType != src.SighashType:
		return fmt.Errorf("%w: %v != %v", ErrSighashMismatch,
			dest.SighashType, src.SighashType)
	}

	return nil
}

// mergeBytes adopts src into dest if dest is empty and fails with mismatch if
// both are set to different values.
func mergeBytes(dest *[]byte, src []byte, mismatch error) error {
	switch {
	case len(src) == 0:
		return nil

	case len(*dest) == 0:
		*dest = bytes.Clone(src)
		return nil

	case !bytes.Equal(*dest, src):
		return mismatch
	}

	return nil
}

// mergeRedeemScript merges the redeem script of an input.
func mergeRedeemScript(dest, src *psbt.PInput) error {
	return mergeBytes(
		&dest.RedeemScript, src.RedeemScript, ErrRedeemScriptMismatch,
	)
}

// mergeInputScripts merges the redeem, witness and final scripts of an input.
func mergeInputScripts(dest, src *psbt.PInput) error {
	if err := mergeRedeemScript(dest, src); err != nil {
		return err
	}

	if err := mergeBytes(
		&dest.WitnessScript, src.WitnessScript,
		ErrWitnessScriptMismatch,
	); err != nil {
		return err
	}

	if err := mergeBytes(
		&dest.FinalScriptSig, src.FinalScriptSig,
		ErrFinalScriptSigMismatch,
	); err != nil {
		return err
	}

	return mergeBytes(
		&dest.FinalScriptWitness, src.FinalScriptWitness,
		ErrFinalScriptWitnessMismatch,
	)
}

// mergeOutputScripts merges the redeem and witness scripts of an output.
func mergeOutputScripts(dest, src *psbt.POutput) error {
	if err := mergeBytes(
		&dest.RedeemScript, src.RedeemScript, ErrRedeemScriptMismatch,
	); err != nil {
		return err
	}

	return mergeBytes(
		&dest.WitnessScript, src.WitnessScript,
		ErrWitnessScriptMismatch,
	)
}

// mergeWitnessUtxo adopts the witness UTXO of src if dest has none.
func mergeWitnessUtxo(dest, src *psbt.PInput) error {
	switch {
	case src.WitnessUtxo == nil:
		return nil

	case dest.WitnessUtxo == nil:
		dest.WitnessUtxo = copyTxOut(src.WitnessUtxo)
		return nil

	case !psbt.TxOutsEqual(dest.WitnessUtxo, src.WitnessUtxo):
		return ErrWitnessUtxoMismatch
	}

	return nil
}

// mergeNonWitnessUtxo adopts the non-witness UTXO of src if dest has none.
// Both the txid and the wtxid must match, so a copy of the previous
// transaction with different witness data is a conflict.
func mergeNonWitnessUtxo(dest, src *psbt.PInput) error {
	switch {
	case src.NonWitnessUtxo == nil:
		return nil

	case dest.NonWitnessUtxo == nil:
		dest.NonWitnessUtxo = src.NonWitnessUtxo.Copy()
		return nil

	case dest.NonWitnessUtxo.TxHash() != src.NonWitnessUtxo.TxHash(),
		dest.NonWitnessUtxo.WitnessHash() !=
			src.NonWitnessUtxo.WitnessHash():

		return ErrNonWitnessUtxoMismatch
	}

	return nil
}

// mergeTaprootInternalKey adopts the taproot internal key of an output.
func mergeTaprootInternalKey(dest, src *psbt.POutput) error {
	return mergeBytes(
		&dest.TaprootInternalKey, src.TaprootInternalKey,
		ErrTaprootInternalKeyMismatch,
	)
}

// mergeTaprootInput merges the taproot specific fields of an input.
func mergeTaprootInput(dest, src *psbt.PInput) error {
	if err := mergeBytes(
		&dest.TaprootKeySpendSig, src.TaprootKeySpendSig,
		ErrTaprootKeySpendSigMismatch,
	); err != nil {
		return err
	}

	if err := mergeBytes(
		&dest.TaprootInternalKey, src.TaprootInternalKey,
		ErrTaprootInternalKeyMismatch,
	); err != nil {
		return err
	}

	if err := mergeBytes(
		&dest.TaprootMerkleRoot, src.TaprootMerkleRoot,
		ErrTaprootMerkleRootMismatch,
	); err != nil {
		return err
	}

	for _, sig := range src.TaprootScriptSpendSig {
		idx := slices.IndexFunc(
			dest.TaprootScriptSpendSig,
			func(d *psbt.TaprootScriptSpendSig) bool {
				return bytes.Equal(d.XOnlyPubKey, sig.XOnlyPubKey) &&
					bytes.Equal(d.LeafHash, sig.LeafHash)
			},
		)
		if idx < 0 {
			dest.TaprootScriptSpendSig = append(
				dest.TaprootScriptSpendSig, sig,
			)

			continue
		}

		existing := dest.TaprootScriptSpendSig[idx]
		if !bytes.Equal(existing.Signature, sig.Signature) ||
			existing.SigHash != sig.SigHash {

			return fmt.Errorf("%w: taproot script spend sig for %x",
				ErrPartialSigMismatch, sig.XOnlyPubKey)
		}
	}

	for _, leaf := range src.TaprootLeafScript {
		if !slices.ContainsFunc(
			dest.TaprootLeafScript,
			func(d *psbt.TaprootTapLeafScript) bool {
				return bytes.Equal(d.ControlBlock, leaf.ControlBlock) &&
					bytes.Equal(d.Script, leaf.Script) &&
					d.LeafVersion == leaf.LeafVersion
			},
		) {

			dest.TaprootLeafScript = append(
				dest.TaprootLeafScript, leaf,
			)
		}
	}

	var err error
	dest.TaprootBip32Derivation, err = mergeTaprootBip32Derivations(
		dest.TaprootBip32Derivation, src.TaprootBip32Derivation,
	)

	return err
}

// mergePartialSigs unions two sets of partial signatures. The same public
// key signing with two different signatures is a conflict.
func mergePartialSigs(dest, src []*psbt.PartialSig) ([]*psbt.PartialSig,
	error) {

	for _, sig := range src {
		idx := slices.IndexFunc(dest, func(d *psbt.PartialSig) bool {
			return bytes.Equal(d.PubKey, sig.PubKey)
		})
		if idx < 0 {
			dest = append(dest, &psbt.PartialSig{
				PubKey:    bytes.Clone(sig.PubKey),
				Signature: bytes.Clone(sig.Signature),
			})

			continue
		}

		if !bytes.Equal(dest[idx].Signature, sig.Signature) {
			return nil, fmt.Errorf("%w: pubkey %x",
				ErrPartialSigMismatch, sig.PubKey)
		}
	}

	return dest, nil
}

// mergeBip32Derivations unions two sets of BIP32 derivations keyed by public
// key. The same key with a different fingerprint or path is a conflict.
func mergeBip32Derivations(dest,
	src []*psbt.Bip32Derivation) ([]*psbt.Bip32Derivation, error) {

	for _, d := range src {
		idx := slices.IndexFunc(
			dest, func(e *psbt.Bip32Derivation) bool {
				return bytes.Equal(e.PubKey, d.PubKey)
			},
		)
		if idx < 0 {
			dest = append(dest, &psbt.Bip32Derivation{
				PubKey:               bytes.Clone(d.PubKey),
				MasterKeyFingerprint: d.MasterKeyFingerprint,
				Bip32Path:            slices.Clone(d.Bip32Path),
			})

			continue
		}

		existing := dest[idx]
		if existing.MasterKeyFingerprint != d.MasterKeyFingerprint ||
			!slices.Equal(existing.Bip32Path, d.Bip32Path) {

			return nil, fmt.Errorf("%w: pubkey %x",
				ErrBip32DerivationMismatch, d.PubKey)
		}
	}

	return dest, nil
}

// mergeTaprootBip32Derivations unions two sets of taproot derivations keyed
// by x-only key. The same key with a different fingerprint, path or set of
// leaf hashes is a conflict.
func mergeTaprootBip32Derivations(dest,
	src []*psbt.TaprootBip32Derivation) ([]*psbt.TaprootBip32Derivation,
	error) {

	for _, d := range src {
		idx := slices.IndexFunc(
			dest, func(e *psbt.TaprootBip32Derivation) bool {
				return bytes.Equal(e.XOnlyPubKey, d.XOnlyPubKey)
			},
		)
		if idx < 0 {
			c := &psbt.TaprootBip32Derivation{
				XOnlyPubKey: bytes.Clone(d.XOnlyPubKey),
				LeafHashes:  cloneLeafHashes(d.LeafHashes),
				Bip32Path:   slices.Clone(d.Bip32Path),
			}
			c.MasterKeyFingerprint = d.MasterKeyFingerprint
			dest = append(dest, c)

			continue
		}

		existing := dest[idx]
		if existing.MasterKeyFingerprint != d.MasterKeyFingerprint ||
			!slices.Equal(existing.Bip32Path, d.Bip32Path) ||
			!slices.EqualFunc(
				existing.LeafHashes, d.LeafHashes, bytes.Equal,
			) {

			return nil, fmt.Errorf("%w: x-only key %x",
				ErrTaprootBip32DerivationMismatch,
				d.XOnlyPubKey)
		}
	}

	return dest, nil
}

// cloneLeafHashes returns a deep copy of a list of tap leaf hashes.
func cloneLeafHashes(hashes [][]byte) [][]byte {
	if hashes == nil {
		return nil
	}

	clone := make([][]byte, len(hashes))
	for i, h := range hashes {
		clone[i] = bytes.Clone(h)
	}

	return clone
}

// mergeUnknowns unions two sets of unknown key value pairs.
func mergeUnknowns(dest, src []*psbt.Unknown) ([]*psbt.Unknown, error) {
	for _, u := range src {
		idx := slices.IndexFunc(dest, func(d *psbt.Unknown) bool {
			return bytes.Equal(d.Key, u.Key)
		})
		if idx < 0 {
			dest = append(dest, &psbt.Unknown{
				Key:   bytes.Clone(u.Key),
				Value: bytes.Clone(u.Value),
			})

			continue
		}

		if !bytes.Equal(dest[idx].Value, u.Value) {
			return nil, fmt.Errorf("%w: key %x", ErrUnknownMismatch,
				u.Key)
		}
	}

	return dest, nil
}

// sortInput orders the keyed fields of an input by key.
func sortInput(in *psbt.PInput) {
	slices.SortFunc(in.PartialSigs, func(a, b *psbt.PartialSig) int {
		return bytes.Compare(a.PubKey, b.PubKey)
	})
	slices.SortFunc(in.Bip32Derivation, func(a, b *psbt.Bip32Derivation) int {
		return bytes.Compare(a.PubKey, b.PubKey)
	})
	slices.SortFunc(
		in.TaprootBip32Derivation,
		func(a, b *psbt.TaprootBip32Derivation) int {
			return bytes.Compare(a.XOnlyPubKey, b.XOnlyPubKey)
		},
	)
	slices.SortFunc(
		in.TaprootScriptSpendSig,
		func(a, b *psbt.TaprootScriptSpendSig) int {
			return cmp.Or(
				bytes.Compare(a.XOnlyPubKey, b.XOnlyPubKey),
				bytes.Compare(a.LeafHash, b.LeafHash),
			)
		},
	)
	slices.SortFunc(
		in.TaprootLeafScript,
		func(a, b *psbt.TaprootTapLeafScript) int {
			return cmp.Or(
				bytes.Compare(a.ControlBlock, b.ControlBlock),
				bytes.Compare(a.Script, b.Script),
			)
		},
	)
	sortUnknowns(in.Unknowns)
}

// sortOutput orders the keyed fields of an output by key.
func sortOutput(out *psbt.POutput) {
	slices.SortFunc(out.Bip32Derivation, func(a, b *psbt.Bip32Derivation) int {
		return bytes.Compare(a.PubKey, b.PubKey)
	})
	slices.SortFunc(
		out.TaprootBip32Derivation,
		func(a, b *psbt.TaprootBip32Derivation) int {
			return bytes.Compare(a.XOnlyPubKey, b.XOnlyPubKey)
		},
	)
	sortUnknowns(out.Unknowns)
}

// sortUnknowns orders unknown fields by key.
func sortUnknowns(unknowns []*psbt.Unknown) {
	slices.SortFunc(unknowns, func(a, b *psbt.Unknown) int {
		return bytes.Compare(a.Key, b.Key)
	})
}

// copyTxOut returns a deep copy of a transaction output.
func copyTxOut(out *wire.TxOut) *wire.TxOut {
	return wire.NewTxOut(out.Value, bytes.Clone(out.PkScript))
}

// copyPacket returns a deep copy of a packet. Slices of keyed fields are
// copied so that merging into the copy never modifies the original.
func copyPacket(p *psbt.Packet) *psbt.Packet {
	out := &psbt.Packet{
		UnsignedTx: p.UnsignedTx.Copy(),
		Inputs:     make([]psbt.PInput, len(p.Inputs)),
		Outputs:    make([]psbt.POutput, len(p.Outputs)),
		Unknowns:   cloneUnknowns(p.Unknowns),
	}

	for i, in := range p.Inputs {
		c := in
		if in.NonWitnessUtxo != nil {
			c.NonWitnessUtxo = in.NonWitnessUtxo.Copy()
		}
		if in.WitnessUtxo != nil {
			c.WitnessUtxo = copyTxOut(in.WitnessUtxo)
		}

		c.PartialSigs = clonePartialSigs(in.PartialSigs)
		c.RedeemScript = bytes.Clone(in.RedeemScript)
		c.WitnessScript = bytes.Clone(in.WitnessScript)
		c.FinalScriptSig = bytes.Clone(in.FinalScriptSig)
		c.FinalScriptWitness = bytes.Clone(in.FinalScriptWitness)
		c.Bip32Derivation = cloneBip32Derivations(in.Bip32Derivation)
		c.TaprootKeySpendSig = bytes.Clone(in.TaprootKeySpendSig)
		c.TaprootScriptSpendSig = slices.Clone(in.TaprootScriptSpendSig)
		c.TaprootLeafScript = slices.Clone(in.TaprootLeafScript)
		c.TaprootBip32Derivation = slices.Clone(
			in.TaprootBip32Derivation,
		)
		c.TaprootInternalKey = bytes.Clone(in.TaprootInternalKey)
		c.TaprootMerkleRoot = bytes.Clone(in.TaprootMerkleRoot)
		c.Unknowns = cloneUnknowns(in.Unknowns)

		out.Inputs[i] = c
	}

	for i, o := range p.Outputs {
		c := o
		c.RedeemScript = bytes.Clone(o.RedeemScript)
		c.WitnessScript = bytes.Clone(o.WitnessScript)
		c.Bip32Derivation = cloneBip32Derivations(o.Bip32Derivation)
		c.TaprootInternalKey = bytes.Clone(o.TaprootInternalKey)
		c.TaprootTapTree = bytes.Clone(o.TaprootTapTree)
		c.TaprootBip32Derivation = slices.Clone(
			o.TaprootBip32Derivation,
		)
		c.Unknowns = cloneUnknowns(o.Unknowns)

		out.Outputs[i] = c
	}

	return out
}

// clonePartialSigs returns a deep copy of a list of partial signatures.
func clonePartialSigs(sigs []*psbt.PartialSig) []*psbt.PartialSig {
	if sigs == nil {
		return nil
	}

	out := make([]*psbt.PartialSig, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, &psbt.PartialSig{
			PubKey:    bytes.Clone(sig.PubKey),
			Signature: bytes.Clone(sig.Signature),
		})
	}

	return out
}

// cloneBip32Derivations returns a deep copy of a list of derivations.
func cloneBip32Derivations(
	derivations []*psbt.Bip32Derivation) []*psbt.Bip32Derivation {

	if derivations == nil {
		return nil
	}

	out := make([]*psbt.Bip32Derivation, 0, len(derivations))
	for _, d := range derivations {
		out = append(out, &psbt.Bip32Derivation{
			PubKey:               bytes.Clone(d.PubKey),
			MasterKeyFingerprint: d.MasterKeyFingerprint,
			Bip32Path:            slices.Clone(d.Bip32Path),
		})
	}

	return out
}

// cloneUnknowns returns a deep copy of a list of unknown fields.
func cloneUnknowns(unknowns []*psbt.Unknown) []*psbt.Unknown {
	if unknowns == nil {
		return nil
	}

	out := make([]*psbt.Unknown, 0, len(unknowns))
	for _, u := range unknowns {
		out = append(out, &psbt.Unknown{
			Key:   bytes.Clone(u.Key),
			Value: bytes.Clone(u.Value),
		})
	}

	return out
}
