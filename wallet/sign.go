package wallet

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SignPsbt adds a partial signature of the local key to every P2WSH input
// whose witness script contains that key. It returns the indices of the
// inputs it signed. Inputs that are finalized, already signed by the local
// key or don't involve it are skipped.
func (b *Backend) SignPsbt(_ context.Context, packet *psbt.Packet) ([]uint32,
	error) {

	if packet == nil {
		return nil, ErrNilPacket
	}

	if err := psbt.InputsReadyToSign(packet); err != nil {
		return nil, fmt.Errorf("inputs not ready to sign: %w", err)
	}

	privKey, err := b.cfg.Keys.LocalPrivKey()
	if err != nil {
		return nil, err
	}
	pubKey := privKey.PubKey().SerializeCompressed()

	tx := packet.UnsignedTx
	fetcher := PsbtPrevOutputFetcher(packet)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	var signed []uint32
	for idx, txIn := range tx.TxIn {
		in := &packet.Inputs[idx]

		utxo := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		skip, err := shouldSkipInput(in, utxo, pubKey)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", idx, err)
		}
		if skip {
			continue
		}

		sigHashType := in.SighashType
		if sigHashType == 0 {
			sigHashType = txscript.SigHashAll
		}

		sig, err := txscript.RawTxInWitnessSignature(
			tx, sigHashes, idx, utxo.Value, in.WitnessScript,
			sigHashType, privKey,
		)
		if err != nil {
			return nil, fmt.Errorf("error signing input %d: %w",
				idx, err)
		}

		in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
			PubKey:    pubKey,
			Signature: sig,
		})
		signed = append(signed, uint32(idx))
	}

	log.Debugf("Signed inputs %v of tx %v", signed, tx.TxHash())

	return signed, nil
}

// shouldSkipInput decides whether the local key has to sign an input. It
// returns an error if the input's witness script doesn't match the output
// it spends.
func shouldSkipInput(in *psbt.PInput, utxo *wire.TxOut,
	pubKey []byte) (bool, error) {

	// Finalized inputs don't take more signatures.
	if len(in.FinalScriptWitness) > 0 || len(in.FinalScriptSig) > 0 {
		return true, nil
	}

	if utxo == nil || len(in.WitnessScript) == 0 ||
		!txscript.IsPayToWitnessScriptHash(utxo.PkScript) {

		return true, nil
	}

	scriptHash := sha256.Sum256(in.WitnessScript)
	if !bytes.Equal(utxo.PkScript[2:], scriptHash[:]) {
		return false, ErrWitnessScriptMismatch
	}

	if !scriptHasPushData(in.WitnessScript, pubKey) {
		return true, nil
	}

	for _, sig := range in.PartialSigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true, nil
		}
	}

	return false, nil
}

// scriptHasPushData reports whether script pushes data anywhere.
func scriptHasPushData(script, data []byte) bool {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		if bytes.Equal(tokenizer.Data(), data) {
			return true
		}
	}

	return false
}

// PsbtPrevOutputFetcher returns a txscript.PrevOutFetcher built from the UTXO
// information in a PSBT packet.
func PsbtPrevOutputFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		in := packet.Inputs[idx]

		// Skip any input that has no UTXO.
		if in.WitnessUtxo == nil && in.NonWitnessUtxo == nil {
			continue
		}

		if in.NonWitnessUtxo != nil {
			prevIndex := txIn.PreviousOutPoint.Index
			if int(prevIndex) >= len(in.NonWitnessUtxo.TxOut) {
				continue
			}

			fetcher.AddPrevOut(
				txIn.PreviousOutPoint,
				in.NonWitnessUtxo.TxOut[prevIndex],
			)

			continue
		}

		fetcher.AddPrevOut(txIn.PreviousOutPoint, in.WitnessUtxo)
	}

	return fetcher
}
