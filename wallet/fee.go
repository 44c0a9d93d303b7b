package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// ErrNegativeFee is returned when a transaction spends more than its inputs
// provide.
var ErrNegativeFee = errors.New("outputs exceed inputs")

// FeeSummary describes the fee paid by a transaction.
type FeeSummary struct {
	// Fee is the difference between the input and the output values.
	Fee btcutil.Amount

	// Weight is the weight of the transaction in weight units.
	Weight int64
}

// VSize returns the virtual size of the transaction in vbytes, rounded up.
func (f FeeSummary) VSize() int64 {
	return (f.Weight + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor
}

// SatPerVByte returns the fee rate in sat/vb.
func (f FeeSummary) SatPerVByte() float64 {
	vsize := f.VSize()
	if vsize == 0 {
		return 0
	}

	return float64(f.Fee) / float64(vsize)
}

// String returns a human-readable string of the fee and its rate.
func (f FeeSummary) String() string {
	return fmt.Sprintf("%v (%.3f sat/vb, %d vb)", f.Fee, f.SatPerVByte(),
		f.VSize())
}

// Fee computes the fee paid by tx, the final transaction extracted from
// packet. The input values come from the UTXO information of the packet, so
// every input must carry it.
func Fee(packet *psbt.Packet, tx *wire.MsgTx) (FeeSummary, error) {
	if packet == nil || tx == nil {
		return FeeSummary{}, ErrNilPacket
	}

	inputs, err := psbt.SumUtxoInputValues(packet)
	if err != nil {
		return FeeSummary{}, fmt.Errorf("unable to sum inputs: %w", err)
	}

	var outputs int64
	for _, txOut := range tx.TxOut {
		outputs += txOut.Value
	}

	if outputs > inputs {
		return FeeSummary{}, fmt.Errorf("%w: inputs %v, outputs %v",
			ErrNegativeFee, btcutil.Amount(inputs),
			btcutil.Amount(outputs))
	}

	return FeeSummary{
		Fee:    btcutil.Amount(inputs - outputs),
		Weight: blockchain.GetTransactionWeight(btcutil.NewTx(tx)),
	}, nil
}
