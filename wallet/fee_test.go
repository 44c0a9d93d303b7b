package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// newFeePacket returns a packet spending one output of value in to one output
// of value out.
func newFeePacket(t *testing.T, in, out int64) *psbt.Packet {
	t.Helper()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{7}, Index: 1}, nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(out, []byte{0x00, 0x14}))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(in, []byte{0x51})

	return packet
}

// TestFee checks the fee and rate of a transaction.
func TestFee(t *testing.T) {
	t.Parallel()

	// Arrange.
	packet := newFeePacket(t, 100_000, 90_000)
	tx := packet.UnsignedTx.Copy()
	tx.TxIn[0].Witness = wire.TxWitness{make([]byte, 72), make([]byte, 33)}

	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))

	// Act.
	summary, err := Fee(packet, tx)

	// Assert.
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(10_000), summary.Fee)
	require.Equal(t, weight, summary.Weight)
	require.Equal(t, (weight+3)/4, summary.VSize())
	require.InDelta(
		t, 10_000/float64(summary.VSize()), summary.SatPerVByte(), 1e-9,
	)
}

// TestFeeErrors checks the failure cases of Fee.
func TestFeeErrors(t *testing.T) {
	t.Parallel()

	t.Run("outputs exceed inputs", func(t *testing.T) {
		t.Parallel()

		packet := newFeePacket(t, 1_000, 2_000)

		_, err := Fee(packet, packet.UnsignedTx)
		require.ErrorIs(t, err, ErrNegativeFee)
	})

	t.Run("missing utxo", func(t *testing.T) {
		t.Parallel()

		packet := newFeePacket(t, 1_000, 500)
		packet.Inputs[0].WitnessUtxo = nil

		_, err := Fee(packet, packet.UnsignedTx)
		require.Error(t, err)
	})

	t.Run("nil packet", func(t *testing.T) {
		t.Parallel()

		_, err := Fee(nil, nil)
		require.ErrorIs(t, err, ErrNilPacket)
	})
}

// TestFeeSummaryZeroWeight checks that an empty summary has no rate.
func TestFeeSummaryZeroWeight(t *testing.T) {
	t.Parallel()

	require.Zero(t, FeeSummary{Fee: 100}.SatPerVByte())
}
