// Package chain publishes final transactions to the Bitcoin network, either
// through an Esplora HTTP API or a btcd RPC connection.
package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrTxRejected is returned when the backend refused the transaction.
	ErrTxRejected = errors.New("transaction rejected by backend")

	// ErrInvalidTxid is returned when the backend answered with something
	// that isn't a txid.
	ErrInvalidTxid = errors.New("backend returned invalid txid")
)

// Broadcaster publishes a transaction to the network.
type Broadcaster interface {
	// Broadcast publishes tx and returns the txid reported by the
	// backend.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
}

// alreadyKnownMsgs are fragments of the errors btcd, bitcoind and Esplora
// return for a transaction that is already in the mempool or the chain.
var alreadyKnownMsgs = []string{
	"already have transaction",
	"txn-already-in-mempool",
	"txn-already-known",
	"transaction already in block chain",
	"transaction already exists",
}

// isAlreadyKnown reports whether a backend error means the transaction was
// published before.
func isAlreadyKnown(msg string) bool {
	msg = strings.ToLower(msg)
	for _, known := range alreadyKnownMsgs {
		if strings.Contains(msg, known) {
			return true
		}
	}

	return false
}
