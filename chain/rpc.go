package chain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// RawTxSender is the part of a btcd RPC client used to publish
// transactions. It is satisfied by *rpcclient.Client.
type RawTxSender interface {
	// SendRawTransaction submits the encoded transaction to the server
	// which will then relay it to the network.
	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)
}

// RPCConfig holds the connection parameters of a btcd RPC server.
type RPCConfig struct {
	// Host is the host:port of the RPC server.
	Host string

	// User and Pass authenticate the connection.
	User string
	Pass string

	// Certificates are the PEM encoded TLS certificates of the server.
	Certificates []byte

	// DisableTLS connects without TLS.
	DisableTLS bool
}

// RPCBroadcaster publishes transactions through sendrawtransaction.
type RPCBroadcaster struct {
	client RawTxSender
}

// A compile-time check to ensure that RPCBroadcaster satisfies the
// Broadcaster interface.
var _ Broadcaster = (*RPCBroadcaster)(nil)

// NewRPCBroadcaster creates a broadcaster around an existing client.
func NewRPCBroadcaster(client RawTxSender) *RPCBroadcaster {
	return &RPCBroadcaster{client: client}
}

// DialRPC creates an HTTP POST mode RPC client for cfg. The returned
// function shuts the client down.
func DialRPC(cfg *RPCConfig) (*RPCBroadcaster, func(), error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		Certificates: cfg.Certificates,
		DisableTLS:   cfg.DisableTLS,
		HTTPPostMode: true,
	}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create rpc client: %w",
			err)
	}

	return NewRPCBroadcaster(client), client.Shutdown, nil
}

// Broadcast submits tx with sendrawtransaction. A transaction the server
// already knows is treated as published. The RPC call itself can't be
// canceled, but Broadcast returns early once ctx is done.
func (b *RPCBroadcaster) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	type result struct {
		txid *chainhash.Hash
		err  error
	}

	done := make(chan result, 1)
	go func() {
		txid, err := b.client.SendRawTransaction(tx, false)
		done <- result{txid: txid, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return chainhash.Hash{}, ctx.Err()
	}

	switch {
	case res.err == nil && res.txid != nil:
		log.Debugf("Published tx %v via rpc", res.txid)
		return *res.txid, nil

	case res.err == nil:
		return chainhash.Hash{}, ErrInvalidTxid

	case isAlreadyKnown(res.err.Error()):
		log.Infof("%v: tx already known to rpc server", tx.TxHash())
		return tx.TxHash(), nil
	}

	return chainhash.Hash{}, fmt.Errorf("%w: %w", ErrTxRejected, res.err)
}
