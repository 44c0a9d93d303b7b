package psbtmerge

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// State is the lifecycle state of a Coordinator, derived from its entries
// and results.
type State uint8

const (
	// StateEmpty means there are no entries.
	StateEmpty State = iota

	// StateCollecting means there are entries but no merge result.
	StateCollecting

	// StateMerged means a merge was attempted, successfully or not.
	StateMerged

	// StateBroadcasting means a broadcast is in flight.
	StateBroadcasting

	// StateBroadcast means the last broadcast finished, successfully or
	// not.
	StateBroadcast
)

// String returns a human readable name of the state.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateCollecting:
		return "collecting"
	case StateMerged:
		return "merged"
	case StateBroadcasting:
		return "broadcasting"
	case StateBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Snapshot is a copy of the coordinator's state at one point in time.
type Snapshot struct {
	// Entries are the stored entries in order.
	Entries []Entry

	// Merged is the outcome of the last merge, if any since the entries
	// last changed.
	Merged fn.Option[fn.Result[*psbt.Packet]]

	// Broadcast is the outcome of the last broadcast, if any since the
	// entries last changed.
	Broadcast fn.Option[fn.Result[chainhash.Hash]]

	// Broadcasting is true while a broadcast is in flight.
	Broadcasting bool
}

// State derives the lifecycle state of the snapshot.
func (s *Snapshot) State() State {
	switch {
	case s.Broadcasting:
		return StateBroadcasting
	case s.Broadcast.IsSome():
		return StateBroadcast
	case s.Merged.IsSome():
		return StateMerged
	case len(s.Entries) > 0:
		return StateCollecting
	default:
		return StateEmpty
	}
}

// MergedPacket returns the merged packet if the last merge succeeded.
func (s *Snapshot) MergedPacket() fn.Option[*psbt.Packet] {
	return fn.FlatMapOption(
		func(r fn.Result[*psbt.Packet]) fn.Option[*psbt.Packet] {
			return r.OkToSome()
		},
	)(s.Merged)
}

// MergedBase64 returns the base64 encoding of the merged packet.
func (s *Snapshot) MergedBase64() (string, error) {
	packet, err := s.MergedPacket().UnwrapOrErr(ErrNothingToBroadcast)
	if err != nil {
		return "", err
	}

	return packet.B64Encode()
}

// SignatureCounts returns the number of partial signatures collected for
// every input of the merged packet.
func (s *Snapshot) SignatureCounts() []int {
	return fn.MapOptionZ(s.MergedPacket(), func(p *psbt.Packet) []int {
		counts := make([]int, len(p.Inputs))
		for i, in := range p.Inputs {
			counts[i] = len(in.PartialSigs)
			if in.TaprootKeySpendSig != nil {
				counts[i]++
			}
			counts[i] += len(in.TaprootScriptSpendSig)
		}

		return counts
	})
}

// PendingBroadcast tracks a broadcast started by FinalizeAndBroadcast.
type PendingBroadcast struct {
	// Tx is the finalized transaction being broadcast.
	Tx *wire.MsgTx

	done   chan struct{}
	quit   <-chan struct{}
	result fn.Result[chainhash.Hash]
}

// newPendingBroadcast creates a PendingBroadcast for tx. quit is closed when
// the coordinator shuts down.
func newPendingBroadcast(tx *wire.MsgTx,
	quit <-chan struct{}) *PendingBroadcast {

	return &PendingBroadcast{
		Tx:   tx,
		done: make(chan struct{}),
		quit: quit,
	}
}

// complete records the outcome. It must be called exactly once.
func (p *PendingBroadcast) complete(res fn.Result[chainhash.Hash]) {
	p.result = res
	close(p.done)
}

// Done returns a channel that is closed once the outcome is known.
func (p *PendingBroadcast) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the broadcast finished and returns the txid reported by
// the transport.
func (p *PendingBroadcast) Wait(ctx context.Context) (chainhash.Hash,
	error) {

	select {
	case <-p.done:
		return p.result.Unpack()
	default:
	}

	select {
	case <-p.done:
		return p.result.Unpack()

	case <-p.quit:
		return chainhash.Hash{}, ErrCoordinatorShuttingDown

	case <-ctx.Done():
		return chainhash.Hash{}, ctx.Err()
	}
}

// addEntryReq is a request to append an entry.
type addEntryReq struct {
	raw  string
	resp chan addEntryResp
}

// addEntryResp is the response to an addEntryReq.
type addEntryResp struct {
	index int
	err   error
}

// updateEntryReq is a request to replace an entry.
type updateEntryReq struct {
	index int
	raw   string
	resp  chan error
}

// removeEntryReq is a request to remove an entry.
type removeEntryReq struct {
	index int
	resp  chan error
}

// mergeReq is a request to combine the entries.
type mergeReq struct {
	resp chan fn.Result[*psbt.Packet]
}

// broadcastReq is a request to finalize and broadcast the merged packet.
type broadcastReq struct {
	ctx  context.Context //nolint:containedctx
	resp chan fn.Result[*PendingBroadcast]
}

// snapshotReq is a request for a copy of the state.
type snapshotReq struct {
	resp chan *Snapshot
}
