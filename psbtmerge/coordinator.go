// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package psbtmerge collects partially signed transactions from several
// signers, combines them, and finalizes and broadcasts the result.
package psbtmerge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrEmptyEntry is stored as the parse result of an entry without
	// any text.
	ErrEmptyEntry = errors.New("empty psbt entry")

	// ErrInvalidEntry is stored as the parse result of an entry that is
	// not a valid base64 PSBT.
	ErrInvalidEntry = errors.New("invalid psbt entry")

	// ErrInvalidEntries is returned by AddEntry when the coordinator
	// rejects additions while a stored entry doesn't parse.
	ErrInvalidEntries = errors.New("stored entries contain invalid " +
		"psbts")

	// ErrIndexOutOfRange is returned when an entry index doesn't exist.
	ErrIndexOutOfRange = errors.New("entry index out of range")

	// ErrUnresolvedEntries is returned by Merge when there are no entries
	// or at least one of them failed to parse.
	ErrUnresolvedEntries = errors.New("entries are missing or invalid")

	// ErrCombineConflict is returned by Merge when the entries can't be
	// combined. The specific mismatch is wrapped.
	ErrCombineConflict = errors.New("psbts can't be combined")

	// ErrNothingToBroadcast is returned when no successfully merged PSBT
	// exists.
	ErrNothingToBroadcast = errors.New("nothing to broadcast")

	// ErrCannotFinalize is returned when the merged PSBT doesn't yet
	// satisfy the policy, usually because signatures are missing.
	ErrCannotFinalize = errors.New("psbt can't be finalized")

	// ErrFinalize is returned when finalization or extraction failed for
	// a structural reason. The cause is wrapped.
	ErrFinalize = errors.New("finalize failed")

	// ErrBroadcast is returned when the transport rejected the
	// transaction. The cause is wrapped.
	ErrBroadcast = errors.New("broadcast failed")

	// ErrBusy is returned for mutating operations while a broadcast is in
	// flight.
	ErrBusy = errors.New("broadcast in progress")

	// ErrCoordinatorShuttingDown is returned when the coordinator stops
	// while a request is pending.
	ErrCoordinatorShuttingDown = errors.New("coordinator shutting down")

	// ErrCoordinatorNotStarted is returned when a request is made before
	// Start.
	ErrCoordinatorNotStarted = errors.New("coordinator not started")

	// ErrCoordinatorAlreadyStarted is returned when Start is called more
	// than once.
	ErrCoordinatorAlreadyStarted = errors.New("coordinator already " +
		"started")
)

// Finalizer finalizes a PSBT against the spending policy of its inputs.
type Finalizer interface {
	// Finalize finalizes every input of the packet in place. It returns
	// false without an error if the packet can't be satisfied yet, and an
	// error for structural problems.
	Finalize(ctx context.Context, packet *psbt.Packet) (bool, error)
}

// Broadcaster publishes a transaction to the network.
type Broadcaster interface {
	// Broadcast publishes tx and returns its txid.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
}

// Config holds the collaborators and policies of a Coordinator.
type Config struct {
	// Finalizer finalizes the merged PSBT.
	Finalizer Finalizer

	// Broadcaster publishes the final transaction.
	Broadcaster Broadcaster

	// RejectAddOnInvalid makes AddEntry fail with ErrInvalidEntries while
	// any stored entry doesn't parse. By default additions are always
	// accepted and invalid entries only block Merge.
	RejectAddOnInvalid bool
}

// Entry is a PSBT contributed by one signer.
type Entry struct {
	// Raw is the text as provided.
	Raw string

	// Parsed is the decoded packet or the reason decoding failed.
	Parsed fn.Result[*psbt.Packet]
}

// ParseEntry decodes the base64 PSBT in raw. Surrounding whitespace is
// ignored.
func ParseEntry(raw string) Entry {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Entry{Raw: raw, Parsed: fn.Err[*psbt.Packet](ErrEmptyEntry)}
	}

	packet, err := psbt.NewFromRawBytes(strings.NewReader(trimmed), true)
	if err != nil {
		return Entry{
			Raw: raw,
			Parsed: fn.Err[*psbt.Packet](
				fmt.Errorf("%w: %w", ErrInvalidEntry, err),
			),
		}
	}

	return Entry{Raw: raw, Parsed: fn.Ok(packet)}
}

// Coordinator owns the list of entries, the merge result and the broadcast
// outcome. All operations are serialized through a single main loop. The
// broadcast itself runs on its own goroutine and reports back to the loop.
type Coordinator struct {
	cfg Config

	started atomic.Bool

	requestChan   chan any
	broadcastDone chan fn.Result[chainhash.Hash]

	lifetimeCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// The fields below are only accessed by the main loop.
	entries   []Entry
	merged    fn.Option[fn.Result[*psbt.Packet]]
	broadcast fn.Option[fn.Result[chainhash.Hash]]
	pending   *PendingBroadcast
}

// New creates a Coordinator. Start must be called before use.
func New(cfg Config) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		cfg:           cfg,
		requestChan:   make(chan any),
		broadcastDone: make(chan fn.Result[chainhash.Hash]),
		lifetimeCtx:   ctx,
		cancel:        cancel,
		merged:        fn.None[fn.Result[*psbt.Packet]](),
		broadcast:     fn.None[fn.Result[chainhash.Hash]](),
	}
}

// Start launches the main loop.
func (c *Coordinator) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrCoordinatorAlreadyStarted
	}

	c.wg.Add(1)

	go c.mainLoop()

	log.Debugf("PSBT merge coordinator started")

	return nil
}

// Stop signals the main loop and any in-flight broadcast to exit and waits
// for them. It returns an error if ctx is canceled first.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop request cancelled: %w", ctx.Err())
	}

	log.Debugf("PSBT merge coordinator stopped")

	return nil
}

// AddEntry appends a PSBT entry and returns its index. Text that doesn't
// parse is stored as well, with the error recorded on the entry. Adding an
// entry discards any previous merge and broadcast result.
func (c *Coordinator) AddEntry(ctx context.Context, raw string) (int, error) {
	r := addEntryReq{
		raw:  raw,
		resp: make(chan addEntryResp, 1),
	}

	resp, err := request(ctx, c, r, r.resp)
	if err != nil {
		return 0, err
	}

	return resp.index, resp.err
}

// UpdateEntry replaces the text of an existing entry.
func (c *Coordinator) UpdateEntry(ctx context.Context, index int,
	raw string) error {

	r := updateEntryReq{
		index: index,
		raw:   raw,
		resp:  make(chan error, 1),
	}

	err, reqErr := request(ctx, c, r, r.resp)
	if reqErr != nil {
		return reqErr
	}

	return err
}

// RemoveEntry removes the entry at index. Later entries move down by one.
func (c *Coordinator) RemoveEntry(ctx context.Context, index int) error {
	r := removeEntryReq{
		index: index,
		resp:  make(chan error, 1),
	}

	err, reqErr := request(ctx, c, r, r.resp)
	if reqErr != nil {
		return reqErr
	}

	return err
}

// Merge combines all entries in their stored order. The outcome, success or
// failure, is kept as the merge result.
func (c *Coordinator) Merge(ctx context.Context) (*psbt.Packet, error) {
	r := mergeReq{
		resp: make(chan fn.Result[*psbt.Packet], 1),
	}

	res, err := request(ctx, c, r, r.resp)
	if err != nil {
		return nil, err
	}

	return res.Unpack()
}

// FinalizeAndBroadcast finalizes a copy of the merged PSBT, extracts the
// transaction and starts broadcasting it. It returns once the broadcast has
// been started; the outcome is delivered through the returned
// PendingBroadcast and recorded in the coordinator's state.
func (c *Coordinator) FinalizeAndBroadcast(
	ctx context.Context) (*PendingBroadcast, error) {

	r := broadcastReq{
		ctx:  ctx,
		resp: make(chan fn.Result[*PendingBroadcast], 1),
	}

	res, err := request(ctx, c, r, r.resp)
	if err != nil {
		return nil, err
	}

	return res.Unpack()
}

// Snapshot returns a copy of the coordinator's state.
func (c *Coordinator) Snapshot(ctx context.Context) (*Snapshot, error) {
	r := snapshotReq{
		resp: make(chan *Snapshot, 1),
	}

	return request(ctx, c, r, r.resp)
}

// mainLoop serializes all requests and broadcast completions.
func (c *Coordinator) mainLoop() {
	defer c.wg.Done()

	for {
		select {
		case req := <-c.requestChan:
			switch r := req.(type) {
			case addEntryReq:
				c.handleAddEntry(r)

			case updateEntryReq:
				c.handleUpdateEntry(r)

			case removeEntryReq:
				c.handleRemoveEntry(r)

			case mergeReq:
				c.handleMerge(r)

			case broadcastReq:
				c.handleBroadcast(r)

			case snapshotReq:
				r.resp <- c.snapshot()

			default:
				log.Errorf("Coordinator received unknown "+
					"request type: %T", req)
			}

		case res := <-c.broadcastDone:
			c.handleBroadcastDone(res)

		case <-c.lifetimeCtx.Done():
			return
		}
	}
}

// handleAddEntry stores a new entry.
func (c *Coordinator) handleAddEntry(r addEntryReq) {
	if c.pending != nil {
		r.resp <- addEntryResp{err: ErrBusy}
		return
	}

	if c.cfg.RejectAddOnInvalid {
		for i, entry := range c.entries {
			if entry.Parsed.IsErr() {
				r.resp <- addEntryResp{
					err: fmt.Errorf("%w: entry %d",
						ErrInvalidEntries, i),
				}

				return
			}
		}
	}

	entry := ParseEntry(r.raw)
	entry.Parsed.WhenErr(func(err error) {
		log.Debugf("Stored entry %d doesn't parse: %v",
			len(c.entries), err)
	})

	c.entries = append(c.entries, entry)
	c.resetResults()

	r.resp <- addEntryResp{index: len(c.entries) - 1}
}

// handleUpdateEntry replaces the text of an entry.
func (c *Coordinator) handleUpdateEntry(r updateEntryReq) {
	if c.pending != nil {
		r.resp <- ErrBusy
		return
	}

	if r.index < 0 || r.index >= len(c.entries) {
		r.resp <- fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange,
			r.index, len(c.entries))

		return
	}

	c.entries[r.index] = ParseEntry(r.raw)
	c.resetResults()

	r.resp <- nil
}

// handleRemoveEntry removes an entry.
func (c *Coordinator) handleRemoveEntry(r removeEntryReq) {
	if c.pending != nil {
		r.resp <- ErrBusy
		return
	}

	if r.index < 0 || r.index >= len(c.entries) {
		r.resp <- fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange,
			r.index, len(c.entries))

		return
	}

	c.entries = append(c.entries[:r.index], c.entries[r.index+1:]...)
	c.resetResults()

	r.resp <- nil
}

// handleMerge combines the entries and records the result.
func (c *Coordinator) handleMerge(r mergeReq) {
	if c.pending != nil {
		r.resp <- fn.Err[*psbt.Packet](ErrBusy)
		return
	}

	res := c.combineEntries()
	c.merged = fn.Some(res)
	c.broadcast = fn.None[fn.Result[chainhash.Hash]]()

	res.WhenErr(func(err error) {
		log.Infof("Merge of %d entries failed: %v", len(c.entries), err)
	})
	res.WhenOk(func(p *psbt.Packet) {
		log.Infof("Merged %d entries into psbt for tx %v",
			len(c.entries), p.UnsignedTx.TxHash())
	})

	r.resp <- copyResult(res)
}

// combineEntries combines the parsed entries in order.
func (c *Coordinator) combineEntries() fn.Result[*psbt.Packet] {
	if len(c.entries) == 0 {
		return fn.Err[*psbt.Packet](
			fmt.Errorf("%w: no entries", ErrUnresolvedEntries),
		)
	}

	packets := make([]*psbt.Packet, 0, len(c.entries))
	for i, entry := range c.entries {
		packet, err := entry.Parsed.Unpack()
		if err != nil {
			return fn.Err[*psbt.Packet](fmt.Errorf("%w: entry %d: %w",
				ErrUnresolvedEntries, i, err))
		}

		packets = append(packets, packet)
	}

	combined, err := Combine(packets...)
	if err != nil {
		return fn.Err[*psbt.Packet](
			fmt.Errorf("%w: %w", ErrCombineConflict, err),
		)
	}

	return fn.Ok(combined)
}

// handleBroadcast finalizes the merged PSBT and starts the broadcast.
func (c *Coordinator) handleBroadcast(r broadcastReq) {
	if c.pending != nil {
		r.resp <- fn.Err[*PendingBroadcast](ErrBusy)
		return
	}

	tx, err := c.finalizeMerged(r.ctx)
	if err != nil {
		log.Infof("Unable to finalize merged psbt: %v", err)
		r.resp <- fn.Err[*PendingBroadcast](err)

		return
	}

	pending := newPendingBroadcast(tx, c.lifetimeCtx.Done())
	c.pending = pending
	c.broadcast = fn.None[fn.Result[chainhash.Hash]]()

	log.Infof("Broadcasting tx %v", tx.TxHash())
	log.Tracef("Broadcasting tx: %v", newLogClosure(func() string {
		return spew.Sdump(tx)
	}))

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		// The transport call uses the coordinator's lifetime, not the
		// caller's context, so only Stop can cancel it.
		var res fn.Result[chainhash.Hash]
		txid, err := c.cfg.Broadcaster.Broadcast(c.lifetimeCtx, tx)
		if err != nil {
			res = fn.Err[chainhash.Hash](
				fmt.Errorf("%w: %w", ErrBroadcast, err),
			)
		} else {
			res = fn.Ok(txid)
		}

		select {
		case c.broadcastDone <- res:
		case <-c.lifetimeCtx.Done():
		}
	}()

	r.resp <- fn.Ok(pending)
}

// finalizeMerged finalizes a copy of the merged packet and extracts the
// final transaction.
func (c *Coordinator) finalizeMerged(ctx context.Context) (*wire.MsgTx,
	error) {

	merged, err := fn.FlatMapOption(
		func(r fn.Result[*psbt.Packet]) fn.Option[*psbt.Packet] {
			return r.OkToSome()
		},
	)(c.merged).UnwrapOrErr(ErrNothingToBroadcast)
	if err != nil {
		return nil, err
	}

	packet := copyPacket(merged)

	complete, err := c.cfg.Finalizer.Finalize(ctx, packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFinalize, err)
	}

	if !complete {
		return nil, ErrCannotFinalize
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFinalize, err)
	}

	return tx, nil
}

// handleBroadcastDone records the outcome of the in-flight broadcast.
func (c *Coordinator) handleBroadcastDone(res fn.Result[chainhash.Hash]) {
	c.broadcast = fn.Some(res)

	res.WhenErr(func(err error) {
		log.Errorf("Broadcast failed: %v", err)
	})
	res.WhenOk(func(txid chainhash.Hash) {
		log.Infof("Broadcast tx %v", txid)
	})

	if c.pending != nil {
		c.pending.complete(res)
		c.pending = nil
	}
}

// resetResults discards the merge and broadcast results after the entries
// changed.
func (c *Coordinator) resetResults() {
	c.merged = fn.None[fn.Result[*psbt.Packet]]()
	c.broadcast = fn.None[fn.Result[chainhash.Hash]]()
}

// snapshot copies the current state.
func (c *Coordinator) snapshot() *Snapshot {
	entries := make([]Entry, len(c.entries))
	for i, entry := range c.entries {
		entries[i] = Entry{
			Raw:    entry.Raw,
			Parsed: copyResult(entry.Parsed),
		}
	}

	return &Snapshot{
		Entries:      entries,
		Merged:       fn.MapOption(copyResult)(c.merged),
		Broadcast:    c.broadcast,
		Broadcasting: c.pending != nil,
	}
}

// copyResult deep copies the packet of a successful result so callers can't
// modify the coordinator's state.
func copyResult(r fn.Result[*psbt.Packet]) fn.Result[*psbt.Packet] {
	packet, err := r.Unpack()
	if err != nil {
		return r
	}

	return fn.Ok(copyPacket(packet))
}

// sendReq sends an operation request to the main loop or handles
// cancellation.
func (c *Coordinator) sendReq(ctx context.Context, req any) error {
	if !c.started.Load() {
		return ErrCoordinatorNotStarted
	}

	select {
	case c.requestChan <- req:
		return nil

	case <-c.lifetimeCtx.Done():
		return ErrCoordinatorShuttingDown

	case <-ctx.Done():
		return ctx.Err()
	}
}

// request sends req to the main loop and waits for its response on resp.
func request[T any](ctx context.Context, c *Coordinator, req any,
	resp <-chan T) (T, error) {

	var zero T
	if err := c.sendReq(ctx, req); err != nil {
		return zero, err
	}

	select {
	case r := <-resp:
		return r, nil

	case <-c.lifetimeCtx.Done():
		return zero, ErrCoordinatorShuttingDown

	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
