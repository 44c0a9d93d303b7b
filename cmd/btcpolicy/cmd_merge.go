package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcpolicy/psbtmerge"
	"github.com/btcsuite/btcpolicy/session"
	"github.com/btcsuite/btcpolicy/wallet"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"
)

// defaultStopTimeout bounds the shutdown of the merge coordinator.
const defaultStopTimeout = 5 * time.Second

type mergeCommand struct {
	ctx       context.Context
	cfg       *config
	Broadcast bool   `long:"broadcast" description:"Finalize the merged PSBT and publish the transaction"`
	Out       string `long:"out" short:"o" description:"Write the merged PSBT to this file instead of stdout"`
	Args      struct {
		Files []string `positional-arg-name:"file" required:"1"`
	} `positional-args:"yes" required:"yes"`
}

func newMergeCommand(ctx context.Context, cfg *config) *mergeCommand {
	return &mergeCommand{ctx: ctx, cfg: cfg}
}

func (x *mergeCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"merge", "Merge PSBTs and optionally broadcast",
		"Load one base64 PSBT per file, combine them into a single "+
			"PSBT and print it. With --broadcast the merged PSBT "+
			"is finalized and the transaction is published "+
			"through the configured backend.",
		x,
	)
	return err
}

func (x *mergeCommand) Execute(_ []string) error {
	entries, err := loadFiles(x.ctx, x.Args.Files)
	if err != nil {
		return err
	}

	backendCfg := wallet.Config{}
	if x.Broadcast {
		broadcaster, cleanup, err := x.cfg.newBroadcaster()
		if err != nil {
			return err
		}
		defer cleanup()

		backendCfg.Broadcaster = broadcaster
	}

	s := session.New(session.Config{
		Backend:            wallet.New(backendCfg),
		RejectAddOnInvalid: x.cfg.RejectInvalid,
	})
	if err := s.Start(); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), defaultStopTimeout,
		)
		defer cancel()

		if err := s.Stop(ctx); err != nil {
			log.Errorf("Unable to stop merge coordinator: %v", err)
		}
	}()

	coordinator := s.Coordinator()
	for i, entry := range entries {
		_, err := coordinator.AddEntry(x.ctx, entry)
		if err != nil {
			return fmt.Errorf("%s: %w", x.Args.Files[i], err)
		}
	}

	if _, err := coordinator.Merge(x.ctx); err != nil {
		if errors.Is(err, psbtmerge.ErrUnresolvedEntries) {
			x.reportInvalidEntries(coordinator)
		}

		return err
	}

	snapshot, err := coordinator.Snapshot(x.ctx)
	if err != nil {
		return err
	}

	log.Infof("Merged %d psbts, signatures per input: %v", len(entries),
		snapshot.SignatureCounts())

	merged, err := snapshot.MergedBase64()
	if err != nil {
		return err
	}
	if err := writeOutput(x.Out, merged); err != nil {
		return err
	}

	if !x.Broadcast {
		return nil
	}

	pending, err := coordinator.FinalizeAndBroadcast(x.ctx)
	if err != nil {
		return err
	}

	snapshot.MergedPacket().WhenSome(func(p *psbt.Packet) {
		fee, err := wallet.Fee(p, pending.Tx)
		if err != nil {
			log.Warnf("Unable to compute fee: %v", err)
			return
		}

		log.Infof("Publishing tx %v paying %v", pending.Tx.TxHash(),
			fee)
	})

	txid, err := pending.Wait(x.ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Published transaction %v\n", txid)

	return nil
}

// reportInvalidEntries prints the parse error of every entry that failed to
// parse.
func (x *mergeCommand) reportInvalidEntries(c *psbtmerge.Coordinator) {
	snapshot, err := c.Snapshot(x.ctx)
	if err != nil {
		return
	}

	for i, entry := range snapshot.Entries {
		entry.Parsed.WhenErr(func(err error) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", x.Args.Files[i], err)
		})
	}
}

// loadFiles reads all files concurrently and returns their contents in the
// order of the arguments.
func loadFiles(ctx context.Context, files []string) ([]string, error) {
	contents := make([]string, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, file := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("unable to read %s: %w", file,
					err)
			}
			contents[i] = string(data)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return contents, nil
}
