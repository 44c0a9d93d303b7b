package main

import (
	"context"
	"fmt"
	"os"

	"github.com/btcsuite/btcpolicy/keyring"
	"github.com/btcsuite/btcpolicy/session"
	"github.com/btcsuite/btcpolicy/wallet"
	"github.com/jessevdk/go-flags"
)

type signCommand struct {
	ctx  context.Context
	cfg  *config
	Out  string `long:"out" short:"o" description:"Write the signed PSBT to this file instead of stdout"`
	Args struct {
		File string `positional-arg-name:"file"`
	} `positional-args:"yes" required:"yes"`
}

func newSignCommand(ctx context.Context, cfg *config) *signCommand {
	return &signCommand{ctx: ctx, cfg: cfg}
}

func (x *signCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"sign", "Sign a PSBT with the local key",
		"Read a base64 PSBT from the file, add a signature of the "+
			"local key to every input whose witness script "+
			"contains it and print the result in base64.",
		x,
	)
	return err
}

func (x *signCommand) Execute(_ []string) error {
	raw, err := os.ReadFile(x.Args.File)
	if err != nil {
		return fmt.Errorf("unable to read psbt: %w", err)
	}

	return withRegistry(x.cfg, func(r *keyring.Registry) error {
		s := session.New(session.Config{
			Registry: r,
			Backend:  wallet.New(wallet.Config{Keys: r}),
		})

		signed, err := s.SignPsbt(x.ctx, string(raw))
		if err != nil {
			return err
		}

		return writeOutput(x.Out, signed)
	})
}

// writeOutput writes data followed by a newline to path, or to stdout if path
// is empty.
func writeOutput(path, data string) error {
	if path == "" {
		fmt.Println(data)
		return nil
	}

	return os.WriteFile(path, []byte(data+"\n"), 0600)
}
