package main

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcpolicy/keyring"
	"github.com/jessevdk/go-flags"
)

type keysCommand struct {
	cfg *config
}

func newKeysCommand(cfg *config) *keysCommand {
	return &keysCommand{cfg: cfg}
}

// aliasArg is the positional alias name shared by the alias commands.
type aliasArg struct {
	Name string `positional-arg-name:"alias"`
}

type keysListCommand struct {
	cfg *config
}

type keysAddCommand struct {
	cfg  *config
	Args aliasArg `positional-args:"yes" required:"yes"`
}

type keysLocalCommand struct {
	cfg  *config
	Args aliasArg `positional-args:"yes" required:"yes"`
}

type keysClearLocalCommand struct {
	cfg *config
}

type keysRemoveCommand struct {
	cfg  *config
	Args aliasArg `positional-args:"yes" required:"yes"`
}

func (x *keysCommand) Register(parser *flags.Parser) error {
	keys, err := parser.AddCommand(
		"keys", "Manage key aliases",
		"Every alias maps to a signing key derived from its name. At "+
			"most one alias is the local key used for signing and "+
			"substituted into policy templates.",
		&struct{}{},
	)
	if err != nil {
		return err
	}

	subCommands := []struct {
		name  string
		short string
		long  string
		data  interface{}
	}{{
		name:  "list",
		short: "List all aliases",
		long:  "List all aliases with their public keys.",
		data:  &keysListCommand{cfg: x.cfg},
	}, {
		name:  "add",
		short: "Add an alias",
		long:  "Add an alias and derive its key.",
		data:  &keysAddCommand{cfg: x.cfg},
	}, {
		name:  "local",
		short: "Designate the local key",
		long: "Make the alias the local key, replacing any previous " +
			"local key.",
		data: &keysLocalCommand{cfg: x.cfg},
	}, {
		name:  "clearlocal",
		short: "Clear the local key designation",
		long:  "Remove the local designation without removing the alias.",
		data:  &keysClearLocalCommand{cfg: x.cfg},
	}, {
		name:  "remove",
		short: "Remove an alias",
		long:  "Remove an alias. The local alias can't be removed.",
		data:  &keysRemoveCommand{cfg: x.cfg},
	}}

	for _, sub := range subCommands {
		_, err := keys.AddCommand(sub.name, sub.short, sub.long, sub.data)
		if err != nil {
			return err
		}
	}

	return nil
}

// withRegistry opens the keyring for the duration of f.
func withRegistry(cfg *config, f func(r *keyring.Registry) error) error {
	registry, closeDB, err := cfg.openRegistry()
	if err != nil {
		return err
	}
	defer closeDB()

	return f(registry)
}

func (x *keysListCommand) Execute(_ []string) error {
	return withRegistry(x.cfg, func(r *keyring.Registry) error {
		for _, alias := range r.Aliases() {
			marker := " "
			if alias.IsLocal {
				marker = "*"
			}

			fmt.Printf("%s %-20s %s\n", marker, alias.Name,
				hex.EncodeToString(alias.PubKey.SerializeCompressed()))
		}

		return nil
	})
}

func (x *keysAddCommand) Execute(_ []string) error {
	return withRegistry(x.cfg, func(r *keyring.Registry) error {
		if err := r.AddAlias(x.Args.Name); err != nil {
			return err
		}

		pubKey := r.Resolve(x.Args.Name).UnwrapOr(nil)
		if pubKey == nil {
			return fmt.Errorf("alias %q not found after adding",
				x.Args.Name)
		}

		fmt.Println(hex.EncodeToString(pubKey.SerializeCompressed()))

		return nil
	})
}

func (x *keysLocalCommand) Execute(_ []string) error {
	return withRegistry(x.cfg, func(r *keyring.Registry) error {
		local, err := r.SetLocal(x.Args.Name)
		if err != nil {
			return err
		}

		log.Infof("Local key is now %v", local.Name)

		return nil
	})
}

func (x *keysClearLocalCommand) Execute(_ []string) error {
	return withRegistry(x.cfg, func(r *keyring.Registry) error {
		r.ClearLocal()
		return nil
	})
}

func (x *keysRemoveCommand) Execute(_ []string) error {
	return withRegistry(x.cfg, func(r *keyring.Registry) error {
		return r.RemoveAlias(x.Args.Name)
	})
}
