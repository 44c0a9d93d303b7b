package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcpolicy/keyring"
	"github.com/btcsuite/btcpolicy/policy"
	"github.com/btcsuite/btcpolicy/session"
	"github.com/jessevdk/go-flags"
)

type compileCommand struct {
	cfg  *config
	Args struct {
		Template string `positional-arg-name:"template"`
	} `positional-args:"yes" required:"yes"`
}

func newCompileCommand(cfg *config) *compileCommand {
	return &compileCommand{cfg: cfg}
}

func (x *compileCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"compile", "Compile a policy template",
		"Substitute the local key for "+
			"every _MY_KEY in the template, parse the policy and "+
			"print its canonical form and node tree.",
		x,
	)
	return err
}

func (x *compileCommand) Execute(_ []string) error {
	return withRegistry(x.cfg, func(r *keyring.Registry) error {
		p, err := compileTemplate(r, x.Args.Template)
		if err != nil {
			return err
		}

		fmt.Println(p)
		printTree(p.Root, 0)

		return nil
	})
}

type pathCommand struct {
	cfg  *config
	Args struct {
		Template   string   `positional-arg-name:"template"`
		Selections []string `positional-arg-name:"nodeid:idx[,idx...]"`
	} `positional-args:"yes" required:"yes"`
}

func newPathCommand(cfg *config) *pathCommand {
	return &pathCommand{cfg: cfg}
}

func (x *pathCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"path", "Select a spending path of a policy",
		"Compile the template, select the given branches of its "+
			"nodes and print the path map if it fully selects a way "+
			"to satisfy the policy.",
		x,
	)
	return err
}

func (x *pathCommand) Execute(_ []string) error {
	return withRegistry(x.cfg, func(r *keyring.Registry) error {
		s := session.New(session.Config{Registry: r})
		if err := s.OnCompiled(x.Args.Template); err != nil {
			return err
		}

		p := s.Policy().UnwrapOr(nil)
		for _, arg := range x.Args.Selections {
			nodeID, indices, err := parseSelection(arg)
			if err != nil {
				return err
			}

			if _, ok := p.Find(nodeID); !ok {
				return fmt.Errorf("unknown node %q", nodeID)
			}

			selector := s.Selector(nodeID)
			for _, idx := range indices {
				selector.Select(idx)
			}
		}

		path := s.Selection()
		if err := p.ValidatePath(path); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(path)
	})
}

// compileTemplate compiles template with the local key of r.
func compileTemplate(r *keyring.Registry,
	template string) (*policy.Policy, error) {

	s := session.New(session.Config{Registry: r})
	if err := s.OnCompiled(template); err != nil {
		return nil, err
	}

	return s.Policy().UnwrapOr(nil), nil
}

// parseSelection parses an argument of the form nodeid:idx[,idx...].
func parseSelection(arg string) (string, []int, error) {
	nodeID, list, ok := strings.Cut(arg, ":")
	if !ok || nodeID == "" || list == "" {
		return "", nil, fmt.Errorf("invalid selection %q, expected "+
			"nodeid:idx[,idx...]", arg)
	}

	var indices []int
	for _, field := range strings.Split(list, ",") {
		idx, err := strconv.Atoi(field)
		if err != nil {
			return "", nil, fmt.Errorf("invalid branch index %q in "+
				"%q: %w", field, arg, err)
		}
		indices = append(indices, idx)
	}

	return nodeID, indices, nil
}

// printTree prints n and its descendants, one node per line.
func printTree(n *policy.Node, depth int) {
	indent := strings.Repeat("  ", depth)

	switch n.Kind {
	case policy.KindThresh:
		fmt.Printf("%s%s thresh(%d of %d)\n", indent, n.ID,
			n.Threshold, len(n.Children))

		for _, child := range n.Children {
			printTree(child, depth+1)
		}

	default:
		fmt.Printf("%s%s %s\n", indent, n.ID, n)
	}
}
