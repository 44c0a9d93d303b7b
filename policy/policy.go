// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package policy parses spending policy expressions into a normalized tree of
// keys, timelocks and thresholds. AND and OR are expressed as thresholds, so a
// consumer only needs to understand a single kind of branching node.
package policy

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// idLen is the number of hash bytes used for a node ID.
const idLen = 8

// Kind is the kind of a policy node.
type Kind uint8

const (
	// KindKey requires a signature from a public key.
	KindKey Kind = iota

	// KindAfter requires an absolute lock time.
	KindAfter

	// KindOlder requires a relative lock time.
	KindOlder

	// KindThresh requires Threshold of the children to be satisfied.
	KindThresh
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindKey:
		return "key"

	case KindAfter:
		return "after"

	case KindOlder:
		return "older"

	case KindThresh:
		return "thresh"

	default:
		return "unknown"
	}
}

// Op records which fragment a threshold node was written as.
type Op uint8

const (
	// OpThresh is an explicit thresh(k, ...) fragment.
	OpThresh Op = iota

	// OpAnd is and(a, b), normalized to thresh(2, a, b).
	OpAnd

	// OpOr is or(a, b), normalized to thresh(1, a, b).
	OpOr
)

// Node is a node of a parsed policy. Nodes are never modified after parsing.
type Node struct {
	// ID identifies the node within its policy. It is derived from the
	// node's position and its canonical expression, so it is stable
	// across parses of the same expression and changes when the subtree
	// changes.
	ID string

	// Path is the dotted list of child indices leading from the root to
	// this node. The root's path is "0".
	Path string

	// Kind is the kind of the node.
	Kind Kind

	// Key is the hex encoded public key of a KindKey node.
	Key string

	// Value is the lock time of a KindAfter or KindOlder node.
	Value uint32

	// Op is the fragment a KindThresh node was written as.
	Op Op

	// Threshold is the number of children that must be satisfied.
	Threshold int

	// Children are the sub policies of a KindThresh node.
	Children []*Node

	// Weights are the relative probabilities of the branches of an OpOr
	// node. They are nil for every other node.
	Weights []uint32
}

// String returns the canonical expression of the subtree rooted at n.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b)

	return b.String()
}

// write appends the canonical expression of n to b.
func (n *Node) write(b *strings.Builder) {
	switch n.Kind {
	case KindKey:
		fmt.Fprintf(b, "pk(%s)", n.Key)

	case KindAfter:
		fmt.Fprintf(b, "after(%d)", n.Value)

	case KindOlder:
		fmt.Fprintf(b, "older(%d)", n.Value)

	case KindThresh:
		switch n.Op {
		case OpAnd:
			b.WriteString("and(")

		case OpOr:
			b.WriteString("or(")

		default:
			b.WriteString("thresh(")
			b.WriteString(strconv.Itoa(n.Threshold))
			b.WriteByte(',')
		}

		for i, child := range n.Children {
			if i > 0 {
				b.WriteByte(',')
			}

			if n.Op == OpOr && n.Weights[i] != 1 {
				fmt.Fprintf(b, "%d@", n.Weights[i])
			}

			child.write(b)
		}

		b.WriteByte(')')
	}
}

// IsLeaf returns true if the node has no children.
func (n *Node) IsLeaf() bool {
	return n.Kind != KindThresh
}

// Policy is a parsed spending policy.
type Policy struct {
	// Root is the top level node.
	Root *Node

	nodes map[string]*Node
}

// newPolicy assigns IDs below root and indexes the nodes.
func newPolicy(root *Node) *Policy {
	p := &Policy{
		Root:  root,
		nodes: make(map[string]*Node),
	}
	p.index(root, "0")

	return p
}

// index assigns the path and ID of n and its descendants.
func (p *Policy) index(n *Node, path string) {
	n.Path = path
	for i, child := range n.Children {
		p.index(child, path+"."+strconv.Itoa(i))
	}

	digest := chainhash.HashB([]byte(path + ":" + n.String()))
	n.ID = hex.EncodeToString(digest[:idLen])
	p.nodes[n.ID] = n
}

// String returns the canonical expression of the policy.
func (p *Policy) String() string {
	return p.Root.String()
}

// Find returns the node with the given ID.
func (p *Policy) Find(id string) (*Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Walk calls f for every node in depth first pre-order. It stops at the first
// error returned by f.
func (p *Policy) Walk(f func(n *Node) error) error {
	return walk(p.Root, f)
}

// walk is the recursive helper of Walk.
func walk(n *Node, f func(n *Node) error) error {
	if err := f(n); err != nil {
		return err
	}

	for _, child := range n.Children {
		if err := walk(child, f); err != nil {
			return err
		}
	}

	return nil
}

// Keys returns the distinct keys referenced by the policy in the order they
// first appear.
func (p *Policy) Keys() []string {
	seen := make(map[string]struct{})

	var keys []string
	_ = p.Walk(func(n *Node) error {
		if n.Kind != KindKey {
			return nil
		}

		if _, ok := seen[n.Key]; ok {
			return nil
		}

		seen[n.Key] = struct{}{}
		keys = append(keys, n.Key)

		return nil
	})

	return keys
}
