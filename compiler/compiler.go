// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package compiler turns policy templates produced by the block editor into
// parsed policies bound to the operator's local key.
package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcpolicy/policy"
)

// MyKeyPlaceholder is the literal the editor emits wherever the operator's
// own key belongs.
const MyKeyPlaceholder = "_MY_KEY"

var (
	// ErrMissingLocalKey is returned when a template is compiled while no
	// local key is designated.
	ErrMissingLocalKey = errors.New("no local key designated")

	// ErrInvalidPolicy is returned when the substituted template doesn't
	// parse. The parser error is wrapped for detail.
	ErrInvalidPolicy = errors.New("invalid policy")
)

// LocalKeySource provides the string form of the local key.
type LocalKeySource interface {
	// LocalPubKeyString returns the encoded local public key, or an error
	// if no local key is designated.
	LocalPubKeyString() (string, error)
}

// ParseFunc parses a policy expression.
type ParseFunc func(expr string) (*policy.Policy, error)

// Compiler substitutes the local key into templates and parses the result.
type Compiler struct {
	keys  LocalKeySource
	parse ParseFunc
}

// New returns a Compiler reading the local key from keys. A nil parse uses
// policy.Parse.
func New(keys LocalKeySource, parse ParseFunc) *Compiler {
	if parse == nil {
		parse = policy.Parse
	}

	return &Compiler{
		keys:  keys,
		parse: parse,
	}
}

// Compile replaces every occurrence of MyKeyPlaceholder in template with the
// local public key and parses the result. A local key must be designated even
// when the template doesn't reference it.
func (c *Compiler) Compile(template string) (*policy.Policy, error) {
	localKey, err := c.keys.LocalPubKeyString()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingLocalKey, err)
	}

	expr := strings.ReplaceAll(template, MyKeyPlaceholder, localKey)

	parsed, err := c.parse(expr)
	if err != nil {
		log.Debugf("Template %q failed to compile: %v", template, err)

		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	log.Debugf("Compiled policy %v", parsed)

	return parsed, nil
}
