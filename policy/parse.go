package policy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

const (
	// maxLockTime is the largest lock time accepted by after and older.
	maxLockTime = math.MaxInt32

	// maxDepth bounds the nesting of fragments.
	maxDepth = 128
)

var (
	// ErrSyntax is returned for malformed expressions.
	ErrSyntax = errors.New("syntax error")

	// ErrUnknownFragment is returned for an unsupported fragment name.
	ErrUnknownFragment = errors.New("unknown fragment")

	// ErrInvalidKey is returned when a key is not a valid compressed or
	// x-only public key.
	ErrInvalidKey = errors.New("invalid public key")

	// ErrInvalidLockTime is returned for a lock time outside
	// [1, 2^31 - 1].
	ErrInvalidLockTime = errors.New("invalid lock time")

	// ErrInvalidThreshold is returned when k is not within [1, n].
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrInvalidWeight is returned for a zero or malformed branch weight.
	ErrInvalidWeight = errors.New("invalid weight")

	// ErrArity is returned when a fragment has the wrong number of
	// arguments.
	ErrArity = errors.New("wrong number of arguments")

	// ErrTooDeep is returned when fragments are nested beyond maxDepth.
	ErrTooDeep = errors.New("policy nested too deeply")
)

// ParseError describes where parsing an expression failed.
type ParseError struct {
	// Pos is the byte offset into the expression.
	Pos int

	// Err is the underlying error.
	Err error
}

// Error returns a human readable description of the failure.
func (e *ParseError) Error() string {
	return fmt.Sprintf("policy parse error at offset %d: %v", e.Pos, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse parses a policy expression. The grammar is
//
//	policy := "pk(" KEY ")" | "after(" N ")" | "older(" N ")"
//	        | "and(" policy "," policy ")"
//	        | "or(" [W "@"] policy "," [W "@"] policy ")"
//	        | "thresh(" K ("," policy)+ ")"
//
// where KEY is a hex encoded compressed or x-only public key. Whitespace
// between tokens is ignored.
func Parse(expr string) (*Policy, error) {
	p := &parser{s: expr}

	root, err := p.parsePolicy(0)
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, p.errorf(ErrSyntax, "unexpected trailing input %q",
			p.s[p.pos:])
	}

	return newPolicy(root), nil
}

// parser is a recursive descent parser over a policy expression.
type parser struct {
	s   string
	pos int
}

// errorf returns a ParseError at the current position.
func (p *parser) errorf(sentinel error, format string,
	args ...any) *ParseError {

	return &ParseError{
		Pos: p.pos,
		Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)),
	}
}

// skipSpace advances past any whitespace.
func (p *parser) skipSpace() {
	for p.pos < len(p.s) {
		switch p.s[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++

		default:
			return
		}
	}
}

// expect consumes the byte c or fails.
func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return p.errorf(ErrSyntax, "expected %q, got end of input", c)
	}

	if p.s[p.pos] != c {
		return p.errorf(ErrSyntax, "expected %q, got %q", c, p.s[p.pos])
	}
	p.pos++

	return nil
}

// peek returns the next non space byte without consuming it, or 0 at the end
// of the input.
func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return 0
	}

	return p.s[p.pos]
}

// token consumes a run of bytes that aren't delimiters.
func (p *parser) token() string {
	p.skipSpace()

	start := p.pos
	for p.pos < len(p.s) {
		switch p.s[p.pos] {
		case '(', ')', ',', '@', ' ', '\t', '\n', '\r':
			return p.s[start:p.pos]
		}
		p.pos++
	}

	return p.s[start:p.pos]
}

// number consumes a decimal number that fits in 32 bits.
func (p *parser) number(sentinel error) (uint32, error) {
	tok := p.token()

	n, err := strconv.ParseUint(tok, 10, 32)
	if err != nil {
		return 0, p.errorf(sentinel, "%q is not a number", tok)
	}

	return uint32(n), nil
}

// parsePolicy parses a single fragment and its arguments.
func (p *parser) parsePolicy(depth int) (*Node, error) {
	if depth > maxDepth {
		return nil, p.errorf(ErrTooDeep, "more than %d levels", maxDepth)
	}

	name := p.token()
	if name == "" {
		return nil, p.errorf(ErrSyntax, "expected fragment")
	}

	if err := p.expect('('); err != nil {
		return nil, err
	}

	var (
		node *Node
		err  error
	)
	switch name {
	case "pk":
		node, err = p.parseKey()

	case "after":
		node, err = p.parseLockTime(KindAfter)

	case "older":
		node, err = p.parseLockTime(KindOlder)

	case "and":
		node, err = p.parseAnd(depth)

	case "or":
		node, err = p.parseOr(depth)

	case "thresh":
		node, err = p.parseThresh(depth)

	default:
		return nil, p.errorf(ErrUnknownFragment, "%q", name)
	}
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return node, nil
}

// parseKey parses the argument of pk().
func (p *parser) parseKey() (*Node, error) {
	key := p.token()
	if err := checkKey(key); err != nil {
		return nil, p.errorf(ErrInvalidKey, "%q: %v", key, err)
	}

	return &Node{Kind: KindKey, Key: key}, nil
}

// checkKey verifies that key is a hex encoded public key on the curve.
func checkKey(key string) error {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return err
	}

	switch len(raw) {
	case btcec.PubKeyBytesLenCompressed:
		_, err = btcec.ParsePubKey(raw)

	case schnorr.PubKeyBytesLen:
		_, err = schnorr.ParsePubKey(raw)

	default:
		err = fmt.Errorf("unexpected length %d", len(raw))
	}

	return err
}

// parseLockTime parses the argument of after() or older().
func (p *parser) parseLockTime(kind Kind) (*Node, error) {
	n, err := p.number(ErrInvalidLockTime)
	if err != nil {
		return nil, err
	}

	if n == 0 || n > maxLockTime {
		return nil, p.errorf(ErrInvalidLockTime, "%d out of range", n)
	}

	return &Node{Kind: kind, Value: n}, nil
}

// parseAnd parses the arguments of and().
func (p *parser) parseAnd(depth int) (*Node, error) {
	children, err := p.parseList(depth)
	if err != nil {
		return nil, err
	}

	if len(children) != 2 {
		return nil, p.errorf(ErrArity, "and takes 2 arguments, got %d",
			len(children))
	}

	return &Node{
		Kind:      KindThresh,
		Op:        OpAnd,
		Threshold: 2,
		Children:  children,
	}, nil
}

// parseOr parses the optionally weighted arguments of or().
func (p *parser) parseOr(depth int) (*Node, error) {
	var (
		children []*Node
		weights  []uint32
	)
	for {
		weight := uint32(1)
		if c := p.peek(); c >= '0' && c <= '9' {
			w, err := p.number(ErrInvalidWeight)
			if err != nil {
				return nil, err
			}

			if w == 0 {
				return nil, p.errorf(ErrInvalidWeight,
					"weight must be positive")
			}

			if err := p.expect('@'); err != nil {
				return nil, err
			}
			weight = w
		}

		child, err := p.parsePolicy(depth + 1)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
		weights = append(weights, weight)

		if p.peek() != ',' {
			break
		}
		p.pos++
	}

	if len(children) != 2 {
		return nil, p.errorf(ErrArity, "or takes 2 arguments, got %d",
			len(children))
	}

	return &Node{
		Kind:      KindThresh,
		Op:        OpOr,
		Threshold: 1,
		Children:  children,
		Weights:   weights,
	}, nil
}

// parseThresh parses the arguments of thresh().
func (p *parser) parseThresh(depth int) (*Node, error) {
	k, err := p.number(ErrInvalidThreshold)
	if err != nil {
		return nil, err
	}

	if err := p.expect(','); err != nil {
		return nil, err
	}

	children, err := p.parseList(depth)
	if err != nil {
		return nil, err
	}

	if k == 0 || int(k) > len(children) {
		return nil, p.errorf(ErrInvalidThreshold,
			"%d of %d", k, len(children))
	}

	return &Node{
		Kind:      KindThresh,
		Op:        OpThresh,
		Threshold: int(k),
		Children:  children,
	}, nil
}

// parseList parses a comma separated list of policies.
func (p *parser) parseList(depth int) ([]*Node, error) {
	var children []*Node
	for {
		child, err := p.parsePolicy(depth + 1)
		if err != nil {
			return nil, err
		}
		children = append(children, child)

		if p.peek() != ',' {
			return children, nil
		}
		p.pos++
	}
}
